// Copyright 2024 The nvmalloc-go Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build !nvm_no_hooks

package nvm

// preDumpHook and postRestoreHook are extension points a caller can
// override at build time (analogous to the teacher's
// runsc/boot/restore_impl.go, which exists solely to be swapped for an
// alternate build). They are no-ops here; nvmalloc's dump/restore have
// no per-deployment customization today.
func preDumpHook(*Allocator) error      { return nil }
func postRestoreHook(*Allocator) error { return nil }
