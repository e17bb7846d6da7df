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

// Package nvm implements a persistent memory allocator over a reserved
// range of process virtual address space.
//
// A region of the address space is treated as non-volatile memory (NVM):
// carriers are mapped at deterministic addresses inside that region, and
// a segregated power-of-two freelist hands out blocks from them. At a
// checkpoint call the allocator state and the live bytes of every carrier
// are written to a dump file; on a later process start that file is
// mapped back at the same addresses, so pointers embedded in restored
// data structures remain valid without swizzling.
//
// The allocator assumes a single mutator per process. It does not
// coalesce freed blocks, compact the heap, or protect the dump file's
// contents; see SPEC_FULL.md for the full list of non-goals.
package nvm
