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

package nvm

import "sync/atomic"

// testConfig hands out disjoint NVM address windows to each test in this
// package. Carriers are never unmapped for the lifetime of the test
// binary (mirroring the source, which only releases them at process
// exit), so two tests sharing a window would collide; each test gets a
// window far from the others' instead of relying on process exit.
var testWindowCounter atomic.Uint64

const testWindowStride = uint64(1) << 33 // 8 GiB between windows

func testConfig() Config {
	cfg := DefaultConfig()
	n := testWindowCounter.Add(1)
	cfg.AddrMin = uintptr(4*oneG + n*testWindowStride)
	cfg.MinCarrierSize = 2 * oneM
	cfg.MinSkipSize = oneM
	cfg.MaxSkipSize = 4 * oneM
	cfg.MaxAllocSize = 1 * oneM
	return cfg
}
