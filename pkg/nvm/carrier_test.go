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

import "testing"

// TestCarrierBoundaryTriggersNewCarrier implements spec.md §8 scenario 6:
// draining one carrier of a given size class forces the next pmalloc of
// that class to create a second, disjoint carrier.
func TestCarrierBoundaryTriggersNewCarrier(t *testing.T) {
	cfg := testConfig()
	a := newAllocator(cfg, "boundary-test")
	a.state = &AllocatorState{NextFreeAddress: cfg.AddrMin}

	const reqSize = 256
	k := cfg.SizeClassOf(reqSize + cfg.PrefixSize())
	classSize := cfg.ClassSize(k)

	blocksPerCarrier := cfg.MinCarrierSize / classSize
	var ptrs []uintptr
	for i := uint64(0); i < blocksPerCarrier; i++ {
		p := a.Pmalloc(reqSize)
		if p == nil {
			t.Fatalf("pmalloc %d failed while still within the first carrier", i)
		}
		ptrs = append(ptrs, uintptr(p))
	}
	if got := a.state.NextFreeCarrier; got != 1 {
		t.Fatalf("expected exactly 1 carrier after draining it, got %d", got)
	}
	first := a.state.Carriers[0]
	if first.Available != 0 {
		t.Fatalf("expected carrier to be fully drained, available=%d", first.Available)
	}

	p := a.Pmalloc(reqSize)
	if p == nil {
		t.Fatalf("pmalloc after draining the first carrier should trigger a new one")
	}
	if a.state.NextFreeCarrier != 2 {
		t.Fatalf("expected a second carrier, got %d", a.state.NextFreeCarrier)
	}
	second := a.state.Carriers[1]
	if second.StartAddr >= first.StartAddr && second.StartAddr < first.EndAddr {
		t.Fatalf("second carrier %#x overlaps first carrier [%#x, %#x)", second.StartAddr, first.StartAddr, first.EndAddr)
	}
	if uintptr(p) < second.StartAddr || uintptr(p) >= second.EndAddr {
		t.Fatalf("returned pointer %#x is not inside the new carrier [%#x, %#x)", p, second.StartAddr, second.EndAddr)
	}
}

func TestFindCarrierPicksOldestWithEnoughSpace(t *testing.T) {
	cfg := testConfig()
	a := newAllocator(cfg, "find-carrier-test")
	a.state = &AllocatorState{NextFreeAddress: cfg.AddrMin}

	c1, err := a.allocateCarrier(cfg.MinCarrierSize)
	if err != nil || c1 == nil {
		t.Fatalf("allocateCarrier failed: %v", err)
	}
	c1.Available = 0 // simulate fully drained

	c2, err := a.allocateCarrier(cfg.MinCarrierSize)
	if err != nil || c2 == nil {
		t.Fatalf("allocateCarrier failed: %v", err)
	}

	found := a.findCarrier(128)
	if found == nil {
		t.Fatalf("findCarrier found nothing")
	}
	if found.StartAddr != c2.StartAddr {
		t.Fatalf("findCarrier should have skipped the drained carrier and found the second one")
	}
}
