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

import (
	"path/filepath"
	"testing"
	"unsafe"

	"github.com/google/go-cmp/cmp"
)

// restoreCycle closes the default Allocator's shared control block (as if the owning
// process exited) and re-initializes from the same dump file, standing
// in for a real process restart within a single test binary: the shared
// region is genuinely destroyed and recreated, and the dump file is
// genuinely re-read from disk, only the OS process identity is reused.
func restoreCycle(t *testing.T, cfg Config, id string) *Allocator {
	t.Helper()
	if err := Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	resetDefaultForTest()
	a, err := PinitWithConfig(cfg, id)
	if err != nil {
		t.Fatalf("pinit (restore) failed: %v", err)
	}
	return a
}

// TestFreshAllocatorAndDump implements spec.md §8 scenario 1.
func TestFreshAllocatorAndDump(t *testing.T) {
	resetDefaultForTest()
	t.Cleanup(resetDefaultForTest)

	cfg := testConfig()
	dumpFile := filepath.Join(t.TempDir(), "t1.dump")

	a, err := PinitWithConfig(cfg, dumpFile)
	if err != nil {
		t.Fatalf("pinit failed: %v", err)
	}
	p := a.Pmalloc(100)
	if p == nil {
		t.Fatalf("pmalloc failed")
	}
	*(*int32)(p) = 42
	a.PsetRoot(p)
	if err := a.Pdump(); err != nil {
		t.Fatalf("pdump failed: %v", err)
	}
}

// TestRestoreRoundTrip implements spec.md §8 scenario 2: a second
// "process" (see restoreCycle) observes the root and its bytes.
func TestRestoreRoundTrip(t *testing.T) {
	resetDefaultForTest()
	t.Cleanup(resetDefaultForTest)

	cfg := testConfig()
	dumpFile := filepath.Join(t.TempDir(), "t1.dump")

	a1, err := PinitWithConfig(cfg, dumpFile)
	if err != nil {
		t.Fatalf("pinit failed: %v", err)
	}
	p := a1.Pmalloc(100)
	*(*int32)(p) = 42
	a1.PsetRoot(p)
	if err := a1.Pdump(); err != nil {
		t.Fatalf("pdump failed: %v", err)
	}

	a2 := restoreCycle(t, cfg, dumpFile)
	root := a2.PgetRoot()
	if root == nil {
		t.Fatalf("restored root is nil")
	}
	if got := *(*int32)(root); got != 42 {
		t.Errorf("restored root's first 4 bytes = %d, want 42", got)
	}
}

type llNode struct {
	val  int64
	next uintptr
}

func llNodeAt(addr uintptr) *llNode { return (*llNode)(unsafe.Pointer(addr)) }

func llValues(a *Allocator) []int64 {
	var vals []int64
	for p := a.PgetRoot(); p != nil; {
		n := llNodeAt(uintptr(p))
		vals = append(vals, n.val)
		p = unsafe.Pointer(n.next)
	}
	return vals
}

func equalInt64(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// TestLinkedListGrowAndShrink implements spec.md §8 scenarios 3 and 4.
func TestLinkedListGrowAndShrink(t *testing.T) {
	resetDefaultForTest()
	t.Cleanup(resetDefaultForTest)

	cfg := testConfig()
	dumpFile := filepath.Join(t.TempDir(), "ll.dump")

	a, err := PinitWithConfig(cfg, dumpFile)
	if err != nil {
		t.Fatalf("pinit failed: %v", err)
	}
	for i := int64(1); i <= 5; i++ {
		p := a.Pmalloc(uint64(unsafe.Sizeof(llNode{})))
		if p == nil {
			t.Fatalf("pmalloc failed at i=%d", i)
		}
		n := (*llNode)(p)
		n.val = i
		n.next = uintptr(a.PgetRoot())
		a.PsetRoot(unsafe.Pointer(n))
	}
	if err := a.Pdump(); err != nil {
		t.Fatalf("pdump failed: %v", err)
	}

	a2 := restoreCycle(t, cfg, dumpFile)
	want := []int64{5, 4, 3, 2, 1}
	if got := llValues(a2); !equalInt64(got, want) {
		t.Fatalf("after grow+restore: got %v, want %v", got, want)
	}

	head := a2.PgetRoot()
	headNode := llNodeAt(uintptr(head))
	a2.PsetRoot(unsafe.Pointer(headNode.next))
	a2.Pfree(head)
	if err := a2.Pdump(); err != nil {
		t.Fatalf("pdump failed: %v", err)
	}

	a3 := restoreCycle(t, cfg, dumpFile)
	want = []int64{4, 3, 2, 1}
	if got := llValues(a3); !equalInt64(got, want) {
		t.Fatalf("after shrink+restore: got %v, want %v", got, want)
	}
}

// TestCarrierStartAddrStableAcrossRestore implements the "Address
// stability across restore" invariant of spec.md §8.
func TestCarrierStartAddrStableAcrossRestore(t *testing.T) {
	resetDefaultForTest()
	t.Cleanup(resetDefaultForTest)

	cfg := testConfig()
	dumpFile := filepath.Join(t.TempDir(), "stability.dump")

	a1, err := PinitWithConfig(cfg, dumpFile)
	if err != nil {
		t.Fatalf("pinit failed: %v", err)
	}
	p := a1.Pmalloc(64)
	a1.PsetRoot(p)
	beforeStart := a1.state.Carriers[0].StartAddr
	if err := a1.Pdump(); err != nil {
		t.Fatalf("pdump failed: %v", err)
	}

	a2 := restoreCycle(t, cfg, dumpFile)
	afterStart := a2.state.Carriers[0].StartAddr
	if beforeStart != afterStart {
		t.Errorf("carrier start address changed across restore: before=%#x after=%#x", beforeStart, afterStart)
	}
}

// TestLiveCarrierRangesStableAcrossRestore checks that a secondary
// process's view of carrier ranges (the only thing it may read, per the
// cross-process Open Question resolution in DESIGN.md) is byte-for-byte
// identical before and after a restore cycle.
func TestLiveCarrierRangesStableAcrossRestore(t *testing.T) {
	resetDefaultForTest()
	t.Cleanup(resetDefaultForTest)

	cfg := testConfig()
	dumpFile := filepath.Join(t.TempDir(), "ranges.dump")

	a1, err := PinitWithConfig(cfg, dumpFile)
	if err != nil {
		t.Fatalf("pinit failed: %v", err)
	}
	a1.PsetRoot(a1.Pmalloc(64))
	before := a1.LiveCarrierRanges()
	if err := a1.Pdump(); err != nil {
		t.Fatalf("pdump failed: %v", err)
	}

	a2 := restoreCycle(t, cfg, dumpFile)
	after := a2.LiveCarrierRanges()

	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("carrier ranges changed across restore (-before +after):\n%s", diff)
	}
}
