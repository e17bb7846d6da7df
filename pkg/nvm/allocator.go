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
	"unsafe"

	"github.com/sirupsen/logrus"
)

// Pmalloc implements §4.3 pmalloc: computes the size class for sz plus
// its prefix, refills the class's freelist from a carrier if it is
// empty, and pops the head block. Returns nil on carrier-allocation
// failure (recoverable, per spec.md §7) rather than erroring.
func (a *Allocator) Pmalloc(sz uint64) unsafe.Pointer {
	a.requireOwner("pmalloc")

	nsize := sz + a.cfg.PrefixSize()
	if nsize > a.cfg.MaxAllocSize {
		a.fatal("nvm: pmalloc(%d): exceeds MaxAllocSize %d", sz, a.cfg.MaxAllocSize)
	}
	k := a.cfg.SizeClassOf(nsize)
	if k >= a.cfg.NumClasses() {
		a.fatal("nvm: pmalloc(%d): size class %d out of range", sz, k)
	}

	hitFreelist := a.state.Freelist[k] != 0
	if !hitFreelist {
		if !a.refill(k) {
			a.metrics.recordPmalloc(false, true)
			return nil
		}
	}

	head := prefixAt(a.state.Freelist[k])
	a.state.Freelist[k] = head.next
	a.metrics.recordPmalloc(hitFreelist, false)

	logrus.WithFields(logrus.Fields{"size": sz, "class": k, "addr": head.addr}).Trace("nvm: pmalloc")
	return head.userPtr()
}

// refill implements §4.3 refill(k): cuts exactly one class-k block from
// an existing carrier with enough available space, or a freshly
// allocated one, and pushes it onto freelist[k]. Only one block is cut
// per call since the caller immediately pops it.
func (a *Allocator) refill(k int) bool {
	size := a.cfg.ClassSize(k)

	carr := a.findCarrier(size)
	if carr == nil {
		var err error
		carr, err = a.allocateCarrier(size)
		if err != nil || carr == nil {
			return false
		}
	}

	addr := carr.nextAddress()
	node := prefixAt(addr)
	node.addr = addr
	node.flpos = int32(k)
	node.next = a.state.Freelist[k]
	a.state.Freelist[k] = addr
	carr.Available -= size

	logrus.WithFields(logrus.Fields{"class": k, "addr": addr, "carrier_available": carr.Available}).Trace("nvm: refill")
	return true
}

// Pcalloc implements §4.3 pcalloc: pmalloc(n*size) followed by a
// zero-fill. Overflow of n*size is the caller's responsibility, exactly
// as in the source.
func (a *Allocator) Pcalloc(n, size uint64) unsafe.Pointer {
	total := n * size
	p := a.Pmalloc(total)
	if p == nil {
		return nil
	}
	dst := unsafe.Slice((*byte)(p), int(total))
	for i := range dst {
		dst[i] = 0
	}
	return p
}

// Pfree implements §4.3 pfree: a no-op on nil, an assertion that ptr is
// in the NVM range otherwise, and an unconditional LIFO push onto the
// block's class freelist. No coalescing; no liveness check — a
// double-free silently corrupts the freelist, exactly as documented in
// spec.md §4.3.
func (a *Allocator) Pfree(p unsafe.Pointer) {
	if p == nil {
		return
	}
	a.requireOwner("pfree")
	if !a.cfg.IsNVMRange(uintptr(p)) {
		a.fatal("nvm: pfree(%p): pointer is not in the NVM range", p)
	}

	node := prefixOf(p)
	node.next = a.state.Freelist[node.flpos]
	a.state.Freelist[node.flpos] = node.addr
	a.metrics.recordPfree()

	logrus.WithFields(logrus.Fields{"addr": node.addr, "class": node.flpos}).Trace("nvm: pfree")
}

// PsetRoot implements §4.3 pset_root. The source does not validate that
// p lies in the NVM range before storing it; this rewrite preserves that
// (spec.md §9 flags it as a candidate to tighten, not as a silent
// change). Use PsetRootChecked for the stricter variant.
func (a *Allocator) PsetRoot(p unsafe.Pointer) {
	a.requireOwner("pset_root")
	a.state.Root = uintptr(p)
}

// PsetRootChecked is the tightened variant spec.md §9 calls out as an
// open question: it validates p is nil or in the NVM range before
// storing it. It is additive — PsetRoot keeps the source's unchecked
// behavior — so callers opt in explicitly.
func (a *Allocator) PsetRootChecked(p unsafe.Pointer) error {
	if p != nil && !a.cfg.IsNVMRange(uintptr(p)) {
		return ErrNotNVM
	}
	a.PsetRoot(p)
	return nil
}

// PgetRoot implements §4.3 pget_root.
func (a *Allocator) PgetRoot() unsafe.Pointer {
	a.requireOwner("pget_root")
	return unsafe.Pointer(a.state.Root)
}

// requireOwner panics with a clear diagnostic when a mutating operation
// is attempted on a secondary (non-owning) allocator, whose state was
// never restored locally (see pinitNew's case-0 branch).
func (a *Allocator) requireOwner(op string) {
	if a.state == nil {
		fatalf("nvm: %s: called on a non-owning (secondary) allocator with no local state", op)
	}
}
