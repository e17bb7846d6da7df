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
	"fmt"
	"io"
	"os"
	"sync"
	"unsafe"

	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

var (
	pinitGroup   singleflight.Group
	defaultMu    sync.Mutex
	defaultAlloc *Allocator

	// liveStates pins every owning Allocator's state struct so the Go
	// GC never reclaims it while its raw address is published through
	// nvm_state_ptr in the shared control block. The source has no
	// such concern (nvm_state is a plain malloc'd C struct); this is a
	// Go-specific adaptation, not a behavior change (spec.md §9, "Shared
	// state pointer across processes").
	liveStatesMu sync.Mutex
	liveStates   = map[string]*AllocatorState{}
)

// Pinit opens or creates the process's shared control block and, if this
// call created it, attempts to restore a prior dump at id. It implements
// §4.4 exactly: idempotent within one process for the same id (enforced
// here via a process-wide default Allocator plus a singleflight.Group,
// since naive concurrent shm_open(O_EXCL) calls would otherwise race).
func Pinit(id string) (*Allocator, error) {
	return PinitWithConfig(DefaultConfig(), id)
}

// PinitWithConfig is Pinit with an explicit Config, for tests that need
// a shrunk MinCarrierSize or a different address window.
func PinitWithConfig(cfg Config, id string) (*Allocator, error) {
	defaultMu.Lock()
	if defaultAlloc != nil {
		a := defaultAlloc
		defaultMu.Unlock()
		if a.id != id {
			fatalf("nvm: pinit called with id %q but process is already initialized with %q", id, a.id)
		}
		return a, nil
	}
	defaultMu.Unlock()

	v, err, _ := pinitGroup.Do(id, func() (any, error) {
		a, err := pinitNew(cfg, id)
		if err != nil {
			return nil, err
		}
		defaultMu.Lock()
		defaultAlloc = a
		defaultMu.Unlock()
		return a, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Allocator), nil
}

// Default returns the process-wide Allocator created by the most recent
// Pinit call, or nil if Pinit has not been called yet.
func Default() *Allocator {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultAlloc
}

// Close tears down the process-wide default Allocator, the package-level
// convenience wrapper around Allocator.Close for callers that only ever
// use the single default instance returned by Pinit.
func Close() error {
	defaultMu.Lock()
	a := defaultAlloc
	defaultMu.Unlock()
	if a == nil {
		return nil
	}
	return a.Close()
}

// resetDefaultForTest clears the process-wide default Allocator, closing
// it first if it is still open so its shared control block is unlinked,
// so tests can exercise Pinit's "fresh" and "restore" paths repeatedly
// within one test binary. Not part of the public API.
func resetDefaultForTest() {
	defaultMu.Lock()
	a := defaultAlloc
	defaultAlloc = nil
	defaultMu.Unlock()
	if a != nil && a.users.Load() > 0 {
		a.Close()
	}
}

func pinitNew(cfg Config, id string) (*Allocator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.MaxCarrierCount > maxCarrierSlots {
		return nil, fmt.Errorf("nvm: MaxCarrierCount %d exceeds compiled-in ceiling %d", cfg.MaxCarrierCount, maxCarrierSlots)
	}
	if cfg.NumClasses() > maxClassSlots {
		return nil, fmt.Errorf("nvm: NumClasses %d exceeds compiled-in ceiling %d", cfg.NumClasses(), maxClassSlots)
	}

	sc, created, err := openOrCreateShared(cfg)
	if err != nil {
		return nil, err
	}

	a := newAllocator(cfg, id)
	a.shared = sc

	if !created {
		// Case 0: another party owns the allocator state. The source
		// dereferences sh_state_ctrl->nvm_state here, which is only
		// sound if both processes share an address space (e.g. a
		// simulator). A genuine OS process cannot do this safely, so
		// this rewrite refuses rather than silently misbehaving
		// (spec.md §9, second Open Question): a secondary Allocator
		// has no local state and can only classify addresses via
		// LiveCarrierRanges.
		logrus.Debug("nvm: pinit: shared control block already owned by another process; attaching as secondary")
		return a, nil
	}

	logrus.WithField("id", id).Debug("nvm: pinit: this process owns the shared control block")
	a.locallyLoaded = true
	sc.setDumpFname(id)

	state := &AllocatorState{NextFreeAddress: cfg.AddrMin}
	liveStatesMu.Lock()
	liveStates[id] = state
	liveStatesMu.Unlock()
	a.state = state
	sc.view.NVMStatePtr = uintptr(unsafe.Pointer(state))

	if err := a.restoreDump(id); err != nil {
		return nil, err
	}
	return a, nil
}

// restoreDump implements the second half of §4.4's pinit: open the dump
// file at id; a missing file means a fresh allocator, not an error.
func (a *Allocator) restoreDump(id string) error {
	lock := flock.New(id + ".lock")
	locked, err := lock.TryRLock()
	if err == nil && locked {
		defer lock.Unlock()
	}

	f, err := os.Open(id)
	if err != nil {
		if os.IsNotExist(err) {
			logrus.WithField("id", id).Debug("nvm: pinit: no dump file, starting fresh")
			return nil
		}
		return fmt.Errorf("nvm: opening dump %s: %w", id, err)
	}
	defer f.Close()

	logrus.WithField("id", id).Debug("nvm: pinit: restoring dump")

	stateBuf := unsafe.Slice((*byte)(unsafe.Pointer(a.state)), int(unsafe.Sizeof(AllocatorState{})))
	if _, err := io.ReadFull(f, stateBuf); err != nil {
		a.fatal("nvm: reading allocator state from %s: %v", id, err)
	}

	if a.state.NextFreeCarrier > maxCarrierSlots {
		fatalf("nvm: dump %s has an out-of-range carrier count %d", id, a.state.NextFreeCarrier)
	}

	for i := 0; i < a.state.NextFreeCarrier; i++ {
		carr := &a.state.Carriers[i]
		size := carr.Size()
		got, err := mmapAt(carr.StartAddr, size, true)
		if err != nil {
			a.fatal("nvm: restoring carrier %d: could not obtain memory at the original address %#x: %v", i, carr.StartAddr, err)
		}
		if got != carr.StartAddr {
			a.fatal("nvm: restoring carrier %d: MAP_FIXED landed at %#x, wanted %#x", i, got, carr.StartAddr)
		}

		used := carr.UsedBytes()
		if used > 0 {
			dst := bytesAt(carr.StartAddr, used)
			if _, err := io.ReadFull(f, dst); err != nil {
				a.fatal("nvm: restoring carrier %d: reading %d bytes: %v", i, used, err)
			}
		}
		a.publishCarrierRange(i)
		logrus.WithFields(logrus.Fields{"carrier": i, "bytes": used}).Debug("nvm: pinit: carrier restored")
	}

	a.metrics.recordRestore()
	return postRestoreHook(a)
}

// Pdump implements §4.4 pdump: fatal if root is null, a no-op if this
// Allocator never owned (locally loaded) the shared control block,
// otherwise truncates and rewrites the dump file: the raw allocator
// state struct, followed by each carrier's used-byte prefix, in order.
func (a *Allocator) Pdump() error {
	if a.state == nil {
		logrus.Debug("nvm: pdump: non-owning (secondary) allocator, nothing to dump")
		return nil
	}
	if a.state.Root == 0 {
		a.fatal("nvm: pdump: root is null; a checkpointed session must set a root first")
	}
	if !a.locallyLoaded {
		logrus.Debug("nvm: pdump: not locally loaded, nothing to dump")
		return nil
	}
	if err := preDumpHook(a); err != nil {
		return err
	}

	fname := a.shared.dumpFname()
	lock := flock.New(fname + ".lock")
	if err := lock.Lock(); err == nil {
		defer lock.Unlock()
	}

	f, err := os.Create(fname)
	if err != nil {
		a.fatal("nvm: pdump: unable to open %s for writing: %v", fname, err)
	}
	defer f.Close()

	stateBuf := unsafe.Slice((*byte)(unsafe.Pointer(a.state)), int(unsafe.Sizeof(AllocatorState{})))
	n, err := f.Write(stateBuf)
	if err != nil || n != len(stateBuf) {
		a.fatal("nvm: pdump: short write of allocator state to %s: %v", fname, err)
	}
	total := int64(n)

	for i := 0; i < a.state.NextFreeCarrier; i++ {
		carr := &a.state.Carriers[i]
		used := carr.UsedBytes()
		if used == 0 {
			continue
		}
		src := bytesAt(carr.StartAddr, used)
		n, err := f.Write(src)
		if err != nil || uint64(n) != used {
			a.fatal("nvm: pdump: short write of carrier %d to %s: %v", i, fname, err)
		}
		total += int64(n)
	}

	a.metrics.recordDump(total)
	logrus.WithFields(logrus.Fields{"id": fname, "bytes": total}).Debug("nvm: pdump: complete")
	return nil
}
