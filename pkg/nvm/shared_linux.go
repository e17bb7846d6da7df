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
	"os"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// sharedStateSize is the fixed size of the shared control block:
// { uintptr nvm_state_ptr; char dmp_fname[256]; uintptr carrier_ranges[2*maxCarrierSlots]; }
type sharedState struct {
	NVMStatePtr   uintptr
	DmpFname      [256]byte
	CarrierRanges [2 * maxCarrierSlots]uintptr
}

const sharedStateSize = unsafe.Sizeof(sharedState{})

// sharedControl is a process's handle onto the cross-process shared
// control block named "nvmalloc.<pid>". It is the Go analogue of the
// source's sh_state_ctrl pointer plus sh_state_ctrl_locally_loaded flag.
type sharedControl struct {
	name string
	addr uintptr
	size uint64
	view *sharedState
}

func sharedRegionName() string {
	return fmt.Sprintf("nvmalloc.%d", os.Getpid())
}

// shmPath is the real Linux mechanism behind POSIX shm_open: names under
// the shared-memory namespace are files under /dev/shm.
func shmPath(name string) string { return "/dev/shm/" + name }

// openOrCreateShared implements §4.4 get_sh_state_ctrl: it opens the
// shared-memory region if it already exists (case 0, caze=false) or
// creates and sizes it to exactly PageSize if not (case 1, caze=true).
func openOrCreateShared(cfg Config) (sc *sharedControl, created bool, err error) {
	// §4.4 enforces the shared region size equal to PageSize so readers
	// can assume it without importing this package's types; that is
	// only sound if the control block itself fits inside one page.
	if cfg.PageSize < uint64(sharedStateSize) {
		return nil, false, fmt.Errorf("nvm: PageSize %d is smaller than the shared control block (%d bytes)", cfg.PageSize, sharedStateSize)
	}

	name := sharedRegionName()
	path := shmPath(name)

	fd, oerr := unix.Open(path, unix.O_RDWR, 0666)
	created = oerr != nil
	if created {
		logrus.WithField("path", path).Debug("nvm: shared control block absent, creating")
		fd, err = unix.Open(path, unix.O_CREAT|unix.O_EXCL|unix.O_RDWR, 0666)
		if err != nil {
			return nil, false, fmt.Errorf("nvm: creating shared control block: %w", err)
		}
		if err = unix.Ftruncate(fd, int64(cfg.PageSize)); err != nil {
			unix.Close(fd)
			return nil, false, fmt.Errorf("nvm: sizing shared control block: %w", err)
		}
	} else {
		logrus.WithField("path", path).Debug("nvm: found existing shared control block")
	}
	defer unix.Close(fd)

	addr, _, errno := unix.RawSyscall6(unix.SYS_MMAP, 0, uintptr(cfg.PageSize),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED, uintptr(fd), 0)
	if errno != 0 {
		return nil, false, fmt.Errorf("nvm: mmap shared control block: %w", errno)
	}

	sc = &sharedControl{
		name: name,
		addr: addr,
		size: cfg.PageSize,
		view: (*sharedState)(unsafe.Pointer(addr)),
	}
	return sc, created, nil
}

// destroy implements §4.4's atexit(destroy_sh_state_ctrl): munmap the
// region and shm_unlink its name. Only the owning (locally-loaded)
// Allocator may call this.
func (sc *sharedControl) destroy() error {
	if err := munmapAt(sc.addr, sc.size); err != nil {
		return fmt.Errorf("nvm: munmap shared control block: %w", err)
	}
	if err := unix.Unlink(shmPath(sc.name)); err != nil {
		return fmt.Errorf("nvm: unlink shared control block: %w", err)
	}
	return nil
}

func (sc *sharedControl) setDumpFname(id string) {
	n := copy(sc.view.DmpFname[:len(sc.view.DmpFname)-1], id)
	sc.view.DmpFname[n] = 0
}

func (sc *sharedControl) dumpFname() string {
	n := 0
	for n < len(sc.view.DmpFname) && sc.view.DmpFname[n] != 0 {
		n++
	}
	return string(sc.view.DmpFname[:n])
}

// publishCarrierRange writes carrier i's [start,end) into the shared
// control block, the only write path other processes may race with
// (spec.md §5): carrier_ranges[2i] = start, carrier_ranges[2i+1] = end.
func (a *Allocator) publishCarrierRange(i int) {
	if a.shared == nil {
		return
	}
	c := &a.state.Carriers[i]
	a.shared.view.CarrierRanges[2*i] = c.StartAddr
	a.shared.view.CarrierRanges[2*i+1] = c.EndAddr
}

// LiveCarrierRanges returns a snapshot of every published [start,end)
// range in the shared control block. It is the operation the design
// notes reserve for secondary (non-owning) processes: classification of
// addresses without dereferencing the owner's process-local state
// pointer.
func (a *Allocator) LiveCarrierRanges() []Carrier {
	if a.shared == nil {
		return nil
	}
	var out []Carrier
	for i := 0; i < maxCarrierSlots; i++ {
		start := a.shared.view.CarrierRanges[2*i]
		end := a.shared.view.CarrierRanges[2*i+1]
		if start == 0 && end == 0 {
			continue
		}
		out = append(out, Carrier{StartAddr: start, EndAddr: end})
	}
	return out
}
