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

	"github.com/sirupsen/logrus"
)

// Carrier is a contiguous span of pages mapped anonymous-private at a
// fixed address inside the NVM window, from which blocks are
// bump-allocated upward from StartAddr: the next block starts at
// EndAddr - Available.
type Carrier struct {
	StartAddr uintptr
	EndAddr   uintptr
	Available uint64
}

// Size returns end_addr - start_addr.
func (c *Carrier) Size() uint64 { return uint64(c.EndAddr - c.StartAddr) }

// nextAddress is the bump pointer: end_addr - available.
func (c *Carrier) nextAddress() uintptr { return c.EndAddr - uintptr(c.Available) }

// UsedBytes is the length of the carrier's used prefix, contiguous from
// StartAddr: carrier_size - available.
func (c *Carrier) UsedBytes() uint64 { return c.Size() - c.Available }

// allocateCarrier implements §4.2 allocate_carrier: it requests a
// private anonymous mapping at a[ next free address hint, growing a
// geometric "skip" on every collision with an address outside the NVM
// window, and always advancing next_free_address so the search makes
// progress even when the OS declines the hint.
func (a *Allocator) allocateCarrier(requestedSize uint64) (*Carrier, error) {
	cfg := a.cfg
	nsize := requestedSize
	if nsize < cfg.MinCarrierSize {
		nsize = cfg.MinCarrierSize
	}

	st := a.state
	if st.NextFreeAddress < cfg.AddrMin || uint64(st.NextFreeAddress)+requestedSize >= uint64(cfg.AddrMax()) {
		a.fatal("nvm: carrier allocation would overflow the NVM address window (next=%#x req=%d)",
			st.NextFreeAddress, requestedSize)
	}

	skip := cfg.MinSkipSize
	for {
		got, err := mmapAt(st.NextFreeAddress, nsize, false)
		if err != nil {
			logrus.WithError(err).WithField("addr", fmt.Sprintf("%#x", st.NextFreeAddress)).
				Debug("nvm: carrier mmap failed")
			return nil, nil
		}

		if got != st.NextFreeAddress && !cfg.IsNVMRange(got) {
			if uerr := munmapAt(got, nsize); uerr != nil {
				logrus.WithError(uerr).Warn("nvm: failed to unmap rejected carrier mapping")
			}
			st.NextFreeAddress += uintptr(skip)
			if skip < cfg.MaxSkipSize {
				skip *= 2
				if skip > cfg.MaxSkipSize {
					skip = cfg.MaxSkipSize
				}
			}
			continue
		}

		// Either we landed at the hint, or the OS gave us an address
		// that is itself inside the NVM window: accept it. Either way
		// advance next_free_address by nsize to guarantee progress.
		st.NextFreeAddress += uintptr(nsize)

		if st.NextFreeCarrier >= a.cfg.MaxCarrierCount {
			a.fatal("nvm: carrier table exhausted (max %d)", a.cfg.MaxCarrierCount)
		}
		carr := &st.Carriers[st.NextFreeCarrier]
		carr.StartAddr = got
		carr.EndAddr = got + uintptr(nsize)
		carr.Available = nsize

		a.publishCarrierRange(st.NextFreeCarrier)
		st.NextFreeCarrier++
		a.metrics.recordCarrierAllocated(nsize)

		logrus.WithFields(logrus.Fields{
			"start": fmt.Sprintf("%#x", carr.StartAddr),
			"end":   fmt.Sprintf("%#x", carr.EndAddr),
			"size":  nsize,
		}).Debug("nvm: carrier allocated")
		return carr, nil
	}
}

// findCarrier implements §4.2 find_carrier: a linear scan returning the
// first (oldest) carrier with enough available space, or nil.
func (a *Allocator) findCarrier(size uint64) *Carrier {
	st := a.state
	for i := 0; i < st.NextFreeCarrier; i++ {
		if st.Carriers[i].Available >= size {
			return &st.Carriers[i]
		}
	}
	return nil
}
