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

//go:build linux

package nvm

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// mmapAt requests a private anonymous mapping of length at the given
// address hint. fixed selects MAP_FIXED, used only when restoring a
// carrier at its original dump-time address, where landing anywhere
// else is fatal.
//
// golang.org/x/sys/unix.Mmap always maps at an OS-chosen address; it has
// no hint/MAP_FIXED parameter, so the raw syscall is invoked directly —
// the same approach the teacher takes for ioctls it has no high-level
// wrapper for (pkg/sentry/platform/kvm/kvm_arm64_unsafe.go).
func mmapAt(addr uintptr, length uint64, fixed bool) (uintptr, error) {
	flags := unix.MAP_PRIVATE | unix.MAP_ANONYMOUS
	if fixed {
		flags |= unix.MAP_FIXED
	}
	got, _, errno := unix.RawSyscall6(
		unix.SYS_MMAP,
		addr,
		uintptr(length),
		unix.PROT_READ|unix.PROT_WRITE,
		uintptr(flags),
		^uintptr(0), // fd: -1
		0,
	)
	if errno != 0 {
		return 0, errno
	}
	if got == uintptr(0)-1 { // MAP_FAILED, in case errno wasn't set
		return 0, fmt.Errorf("nvm: mmap failed")
	}
	return got, nil
}

func munmapAt(addr uintptr, length uint64) error {
	_, _, errno := unix.RawSyscall(unix.SYS_MUNMAP, addr, uintptr(length), 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// bytesAt views length bytes at addr as a byte slice without copying.
// The caller must guarantee the region is mapped and stays mapped for
// the lifetime of the returned slice.
func bytesAt(addr uintptr, length uint64) []byte {
	if length == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(length))
}
