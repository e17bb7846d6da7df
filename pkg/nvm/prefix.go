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

import "unsafe"

// prefixSize is the real, compiler-computed size of prefix.
// Config.PrefixSize returns this value directly so the two can never
// disagree.
const prefixSize = unsafe.Sizeof(prefix{})

// prefix is the in-band header preceding every allocated or freed block,
// the Go analogue of the source's freelistnode. It doubles as a freelist
// link: next is a raw address, not a typed pointer, reinterpreted from
// carrier bytes exactly as the source does — the same idiom as the
// gclinkptr-as-uintptr freelist link in the Go runtime's mcentral/malloc
// allocator.
type prefix struct {
	addr   uintptr // the block's own start address (== address of this header)
	flpos  int32   // size-class index this block belongs to
	_      int32   // padding to keep next 8-byte aligned
	next   uintptr // address of the next free prefix on this class's freelist, or 0
	filler [64 - 24]byte
}

// prefixAt reinterprets the PrefixSize()-aligned bytes at addr as a
// *prefix. The caller is responsible for addr being a live block address
// inside some carrier.
func prefixAt(addr uintptr) *prefix {
	return (*prefix)(unsafe.Pointer(addr))
}

// userPtr returns the user-visible pointer for a prefix: the address
// immediately following the header.
func (p *prefix) userPtr() unsafe.Pointer {
	return unsafe.Pointer(p.addr + prefixSize)
}

// prefixOf recovers the header preceding a user pointer.
func prefixOf(p unsafe.Pointer) *prefix {
	return prefixAt(uintptr(p) - prefixSize)
}
