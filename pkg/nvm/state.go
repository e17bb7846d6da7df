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

// maxCarrierSlots and maxClassSlots bound the fixed-size arrays embedded
// in AllocatorState. The source hardcodes these as #defines
// (NVM_MAX_CARRIER_COUNT, NVM_FREELIST_SIZE) because its dump is a raw
// memcpy of the struct; Config.MaxCarrierCount/NumClasses() remain
// tunable but are validated against these compile-time ceilings so the
// dump format keeps a single, fixed in-memory layout.
const (
	maxCarrierSlots = 64
	maxClassSlots   = 32
)

// AllocatorState is the single struct persisted verbatim (raw bytes, no
// headers) at the head of a dump file. It contains no Go pointers or
// slices so that a byte-for-byte dump/restore is meaningful: Root,
// NextFreeAddress and every freelist head are raw addresses that are
// only valid once the carriers they point into are remapped at their
// original addresses.
type AllocatorState struct {
	Root            uintptr
	NextFreeAddress uintptr
	NextFreeCarrier int
	Carriers        [maxCarrierSlots]Carrier
	Freelist        [maxClassSlots]uintptr
}
