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
	"math/bits"

	"github.com/BurntSushi/toml"
)

const (
	oneK = 1024
	oneM = 1024 * oneK
	oneG = 1024 * oneM
)

// Config carries every tunable constant of the allocator. The source
// (nvmalloc.h) expresses these as compile-time #defines; here they are a
// value that can be loaded from a TOML file, so tests can shrink
// MinCarrierSize without recompiling the package.
type Config struct {
	// AddrMin is the lowest address considered NVM. Must leave enough
	// headroom below it for the process's text/heap/mmap regions.
	AddrMin uintptr `toml:"addr_min"`

	// MinAllocSize and MaxAllocSize bound every pmalloc request
	// (including the in-band prefix). Both must be powers of two.
	MinAllocSize uint64 `toml:"min_alloc_size"`
	MaxAllocSize uint64 `toml:"max_alloc_size"`

	// MinCarrierSize is the smallest size used for a new carrier
	// mapping; must be a multiple of PageSize.
	MinCarrierSize uint64 `toml:"min_carrier_size"`

	// MinSkipSize/MaxSkipSize bound the geometric retry stride used by
	// the carrier manager when a collision is detected.
	MinSkipSize uint64 `toml:"min_skip_size"`
	MaxSkipSize uint64 `toml:"max_skip_size"`

	// MaxCarrierCount is the fixed capacity of the carrier table, and
	// thus of the shared control block's carrier_ranges array.
	MaxCarrierCount int `toml:"max_carrier_count"`

	// PageSize is the host's page size. It is a config field rather
	// than a syscall result so dumps remain reproducible across hosts
	// that agree on it.
	PageSize uint64 `toml:"page_size"`
}

// DefaultConfig reproduces the literal constants of the source
// nvmalloc.h: ADDR_MIN = 4 GiB, MAX_ALLOC_SIZE = 2 GiB,
// MIN_ALLOC_SIZE = 128 B, MIN_CARRIER_SIZE = 1 GiB,
// MIN_SKIP_SIZE = 1 MiB, MAX_SKIP_SIZE = 1 GiB, MAX_CARRIER_COUNT = 64.
func DefaultConfig() Config {
	return Config{
		AddrMin:         4 * oneG,
		MinAllocSize:    128,
		MaxAllocSize:    2 * oneG,
		MinCarrierSize:  oneG,
		MinSkipSize:     oneM,
		MaxSkipSize:     oneG,
		MaxCarrierCount: 64,
		PageSize:        4096,
	}
}

// LoadConfig overlays a TOML file on top of DefaultConfig. Missing fields
// keep their default value; the result is validated before being
// returned.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("nvm: loading config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// AddrMax is the first address past the NVM window:
// AddrMin + MaxCarrierCount*MaxAllocSize.
func (c Config) AddrMax() uintptr {
	return c.AddrMin + uintptr(uint64(c.MaxCarrierCount)*c.MaxAllocSize)
}

// PrefixSize is the fixed in-band header size preceding every block:
// 64 bytes, cache-line sized, matching the source's freelistnode.
func (c Config) PrefixSize() uint64 { return uint64(prefixSize) }

// NumClasses is the count of power-of-two size classes served by the
// allocator: log2(MaxAllocSize) - log2(MinAllocSize) + 1.
func (c Config) NumClasses() int {
	return bits.TrailingZeros64(c.MaxAllocSize) - bits.TrailingZeros64(c.MinAllocSize) + 1
}

// IsNVMRange reports whether addr lies in [AddrMin, AddrMax).
func (c Config) IsNVMRange(addr uintptr) bool {
	return addr >= c.AddrMin && addr < c.AddrMax()
}

// NextPow2 returns the smallest power of two >= n (n > 0).
func NextPow2(n uint64) uint64 {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len64(n-1)
}

// SizeClassOf returns the size-class index serving a block of sz bytes
// (including its prefix): max(ctz(NextPow2(sz)) - ctz(MinAllocSize), 0).
func (c Config) SizeClassOf(sz uint64) int {
	k := bits.TrailingZeros64(NextPow2(sz)) - bits.TrailingZeros64(c.MinAllocSize)
	if k < 0 {
		return 0
	}
	return k
}

// ClassSize returns the block size (including prefix) served by class k:
// MinAllocSize << k.
func (c Config) ClassSize(k int) uint64 {
	return c.MinAllocSize << uint(k)
}

// Validate checks the power-of-two / page-multiple invariants §4.1
// requires of every size constant.
func (c Config) Validate() error {
	if !isPow2(c.MinAllocSize) || !isPow2(c.MaxAllocSize) {
		return fmt.Errorf("nvm: MinAllocSize/MaxAllocSize must be powers of two")
	}
	if c.MinAllocSize == 0 || c.MaxAllocSize < c.MinAllocSize {
		return fmt.Errorf("nvm: invalid alloc size bounds")
	}
	if c.PageSize == 0 || c.MinCarrierSize%c.PageSize != 0 {
		return fmt.Errorf("nvm: MinCarrierSize must be a multiple of PageSize")
	}
	if c.MinSkipSize%c.PageSize != 0 || c.MaxSkipSize%c.PageSize != 0 {
		return fmt.Errorf("nvm: skip sizes must be multiples of PageSize")
	}
	if c.MaxCarrierCount <= 0 {
		return fmt.Errorf("nvm: MaxCarrierCount must be positive")
	}
	return nil
}

func isPow2(n uint64) bool { return n != 0 && n&(n-1) == 0 }
