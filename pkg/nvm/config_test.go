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

func TestNextPow2(t *testing.T) {
	cases := []struct {
		in   uint64
		want uint64
	}{
		{1, 1},
		{2, 2},
		{3, 4},
		{128, 128},
		{129, 256},
		{1023, 1024},
	}
	for _, c := range cases {
		if got := NextPow2(c.in); got != c.want {
			t.Errorf("NextPow2(%d) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestSizeClassOf(t *testing.T) {
	cfg := DefaultConfig()
	cases := []struct {
		sz   uint64
		want int
	}{
		{1, 0},
		{128, 0},
		{129, 1},
		{256, 1},
		{257, 2},
	}
	for _, c := range cases {
		if got := cfg.SizeClassOf(c.sz); got != c.want {
			t.Errorf("SizeClassOf(%d) = %d, want %d", c.sz, got, c.want)
		}
	}
}

func TestClassSizeRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	for k := 0; k < cfg.NumClasses(); k++ {
		size := cfg.ClassSize(k)
		if got := cfg.SizeClassOf(size); got != k {
			t.Errorf("SizeClassOf(ClassSize(%d)=%d) = %d, want %d", k, size, got, k)
		}
	}
}

func TestIsNVMRange(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.IsNVMRange(cfg.AddrMin - 1) {
		t.Errorf("AddrMin-1 should not be NVM")
	}
	if !cfg.IsNVMRange(cfg.AddrMin) {
		t.Errorf("AddrMin should be NVM")
	}
	if cfg.IsNVMRange(cfg.AddrMax()) {
		t.Errorf("AddrMax should not be NVM (half-open interval)")
	}
}

func TestValidateRejectsNonPow2(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinAllocSize = 100
	if err := cfg.Validate(); err == nil {
		t.Errorf("expected Validate to reject a non-power-of-two MinAllocSize")
	}
}
