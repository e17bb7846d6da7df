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
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Allocator is the single owned context object for one process's nvmalloc
// session: the state struct, the carrier/freelist bookkeeping, the
// shared control block, and the process-local flags the source keeps as
// scattered static globals (nvm_state, sh_state_ctrl,
// sh_state_ctrl_locally_loaded). Modeling it as one struct with a thin
// package-level accessor (see Default in dump.go), rather than
// package globals, is called out in spec.md §9 as the intended rewrite
// shape — it is what makes the allocator testable without a shared
// process.
//
// Adapted from the teacher's pkg/sentry/mm.MemoryManager lifecycle
// (NewMemoryManager/IncUsers/DecUsers): Allocator carries the same
// "created once, used by N callers, torn down when the last one leaves"
// shape, though nvmalloc itself is explicitly single-mutator (spec.md
// §5) so the ref count here guards process-local Close() reentrancy,
// not concurrent mutation.
type Allocator struct {
	cfg Config

	id      string
	state   *AllocatorState
	shared  *sharedControl
	metrics *Metrics

	locallyLoaded bool

	users     atomic.Int32
	closeOnce sync.Once
}

// users starts at 1, mirroring mm.NewMemoryManager's "no mappings and 1
// user" convention.
func newAllocator(cfg Config, id string) *Allocator {
	a := &Allocator{cfg: cfg, id: id, metrics: newMetrics(id)}
	a.users.Store(1)
	return a
}

// IncUsers increments a's user count and returns true, or returns false
// without effect if the count has already reached zero (a is closed).
func (a *Allocator) IncUsers() bool {
	for {
		n := a.users.Load()
		if n == 0 {
			return false
		}
		if a.users.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Close decrements a's user count; when it reaches zero the owning
// process's shared control block is unmapped and unlinked (the explicit
// analogue of the source's atexit(destroy_sh_state_ctrl), since Go has
// no atexit). Close is a no-op for a non-owning (secondary) Allocator:
// it never owned the shared region and must not unlink it.
func (a *Allocator) Close() error {
	if n := a.users.Add(-1); n > 0 {
		return nil
	} else if n < 0 {
		logrus.Panic("nvm: Allocator closed more times than opened")
	}

	var err error
	a.closeOnce.Do(func() {
		if a.shared != nil && a.locallyLoaded {
			err = a.shared.destroy()
		}
	})
	return err
}
