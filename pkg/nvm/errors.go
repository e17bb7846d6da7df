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
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// ErrNotNVM is returned by operations that choose to validate a pointer
// rather than assert on it (see PsetRootChecked).
var ErrNotNVM = errors.New("nvm: pointer is not in the NVM address range")

// fatalError is the panic value raised by fatal. Recovering it lets a
// caller (e.g. a CLI wrapper) print a clean diagnostic instead of a
// raw Go stack trace, while still aborting the in-progress operation
// exactly as the source's handle_error()/exit(EXIT_FAILURE) does.
type fatalError struct{ msg string }

func (e *fatalError) Error() string { return e.msg }

// fatal is the Go analogue of the source's handle_error macro: an
// invariant violation or unrecoverable I/O failure that the source
// treats as fatal (perror + exit). Unlike exit(), it panics with a
// typed value so a process embedding the allocator (e.g. a test) can
// recover it; a bare CLI should let it propagate and crash.
func (a *Allocator) fatal(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	logrus.Error(msg)
	panic(&fatalError{msg: msg})
}

func fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	logrus.Error(msg)
	panic(&fatalError{msg: msg})
}
