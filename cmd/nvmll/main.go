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

// Command nvmll is the linked-list example client spec.md §1 names as
// an out-of-scope external collaborator: it exercises nvm.Allocator's
// public API (Pinit/Pmalloc/Pfree/PsetRoot/PgetRoot/Pdump) the same
// way the source's examples/linked_list.c does, but as a
// subcommand-based CLI in the style of the teacher's runsc binary.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"unsafe"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"github.com/lsc-unicamp/nvmalloc-go/pkg/nvm"
)

// node is the linked-list element restored from NVM; its layout must
// stay stable across dump/restore, so it carries a raw next address
// rather than a typed Go pointer — matching examples/linked_list.c's
// `struct ll_node { int val; struct ll_node *next; }`.
type node struct {
	val  int64
	next uintptr
}

const nodeSize = uint64(unsafe.Sizeof(node{}))

func nodeAt(addr uintptr) *node { return (*node)(unsafe.Pointer(addr)) }

var dumpFlag = flag.String("dump", "ll.dump", "dump file used to persist the list")

func main() {
	if err := nvm.RegisterViews(); err != nil {
		logrus.WithError(err).Fatal("registering metric views failed")
	}
	installSignalCleanup()

	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(&pushCmd{}, "")
	subcommands.Register(&popCmd{}, "")
	subcommands.Register(&printCmd{}, "")
	flag.Parse()
	os.Exit(int(subcommands.Execute(context.Background())))
}

// installSignalCleanup is the explicit analogue of the source's
// atexit(destroy_sh_state_ctrl): Go has no atexit, so SIGINT/SIGTERM are
// caught here and Allocator.Close() is given a chance to unlink the
// shared control block before the process exits. This is best-effort —
// a SIGKILL or a panic that bypasses recover still leaks the shared
// region's name, exactly as in the source.
func installSignalCleanup() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-ch
		if a := nvm.Default(); a != nil {
			if err := a.Close(); err != nil {
				logrus.WithError(err).Warn("cleanup on signal failed")
			}
		}
		logrus.WithField("signal", sig).Info("exiting on signal")
		os.Exit(1)
	}()
}

type pushCmd struct{}

func (*pushCmd) Name() string             { return "push" }
func (*pushCmd) Synopsis() string         { return "push an integer onto the front of the list" }
func (*pushCmd) Usage() string            { return "push <int>\n" }
func (*pushCmd) SetFlags(f *flag.FlagSet) {}

func (*pushCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "push requires exactly one integer argument")
		return subcommands.ExitUsageError
	}
	var v int64
	if _, err := fmt.Sscanf(f.Arg(0), "%d", &v); err != nil {
		fmt.Fprintln(os.Stderr, "not an integer:", f.Arg(0))
		return subcommands.ExitUsageError
	}

	a, err := nvm.Pinit(*dumpFlag)
	if err != nil {
		logrus.WithError(err).Fatal("pinit failed")
	}
	defer a.Close()

	p := a.Pmalloc(nodeSize)
	if p == nil {
		fmt.Fprintln(os.Stderr, "pmalloc failed: out of NVM address space")
		return subcommands.ExitFailure
	}
	n := (*node)(p)
	n.val = v
	n.next = uintptr(a.PgetRoot())
	a.PsetRoot(unsafe.Pointer(n))

	printList(a)
	if err := a.Pdump(); err != nil {
		logrus.WithError(err).Fatal("pdump failed")
	}
	return subcommands.ExitSuccess
}

type popCmd struct{}

func (*popCmd) Name() string             { return "pop" }
func (*popCmd) Synopsis() string         { return "remove the first element of the list" }
func (*popCmd) Usage() string            { return "pop\n" }
func (*popCmd) SetFlags(f *flag.FlagSet) {}

func (*popCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	a, err := nvm.Pinit(*dumpFlag)
	if err != nil {
		logrus.WithError(err).Fatal("pinit failed")
	}
	defer a.Close()

	head := a.PgetRoot()
	var next unsafe.Pointer
	if head != nil {
		next = unsafe.Pointer(nodeAt(uintptr(head)).next)
	}
	a.Pfree(head)
	a.PsetRoot(next)

	printList(a)
	if err := a.Pdump(); err != nil {
		logrus.WithError(err).Fatal("pdump failed")
	}
	return subcommands.ExitSuccess
}

type printCmd struct{}

func (*printCmd) Name() string             { return "print" }
func (*printCmd) Synopsis() string         { return "print the list without mutating it" }
func (*printCmd) Usage() string            { return "print\n" }
func (*printCmd) SetFlags(f *flag.FlagSet) {}

func (*printCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	a, err := nvm.Pinit(*dumpFlag)
	if err != nil {
		logrus.WithError(err).Fatal("pinit failed")
	}
	defer a.Close()
	printList(a)
	return subcommands.ExitSuccess
}

func printList(a *nvm.Allocator) {
	fmt.Print("The list contains: ")
	for p := a.PgetRoot(); p != nil; {
		n := nodeAt(uintptr(p))
		fmt.Printf("%d ", n.val)
		p = unsafe.Pointer(n.next)
	}
	fmt.Println()
}
