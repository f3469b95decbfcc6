// Copyright (C) The OSCA Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package osca

import (
	"fmt"
	"io"
	"runtime"
	"sort"
)

// version is overridden at build time via -ldflags.
var version = "dev"

type cmdHandler interface {
	RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int
}

// multiCmd dispatches to a subcommand named by the first argument.
type multiCmd map[string]cmdHandler

func (m multiCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintf(stderr, "usage: %s subcommand [options]\n", prog)
		m.Usage(stderr)
		return 2
	}
	sub, ok := m[args[0]]
	if !ok {
		fmt.Fprintf(stderr, "%s: unrecognized command %q\n", prog, args[0])
		m.Usage(stderr)
		return 2
	}
	return sub.RunCommand(prog+" "+args[0], args[1:], stdin, stdout, stderr)
}

func (m multiCmd) Usage(w io.Writer) {
	var names []string
	for name := range m {
		if name[0] != '-' {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	fmt.Fprint(w, "\nAvailable commands:\n")
	for _, name := range names {
		fmt.Fprintf(w, "    %s\n", name)
	}
}

type versionCmd struct{}

func (*versionCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fmt.Fprintf(stdout, "%s %s (%s)\n", prog, version, runtime.Version())
	return 0
}
