// Copyright (C) The OSCA Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package osca

import (
	"os"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var handler = multiCmd{
	"version":   &versionCmd{},
	"-version":  &versionCmd{},
	"--version": &versionCmd{},

	"import":       &importer{},
	"merge":        &merger{},
	"qc":           &qccmd{},
	"normalize":    &normalizer{},
	"hvg":          &hvgcmd{},
	"integrate":    &integrator{},
	"cluster":      &clustercmd{},
	"tsne":         &tsnecmd{},
	"plot":         &plotcmd{},
	"stats":        &statscmd{},
	"export-numpy": &exportNumpy{},
}

func Main() {
	if !isatty.IsTerminal(os.Stderr.Fd()) {
		logrus.StandardLogger().Formatter = &logrus.TextFormatter{DisableTimestamp: true}
	}
	os.Exit(handler.RunCommand(os.Args[0], os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
