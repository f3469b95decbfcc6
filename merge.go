// Copyright (C) The OSCA Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package osca

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"

	log "github.com/sirupsen/logrus"
)

// merger aligns the gene sets of two or more dataset checkpoints and
// concatenates their cells into one multi-batch dataset.
type merger struct {
	inputs []string
}

func (cmd *merger) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	outputFilename := flags.String("o", "-", "output `file`")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}
	cmd.inputs = flags.Args()
	if len(cmd.inputs) < 2 {
		err = errors.New("merge needs at least two input checkpoints")
		return 2
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	var dss []*Dataset
	for _, fnm := range cmd.inputs {
		log.Printf("reading %s", fnm)
		var ds *Dataset
		ds, err = loadDatasetFile(fnm, stdin)
		if err != nil {
			return 1
		}
		dss = append(dss, ds)
	}

	merged, err := MergeDatasets(dss...)
	if err != nil {
		return 1
	}
	CellQCMetrics(merged)
	log.Printf("merged: %d shared genes, %d cells, %d batches", len(merged.Genes), len(merged.Cells), len(merged.Batches()))

	log.Print("writing")
	err = writeDatasetFile(*outputFilename, stdout, merged)
	if err != nil {
		return 1
	}
	return 0
}
