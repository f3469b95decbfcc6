// Copyright (C) The OSCA Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package osca

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"
)

type statscmd struct{}

func (cmd *statscmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	inputFilename := flags.String("i", "-", "input `file`")
	outputFilename := flags.String("o", "-", "output `file`")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}

	log.Print("reading")
	ds, err := loadDatasetFile(*inputFilename, stdin)
	if err != nil {
		return 1
	}

	var output io.WriteCloser
	if *outputFilename == "-" {
		output = nopCloser{stdout}
	} else {
		output, err = os.OpenFile(*outputFilename, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0777)
		if err != nil {
			return 1
		}
		defer output.Close()
	}
	bufw := bufio.NewWriter(output)
	err = cmd.doStats(ds, bufw)
	if err != nil {
		return 1
	}
	err = bufw.Flush()
	if err != nil {
		return 1
	}
	err = output.Close()
	if err != nil {
		return 1
	}
	return 0
}

func (cmd *statscmd) doStats(ds *Dataset, output io.Writer) error {
	var ret struct {
		Genes        int
		Cells        int
		CellsByBatch map[string]int
		Normalized   bool
		HVGs         int
		Reductions   map[string]int
		Clusters     int
		CountsDigest string
	}
	ret.Genes = len(ds.Genes)
	ret.Cells = len(ds.Cells)
	ret.CellsByBatch = map[string]int{}
	for _, ci := range ds.Cells {
		ret.CellsByBatch[ci.Batch]++
	}
	ret.Normalized = ds.LogNorm != nil
	ret.HVGs = len(ds.HVGs)
	ret.Reductions = map[string]int{}
	for name, red := range ds.Reductions {
		ret.Reductions[name] = red.Components
	}
	seen := map[int]bool{}
	for _, ci := range ds.Cells {
		seen[ci.Cluster] = true
	}
	if len(seen) > 1 {
		ret.Clusters = len(seen)
	}
	digest := countsDigest(ds.Counts)
	ret.CountsDigest = fmt.Sprintf("%x", digest[:])

	j, err := json.MarshalIndent(ret, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(output, "%s\n", j)
	return err
}
