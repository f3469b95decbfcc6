// Copyright (C) The OSCA Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package osca

import (
	"bufio"
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"strconv"

	"github.com/kshedden/gonpy"
	log "github.com/sirupsen/logrus"
)

// exportNumpy writes the log-normalized matrix or a stored reduction
// as a numpy .npy file, with optional row/column label sidecars for
// downstream python tooling.
type exportNumpy struct {
	matrix     string
	labelsFile string
}

func (cmd *exportNumpy) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	inputFilename := flags.String("i", "-", "input `file`")
	outputFilename := flags.String("o", "-", "output `file`")
	flags.StringVar(&cmd.matrix, "matrix", "lognorm", "what to export: lognorm, counts, or a reduction name (pca, mnn, tsne)")
	flags.StringVar(&cmd.labelsFile, "labels", "", "write cell labels (name, batch, cluster) to `csv`")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	log.Print("reading")
	ds, err := loadDatasetFile(*inputFilename, stdin)
	if err != nil {
		return 1
	}

	var data []float64
	var rows, cols int
	switch cmd.matrix {
	case "counts":
		data, rows, cols = ds.Counts, len(ds.Genes), len(ds.Cells)
	case "lognorm":
		if ds.LogNorm == nil {
			err = fmt.Errorf("dataset is not normalized")
			return 1
		}
		data, rows, cols = ds.LogNorm, len(ds.Genes), len(ds.Cells)
	default:
		red, ok := ds.Reductions[cmd.matrix]
		if !ok {
			err = fmt.Errorf("no matrix or reduction %q in dataset", cmd.matrix)
			return 1
		}
		data, rows, cols = red.Coords, red.Rows(), red.Components
	}

	if cmd.labelsFile != "" {
		err = writeCellLabels(cmd.labelsFile, ds)
		if err != nil {
			return 1
		}
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
	npw, err := gonpy.NewWriter(nopCloser{bufw})
	if err != nil {
		return 1
	}
	npw.Shape = []int{rows, cols}
	log.Printf("writing numpy: %d rows, %d cols", rows, cols)
	err = npw.WriteFloat64(data)
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

func writeCellLabels(filename string, ds *Dataset) error {
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
	if err != nil {
		return err
	}
	defer f.Close()
	w := csv.NewWriter(f)
	err = w.Write([]string{"barcode", "batch", "cluster"})
	if err != nil {
		return err
	}
	for _, ci := range ds.Cells {
		err = w.Write([]string{ci.Name, ci.Batch, strconv.Itoa(ci.Cluster)})
		if err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return f.Close()
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }
