// Copyright (C) The OSCA Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package osca

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"

	"github.com/danaugrs/go-tsne/tsne"
	log "github.com/sirupsen/logrus"
)

// RunTSNE embeds a stored reduction into 2 dimensions and stores the
// result as reduction "tsne". t-SNE runs on the reduced coordinates,
// not on the expression matrix, so it inherits whatever batch
// correction produced them.
func RunTSNE(ds *Dataset, reduction string, perplexity, learningRate float64, iterations int) error {
	red, ok := ds.Reductions[reduction]
	if !ok {
		return fmt.Errorf("no reduction %q in dataset (run integrate first)", reduction)
	}
	t := tsne.NewTSNE(2, perplexity, learningRate, iterations, false)
	embedded := t.EmbedData(red.Matrix(), nil)
	rows, cols := embedded.Dims()
	if rows != len(ds.Cells) || cols != 2 {
		return fmt.Errorf("tsne produced a %d x %d embedding for %d cells", rows, cols, len(ds.Cells))
	}
	coords := make([]float64, rows*cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			coords[i*cols+j] = embedded.At(i, j)
		}
	}
	return ds.SetReduction("tsne", 2, coords)
}

type tsnecmd struct {
	reduction    string
	perplexity   float64
	learningRate float64
	iterations   int
}

func (cmd *tsnecmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	flags.StringVar(&cmd.reduction, "use", "pca", "stored `reduction` to embed")
	flags.Float64Var(&cmd.perplexity, "perplexity", 30, "t-SNE perplexity")
	flags.Float64Var(&cmd.learningRate, "learning-rate", 200, "t-SNE learning rate")
	flags.IntVar(&cmd.iterations, "iterations", 500, "t-SNE iterations")
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

	log.Printf("embedding %d cells from reduction %q", len(ds.Cells), cmd.reduction)
	err = RunTSNE(ds, cmd.reduction, cmd.perplexity, cmd.learningRate, cmd.iterations)
	if err != nil {
		return 1
	}

	log.Print("writing")
	err = writeDatasetFile(*outputFilename, stdout, ds)
	if err != nil {
		return 1
	}
	return 0
}
