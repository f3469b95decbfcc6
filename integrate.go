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
	"runtime"

	log "github.com/sirupsen/logrus"
)

// Integration strategy names accepted by -method. All three consume a
// normalized, HVG-restricted matrix with batch labels and produce a
// cells x components coordinate table.
const (
	MethodNone    = "none"
	MethodRegress = "regress"
	MethodMNN     = "mnn"
)

// Integrate runs the requested strategy and stores the result as
// reduction "pca" (none/regress) or "mnn".
func Integrate(ds *Dataset, method string, components, k int, sigma float64, nproc int) error {
	m, err := hvgMatrix(ds)
	if err != nil {
		return err
	}
	batches := make([]string, len(ds.Cells))
	for c, ci := range ds.Cells {
		batches[c] = ci.Batch
	}
	switch method {
	case MethodNone:
		coords, err := RunPCA(m, components)
		if err != nil {
			return err
		}
		return ds.SetReduction("pca", components, coords)
	case MethodRegress:
		corrected, err := RemoveBatchEffect(m, batches)
		if err != nil {
			return err
		}
		coords, err := RunPCA(corrected, components)
		if err != nil {
			return err
		}
		return ds.SetReduction("pca", components, coords)
	case MethodMNN:
		coords, err := RunPCA(m, components)
		if err != nil {
			return err
		}
		corrected, err := CorrectMNN(coords, components, batches, k, sigma, nproc)
		if err != nil {
			return err
		}
		return ds.SetReduction("mnn", components, corrected)
	default:
		return fmt.Errorf("unknown integration method %q", method)
	}
}

type integrator struct {
	method     string
	components int
	k          int
	sigma      float64
	nproc      int
}

func (cmd *integrator) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	flags.StringVar(&cmd.method, "method", MethodNone, "batch correction `strategy`: none, regress, or mnn")
	flags.IntVar(&cmd.components, "components", 20, "number of reduced dimensions")
	flags.IntVar(&cmd.k, "k", 20, "neighbors per cell for the mnn method")
	flags.Float64Var(&cmd.sigma, "sigma", 1, "kernel bandwidth for mnn correction smoothing, relative to the median pair distance")
	flags.IntVar(&cmd.nproc, "nproc", runtime.NumCPU(), "worker pool size for neighbor search")
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

	ngenes := len(ds.Genes)
	if ds.HVGs != nil {
		ngenes = len(ds.HVGs)
	}
	log.Printf("integrating: method %s, %d genes, %d cells, %d components", cmd.method, ngenes, len(ds.Cells), cmd.components)
	err = Integrate(ds, cmd.method, cmd.components, cmd.k, cmd.sigma, cmd.nproc)
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
