// Copyright (C) The OSCA Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package osca

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	_ "net/http/pprof"

	"github.com/montanaflynn/stats"
	log "github.com/sirupsen/logrus"
)

// madScale makes the median absolute deviation a consistent estimator
// of the standard deviation under normality.
const madScale = 1.4826

// CellQCMetrics fills in LibSize and Detected for every cell.
func CellQCMetrics(ds *Dataset) {
	ncells := len(ds.Cells)
	for c := range ds.Cells {
		ds.Cells[c].LibSize = 0
		ds.Cells[c].Detected = 0
	}
	for g := range ds.Genes {
		row := ds.Counts[g*ncells : (g+1)*ncells]
		for c, v := range row {
			if v > 0 {
				ds.Cells[c].LibSize += v
				ds.Cells[c].Detected++
			}
		}
	}
}

// lowOutliers flags values more than nmads median-absolute-deviations
// below the median of log1p(metric). A zero deviation (all values
// identical) flags nothing.
func lowOutliers(metric []float64, nmads float64) ([]bool, error) {
	logged := make([]float64, len(metric))
	for i, v := range metric {
		logged[i] = math.Log1p(v)
	}
	med, err := stats.Median(logged)
	if err != nil {
		return nil, err
	}
	mad, err := stats.MedianAbsoluteDeviation(logged)
	if err != nil {
		return nil, err
	}
	mad *= madScale
	flagged := make([]bool, len(metric))
	if mad == 0 {
		return flagged, nil
	}
	lower := med - nmads*mad
	for i, v := range logged {
		if v < lower {
			flagged[i] = true
		}
	}
	return flagged, nil
}

// QCFilter computes per-cell metrics and returns the exclusion mask:
// true means the cell is a low-quality outlier on library size or
// detected features. Metrics are computed per batch so a
// lower-coverage batch is not flagged wholesale.
func QCFilter(ds *Dataset, nmads float64) ([]bool, error) {
	CellQCMetrics(ds)
	discard := make([]bool, len(ds.Cells))
	for batch, cols := range ds.BatchColumns() {
		libsize := make([]float64, len(cols))
		detected := make([]float64, len(cols))
		for i, c := range cols {
			libsize[i] = ds.Cells[c].LibSize
			detected[i] = float64(ds.Cells[c].Detected)
		}
		for _, metric := range [][]float64{libsize, detected} {
			flagged, err := lowOutliers(metric, nmads)
			if err != nil {
				return nil, fmt.Errorf("batch %q: %w", batch, err)
			}
			for i, bad := range flagged {
				if bad {
					discard[cols[i]] = true
				}
			}
		}
	}
	return discard, nil
}

type qccmd struct {
	nmads float64
}

func (cmd *qccmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	flags.Float64Var(&cmd.nmads, "nmads", 3, "flag cells more than `N` MADs below the median")
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
	if cmd.nmads <= 0 {
		err = errors.New("-nmads must be positive")
		return 2
	}

	log.Print("reading")
	ds, err := loadDatasetFile(*inputFilename, stdin)
	if err != nil {
		return 1
	}

	log.Printf("computing QC metrics: %d genes, %d cells", len(ds.Genes), len(ds.Cells))
	discard, err := QCFilter(ds, cmd.nmads)
	if err != nil {
		return 1
	}
	keep := make([]bool, len(discard))
	nbad := 0
	for i, bad := range discard {
		keep[i] = !bad
		if bad {
			nbad++
		}
	}
	log.Printf("discarding %d of %d cells", nbad, len(ds.Cells))
	ds.SubsetCells(keep)

	log.Print("writing")
	err = writeDatasetFile(*outputFilename, stdout, ds)
	if err != nil {
		return 1
	}
	return 0
}
