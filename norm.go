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
	"sort"

	"github.com/montanaflynn/stats"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

// librarySizeFactors returns each cell's library size divided by the
// mean library size.
func librarySizeFactors(ds *Dataset, cols []int) []float64 {
	sf := make([]float64, len(cols))
	mean := 0.0
	for i, c := range cols {
		sf[i] = ds.Cells[c].LibSize
		mean += sf[i]
	}
	mean /= float64(len(cols))
	if mean == 0 {
		return sf
	}
	for i := range sf {
		sf[i] /= mean
	}
	return sf
}

// PoolSizeFactors estimates per-cell size factors for the given
// columns by summing counts over pools of cells and deconvolving the
// pooled estimates (conceptually scran's computeSumFactors: pooled
// ratios are robust to the zeroes that defeat per-cell ratio
// estimators).
//
// Cells are ordered on a ring by library size and every window of
// poolSize consecutive cells contributes one equation
//
//	sum(sf[j] for j in pool) = median_g(poolSum[g] / ref[g])
//
// where ref is the average expression profile. Low-weight per-cell
// library-size equations pin the otherwise rank-deficient system,
// which is then solved by least squares.
func PoolSizeFactors(ds *Dataset, cols []int, poolSize int) ([]float64, error) {
	n := len(cols)
	if n == 0 {
		return nil, errors.New("no cells to normalize")
	}
	ngenes := len(ds.Genes)
	ncells := len(ds.Cells)
	if poolSize > n {
		poolSize = n
	}
	if poolSize < 1 {
		poolSize = 1
	}

	// Average profile across the selected cells.
	ref := make([]float64, ngenes)
	for g := 0; g < ngenes; g++ {
		row := ds.Counts[g*ncells : (g+1)*ncells]
		for _, c := range cols {
			ref[g] += row[c]
		}
		ref[g] /= float64(n)
	}

	// Ring order by library size.
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		return ds.Cells[cols[order[a]]].LibSize < ds.Cells[cols[order[b]]].LibSize
	})

	libsf := librarySizeFactors(ds, cols)
	const libWeight = 0.1
	nrows := n + n // one pooled equation per ring offset + n regularizers
	A := mat.NewDense(nrows, n, nil)
	b := mat.NewVecDense(nrows, nil)
	poolSum := make([]float64, ngenes)
	ratios := make([]float64, 0, ngenes)
	for start := 0; start < n; start++ {
		for g := range poolSum {
			poolSum[g] = 0
		}
		for k := 0; k < poolSize; k++ {
			c := cols[order[(start+k)%n]]
			for g := 0; g < ngenes; g++ {
				poolSum[g] += ds.Counts[g*ncells+c]
			}
			A.Set(start, order[(start+k)%n], 1)
		}
		ratios = ratios[:0]
		for g, r := range ref {
			if r > 0 {
				ratios = append(ratios, poolSum[g]/r)
			}
		}
		if len(ratios) == 0 {
			return nil, errors.New("reference profile is all zero")
		}
		med, err := stats.Median(ratios)
		if err != nil {
			return nil, err
		}
		b.SetVec(start, med)
	}
	for i := 0; i < n; i++ {
		A.Set(n+i, i, libWeight)
		b.SetVec(n+i, libWeight*libsf[i])
	}

	var x mat.VecDense
	err := x.SolveVec(A, b)
	if err != nil {
		return nil, fmt.Errorf("deconvolution solve: %w", err)
	}

	sf := make([]float64, n)
	sum := 0.0
	for i := range sf {
		sf[i] = x.AtVec(i)
		if sf[i] <= 0 || math.IsNaN(sf[i]) {
			// Degenerate estimate, fall back to library size.
			sf[i] = libsf[i]
		}
		sum += sf[i]
	}
	if sum == 0 {
		return nil, errors.New("all size factors are zero")
	}
	mean := sum / float64(n)
	for i := range sf {
		sf[i] /= mean
	}
	return sf, nil
}

// MultiBatchFactors rescales per-batch size factors so that every
// batch is brought down to the coverage of the shallowest one. The
// ratio between batches is the median, over genes expressed in both,
// of the batch-average normalized profiles.
func MultiBatchFactors(ds *Dataset) error {
	batches := ds.Batches()
	if len(batches) < 2 {
		return nil
	}
	byBatch := ds.BatchColumns()
	ncells := len(ds.Cells)
	ngenes := len(ds.Genes)

	profile := make(map[string][]float64, len(batches))
	for _, b := range batches {
		cols := byBatch[b]
		p := make([]float64, ngenes)
		for g := 0; g < ngenes; g++ {
			row := ds.Counts[g*ncells : (g+1)*ncells]
			for _, c := range cols {
				p[g] += row[c] / ds.Cells[c].SizeFactor
			}
			p[g] /= float64(len(cols))
		}
		profile[b] = p
	}

	ratio := make([]float64, len(batches))
	ratio[0] = 1
	for i, b := range batches[1:] {
		var rr []float64
		for g := 0; g < ngenes; g++ {
			if profile[batches[0]][g] > 0 && profile[b][g] > 0 {
				rr = append(rr, profile[b][g]/profile[batches[0]][g])
			}
		}
		if len(rr) == 0 {
			return fmt.Errorf("batches %q and %q share no expressed genes", batches[0], b)
		}
		med, err := stats.Median(rr)
		if err != nil {
			return err
		}
		ratio[i+1] = med
	}
	min := ratio[0]
	for _, r := range ratio[1:] {
		if r < min {
			min = r
		}
	}
	if min <= 0 {
		return errors.New("non-positive batch coverage ratio")
	}
	for i, b := range batches {
		scale := ratio[i] / min
		for _, c := range byBatch[b] {
			ds.Cells[c].SizeFactor *= scale
		}
	}
	return nil
}

// normalizeCounts scales each column by its size factor and, when
// logT is set, applies log2(x+1). With unit factors and logT false
// the output equals the input.
func normalizeCounts(counts []float64, ngenes, ncells int, sf []float64, logT bool) []float64 {
	out := make([]float64, len(counts))
	for g := 0; g < ngenes; g++ {
		row := counts[g*ncells : (g+1)*ncells]
		orow := out[g*ncells : (g+1)*ncells]
		for c, v := range row {
			x := v / sf[c]
			if logT {
				x = math.Log2(x + 1)
			}
			orow[c] = x
		}
	}
	return out
}

// LogNormalize computes pooled size factors per batch, rescales them
// jointly across batches, and fills in ds.LogNorm.
func LogNormalize(ds *Dataset, poolSize int) error {
	CellQCMetrics(ds)
	for batch, cols := range ds.BatchColumns() {
		sf, err := PoolSizeFactors(ds, cols, poolSize)
		if err != nil {
			return fmt.Errorf("batch %q: %w", batch, err)
		}
		for i, c := range cols {
			ds.Cells[c].SizeFactor = sf[i]
		}
	}
	err := MultiBatchFactors(ds)
	if err != nil {
		return err
	}
	sf := make([]float64, len(ds.Cells))
	for c := range ds.Cells {
		sf[c] = ds.Cells[c].SizeFactor
	}
	ds.LogNorm = normalizeCounts(ds.Counts, len(ds.Genes), len(ds.Cells), sf, true)
	return nil
}

type normalizer struct {
	poolSize int
}

func (cmd *normalizer) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	flags.IntVar(&cmd.poolSize, "pool-size", 21, "cells per deconvolution pool")
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

	log.Printf("normalizing: %d genes, %d cells, %d batches", len(ds.Genes), len(ds.Cells), len(ds.Batches()))
	err = LogNormalize(ds, cmd.poolSize)
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
