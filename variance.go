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

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"
)

// trendFit is a Gaussian-kernel local regression of variance against
// mean log-expression. It stands in for the loess trend usually
// fitted to scRNA-seq mean-variance relationships: the fitted value
// at a gene's mean abundance estimates the technical variance
// expected at that abundance.
type trendFit struct {
	means     []float64
	vars      []float64
	bandwidth float64
}

func fitTrend(means, vars []float64, span float64) (*trendFit, error) {
	if len(means) != len(vars) || len(means) == 0 {
		return nil, errors.New("trend fit needs matching nonempty mean/variance vectors")
	}
	min, max := means[0], means[0]
	for _, m := range means {
		if m < min {
			min = m
		}
		if m > max {
			max = m
		}
	}
	bw := span * (max - min)
	if bw <= 0 {
		// All means identical; the trend is flat.
		bw = 1
	}
	return &trendFit{means: means, vars: vars, bandwidth: bw}, nil
}

// at returns the fitted (technical) variance at mean abundance m.
func (t *trendFit) at(m float64) float64 {
	num, den := 0.0, 0.0
	for i, mi := range t.means {
		d := (mi - m) / t.bandwidth
		w := math.Exp(-0.5 * d * d)
		num += w * t.vars[i]
		den += w
	}
	if den == 0 {
		return 0
	}
	return num / den
}

// ModelGeneVariance decomposes each gene's variance of log-expression
// across the given columns into a technical component (the fitted
// mean-variance trend) and a biological residual.
func ModelGeneVariance(ds *Dataset, cols []int, span float64) ([]GeneVariance, error) {
	if ds.LogNorm == nil {
		return nil, errors.New("dataset is not normalized")
	}
	ncells := len(ds.Cells)
	ngenes := len(ds.Genes)
	means := make([]float64, ngenes)
	vars := make([]float64, ngenes)
	vals := make([]float64, len(cols))
	for g := 0; g < ngenes; g++ {
		row := ds.LogNorm[g*ncells : (g+1)*ncells]
		for i, c := range cols {
			vals[i] = row[c]
		}
		means[g], vars[g] = stat.MeanVariance(vals, nil)
	}
	trend, err := fitTrend(means, vars, span)
	if err != nil {
		return nil, err
	}
	out := make([]GeneVariance, ngenes)
	for g := 0; g < ngenes; g++ {
		tech := trend.at(means[g])
		out[g] = GeneVariance{
			Gene:  ds.Genes[g],
			Mean:  means[g],
			Total: vars[g],
			Tech:  tech,
			Bio:   vars[g] - tech,
		}
	}
	return out, nil
}

// CombineGeneVariance averages per-batch decompositions of the same
// gene set, in gene order.
func CombineGeneVariance(decomps ...[]GeneVariance) ([]GeneVariance, error) {
	if len(decomps) == 0 {
		return nil, errors.New("nothing to combine")
	}
	out := append([]GeneVariance(nil), decomps[0]...)
	for _, d := range decomps[1:] {
		if len(d) != len(out) {
			return nil, fmt.Errorf("mismatched decompositions: %d vs %d genes", len(d), len(out))
		}
		for g := range d {
			if d[g].Gene != out[g].Gene {
				return nil, fmt.Errorf("mismatched decompositions: gene %q vs %q at row %d", d[g].Gene, out[g].Gene, g)
			}
			out[g].Mean += d[g].Mean
			out[g].Total += d[g].Total
			out[g].Tech += d[g].Tech
			out[g].Bio += d[g].Bio
		}
	}
	n := float64(len(decomps))
	for g := range out {
		out[g].Mean /= n
		out[g].Total /= n
		out[g].Tech /= n
		out[g].Bio /= n
	}
	return out, nil
}

// ChooseHVGs returns the genes whose biological variance component
// exceeds threshold, keeping input order.
func ChooseHVGs(decomp []GeneVariance, threshold float64) []string {
	var hvgs []string
	for _, gv := range decomp {
		if gv.Bio > threshold {
			hvgs = append(hvgs, gv.Gene)
		}
	}
	return hvgs
}

type hvgcmd struct {
	span      float64
	threshold float64
}

func (cmd *hvgcmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	flags.Float64Var(&cmd.span, "span", 0.3, "kernel span for the mean-variance trend, as a fraction of the abundance range")
	flags.Float64Var(&cmd.threshold, "threshold", 0, "keep genes with average biological variance above `T`")
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

	byBatch := ds.BatchColumns()
	var decomps [][]GeneVariance
	for _, batch := range ds.Batches() {
		log.Printf("modelling gene variance: batch %q, %d cells", batch, len(byBatch[batch]))
		var d []GeneVariance
		d, err = ModelGeneVariance(ds, byBatch[batch], cmd.span)
		if err != nil {
			return 1
		}
		decomps = append(decomps, d)
	}
	ds.Variance, err = CombineGeneVariance(decomps...)
	if err != nil {
		return 1
	}
	ds.HVGs = ChooseHVGs(ds.Variance, cmd.threshold)
	log.Printf("selected %d of %d genes", len(ds.HVGs), len(ds.Genes))

	log.Print("writing")
	err = writeDatasetFile(*outputFilename, stdout, ds)
	if err != nil {
		return 1
	}
	return 0
}
