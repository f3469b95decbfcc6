// Copyright (C) The OSCA Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package osca

import (
	"fmt"

	"github.com/james-bowman/nlp"
	"gonum.org/v1/gonum/mat"
)

// RunPCA projects the columns of m (features x observations) onto the
// top principal components and returns the observations x components
// coordinates, row-major.
func RunPCA(m mat.Matrix, components int) ([]float64, error) {
	rows, cols := m.Dims()
	if components < 1 {
		return nil, fmt.Errorf("pca: %d components requested", components)
	}
	if components > rows || components > cols {
		return nil, fmt.Errorf("pca: %d components requested from a %d x %d matrix", components, rows, cols)
	}
	transformer := nlp.NewPCA(components)
	transformer.Fit(m)
	reduced, err := transformer.Transform(m)
	if err != nil {
		return nil, err
	}
	reduced = reduced.T()
	nobs, ncomp := reduced.Dims()
	out := make([]float64, nobs*ncomp)
	for i := 0; i < nobs; i++ {
		for j := 0; j < ncomp; j++ {
			out[i*ncomp+j] = reduced.At(i, j)
		}
	}
	return out, nil
}

// hvgMatrix returns the log-normalized matrix restricted to the
// selected HVG rows (or all rows if selection has not run), cells as
// columns.
func hvgMatrix(ds *Dataset) (*mat.Dense, error) {
	if ds.LogNorm == nil {
		return nil, fmt.Errorf("dataset is not normalized")
	}
	genes := ds.HVGs
	if genes == nil {
		genes = ds.Genes
	}
	idx := ds.geneIndex()
	ncells := len(ds.Cells)
	data := make([]float64, 0, len(genes)*ncells)
	for _, g := range genes {
		r, ok := idx[g]
		if !ok {
			return nil, fmt.Errorf("selected gene %q not present in dataset", g)
		}
		data = append(data, ds.LogNorm[r*ncells:(r+1)*ncells]...)
	}
	return mat.NewDense(len(genes), ncells, data), nil
}
