// Copyright (C) The OSCA Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package osca

import (
	"fmt"
	"io"
	"log"
	"runtime"

	"github.com/kshedden/statmodel/glm"
	"github.com/kshedden/statmodel/statmodel"
	"gonum.org/v1/gonum/mat"
)

var glmConfig = &glm.Config{
	Family:    glm.NewFamily(glm.GaussianFamily),
	FitMethod: "IRLS",
	Log:       log.New(io.Discard, "", 0),
}

// RemoveBatchEffect fits, for every row of m (features x cells), a
// Gaussian GLM of expression on batch indicator covariates, and
// subtracts the fitted batch coefficients so that every batch is
// aligned to the first one. The input is not modified; the corrected
// copy is returned.
func RemoveBatchEffect(m *mat.Dense, batches []string) (*mat.Dense, error) {
	nrows, ncells := m.Dims()
	if len(batches) != ncells {
		return nil, fmt.Errorf("batch labels for %d cells, matrix has %d columns", len(batches), ncells)
	}
	var order []string
	seen := map[string]int{}
	for _, b := range batches {
		if _, ok := seen[b]; !ok {
			seen[b] = len(order)
			order = append(order, b)
		}
	}
	out := mat.DenseCopyOf(m)
	if len(order) < 2 {
		return out, nil
	}

	// Indicator covariates for every batch after the first, shared
	// by all per-gene fits.
	constants := make([]statmodel.Dtype, ncells)
	indicators := make([][]statmodel.Dtype, len(order)-1)
	names := []string{"expr", "constants"}
	for i := range indicators {
		indicators[i] = make([]statmodel.Dtype, ncells)
		names = append(names, fmt.Sprintf("batch%d", i+1))
	}
	for c, b := range batches {
		constants[c] = 1
		if j := seen[b]; j > 0 {
			indicators[j-1][c] = 1
		}
	}

	th := newThrottle(runtime.NumCPU())
	for row := 0; row < nrows; row++ {
		row := row
		th.Go(func() error {
			expr := make([]statmodel.Dtype, ncells)
			for c := 0; c < ncells; c++ {
				expr[c] = m.At(row, c)
			}
			data := append([][]statmodel.Dtype{expr, constants}, indicators...)
			dataset := statmodel.NewDataset(data, names)
			model, err := glm.NewGLM(dataset, "expr", names[1:], glmConfig)
			if err != nil {
				return fmt.Errorf("row %d: %w", row, err)
			}
			params := fitParams(model)
			if params == nil {
				// Singular fit, leave the row uncorrected.
				return nil
			}
			// params[0] is the intercept; params[1:] are the
			// per-batch offsets relative to the first batch.
			for c, b := range batches {
				if j := seen[b]; j > 0 {
					out.Set(row, c, m.At(row, c)-params[j])
				}
			}
			return nil
		})
	}
	err := th.Wait()
	if err != nil {
		return nil, err
	}
	return out, nil
}

func fitParams(model *glm.GLM) (params []float64) {
	defer func() {
		if recover() != nil {
			// typically "matrix singular or near-singular"
			params = nil
		}
	}()
	result := model.Fit()
	if result == nil {
		return nil
	}
	return result.Params()
}
