// Copyright (C) The OSCA Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package osca

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// CellInfo is the column-level metadata for one cell. QC metrics and
// size factors are zero until the corresponding stage has run.
type CellInfo struct {
	Name       string
	Batch      string
	LibSize    float64
	Detected   int
	SizeFactor float64
	Cluster    int
}

// GeneVariance is one row of the variance decomposition table
// produced by the hvg stage. Bio is Total minus Tech and may be
// negative.
type GeneVariance struct {
	Gene  string
	Mean  float64
	Total float64
	Tech  float64
	Bio   float64
}

// Dataset is a genes x cells expression dataset plus the annotations
// accumulated by pipeline stages. Counts and LogNorm are row-major
// (gene-major) float64 arrays; Reductions are cells x d, row-major.
type Dataset struct {
	Genes      []string
	Cells      []CellInfo
	Counts     []float64
	LogNorm    []float64
	Variance   []GeneVariance
	HVGs       []string
	Reductions map[string]Reduction
}

// Reduction is a reduced-dimensionality coordinate table, one row per
// cell. Coords is row-major, len(Coords) == rows*Components.
type Reduction struct {
	Components int
	Coords     []float64
}

func (r Reduction) Rows() int {
	if r.Components == 0 {
		return 0
	}
	return len(r.Coords) / r.Components
}

// Matrix returns a gonum view of the reduction (cells x components).
func (r Reduction) Matrix() *mat.Dense {
	return mat.NewDense(r.Rows(), r.Components, r.Coords)
}

func (ds *Dataset) NGenes() int { return len(ds.Genes) }
func (ds *Dataset) NCells() int { return len(ds.Cells) }

// Count returns the raw count for gene row g, cell column c.
func (ds *Dataset) Count(g, c int) float64 {
	return ds.Counts[g*len(ds.Cells)+c]
}

// CountsMatrix returns a gonum view of the raw counts (genes x cells).
func (ds *Dataset) CountsMatrix() *mat.Dense {
	return mat.NewDense(len(ds.Genes), len(ds.Cells), ds.Counts)
}

// LogNormMatrix returns a gonum view of the normalized matrix, or nil
// if the normalize stage has not run.
func (ds *Dataset) LogNormMatrix() *mat.Dense {
	if ds.LogNorm == nil {
		return nil
	}
	return mat.NewDense(len(ds.Genes), len(ds.Cells), ds.LogNorm)
}

// Batches returns the distinct batch labels in first-seen order.
func (ds *Dataset) Batches() []string {
	var order []string
	seen := map[string]bool{}
	for _, ci := range ds.Cells {
		if !seen[ci.Batch] {
			seen[ci.Batch] = true
			order = append(order, ci.Batch)
		}
	}
	return order
}

// BatchColumns returns the column indexes belonging to each batch.
func (ds *Dataset) BatchColumns() map[string][]int {
	cols := map[string][]int{}
	for c, ci := range ds.Cells {
		cols[ci.Batch] = append(cols[ci.Batch], c)
	}
	return cols
}

func (ds *Dataset) geneIndex() map[string]int {
	idx := make(map[string]int, len(ds.Genes))
	for i, g := range ds.Genes {
		idx[g] = i
	}
	return idx
}

// SubsetGenes replaces the dataset's rows with the named genes, in the
// given order. Derived per-gene annotations are re-subset alongside;
// reductions are dropped because they were computed against the old
// feature set.
func (ds *Dataset) SubsetGenes(genes []string) error {
	idx := ds.geneIndex()
	ncells := len(ds.Cells)
	counts := make([]float64, 0, len(genes)*ncells)
	var lognorm []float64
	if ds.LogNorm != nil {
		lognorm = make([]float64, 0, len(genes)*ncells)
	}
	var variance []GeneVariance
	for _, g := range genes {
		r, ok := idx[g]
		if !ok {
			return fmt.Errorf("gene %q not present in dataset", g)
		}
		counts = append(counts, ds.Counts[r*ncells:(r+1)*ncells]...)
		if lognorm != nil {
			lognorm = append(lognorm, ds.LogNorm[r*ncells:(r+1)*ncells]...)
		}
		if ds.Variance != nil {
			variance = append(variance, ds.Variance[r])
		}
	}
	ds.Genes = append([]string(nil), genes...)
	ds.Counts = counts
	ds.LogNorm = lognorm
	ds.Variance = variance
	ds.Reductions = nil
	return nil
}

// SubsetCells drops every column whose keep flag is false. Reductions
// are dropped rather than re-subset: coordinates computed from removed
// cells are no longer valid.
func (ds *Dataset) SubsetCells(keep []bool) {
	ncells := len(ds.Cells)
	var cells []CellInfo
	var keepcols []int
	for c, ok := range keep {
		if ok {
			cells = append(cells, ds.Cells[c])
			keepcols = append(keepcols, c)
		}
	}
	subset := func(src []float64) []float64 {
		if src == nil {
			return nil
		}
		dst := make([]float64, 0, len(ds.Genes)*len(keepcols))
		for g := range ds.Genes {
			row := src[g*ncells : (g+1)*ncells]
			for _, c := range keepcols {
				dst = append(dst, row[c])
			}
		}
		return dst
	}
	ds.Counts = subset(ds.Counts)
	ds.LogNorm = subset(ds.LogNorm)
	ds.Cells = cells
	ds.Reductions = nil
}

// IntersectGenes returns the genes common to all datasets, in the
// order they appear in the first one.
func IntersectGenes(dss ...*Dataset) []string {
	if len(dss) == 0 {
		return nil
	}
	idx := make([]map[string]int, len(dss))
	for i, ds := range dss[1:] {
		idx[i+1] = ds.geneIndex()
	}
	var shared []string
	for _, g := range dss[0].Genes {
		common := true
		for _, m := range idx[1:] {
			if _, ok := m[g]; !ok {
				common = false
				break
			}
		}
		if common {
			shared = append(shared, g)
		}
	}
	return shared
}

// MergeDatasets restricts every input to the shared gene set (first
// input's order) and concatenates their columns. Cell names must be
// unique across inputs. Normalized matrices and reductions do not
// survive a merge; normalization is redone jointly afterwards.
func MergeDatasets(dss ...*Dataset) (*Dataset, error) {
	if len(dss) < 2 {
		return nil, fmt.Errorf("merge needs at least 2 datasets, got %d", len(dss))
	}
	shared := IntersectGenes(dss...)
	if len(shared) == 0 {
		return nil, fmt.Errorf("no genes shared by all %d datasets", len(dss))
	}
	ncells := 0
	seen := map[string]bool{}
	for _, ds := range dss {
		if err := ds.SubsetGenes(shared); err != nil {
			return nil, err
		}
		for _, ci := range ds.Cells {
			if seen[ci.Name] {
				return nil, fmt.Errorf("duplicate cell name %q", ci.Name)
			}
			seen[ci.Name] = true
		}
		ncells += len(ds.Cells)
	}
	out := &Dataset{
		Genes:  append([]string(nil), shared...),
		Counts: make([]float64, len(shared)*ncells),
	}
	for _, ds := range dss {
		out.Cells = append(out.Cells, ds.Cells...)
	}
	col := 0
	for _, ds := range dss {
		nc := len(ds.Cells)
		for g := range shared {
			copy(out.Counts[g*ncells+col:g*ncells+col+nc], ds.Counts[g*nc:(g+1)*nc])
		}
		col += nc
	}
	return out, nil
}

// SetReduction stores a named cells x components coordinate table.
func (ds *Dataset) SetReduction(name string, components int, coords []float64) error {
	if components <= 0 || len(coords) != len(ds.Cells)*components {
		return fmt.Errorf("reduction %q: got %d coords, want %d cells x %d components", name, len(coords), len(ds.Cells), components)
	}
	if ds.Reductions == nil {
		ds.Reductions = map[string]Reduction{}
	}
	ds.Reductions[name] = Reduction{Components: components, Coords: coords}
	return nil
}
