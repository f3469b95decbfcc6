// Copyright (C) The OSCA Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package osca

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

type neighbor struct {
	index int
	dist  float64
}

// nearestNeighbors returns, for every row of from, the k nearest rows
// of to by Euclidean distance, nearest first. Brute force, fanned out
// over nproc workers.
func nearestNeighbors(from, to *mat.Dense, k, nproc int) ([][]neighbor, error) {
	nfrom, d := from.Dims()
	nto, d2 := to.Dims()
	if d != d2 {
		return nil, fmt.Errorf("dimension mismatch: %d vs %d", d, d2)
	}
	if k > nto {
		k = nto
	}
	if k < 1 {
		return nil, fmt.Errorf("no neighbors to search")
	}
	out := make([][]neighbor, nfrom)
	th := newThrottle(nproc)
	for i := 0; i < nfrom; i++ {
		i := i
		th.Go(func() error {
			p := from.RawRowView(i)
			cand := make([]neighbor, nto)
			for j := 0; j < nto; j++ {
				cand[j] = neighbor{j, floats.Distance(p, to.RawRowView(j), 2)}
			}
			sort.Slice(cand, func(a, b int) bool { return cand[a].dist < cand[b].dist })
			out[i] = cand[:k]
			return nil
		})
	}
	return out, th.Wait()
}

// mutualPairs returns the (ref, tgt) index pairs that appear in both
// directions of the kNN search.
func mutualPairs(refNN, tgtNN [][]neighbor) [][2]int {
	inRef := map[[2]int]bool{}
	for r, nns := range refNN {
		for _, nn := range nns {
			inRef[[2]int{r, nn.index}] = true
		}
	}
	var pairs [][2]int
	for t, nns := range tgtNN {
		for _, nn := range nns {
			if inRef[[2]int{nn.index, t}] {
				pairs = append(pairs, [2]int{nn.index, t})
			}
		}
	}
	return pairs
}

// CorrectMNN aligns batches inside a cells x components embedding.
// Batches are merged sequentially in first-seen order: the first
// batch is the reference, and each later batch is shifted by
// correction vectors derived from its mutual nearest neighbors in the
// already-merged cells. Per-cell corrections are Gaussian-kernel
// weighted averages of the pair difference vectors, with bandwidth
// sigma times the median pair distance. The returned embedding
// replaces the input coordinates; no corrected expression matrix
// exists in this path.
func CorrectMNN(coords []float64, components int, batches []string, k int, sigma float64, nproc int) ([]float64, error) {
	ncells := len(batches)
	if len(coords) != ncells*components {
		return nil, fmt.Errorf("embedding is %d values, want %d cells x %d components", len(coords), ncells, components)
	}
	out := append([]float64(nil), coords...)
	emb := mat.NewDense(ncells, components, out)

	var order []string
	byBatch := map[string][]int{}
	for c, b := range batches {
		if _, ok := byBatch[b]; !ok {
			order = append(order, b)
		}
		byBatch[b] = append(byBatch[b], c)
	}
	if len(order) < 2 {
		return out, nil
	}

	merged := append([]int(nil), byBatch[order[0]]...)
	for _, b := range order[1:] {
		tgt := byBatch[b]
		refmat := rowsOf(emb, merged)
		tgtmat := rowsOf(emb, tgt)
		refNN, err := nearestNeighbors(refmat, tgtmat, k, nproc)
		if err != nil {
			return nil, err
		}
		tgtNN, err := nearestNeighbors(tgtmat, refmat, k, nproc)
		if err != nil {
			return nil, err
		}
		pairs := mutualPairs(refNN, tgtNN)
		if len(pairs) == 0 {
			return nil, fmt.Errorf("no mutual nearest neighbors between batch %q and the merged reference", b)
		}

		diffs := make([][]float64, len(pairs))
		for i, pr := range pairs {
			diff := make([]float64, components)
			floats.SubTo(diff, refmat.RawRowView(pr[0]), tgtmat.RawRowView(pr[1]))
			diffs[i] = diff
		}
		bw := sigma * pairSpread(tgtmat, pairs)

		correction := make([]float64, components)
		for ti, c := range tgt {
			p := tgtmat.RawRowView(ti)
			for i := range correction {
				correction[i] = 0
			}
			wsum := 0.0
			for i, pr := range pairs {
				d := floats.Distance(p, tgtmat.RawRowView(pr[1]), 2)
				w := 1.0
				if bw > 0 {
					w = math.Exp(-0.5 * (d / bw) * (d / bw))
				}
				floats.AddScaled(correction, w, diffs[i])
				wsum += w
			}
			if wsum > 0 {
				row := out[c*components : (c+1)*components]
				floats.AddScaled(row, 1/wsum, correction)
			}
		}
		merged = append(merged, tgt...)
	}
	return out, nil
}

// pairSpread is the median pairwise distance among the target-side
// members of the MNN pairs, the length scale used for correction
// smoothing. Zero when all pair targets coincide, in which case the
// correction degrades to an unweighted average.
func pairSpread(tgtmat *mat.Dense, pairs [][2]int) float64 {
	const maxSample = 500
	n := len(pairs)
	if n > maxSample {
		n = maxSample
	}
	var dists []float64
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			dists = append(dists, floats.Distance(tgtmat.RawRowView(pairs[i][1]), tgtmat.RawRowView(pairs[j][1]), 2))
		}
	}
	if len(dists) == 0 {
		return 0
	}
	sort.Float64s(dists)
	return dists[len(dists)/2]
}

func rowsOf(m *mat.Dense, rows []int) *mat.Dense {
	_, d := m.Dims()
	out := mat.NewDense(len(rows), d, nil)
	for i, r := range rows {
		out.SetRow(i, m.RawRowView(r))
	}
	return out
}
