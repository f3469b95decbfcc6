// Copyright (C) The OSCA Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package osca

import (
	"fmt"
	"math"

	"gopkg.in/check.v1"
)

type normSuite struct{}

var _ = check.Suite(&normSuite{})

func (s *normSuite) TestNormalizeCountsUnitFactorsIdentity(c *check.C) {
	counts := []float64{1, 2, 3, 4, 5, 6}
	sf := []float64{1, 1, 1}
	out := normalizeCounts(counts, 2, 3, sf, false)
	c.Check(out, check.DeepEquals, counts)
	// And again: idempotent with unit factors.
	c.Check(normalizeCounts(out, 2, 3, sf, false), check.DeepEquals, counts)
}

func (s *normSuite) TestNormalizeCountsLog(c *check.C) {
	out := normalizeCounts([]float64{3}, 1, 1, []float64{2}, true)
	c.Check(fmt.Sprintf("%.6f", out[0]), check.Equals, fmt.Sprintf("%.6f", math.Log2(2.5)))
}

// Cells whose profiles are exact scalings of one shared profile must
// recover size factors proportional to the scalings.
func (s *normSuite) TestPoolSizeFactorsRecoverScalings(c *check.C) {
	base := []float64{5, 1, 8, 2, 4, 10, 3, 6}
	scalings := []float64{0.5, 0.8, 1, 1.2, 2, 1.5}
	genes := make([]string, len(base))
	for g := range genes {
		genes[g] = fmt.Sprintf("g%d", g)
	}
	cells := make([]string, len(scalings))
	counts := make([]float64, len(base)*len(scalings))
	for i, sc := range scalings {
		cells[i] = fmt.Sprintf("c%d", i)
		for g, v := range base {
			counts[g*len(scalings)+i] = sc * v
		}
	}
	ds := testDataset(genes, cells, nil, counts)
	cols := make([]int, len(scalings))
	for i := range cols {
		cols[i] = i
	}
	sf, err := PoolSizeFactors(ds, cols, 3)
	c.Assert(err, check.IsNil)
	mean := 0.0
	for _, sc := range scalings {
		mean += sc
	}
	mean /= float64(len(scalings))
	for i, sc := range scalings {
		c.Check(fmt.Sprintf("%.4f", sf[i]), check.Equals, fmt.Sprintf("%.4f", sc/mean))
	}
}

func (s *normSuite) TestMultiBatchFactorsDownscalesDeeperBatch(c *check.C) {
	// Batch B is batch A at 4x sequencing depth.
	genes := []string{"g1", "g2", "g3"}
	cells := []string{"a1", "a2", "b1", "b2"}
	batches := []string{"A", "A", "B", "B"}
	counts := []float64{
		2, 2, 8, 8,
		5, 5, 20, 20,
		1, 1, 4, 4,
	}
	ds := testDataset(genes, cells, batches, counts)
	for i := range ds.Cells {
		ds.Cells[i].SizeFactor = 1
	}
	err := MultiBatchFactors(ds)
	c.Assert(err, check.IsNil)
	c.Check(fmt.Sprintf("%.4f", ds.Cells[0].SizeFactor), check.Equals, "1.0000")
	c.Check(fmt.Sprintf("%.4f", ds.Cells[2].SizeFactor), check.Equals, "4.0000")
}

func (s *normSuite) TestLogNormalize(c *check.C) {
	genes := []string{"g1", "g2"}
	cells := []string{"c1", "c2", "c3"}
	counts := []float64{
		4, 8, 4,
		6, 12, 6,
	}
	ds := testDataset(genes, cells, []string{"A", "A", "A"}, counts)
	err := LogNormalize(ds, 2)
	c.Assert(err, check.IsNil)
	c.Assert(ds.LogNorm, check.HasLen, len(counts))
	for i := range ds.Cells {
		c.Check(ds.Cells[i].SizeFactor > 0, check.Equals, true)
	}
	// Columns 1 and 3 are identical, so their normalized values are too.
	c.Check(fmt.Sprintf("%.9f", ds.LogNorm[0]), check.Equals, fmt.Sprintf("%.9f", ds.LogNorm[2]))
	c.Check(fmt.Sprintf("%.9f", ds.LogNorm[3]), check.Equals, fmt.Sprintf("%.9f", ds.LogNorm[5]))
}
