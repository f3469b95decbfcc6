// Copyright (C) The OSCA Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package osca

import (
	"gopkg.in/check.v1"
)

type qcSuite struct{}

var _ = check.Suite(&qcSuite{})

func (s *qcSuite) TestCellQCMetrics(c *check.C) {
	ds := testDataset([]string{"g1", "g2", "g3"}, []string{"c1", "c2"}, nil, []float64{
		5, 0,
		3, 2,
		0, 0,
	})
	c.Check(ds.Cells[0].LibSize, check.Equals, 8.0)
	c.Check(ds.Cells[0].Detected, check.Equals, 2)
	c.Check(ds.Cells[1].LibSize, check.Equals, 2.0)
	c.Check(ds.Cells[1].Detected, check.Equals, 1)
}

func (s *qcSuite) TestLowOutliersIdenticalValues(c *check.C) {
	flagged, err := lowOutliers([]float64{100, 100, 100, 100}, 3)
	c.Assert(err, check.IsNil)
	// Zero deviation must flag nothing.
	c.Check(flagged, check.DeepEquals, []bool{false, false, false, false})
}

func (s *qcSuite) TestQCFilterFlagsLowLibSize(c *check.C) {
	libsizes := []float64{1000, 995, 1005, 990, 1010, 985, 1015, 980, 1020, 1}
	cells := make([]string, len(libsizes))
	for i := range cells {
		cells[i] = string(rune('a' + i))
	}
	ds := testDataset([]string{"g1"}, cells, nil, libsizes)
	discard, err := QCFilter(ds, 3)
	c.Assert(err, check.IsNil)
	nbad := 0
	for i, bad := range discard {
		if bad {
			nbad++
			c.Check(i, check.Equals, len(libsizes)-1)
		}
	}
	c.Check(nbad, check.Equals, 1)
}

func (s *qcSuite) TestQCFilterRetainedPlusFlaggedIsTotal(c *check.C) {
	libsizes := []float64{500, 505, 510, 495, 490, 2, 3}
	cells := make([]string, len(libsizes))
	for i := range cells {
		cells[i] = string(rune('a' + i))
	}
	ds := testDataset([]string{"g1"}, cells, nil, libsizes)
	total := len(ds.Cells)
	discard, err := QCFilter(ds, 3)
	c.Assert(err, check.IsNil)
	keep := make([]bool, len(discard))
	flagged := 0
	for i, bad := range discard {
		keep[i] = !bad
		if bad {
			flagged++
		}
	}
	ds.SubsetCells(keep)
	c.Check(len(ds.Cells)+flagged, check.Equals, total)
	// Flagged cells never reappear.
	for _, ci := range ds.Cells {
		c.Check(ci.LibSize > 100, check.Equals, true)
	}
}

func (s *qcSuite) TestQCFilterLenientThreshold(c *check.C) {
	libsizes := []float64{1000, 900, 800, 850, 950}
	cells := []string{"a", "b", "c", "d", "e"}
	ds := testDataset([]string{"g1"}, cells, nil, libsizes)
	discard, err := QCFilter(ds, 10)
	c.Assert(err, check.IsNil)
	for _, bad := range discard {
		c.Check(bad, check.Equals, false)
	}
}
