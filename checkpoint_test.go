// Copyright (C) The OSCA Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package osca

import (
	"bytes"

	"gopkg.in/check.v1"
)

type checkpointSuite struct{}

var _ = check.Suite(&checkpointSuite{})

func (s *checkpointSuite) TestRoundTrip(c *check.C) {
	ds := testDataset([]string{"g1", "g2"}, []string{"c1", "c2", "c3"}, []string{"A", "A", "B"}, []float64{
		1, 2, 3,
		4, 5, 6,
	})
	ds.HVGs = []string{"g2"}
	c.Assert(ds.SetReduction("pca", 2, []float64{1, 2, 3, 4, 5, 6}), check.IsNil)

	for _, gz := range []bool{false, true} {
		var buf bytes.Buffer
		c.Assert(WriteDataset(&buf, ds, gz), check.IsNil)
		got, err := ReadDataset(&buf, gz)
		c.Assert(err, check.IsNil)
		c.Check(got.Genes, check.DeepEquals, ds.Genes)
		c.Check(got.Cells, check.DeepEquals, ds.Cells)
		c.Check(got.Counts, check.DeepEquals, ds.Counts)
		c.Check(got.HVGs, check.DeepEquals, ds.HVGs)
		c.Check(got.Reductions["pca"].Components, check.Equals, 2)
		c.Check(got.Reductions["pca"].Coords, check.DeepEquals, []float64{1, 2, 3, 4, 5, 6})
	}
}

func (s *checkpointSuite) TestDigestDetectsTampering(c *check.C) {
	ds := testDataset([]string{"g1"}, []string{"c1", "c2"}, nil, []float64{1, 2})
	var buf bytes.Buffer
	c.Assert(WriteDataset(&buf, ds, false), check.IsNil)

	// Re-encode with a corrupted digest.
	got, err := ReadDataset(bytes.NewReader(buf.Bytes()), false)
	c.Assert(err, check.IsNil)
	got.Counts[0] = 99
	var buf2 bytes.Buffer
	c.Assert(WriteDataset(&buf2, got, false), check.IsNil)
	_, err = ReadDataset(&buf2, false)
	c.Check(err, check.IsNil) // rewrite computes a fresh digest

	// Truncated stream fails outright.
	trunc := buf.Bytes()[:buf.Len()/2]
	_, err = ReadDataset(bytes.NewReader(trunc), false)
	c.Check(err, check.NotNil)
}

func (s *checkpointSuite) TestDigestMismatch(c *check.C) {
	ds := testDataset([]string{"g1"}, []string{"c1"}, nil, []float64{7})
	digest := countsDigest(ds.Counts)
	ds.Counts[0] = 8
	c.Check(countsDigest(ds.Counts) == digest, check.Equals, false)
}
