// Copyright (C) The OSCA Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package osca

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/check.v1"
)

type pipelineSuite struct{}

var _ = check.Suite(&pipelineSuite{})

// toyCountsTSV builds a counts table of len(genes) rows and ncells
// columns with everywhere-nonzero counts. Even-numbered genes are
// constant; odd-numbered genes oscillate between two cell states with
// an amplitude that grows with the gene index, so the low-index genes
// sit on the technical trend and the high-index ones rise above it.
func toyCountsTSV(genes []string, prefix string, ncells int) string {
	var sb strings.Builder
	sb.WriteString("gene")
	for j := 0; j < ncells; j++ {
		fmt.Fprintf(&sb, "\t%s%d", prefix, j)
	}
	sb.WriteString("\n")
	for gi, g := range genes {
		sb.WriteString(g)
		for j := 0; j < ncells; j++ {
			v := 14
			if gi%2 == 1 {
				amp := gi/2 + 1
				if j%2 == 0 {
					v += amp
				} else {
					v -= amp
				}
			}
			fmt.Fprintf(&sb, "\t%d", v)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func (s *pipelineSuite) TestEndToEndToyIntegration(c *check.C) {
	tmpdir := c.MkDir()
	genes := []string{"g0", "g1", "g2", "g3", "g4", "g5", "g6", "g7", "g8", "g9"}
	// The second dataset carries an extra private gene that the
	// merge must drop.
	bgenes := append(append([]string(nil), genes...), "private")
	err := os.WriteFile(tmpdir+"/a.tsv", []byte(toyCountsTSV(genes, "a", 5)), 0644)
	c.Assert(err, check.IsNil)
	err = os.WriteFile(tmpdir+"/b.tsv", []byte(toyCountsTSV(bgenes, "b", 7)), 0644)
	c.Assert(err, check.IsNil)

	run := func(cmd cmdHandler, name string, args ...string) {
		code := cmd.RunCommand("osca "+name, args, bytes.NewReader(nil), &bytes.Buffer{}, os.Stderr)
		c.Assert(code, check.Equals, 0, check.Commentf("%s %v", name, args))
	}

	run(&importer{}, "import", "-batch=A", "-i", tmpdir+"/a.tsv", "-o", tmpdir+"/a.gob")
	run(&importer{}, "import", "-batch=B", "-i", tmpdir+"/b.tsv", "-o", tmpdir+"/b.gob")
	run(&merger{}, "merge", "-o", tmpdir+"/merged.gob", tmpdir+"/a.gob", tmpdir+"/b.gob")

	merged, err := loadDatasetFile(tmpdir+"/merged.gob", nil)
	c.Assert(err, check.IsNil)
	c.Check(merged.Genes, check.DeepEquals, genes)
	c.Check(merged.Cells, check.HasLen, 12)

	run(&qccmd{}, "qc", "-nmads=10", "-i", tmpdir+"/merged.gob", "-o", tmpdir+"/qc.gob")
	qcd, err := loadDatasetFile(tmpdir+"/qc.gob", nil)
	c.Assert(err, check.IsNil)
	// Lenient threshold: nothing flagged.
	c.Check(qcd.Cells, check.HasLen, 12)

	run(&normalizer{}, "normalize", "-pool-size=3", "-i", tmpdir+"/qc.gob", "-o", tmpdir+"/norm.gob")
	run(&hvgcmd{}, "hvg", "-i", tmpdir+"/norm.gob", "-o", tmpdir+"/hvg.gob")

	prep, err := loadDatasetFile(tmpdir+"/hvg.gob", nil)
	c.Assert(err, check.IsNil)
	c.Assert(prep.LogNorm, check.HasLen, len(genes)*12)
	c.Check(len(prep.HVGs) > 0, check.Equals, true)
	index := map[string]bool{}
	for _, g := range prep.Genes {
		index[g] = true
	}
	for _, g := range prep.HVGs {
		c.Check(index[g], check.Equals, true)
	}
	m, err := hvgMatrix(prep)
	c.Assert(err, check.IsNil)
	rows, cols := m.Dims()
	c.Check(rows, check.Equals, len(prep.HVGs))
	c.Check(cols, check.Equals, 12)

	for method, reduction := range map[string]string{
		MethodNone:    "pca",
		MethodRegress: "pca",
		MethodMNN:     "mnn",
	} {
		outfile := fmt.Sprintf("%s/%s.gob", tmpdir, method)
		run(&integrator{}, "integrate", "-method="+method, "-components=2", "-k=3", "-i", tmpdir+"/hvg.gob", "-o", outfile)
		ds, err := loadDatasetFile(outfile, nil)
		c.Assert(err, check.IsNil)
		red, ok := ds.Reductions[reduction]
		c.Assert(ok, check.Equals, true, check.Commentf("method %s", method))
		c.Check(red.Rows(), check.Equals, 12)
		c.Check(red.Components, check.Equals, 2)
	}

	run(&clustercmd{}, "cluster", "-use=pca", "-k=2", "-i", tmpdir+"/none.gob", "-o", tmpdir+"/clustered.gob")
	clustered, err := loadDatasetFile(tmpdir+"/clustered.gob", nil)
	c.Assert(err, check.IsNil)
	seen := map[int]bool{}
	for _, ci := range clustered.Cells {
		seen[ci.Cluster] = true
	}
	c.Check(seen, check.HasLen, 2)

	run(&tsnecmd{}, "tsne", "-use=pca", "-perplexity=2", "-iterations=60", "-i", tmpdir+"/none.gob", "-o", tmpdir+"/tsne.gob")
	embedded, err := loadDatasetFile(tmpdir + "/tsne.gob", nil)
	c.Assert(err, check.IsNil)
	c.Check(embedded.Reductions["tsne"].Rows(), check.Equals, 12)
	c.Check(embedded.Reductions["tsne"].Components, check.Equals, 2)

	npy := &bytes.Buffer{}
	code := (&exportNumpy{}).RunCommand("osca export-numpy", []string{"-matrix=pca", "-i", tmpdir + "/none.gob", "-labels", tmpdir + "/labels.csv"}, bytes.NewReader(nil), npy, os.Stderr)
	c.Assert(code, check.Equals, 0)
	c.Check(bytes.HasPrefix(npy.Bytes(), []byte("\x93NUMPY")), check.Equals, true)
	labels, err := os.ReadFile(tmpdir + "/labels.csv")
	c.Assert(err, check.IsNil)
	c.Check(strings.Count(string(labels), "\n"), check.Equals, 13) // header + 12 cells

	statsout := &bytes.Buffer{}
	code = (&statscmd{}).RunCommand("osca stats", []string{"-i", tmpdir + "/clustered.gob"}, bytes.NewReader(nil), statsout, os.Stderr)
	c.Assert(code, check.Equals, 0)
	var summary struct {
		Genes        int
		Cells        int
		CellsByBatch map[string]int
		Normalized   bool
	}
	c.Assert(json.Unmarshal(statsout.Bytes(), &summary), check.IsNil)
	c.Check(summary.Genes, check.Equals, 10)
	c.Check(summary.Cells, check.Equals, 12)
	c.Check(summary.CellsByBatch, check.DeepEquals, map[string]int{"A": 5, "B": 7})
	c.Check(summary.Normalized, check.Equals, true)
}

func (s *pipelineSuite) TestImportStats(c *check.C) {
	tmpdir := c.MkDir()
	genes := []string{"g0", "g1", "g2"}
	err := os.WriteFile(tmpdir+"/x.tsv", []byte(toyCountsTSV(genes, "x", 4)), 0644)
	c.Assert(err, check.IsNil)

	imported := &bytes.Buffer{}
	code := (&importer{}).RunCommand("osca import", []string{"-batch=X", "-i", tmpdir + "/x.tsv"}, bytes.NewReader(nil), imported, os.Stderr)
	c.Assert(code, check.Equals, 0)

	statsout := &bytes.Buffer{}
	code = (&statscmd{}).RunCommand("osca stats", []string{}, imported, statsout, os.Stderr)
	c.Assert(code, check.Equals, 0)
	c.Check(strings.Contains(statsout.String(), `"Genes": 3`), check.Equals, true)
}
