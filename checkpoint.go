// Copyright (C) The OSCA Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package osca

import (
	"bufio"
	"encoding/gob"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/klauspost/pgzip"
	"golang.org/x/crypto/blake2b"
)

// checkpointEntry is the gob wire form of a Dataset. CountsDigest is
// the blake2b-256 digest of the count matrix bytes at write time;
// ReadDataset refuses entries whose counts no longer match it.
type checkpointEntry struct {
	Genes        []string
	Cells        []CellInfo
	Counts       []float64
	LogNorm      []float64
	Variance     []GeneVariance
	HVGs         []string
	Reductions   map[string]Reduction
	CountsDigest [blake2b.Size256]byte
}

func countsDigest(counts []float64) [blake2b.Size256]byte {
	h, _ := blake2b.New256(nil)
	buf := make([]byte, 8)
	for _, v := range counts {
		bits := math.Float64bits(v)
		for i := 0; i < 8; i++ {
			buf[i] = byte(bits >> (8 * i))
		}
		h.Write(buf)
	}
	var sum [blake2b.Size256]byte
	copy(sum[:], h.Sum(nil))
	return sum
}

// WriteDataset gob-encodes ds to w, gzip-compressed if gz is true.
func WriteDataset(w io.Writer, ds *Dataset, gz bool) error {
	bufw := bufio.NewWriterSize(w, 1<<20)
	var out io.Writer = bufw
	var gzw *pgzip.Writer
	if gz {
		gzw = pgzip.NewWriter(bufw)
		out = gzw
	}
	err := gob.NewEncoder(out).Encode(checkpointEntry{
		Genes:        ds.Genes,
		Cells:        ds.Cells,
		Counts:       ds.Counts,
		LogNorm:      ds.LogNorm,
		Variance:     ds.Variance,
		HVGs:         ds.HVGs,
		Reductions:   ds.Reductions,
		CountsDigest: countsDigest(ds.Counts),
	})
	if err != nil {
		return err
	}
	if gzw != nil {
		err = gzw.Close()
		if err != nil {
			return err
		}
	}
	return bufw.Flush()
}

// ReadDataset decodes a dataset checkpoint written by WriteDataset.
func ReadDataset(rdr io.Reader, gz bool) (*Dataset, error) {
	if gz {
		gzr, err := pgzip.NewReader(bufio.NewReaderSize(rdr, 1<<20))
		if err != nil {
			return nil, err
		}
		defer gzr.Close()
		rdr = gzr
	}
	var ent checkpointEntry
	err := gob.NewDecoder(rdr).Decode(&ent)
	if err != nil {
		return nil, err
	}
	if len(ent.Genes)*len(ent.Cells) != len(ent.Counts) {
		return nil, fmt.Errorf("corrupt checkpoint: %d genes x %d cells != %d counts", len(ent.Genes), len(ent.Cells), len(ent.Counts))
	}
	if got := countsDigest(ent.Counts); got != ent.CountsDigest {
		return nil, fmt.Errorf("checkpoint digest mismatch: counts were altered after writing")
	}
	return &Dataset{
		Genes:      ent.Genes,
		Cells:      ent.Cells,
		Counts:     ent.Counts,
		LogNorm:    ent.LogNorm,
		Variance:   ent.Variance,
		HVGs:       ent.HVGs,
		Reductions: ent.Reductions,
	}, nil
}

// isGzip reports whether a checkpoint filename implies gzip framing.
func isGzip(filename string) bool {
	return strings.HasSuffix(filename, ".gz")
}

// loadDatasetFile reads a checkpoint from the named file, or from
// stdin (uncompressed) if filename is "-".
func loadDatasetFile(filename string, stdin io.Reader) (*Dataset, error) {
	if filename == "-" {
		return ReadDataset(stdin, false)
	}
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	ds, err := ReadDataset(f, isGzip(filename))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	return ds, f.Close()
}

// writeDatasetFile writes a checkpoint to the named file, or to
// stdout if filename is "-".
func writeDatasetFile(filename string, stdout io.Writer, ds *Dataset) error {
	if filename == "-" {
		return WriteDataset(stdout, ds, false)
	}
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0777)
	if err != nil {
		return err
	}
	defer f.Close()
	err = WriteDataset(f, ds, isGzip(filename))
	if err != nil {
		return err
	}
	return f.Close()
}
