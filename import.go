// Copyright (C) The OSCA Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package osca

import (
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"strconv"
	"strings"

	"github.com/gocarina/gocsv"
	log "github.com/sirupsen/logrus"
)

// cellAnnotation is one row of the optional per-cell metadata CSV.
type cellAnnotation struct {
	Barcode string `csv:"barcode"`
	Batch   string `csv:"batch"`
}

// ReadCountsTable parses a delimited counts table: header row of cell
// names (the first header field names the gene column and is
// ignored), then one row per gene of identifier plus counts.
func ReadCountsTable(rdr io.Reader, comma rune) (*Dataset, error) {
	cr := csv.NewReader(rdr)
	cr.Comma = comma
	cr.ReuseRecord = true
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	if len(header) < 2 {
		return nil, fmt.Errorf("header has %d fields, want a gene column plus at least one cell", len(header))
	}
	ds := &Dataset{}
	for _, name := range header[1:] {
		ds.Cells = append(ds.Cells, CellInfo{Name: name})
	}
	ncells := len(ds.Cells)
	seen := map[string]bool{}
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, err
		}
		if len(rec) != ncells+1 {
			return nil, fmt.Errorf("gene %q: %d values, want %d", rec[0], len(rec)-1, ncells)
		}
		if seen[rec[0]] {
			return nil, fmt.Errorf("duplicate gene %q", rec[0])
		}
		seen[rec[0]] = true
		ds.Genes = append(ds.Genes, rec[0])
		for _, field := range rec[1:] {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, fmt.Errorf("gene %q: %w", rec[0], err)
			}
			if v < 0 {
				return nil, fmt.Errorf("gene %q: negative count %v", rec[0], v)
			}
			ds.Counts = append(ds.Counts, v)
		}
	}
	if len(ds.Genes) == 0 {
		return nil, fmt.Errorf("counts table has no gene rows")
	}
	return ds, nil
}

// applyCellAnnotations assigns batch labels from the metadata rows,
// matched by cell name. Every cell must be covered.
func applyCellAnnotations(ds *Dataset, anns []*cellAnnotation) error {
	batch := make(map[string]string, len(anns))
	for _, a := range anns {
		batch[a.Barcode] = a.Batch
	}
	for c := range ds.Cells {
		b, ok := batch[ds.Cells[c].Name]
		if !ok {
			return fmt.Errorf("cell %q has no metadata row", ds.Cells[c].Name)
		}
		ds.Cells[c].Batch = b
	}
	return nil
}

type importer struct {
	batch        string
	metadataFile string
	sep          string
}

func (cmd *importer) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	inputFilename := flags.String("i", "-", "input counts `file` (tsv or csv)")
	outputFilename := flags.String("o", "-", "output `file`")
	flags.StringVar(&cmd.batch, "batch", "", "batch `label` for all imported cells")
	flags.StringVar(&cmd.metadataFile, "cell-metadata", "", "per-cell metadata `csv` with barcode and batch columns")
	flags.StringVar(&cmd.sep, "sep", "", "field separator: tab or comma (default: by file extension)")
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

	comma := '\t'
	switch {
	case cmd.sep == "comma":
		comma = ','
	case cmd.sep == "tab" || cmd.sep == "":
		if cmd.sep == "" && strings.HasSuffix(*inputFilename, ".csv") {
			comma = ','
		}
	default:
		err = fmt.Errorf("unknown separator %q", cmd.sep)
		return 2
	}

	var input io.Reader = stdin
	if *inputFilename != "-" {
		f, oerr := os.Open(*inputFilename)
		if oerr != nil {
			err = oerr
			return 1
		}
		defer f.Close()
		input = f
	}
	log.Print("reading counts")
	ds, err := ReadCountsTable(input, comma)
	if err != nil {
		return 1
	}
	log.Printf("read %d genes, %d cells", len(ds.Genes), len(ds.Cells))

	for c := range ds.Cells {
		ds.Cells[c].Batch = cmd.batch
	}
	if cmd.metadataFile != "" {
		var mf *os.File
		mf, err = os.Open(cmd.metadataFile)
		if err != nil {
			return 1
		}
		defer mf.Close()
		var anns []*cellAnnotation
		err = gocsv.UnmarshalFile(mf, &anns)
		if err != nil {
			return 1
		}
		err = applyCellAnnotations(ds, anns)
		if err != nil {
			return 1
		}
	}
	CellQCMetrics(ds)

	log.Print("writing")
	err = writeDatasetFile(*outputFilename, stdout, ds)
	if err != nil {
		return 1
	}
	return 0
}
