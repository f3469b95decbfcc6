// Copyright (C) The OSCA Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package osca

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"

	"github.com/muesli/clusters"
	"github.com/muesli/kmeans"
	log "github.com/sirupsen/logrus"
)

// ClusterCells runs k-means on a stored reduction and writes the
// resulting labels (0-based) into CellInfo.Cluster.
func ClusterCells(ds *Dataset, reduction string, k int) error {
	red, ok := ds.Reductions[reduction]
	if !ok {
		return fmt.Errorf("no reduction %q in dataset (run integrate first)", reduction)
	}
	if k < 2 {
		return fmt.Errorf("need at least 2 clusters, got %d", k)
	}
	if k > len(ds.Cells) {
		return fmt.Errorf("%d clusters requested for %d cells", k, len(ds.Cells))
	}
	var obs clusters.Observations
	for c := range ds.Cells {
		coords := make(clusters.Coordinates, red.Components)
		copy(coords, red.Coords[c*red.Components:(c+1)*red.Components])
		obs = append(obs, coords)
	}
	km := kmeans.New()
	cc, err := km.Partition(obs, k)
	if err != nil {
		return err
	}
	for c := range ds.Cells {
		ds.Cells[c].Cluster = cc.Nearest(obs[c])
	}
	return nil
}

type clustercmd struct {
	reduction string
	k         int
}

func (cmd *clustercmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	inputFilename := flags.String("i", "-", "input `file`")
	outputFilename := flags.String("o", "-", "output `file`")
	flags.StringVar(&cmd.reduction, "use", "pca", "stored `reduction` to cluster on")
	flags.IntVar(&cmd.k, "k", 10, "number of clusters")
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

	log.Print("reading")
	ds, err := loadDatasetFile(*inputFilename, stdin)
	if err != nil {
		return 1
	}

	log.Printf("clustering %d cells on reduction %q, k=%d", len(ds.Cells), cmd.reduction, cmd.k)
	err = ClusterCells(ds, cmd.reduction, cmd.k)
	if err != nil {
		return 1
	}

	log.Print("writing")
	err = writeDatasetFile(*outputFilename, stdout, ds)
	if err != nil {
		return 1
	}
	return 0
}
