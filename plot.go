// Copyright (C) The OSCA Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package osca

import (
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/wcharczuk/go-chart/v2"
)

// plotGroups maps each cell to its display group for coloring.
func plotGroups(ds *Dataset, colorBy string) ([]string, error) {
	labels := make([]string, len(ds.Cells))
	switch colorBy {
	case "batch":
		for c, ci := range ds.Cells {
			labels[c] = ci.Batch
		}
	case "cluster":
		for c, ci := range ds.Cells {
			labels[c] = "cluster " + strconv.Itoa(ci.Cluster)
		}
	default:
		return nil, fmt.Errorf("unknown -color-by value %q (want batch or cluster)", colorBy)
	}
	return labels, nil
}

// RenderScatter draws components x and y (1-based) of a stored
// reduction as a scatter plot, one colored series per group.
func RenderScatter(w io.Writer, ds *Dataset, reduction string, x, y int, colorBy string, svg bool) error {
	red, ok := ds.Reductions[reduction]
	if !ok {
		return fmt.Errorf("no reduction %q in dataset (run integrate first)", reduction)
	}
	if x < 1 || y < 1 || x > red.Components || y > red.Components {
		return fmt.Errorf("components %d,%d out of range 1..%d", x, y, red.Components)
	}
	labels, err := plotGroups(ds, colorBy)
	if err != nil {
		return err
	}
	byGroup := map[string][]int{}
	for c, label := range labels {
		byGroup[label] = append(byGroup[label], c)
	}
	var groups []string
	for g := range byGroup {
		groups = append(groups, g)
	}
	sort.Strings(groups)

	var series []chart.Series
	for i, g := range groups {
		cells := byGroup[g]
		xs := make([]float64, len(cells))
		ys := make([]float64, len(cells))
		for j, c := range cells {
			xs[j] = red.Coords[c*red.Components+x-1]
			ys[j] = red.Coords[c*red.Components+y-1]
		}
		series = append(series, chart.ContinuousSeries{
			Name: g,
			Style: chart.Style{
				StrokeWidth: chart.Disabled,
				DotWidth:    4,
				DotColor:    chart.GetDefaultColor(i),
			},
			XValues: xs,
			YValues: ys,
		})
	}
	graph := chart.Chart{
		Width:  800,
		Height: 600,
		XAxis:  chart.XAxis{Name: fmt.Sprintf("%s %d", reduction, x)},
		YAxis:  chart.YAxis{Name: fmt.Sprintf("%s %d", reduction, y)},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}
	if svg {
		return graph.Render(chart.SVG, w)
	}
	return graph.Render(chart.PNG, w)
}

type plotcmd struct {
	reduction string
	x, y      int
	colorBy   string
}

func (cmd *plotcmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	inputFilename := flags.String("i", "-", "input `file`")
	outputFilename := flags.String("o", "plot.png", "output `file` (.png or .svg)")
	flags.StringVar(&cmd.reduction, "use", "pca", "stored `reduction` to plot")
	flags.IntVar(&cmd.x, "x", 1, "1-based component to plot on x axis")
	flags.IntVar(&cmd.y, "y", 2, "1-based component to plot on y axis")
	flags.StringVar(&cmd.colorBy, "color-by", "batch", "color points by `column`: batch or cluster")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}

	log.Print("reading")
	ds, err := loadDatasetFile(*inputFilename, stdin)
	if err != nil {
		return 1
	}

	var output io.WriteCloser
	if *outputFilename == "-" {
		output = nopCloser{stdout}
	} else {
		output, err = os.OpenFile(*outputFilename, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0777)
		if err != nil {
			return 1
		}
		defer output.Close()
	}
	log.Printf("plotting %d cells", len(ds.Cells))
	err = RenderScatter(output, ds, cmd.reduction, cmd.x, cmd.y, cmd.colorBy, strings.HasSuffix(*outputFilename, ".svg"))
	if err != nil {
		return 1
	}
	err = output.Close()
	if err != nil {
		return 1
	}
	return 0
}
