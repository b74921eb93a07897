// sink-replay summarises recorded trial sinks and optionally renders the
// position trace of each one as an HTML chart.
//
// Usage:
//
//	sink-replay [-chart out.html] recordings/standard_001.csv ...
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/tuberig/internal/telemetry"
)

// Summary describes one recorded sink.
type Summary struct {
	Name         string
	Rows         int
	Duration     float64
	MaxPosition  float64
	MeanVelocity float64
	StdVelocity  float64
	ContactAt    float64
	Contacted    bool
}

// Summarise reduces the rows of a sink to a Summary.
func Summarise(name string, rows []telemetry.Row) Summary {
	s := Summary{Name: name, Rows: len(rows)}
	if len(rows) == 0 {
		return s
	}
	s.Duration = rows[len(rows)-1].Timestamp - rows[0].Timestamp

	pos := make([]float64, len(rows))
	vel := make([]float64, len(rows))
	for i, r := range rows {
		pos[i] = r.Position
		vel[i] = r.Velocity
		if r.Contact && !s.Contacted {
			s.Contacted = true
			s.ContactAt = r.Timestamp
		}
	}
	s.MaxPosition = floats.Max(pos)
	s.MeanVelocity, s.StdVelocity = stat.MeanStdDev(vel, nil)
	return s
}

func (s Summary) print(w io.Writer) {
	fmt.Fprintf(w, "%s: %d rows over %.3fs\n", s.Name, s.Rows, s.Duration)
	if s.Rows == 0 {
		return
	}
	fmt.Fprintf(w, "  max position:  %.2f cm\n", s.MaxPosition)
	fmt.Fprintf(w, "  velocity:      %.2f ± %.2f cm/s\n", s.MeanVelocity, s.StdVelocity)
	if s.Contacted {
		fmt.Fprintf(w, "  first contact: %.3fs\n", s.ContactAt)
	} else {
		fmt.Fprintf(w, "  no contact\n")
	}
}

func lineChart(name string, rows []telemetry.Row) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: name}),
		charts.WithXAxisOpts(opts.XAxis{Name: "s"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "cm"}),
	)
	xs := make([]string, len(rows))
	ys := make([]opts.LineData, len(rows))
	for i, r := range rows {
		xs[i] = fmt.Sprintf("%.3f", r.Timestamp)
		ys[i] = opts.LineData{Value: r.Position}
	}
	line.SetXAxis(xs).AddSeries("position", ys)
	return line
}

func main() {
	var chartPath string
	flag.StringVar(&chartPath, "chart", "", "Write position charts for every sink to this HTML file")
	flag.Parse()

	if flag.NArg() == 0 {
		log.Fatal("usage: sink-replay [-chart out.html] <sink.csv>...")
	}

	page := components.NewPage()
	for _, path := range flag.Args() {
		rows, err := telemetry.ReadSinkFile(path)
		if err != nil {
			log.Fatalf("read %s: %v", path, err)
		}
		name := filepath.Base(path)
		Summarise(name, rows).print(os.Stdout)
		page.AddCharts(lineChart(name, rows))
	}

	if chartPath == "" {
		return
	}
	f, err := os.Create(chartPath)
	if err != nil {
		log.Fatalf("create chart: %v", err)
	}
	defer f.Close()
	if err := page.Render(f); err != nil {
		log.Fatalf("render chart: %v", err)
	}
	fmt.Printf("Chart written to %s\n", chartPath)
}
