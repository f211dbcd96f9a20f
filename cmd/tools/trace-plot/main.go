// Command trace-plot renders ROI intensity traces as a PNG (gonum/plot)
// and/or an interactive HTML line chart (go-echarts). Input is either a
// CSV written by `flim extract -csv` or a container plus an ROI file, in
// which case the traces are extracted first.
package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"image/color"
	"log"
	"os"
	"sort"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/lumenlab/flimgo/internal/roi"
	"github.com/lumenlab/flimgo/internal/session"
)

func main() {
	csvPath := flag.String("csv", "", "trace CSV written by 'flim extract -csv'")
	container := flag.String("container", "", "container to extract from (alternative to -csv)")
	roiPath := flag.String("roi", "", "ROI definitions JSON (with -container)")
	pngPath := flag.String("png", "", "PNG output path")
	htmlPath := flag.String("html", "", "HTML output path")
	title := flag.String("title", "ROI intensity traces", "chart title")
	flag.Parse()

	if *pngPath == "" && *htmlPath == "" {
		log.Fatal("nothing to do: give -png and/or -html")
	}

	var traces []roi.Trace
	var err error
	switch {
	case *csvPath != "":
		traces, err = readTracesCSV(*csvPath)
	case *container != "" && *roiPath != "":
		traces, err = extractTraces(*container, *roiPath)
	default:
		log.Fatal("give either -csv, or -container with -roi")
	}
	if err != nil {
		log.Fatalf("failed to load traces: %v", err)
	}

	if *pngPath != "" {
		if err := renderPNG(*pngPath, *title, traces); err != nil {
			log.Fatalf("failed to render PNG: %v", err)
		}
		log.Printf("✓ Created: %s", *pngPath)
	}
	if *htmlPath != "" {
		if err := renderHTML(*htmlPath, *title, traces); err != nil {
			log.Fatalf("failed to render HTML: %v", err)
		}
		log.Printf("✓ Created: %s", *htmlPath)
	}
}

func extractTraces(containerPath, roiPath string) ([]roi.Trace, error) {
	data, err := os.ReadFile(roiPath)
	if err != nil {
		return nil, err
	}
	var defs []roi.Definition
	if err := json.Unmarshal(data, &defs); err != nil {
		return nil, fmt.Errorf("parse %s: %w", roiPath, err)
	}

	s, err := session.New(containerPath, nil, session.Options{})
	if err != nil {
		return nil, err
	}
	defer s.Close()
	for _, def := range defs {
		if _, err := s.AddROI(def); err != nil {
			return nil, err
		}
	}
	return s.ExtractTraces(context.Background(), nil, nil)
}

// readTracesCSV reads the column-per-ROI layout written by flim extract.
func readTracesCSV(path string) ([]roi.Trace, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) < 2 || len(records[0]) < 2 || records[0][0] != "ordinal" {
		return nil, fmt.Errorf("%s is not a trace CSV", path)
	}

	traces := make([]roi.Trace, len(records[0])-1)
	for i, id := range records[0][1:] {
		traces[i].ROIID = id
	}
	for _, rec := range records[1:] {
		ordinal, err := strconv.Atoi(rec[0])
		if err != nil {
			return nil, fmt.Errorf("bad ordinal %q: %w", rec[0], err)
		}
		for i, cell := range rec[1:] {
			if cell == "" {
				continue
			}
			v, err := strconv.ParseFloat(cell, 64)
			if err != nil {
				return nil, fmt.Errorf("bad value %q: %w", cell, err)
			}
			traces[i].Points = append(traces[i].Points, roi.TracePoint{Ordinal: ordinal, Value: v})
		}
	}
	return traces, nil
}

func renderPNG(path, title string, traces []roi.Trace) error {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "frame"
	p.Y.Label.Text = "intensity"
	p.Legend.Top = true

	colors := generateColors(len(traces))
	for i, tr := range traces {
		pts := make(plotter.XYs, 0, len(tr.Points))
		for _, pt := range tr.Points {
			pts = append(pts, plotter.XY{X: float64(pt.Ordinal), Y: pt.Value})
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return err
		}
		line.Width = vg.Points(1)
		line.Color = colors[i]
		p.Add(line)
		p.Legend.Add(tr.ROIID, line)
	}
	return p.Save(14*vg.Inch, 6*vg.Inch, path)
}

// generateColors creates a palette of distinct colors, one per trace.
func generateColors(n int) []color.Color {
	if n <= 0 {
		return nil
	}
	colors := make([]color.Color, n)
	for i := 0; i < n; i++ {
		hue := float64(i) / float64(n)
		r, g, b := hslToRGB(hue, 0.7, 0.45)
		colors[i] = color.RGBA{R: r, G: g, B: b, A: 255}
	}
	return colors
}

// hslToRGB converts HSL to RGB (0-255 range).
func hslToRGB(h, s, l float64) (r, g, b uint8) {
	var rf, gf, bf float64
	if s == 0 {
		rf, gf, bf = l, l, l
	} else {
		var q float64
		if l < 0.5 {
			q = l * (1 + s)
		} else {
			q = l + s - l*s
		}
		p := 2*l - q
		rf = hueToRGB(p, q, h+1.0/3.0)
		gf = hueToRGB(p, q, h)
		bf = hueToRGB(p, q, h-1.0/3.0)
	}
	return uint8(rf * 255), uint8(gf * 255), uint8(bf * 255)
}

func hueToRGB(p, q, t float64) float64 {
	if t < 0 {
		t++
	}
	if t > 1 {
		t--
	}
	switch {
	case t < 1.0/6.0:
		return p + (q-p)*6*t
	case t < 1.0/2.0:
		return q
	case t < 2.0/3.0:
		return p + (q-p)*(2.0/3.0-t)*6
	}
	return p
}

func renderHTML(path, title string, traces []roi.Trace) error {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: title, Width: "1200px", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{Title: title}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "frame"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "intensity"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)

	// X axis from the union of ordinals; series values align by position.
	seen := map[int]bool{}
	var xs []int
	for _, tr := range traces {
		for _, p := range tr.Points {
			if !seen[p.Ordinal] {
				seen[p.Ordinal] = true
				xs = append(xs, p.Ordinal)
			}
		}
	}
	sort.Ints(xs)
	axis := make([]string, len(xs))
	pos := map[int]int{}
	for i, o := range xs {
		axis[i] = strconv.Itoa(o)
		pos[o] = i
	}
	line.SetXAxis(axis)

	for _, tr := range traces {
		data := make([]opts.LineData, len(xs))
		for i := range data {
			data[i] = opts.LineData{Value: nil}
		}
		for _, p := range tr.Points {
			data[pos[p.Ordinal]] = opts.LineData{Value: p.Value}
		}
		line.AddSeries(tr.ROIID, data)
	}

	out, err := os.Create(path)
	if err != nil {
		return err
	}
	defer out.Close()
	return line.Render(out)
}
