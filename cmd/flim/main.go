// Command flim inspects and analyses .flim recordings: header and index
// summaries, single-frame dumps, drift registration and ROI trace
// extraction, with optional sqlite persistence and CSV export.
package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/lumenlab/flimgo/internal/config"
	"github.com/lumenlab/flimgo/internal/decay"
	"github.com/lumenlab/flimgo/internal/flim"
	"github.com/lumenlab/flimgo/internal/register"
	"github.com/lumenlab/flimgo/internal/roi"
	"github.com/lumenlab/flimgo/internal/session"
	"github.com/lumenlab/flimgo/internal/tracedb"
)

func main() {
	if len(os.Args) < 2 {
		printHelp()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch os.Args[1] {
	case "info":
		runInfo(os.Args[2:])
	case "index":
		runIndex(os.Args[2:])
	case "frame":
		runFrame(ctx, os.Args[2:])
	case "register":
		runRegister(ctx, os.Args[2:])
	case "extract":
		runExtract(ctx, os.Args[2:])
	case "export":
		runExport(os.Args[2:])
	case "help":
		printHelp()
	default:
		fmt.Printf("Unknown command: %s\n\n", os.Args[1])
		printHelp()
		os.Exit(1)
	}
}

func printHelp() {
	fmt.Println("Usage: flim <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  info      Show header and index summary for a container")
	fmt.Println("  index     Dump the frame index (ordinal, offset, length, timestamp)")
	fmt.Println("  frame     Dump one frame's statistics and metadata")
	fmt.Println("  register  Run drift registration and report per-frame transforms")
	fmt.Println("  extract   Extract ROI intensity traces (optionally registered)")
	fmt.Println("  export    Export saved traces from a trace database to CSV")
	fmt.Println("  help      Show this help message")
	fmt.Println()
	fmt.Println("Run 'flim <command> -h' for command options.")
}

// loadTuning loads the tuning file when one is given, falling back to the
// repo defaults file if present, else built-in defaults.
func loadTuning(path string) *config.TuningConfig {
	if path == "" {
		if _, err := os.Stat(config.DefaultConfigPath); err != nil {
			return config.EmptyTuningConfig()
		}
		path = config.DefaultConfigPath
	}
	cfg, err := config.LoadTuningConfig(path)
	if err != nil {
		log.Fatalf("Failed to load tuning config: %v", err)
	}
	return cfg
}

func runInfo(args []string) {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() != 1 {
		log.Fatal("Usage: flim info <container.flim>")
	}

	c, err := flim.Open(fs.Arg(0), nil)
	if err != nil {
		log.Fatalf("Failed to open container: %v", err)
	}
	defer c.Close()

	hdr := c.Header()
	fmt.Println(hdr.String())
	fmt.Printf("Frames indexed: %d\n", c.FrameCount())
	if len(hdr.MetaSchema) > 0 {
		fields := make([]string, 0, len(hdr.MetaSchema))
		for name := range hdr.MetaSchema {
			fields = append(fields, name)
		}
		sort.Strings(fields)
		fmt.Println("Metadata schema:")
		for _, name := range fields {
			fmt.Printf("  %-20s %s\n", name, hdr.MetaSchema[name])
		}
	}
	times := c.TimesSince(time.Time{})
	if n := len(times); n > 1 {
		fmt.Printf("Recording span: %.3fs (%.2f frames/s)\n",
			times[n-1], float64(n-1)/times[n-1])
	}
}

func runIndex(args []string) {
	fs := flag.NewFlagSet("index", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() != 1 {
		log.Fatal("Usage: flim index <container.flim>")
	}

	c, err := flim.Open(fs.Arg(0), nil)
	if err != nil {
		log.Fatalf("Failed to open container: %v", err)
	}
	defer c.Close()

	fmt.Printf("%-8s %-12s %-10s %s\n", "ordinal", "offset", "length", "timestamp")
	for _, e := range c.Index() {
		fmt.Printf("%-8d %-12d %-10d %s\n", e.Ordinal, e.Offset, e.Length,
			e.Timestamp.Format(time.RFC3339Nano))
	}
}

func runFrame(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("frame", flag.ExitOnError)
	channel := fs.Int("channel", -1, "channel to summarise (-1 sums channels)")
	fs.Parse(args)
	if fs.NArg() != 2 {
		log.Fatal("Usage: flim frame <container.flim> <ordinal>")
	}
	ordinal, err := strconv.Atoi(fs.Arg(1))
	if err != nil {
		log.Fatalf("Invalid ordinal %q: %v", fs.Arg(1), err)
	}

	c, err := flim.Open(fs.Arg(0), nil)
	if err != nil {
		log.Fatalf("Failed to open container: %v", err)
	}
	defer c.Close()

	f, err := c.ReadFrame(ctx, ordinal)
	if err != nil {
		log.Fatalf("Failed to read frame %d: %v", ordinal, err)
	}

	plane := f.Plane(*channel)
	var sum, maxV float64
	minV := plane[0]
	for _, v := range plane {
		sum += v
		if v > maxV {
			maxV = v
		}
		if v < minV {
			minV = v
		}
	}
	fmt.Printf("Frame %d  %dx%d  %d channel(s)\n", f.Ordinal, f.Width, f.Height, f.Channels)
	if !f.Timestamp.IsZero() {
		fmt.Printf("Timestamp: %s\n", f.Timestamp.Format(time.RFC3339Nano))
	}
	fmt.Printf("Intensity: min %.0f  max %.0f  mean %.2f\n", minV, maxV, sum/float64(len(plane)))
	if len(f.Meta) > 0 {
		keys := make([]string, 0, len(f.Meta))
		for k := range f.Meta {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Println("Metadata:")
		for _, k := range keys {
			fmt.Printf("  %-20s %v\n", k, f.Meta[k])
		}
	}
}

func runRegister(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("register", flag.ExitOnError)
	tuningPath := fs.String("tuning", "", "path to tuning JSON")
	dbPath := fs.String("db", "", "save the run to this trace database")
	fs.Parse(args)
	if fs.NArg() != 1 {
		log.Fatal("Usage: flim register [options] <container.flim>")
	}

	s, err := session.New(fs.Arg(0), loadTuning(*tuningPath), session.Options{})
	if err != nil {
		log.Fatalf("Failed to open session: %v", err)
	}
	defer s.Close()

	res, err := s.RunRegistration(ctx)
	if err != nil {
		log.Fatalf("Registration failed: %v", err)
	}

	fmt.Printf("Run %s  reference: %s\n", res.RunID, res.Strategy)
	fmt.Printf("%-8s %-10s %-10s %-10s %s\n", "ordinal", "dx", "dy", "residual", "flag")
	lowCount := 0
	for _, fa := range res.Frames {
		flagStr := ""
		if fa.LowConfidence {
			flagStr = "low-confidence"
			lowCount++
		}
		fmt.Printf("%-8d %-10.3f %-10.3f %-10.3f %s\n",
			fa.Ordinal, fa.Transform.DX, fa.Transform.DY, fa.Residual, flagStr)
	}
	fmt.Printf("Aligned %d frames (%d low confidence)\n", len(res.Frames), lowCount)
	for _, sk := range res.Skipped {
		fmt.Printf("Skipped frame %d: %v\n", sk.Ordinal, sk.Err)
	}

	if *dbPath != "" {
		db, err := tracedb.Open(*dbPath)
		if err != nil {
			log.Fatalf("Failed to open trace database: %v", err)
		}
		defer db.Close()
		if err := db.SaveRegistration(s.ID, fs.Arg(0), res); err != nil {
			log.Fatalf("Failed to save registration: %v", err)
		}
		log.Printf("Saved run %s to %s", res.RunID, *dbPath)
	}
}

func runExtract(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("extract", flag.ExitOnError)
	roiPath := fs.String("roi", "", "path to ROI definitions JSON (required)")
	tuningPath := fs.String("tuning", "", "path to tuning JSON")
	registered := fs.Bool("register", false, "run drift registration before extraction")
	fitDecay := fs.Bool("fit", false, "fit an exponential decay to each trace")
	dbPath := fs.String("db", "", "save traces to this trace database")
	csvPath := fs.String("csv", "", "write traces to this CSV file")
	fs.Parse(args)
	if fs.NArg() != 1 || *roiPath == "" {
		log.Fatal("Usage: flim extract -roi <rois.json> [options] <container.flim>")
	}

	defs, err := loadROIs(*roiPath)
	if err != nil {
		log.Fatalf("Failed to load ROIs: %v", err)
	}

	tuning := loadTuning(*tuningPath)
	s, err := session.New(fs.Arg(0), tuning, session.Options{})
	if err != nil {
		log.Fatalf("Failed to open session: %v", err)
	}
	defer s.Close()

	for _, def := range defs {
		if _, err := s.AddROI(def); err != nil {
			log.Fatalf("Failed to register ROI %q: %v", def.ID, err)
		}
	}

	var reg *register.Result
	if *registered {
		reg, err = s.RunRegistration(ctx)
		if err != nil {
			log.Fatalf("Registration failed: %v", err)
		}
		log.Printf("Registered %d frames (run %s)", len(reg.Frames), reg.RunID)
	}

	traces, err := s.ExtractTraces(ctx, nil, reg)
	if err != nil {
		log.Fatalf("Extraction failed: %v", err)
	}
	log.Printf("Extracted %d traces over %d frames", len(traces), s.FrameCount())
	if len(traces) > 0 {
		for _, sk := range traces[0].Skipped {
			log.Printf("Skipped frame %d: %v", sk.Ordinal, sk.Err)
		}
	}

	if *fitDecay {
		printDecayFits(s.Container(), traces)
	}

	if *csvPath != "" {
		if err := writeTracesCSV(*csvPath, traces); err != nil {
			log.Fatalf("Failed to write CSV: %v", err)
		}
		log.Printf("Wrote %s", *csvPath)
	}
	if *dbPath != "" {
		db, err := tracedb.Open(*dbPath)
		if err != nil {
			log.Fatalf("Failed to open trace database: %v", err)
		}
		defer db.Close()
		runID := ""
		if reg != nil {
			if err := db.SaveRegistration(s.ID, fs.Arg(0), reg); err != nil {
				log.Fatalf("Failed to save registration: %v", err)
			}
			runID = reg.RunID
		}
		ids, err := db.SaveTraces(s.ID, runID, tuning.GetAggregation(), traces)
		if err != nil {
			log.Fatalf("Failed to save traces: %v", err)
		}
		log.Printf("Saved %d traces to %s", len(ids), *dbPath)
	}
	if *csvPath == "" && *dbPath == "" {
		printTraces(traces)
	}
}

func runExport(args []string) {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	dbPath := fs.String("db", "", "trace database to read (required)")
	csvPath := fs.String("csv", "", "CSV output path (required)")
	fs.Parse(args)
	if *dbPath == "" || *csvPath == "" || fs.NArg() < 1 {
		log.Fatal("Usage: flim export -db <traces.db> -csv <out.csv> <trace_id>...")
	}

	db, err := tracedb.Open(*dbPath)
	if err != nil {
		log.Fatalf("Failed to open trace database: %v", err)
	}
	defer db.Close()

	var traces []roi.Trace
	for _, arg := range fs.Args() {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			log.Fatalf("Invalid trace id %q: %v", arg, err)
		}
		tr, err := db.TracePoints(id)
		if err != nil {
			log.Fatalf("Failed to load trace %d: %v", id, err)
		}
		traces = append(traces, tr)
	}
	if err := writeTracesCSV(*csvPath, traces); err != nil {
		log.Fatalf("Failed to write CSV: %v", err)
	}
	log.Printf("Exported %d traces to %s", len(traces), *csvPath)
}

// printDecayFits fits and reports an exponential decay per trace, using
// the container's frame timestamps for the time axis.
func printDecayFits(c *flim.Container, traces []roi.Trace) {
	times := c.TimesSince(time.Time{})
	for _, tr := range traces {
		var ft, fv []float64
		for _, p := range tr.Points {
			if p.Ordinal < len(times) {
				ft = append(ft, times[p.Ordinal])
				fv = append(fv, p.Value)
			}
		}
		fit, err := decay.FitTrace(ft, fv)
		if err != nil {
			log.Printf("ROI %s: decay fit: %v", tr.ROIID, err)
			continue
		}
		fmt.Printf("ROI %s: tau=%.3fs half-life=%.3fs amplitude=%.1f baseline=%.1f rss=%.4g\n",
			tr.ROIID, fit.Params.Tau, fit.Params.HalfLife(), fit.Params.Amplitude,
			fit.Params.Baseline, fit.RSS)
	}
}

// loadROIs parses a JSON array of ROI definitions.
func loadROIs(path string) ([]roi.Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var defs []roi.Definition
	if err := json.Unmarshal(data, &defs); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(defs) == 0 {
		return nil, fmt.Errorf("%s contains no ROI definitions", path)
	}
	return defs, nil
}

// writeTracesCSV writes one row per frame ordinal with a column per trace.
func writeTracesCSV(path string, traces []roi.Trace) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	header := []string{"ordinal"}
	for _, tr := range traces {
		header = append(header, tr.ROIID)
	}
	if err := w.Write(header); err != nil {
		return err
	}

	// Traces may differ in length when bad frames were skipped; index by
	// ordinal and emit the union.
	byOrdinal := map[int][]string{}
	var ordinals []int
	for col, tr := range traces {
		for _, p := range tr.Points {
			row, ok := byOrdinal[p.Ordinal]
			if !ok {
				row = make([]string, len(traces))
				byOrdinal[p.Ordinal] = row
				ordinals = append(ordinals, p.Ordinal)
			}
			row[col] = strconv.FormatFloat(p.Value, 'g', -1, 64)
		}
	}
	sort.Ints(ordinals)
	for _, o := range ordinals {
		rec := append([]string{strconv.Itoa(o)}, byOrdinal[o]...)
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func printTraces(traces []roi.Trace) {
	for _, tr := range traces {
		label := tr.Label
		if label != "" {
			label = " (" + label + ")"
		}
		fmt.Printf("ROI %s%s: %d points\n", tr.ROIID, label, len(tr.Points))
		for _, p := range tr.Points {
			fmt.Printf("  %6d  %.4f\n", p.Ordinal, p.Value)
		}
	}
}
