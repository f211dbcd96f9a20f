package roi

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"

	"github.com/lumenlab/flimgo/internal/flim"
	"github.com/lumenlab/flimgo/internal/monitoring"
	"github.com/lumenlab/flimgo/internal/register"
)

// Aggregation selects how pixel values inside an ROI footprint collapse to
// one scalar per frame.
type Aggregation int

const (
	// Sum totals the pixel values inside the footprint.
	Sum Aggregation = iota
	// Mean divides the sum by the footprint's pixel count.
	Mean
)

func (a Aggregation) String() string {
	switch a {
	case Sum:
		return "sum"
	case Mean:
		return "mean"
	}
	return "unknown"
}

// ParseAggregation parses "sum" or "mean".
func ParseAggregation(s string) (Aggregation, error) {
	switch s {
	case "sum":
		return Sum, nil
	case "mean":
		return Mean, nil
	}
	return 0, fmt.Errorf("roi: unknown aggregation %q", s)
}

// Config tunes an Extractor.
type Config struct {
	// Aggregation mode; Sum by default.
	Aggregation Aggregation

	// Channel selects the channel aggregated; -1 sums channels.
	Channel int

	// Workers bounds the transform+aggregate fan-out. Zero means GOMAXPROCS.
	Workers int

	// StrictDecode aborts the batch on the first corrupt frame. By default
	// corrupt frames are skipped and recorded on the returned traces.
	StrictDecode bool
}

// Handle identifies an ROI registered with an Extractor.
type Handle int

// TracePoint pairs a frame ordinal with the aggregated intensity.
type TracePoint struct {
	Ordinal int
	Value   float64
}

// SkippedFrame records a frame dropped from a batch extraction because its
// decode failed.
type SkippedFrame struct {
	Ordinal int // -1 when the source did not identify the frame
	Err     error
}

// Trace is the ordered intensity series of one ROI. Skipped lists the
// frames of the batch whose decode failed; their ordinals are absent from
// Points.
type Trace struct {
	ROIID   string
	Label   string
	Points  []TracePoint
	Skipped []SkippedFrame
}

// Values returns the trace values in ordinal order.
func (t Trace) Values() []float64 {
	out := make([]float64, len(t.Points))
	for i, p := range t.Points {
		out[i] = p.Value
	}
	return out
}

type compiledROI struct {
	def  Definition
	mask []bool
	area int
}

// Extractor computes per-frame intensity traces for registered ROIs. A
// batch of handles is extracted in a single pass over the frame source, so
// no frame is decoded more than once regardless of ROI count.
type Extractor struct {
	hdr  flim.Header
	cfg  Config
	mu   sync.Mutex
	rois []compiledROI
}

// New returns an Extractor for containers with the given header geometry.
func New(hdr flim.Header, cfg Config) *Extractor {
	return &Extractor{hdr: hdr, cfg: cfg}
}

// Register rasterizes and registers an ROI definition, returning its
// handle. The definition is validated against the container geometry.
func (e *Extractor) Register(def Definition) (Handle, error) {
	mask, err := rasterize(def, e.hdr.Width, e.hdr.Height)
	if err != nil {
		return -1, err
	}
	area := 0
	for _, in := range mask {
		if in {
			area++
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rois = append(e.rois, compiledROI{def: def, mask: mask, area: area})
	return Handle(len(e.rois) - 1), nil
}

// Definition returns the definition behind a handle.
func (e *Extractor) Definition(h Handle) (Definition, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if h < 0 || int(h) >= len(e.rois) {
		return Definition{}, false
	}
	return e.rois[h].def, true
}

// frameResult carries one frame's aggregates for every requested handle.
type frameResult struct {
	seq     int
	ordinal int
	values  []float64
}

// Extract drives one pass over the frame source and returns one Trace per
// handle, in handle order. When reg is non-nil each frame is resampled
// under its registered transform before aggregation, using the result's
// resampling policy. A corrupt frame is dropped and recorded on the traces
// rather than failing the batch, unless StrictDecode is set. Cancellation
// is checked between frames.
func (e *Extractor) Extract(ctx context.Context, handles []Handle, src flim.FrameSource, reg *register.Result) ([]Trace, error) {
	e.mu.Lock()
	batch := make([]compiledROI, len(handles))
	for i, h := range handles {
		if h < 0 || int(h) >= len(e.rois) {
			e.mu.Unlock()
			return nil, fmt.Errorf("roi: unknown handle %d", h)
		}
		batch[i] = e.rois[h]
	}
	e.mu.Unlock()
	if len(batch) == 0 {
		return nil, fmt.Errorf("roi: no handles given")
	}

	workers := e.cfg.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	type job struct {
		seq int
		f   *flim.Frame
	}
	frames := make(chan job, workers)
	results := make(chan frameResult, workers)

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Aggregation workers: transform (optional) + per-ROI reduction.
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range frames {
				f := j.f
				if reg != nil {
					if t, ok := reg.TransformFor(f.Ordinal); ok {
						f = register.ApplyTransform(f, t, reg.Resample)
					}
				}
				res := frameResult{seq: j.seq, ordinal: f.Ordinal, values: make([]float64, len(batch))}
				plane := f.Plane(e.cfg.Channel)
				for i, r := range batch {
					res.values[i] = aggregate(plane, r.mask, r.area, e.cfg.Aggregation)
				}
				select {
				case results <- res:
				case <-wctx.Done():
					return
				}
			}
		}()
	}

	var collected []frameResult
	var collectErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		for r := range results {
			collected = append(collected, r)
		}
	}()

	// Single pass over the source; each frame is dispatched exactly once.
	var skipped []SkippedFrame
	seq := 0
feed:
	for {
		f, err := src.Next(ctx)
		if err != nil {
			switch {
			case errors.Is(err, flim.ErrStreamEnded):
				break feed
			case errors.Is(err, flim.ErrCorruptFrame) && !e.cfg.StrictDecode:
				ord := -1
				var fe *flim.FrameError
				if errors.As(err, &fe) {
					ord = fe.Ordinal
				}
				skipped = append(skipped, SkippedFrame{Ordinal: ord, Err: err})
				monitoring.Logf("roi: skipping frame in batch: %v", err)
				continue
			default:
				collectErr = err
				break feed
			}
		}
		select {
		case frames <- job{seq: seq, f: f}:
			seq++
		case <-ctx.Done():
			collectErr = ctx.Err()
			break feed
		}
	}
	close(frames)
	wg.Wait()
	close(results)
	<-done

	if collectErr != nil {
		return nil, fmt.Errorf("roi: extract: %w", collectErr)
	}

	sort.Slice(collected, func(i, j int) bool { return collected[i].seq < collected[j].seq })

	traces := make([]Trace, len(batch))
	for i, r := range batch {
		traces[i] = Trace{
			ROIID:   r.def.ID,
			Label:   r.def.Label,
			Points:  make([]TracePoint, 0, len(collected)),
			Skipped: skipped,
		}
	}
	for _, fr := range collected {
		for i := range traces {
			traces[i].Points = append(traces[i].Points, TracePoint{Ordinal: fr.ordinal, Value: fr.values[i]})
		}
	}
	return traces, nil
}

// aggregate reduces the pixels inside the footprint. Iteration order is
// fixed (row-major), so repeated runs produce bit-identical values.
func aggregate(plane []float64, mask []bool, area int, mode Aggregation) float64 {
	var sum float64
	for i, in := range mask {
		if in {
			sum += plane[i]
		}
	}
	if mode == Mean && area > 0 {
		return sum / float64(area)
	}
	return sum
}
