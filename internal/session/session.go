// Package session composes the container reader, registrar and ROI
// extractor into one analysis handle. A Session owns the container file
// handle and carries the tuning used by every operation started from it.
package session

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/lumenlab/flimgo/internal/config"
	"github.com/lumenlab/flimgo/internal/flim"
	"github.com/lumenlab/flimgo/internal/monitoring"
	"github.com/lumenlab/flimgo/internal/register"
	"github.com/lumenlab/flimgo/internal/roi"
)

// Session is a live analysis over one container. All state hangs off the
// Session value; there are no package globals.
type Session struct {
	// ID identifies this session in logs and persisted results.
	ID string

	container *flim.Container
	tuning    *config.TuningConfig
	extractor *roi.Extractor
	handles   []roi.Handle
}

// Options controls how the container behind a session is opened.
type Options struct {
	// Follow keeps the session reading past the current end of an
	// append-only container.
	Follow bool
}

// New opens the container at path and returns a session around it. A nil
// tuning uses defaults for every parameter.
func New(path string, tuning *config.TuningConfig, opts Options) (*Session, error) {
	if tuning == nil {
		tuning = config.EmptyTuningConfig()
	}
	c, err := flim.Open(path, &flim.OpenOptions{
		Follow:        opts.Follow,
		WaitTimeout:   tuning.GetFollowTimeout(),
		DecodeWorkers: tuning.GetDecodeWorkers(),
	})
	if err != nil {
		return nil, fmt.Errorf("session: open %s: %w", path, err)
	}

	s := &Session{
		ID:        uuid.NewString(),
		container: c,
		tuning:    tuning,
	}
	hdr := c.Header()
	agg, err := roi.ParseAggregation(tuning.GetAggregation())
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("session: %w", err)
	}
	s.extractor = roi.New(hdr, roi.Config{
		Aggregation:  agg,
		Channel:      tuning.GetChannel(),
		Workers:      tuning.GetExtractWorkers(),
		StrictDecode: tuning.GetStrictDecode(),
	})
	monitoring.Logf("session %s: opened %s (%s, %d frames)", s.ID, path, hdr.String(), c.FrameCount())
	return s, nil
}

// Container exposes the underlying container for direct frame access.
func (s *Session) Container() *flim.Container {
	return s.container
}

// Header returns the container header.
func (s *Session) Header() flim.Header {
	return s.container.Header()
}

// FrameCount returns the number of indexed frames.
func (s *Session) FrameCount() int {
	return s.container.FrameCount()
}

// Frame reads and decodes a single frame by ordinal.
func (s *Session) Frame(ctx context.Context, ordinal int) (*flim.Frame, error) {
	return s.container.ReadFrame(ctx, ordinal)
}

// Frames returns a sequence over [start, start+count). count < 0 means
// through the end of the container.
func (s *Session) Frames(start, count int) *flim.FrameSeq {
	return s.container.ReadRange(start, count)
}

// AddROI registers an ROI definition for later extraction.
func (s *Session) AddROI(def roi.Definition) (roi.Handle, error) {
	h, err := s.extractor.Register(def)
	if err != nil {
		return h, err
	}
	s.handles = append(s.handles, h)
	return h, nil
}

// ROIs returns the handles registered so far, in registration order.
func (s *Session) ROIs() []roi.Handle {
	out := make([]roi.Handle, len(s.handles))
	copy(out, s.handles)
	return out
}

// RunRegistration aligns every frame against the reference chosen by the
// tuning (single frame or mean of the first K) and returns the run result.
func (s *Session) RunRegistration(ctx context.Context) (*register.Result, error) {
	resample, err := parseResample(s.tuning.GetResampling())
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	reg := register.New(register.Config{
		Channel:           s.tuning.GetChannel(),
		ResidualThreshold: s.tuning.GetResidualThreshold(),
		Resample:          resample,
		StrictDecode:      s.tuning.GetStrictDecode(),
	})

	switch strategy := s.tuning.GetReferenceStrategy(); strategy {
	case "single":
		ref, err := s.container.ReadFrame(ctx, s.tuning.GetReferenceOrdinal())
		if err != nil {
			return nil, fmt.Errorf("session: reference frame: %w", err)
		}
		if err := reg.SelectReference(ref); err != nil {
			return nil, fmt.Errorf("session: %w", err)
		}
	case "mean-k":
		k := s.tuning.GetReferenceFrames()
		src := s.container.ReadRange(0, k)
		if err := reg.SelectReferenceAggregate(ctx, src, k); err != nil {
			return nil, fmt.Errorf("session: %w", err)
		}
	default:
		return nil, fmt.Errorf("session: unknown reference strategy %q", strategy)
	}

	res, err := reg.Run(ctx, s.container.ReadRange(0, -1))
	if err != nil {
		return nil, fmt.Errorf("session: registration: %w", err)
	}
	monitoring.Logf("session %s: registration run %s aligned %d frames", s.ID, res.RunID, len(res.Frames))
	return res, nil
}

// ExtractTraces runs one batched extraction over the given handles. A nil
// handle list extracts every registered ROI. reg may be nil for
// unregistered extraction.
func (s *Session) ExtractTraces(ctx context.Context, handles []roi.Handle, reg *register.Result) ([]roi.Trace, error) {
	if handles == nil {
		handles = s.handles
	}
	if len(handles) == 0 {
		return nil, fmt.Errorf("session: no ROIs registered")
	}
	traces, err := s.extractor.Extract(ctx, handles, s.container.ReadRange(0, -1), reg)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	return traces, nil
}

// Close releases the container handle. Safe to call twice.
func (s *Session) Close() error {
	return s.container.Close()
}

func parseResample(s string) (register.ResamplePolicy, error) {
	switch s {
	case "bilinear":
		return register.Bilinear, nil
	case "nearest":
		return register.Nearest, nil
	}
	return 0, fmt.Errorf("unknown resampling policy %q", s)
}
