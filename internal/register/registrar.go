package register

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/cmplx"

	"github.com/google/uuid"
	"github.com/lumenlab/flimgo/internal/flim"
	"github.com/lumenlab/flimgo/internal/monitoring"
)

// Alignment errors. A poor alignment is not an error: the transform is
// returned flagged low-confidence and downstream consumers decide.
var (
	// ErrDimensionMismatch is returned when a frame's dimensions differ
	// from the reference.
	ErrDimensionMismatch = errors.New("register: frame dimensions differ from reference")

	// ErrEmptyReference is returned when no reference has been selected or
	// the reference carries no signal.
	ErrEmptyReference = errors.New("register: empty reference")
)

// State tracks a registration run.
type State int

const (
	Idle State = iota
	ReferenceSelected
	Aligning
	Complete
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case ReferenceSelected:
		return "reference-selected"
	case Aligning:
		return "aligning"
	case Complete:
		return "complete"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// DefaultResidualThreshold flags alignments whose residual exceeds it as
// low-confidence when the config does not set a threshold.
const DefaultResidualThreshold = 0.5

// Config tunes a Registrar.
type Config struct {
	// Channel selects the channel used for alignment; -1 sums channels.
	Channel int

	// ResidualThreshold flags alignments with residual above it as
	// low-confidence. Zero means DefaultResidualThreshold.
	ResidualThreshold float64

	// Resample is the policy ApplyTransform uses when a RegistrationResult
	// built by this registrar is applied.
	Resample ResamplePolicy

	// StrictDecode fails a Run on the first corrupt frame. By default
	// corrupt frames are skipped and recorded on the Result.
	StrictDecode bool
}

func (c Config) threshold() float64 {
	if c.ResidualThreshold <= 0 {
		return DefaultResidualThreshold
	}
	return c.ResidualThreshold
}

// FrameAlignment is one frame's alignment against the reference.
type FrameAlignment struct {
	Ordinal       int
	Transform     Transform2D
	Residual      float64 // 1 - normalized correlation peak, in [0, 1]
	Score         float64 // normalized correlation peak, in [0, 1]
	LowConfidence bool
}

// SkippedFrame records a frame a run could not align because its decode
// failed.
type SkippedFrame struct {
	Ordinal int // -1 when the source did not identify the frame
	Err     error
}

// Result is the outcome of a registration run: one transform and residual
// per frame, plus the reference strategy used and the frames the run had
// to skip. Results are immutable value objects once returned.
type Result struct {
	RunID      string
	Strategy   string
	RefOrdinal int
	Threshold  float64
	Resample   ResamplePolicy
	Frames     []FrameAlignment
	Skipped    []SkippedFrame

	byOrdinal map[int]int
}

// TransformFor returns the transform computed for a frame ordinal.
func (r *Result) TransformFor(ordinal int) (Transform2D, bool) {
	i, ok := r.byOrdinal[ordinal]
	if !ok {
		return Transform2D{}, false
	}
	return r.Frames[i].Transform, true
}

// AlignmentFor returns the full alignment record for a frame ordinal.
func (r *Result) AlignmentFor(ordinal int) (FrameAlignment, bool) {
	i, ok := r.byOrdinal[ordinal]
	if !ok {
		return FrameAlignment{}, false
	}
	return r.Frames[i], true
}

// Registrar aligns frames to a reference image by phase correlation.
// Sub-pixel precision comes from quadratic interpolation of the correlation
// peak against its wrapped neighbours; ApplyTransform's bilinear resampling
// uses the same geometric model.
//
// A Registrar is not safe for concurrent Align calls; it owns its FFT
// plans. Run drives a whole sequence through one Registrar.
type Registrar struct {
	cfg        Config
	state      State
	w, h       int
	fft        *fft2
	refFreq    []complex128
	refOrdinal int
	strategy   string
}

// New returns a Registrar in the Idle state.
func New(cfg Config) *Registrar {
	return &Registrar{cfg: cfg, state: Idle, refOrdinal: -1}
}

// State returns the registrar's current state.
func (r *Registrar) State() State { return r.state }

// Strategy describes how the reference was selected; recorded in results.
func (r *Registrar) Strategy() string { return r.strategy }

// SelectReference designates a single frame as the registration reference.
func (r *Registrar) SelectReference(f *flim.Frame) error {
	if f == nil {
		return ErrEmptyReference
	}
	plane := f.Plane(r.cfg.Channel)
	return r.setReference(plane, f.Width, f.Height, f.Ordinal,
		fmt.Sprintf("single frame %d", f.Ordinal))
}

// SelectReferenceAggregate computes the reference as the mean of the first k
// frames of the source, reducing noise sensitivity versus a single frame.
func (r *Registrar) SelectReferenceAggregate(ctx context.Context, src flim.FrameSource, k int) error {
	if k <= 0 {
		return fmt.Errorf("register: aggregate reference needs k > 0, got %d", k)
	}
	var sum []float64
	var w, h, n, first int
	for n < k {
		f, err := src.Next(ctx)
		if err != nil {
			if errors.Is(err, flim.ErrStreamEnded) {
				break
			}
			return err
		}
		plane := f.Plane(r.cfg.Channel)
		if sum == nil {
			sum = plane
			w, h = f.Width, f.Height
			first = f.Ordinal
		} else {
			if f.Width != w || f.Height != h {
				return fmt.Errorf("%w: frame %d is %dx%d, reference %dx%d",
					ErrDimensionMismatch, f.Ordinal, f.Width, f.Height, w, h)
			}
			for i, v := range plane {
				sum[i] += v
			}
		}
		n++
	}
	if n == 0 {
		return ErrEmptyReference
	}
	inv := 1 / float64(n)
	for i := range sum {
		sum[i] *= inv
	}
	return r.setReference(sum, w, h, first, fmt.Sprintf("mean of first %d frames", n))
}

func (r *Registrar) setReference(plane []float64, w, h, ordinal int, strategy string) error {
	var energy float64
	for _, v := range plane {
		energy += v * v
	}
	if energy == 0 {
		return ErrEmptyReference
	}
	if r.fft == nil || r.w != w || r.h != h {
		r.fft = newFFT2(w, h)
	}
	r.w, r.h = w, h
	r.refFreq = r.fft.forward(plane)
	r.refOrdinal = ordinal
	r.strategy = strategy
	r.state = ReferenceSelected
	return nil
}

// Align estimates the 2-D shift mapping the frame onto the reference and
// returns it with a quality score (normalized correlation peak). A low
// score is reported, never an error; only dimension mismatches and a
// missing reference fail.
func (r *Registrar) Align(f *flim.Frame) (Transform2D, float64, error) {
	if r.state == Idle || r.refFreq == nil {
		return Transform2D{}, 0, ErrEmptyReference
	}
	if f.Width != r.w || f.Height != r.h {
		return Transform2D{}, 0, fmt.Errorf("%w: frame %d is %dx%d, reference %dx%d",
			ErrDimensionMismatch, f.Ordinal, f.Width, f.Height, r.w, r.h)
	}

	gFreq := r.fft.forward(f.Plane(r.cfg.Channel))

	// Normalized cross-power spectrum. For identical images the inverse
	// transform is a unit impulse at the shift.
	const eps = 1e-12
	cross := make([]complex128, len(gFreq))
	for i := range cross {
		v := r.refFreq[i] * cmplx.Conj(gFreq[i])
		if m := cmplx.Abs(v); m > eps {
			cross[i] = v / complex(m, 0)
		}
	}
	corr := r.fft.inverse(cross)

	peak := 0
	for i, v := range corr {
		if v > corr[peak] {
			peak = i
		}
	}
	px, py := peak%r.w, peak/r.w
	score := corr[peak]
	if score < 0 {
		score = 0
	} else if score > 1 {
		score = 1
	}

	// Quadratic sub-pixel refinement against the wrapped neighbours.
	cx := func(dx int) float64 { return corr[py*r.w+((px+dx+r.w)%r.w)] }
	cy := func(dy int) float64 { return corr[((py+dy+r.h)%r.h)*r.w+px] }
	fx := float64(px) + parabolicOffset(cx(-1), cx(0), cx(1))
	fy := float64(py) + parabolicOffset(cy(-1), cy(0), cy(1))

	t := Transform2D{
		DX:         -wrapSigned(fx, r.w),
		DY:         -wrapSigned(fy, r.h),
		Scale:      1,
		RefOrdinal: r.refOrdinal,
	}
	return t, score, nil
}

// parabolicOffset fits a parabola through three samples around the peak and
// returns the fractional offset of its vertex, clamped to [-0.5, 0.5].
func parabolicOffset(prev, at, next float64) float64 {
	den := prev - 2*at + next
	if math.Abs(den) < 1e-12 {
		return 0
	}
	d := 0.5 * (prev - next) / den
	if d > 0.5 {
		return 0.5
	}
	if d < -0.5 {
		return -0.5
	}
	return d
}

// wrapSigned maps a circular peak position into a signed shift in
// (-n/2, n/2].
func wrapSigned(pos float64, n int) float64 {
	half := float64(n) / 2
	for pos > half {
		pos -= float64(n)
	}
	for pos <= -half {
		pos += float64(n)
	}
	return pos
}

// Run aligns every frame of the source, producing a Result. Cancellation is
// cooperative between frames. A corrupt frame is skipped and recorded on
// the Result unless StrictDecode is set; low-confidence alignments are
// flagged, never errors.
func (r *Registrar) Run(ctx context.Context, src flim.FrameSource) (*Result, error) {
	if r.state == Idle {
		return nil, ErrEmptyReference
	}
	r.state = Aligning

	res := &Result{
		RunID:      uuid.NewString(),
		Strategy:   r.strategy,
		RefOrdinal: r.refOrdinal,
		Threshold:  r.cfg.threshold(),
		Resample:   r.cfg.Resample,
		byOrdinal:  make(map[int]int),
	}
	for {
		f, err := src.Next(ctx)
		if err != nil {
			if errors.Is(err, flim.ErrStreamEnded) {
				break
			}
			if errors.Is(err, flim.ErrCorruptFrame) && !r.cfg.StrictDecode {
				ord := -1
				var fe *flim.FrameError
				if errors.As(err, &fe) {
					ord = fe.Ordinal
				}
				res.Skipped = append(res.Skipped, SkippedFrame{Ordinal: ord, Err: err})
				monitoring.Logf("register: run %s skipping frame: %v", res.RunID, err)
				continue
			}
			r.state = Failed
			return nil, fmt.Errorf("register: run %s: %w", res.RunID, err)
		}
		t, score, err := r.Align(f)
		if err != nil {
			r.state = Failed
			return nil, err
		}
		fa := FrameAlignment{
			Ordinal:       f.Ordinal,
			Transform:     t,
			Score:         score,
			Residual:      1 - score,
			LowConfidence: 1-score > res.Threshold,
		}
		if fa.LowConfidence {
			monitoring.Logf("register: frame %d low confidence (residual %.3f)", f.Ordinal, fa.Residual)
		}
		res.byOrdinal[f.Ordinal] = len(res.Frames)
		res.Frames = append(res.Frames, fa)
	}
	r.state = Complete
	return res, nil
}
