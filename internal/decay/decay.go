// Package decay fits exponential decay models to ROI intensity traces.
// Fluorescence recordings bleach over time; the fitted time constant and
// baseline summarise that decay per ROI. The model is
//
//	F(t) = A * exp(-t / tau) + C
//
// fitted by least squares over (time, intensity) samples.
package decay

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/optimize"
)

// ErrInsufficientData is returned when a trace has too few points, or no
// time span, to constrain the three model parameters.
var ErrInsufficientData = errors.New("decay: insufficient data for fit")

// Params of a mono-exponential decay.
type Params struct {
	Amplitude float64 // A, counts above baseline at t = 0
	Tau       float64 // time constant, seconds
	Baseline  float64 // C, asymptotic level
}

// Eval evaluates the model at time t (seconds).
func (p Params) Eval(t float64) float64 {
	return p.Amplitude*math.Exp(-t/p.Tau) + p.Baseline
}

// HalfLife returns the time for the decaying component to halve.
func (p Params) HalfLife() float64 {
	return p.Tau * math.Ln2
}

// Fit is the outcome of fitting a decay model to one trace.
type Fit struct {
	Params Params
	RSS    float64 // residual sum of squares at the optimum
}

// FitTrace fits a mono-exponential decay to values sampled at times
// (seconds, equal length, at least four points spanning a nonzero
// interval). The optimum is found by Nelder-Mead from a data-derived
// initial guess; tau is optimised in log space so it stays positive.
func FitTrace(times, values []float64) (Fit, error) {
	if len(times) != len(values) {
		return Fit{}, fmt.Errorf("decay: %d times for %d values", len(times), len(values))
	}
	if len(values) < 4 {
		return Fit{}, fmt.Errorf("%w: %d points", ErrInsufficientData, len(values))
	}
	span := times[len(times)-1] - times[0]
	if span <= 0 {
		return Fit{}, fmt.Errorf("%w: zero time span", ErrInsufficientData)
	}

	lo, hi := values[0], values[0]
	for _, v := range values {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	amp0 := values[0] - lo
	if amp0 <= 0 {
		amp0 = hi - lo
	}
	if amp0 <= 0 {
		amp0 = 1
	}

	// x = [A, log(tau), C]
	rss := func(x []float64) float64 {
		p := Params{Amplitude: x[0], Tau: math.Exp(x[1]), Baseline: x[2]}
		var sum float64
		for i, t := range times {
			d := values[i] - p.Eval(t-times[0])
			sum += d * d
		}
		return sum
	}

	x0 := []float64{amp0, math.Log(span / 3), lo}
	result, err := optimize.Minimize(optimize.Problem{Func: rss}, x0, nil, &optimize.NelderMead{})
	if err != nil {
		return Fit{}, fmt.Errorf("decay: fit: %w", err)
	}

	return Fit{
		Params: Params{
			Amplitude: result.X[0],
			Tau:       math.Exp(result.X[1]),
			Baseline:  result.X[2],
		},
		RSS: result.F,
	}, nil
}
