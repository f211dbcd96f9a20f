package register

import "gonum.org/v1/gonum/dsp/fourier"

// fft2 performs 2-D FFTs as a row pass followed by a column pass, with one
// gonum plan per dimension. Plans are reusable but not goroutine-safe, so
// each Registrar owns its own.
type fft2 struct {
	w, h    int
	rowPlan *fourier.CmplxFFT
	colPlan *fourier.CmplxFFT
	rowOut  []complex128
	colIn   []complex128
	colOut  []complex128
}

func newFFT2(w, h int) *fft2 {
	return &fft2{
		w:       w,
		h:       h,
		rowPlan: fourier.NewCmplxFFT(w),
		colPlan: fourier.NewCmplxFFT(h),
		rowOut:  make([]complex128, w),
		colIn:   make([]complex128, h),
		colOut:  make([]complex128, h),
	}
}

// forward transforms a row-major real plane into its 2-D spectrum.
func (t *fft2) forward(plane []float64) []complex128 {
	freq := make([]complex128, t.w*t.h)
	for i, v := range plane {
		freq[i] = complex(v, 0)
	}
	t.apply(freq, false)
	return freq
}

// inverse transforms a spectrum back to a real plane, discarding the
// (numerically negligible) imaginary parts and normalising by w*h.
func (t *fft2) inverse(freq []complex128) []float64 {
	tmp := make([]complex128, len(freq))
	copy(tmp, freq)
	t.apply(tmp, true)
	norm := 1 / float64(t.w*t.h)
	plane := make([]float64, len(freq))
	for i, v := range tmp {
		plane[i] = real(v) * norm
	}
	return plane
}

// apply runs the two 1-D passes in place over a row-major buffer. The gonum
// transforms are unnormalised; inverse callers divide by w*h.
func (t *fft2) apply(freq []complex128, inverse bool) {
	for y := 0; y < t.h; y++ {
		row := freq[y*t.w : (y+1)*t.w]
		if inverse {
			t.rowPlan.Sequence(t.rowOut, row)
		} else {
			t.rowPlan.Coefficients(t.rowOut, row)
		}
		copy(row, t.rowOut)
	}
	for x := 0; x < t.w; x++ {
		for y := 0; y < t.h; y++ {
			t.colIn[y] = freq[y*t.w+x]
		}
		if inverse {
			t.colPlan.Sequence(t.colOut, t.colIn)
		} else {
			t.colPlan.Coefficients(t.colOut, t.colIn)
		}
		for y := 0; y < t.h; y++ {
			freq[y*t.w+x] = t.colOut[y]
		}
	}
}
