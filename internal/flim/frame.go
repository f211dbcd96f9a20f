package flim

import "time"

// Frame is one decoded image frame. The pixel buffer is row-major with
// channels interleaved: index = (y*Width + x)*Channels + ch. Frames are
// caller-owned once returned; the container keeps no reference.
type Frame struct {
	Ordinal  int
	Width    int
	Height   int
	Channels int

	// Pix holds pixel values widened to uint16 regardless of the container
	// bit depth. 8-bit containers round-trip losslessly.
	Pix []uint16

	// Timestamp is the acquisition time; zero when the record carried none.
	Timestamp time.Time

	// Meta is the free-form per-frame acquisition metadata (exposure, laser
	// power, stage position, ...) validated against the header schema.
	// Values are string, int64, or float64.
	Meta map[string]any
}

// At returns the pixel value at (x, y) for the given channel. Callers must
// stay within bounds; this is a hot path and does no checking.
func (f *Frame) At(x, y, ch int) uint16 {
	return f.Pix[(y*f.Width+x)*f.Channels+ch]
}

// Plane returns the frame as a float64 plane for numeric work. ch selects a
// channel; ch == -1 sums across channels per pixel.
func (f *Frame) Plane(ch int) []float64 {
	out := make([]float64, f.Width*f.Height)
	if f.Channels == 1 {
		for i, v := range f.Pix {
			out[i] = float64(v)
		}
		return out
	}
	if ch >= 0 {
		for i := range out {
			out[i] = float64(f.Pix[i*f.Channels+ch])
		}
		return out
	}
	for i := range out {
		s := 0.0
		for c := 0; c < f.Channels; c++ {
			s += float64(f.Pix[i*f.Channels+c])
		}
		out[i] = s
	}
	return out
}

// Clone deep-copies the frame, including metadata.
func (f *Frame) Clone() *Frame {
	out := &Frame{
		Ordinal:   f.Ordinal,
		Width:     f.Width,
		Height:    f.Height,
		Channels:  f.Channels,
		Pix:       make([]uint16, len(f.Pix)),
		Timestamp: f.Timestamp,
	}
	copy(out.Pix, f.Pix)
	if f.Meta != nil {
		out.Meta = make(map[string]any, len(f.Meta))
		for k, v := range f.Meta {
			out.Meta[k] = v
		}
	}
	return out
}
