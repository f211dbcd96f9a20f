// Package roi extracts per-frame intensity traces for regions of interest.
// ROIs are polygons or boolean masks; polygon rasterization uses the
// pixel-center even-odd rule so repeated extractions are bit-identical.
package roi

import (
	"errors"
	"fmt"
)

// ErrInvalidShape is returned when an ROI definition cannot be rasterized:
// a self-intersecting or degenerate polygon, or a mask whose size does not
// match the container geometry.
var ErrInvalidShape = errors.New("roi: invalid shape")

// Point is a polygon vertex in pixel coordinates.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Definition describes one region of interest. Exactly one of Vertices or
// Mask is set. Definitions are immutable once registered with an Extractor.
type Definition struct {
	ID       string  `json:"id"`
	Label    string  `json:"label,omitempty"`
	Vertices []Point `json:"polygon,omitempty"`
	Mask     []bool  `json:"-"`
}

// Polygon builds a polygon ROI. The polygon is implicitly closed.
func Polygon(id, label string, vertices []Point) Definition {
	return Definition{ID: id, Label: label, Vertices: vertices}
}

// MaskROI builds a mask ROI; the mask must have width*height elements in
// row-major order for the container it is used with.
func MaskROI(id, label string, mask []bool) Definition {
	return Definition{ID: id, Label: label, Mask: mask}
}

// rasterize converts a definition into a footprint mask for a w×h frame.
func rasterize(def Definition, w, h int) ([]bool, error) {
	switch {
	case def.Mask != nil:
		if len(def.Mask) != w*h {
			return nil, fmt.Errorf("%w: mask has %d elements, container is %dx%d",
				ErrInvalidShape, len(def.Mask), w, h)
		}
		out := make([]bool, len(def.Mask))
		copy(out, def.Mask)
		return out, nil

	case len(def.Vertices) > 0:
		if len(def.Vertices) < 3 {
			return nil, fmt.Errorf("%w: polygon has %d vertices, need at least 3",
				ErrInvalidShape, len(def.Vertices))
		}
		if selfIntersects(def.Vertices) {
			return nil, fmt.Errorf("%w: polygon self-intersects", ErrInvalidShape)
		}
		mask := make([]bool, w*h)
		any := false
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				// Pixel-center even-odd rule: a pixel belongs to the ROI
				// when its centre lies inside the polygon.
				if pointInPolygon(float64(x)+0.5, float64(y)+0.5, def.Vertices) {
					mask[y*w+x] = true
					any = true
				}
			}
		}
		if !any {
			return nil, fmt.Errorf("%w: polygon covers no pixel centres", ErrInvalidShape)
		}
		return mask, nil

	default:
		return nil, fmt.Errorf("%w: definition %q has neither polygon nor mask", ErrInvalidShape, def.ID)
	}
}

// pointInPolygon implements the even-odd crossing rule for the implicitly
// closed polygon.
func pointInPolygon(px, py float64, verts []Point) bool {
	inside := false
	n := len(verts)
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		vi, vj := verts[i], verts[j]
		if (vi.Y > py) != (vj.Y > py) {
			xCross := vj.X + (py-vj.Y)/(vi.Y-vj.Y)*(vi.X-vj.X)
			if px < xCross {
				inside = !inside
			}
		}
	}
	return inside
}

// selfIntersects reports whether any two non-adjacent edges of the closed
// polygon properly cross.
func selfIntersects(verts []Point) bool {
	n := len(verts)
	edge := func(i int) (Point, Point) {
		return verts[i], verts[(i+1)%n]
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			// Skip adjacent edges (shared vertex), including the wrap pair.
			if j == i || (j+1)%n == i || (i+1)%n == j {
				continue
			}
			a1, a2 := edge(i)
			b1, b2 := edge(j)
			if segmentsCross(a1, a2, b1, b2) {
				return true
			}
		}
	}
	return false
}

func segmentsCross(p1, p2, q1, q2 Point) bool {
	d1 := cross(q1, q2, p1)
	d2 := cross(q1, q2, p2)
	d3 := cross(p1, p2, q1)
	d4 := cross(p1, p2, q2)
	return ((d1 > 0 && d2 < 0) || (d1 < 0 && d2 > 0)) &&
		((d3 > 0 && d4 < 0) || (d3 < 0 && d4 > 0))
}

func cross(a, b, c Point) float64 {
	return (b.X-a.X)*(c.Y-a.Y) - (b.Y-a.Y)*(c.X-a.X)
}
