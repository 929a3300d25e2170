/**
 * Geometry primitives for page layout correlation
 *
 * Axis-aligned rectangles in page-point coordinates (72 points = 1 inch),
 * with the overlap and proximity tests used to correlate image placements
 * with positioned text blocks.
 */

package geometry

import (
	"fmt"
	"math"

	"github.com/tsawler/tabula/model"

	"github.com/adverant/nexus/visual-triage-worker/internal/errors"
)

// Rect is an axis-aligned bounding box (x0, y0, x1, y1) in page points
type Rect struct {
	X0 float64 `json:"x0"`
	Y0 float64 `json:"y0"`
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
}

// NewRect builds a rectangle from its four coordinates
func NewRect(x0, y0, x1, y1 float64) Rect {
	return Rect{X0: x0, Y0: y0, X1: x1, Y1: y1}
}

// FromSlice builds a rectangle from a [x0, y0, x1, y1] slice, the shape
// extractors usually serialize bounding boxes in
func FromSlice(coords []float64) (Rect, error) {
	if len(coords) != 4 {
		return Rect{}, errors.NewGeometryError("", fmt.Sprintf("bbox needs 4 coordinates, got %d", len(coords)))
	}
	r := NewRect(coords[0], coords[1], coords[2], coords[3])
	if err := r.Validate(); err != nil {
		return Rect{}, err
	}
	return r, nil
}

// Width returns x1 - x0
func (r Rect) Width() float64 { return r.X1 - r.X0 }

// Height returns y1 - y0
func (r Rect) Height() float64 { return r.Y1 - r.Y0 }

// Area returns width * height (zero for degenerate rectangles)
func (r Rect) Area() float64 {
	w, h := r.Width(), r.Height()
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// Expand grows the rectangle by margin on all four sides
func (r Rect) Expand(margin float64) Rect {
	return Rect{
		X0: r.X0 - margin,
		Y0: r.Y0 - margin,
		X1: r.X1 + margin,
		Y1: r.Y1 + margin,
	}
}

// Slice returns the rectangle as [x0, y0, x1, y1]
func (r Rect) Slice() []float64 {
	return []float64{r.X0, r.Y0, r.X1, r.Y1}
}

// Validate reports a GeometryError for inverted or non-finite rectangles.
// Overlaps and Nearby never validate; callers that receive rectangles from
// an extractor validate once before using them.
func (r Rect) Validate() error {
	for _, v := range []float64{r.X0, r.Y0, r.X1, r.Y1} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.NewGeometryError("", fmt.Sprintf("non-finite coordinate in %s", r))
		}
	}
	if r.X1 < r.X0 || r.Y1 < r.Y0 {
		return errors.NewGeometryError("", fmt.Sprintf("inverted rectangle %s", r))
	}
	return nil
}

func (r Rect) String() string {
	return fmt.Sprintf("(%.1f,%.1f,%.1f,%.1f)", r.X0, r.Y0, r.X1, r.Y1)
}

// BBox converts the rectangle to the layout model's origin + size form
func (r Rect) BBox() model.BBox {
	return model.NewBBox(r.X0, r.Y0, r.Width(), r.Height())
}

// Overlaps reports whether a and b intersect. Rectangles are separated only
// when one lies strictly beyond the other on some axis.
func Overlaps(a, b Rect) bool {
	return a.BBox().Intersects(b.BBox())
}

// Nearby reports whether b intersects a expanded by margin on every side.
// A zero margin is exactly Overlaps.
func Nearby(a, b Rect, margin float64) bool {
	return a.BBox().Expand(margin).Intersects(b.BBox())
}
