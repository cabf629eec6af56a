package haarcascade

import (
	"errors"
	"fmt"
	"unsafe"
)

// ErrUnknownShape is returned when a shape tag does not name a Haar shape.
var ErrUnknownShape = errors.New("unknown feature shape")

// ErrEmptyCatalog is returned when no feature fits the detection window.
var ErrEmptyCatalog = errors.New("empty feature catalog")

// Shape identifies one of the rectangle-difference layouts.
type Shape uint8

const (
	Shape2H Shape = iota // two regions side by side
	Shape2V              // two regions stacked
	Shape3H              // three regions side by side
	Shape3V              // three regions stacked
	Shape4               // 2×2 checkerboard
)

// Shapes lists every shape in enumeration order.
var Shapes = []Shape{Shape2H, Shape2V, Shape3H, Shape3V, Shape4}

type shapeInfo struct {
	tag    string
	unitW  int
	unitH  int
	points func(x, y, w, h int) []Point
}

var shapeTable = [...]shapeInfo{
	Shape2H: {tag: "2h", unitW: 2, unitH: 1, points: points2H},
	Shape2V: {tag: "2v", unitW: 1, unitH: 2, points: points2V},
	Shape3H: {tag: "3h", unitW: 3, unitH: 1, points: points3H},
	Shape3V: {tag: "3v", unitW: 1, unitH: 3, points: points3V},
	Shape4:  {tag: "4r", unitW: 2, unitH: 2, points: points4},
}

// String returns the persisted tag of the shape.
func (s Shape) String() string {
	if int(s) < len(shapeTable) {
		return shapeTable[s].tag
	}
	return fmt.Sprintf("Shape(%d)", uint8(s))
}

// Unit returns the smallest width and height of the shape.
func (s Shape) Unit() (w, h int) {
	info := shapeTable[s]
	return info.unitW, info.unitH
}

func (s Shape) valid() bool {
	return int(s) < len(shapeTable)
}

// ParseShape maps a persisted tag back to its shape.
func ParseShape(tag string) (Shape, error) {
	for i, info := range shapeTable {
		if info.tag == tag {
			return Shape(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownShape, tag)
}

// Point is a signed corner lookup into an integral image.
type Point struct {
	X, Y int
	Coef float64
}

// rect appends the four corners of a region weighted by sign.
func rect(pts []Point, x, y, w, h int, sign float64) []Point {
	return append(pts,
		Point{x, y, sign},
		Point{x + w, y, -sign},
		Point{x, y + h, -sign},
		Point{x + w, y + h, sign},
	)
}

// points2H yields left minus right.
func points2H(x, y, w, h int) []Point {
	hw := w / 2
	pts := make([]Point, 0, 8)
	pts = rect(pts, x, y, hw, h, 1)
	return rect(pts, x+hw, y, hw, h, -1)
}

// points2V yields bottom minus top.
func points2V(x, y, w, h int) []Point {
	hh := h / 2
	pts := make([]Point, 0, 8)
	pts = rect(pts, x, y, w, hh, -1)
	return rect(pts, x, y+hh, w, hh, 1)
}

// points3H yields twice the middle band minus both outer bands.
func points3H(x, y, w, h int) []Point {
	tw := w / 3
	pts := make([]Point, 0, 12)
	pts = rect(pts, x, y, tw, h, -1)
	pts = rect(pts, x+tw, y, tw, h, 2)
	return rect(pts, x+2*tw, y, tw, h, -1)
}

func points3V(x, y, w, h int) []Point {
	th := h / 3
	pts := make([]Point, 0, 12)
	pts = rect(pts, x, y, w, th, -1)
	pts = rect(pts, x, y+th, w, th, 2)
	return rect(pts, x, y+2*th, w, th, -1)
}

// points4 yields the main diagonal minus the anti diagonal.
func points4(x, y, w, h int) []Point {
	hw, hh := w/2, h/2
	pts := make([]Point, 0, 16)
	pts = rect(pts, x, y, hw, hh, 1)
	pts = rect(pts, x+hw, y, hw, hh, -1)
	pts = rect(pts, x, y+hh, hw, hh, -1)
	return rect(pts, x+hw, y+hh, hw, hh, 1)
}

// Feature is a Haar-like feature placed inside the detection window.
type Feature struct {
	Shape  Shape
	X      int
	Y      int
	Width  int
	Height int
	Points []Point
}

// BoundsError reports a feature that reaches outside an integral image.
type BoundsError struct {
	Feature Feature
	Width   int
	Height  int
}

func (e *BoundsError) Error() string {
	f := e.Feature
	return fmt.Sprintf("feature %s at (%d,%d) size %dx%d exceeds integral image %dx%d",
		f.Shape, f.X, f.Y, f.Width, f.Height, e.Width, e.Height)
}

// NewFeature builds a feature and precomputes its corner lookups.
// Width and height must be positive multiples of the shape's unit.
func NewFeature(shape Shape, x, y, w, h int) (Feature, error) {
	if !shape.valid() {
		return Feature{}, fmt.Errorf("%w: %d", ErrUnknownShape, shape)
	}
	info := shapeTable[shape]
	if x < 0 || y < 0 || w <= 0 || h <= 0 {
		return Feature{}, fmt.Errorf("invalid %s feature geometry (%d,%d) %dx%d", info.tag, x, y, w, h)
	}
	if w%info.unitW != 0 || h%info.unitH != 0 {
		return Feature{}, fmt.Errorf("%s feature size %dx%d is not a multiple of %dx%d",
			info.tag, w, h, info.unitW, info.unitH)
	}
	return newFeature(shape, x, y, w, h), nil
}

func newFeature(shape Shape, x, y, w, h int) Feature {
	return Feature{
		Shape:  shape,
		X:      x,
		Y:      y,
		Width:  w,
		Height: h,
		Points: shapeTable[shape].points(x, y, w, h),
	}
}

// Fits reports whether every corner of the feature lies inside an integral
// image built from a w×h source.
func (f Feature) Fits(w, h int) bool {
	return f.X >= 0 && f.Y >= 0 && f.X+f.Width <= w && f.Y+f.Height <= h
}

// Response evaluates the feature on an integral image.
func (f Feature) Response(ii *Image) (float64, error) {
	if !f.Fits(ii.Width-1, ii.Height-1) {
		return 0, &BoundsError{Feature: f, Width: ii.Width, Height: ii.Height}
	}
	return f.response(ii, 0, 0), nil
}

// response is the unchecked fast path, reading the integral image at an offset.
func (f Feature) response(ii *Image, ox, oy int) float64 {
	var sum float64
	stride := ii.Width
	for _, p := range f.Points {
		sum += p.Coef * ii.Pix[(oy+p.Y)*stride+ox+p.X]
	}
	return sum
}

// Scale returns the feature with its anchor and size multiplied by s and
// truncated. Sizes are rounded down to a multiple of the shape unit so the
// regions stay the same size.
func (f Feature) Scale(s float64) Feature {
	uw, uh := f.Shape.Unit()
	w := int(float64(f.Width)*s) / uw * uw
	h := int(float64(f.Height)*s) / uh * uh
	if w < uw {
		w = uw
	}
	if h < uh {
		h = uh
	}
	return newFeature(f.Shape, int(float64(f.X)*s), int(float64(f.Y)*s), w, h)
}

// Area returns the number of source pixels covered by the feature.
func (f Feature) Area() int {
	return f.Width * f.Height
}

func (f Feature) String() string {
	return fmt.Sprintf("%s(%d,%d,%d,%d)", f.Shape, f.X, f.Y, f.Width, f.Height)
}

// Enumerate lists every feature of every shape fitting a window×window
// square. The order is deterministic: shape, width, height, row, column.
func Enumerate(window int) []Feature {
	var features []Feature
	for _, shape := range Shapes {
		uw, uh := shape.Unit()
		for w := uw; w <= window; w += uw {
			for h := uh; h <= window; h += uh {
				for y := 0; y+h <= window; y++ {
					for x := 0; x+w <= window; x++ {
						features = append(features, newFeature(shape, x, y, w, h))
					}
				}
			}
		}
	}
	return features
}

// Catalog is the read-only feature set shared by every learner of a cascade.
type Catalog struct {
	Window   int
	Features []Feature
}

// NewCatalog enumerates the features of a window.
func NewCatalog(window int) (*Catalog, error) {
	features := Enumerate(window)
	if len(features) == 0 {
		return nil, fmt.Errorf("%w: window %d", ErrEmptyCatalog, window)
	}
	return &Catalog{Window: window, Features: features}, nil
}

// Len returns the number of features.
func (c *Catalog) Len() int {
	return len(c.Features)
}

// MemoryFootprint approximates the bytes held by the catalog.
func (c *Catalog) MemoryFootprint() int {
	size := int(unsafe.Sizeof(*c))
	for _, f := range c.Features {
		size += int(unsafe.Sizeof(f)) + len(f.Points)*int(unsafe.Sizeof(Point{}))
	}
	return size
}

// Counts returns the number of features per shape.
func (c *Catalog) Counts() map[Shape]int {
	counts := make(map[Shape]int, len(Shapes))
	for _, f := range c.Features {
		counts[f.Shape]++
	}
	return counts
}
