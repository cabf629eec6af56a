package haarcascade

import (
	"image"
	"math"
)

// Image is a row-major grid of float64 samples.
// An Image is owned by its holder; methods mutating it are not safe for concurrent use.
type Image struct {
	Width  int
	Height int
	Pix    []float64
}

// NewImage allocates a zero filled image of the given height and width.
func NewImage(h, w int) *Image {
	return &Image{
		Width:  w,
		Height: h,
		Pix:    make([]float64, w*h),
	}
}

// ImageFromRows builds an image from a slice of equally sized rows.
// Rows shorter than the first one are zero padded.
func ImageFromRows(rows [][]float64) *Image {
	if len(rows) == 0 {
		return NewImage(0, 0)
	}
	img := NewImage(len(rows), len(rows[0]))
	for y, row := range rows {
		copy(img.Pix[y*img.Width:(y+1)*img.Width], row)
	}
	return img
}

// FromGray converts a grayscale image into an Image holding values in the [0, 255] range.
func FromGray(src *image.Gray) *Image {
	bounds := src.Bounds()
	img := NewImage(bounds.Dy(), bounds.Dx())
	for y := 0; y < img.Height; y++ {
		for x := 0; x < img.Width; x++ {
			img.Pix[y*img.Width+x] = float64(src.Pix[src.PixOffset(bounds.Min.X+x, bounds.Min.Y+y)])
		}
	}
	return img
}

// Gray returns an 8-bit representation of the image, mapping the minimum to black and the maximum to white.
func (img *Image) Gray() *image.Gray {
	dst := image.NewGray(image.Rect(0, 0, img.Width, img.Height))
	if len(img.Pix) == 0 {
		return dst
	}
	lo, hi := img.Pix[0], img.Pix[0]
	for _, v := range img.Pix {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	span := hi - lo
	for y := 0; y < img.Height; y++ {
		for x := 0; x < img.Width; x++ {
			var v float64
			if span > 0 {
				v = (img.Pix[y*img.Width+x] - lo) / span * 255
			}
			dst.Pix[y*dst.Stride+x] = uint8(math.Round(v))
		}
	}
	return dst
}

// At returns the sample at row y and column x.
func (img *Image) At(y, x int) float64 {
	return img.Pix[y*img.Width+x]
}

// Set stores v at row y and column x.
func (img *Image) Set(y, x int, v float64) {
	img.Pix[y*img.Width+x] = v
}

// Clone returns a deep copy of the image.
func (img *Image) Clone() *Image {
	dst := NewImage(img.Height, img.Width)
	copy(dst.Pix, img.Pix)
	return dst
}

// Integral computes the summed area table of the image.
// The result is one row and one column larger than the source; its first row
// and column are zero and entry (y+1, x+1) holds the sum of every source
// sample above and to the left of (y, x) inclusive.
func (img *Image) Integral() *Image {
	w := img.Width + 1
	ii := NewImage(img.Height+1, w)
	for y := 0; y < img.Height; y++ {
		var rowSum float64
		for x := 0; x < img.Width; x++ {
			rowSum += img.Pix[y*img.Width+x]
			ii.Pix[(y+1)*w+x+1] = ii.Pix[y*w+x+1] + rowSum
		}
	}
	return ii
}

// RevertIntegral recovers the source image from a summed area table.
func (img *Image) RevertIntegral() *Image {
	if img.Width < 1 || img.Height < 1 {
		return NewImage(0, 0)
	}
	w := img.Width
	dst := NewImage(img.Height-1, img.Width-1)
	for y := 0; y < dst.Height; y++ {
		for x := 0; x < dst.Width; x++ {
			dst.Pix[y*dst.Width+x] = img.Pix[(y+1)*w+x+1] - img.Pix[y*w+x+1] -
				img.Pix[(y+1)*w+x] + img.Pix[y*w+x]
		}
	}
	return dst
}

// RectSum returns the sum of the source samples inside the rectangle
// anchored at (x, y) with the given width and height. The receiver must be an
// integral image.
func (img *Image) RectSum(x, y, w, h int) float64 {
	stride := img.Width
	return img.Pix[(y+h)*stride+x+w] - img.Pix[y*stride+x+w] -
		img.Pix[(y+h)*stride+x] + img.Pix[y*stride+x]
}

// NormalizeMax rescales the image in place so that its largest sample equals max.
// An image whose largest sample is zero is left untouched.
func (img *Image) NormalizeMax(max float64) {
	if len(img.Pix) == 0 {
		return
	}
	hi := img.Pix[0]
	for _, v := range img.Pix {
		hi = math.Max(hi, v)
	}
	if hi == 0 {
		return
	}
	ratio := max / hi
	for i := range img.Pix {
		img.Pix[i] *= ratio
	}
}

// NormalizeStd converts every sample into its z-score.
// A zero deviation is treated as one so the result never holds NaN.
func (img *Image) NormalizeStd(mean, std float64) {
	if std == 0 || math.IsNaN(std) {
		std = 1
	}
	for i := range img.Pix {
		img.Pix[i] = (img.Pix[i] - mean) / std
	}
}

// CropIntegral copies the sub-table of an integral image covering a w×h
// source rectangle anchored at (x, y). Rectangle sums computed on the copy
// match the ones computed on the receiver.
func (img *Image) CropIntegral(x, y, w, h int) *Image {
	dst := NewImage(h+1, w+1)
	for r := 0; r <= h; r++ {
		src := (y+r)*img.Width + x
		copy(dst.Pix[r*dst.Width:(r+1)*dst.Width], img.Pix[src:src+w+1])
	}
	return dst
}
