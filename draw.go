package haarcascade

import (
	"image"
	"image/color"
	"strconv"

	"github.com/Sean-McConnachie/haarcascade/utils"
	"github.com/disintegration/imaging"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// DrawDetections returns a copy of img with a one pixel outline around every
// detection. The color is given in hex notation. With label set, the score
// of each detection is printed above its box.
func DrawDetections(img image.Image, dets []Detection, hex string, label bool) *image.NRGBA {
	dst := imaging.Clone(img)
	col := utils.HexToRGBA(hex)

	for _, det := range dets {
		r := det.Rect().Intersect(dst.Bounds())
		if r.Empty() {
			continue
		}
		for x := r.Min.X; x < r.Max.X; x++ {
			dst.SetNRGBA(x, r.Min.Y, col)
			dst.SetNRGBA(x, r.Max.Y-1, col)
		}
		for y := r.Min.Y; y < r.Max.Y; y++ {
			dst.SetNRGBA(r.Min.X, y, col)
			dst.SetNRGBA(r.Max.X-1, y, col)
		}
		if label {
			drawLabel(dst, r.Min, strconv.FormatFloat(det.Score, 'f', 2, 64), col)
		}
	}
	return dst
}

func drawLabel(dst *image.NRGBA, at image.Point, text string, col color.NRGBA) {
	face := basicfont.Face7x13
	y := at.Y - 2
	if y < face.Ascent {
		y = at.Y + face.Ascent + 1
	}
	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(col),
		Face: face,
		Dot:  fixed.P(at.X+1, y),
	}
	d.DrawString(text)
}
