package haarcascade

import (
	"image"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var goldenRows = [][]float64{
	{5, 2, 3, 4, 1},
	{1, 5, 4, 2, 3},
	{2, 2, 1, 3, 4},
	{3, 5, 6, 4, 5},
	{4, 1, 3, 2, 6},
}

func TestImage_IntegralGolden(t *testing.T) {
	assert := assert.New(t)

	ii := ImageFromRows(goldenRows).Integral()
	want := ImageFromRows([][]float64{
		{0, 0, 0, 0, 0, 0},
		{0, 5, 7, 10, 14, 15},
		{0, 6, 13, 20, 26, 30},
		{0, 8, 17, 25, 34, 42},
		{0, 11, 25, 39, 52, 65},
		{0, 15, 30, 47, 62, 81},
	})
	assert.Equal(want, ii)
	assert.Equal(6, ii.Width)
	assert.Equal(6, ii.Height)
}

func TestImage_IntegralMatchesBruteForce(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for range 20 {
		h, w := 1+rng.Intn(9), 1+rng.Intn(9)
		img := NewImage(h, w)
		for i := range img.Pix {
			img.Pix[i] = float64(rng.Intn(256))
		}
		ii := img.Integral()
		require.Equal(t, w+1, ii.Width)
		require.Equal(t, h+1, ii.Height)

		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				for rh := 1; y+rh <= h; rh++ {
					for rw := 1; x+rw <= w; rw++ {
						var sum float64
						for r := y; r < y+rh; r++ {
							for c := x; c < x+rw; c++ {
								sum += img.At(r, c)
							}
						}
						require.Equal(t, sum, ii.RectSum(x, y, rw, rh), "rect (%d,%d) %dx%d", x, y, rw, rh)
					}
				}
			}
		}
		assert.Equal(t, img, ii.RevertIntegral())
	}
}

func TestImage_CropIntegralKeepsRectSums(t *testing.T) {
	ii := ImageFromRows(goldenRows).Integral()
	crop := ii.CropIntegral(1, 2, 3, 3)

	assert.Equal(t, 4, crop.Width)
	assert.Equal(t, 4, crop.Height)
	assert.Equal(t, ii.RectSum(1, 2, 3, 3), crop.RectSum(0, 0, 3, 3))
	assert.Equal(t, ii.RectSum(2, 3, 2, 1), crop.RectSum(1, 1, 2, 1))
}

func TestImage_NormalizeMax(t *testing.T) {
	img := ImageFromRows(goldenRows)
	img.NormalizeMax(1)
	assert.InDelta(t, 1.0, img.At(4, 4), 1e-12)
	assert.InDelta(t, 5.0/6, img.At(0, 0), 1e-12)

	zero := NewImage(2, 2)
	zero.NormalizeMax(1)
	assert.Equal(t, []float64{0, 0, 0, 0}, zero.Pix)
}

func TestImage_NormalizeStd(t *testing.T) {
	assert := assert.New(t)

	img := ImageFromRows([][]float64{{1, 3}, {5, 7}})
	img.NormalizeStd(4, 2)
	assert.Equal([]float64{-1.5, -0.5, 0.5, 1.5}, img.Pix)

	flat := ImageFromRows([][]float64{{2, 2}})
	flat.NormalizeStd(2, 0)
	assert.Equal([]float64{0, 0}, flat.Pix)
}

func TestImage_CloneIsDeep(t *testing.T) {
	img := ImageFromRows(goldenRows)
	c := img.Clone()
	c.Set(0, 0, 100)

	assert.Equal(t, 5.0, img.At(0, 0))
	assert.Equal(t, 100.0, c.At(0, 0))
}

func TestImage_GrayConversion(t *testing.T) {
	assert := assert.New(t)

	src := image.NewGray(image.Rect(0, 0, 3, 2))
	copy(src.Pix, []uint8{0, 10, 20, 30, 40, 255})

	img := FromGray(src)
	assert.Equal(3, img.Width)
	assert.Equal(2, img.Height)
	assert.Equal(255.0, img.At(1, 2))

	back := img.Gray()
	assert.Equal(src.Pix, back.Pix)
}
