package haarcascade

import (
	"context"
	"fmt"
	"image"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	"github.com/Sean-McConnachie/haarcascade/utils"
	"github.com/anthonynsimon/bild/adjust"
	"github.com/anthonynsimon/bild/effect"
	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"
)

const gamma = 2.2

// Stats holds the population mean and standard deviation of a sample set.
type Stats struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
}

// ComputeStats returns the population statistics of every sample of every image.
func ComputeStats(images []*Image) Stats {
	var n int
	for _, img := range images {
		n += len(img.Pix)
	}
	if n == 0 {
		return Stats{Std: 1}
	}
	values := make([]float64, 0, n)
	for _, img := range images {
		values = append(values, img.Pix...)
	}
	mean, std := stat.PopMeanStdDev(values, nil)
	return Stats{Mean: mean, Std: std}
}

// ListImages returns the regular files of dir whose content sniffs as an image.
// Files that cannot be read are skipped and logged.
func ListImages(dir string, log zerolog.Logger) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot list %s: %w", dir, err)
	}
	var paths []string
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		ctype, err := utils.DetectContentType(path)
		if err != nil {
			log.Warn().Err(err).Str("file", path).Msg("skipping unreadable file")
			continue
		}
		if strings.HasPrefix(ctype, "image/") {
			paths = append(paths, path)
		}
	}
	return paths, nil
}

// gleam converts an image to gray by averaging its gamma corrected channels.
func gleam(src image.Image) *image.Gray {
	corrected := adjust.Gamma(src, gamma)
	// bild keeps the result as RGBA with equal channels.
	rgba := effect.GrayscaleWithWeights(corrected, 1.0/3, 1.0/3, 1.0/3)
	b := rgba.Bounds()
	gray := image.NewGray(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			gray.Pix[gray.PixOffset(x, y)] = rgba.Pix[rgba.PixOffset(x, y)]
		}
	}
	return gray
}

func open(path string) (image.Image, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("cannot open image %s: %w", path, err)
	}
	return img, nil
}

// FromImage converts a decoded image of any color model to gray.
func FromImage(img image.Image) *Image {
	return FromGray(gleam(img))
}

// LoadGray decodes an image and converts it to gray.
func LoadGray(path string) (*Image, error) {
	img, err := open(path)
	if err != nil {
		return nil, err
	}
	return FromImage(img), nil
}

// OpenFace loads a positive window: the top FacesCropTop rows are removed,
// the centred square is kept and resized to the detection window.
func OpenFace(path string, cfg Config) (*Image, error) {
	img, err := open(path)
	if err != nil {
		return nil, err
	}
	b := img.Bounds()
	if b.Dy() <= cfg.FacesCropTop {
		return nil, fmt.Errorf("image %s is %d rows high, cannot crop %d", path, b.Dy(), cfg.FacesCropTop)
	}
	cropped := imaging.Crop(img, image.Rect(b.Min.X, b.Min.Y+cfg.FacesCropTop, b.Max.X, b.Max.Y))
	side := utils.Min(cropped.Bounds().Dx(), cropped.Bounds().Dy())
	square := imaging.CropCenter(cropped, side, side)
	resized := imaging.Resize(square, cfg.WindowSize, cfg.WindowSize, imaging.Lanczos)
	return FromGray(gleam(resized)), nil
}

// OpenBackground loads a negative sample from a random square crop at least
// as large as the detection window. With resize set the crop is scaled down
// to the window.
func OpenBackground(path string, cfg Config, rng *rand.Rand, resize bool) (*Image, error) {
	img, err := open(path)
	if err != nil {
		return nil, err
	}
	b := img.Bounds()
	maxSide := utils.Min(b.Dx(), b.Dy())
	if maxSide < cfg.WindowSize {
		return nil, fmt.Errorf("image %s is %dx%d, smaller than the window %d",
			path, b.Dx(), b.Dy(), cfg.WindowSize)
	}
	side := cfg.WindowSize + rng.Intn(maxSide-cfg.WindowSize+1)
	x := b.Min.X + rng.Intn(b.Dx()-side+1)
	y := b.Min.Y + rng.Intn(b.Dy()-side+1)

	var out image.Image = imaging.Crop(img, image.Rect(x, y, x+side, y+side))
	if resize && side != cfg.WindowSize {
		out = imaging.Resize(out, cfg.WindowSize, cfg.WindowSize, imaging.Lanczos)
	}
	return FromGray(gleam(out)), nil
}

// SampleData draws nFaces positives and nBgs negatives, with replacement,
// from the given files. Every window is rescaled so that its maximum is 1.
// The draws are taken from rng in order, so a seeded rng yields the same set.
func SampleData(ctx context.Context, cfg Config, faces, bgs []string, nFaces, nBgs int, rng *rand.Rand) (Samples, error) {
	if len(faces) == 0 || len(bgs) == 0 {
		return Samples{}, fmt.Errorf("%w: %d face files and %d background files",
			ErrNoSamples, len(faces), len(bgs))
	}

	type job struct {
		path string
		face bool
		rng  *rand.Rand
	}
	jobs := make([]job, 0, nFaces+nBgs)
	for i := 0; i < nFaces; i++ {
		jobs = append(jobs, job{path: faces[rng.Intn(len(faces))], face: true})
	}
	for i := 0; i < nBgs; i++ {
		jobs = append(jobs, job{path: bgs[rng.Intn(len(bgs))], rng: rand.New(rand.NewSource(rng.Int63()))})
	}

	s := Samples{
		Images: make([]*Image, len(jobs)),
		Labels: make([]int, len(jobs)),
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.workers())
	for i, j := range jobs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			var (
				img *Image
				err error
			)
			if j.face {
				img, err = OpenFace(j.path, cfg)
				s.Labels[i] = 1
			} else {
				img, err = OpenBackground(j.path, cfg, j.rng, true)
			}
			if err != nil {
				return err
			}
			img.NormalizeMax(1)
			s.Images[i] = img
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Samples{}, err
	}
	return s, nil
}
