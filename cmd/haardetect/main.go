package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/Sean-McConnachie/haarcascade"
	"github.com/Sean-McConnachie/haarcascade/utils"
	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"
	"golang.org/x/image/bmp"
	"golang.org/x/term"
)

const HelpBanner = `
┬ ┬┌─┐┌─┐┬─┐  ┌┬┐┌─┐┌┬┐┌─┐┌─┐┌┬┐
├─┤├─┤├─┤├┬┘   ││├┤  │ ├┤ │   │
┴ ┴┴ ┴┴ ┴┴└─  ─┴┘└─┘ ┴ └─┘└─┘ ┴

Haar cascade object detector.
    Version: %s

`

// pipeName is the file name that indicates stdin/stdout is being used.
const pipeName = "-"

// maxWorkers sets the maximum number of concurrently running workers.
const maxWorkers = 20

// result holds the outcome of processing one image.
type result struct {
	path  string
	faces int
	err   error
}

var (
	// imgurl holds the file being accessed be it normal file or pipe name.
	imgurl *os.File
	// spinner used to instantiate and call the progress indicator.
	spinner *utils.Spinner
	// logger receives the detector diagnostics.
	logger zerolog.Logger
)

// Version indicates the current build version.
var Version string

var (
	// Flags
	source      = flag.String("in", pipeName, "Source image, directory or URL")
	destination = flag.String("out", pipeName, "Destination image or directory")
	cascadeDir  = flag.String("cascade", "cascade", "Directory holding the trained cascade")
	window      = flag.Int("window", 24, "Detection window used when the cascade has no manifest")
	scaleFactor = flag.Float64("scale", 1.25, "Multiplicative step between detection scales")
	shiftFactor = flag.Float64("shift", 0.05, "Sliding step as a fraction of the window")
	iou         = flag.Float64("iou", 0.2, "Intersection over union threshold for clustering")
	maxSize     = flag.Int("max", 0, "Fit the image into a max×max square before detection (0 keeps it)")
	boxColor    = flag.String("color", "#00ff00", "Box color in hex notation")
	labels      = flag.Bool("labels", false, "Print the detection score above each box")
	thresholds  = flag.Bool("thresholds", false, "Reject windows with the trained stage thresholds")
	verbose     = flag.Bool("v", false, "Verbose logging")
	workers     = flag.Int("conc", runtime.NumCPU(), "Number of files to process concurrently")
)

// detector groups what every processed image shares.
type detector struct {
	cascade *haarcascade.Cascade
	cfg     haarcascade.Config
}

func main() {
	log.SetFlags(0)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, HelpBanner, Version)
		flag.PrintDefaults()
	}
	flag.Parse()

	level := zerolog.WarnLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).With().Timestamp().Logger()

	cascade, err := haarcascade.LoadCascade(*cascadeDir, *window)
	if err != nil {
		log.Fatalf(
			utils.DecorateText("Failed to load the cascade: %v", utils.ErrorMessage),
			utils.DecorateText(err.Error(), utils.DefaultMessage),
		)
	}
	cfg := haarcascade.DefaultConfig()
	cfg.WindowSize = cascade.Window
	cfg.ScaleFactor = *scaleFactor
	cfg.ShiftFactor = *shiftFactor
	if err := cfg.Validate(); err != nil {
		log.Fatal(utils.DecorateText(err.Error(), utils.ErrorMessage))
	}
	det := &detector{cascade: cascade, cfg: cfg}
	logger.Info().
		Int("stages", len(cascade.Stages)).
		Int("classifiers", cascade.Classifiers()).
		Int("window", cascade.Window).
		Msg("cascade loaded")

	spinnerText := fmt.Sprintf("%s %s",
		utils.DecorateText("⚡ HAARDETECT", utils.StatusMessage),
		utils.DecorateText("is scanning the image...", utils.DefaultMessage))
	spinner = utils.NewSpinner(spinnerText, time.Millisecond*200, true)

	// Supported files
	validExtensions := []string{".jpg", ".png", ".jpeg", ".bmp"}

	var fs os.FileInfo
	// Check if source path is a local image or URL.
	if utils.IsValidUrl(*source) {
		src, err := utils.DownloadImage(*source)
		if err != nil {
			log.Fatalf(
				utils.DecorateText("Failed to download the source image: %v", utils.ErrorMessage),
				utils.DecorateText(err.Error(), utils.DefaultMessage),
			)
		}
		defer os.Remove(src.Name())
		defer src.Close()

		if fs, err = src.Stat(); err != nil {
			log.Fatalf(
				utils.DecorateText("Failed to load the source image: %v", utils.ErrorMessage),
				utils.DecorateText(err.Error(), utils.DefaultMessage),
			)
		}
		imgurl = src
	} else {
		// Check if the source is a pipe name or a regular file.
		if *source == pipeName {
			fs, err = os.Stdin.Stat()
		} else {
			fs, err = os.Stat(*source)
		}
		if err != nil {
			log.Fatalf(
				utils.DecorateText("Failed to load the source image: %v", utils.ErrorMessage),
				utils.DecorateText(err.Error(), utils.DefaultMessage),
			)
		}
	}

	// Capture CTRL-C signal and restore the cursor visibility back.
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signalChan
		spinner.RestoreCursor()
		os.Exit(1)
	}()

	now := time.Now()

	switch mode := fs.Mode(); {
	case mode.IsDir():
		var wg sync.WaitGroup
		// Read destination file or directory.
		if _, err := os.Stat(*destination); err != nil {
			if err := os.Mkdir(*destination, 0755); err != nil {
				log.Fatalf(
					utils.DecorateText("Unable to get dir stats: %v\n", utils.ErrorMessage),
					utils.DecorateText(err.Error(), utils.DefaultMessage),
				)
			}
		}

		// Limit the concurrently running workers to maxWorkers.
		if *workers <= 0 || *workers > maxWorkers {
			*workers = runtime.NumCPU()
		}

		// Process recursively the image files from the specified directory concurrently.
		ch := make(chan result)
		done := make(chan struct{})
		defer close(done)

		paths, errc := walkDir(done, *source, validExtensions)

		spinner.Start()
		wg.Add(*workers)
		for i := 0; i < *workers; i++ {
			go func() {
				defer wg.Done()
				consumer(done, paths, *destination, det, ch)
			}()
		}

		// Close the channel after the values are consumed.
		go func() {
			defer close(ch)
			wg.Wait()
		}()

		var results []result
		for res := range ch {
			spinner.Inc()
			results = append(results, res)
		}
		spinner.StopMsg = fmt.Sprintf("%s %s\n",
			utils.DecorateText("⚡ HAARDETECT", utils.StatusMessage),
			utils.DecorateText("scanned the images ✔", utils.DefaultMessage))
		spinner.Stop()

		for _, res := range results {
			printStatus(res)
		}
		if err := <-errc; err != nil {
			fmt.Fprint(os.Stderr, utils.DecorateText(err.Error(), utils.ErrorMessage))
		}

	case mode.IsRegular() || mode&os.ModeNamedPipe != 0: // check for regular files or pipe names
		ext := filepath.Ext(*destination)
		if !utils.Contains(validExtensions, ext) && *destination != pipeName {
			log.Fatal(utils.DecorateText(fmt.Sprintf("%v file type not supported", ext), utils.ErrorMessage))
		}

		spinner.Start()
		faces, err := processor(*source, *destination, det)
		spinner.StopMsg = fmt.Sprintf("%s %s\n",
			utils.DecorateText("⚡ HAARDETECT", utils.StatusMessage),
			utils.DecorateText("scanned the image ✔", utils.DefaultMessage))
		spinner.Stop()
		printStatus(result{path: *destination, faces: faces, err: err})
	}
	fmt.Fprintf(os.Stderr, "\nExecution time: %s\n",
		utils.DecorateText(utils.FormatTime(time.Since(now)), utils.SuccessMessage))
}

// walkDir starts a goroutine to walk the specified directory tree in recursive manner
// and send the path of each supported image on the string channel.
// It sends the result of the walk on the error channel.
// It terminates in case done channel is closed.
func walkDir(
	done <-chan struct{},
	src string,
	srcExts []string,
) (<-chan string, <-chan error) {
	pathChan := make(chan string)
	errChan := make(chan error, 1)

	go func() {
		// Close the paths channel after Walk returns.
		defer close(pathChan)

		errChan <- filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if !info.Mode().IsRegular() || !utils.Contains(srcExts, filepath.Ext(info.Name())) {
				return nil
			}
			select {
			case <-done:
				return errors.New("directory walk cancelled")
			case pathChan <- path:
			}
			return nil
		})
	}()
	return pathChan, errChan
}

// consumer reads the path names from the paths channel, runs the detector
// against each image and sends the results on a new channel.
func consumer(
	done <-chan struct{},
	paths <-chan string,
	dest string,
	det *detector,
	res chan<- result,
) {
	for src := range paths {
		dst := filepath.Join(dest, filepath.Base(src))
		faces, err := processor(src, dst, det)

		select {
		case <-done:
			return
		case res <- result{
			path:  src,
			faces: faces,
			err:   err,
		}:
		}
	}
}

// processor detects the objects of the source image and writes the annotated
// copy to the destination. It returns the number of clustered detections.
func processor(in, out string, det *detector) (int, error) {
	src, dst, err := pathToFile(in, out)
	if err != nil {
		return 0, err
	}
	defer closeIfFile(src)
	defer closeIfFile(dst)

	img, _, err := image.Decode(src)
	if err != nil {
		return 0, fmt.Errorf("unable to decode the source image: %w", err)
	}
	if *maxSize > 0 {
		img = imaging.Fit(img, *maxSize, *maxSize, imaging.Lanczos)
	}

	gray := haarcascade.FromImage(img)
	d, err := haarcascade.NewDetector(det.cascade, det.cfg, gray.Width, gray.Height)
	if err != nil {
		return 0, err
	}
	d.Logger = logger.With().Str("image", filepath.Base(in)).Logger()
	d.UseStageThresholds = *thresholds

	dets, err := d.Detect(context.Background(), gray)
	if err != nil {
		return 0, err
	}
	stats := d.Stats()
	dets = haarcascade.Cluster(dets, *iou)
	logger.Debug().
		Str("image", filepath.Base(in)).
		Int64("windows", stats.Windows).
		Int64("accepted", stats.Accepted).
		Ints64("rejected", stats.Rejected).
		Int("clusters", len(dets)).
		Msg("detection finished")

	annotated := haarcascade.DrawDetections(img, dets, *boxColor, *labels)
	return len(dets), encodeImage(dst, out, annotated)
}

// encodeImage encodes the image with the format matching the destination extension.
func encodeImage(w io.Writer, name string, img *image.NRGBA) error {
	switch ext := filepath.Ext(name); ext {
	case "", ".jpg", ".jpeg":
		return jpeg.Encode(w, img, &jpeg.Options{Quality: 100})
	case ".png":
		return png.Encode(w, img)
	case ".bmp":
		return bmp.Encode(w, img)
	default:
		return fmt.Errorf("unsupported image format %q", ext)
	}
}

func closeIfFile(v any) {
	if f, ok := v.(*os.File); ok && f != os.Stdin && f != os.Stdout {
		f.Close()
	}
}

// pathToFile converts the source and destination paths to readable and writable files.
func pathToFile(in, out string) (io.Reader, io.Writer, error) {
	var (
		src io.Reader
		dst io.Writer
		err error
	)
	// Check if the source path is a local image or URL.
	if utils.IsValidUrl(in) {
		src = imgurl
	} else {
		// Check if the source is a pipe name or a regular file.
		if in == pipeName {
			if term.IsTerminal(int(os.Stdin.Fd())) {
				return nil, nil, errors.New("`-` should be used with a pipe for stdin")
			}
			src = os.Stdin
		} else {
			src, err = os.Open(in)
			if err != nil {
				return nil, nil, fmt.Errorf("unable to open the source file: %w", err)
			}
		}
	}

	// Check if the destination is a pipe name or a regular file.
	if out == pipeName {
		if term.IsTerminal(int(os.Stdout.Fd())) {
			closeIfFile(src)
			return nil, nil, errors.New("`-` should be used with a pipe for stdout")
		}
		dst = os.Stdout
	} else {
		dst, err = os.OpenFile(out, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
		if err != nil {
			closeIfFile(src)
			return nil, nil, fmt.Errorf("unable to create the destination file: %w", err)
		}
	}
	return src, dst, nil
}

// printStatus displays the relevant information about the detection process.
func printStatus(res result) {
	if res.err != nil {
		fmt.Fprintf(os.Stderr, "%s%s",
			utils.DecorateText(fmt.Sprintf("\nError scanning %s", filepath.Base(res.path)), utils.ErrorMessage),
			utils.DecorateText(fmt.Sprintf("\n\tReason: %v\n", res.err), utils.DefaultMessage),
		)
		return
	}
	if res.path != pipeName {
		fmt.Fprintf(os.Stderr, "\n%s: %s %s\n",
			filepath.Base(res.path),
			utils.DecorateText(fmt.Sprintf("%d detections", res.faces), utils.SuccessMessage),
			utils.DefaultColor,
		)
	}
}
