package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/Sean-McConnachie/haarcascade"
	"github.com/Sean-McConnachie/haarcascade/utils"
	"github.com/rs/zerolog"
)

const HelpBanner = `
┬ ┬┌─┐┌─┐┬─┐  ┌┬┐┬─┐┌─┐┬┌┐┌
├─┤├─┤├─┤├┬┘   │ ├┬┘├─┤││││
┴ ┴┴ ┴┴ ┴┴└─   ┴ ┴└─┴ ┴┴┘└┘

Haar cascade trainer.
    Version: %s

`

// Version indicates the current build version.
var Version string

var (
	// Flags
	configPath  = flag.String("config", "", "JSON configuration file applied before the flags")
	facesDir    = flag.String("faces", "", "Directory of positive (face) images")
	bgsDir      = flag.String("backgrounds", "", "Directory of negative (background) images")
	valFacesDir = flag.String("val-faces", "", "Directory of validation faces (defaults to -faces)")
	valBgsDir   = flag.String("val-backgrounds", "", "Directory of validation backgrounds (defaults to -backgrounds)")
	destination = flag.String("out", "cascade", "Directory the trained cascade is written to")
	reportDir   = flag.String("report", "", "Directory for the training charts")
	verbose     = flag.Bool("v", false, "Verbose logging")

	window       = flag.Int("window", 24, "Detection window size")
	faces        = flag.Int("nfaces", 1000, "Number of training faces")
	backgrounds  = flag.Int("nbgs", 2000, "Number of training backgrounds")
	valFaces     = flag.Int("nvalfaces", 200, "Number of validation faces")
	valBgs       = flag.Int("nvalbgs", 400, "Number of validation backgrounds")
	cropTop      = flag.Int("crop", 0, "Rows removed from the top of every face image")
	maxFP        = flag.Float64("f", 0.5, "Maximum false positive rate per stage")
	minDet       = flag.Float64("d", 0.99, "Minimum detection rate per stage")
	targetFP     = flag.Float64("target", 0.01, "Target false positive rate of the cascade")
	step         = flag.Float64("step", 0.01, "Stage threshold decrement")
	maxStages    = flag.Int("stages", 20, "Maximum number of stages")
	maxWeak      = flag.Int("weak", 200, "Maximum number of weak classifiers per stage")
	statusEvery  = flag.Int("status", 1000, "Features between two progress reports")
	legacyTie    = flag.Bool("legacy-tie", false, "Use the legacy threshold search tie break")
	seed         = flag.Int64("seed", 1, "Seed of the sampling random source")
	trainWorkers = flag.Int("conc", 0, "Number of workers (0 uses every CPU)")
)

func main() {
	log.SetFlags(0)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, HelpBanner, Version)
		flag.PrintDefaults()
	}
	flag.Parse()

	if *facesDir == "" || *bgsDir == "" {
		flag.Usage()
		log.Fatal(utils.DecorateText("\nPlease provide the face and background directories!", utils.ErrorMessage))
	}

	level := zerolog.InfoLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).With().Timestamp().Logger()

	cfg, err := buildConfig()
	if err != nil {
		log.Fatal(utils.DecorateText(err.Error(), utils.ErrorMessage))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	now := time.Now()
	train, validation, err := sample(ctx, cfg, logger)
	if err != nil {
		log.Fatalf(
			utils.DecorateText("Failed to sample the training data: %v", utils.ErrorMessage),
			utils.DecorateText(err.Error(), utils.DefaultMessage),
		)
	}
	stats := haarcascade.ComputeStats(train.Images)
	logger.Info().
		Int("train", train.Len()).
		Int("validation", validation.Len()).
		Float64("mean", stats.Mean).
		Float64("std", stats.Std).
		Str("took", utils.FormatTime(time.Since(now))).
		Msg("samples loaded")

	catalog, err := haarcascade.NewCatalog(cfg.WindowSize)
	if err != nil {
		log.Fatal(utils.DecorateText(err.Error(), utils.ErrorMessage))
	}
	counts := catalog.Counts()
	logger.Info().
		Int("features", catalog.Len()).
		Int("bytes", catalog.MemoryFootprint()).
		Int("2h", counts[haarcascade.Shape2H]).
		Int("2v", counts[haarcascade.Shape2V]).
		Int("3h", counts[haarcascade.Shape3H]).
		Int("3v", counts[haarcascade.Shape3V]).
		Int("4r", counts[haarcascade.Shape4]).
		Msg("feature catalog built")

	trainer, err := haarcascade.NewTrainer(cfg, train, validation, stats, catalog)
	if err != nil {
		log.Fatal(utils.DecorateText(err.Error(), utils.ErrorMessage))
	}
	trainer.Logger = logger

	cascade, trainErr := trainer.Train(ctx)
	if trainErr != nil {
		logger.Error().Err(trainErr).Int("stages", len(cascade.Stages)).Msg("training interrupted")
	}
	if len(cascade.Stages) == 0 {
		log.Fatal(utils.DecorateText("No stage has been trained, nothing to save!", utils.ErrorMessage))
	}

	manifest, err := haarcascade.SaveCascade(*destination, cascade, trainer.History())
	if err != nil {
		log.Fatalf(
			utils.DecorateText("Failed to save the cascade: %v", utils.ErrorMessage),
			utils.DecorateText(err.Error(), utils.DefaultMessage),
		)
	}
	logger.Info().
		Str("run", manifest.RunID.String()).
		Str("dir", *destination).
		Int("stages", len(cascade.Stages)).
		Int("classifiers", cascade.Classifiers()).
		Msg("cascade saved")

	if *reportDir != "" {
		if err := report(*reportDir, cascade, trainer.History(), validation); err != nil {
			logger.Error().Err(err).Msg("unable to write the training report")
		}
	}

	fmt.Fprintf(os.Stderr, "\nTraining time: %s\n",
		utils.DecorateText(utils.FormatTime(time.Since(now)), utils.SuccessMessage))
	if trainErr != nil {
		os.Exit(1)
	}
}

// buildConfig applies the optional JSON file and then every flag set on the command line.
func buildConfig() (haarcascade.Config, error) {
	cfg := haarcascade.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = haarcascade.LoadConfig(*configPath); err != nil {
			return cfg, err
		}
	}

	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	override := func(name string, apply func()) {
		if set[name] || *configPath == "" {
			apply()
		}
	}
	override("window", func() { cfg.WindowSize = *window })
	override("nfaces", func() { cfg.Faces = *faces })
	override("nbgs", func() { cfg.Backgrounds = *backgrounds })
	override("nvalfaces", func() { cfg.ValidationFaces = *valFaces })
	override("nvalbgs", func() { cfg.ValidationBackgrounds = *valBgs })
	override("crop", func() { cfg.FacesCropTop = *cropTop })
	override("f", func() { cfg.MaxFalsePositive = *maxFP })
	override("d", func() { cfg.MinDetection = *minDet })
	override("target", func() { cfg.TargetFalsePositive = *targetFP })
	override("step", func() { cfg.ThresholdStep = *step })
	override("stages", func() { cfg.MaxStages = *maxStages })
	override("weak", func() { cfg.MaxWeakPerStage = *maxWeak })
	override("status", func() { cfg.StatusEvery = *statusEvery })
	override("seed", func() { cfg.Seed = *seed })
	override("legacy-tie", func() {
		cfg.TieBreak = haarcascade.TieBreakMin
		if *legacyTie {
			cfg.TieBreak = haarcascade.TieBreakLegacy
		}
	})
	if *trainWorkers > 0 {
		cfg.Workers = *trainWorkers
	}
	return cfg, cfg.Validate()
}

// sample draws the training and validation sets from the image directories.
func sample(ctx context.Context, cfg haarcascade.Config, logger zerolog.Logger) (haarcascade.Samples, haarcascade.Samples, error) {
	var none haarcascade.Samples
	list := func(dir, fallback string) ([]string, error) {
		if dir == "" {
			dir = fallback
		}
		return haarcascade.ListImages(dir, logger)
	}
	faceFiles, err := list(*facesDir, "")
	if err != nil {
		return none, none, err
	}
	bgFiles, err := list(*bgsDir, "")
	if err != nil {
		return none, none, err
	}
	valFaceFiles, err := list(*valFacesDir, *facesDir)
	if err != nil {
		return none, none, err
	}
	valBgFiles, err := list(*valBgsDir, *bgsDir)
	if err != nil {
		return none, none, err
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	train, err := haarcascade.SampleData(ctx, cfg, faceFiles, bgFiles, cfg.Faces, cfg.Backgrounds, rng)
	if err != nil {
		return none, none, err
	}
	validation, err := haarcascade.SampleData(ctx, cfg, valFaceFiles, valBgFiles,
		cfg.ValidationFaces, cfg.ValidationBackgrounds, rng)
	if err != nil {
		return none, none, err
	}
	return train, validation, nil
}

// report writes the stage history, the response distribution of the first
// weak classifier and the precision-recall curve of the first stage.
func report(dir string, cascade *haarcascade.Cascade, history []haarcascade.StageStats, validation haarcascade.Samples) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	if err := haarcascade.PlotHistory(history, filepath.Join(dir, "history.png")); err != nil {
		return err
	}

	first := cascade.Stages[0]
	if len(first.Classifiers) == 0 {
		return errors.New("first stage has no classifiers")
	}
	responses := make([]float64, validation.Len())
	confidences := make([]float64, validation.Len())
	for i, img := range validation.Images {
		ii := cascade.Prepare(img)
		r, err := first.Classifiers[0].Feature.Response(ii)
		if err != nil {
			return err
		}
		responses[i] = r
		confidences[i] = first.Evaluate(ii).Confidence()
	}
	if err := haarcascade.PlotResponses(responses, validation.Labels, filepath.Join(dir, "responses.png")); err != nil {
		return err
	}
	return haarcascade.PlotPrecisionRecall(confidences, validation.Labels, filepath.Join(dir, "precision_recall.png"))
}
