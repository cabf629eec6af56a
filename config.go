package haarcascade

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// ErrConfig is wrapped by every configuration error reported before training
// or detection starts.
var ErrConfig = errors.New("invalid configuration")

// TieBreak selects how the threshold search compares the two error
// orientations at each sorted position.
type TieBreak int

const (
	// TieBreakMin keeps the orientation with the strictly lower error.
	TieBreakMin TieBreak = iota
	// TieBreakLegacy evaluates the reject-below error first and, when it is
	// not an improvement, takes the reject-above error unconditionally.
	TieBreakLegacy
)

// Config holds every tunable of the training and detection pipeline.
// It is passed by value, so a running trainer or detector never observes changes.
type Config struct {
	// WindowSize is the side of the square detection window in pixels.
	WindowSize int `json:"window_size"`
	// ScaleFactor is the multiplicative step between two detection scales.
	ScaleFactor float64 `json:"scale_factor"`
	// ShiftFactor is the sliding step expressed as a fraction of the window side.
	ShiftFactor float64 `json:"shift_factor"`
	// StatusEvery is the number of features between two progress reports.
	StatusEvery int `json:"status_every"`

	MaxFalsePositive    float64 `json:"max_false_positive"`
	MinDetection        float64 `json:"min_detection"`
	TargetFalsePositive float64 `json:"target_false_positive"`
	ThresholdStep       float64 `json:"threshold_step"`

	Faces                 int `json:"faces"`
	Backgrounds           int `json:"backgrounds"`
	ValidationFaces       int `json:"validation_faces"`
	ValidationBackgrounds int `json:"validation_backgrounds"`
	// FacesCropTop is the number of rows removed from the top of every face image.
	FacesCropTop int `json:"faces_crop_top"`

	MaxStages       int `json:"max_stages"`
	MaxWeakPerStage int `json:"max_weak_per_stage"`

	// ErrorEpsilon bounds the weighted error into [ε, 1-ε] before α is derived.
	ErrorEpsilon float64  `json:"error_epsilon"`
	TieBreak     TieBreak `json:"tie_break"`
	Workers      int      `json:"workers"`
	Seed         int64    `json:"seed"`
}

// DefaultConfig returns the configuration used by the command line tools.
func DefaultConfig() Config {
	return Config{
		WindowSize:            24,
		ScaleFactor:           1.25,
		ShiftFactor:           0.05,
		StatusEvery:           1000,
		MaxFalsePositive:      0.5,
		MinDetection:          0.99,
		TargetFalsePositive:   0.01,
		ThresholdStep:         0.01,
		Faces:                 1000,
		Backgrounds:           2000,
		ValidationFaces:       200,
		ValidationBackgrounds: 400,
		FacesCropTop:          0,
		MaxStages:             20,
		MaxWeakPerStage:       200,
		ErrorEpsilon:          1e-10,
		TieBreak:              TieBreakMin,
		Workers:               runtime.GOMAXPROCS(0),
		Seed:                  1,
	}
}

// Validate reports the first configuration error found.
func (c Config) Validate() error {
	switch {
	case c.WindowSize < 2:
		return fmt.Errorf("%w: window size must be at least 2, got %d", ErrConfig, c.WindowSize)
	case c.ScaleFactor <= 1:
		return fmt.Errorf("%w: scale factor must be greater than 1, got %v", ErrConfig, c.ScaleFactor)
	case c.ShiftFactor < 0:
		return fmt.Errorf("%w: shift factor must not be negative, got %v", ErrConfig, c.ShiftFactor)
	case c.StatusEvery <= 0:
		return fmt.Errorf("%w: status interval must be positive, got %d", ErrConfig, c.StatusEvery)
	case c.MaxFalsePositive <= 0 || c.MaxFalsePositive >= 1:
		return fmt.Errorf("%w: max false positive rate must be in (0,1), got %v", ErrConfig, c.MaxFalsePositive)
	case !inUnitInterval(c.MinDetection):
		return fmt.Errorf("%w: min detection rate must be in (0,1], got %v", ErrConfig, c.MinDetection)
	case !inUnitInterval(c.TargetFalsePositive):
		return fmt.Errorf("%w: target false positive rate must be in (0,1], got %v", ErrConfig, c.TargetFalsePositive)
	case c.ThresholdStep <= 0:
		return fmt.Errorf("%w: threshold step must be positive, got %v", ErrConfig, c.ThresholdStep)
	case c.Faces <= 0 || c.Backgrounds <= 0:
		return fmt.Errorf("%w: sample counts must be positive, got %d faces and %d backgrounds",
			ErrConfig, c.Faces, c.Backgrounds)
	case c.ValidationFaces <= 0 || c.ValidationBackgrounds <= 0:
		return fmt.Errorf("%w: validation counts must be positive, got %d faces and %d backgrounds",
			ErrConfig, c.ValidationFaces, c.ValidationBackgrounds)
	case c.FacesCropTop < 0:
		return fmt.Errorf("%w: face crop must not be negative, got %d", ErrConfig, c.FacesCropTop)
	case c.MaxStages <= 0 || c.MaxWeakPerStage <= 0:
		return fmt.Errorf("%w: stage limits must be positive", ErrConfig)
	case c.ErrorEpsilon <= 0 || c.ErrorEpsilon >= 0.5:
		return fmt.Errorf("%w: error epsilon must be in (0,0.5), got %v", ErrConfig, c.ErrorEpsilon)
	case c.TieBreak != TieBreakMin && c.TieBreak != TieBreakLegacy:
		return fmt.Errorf("%w: unknown tie break mode %d", ErrConfig, c.TieBreak)
	}
	return nil
}

// workers returns the fork-join width, never less than one.
func (c Config) workers() int {
	if c.Workers < 1 {
		return 1
	}
	return c.Workers
}

func inUnitInterval(v float64) bool {
	return v > 0 && v <= 1
}

// LoadConfig reads a JSON file on top of DefaultConfig.
// Fields omitted from the file keep their default values.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return cfg, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return cfg, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 << 20
	if fileInfo.Size() > maxFileSize {
		return cfg, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
