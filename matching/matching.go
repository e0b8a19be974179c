// Package matching - Assignment of ground truth boxes to the predictors of a detection layer.
package matching

import (
	"strings"

	"github.com/nvr-ai/go-yolo/common"
	"github.com/nvr-ai/go-yolo/loss"
	"github.com/pkg/errors"
)

// Algorithm names a matching rule.
type Algorithm string

const (
	// MaxIoU matches a target to the prior shape with the highest IoU.
	MaxIoU Algorithm = "maxiou"
	// Size matches every prior shape whose width and height ratios to the
	// target are below the threshold.
	Size Algorithm = "size"
	// IoU matches every prior shape whose IoU with the target exceeds the threshold.
	IoU Algorithm = "iou"
	// SimOTA is the dynamic top-k, cost-based rule from YOLOX.
	SimOTA Algorithm = "simota"
)

var (
	// ErrConflictingAlgorithms is returned when more than one matching rule is requested.
	ErrConflictingAlgorithms = errors.New("at most one matching algorithm can be specified")
	// ErrMissingThreshold is returned when the size or iou rule has no threshold.
	ErrMissingThreshold = errors.New("matching threshold is required")
)

// Config selects one matching rule together with its parameters.
type Config struct {
	// Algorithm is the matching rule.
	Algorithm Algorithm `json:"algorithm" yaml:"algorithm"`
	// Threshold is the size ratio limit or the IoU threshold of the size and iou rules.
	Threshold float32 `json:"threshold" yaml:"threshold"`
	// IgnoreBGThreshold excludes unmatched predictors from the confidence loss
	// when their box overlaps a target more than this. Zero selects 0.7; one
	// or more disables the ignore mask.
	IgnoreBGThreshold float32 `json:"ignore_bg_threshold" yaml:"ignore_bg_threshold"`
	// SpatialRange is the SimOTA candidate radius in grid cells. Zero selects
	// 5.
	SpatialRange float32 `json:"spatial_range" yaml:"spatial_range"`
}

// DefaultConfig returns the maxiou rule.
func DefaultConfig() Config {
	return Config{
		Algorithm:         MaxIoU,
		IgnoreBGThreshold: 0.7,
		SpatialRange:      5.0,
	}
}

// FromFlags builds a configuration from independent options, the form used
// by command line flags. At most one of simOTA, sizeRatio and iouThreshold
// may be set; none selects maxiou.
//
// Arguments:
//   - simOTA: Use the SimOTA rule.
//   - sizeRatio: Use the size rule with this ratio, if non-nil.
//   - iouThreshold: Use the iou rule with this threshold, if non-nil.
//
// Returns:
//   - Config: The selected rule with default parameters otherwise.
//   - error: ErrConflictingAlgorithms if more than one rule was requested.
func FromFlags(simOTA bool, sizeRatio, iouThreshold *float32) (Config, error) {
	cfg := DefaultConfig()
	count := 0
	if simOTA {
		cfg.Algorithm = SimOTA
		count++
	}
	if sizeRatio != nil {
		cfg.Algorithm = Size
		cfg.Threshold = *sizeRatio
		count++
	}
	if iouThreshold != nil {
		cfg.Algorithm = IoU
		cfg.Threshold = *iouThreshold
		count++
	}
	if count > 1 {
		return Config{}, ErrConflictingAlgorithms
	}
	return cfg, cfg.Validate()
}

// Validate checks that the rule is known and has the parameters it needs.
func (c Config) Validate() error {
	switch Algorithm(strings.ToLower(string(c.Algorithm))) {
	case MaxIoU:
	case Size, IoU:
		if c.Threshold <= 0 {
			return errors.Wrapf(ErrMissingThreshold, "algorithm %q", c.Algorithm)
		}
	case SimOTA:
		if c.SpatialRange <= 0 {
			return errors.Errorf("simota spatial range must be positive, got %v", c.SpatialRange)
		}
	default:
		return errors.Errorf("unknown matching algorithm %q, expected one of maxiou, size, iou, simota", c.Algorithm)
	}
	if c.IgnoreBGThreshold < 0 {
		return errors.Errorf("ignore_bg_threshold must not be negative, got %v", c.IgnoreBGThreshold)
	}
	return nil
}

// Assignment maps predictors of one layer and image to targets.
type Assignment struct {
	// Predictors holds the flat predictor index of every matched pair.
	Predictors []int
	// Targets holds the target index of every matched pair.
	Targets []int
	// Background marks the predictors whose confidence is pushed towards zero.
	// Matched and ignored predictors are false.
	Background []bool
}

// Hits returns the number of matched (predictor, target) pairs.
func (a *Assignment) Hits() int {
	return len(a.Predictors)
}

// Matcher assigns the targets of one image to the predictors of one layer.
type Matcher interface {
	Match(preds common.Predictions, objects common.Objects, imageSize common.ImageSize) (*Assignment, error)
}

// New creates the matcher selected by cfg for the detection layer that owns
// the prior shapes at idxs.
//
// Arguments:
//   - cfg: The matching rule.
//   - priorShapes: All prior shapes of the network.
//   - idxs: The indices of the prior shapes of this layer.
//   - lossFn: The loss function, used by SimOTA to compute matching costs.
//
// Returns:
//   - Matcher: The matcher.
//   - error: An error if the configuration is invalid.
func New(cfg Config, priorShapes []common.PriorShape, idxs []int, lossFn *loss.Function) (Matcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, idx := range idxs {
		if idx < 0 || idx >= len(priorShapes) {
			return nil, errors.Errorf("prior shape index %d out of range [0, %d)", idx, len(priorShapes))
		}
	}

	defaults := DefaultConfig()
	if cfg.IgnoreBGThreshold == 0 {
		cfg.IgnoreBGThreshold = defaults.IgnoreBGThreshold
	}
	if cfg.SpatialRange == 0 {
		cfg.SpatialRange = defaults.SpatialRange
	}

	switch Algorithm(strings.ToLower(string(cfg.Algorithm))) {
	case SimOTA:
		if lossFn == nil {
			return nil, errors.New("simota matching needs a loss function")
		}
		return &simOTAMatcher{loss: lossFn, spatialRange: cfg.SpatialRange}, nil
	case Size:
		return newSizeRatioMatcher(priorShapes, idxs, cfg.Threshold, cfg.IgnoreBGThreshold), nil
	case IoU:
		return newIoUThresholdMatcher(priorShapes, idxs, cfg.Threshold, cfg.IgnoreBGThreshold), nil
	default:
		return newHighestIoUMatcher(priorShapes, idxs, cfg.IgnoreBGThreshold), nil
	}
}

func allBackground(n int) []bool {
	bg := make([]bool, n)
	for i := range bg {
		bg[i] = true
	}
	return bg
}

func validatePredictions(preds common.Predictions) error {
	n := preds.Grid.Predictors()
	if len(preds.Boxes) != n || len(preds.Confidences) != n || len(preds.ClassProbs) != n {
		return errors.Errorf(
			"predictions do not fill a %dx%dx%d grid: %d boxes, %d confidences, %d class rows",
			preds.Grid.Height, preds.Grid.Width, preds.Grid.Anchors,
			len(preds.Boxes), len(preds.Confidences), len(preds.ClassProbs),
		)
	}
	return nil
}
