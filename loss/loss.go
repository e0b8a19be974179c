// Package loss - Overlap, confidence and classification losses of a detection layer.
package loss

import (
	"github.com/chewxy/math32"
	"github.com/nvr-ai/go-yolo/common"
	"github.com/nvr-ai/go-yolo/overlap"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Config weights the loss components.
type Config struct {
	// Overlap is the function used for the overlap loss and the confidence target.
	Overlap overlap.Kind `json:"overlap_func" yaml:"overlap_func"`
	// PredictOverlap balances binary confidence targets (0.0) against predicting
	// the overlap (1.0).
	PredictOverlap float32 `json:"predict_overlap" yaml:"predict_overlap"`
	// OverlapMultiplier scales the overlap loss.
	OverlapMultiplier float32 `json:"overlap_loss_multiplier" yaml:"overlap_loss_multiplier"`
	// ConfidenceMultiplier scales the confidence loss.
	ConfidenceMultiplier float32 `json:"confidence_loss_multiplier" yaml:"confidence_loss_multiplier"`
	// ClassMultiplier scales the classification loss.
	ClassMultiplier float32 `json:"class_loss_multiplier" yaml:"class_loss_multiplier"`
}

// DefaultConfig returns CIoU overlap, overlap-valued confidence targets and an
// overlap loss weighted five times the other components.
func DefaultConfig() Config {
	return Config{
		Overlap:              overlap.CIoU,
		PredictOverlap:       1.0,
		OverlapMultiplier:    5.0,
		ConfidenceMultiplier: 1.0,
		ClassMultiplier:      1.0,
	}
}

// Validate checks the overlap kind and the numeric ranges.
func (c Config) Validate() error {
	if _, err := overlap.ParseKind(string(c.Overlap)); err != nil {
		return err
	}
	if c.PredictOverlap < 0 || c.PredictOverlap > 1 {
		return errors.Errorf("predict_overlap must be in [0, 1], got %v", c.PredictOverlap)
	}
	if c.OverlapMultiplier < 0 || c.ConfidenceMultiplier < 0 || c.ClassMultiplier < 0 {
		return errors.New("loss multipliers must not be negative")
	}
	return nil
}

// Losses holds the three scalar loss components.
type Losses struct {
	Overlap    float32
	Confidence float32
	Class      float32
}

// Add returns the component-wise sum.
func (l Losses) Add(other Losses) Losses {
	return Losses{
		Overlap:    l.Overlap + other.Overlap,
		Confidence: l.Confidence + other.Confidence,
		Class:      l.Class + other.Class,
	}
}

// Scale multiplies every component by f.
func (l Losses) Scale(f float32) Losses {
	return Losses{Overlap: l.Overlap * f, Confidence: l.Confidence * f, Class: l.Class * f}
}

// Total returns the sum of the components.
func (l Losses) Total() float32 {
	return l.Overlap + l.Confidence + l.Class
}

// Tensor returns the components as a [3] tensor in (overlap, confidence, class) order.
func (l Losses) Tensor() *tensor.Dense {
	return tensor.New(tensor.WithShape(3), tensor.WithBacking([]float32{l.Overlap, l.Confidence, l.Class}))
}

// Matched holds the predictions of the predictors that were assigned a
// target, row-aligned with the targets they were assigned.
type Matched struct {
	Boxes       []common.Box
	Confidences []float32
	ClassProbs  [][]float32
	Targets     common.Objects
}

// Function computes losses for a fixed configuration.
type Function struct {
	cfg Config
}

// New returns a loss function after validating the configuration.
func New(cfg Config) (*Function, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid loss config")
	}
	return &Function{cfg: cfg}, nil
}

// Config returns the configuration of the loss function.
func (f *Function) Config() Config {
	return f.cfg
}

// Sums computes the summed losses of one image.
//
// Matched predictors regress to their targets and predict a confidence of
// PredictOverlap*overlap + (1-PredictOverlap). Background confidences are
// pushed towards zero. Predictors that are neither matched nor background
// are ignored by the caller and never reach this function.
//
// Arguments:
//   - m: Matched predictions and targets.
//   - background: Confidences of the background predictors.
//
// Returns:
//   - Losses: The multiplied sums.
//   - error: An error if the matched slices are not aligned.
func (f *Function) Sums(m Matched, background []float32) (Losses, error) {
	n := len(m.Boxes)
	if len(m.Confidences) != n || len(m.ClassProbs) != n || m.Targets.Len() != n || len(m.Targets.Classes) != n {
		return Losses{}, errors.Errorf(
			"matched predictions are not aligned: %d boxes, %d confidences, %d class rows, %d targets",
			n, len(m.Confidences), len(m.ClassProbs), m.Targets.Len(),
		)
	}

	overlaps, err := overlap.ElementwiseBoxes(f.cfg.Overlap, m.Boxes, m.Targets.Boxes)
	if err != nil {
		return Losses{}, err
	}

	var losses Losses
	for i, ov := range overlaps {
		losses.Overlap += 1 - ov
		target := f.cfg.PredictOverlap*math32.Max(ov, 0) + (1 - f.cfg.PredictOverlap)
		losses.Confidence += BinaryCrossEntropy(m.Confidences[i], target)
		losses.Class += classLoss(m.ClassProbs[i], m.Targets.Classes[i])
	}
	for _, c := range background {
		losses.Confidence += BinaryCrossEntropy(c, 0)
	}

	return Losses{
		Overlap:    losses.Overlap * f.cfg.OverlapMultiplier,
		Confidence: losses.Confidence * f.cfg.ConfidenceMultiplier,
		Class:      losses.Class * f.cfg.ClassMultiplier,
	}, nil
}

// Pairwise computes the matching cost between every target and every
// candidate prediction. The confidence term always uses a target of one.
//
// Arguments:
//   - boxes: Predicted boxes of the candidates.
//   - confidences: Predicted confidences of the candidates.
//   - classProbs: Predicted class probabilities of the candidates.
//   - targets: The targets of the image.
//
// Returns:
//   - [][]float32: Costs indexed [target][candidate].
//   - [][]float32: Plain IoUs indexed [target][candidate].
func (f *Function) Pairwise(
	boxes []common.Box,
	confidences []float32,
	classProbs [][]float32,
	targets common.Objects,
) ([][]float32, [][]float32) {
	costs := make([][]float32, targets.Len())
	ious := make([][]float32, targets.Len())
	for t, tbox := range targets.Boxes {
		costs[t] = make([]float32, len(boxes))
		ious[t] = make([]float32, len(boxes))
		for p, pbox := range boxes {
			ious[t][p] = overlap.Compute(overlap.IoU, pbox, tbox)
			ov := overlap.Compute(f.cfg.Overlap, pbox, tbox)
			costs[t][p] = (1-ov)*f.cfg.OverlapMultiplier +
				BinaryCrossEntropy(confidences[p], 1)*f.cfg.ConfidenceMultiplier +
				classLoss(classProbs[p], targets.Classes[t])*f.cfg.ClassMultiplier
		}
	}
	return costs, ious
}

// BinaryCrossEntropy returns the cross entropy of probability p against the
// target t. Logarithms are clamped at -100.
func BinaryCrossEntropy(p, t float32) float32 {
	return -(t*clampedLog(p) + (1-t)*clampedLog(1-p))
}

func clampedLog(x float32) float32 {
	if x <= 0 {
		return -100
	}
	return math32.Max(math32.Log(x), -100)
}

func classLoss(probs, targets []float32) float32 {
	var sum float32
	for c := range probs {
		sum += BinaryCrossEntropy(probs[c], targets[c])
	}
	return sum
}
