// Package postprocess - Postprocessing of decoded detections and targets.
package postprocess

import (
	"github.com/nvr-ai/go-yolo/common"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
	"gorgonia.org/tensor/native"
)

// Config controls how detections are filtered.
type Config struct {
	// ConfidenceThreshold is the score a (predictor, class) pair must exceed.
	ConfidenceThreshold float32 `json:"confidence_threshold" yaml:"confidence_threshold"`
	// NMSThreshold is the IoU above which a box of the same label is
	// suppressed.
	NMSThreshold float32 `json:"nms_threshold" yaml:"nms_threshold"`
	// DetectionsPerImage is the maximum number of detections kept per image.
	DetectionsPerImage int `json:"detections_per_image" yaml:"detections_per_image"`
}

// DefaultConfig returns the default postprocessing configuration.
func DefaultConfig() Config {
	return Config{
		ConfidenceThreshold: 0.2,
		NMSThreshold:        0.45,
		DetectionsPerImage:  300,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return errors.Errorf("confidence_threshold must be in [0, 1], got %v", c.ConfidenceThreshold)
	}
	if c.NMSThreshold < 0 || c.NMSThreshold > 1 {
		return errors.Errorf("nms_threshold must be in [0, 1], got %v", c.NMSThreshold)
	}
	if c.DetectionsPerImage < 1 {
		return errors.Errorf("detections_per_image must be positive, got %d", c.DetectionsPerImage)
	}
	return nil
}

// Detections are the objects found in one image.
type Detections struct {
	Boxes  []common.Box
	Scores []float32
	Labels []int
}

// Len returns the number of detections.
func (d Detections) Len() int {
	return len(d.Boxes)
}

// Scale returns the detections with every box scaled by sx and sy.
func (d Detections) Scale(sx, sy float32) Detections {
	boxes := make([]common.Box, len(d.Boxes))
	for i, b := range d.Boxes {
		boxes[i] = b.Scale(sx, sy)
	}
	return Detections{Boxes: boxes, Scores: d.Scores, Labels: d.Labels}
}

func (d Detections) subset(idxs []int) Detections {
	out := Detections{
		Boxes:  make([]common.Box, len(idxs)),
		Scores: make([]float32, len(idxs)),
		Labels: make([]int, len(idxs)),
	}
	for k, i := range idxs {
		out.Boxes[k] = d.Boxes[i]
		out.Scores[k] = d.Scores[i]
		out.Labels[k] = d.Labels[i]
	}
	return out
}

// ProcessDetections filters the decoded detections of a batch.
//
// The score of a class is its probability times the confidence. Every
// (predictor, class) pair whose score exceeds the confidence threshold is a
// candidate, so a predictor may be detected with several labels. Candidates
// are reduced with BatchedNMS and truncated to the highest scoring
// DetectionsPerImage.
//
// Arguments:
//   - preds: A [batch, predictors, 5+num_classes] tensor with corner boxes,
//     confidences and class probabilities.
//   - config: The filtering configuration.
//
// Returns:
//   - []Detections: The detections of every image, by descending score.
//   - error: An error if preds has the wrong shape.
func ProcessDetections(preds *tensor.Dense, config Config) ([]Detections, error) {
	if preds == nil || preds.Dims() != 3 || preds.Shape()[2] < 6 {
		return nil, errors.New("predictions must be a [batch, predictors, 5+num_classes] tensor")
	}
	if preds.RequiresIterator() {
		preds = preds.Materialize().(*tensor.Dense)
	}
	rows, err := native.Tensor3F32(preds)
	if err != nil {
		return nil, errors.Wrap(err, "predictions must be float32")
	}

	results := make([]Detections, len(rows))
	for b, image := range rows {
		var candidates Detections
		for _, row := range image {
			confidence := row[4]
			for c, prob := range row[5:] {
				score := prob * confidence
				if score > config.ConfidenceThreshold {
					candidates.Boxes = append(candidates.Boxes, common.Box{X1: row[0], Y1: row[1], X2: row[2], Y2: row[3]})
					candidates.Scores = append(candidates.Scores, score)
					candidates.Labels = append(candidates.Labels, c)
				}
			}
		}

		keep := BatchedNMS(candidates.Boxes, candidates.Scores, candidates.Labels, config.NMSThreshold)
		if len(keep) > config.DetectionsPerImage {
			keep = keep[:config.DetectionsPerImage]
		}
		results[b] = candidates.subset(keep)
	}
	return results, nil
}

// ProcessTargets converts targets into the same form as detections. A box
// with several labels is repeated once per label. Every score is 1.
//
// Arguments:
//   - targets: The targets of a batch.
//
// Returns:
//   - []Detections: The objects of every image.
//   - error: An error if a target is invalid.
func ProcessTargets(targets []common.Target) ([]Detections, error) {
	results := make([]Detections, len(targets))
	for i, target := range targets {
		idxs, ids, err := target.ClassIDs()
		if err != nil {
			return nil, errors.Wrapf(err, "target %d", i)
		}
		boxes, err := common.BoxesFromTensor(target.Boxes)
		if err != nil {
			return nil, errors.Wrapf(err, "target %d", i)
		}
		d := Detections{
			Boxes:  make([]common.Box, len(idxs)),
			Scores: make([]float32, len(idxs)),
			Labels: ids,
		}
		for k, idx := range idxs {
			d.Boxes[k] = boxes[idx]
			d.Scores[k] = 1
		}
		results[i] = d
	}
	return results, nil
}
