// Package detection - Decoding of raw head maps into boxes, and the per-layer
// matching and loss computation used during training.
package detection

import (
	"github.com/chewxy/math32"
	"github.com/nvr-ai/go-yolo/common"
	"github.com/nvr-ai/go-yolo/loss"
	"github.com/nvr-ai/go-yolo/matching"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
	"gorgonia.org/tensor/native"
)

// Config is the configuration shared by every detection layer of a network.
type Config struct {
	// NumClasses is the number of classes each predictor scores.
	NumClasses int `json:"num_classes" yaml:"num_classes"`
	// XYScale widens the range of the predicted box centers beyond the cell.
	XYScale float32 `json:"xy_scale" yaml:"xy_scale"`
	// InputIsNormalized is set when the head already applied a sigmoid. The
	// layer then skips the sigmoid and predicts the size as 4*wh^2*prior.
	InputIsNormalized bool `json:"input_is_normalized" yaml:"input_is_normalized"`
	// Matching selects the rule that assigns targets to predictors.
	Matching matching.Config `json:"matching" yaml:"matching"`
	// Loss weights the loss components.
	Loss loss.Config `json:"loss" yaml:"loss"`
}

// DefaultConfig returns the default layer configuration for numClasses.
func DefaultConfig(numClasses int) Config {
	return Config{
		NumClasses: numClasses,
		XYScale:    1.0,
		Matching:   matching.DefaultConfig(),
		Loss:       loss.DefaultConfig(),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.NumClasses < 1 {
		return errors.Errorf("num_classes must be positive, got %d", c.NumClasses)
	}
	if c.XYScale <= 0 {
		return errors.Errorf("xy_scale must be positive, got %v", c.XYScale)
	}
	if err := c.Matching.Validate(); err != nil {
		return errors.Wrap(err, "invalid matching config")
	}
	if err := c.Loss.Validate(); err != nil {
		return errors.Wrap(err, "invalid loss config")
	}
	return nil
}

// Layer decodes the output of one head of the network.
type Layer struct {
	cfg         Config
	priorShapes []common.PriorShape
	matcher     matching.Matcher
	loss        *loss.Function
}

// Output is the result of one layer for a batch.
type Output struct {
	// Detections is a [batch, H*W*anchors, 5+num_classes] tensor holding
	// x1, y1, x2, y2, confidence and class probabilities of every predictor.
	Detections *tensor.Dense
	// Losses holds the losses averaged over the batch. Nil without targets.
	Losses *loss.Losses
	// Hits is the number of matched (predictor, target) pairs in the batch.
	Hits int
}

// New creates the detection layer that owns the prior shapes at idxs.
//
// Arguments:
//   - priorShapes: All prior shapes of the network.
//   - idxs: The indices of the prior shapes used by this layer.
//   - cfg: The layer configuration.
//
// Returns:
//   - *Layer: The layer.
//   - error: An error if the configuration is invalid.
func New(priorShapes []common.PriorShape, idxs []int, cfg Config) (*Layer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(idxs) == 0 {
		return nil, errors.New("a detection layer needs at least one prior shape")
	}
	fn, err := loss.New(cfg.Loss)
	if err != nil {
		return nil, err
	}
	matcher, err := matching.New(cfg.Matching, priorShapes, idxs, fn)
	if err != nil {
		return nil, err
	}
	shapes := make([]common.PriorShape, len(idxs))
	for i, idx := range idxs {
		shapes[i] = priorShapes[idx]
	}
	return &Layer{cfg: cfg, priorShapes: shapes, matcher: matcher, loss: fn}, nil
}

// NewLayers splits the prior shapes into three contiguous groups and creates
// one layer per group, finest scale first.
func NewLayers(priorShapes []common.PriorShape, cfg Config) ([]*Layer, error) {
	groups, err := common.SplitPriorShapes(priorShapes)
	if err != nil {
		return nil, err
	}
	layers := make([]*Layer, len(groups))
	for i, idxs := range groups {
		if layers[i], err = New(priorShapes, idxs, cfg); err != nil {
			return nil, errors.Wrapf(err, "detection layer %d", i)
		}
	}
	return layers, nil
}

// Anchors returns the number of prior shapes of the layer.
func (l *Layer) Anchors() int {
	return len(l.priorShapes)
}

// Channels returns the number of input channels the layer expects.
func (l *Layer) Channels() int {
	return l.Anchors() * (5 + l.cfg.NumClasses)
}

// Config returns the layer configuration.
func (l *Layer) Config() Config {
	return l.cfg
}

// Forward decodes the raw head output and, when objects are given, matches
// them to the predictors and computes the losses.
//
// Arguments:
//   - x: The raw [batch, anchors*(5+num_classes), H, W] head output.
//   - imageSize: The size of the network input in pixels.
//   - objects: The targets of every image, or nil for inference.
//
// Returns:
//   - *Output: The decoded detections and, with objects, the losses and hits.
//   - error: An error if the input or the targets do not fit the layer.
func (l *Layer) Forward(x *tensor.Dense, imageSize common.ImageSize, objects []common.Objects) (*Output, error) {
	if x == nil || x.Dims() != 4 {
		return nil, errors.New("detection layer input must be a [batch, channels, height, width] tensor")
	}
	shape := x.Shape()
	batch, channels, height, width := shape[0], shape[1], shape[2], shape[3]
	if channels != l.Channels() {
		return nil, errors.Errorf(
			"detection layer expects %d channels (%d anchors, %d classes), got %d",
			l.Channels(), l.Anchors(), l.cfg.NumClasses, channels,
		)
	}
	if objects != nil && len(objects) != batch {
		return nil, errors.Errorf("got %d images, but targets for %d images", batch, len(objects))
	}

	grid := common.Grid{Height: height, Width: width, Anchors: l.Anchors()}
	detections, preds, err := l.decode(x, grid, imageSize)
	if err != nil {
		return nil, err
	}
	out := &Output{Detections: detections}
	if objects == nil {
		return out, nil
	}

	var total loss.Losses
	for b := range objects {
		losses, hits, err := l.imageLoss(preds[b], objects[b], imageSize)
		if err != nil {
			return nil, errors.Wrapf(err, "image %d", b)
		}
		total = total.Add(losses)
		out.Hits += hits
	}
	total = total.Scale(1 / float32(batch))
	out.Losses = &total
	return out, nil
}

// decode converts the raw maps into corner-format boxes in input pixels.
func (l *Layer) decode(x *tensor.Dense, grid common.Grid, imageSize common.ImageSize) (*tensor.Dense, []common.Predictions, error) {
	batch := x.Shape()[0]
	attrs := 5 + l.cfg.NumClasses
	cells := grid.Height * grid.Width

	maps, err := view3(x, batch, l.Channels(), cells)
	if err != nil {
		return nil, nil, err
	}
	detections := tensor.New(
		tensor.WithShape(batch, grid.Predictors(), attrs),
		tensor.Of(tensor.Float32),
	)
	rows, err := native.Tensor3F32(detections)
	if err != nil {
		return nil, nil, errors.Wrap(err, "could not view detections")
	}

	activate := sigmoid
	if l.cfg.InputIsNormalized {
		activate = identity
	}
	sx, sy := grid.Stride(imageSize)
	scale := l.cfg.XYScale

	preds := make([]common.Predictions, batch)
	for b := 0; b < batch; b++ {
		p := common.Predictions{
			Grid:        grid,
			Boxes:       make([]common.Box, grid.Predictors()),
			Confidences: make([]float32, grid.Predictors()),
			ClassProbs:  make([][]float32, grid.Predictors()),
		}
		for cell := 0; cell < cells; cell++ {
			row, col := cell/grid.Width, cell%grid.Width
			for a, prior := range l.priorShapes {
				ch := maps[b][a*attrs : (a+1)*attrs]
				i := grid.Index(row, col, a)

				cx := (activate(ch[0][cell])*scale - 0.5*(scale-1) + float32(col)) * sx
				cy := (activate(ch[1][cell])*scale - 0.5*(scale-1) + float32(row)) * sy
				var w, h float32
				if l.cfg.InputIsNormalized {
					w = 4 * ch[2][cell] * ch[2][cell] * prior.Width
					h = 4 * ch[3][cell] * ch[3][cell] * prior.Height
				} else {
					w = math32.Exp(ch[2][cell]) * prior.Width
					h = math32.Exp(ch[3][cell]) * prior.Height
				}
				box := common.CenterBox{CX: cx, CY: cy, W: w, H: h}.ToCorners()

				dst := rows[b][i]
				dst[0], dst[1], dst[2], dst[3] = box.X1, box.Y1, box.X2, box.Y2
				for k := 4; k < attrs; k++ {
					dst[k] = activate(ch[k][cell])
				}

				p.Boxes[i] = box
				p.Confidences[i] = dst[4]
				p.ClassProbs[i] = dst[5:]
			}
		}
		preds[b] = p
	}
	return detections, preds, nil
}

// imageLoss matches the objects of one image and sums its losses.
func (l *Layer) imageLoss(preds common.Predictions, objects common.Objects, imageSize common.ImageSize) (loss.Losses, int, error) {
	for i, classes := range objects.Classes {
		if len(classes) != l.cfg.NumClasses {
			return loss.Losses{}, 0, errors.Errorf(
				"object %d has %d class columns, the layer predicts %d classes", i, len(classes), l.cfg.NumClasses,
			)
		}
	}

	assignment, err := l.matcher.Match(preds, objects, imageSize)
	if err != nil {
		return loss.Losses{}, 0, err
	}

	matched := loss.Matched{
		Boxes:       make([]common.Box, assignment.Hits()),
		Confidences: make([]float32, assignment.Hits()),
		ClassProbs:  make([][]float32, assignment.Hits()),
		Targets:     objects.Select(assignment.Targets),
	}
	for k, p := range assignment.Predictors {
		matched.Boxes[k] = preds.Boxes[p]
		matched.Confidences[k] = preds.Confidences[p]
		matched.ClassProbs[k] = preds.ClassProbs[p]
	}
	var background []float32
	for p, bg := range assignment.Background {
		if bg {
			background = append(background, preds.Confidences[p])
		}
	}

	losses, err := l.loss.Sums(matched, background)
	if err != nil {
		return loss.Losses{}, 0, err
	}
	return losses, assignment.Hits(), nil
}

// view3 returns a typed [d0][d1][d2] view of the data of x without touching
// the shape of x.
func view3(x *tensor.Dense, d0, d1, d2 int) ([][][]float32, error) {
	if x.Dtype() != tensor.Float32 {
		return nil, errors.Errorf("expected a float32 tensor, got %v", x.Dtype())
	}
	v := x
	if v.RequiresIterator() {
		v = v.Materialize().(*tensor.Dense)
	}
	v = v.ShallowClone()
	if err := v.Reshape(d0, d1, d2); err != nil {
		return nil, errors.Wrapf(err, "could not view %v as [%d %d %d]", x.Shape(), d0, d1, d2)
	}
	data, err := native.Tensor3F32(v)
	return data, errors.Wrap(err, "could not view tensor")
}

func sigmoid(x float32) float32 {
	return 1 / (1 + math32.Exp(-x))
}

func identity(x float32) float32 {
	return x
}
