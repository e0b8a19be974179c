// Package detector - YOLO object detector built around a detection network.
package detector

import (
	"context"
	"image"
	"image/color"
	"runtime"
	"strconv"
	"sync"

	"github.com/nvr-ai/go-yolo/common"
	"github.com/nvr-ai/go-yolo/loss"
	"github.com/nvr-ai/go-yolo/models/model"
	"github.com/nvr-ai/go-yolo/models/postprocess"
	"github.com/nvr-ai/go-yolo/profiler"
	"github.com/nvr-ai/go-yolo/util"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorgonia.org/tensor"
)

// ErrBatchMismatch is returned when a batch has a different number of images
// and targets.
var ErrBatchMismatch = errors.New("image and target count mismatch")

// DefaultInputSize is the size images are resized to by Infer.
var DefaultInputSize = common.ImageSize{Width: 640, Height: 640}

// Option configures a YOLO detector.
type Option func(*YOLO)

// WithLogger sets the logger of the detector.
func WithLogger(logger *zap.Logger) Option {
	return func(y *YOLO) {
		if logger != nil {
			y.logger = logger.Named("detector")
		}
	}
}

// WithPostprocess sets how detections are filtered.
func WithPostprocess(config postprocess.Config) Option {
	return func(y *YOLO) {
		y.postprocess = config
	}
}

// WithInputSize sets the size images are resized to by Infer.
func WithInputSize(size common.ImageSize) Option {
	return func(y *YOLO) {
		y.inputSize = size
	}
}

// WithLetterbox keeps the aspect ratio of images resized by Infer and pads
// them with fill. Images are stretched to the input size otherwise.
func WithLetterbox(fill color.Color) Option {
	return func(y *YOLO) {
		y.letterbox = fill
	}
}

// WithWorkers sets how many images InferBatch resizes at once.
func WithWorkers(n int) Option {
	return func(y *YOLO) {
		if n > 0 {
			y.workers = n
		}
	}
}

// WithProfiler records the durations of the preprocess, forward and
// postprocess phases of Infer.
func WithProfiler(p *profiler.Profiler) Option {
	return func(y *YOLO) {
		y.profiler = p
	}
}

// YOLO runs a detection network on image batches, computes its losses and
// filters its detections.
type YOLO struct {
	network     model.Network
	logger      *zap.Logger
	postprocess postprocess.Config
	inputSize   common.ImageSize
	profiler    *profiler.Profiler
	letterbox   color.Color
	workers     int
}

// New returns a detector for network.
func New(network model.Network, opts ...Option) *YOLO {
	y := &YOLO{
		network:     network,
		logger:      zap.NewNop(),
		postprocess: postprocess.DefaultConfig(),
		inputSize:   DefaultInputSize,
		workers:     runtime.NumCPU(),
	}
	for _, opt := range opts {
		opt(y)
	}
	return y
}

// Output is the result of the detector for a batch.
type Output struct {
	// Detections is a [batch, predictors, 5+num_classes] tensor holding the
	// predictors of every detection layer.
	Detections *tensor.Dense
	// Losses is the sum of the losses of every layer. Nil without targets.
	Losses *loss.Losses
	// Hits holds the number of matched targets of every layer. Nil without
	// targets.
	Hits []int
}

// Forward runs the network on a [batch, 3, height, width] image batch. With
// targets, one per image, the losses are computed too.
//
// Arguments:
//   - images: The image batch.
//   - targets: The targets of the images, or nil.
//
// Returns:
//   - *Output: The detections, and the losses with targets.
//   - error: An error if the network fails or a target is invalid.
func (y *YOLO) Forward(images *tensor.Dense, targets []common.Target) (*Output, error) {
	var objects []common.Objects
	if targets != nil {
		objects = make([]common.Objects, len(targets))
		for i, target := range targets {
			o, err := target.Objects(y.network.NumClasses())
			if err != nil {
				return nil, errors.Wrapf(err, "target %d", i)
			}
			objects[i] = o
		}
	}

	out, err := y.network.Forward(images, objects)
	if err != nil {
		return nil, err
	}
	detections, err := concatDetections(out.Detections)
	if err != nil {
		return nil, err
	}
	result := &Output{Detections: detections}
	if targets == nil {
		return result, nil
	}

	var losses loss.Losses
	total := 0
	for i, l := range out.Losses {
		losses = losses.Add(l)
		total += out.Hits[i]
	}
	for i, hits := range out.Hits {
		rate := float64(1)
		if total > 0 {
			rate = float64(hits) / float64(total)
		}
		y.logger.Debug("hit rate", zap.Float64("layer_"+strconv.Itoa(i)+"_hit_rate", rate))
	}
	result.Losses = &losses
	result.Hits = out.Hits
	return result, nil
}

func concatDetections(layers []*tensor.Dense) (*tensor.Dense, error) {
	if len(layers) == 0 {
		return nil, errors.New("network produced no detections")
	}
	if len(layers) == 1 {
		return layers[0], nil
	}
	detections, err := layers[0].Concat(1, layers[1:]...)
	return detections, errors.Wrap(err, "could not concatenate detections")
}

// ValidateBatch checks a batch and stacks its images into a
// [batch, 3, height, width] tensor. A count mismatch between images and
// targets is reported alone. Otherwise every malformed image and target is
// reported.
//
// Arguments:
//   - images: [3, height, width] float32 images of equal size.
//   - targets: The target of every image, or nil.
//
// Returns:
//   - *tensor.Dense: The stacked images.
//   - error: ErrBatchMismatch, or the combined errors of every malformed
//     image and target.
func ValidateBatch(images []*tensor.Dense, targets []common.Target) (*tensor.Dense, error) {
	if len(images) == 0 {
		return nil, errors.New("Expected at least one image.")
	}
	if targets != nil && len(targets) != len(images) {
		return nil, errors.Wrapf(ErrBatchMismatch, "Got %d images, but targets for %d images.", len(images), len(targets))
	}

	var err error
	for i, img := range images {
		err = multierr.Append(err, validateImage(i, img, images[0]))
	}
	for i, target := range targets {
		if tErr := target.Validate(); tErr != nil {
			err = multierr.Append(err, errors.Wrapf(tErr, "target %d", i))
		}
	}
	if err != nil {
		return nil, err
	}

	shape := images[0].Shape()
	size := shape.TotalSize()
	data := make([]float32, 0, size*len(images))
	for _, img := range images {
		values, dErr := common.Float32Data(img)
		if dErr != nil {
			return nil, dErr
		}
		data = append(data, values...)
	}
	return tensor.New(tensor.WithShape(len(images), shape[0], shape[1], shape[2]), tensor.WithBacking(data)), nil
}

func validateImage(i int, img, first *tensor.Dense) error {
	if img == nil {
		return errors.Errorf("image %d is nil", i)
	}
	shape := img.Shape()
	if len(shape) != 3 || shape[0] != 3 {
		return errors.Errorf("Expected image %d to be a tensor of shape [3, H, W], got %v.", i, []int(shape))
	}
	if img.Dtype() != tensor.Float32 {
		return errors.Errorf("Expected image %d to be float32, got %v.", i, img.Dtype())
	}
	if first != nil && !shape.Eq(first.Shape()) {
		return errors.Errorf("Expected image %d to have the shape %v of the first image, got %v.", i, []int(first.Shape()), []int(shape))
	}
	return nil
}

// TrainingStep computes the losses of a batch and logs them.
//
// Arguments:
//   - images: [3, height, width] float32 images of equal size.
//   - targets: The target of every image.
//
// Returns:
//   - loss.Losses: The losses of the batch.
//   - error: An error if the batch is invalid or the network fails.
func (y *YOLO) TrainingStep(images []*tensor.Dense, targets []common.Target) (loss.Losses, error) {
	if targets == nil {
		return loss.Losses{}, errors.New("training requires targets")
	}
	batch, err := ValidateBatch(images, targets)
	if err != nil {
		return loss.Losses{}, err
	}
	out, err := y.Forward(batch, targets)
	if err != nil {
		return loss.Losses{}, err
	}
	y.logLosses("train", *out.Losses)
	return *out.Losses, nil
}

// ValidationResult is the result of a validation step.
type ValidationResult struct {
	Losses     loss.Losses
	Detections []postprocess.Detections
	Targets    []postprocess.Detections
}

// ValidationStep computes the losses of a batch, logs them, and returns the
// filtered detections next to the targets in the same form.
//
// Arguments:
//   - images: [3, height, width] float32 images of equal size.
//   - targets: The target of every image.
//
// Returns:
//   - *ValidationResult: The losses, detections and targets of the batch.
//   - error: An error if the batch is invalid or the network fails.
func (y *YOLO) ValidationStep(images []*tensor.Dense, targets []common.Target) (*ValidationResult, error) {
	if targets == nil {
		return nil, errors.New("validation requires targets")
	}
	batch, err := ValidateBatch(images, targets)
	if err != nil {
		return nil, err
	}
	out, err := y.Forward(batch, targets)
	if err != nil {
		return nil, err
	}
	y.logLosses("val", *out.Losses)

	detections, err := postprocess.ProcessDetections(out.Detections, y.postprocess)
	if err != nil {
		return nil, err
	}
	processed, err := postprocess.ProcessTargets(targets)
	if err != nil {
		return nil, err
	}
	return &ValidationResult{Losses: *out.Losses, Detections: detections, Targets: processed}, nil
}

func (y *YOLO) logLosses(prefix string, l loss.Losses) {
	y.logger.Info(prefix+" losses",
		zap.Float32(prefix+"/overlap_loss", l.Overlap),
		zap.Float32(prefix+"/confidence_loss", l.Confidence),
		zap.Float32(prefix+"/class_loss", l.Class),
		zap.Float32(prefix+"/total_loss", l.Total()),
	)
}

// ProcessDetections filters the detections of a batch with the configured
// thresholds.
func (y *YOLO) ProcessDetections(detections *tensor.Dense) ([]postprocess.Detections, error) {
	return postprocess.ProcessDetections(detections, y.postprocess)
}

// ProcessTargets converts targets into the same form as detections.
func (y *YOLO) ProcessTargets(targets []common.Target) ([]postprocess.Detections, error) {
	return postprocess.ProcessTargets(targets)
}

// Infer detects objects in a single image. The image is resized to the
// input size of the detector and the boxes are mapped back to the image.
//
// Arguments:
//   - ctx: Cancels the call before the network runs.
//   - img: The image.
//
// Returns:
//   - postprocess.Detections: The objects in image pixels.
//   - error: An error if the network fails.
func (y *YOLO) Infer(ctx context.Context, img image.Image) (postprocess.Detections, error) {
	detections, err := y.InferBatch(ctx, []image.Image{img})
	if err != nil {
		return postprocess.Detections{}, err
	}
	return detections[0], nil
}

// InferBatch detects objects in several images with a single forward pass.
// The images are resized concurrently by at most the configured number of
// workers.
//
// Arguments:
//   - ctx: Cancels the call before the network runs.
//   - imgs: The images, of any size.
//
// Returns:
//   - []postprocess.Detections: The objects of every image in its pixels.
//   - error: The combined errors of every empty image, or an error if the
//     network fails.
func (y *YOLO) InferBatch(ctx context.Context, imgs []image.Image) ([]postprocess.Detections, error) {
	if len(imgs) == 0 {
		return nil, errors.New("Expected at least one image.")
	}
	w, h := y.inputSize.Width, y.inputSize.Height
	size := 3 * w * h

	stop := y.startOperation(profiler.OperationPreprocess)
	data := make([]float32, size*len(imgs))
	transforms := make([]util.Transform, len(imgs))
	errs := make([]error, len(imgs))
	sem := make(chan struct{}, y.workers)
	var wg sync.WaitGroup
	for i, img := range imgs {
		wg.Add(1)
		go func(idx int, img image.Image) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			if img == nil || img.Bounds().Empty() {
				errs[idx] = errors.Errorf("cannot detect objects in empty image %d", idx)
				return
			}
			var resized image.Image
			if y.letterbox != nil {
				resized, transforms[idx] = util.Letterbox(img, w, h, y.letterbox)
			} else {
				resized, transforms[idx] = util.Stretch(img, w, h)
			}
			values := util.ImageToTensor(resized).Data().([]float32)
			copy(data[idx*size:(idx+1)*size], values)
		}(i, img)
	}
	wg.Wait()
	stop()
	if err := multierr.Combine(errs...); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	x := tensor.New(tensor.WithShape(len(imgs), 3, h, w), tensor.WithBacking(data))
	stop = y.startOperation(profiler.OperationForward)
	out, err := y.Forward(x, nil)
	stop()
	if err != nil {
		return nil, err
	}
	stop = y.startOperation(profiler.OperationPostprocess)
	detections, err := y.ProcessDetections(out.Detections)
	stop()
	if err != nil {
		return nil, err
	}

	for i := range detections {
		for j, box := range detections[i].Boxes {
			detections[i].Boxes[j] = transforms[i].Unmap(box)
		}
		y.logger.Debug("inferred image", zap.Int("image", i), zap.Int("detections", detections[i].Len()))
	}
	return detections, nil
}

func (y *YOLO) startOperation(name string) func() {
	if y.profiler == nil {
		return func() {}
	}
	return y.profiler.StartOperation(name)
}

// Close releases the network.
func (y *YOLO) Close() error {
	return y.network.Close()
}
