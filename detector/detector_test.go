package detector

import (
	"context"
	"image"
	"image/color"
	"testing"

	"github.com/nvr-ai/go-yolo/common"
	"github.com/nvr-ai/go-yolo/loss"
	"github.com/nvr-ai/go-yolo/models/model"
	"github.com/nvr-ai/go-yolo/models/postprocess"
	"github.com/nvr-ai/go-yolo/profiler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorgonia.org/tensor"
)

type fakeNetwork struct {
	detections []*tensor.Dense
	losses     []loss.Losses
	hits       []int

	images  []int
	objects []common.Objects
	calls   int
	closed  bool
}

func (f *fakeNetwork) Forward(images *tensor.Dense, objects []common.Objects) (*model.Output, error) {
	f.calls++
	f.images = images.Shape().Clone()
	f.objects = objects
	out := &model.Output{Detections: f.detections}
	if objects != nil {
		out.Losses = f.losses
		out.Hits = f.hits
	}
	return out, nil
}

func (f *fakeNetwork) NumClasses() int { return 2 }

func (f *fakeNetwork) Close() error {
	f.closed = true
	return nil
}

func detections(rows ...[]float32) *tensor.Dense {
	var data []float32
	for _, row := range rows {
		data = append(data, row...)
	}
	return tensor.New(tensor.WithShape(1, len(rows), 7), tensor.WithBacking(data))
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		detections: []*tensor.Dense{
			detections([]float32{10, 10, 50, 50, 0.9, 0.9, 0.1}, []float32{0, 0, 1, 1, 0.1, 0.5, 0.5}),
			detections([]float32{60, 60, 90, 90, 0.8, 0.2, 0.8}),
		},
		losses: []loss.Losses{
			{Overlap: 1, Confidence: 2, Class: 3},
			{Overlap: 0.5, Confidence: 0.5, Class: 0.5},
		},
		hits: []int{3, 1},
	}
}

func blankImage(c, h, w int) *tensor.Dense {
	return tensor.New(tensor.WithShape(c, h, w), tensor.WithBacking(make([]float32, c*h*w)))
}

func target(labels ...int) common.Target {
	boxes := make([]common.Box, len(labels))
	for i := range boxes {
		boxes[i] = common.Box{X1: 1, Y1: 1, X2: 3, Y2: 3}
	}
	return common.NewTarget(boxes, labels)
}

func TestValidateBatch(t *testing.T) {
	t.Run("stacks images", func(t *testing.T) {
		batch, err := ValidateBatch([]*tensor.Dense{blankImage(3, 4, 6), blankImage(3, 4, 6)}, []common.Target{target(0), target(1)})
		require.NoError(t, err)
		assert.Equal(t, tensor.Shape{2, 3, 4, 6}, batch.Shape())
	})

	t.Run("count mismatch", func(t *testing.T) {
		_, err := ValidateBatch([]*tensor.Dense{blankImage(3, 4, 4), blankImage(3, 4, 4)}, []common.Target{target(0)})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrBatchMismatch)
		assert.Contains(t, err.Error(), "Got 2 images, but targets for 1 images.")
	})

	t.Run("reports every malformed image", func(t *testing.T) {
		_, err := ValidateBatch([]*tensor.Dense{blankImage(3, 4, 4), blankImage(1, 4, 4), blankImage(3, 8, 8)}, nil)
		require.Error(t, err)
		assert.Len(t, multierr.Errors(err), 2)
	})

	t.Run("reports malformed targets", func(t *testing.T) {
		bad := common.Target{Boxes: tensor.New(tensor.WithShape(1, 3), tensor.WithBacking([]float32{0, 0, 1}))}
		_, err := ValidateBatch([]*tensor.Dense{blankImage(3, 4, 4)}, []common.Target{bad})
		assert.ErrorIs(t, err, common.ErrInvalidTarget)
	})

	t.Run("empty batch", func(t *testing.T) {
		_, err := ValidateBatch(nil, nil)
		assert.Error(t, err)
	})
}

func TestForward(t *testing.T) {
	net := newFakeNetwork()
	core, logs := observer.New(zapcore.DebugLevel)
	y := New(net, WithLogger(zap.New(core)))

	out, err := y.Forward(tensor.New(tensor.WithShape(1, 3, 8, 8), tensor.WithBacking(make([]float32, 192))), []common.Target{target(0, 1)})
	require.NoError(t, err)

	assert.Equal(t, tensor.Shape{1, 3, 7}, out.Detections.Shape())
	require.NotNil(t, out.Losses)
	assert.InDelta(t, 1.5, out.Losses.Overlap, 1e-6)
	assert.InDelta(t, 2.5, out.Losses.Confidence, 1e-6)
	assert.InDelta(t, 3.5, out.Losses.Class, 1e-6)
	assert.Equal(t, []int{3, 1}, out.Hits)

	require.Len(t, net.objects, 1)
	assert.Equal(t, 2, net.objects[0].Len())
	assert.Equal(t, []float32{0, 1}, net.objects[0].Classes[1])

	entries := logs.FilterMessage("hit rate").All()
	require.Len(t, entries, 2)
	assert.InDelta(t, 0.75, entries[0].ContextMap()["layer_0_hit_rate"], 1e-9)
	assert.InDelta(t, 0.25, entries[1].ContextMap()["layer_1_hit_rate"], 1e-9)
}

func TestForwardWithoutTargets(t *testing.T) {
	net := newFakeNetwork()
	out, err := New(net).Forward(tensor.New(tensor.WithShape(1, 3, 8, 8), tensor.WithBacking(make([]float32, 192))), nil)
	require.NoError(t, err)
	assert.Nil(t, out.Losses)
	assert.Nil(t, out.Hits)
	assert.Nil(t, net.objects)
}

func TestHitRateWithoutHits(t *testing.T) {
	net := newFakeNetwork()
	net.hits = []int{0, 0}
	core, logs := observer.New(zapcore.DebugLevel)

	_, err := New(net, WithLogger(zap.New(core))).Forward(tensor.New(tensor.WithShape(1, 3, 8, 8), tensor.WithBacking(make([]float32, 192))), []common.Target{target()})
	require.NoError(t, err)
	entries := logs.FilterMessage("hit rate").All()
	require.Len(t, entries, 2)
	assert.InDelta(t, 1.0, entries[1].ContextMap()["layer_1_hit_rate"], 1e-9)
}

func TestTrainingStep(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	y := New(newFakeNetwork(), WithLogger(zap.New(core)))

	losses, err := y.TrainingStep([]*tensor.Dense{blankImage(3, 8, 8)}, []common.Target{target(1)})
	require.NoError(t, err)
	assert.InDelta(t, 7.5, losses.Total(), 1e-6)

	entries := logs.FilterMessage("train losses").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Contains(t, fields, "train/overlap_loss")
	assert.Contains(t, fields, "train/confidence_loss")
	assert.Contains(t, fields, "train/class_loss")
	assert.Contains(t, fields, "train/total_loss")

	_, err = y.TrainingStep([]*tensor.Dense{blankImage(3, 8, 8)}, nil)
	assert.Error(t, err)
}

func TestTrainingStepImageWithoutObjects(t *testing.T) {
	net := newFakeNetwork()
	y := New(net)

	images := []*tensor.Dense{blankImage(3, 8, 8), blankImage(3, 8, 8)}
	losses, err := y.TrainingStep(images, []common.Target{target(1), target()})
	require.NoError(t, err)
	assert.InDelta(t, 7.5, losses.Total(), 1e-6)

	require.Len(t, net.objects, 2)
	assert.Len(t, net.objects[0].Boxes, 1)
	assert.Empty(t, net.objects[1].Boxes)
	assert.Empty(t, net.objects[1].Classes)
}

func TestValidationStep(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	y := New(newFakeNetwork(), WithLogger(zap.New(core)), WithPostprocess(postprocess.Config{
		ConfidenceThreshold: 0.5,
		NMSThreshold:        0.45,
		DetectionsPerImage:  10,
	}))

	result, err := y.ValidationStep([]*tensor.Dense{blankImage(3, 8, 8)}, []common.Target{target(1)})
	require.NoError(t, err)
	assert.Equal(t, 1, logs.FilterMessage("val losses").Len())

	require.Len(t, result.Detections, 1)
	assert.Equal(t, []int{0, 1}, result.Detections[0].Labels)
	assert.InDeltaSlice(t, []float32{0.81, 0.64}, result.Detections[0].Scores, 1e-6)

	require.Len(t, result.Targets, 1)
	assert.Equal(t, []int{1}, result.Targets[0].Labels)
	assert.Equal(t, []float32{1}, result.Targets[0].Scores)
}

func TestInfer(t *testing.T) {
	net := &fakeNetwork{detections: []*tensor.Dense{
		detections([]float32{10, 10, 50, 50, 0.9, 0.9, 0.1}),
	}}
	y := New(net, WithInputSize(common.ImageSize{Width: 100, Height: 100}))

	img := image.NewRGBA(image.Rect(0, 0, 200, 100))
	for x := 0; x < 200; x++ {
		for yy := 0; yy < 100; yy++ {
			img.Set(x, yy, color.RGBA{R: 128, G: 64, B: 32, A: 255})
		}
	}

	result, err := y.Infer(context.Background(), img)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 100, 100}, net.images)
	require.Equal(t, 1, result.Len())
	assert.Equal(t, common.Box{X1: 20, Y1: 10, X2: 100, Y2: 50}, result.Boxes[0])
	assert.Equal(t, []int{0}, result.Labels)
}

func TestInferCanceled(t *testing.T) {
	net := newFakeNetwork()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(net, WithInputSize(common.ImageSize{Width: 16, Height: 16})).Infer(ctx, image.NewRGBA(image.Rect(0, 0, 32, 32)))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, net.calls)
}

func TestClose(t *testing.T) {
	net := newFakeNetwork()
	require.NoError(t, New(net).Close())
	assert.True(t, net.closed)
}

func TestInferProfiler(t *testing.T) {
	net := newFakeNetwork()
	p := profiler.New(profiler.Options{}, nil)
	y := New(net, WithInputSize(common.ImageSize{Width: 16, Height: 16}), WithProfiler(p))

	_, err := y.Infer(context.Background(), image.NewRGBA(image.Rect(0, 0, 32, 32)))
	require.NoError(t, err)
	for _, name := range []string{profiler.OperationPreprocess, profiler.OperationForward, profiler.OperationPostprocess} {
		s, ok := p.Operation(name)
		require.True(t, ok, name)
		assert.Equal(t, int64(1), s.Count)
	}
}

func TestInferBatchLetterbox(t *testing.T) {
	data := []float32{
		10, 35, 50, 60, 0.9, 0.9, 0.1,
		35, 10, 60, 50, 0.9, 0.1, 0.9,
	}
	net := &fakeNetwork{detections: []*tensor.Dense{
		tensor.New(tensor.WithShape(2, 1, 7), tensor.WithBacking(data)),
	}}
	y := New(net,
		WithInputSize(common.ImageSize{Width: 100, Height: 100}),
		WithLetterbox(color.Gray{Y: 114}),
		WithWorkers(2),
	)

	wide := image.NewRGBA(image.Rect(0, 0, 200, 100))
	tall := image.NewRGBA(image.Rect(0, 0, 100, 200))
	results, err := y.InferBatch(context.Background(), []image.Image{wide, tall})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3, 100, 100}, net.images)
	assert.Equal(t, 1, net.calls)

	require.Len(t, results, 2)
	require.Equal(t, 1, results[0].Len())
	assert.Equal(t, common.Box{X1: 20, Y1: 20, X2: 100, Y2: 70}, results[0].Boxes[0])
	assert.Equal(t, []int{0}, results[0].Labels)
	require.Equal(t, 1, results[1].Len())
	assert.Equal(t, common.Box{X1: 20, Y1: 20, X2: 70, Y2: 100}, results[1].Boxes[0])
	assert.Equal(t, []int{1}, results[1].Labels)
}

func TestInferBatchErrors(t *testing.T) {
	net := newFakeNetwork()
	y := New(net, WithInputSize(common.ImageSize{Width: 16, Height: 16}))

	_, err := y.InferBatch(context.Background(), nil)
	assert.Error(t, err)

	_, err = y.InferBatch(context.Background(), []image.Image{
		image.NewRGBA(image.Rect(0, 0, 0, 0)),
		image.NewRGBA(image.Rect(0, 0, 32, 32)),
		nil,
	})
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 2)
	assert.Equal(t, 0, net.calls)
}
