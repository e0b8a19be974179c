// Package util - Image and sample helpers.
package util

import (
	"image"
	"image/color"
	"image/draw"

	"github.com/chewxy/math32"
	"github.com/nfnt/resize"
	"github.com/nvr-ai/go-yolo/common"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// ImageToTensor converts an image into a [3, height, width] float32 tensor
// with RGB values in [0, 1].
//
// Arguments:
//   - img: The image to convert.
//
// Returns:
//   - *tensor.Dense: The planar RGB tensor.
func ImageToTensor(img image.Image) *tensor.Dense {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	channelSize := width * height
	data := make([]float32, channelSize*3)
	red := data[0:channelSize]
	green := data[channelSize : channelSize*2]
	blue := data[channelSize*2 : channelSize*3]

	i := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			red[i] = float32(r>>8) / 255.0
			green[i] = float32(g>>8) / 255.0
			blue[i] = float32(b>>8) / 255.0
			i++
		}
	}
	return tensor.New(tensor.WithShape(3, height, width), tensor.WithBacking(data))
}

// ResizeSample resizes an image to a fixed size and scales the boxes of its
// target by the same factors.
//
// Arguments:
//   - img: The image.
//   - target: The objects of the image, in image pixels.
//   - width: The width of the result.
//   - height: The height of the result.
//
// Returns:
//   - image.Image: The resized image.
//   - common.Target: The target with scaled boxes and the same labels.
//   - error: An error if the target is invalid or the size is not positive.
func ResizeSample(img image.Image, target common.Target, width, height int) (image.Image, common.Target, error) {
	if width < 1 || height < 1 {
		return nil, common.Target{}, errors.Errorf("cannot resize to %dx%d", width, height)
	}
	if err := target.Validate(); err != nil {
		return nil, common.Target{}, err
	}
	boxes, err := common.BoxesFromTensor(target.Boxes)
	if err != nil {
		return nil, common.Target{}, err
	}

	bounds := img.Bounds()
	sx := float32(width) / float32(bounds.Dx())
	sy := float32(height) / float32(bounds.Dy())
	for i, b := range boxes {
		boxes[i] = b.Scale(sx, sy)
	}

	resized := resize.Resize(uint(width), uint(height), img, resize.Lanczos3)
	return resized, common.Target{Boxes: common.BoxesToTensor(boxes), Labels: target.Labels}, nil
}

// Transform maps boxes found in a resized image back to the source image.
type Transform struct {
	ScaleX, ScaleY  float32
	PadLeft, PadTop int
	// Bounds is the rectangle of the source image.
	Bounds image.Rectangle
}

// Unmap converts a box from resized pixels to source pixels, clipped to the
// source image.
func (t Transform) Unmap(b common.Box) common.Box {
	fx := func(x float32) float32 {
		return clamp((x-float32(t.PadLeft))/t.ScaleX+float32(t.Bounds.Min.X), float32(t.Bounds.Min.X), float32(t.Bounds.Max.X))
	}
	fy := func(y float32) float32 {
		return clamp((y-float32(t.PadTop))/t.ScaleY+float32(t.Bounds.Min.Y), float32(t.Bounds.Min.Y), float32(t.Bounds.Max.Y))
	}
	return common.Box{X1: fx(b.X1), Y1: fy(b.Y1), X2: fx(b.X2), Y2: fy(b.Y2)}
}

func clamp(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Stretch resizes an image to width x height without keeping its aspect
// ratio.
func Stretch(img image.Image, width, height int) (image.Image, Transform) {
	bounds := img.Bounds()
	resized := resize.Resize(uint(width), uint(height), img, resize.Lanczos3)
	return resized, Transform{
		ScaleX: float32(width) / float32(bounds.Dx()),
		ScaleY: float32(height) / float32(bounds.Dy()),
		Bounds: bounds,
	}
}

// Letterbox resizes an image to fit width x height with its aspect ratio
// kept, centered on a fill colored canvas.
//
// Arguments:
//   - img: The image.
//   - width: The width of the canvas.
//   - height: The height of the canvas.
//   - fill: The color of the padding.
//
// Returns:
//   - image.Image: The letterboxed image.
//   - Transform: Maps boxes on the canvas back to img.
func Letterbox(img image.Image, width, height int, fill color.Color) (image.Image, Transform) {
	bounds := img.Bounds()
	scale := math32.Min(float32(width)/float32(bounds.Dx()), float32(height)/float32(bounds.Dy()))
	newWidth := max(1, int(float32(bounds.Dx())*scale))
	newHeight := max(1, int(float32(bounds.Dy())*scale))
	resized := resize.Resize(uint(newWidth), uint(newHeight), img, resize.Lanczos3)

	padLeft := (width - newWidth) / 2
	padTop := (height - newHeight) / 2
	canvas := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(canvas, canvas.Bounds(), &image.Uniform{C: fill}, image.Point{}, draw.Src)
	draw.Draw(canvas, image.Rect(padLeft, padTop, padLeft+newWidth, padTop+newHeight), resized, resized.Bounds().Min, draw.Src)

	return canvas, Transform{
		ScaleX:  float32(newWidth) / float32(bounds.Dx()),
		ScaleY:  float32(newHeight) / float32(bounds.Dy()),
		PadLeft: padLeft,
		PadTop:  padTop,
		Bounds:  bounds,
	}
}
