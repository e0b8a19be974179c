// Package common - Box, target and prediction types shared by the detection pipeline.
package common

import (
	"fmt"
	"image"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Box is an axis-aligned box in corner format (x1, y1, x2, y2), in input image pixels.
type Box struct {
	X1, Y1, X2, Y2 float32
}

// CenterBox is an axis-aligned box in center format (cx, cy, w, h).
type CenterBox struct {
	CX, CY, W, H float32
}

// Width returns the width of the box. Inverted boxes have zero width.
func (b Box) Width() float32 {
	return math32.Max(b.X2-b.X1, 0)
}

// Height returns the height of the box. Inverted boxes have zero height.
func (b Box) Height() float32 {
	return math32.Max(b.Y2-b.Y1, 0)
}

// Area returns the area of the box.
func (b Box) Area() float32 {
	return b.Width() * b.Height()
}

// Center returns the center point of the box.
func (b Box) Center() (float32, float32) {
	return (b.X1 + b.X2) / 2, (b.Y1 + b.Y2) / 2
}

// ToCenter converts the box to center format.
func (b Box) ToCenter() CenterBox {
	cx, cy := b.Center()
	return CenterBox{CX: cx, CY: cy, W: b.X2 - b.X1, H: b.Y2 - b.Y1}
}

// ToCorners converts the box to corner format.
func (c CenterBox) ToCorners() Box {
	hw, hh := c.W/2, c.H/2
	return Box{X1: c.CX - hw, Y1: c.CY - hh, X2: c.CX + hw, Y2: c.CY + hh}
}

// Intersect returns the overlapping region of two boxes. The result may be
// inverted, in which case its area is zero.
func (b Box) Intersect(other Box) Box {
	return Box{
		X1: math32.Max(b.X1, other.X1),
		Y1: math32.Max(b.Y1, other.Y1),
		X2: math32.Min(b.X2, other.X2),
		Y2: math32.Min(b.Y2, other.Y2),
	}
}

// Enclose returns the smallest box that contains both boxes.
func (b Box) Enclose(other Box) Box {
	return Box{
		X1: math32.Min(b.X1, other.X1),
		Y1: math32.Min(b.Y1, other.Y1),
		X2: math32.Max(b.X2, other.X2),
		Y2: math32.Max(b.Y2, other.Y2),
	}
}

// Contains reports whether the point lies strictly inside the box.
func (b Box) Contains(x, y float32) bool {
	return x > b.X1 && x < b.X2 && y > b.Y1 && y < b.Y2
}

// Scale multiplies the x coordinates by sx and the y coordinates by sy.
//
// Arguments:
//   - sx: The horizontal scale factor.
//   - sy: The vertical scale factor.
//
// Returns:
//   - Box: The scaled box.
func (b Box) Scale(sx, sy float32) Box {
	return Box{X1: b.X1 * sx, Y1: b.Y1 * sy, X2: b.X2 * sx, Y2: b.Y2 * sy}
}

// ToRect converts the box to an image.Rectangle.
//
// This method truncates floating-point coordinates to integer coordinates
// suitable for drawing.
//
// Returns:
//   - image.Rectangle: The canonicalized rectangle.
func (b Box) ToRect() image.Rectangle {
	return image.Rect(int(b.X1), int(b.Y1), int(b.X2), int(b.Y2)).Canon()
}

func (b Box) String() string {
	return fmt.Sprintf("(%.2f, %.2f), (%.2f, %.2f)", b.X1, b.Y1, b.X2, b.Y2)
}

// BoxesFromTensor reads a [N, 4] float32 tensor of corner-format boxes.
//
// Arguments:
//   - t: The box tensor.
//
// Returns:
//   - []Box: One box per row.
//   - error: An error if the tensor is not a [N, 4] float32 tensor.
func BoxesFromTensor(t *tensor.Dense) ([]Box, error) {
	if t == nil {
		return nil, errors.New("box tensor is nil")
	}
	shape := t.Shape()
	if len(shape) != 2 || shape[1] != 4 {
		return nil, errors.Errorf("expected boxes of shape [N, 4], got %v", []int(shape))
	}
	if t.Dtype() != tensor.Float32 {
		return nil, errors.Errorf("expected float32 boxes, got %v", t.Dtype())
	}
	data, err := Float32Data(t)
	if err != nil {
		return nil, err
	}
	boxes := make([]Box, shape[0])
	for i := range boxes {
		row := data[i*4 : i*4+4]
		boxes[i] = Box{X1: row[0], Y1: row[1], X2: row[2], Y2: row[3]}
	}
	return boxes, nil
}

// BoxesToTensor packs boxes into a [N, 4] float32 tensor.
func BoxesToTensor(boxes []Box) *tensor.Dense {
	data := make([]float32, 0, len(boxes)*4)
	for _, b := range boxes {
		data = append(data, b.X1, b.Y1, b.X2, b.Y2)
	}
	return tensor.New(tensor.WithShape(len(boxes), 4), tensor.WithBacking(data))
}
