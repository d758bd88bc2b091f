// Package geometry maps native page dimensions into the pixel-count range a
// detection model works in, and maps detected boxes back to native pixels.
package geometry

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrInvalidBounds is returned when the bounds do not satisfy 0 < min <= max.
	ErrInvalidBounds = errors.New("invalid pixel bounds")
	// ErrInvalidDimensions is returned for a non-positive height or width.
	ErrInvalidDimensions = errors.New("invalid image dimensions")
)

// Bounds is a closed pixel-count interval.
type Bounds struct {
	MinPixels int `json:"min_pixels"`
	MaxPixels int `json:"max_pixels"`
}

// DefaultBounds returns [512*28*28, 2048*28*28].
func DefaultBounds() Bounds {
	return Bounds{MinPixels: 512 * 28 * 28, MaxPixels: 2048 * 28 * 28}
}

// Validate checks 0 < MinPixels <= MaxPixels.
func (b Bounds) Validate() error {
	if b.MinPixels <= 0 || b.MaxPixels <= 0 || b.MinPixels > b.MaxPixels {
		return fmt.Errorf("%w: min=%d max=%d", ErrInvalidBounds, b.MinPixels, b.MaxPixels)
	}
	return nil
}

// SmartResize returns the dimensions the detection model works in.
//
// Dimensions already inside the bounds are returned unchanged. Otherwise both
// sides are scaled by sqrt(bound/pixels) and each side is truncated on its
// own, so the aspect ratio is only preserved up to one pixel per axis. Keep
// the truncation: boxes returned by the model are expressed in exactly this
// frame.
func SmartResize(height, width int, bounds Bounds) (int, int, error) {
	if err := bounds.Validate(); err != nil {
		return 0, 0, err
	}
	if height <= 0 || width <= 0 {
		return 0, 0, fmt.Errorf("%w: %dx%d", ErrInvalidDimensions, width, height)
	}

	pixels := float64(height) * float64(width)
	var factor float64
	switch {
	case pixels < float64(bounds.MinPixels):
		factor = math.Sqrt(float64(bounds.MinPixels) / pixels)
	case pixels > float64(bounds.MaxPixels):
		factor = math.Sqrt(float64(bounds.MaxPixels) / pixels)
	default:
		return height, width, nil
	}

	return int(float64(height) * factor), int(float64(width) * factor), nil
}

// Box is an axis-aligned rectangle given by two corners.
type Box struct {
	X1, Y1, X2, Y2 float64
}

// Normalize returns the box with X1 <= X2 and Y1 <= Y2.
func (b Box) Normalize() Box {
	if b.X1 > b.X2 {
		b.X1, b.X2 = b.X2, b.X1
	}
	if b.Y1 > b.Y2 {
		b.Y1, b.Y2 = b.Y2, b.Y1
	}
	return b
}

// Rect is a box in native integer pixels.
type Rect struct {
	X1, Y1, X2, Y2 int
}

// Width of the rectangle.
func (r Rect) Width() int { return r.X2 - r.X1 }

// Height of the rectangle.
func (r Rect) Height() int { return r.Y2 - r.Y1 }

// Frame pairs the model's input frame with the native page size.
type Frame struct {
	InputWidth   int `json:"input_width"`
	InputHeight  int `json:"input_height"`
	NativeWidth  int `json:"native_width"`
	NativeHeight int `json:"native_height"`
}

// NewFrame computes the model frame of a native page. A page so elongated
// that one side of the frame truncates to zero is rejected.
func NewFrame(nativeWidth, nativeHeight int, bounds Bounds) (Frame, error) {
	h, w, err := SmartResize(nativeHeight, nativeWidth, bounds)
	if err != nil {
		return Frame{}, err
	}
	if h <= 0 || w <= 0 {
		return Frame{}, fmt.Errorf("%w: %dx%d resizes to %dx%d", ErrInvalidDimensions, nativeWidth, nativeHeight, w, h)
	}
	return Frame{
		InputWidth:   w,
		InputHeight:  h,
		NativeWidth:  nativeWidth,
		NativeHeight: nativeHeight,
	}, nil
}

// Rescaled reports whether the model frame differs from the native size.
func (f Frame) Rescaled() bool {
	return f.InputWidth != f.NativeWidth || f.InputHeight != f.NativeHeight
}

// Rescale maps a box from the model frame to native pixels
// (native = box / input * native, truncated) and orders its corners.
func (f Frame) Rescale(b Box) Rect {
	x := func(v float64) int { return int(v / float64(f.InputWidth) * float64(f.NativeWidth)) }
	y := func(v float64) int { return int(v / float64(f.InputHeight) * float64(f.NativeHeight)) }

	r := Rect{X1: x(b.X1), Y1: y(b.Y1), X2: x(b.X2), Y2: y(b.Y2)}
	if r.X1 > r.X2 {
		r.X1, r.X2 = r.X2, r.X1
	}
	if r.Y1 > r.Y2 {
		r.Y1, r.Y2 = r.Y2, r.Y1
	}
	return r
}
