package dicom

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/frame"
)

// ErrEncapsulatedPixels is returned when compressed frames would need masking.
var ErrEncapsulatedPixels = errors.New("encapsulated pixel data cannot be masked")

// Rect is a pixel rectangle, origin at the top-left corner.
type Rect struct {
	X, Y, Width, Height int
}

// ParseRect parses "x y width height".
func ParseRect(s string) (Rect, error) {
	fields := strings.Fields(strings.ReplaceAll(s, ",", " "))
	if len(fields) != 4 {
		return Rect{}, fmt.Errorf("rectangle %q: want \"x y width height\"", s)
	}
	var n [4]int
	for i, f := range fields {
		v, err := strconv.Atoi(f)
		if err != nil || v < 0 {
			return Rect{}, fmt.Errorf("rectangle %q: invalid number %q", s, f)
		}
		n[i] = v
	}
	if n[2] == 0 || n[3] == 0 {
		return Rect{}, fmt.Errorf("rectangle %q: empty area", s)
	}
	return Rect{X: n[0], Y: n[1], Width: n[2], Height: n[3]}, nil
}

// HasPixelData reports whether the tree carries (7FE0,0010).
func (t *Tree) HasPixelData() bool {
	return t.Contains(PixelData)
}

// MaskPixels fills every rectangle of every frame with fill (one value per
// sample, repeated as needed; nil fills with zero). The pixel data value is
// copied first so clones sharing it are left untouched.
func MaskPixels(t *Tree, rects []Rect, fill []int) error {
	elem := t.Find(PixelData)
	if elem == nil || elem.Native() == nil {
		return fmt.Errorf("no pixel data found")
	}

	info, ok := elem.Native().GetValue().(dicom.PixelDataInfo)
	if !ok {
		return fmt.Errorf("unsupported pixel data type: %T", elem.Native().GetValue())
	}
	if info.IsEncapsulated {
		return ErrEncapsulatedPixels
	}

	rows := t.Int(Rows)
	cols := t.Int(Columns)
	if rows == 0 || cols == 0 {
		return fmt.Errorf("invalid image dimensions: %dx%d", cols, rows)
	}

	frames := make([]*frame.Frame, len(info.Frames))
	for i, fr := range info.Frames {
		if fr.Encapsulated {
			return ErrEncapsulatedPixels
		}
		masked := copyFrame(fr)
		for _, r := range rects {
			maskRect(masked, rows, cols, r, fill)
		}
		frames[i] = masked
	}
	info.Frames = frames

	value, err := dicom.NewValue(info)
	if err != nil {
		return fmt.Errorf("could not rebuild pixel data: %w", err)
	}
	elem.native = value
	return nil
}

func copyFrame(f *frame.Frame) *frame.Frame {
	c := *f
	c.NativeData.Data = make([][]int, len(f.NativeData.Data))
	for i, px := range f.NativeData.Data {
		c.NativeData.Data[i] = append([]int(nil), px...)
	}
	return &c
}

// maskRect fills one rectangle of a native frame. NativeData.Data is
// [][]int where outer is pixels in row-major order, inner is samples.
func maskRect(f *frame.Frame, rows, cols int, r Rect, fill []int) {
	x1 := min(r.X+r.Width, cols)
	y1 := min(r.Y+r.Height, rows)
	for y := r.Y; y < y1; y++ {
		for x := r.X; x < x1; x++ {
			i := y*cols + x
			if i >= len(f.NativeData.Data) {
				return
			}
			for j := range f.NativeData.Data[i] {
				v := 0
				if len(fill) > 0 {
					v = fill[j%len(fill)]
				}
				f.NativeData.Data[i][j] = v
			}
		}
	}
}
