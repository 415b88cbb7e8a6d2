package histogram

import "math"

// MaxCount is the saturation value of a bin.
const MaxCount = math.MaxUint8

// Histogram is a dense row-major uint8 array.
type Histogram struct {
	Shape []int
	Data  []uint8
}

// New returns a zeroed histogram of the given shape.
func New(shape []int) *Histogram {
	return &Histogram{Shape: append([]int(nil), shape...), Data: make([]uint8, Size(shape))}
}

// Size is the number of cells of shape.
func Size(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Offset converts a multi-index to a position in Data.
func (h *Histogram) Offset(idx []int) int {
	off := 0
	for i, d := range h.Shape {
		off = off*d + idx[i]
	}
	return off
}

// At returns the count at idx.
func (h *Histogram) At(idx ...int) uint8 { return h.Data[h.Offset(idx)] }

// inc adds one to the cell at off, saturating at MaxCount.
func (h *Histogram) inc(off int) {
	if h.Data[off] < MaxCount {
		h.Data[off]++
	}
}

// Total sums all cells.
func (h *Histogram) Total() int {
	n := 0
	for _, v := range h.Data {
		n += int(v)
	}
	return n
}
