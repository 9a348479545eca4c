// Package grid defines the token and control representations exchanged
// between the codec, the mask generator, the trainer, and the serving
// endpoint.
//
// A [CodeGrid] is the discrete token form of one audio window: one integer
// token per codebook level per time step. A [ControlGrid] carries continuous
// time-varying descriptors (energy, harmonic content) aligned to the same
// time axis.
//
// Masks come in two polarities, and the polarity difference is intentional:
//
//   - [CodesMask]: 1 = the position is hidden and must be generated.
//   - [ControlMask]: 1 = the control value is supplied (kept); 0 zeroes it out.
//
// The control mask is multiplicative, which is why its polarity is inverted
// relative to the codes mask. Use the named accessors (IsGenerated,
// IsRetained) instead of reading raw cells so the polarity stays explicit
// at call sites.
package grid

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	// ErrShapeMismatch is returned when a mask or grid pair do not have
	// compatible dimensions.
	ErrShapeMismatch = errors.New("grid: shape mismatch")

	// ErrEmptyGrid is returned when a grid has zero levels, channels or steps.
	ErrEmptyGrid = errors.New("grid: empty grid")
)

// CodeGrid is a (levels x steps) grid of discrete codec tokens.
// Data[l][t] is the token at codebook level l, time step t.
// A CodeGrid is immutable once produced by a codec; operations that
// modify tokens return a new grid.
type CodeGrid struct {
	Data [][]int32 `json:"data" msgpack:"data"`
}

// NewCodeGrid allocates a zeroed (levels x steps) code grid.
func NewCodeGrid(levels, steps int) *CodeGrid {
	data := make([][]int32, levels)
	for l := range data {
		data[l] = make([]int32, steps)
	}
	return &CodeGrid{Data: data}
}

// Levels returns the number of codebook levels.
func (g *CodeGrid) Levels() int { return len(g.Data) }

// Steps returns the number of time steps.
func (g *CodeGrid) Steps() int {
	if len(g.Data) == 0 {
		return 0
	}
	return len(g.Data[0])
}

// At returns the token at (level, step).
func (g *CodeGrid) At(level, step int) int32 { return g.Data[level][step] }

// Clone returns a deep copy of the grid.
func (g *CodeGrid) Clone() *CodeGrid {
	out := make([][]int32, len(g.Data))
	for l, row := range g.Data {
		out[l] = make([]int32, len(row))
		copy(out[l], row)
	}
	return &CodeGrid{Data: out}
}

// Validate checks that the grid is rectangular, non-empty, and that every
// token is in [0, vocabSize). A vocabSize of 0 skips the range check.
func (g *CodeGrid) Validate(vocabSize int) error {
	if g.Levels() == 0 || g.Steps() == 0 {
		return ErrEmptyGrid
	}
	steps := g.Steps()
	for l, row := range g.Data {
		if len(row) != steps {
			return fmt.Errorf("%w: level %d has %d steps, level 0 has %d", ErrShapeMismatch, l, len(row), steps)
		}
		if vocabSize <= 0 {
			continue
		}
		for t, tok := range row {
			if tok < 0 || tok >= int32(vocabSize) {
				return fmt.Errorf("grid: token %d at (%d,%d) outside vocab [0,%d)", tok, l, t, vocabSize)
			}
		}
	}
	return nil
}

// ControlGrid is a (channels x steps) grid of continuous control values
// time-aligned with a code grid: control frame t covers the same temporal
// window as code step t.
type ControlGrid struct {
	Data [][]float32 `json:"data" msgpack:"data"`
}

// NewControlGrid allocates a zeroed (channels x steps) control grid.
func NewControlGrid(channels, steps int) *ControlGrid {
	data := make([][]float32, channels)
	for c := range data {
		data[c] = make([]float32, steps)
	}
	return &ControlGrid{Data: data}
}

// Channels returns the number of control channels.
func (g *ControlGrid) Channels() int { return len(g.Data) }

// Steps returns the number of time steps.
func (g *ControlGrid) Steps() int {
	if len(g.Data) == 0 {
		return 0
	}
	return len(g.Data[0])
}

// At returns the control value at (channel, step).
func (g *ControlGrid) At(channel, step int) float32 { return g.Data[channel][step] }

// Clone returns a deep copy of the grid.
func (g *ControlGrid) Clone() *ControlGrid {
	out := make([][]float32, len(g.Data))
	for c, row := range g.Data {
		out[c] = make([]float32, len(row))
		copy(out[c], row)
	}
	return &ControlGrid{Data: out}
}

// AlignedWith reports whether the control grid shares its time axis with
// the given code grid. The channel count is independent of the code grid's
// level count; only the step counts must agree.
func (g *ControlGrid) AlignedWith(codes *CodeGrid) error {
	if g.Steps() != codes.Steps() {
		return fmt.Errorf("%w: control grid has %d steps, code grid has %d", ErrShapeMismatch, g.Steps(), codes.Steps())
	}
	return nil
}
