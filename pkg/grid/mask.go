package grid

import "fmt"

// CodesMask is a boolean grid over a CodeGrid. A true cell means the token
// at that position is hidden from the model and must be generated; a false
// cell is given as conditioning.
type CodesMask struct {
	Data [][]bool `json:"data" msgpack:"data"`
}

// NewCodesMask allocates an all-false (levels x steps) codes mask.
func NewCodesMask(levels, steps int) *CodesMask {
	data := make([][]bool, levels)
	for l := range data {
		data[l] = make([]bool, steps)
	}
	return &CodesMask{Data: data}
}

// Levels returns the number of codebook levels.
func (m *CodesMask) Levels() int { return len(m.Data) }

// Steps returns the number of time steps.
func (m *CodesMask) Steps() int {
	if len(m.Data) == 0 {
		return 0
	}
	return len(m.Data[0])
}

// IsGenerated reports whether the token at (level, step) must be generated.
func (m *CodesMask) IsGenerated(level, step int) bool { return m.Data[level][step] }

// Count returns the number of to-be-generated (true) cells.
func (m *CodesMask) Count() int {
	n := 0
	for _, row := range m.Data {
		for _, v := range row {
			if v {
				n++
			}
		}
	}
	return n
}

// Ratio returns the fraction of to-be-generated cells.
func (m *CodesMask) Ratio() float64 {
	total := m.Levels() * m.Steps()
	if total == 0 {
		return 0
	}
	return float64(m.Count()) / float64(total)
}

// Clone returns a deep copy of the mask.
func (m *CodesMask) Clone() *CodesMask {
	out := make([][]bool, len(m.Data))
	for l, row := range m.Data {
		out[l] = make([]bool, len(row))
		copy(out[l], row)
	}
	return &CodesMask{Data: out}
}

// FitsGrid checks that the mask has the same (levels x steps) shape as the
// code grid.
func (m *CodesMask) FitsGrid(g *CodeGrid) error {
	if m.Levels() != g.Levels() || m.Steps() != g.Steps() {
		return fmt.Errorf("%w: codes mask is %dx%d, code grid is %dx%d",
			ErrShapeMismatch, m.Levels(), m.Steps(), g.Levels(), g.Steps())
	}
	for l, row := range m.Data {
		if len(row) != m.Steps() {
			return fmt.Errorf("%w: codes mask level %d has %d steps", ErrShapeMismatch, l, len(row))
		}
	}
	return nil
}

// And returns a mask that generates a position only when both inputs do.
// The masks must have identical shapes.
func (m *CodesMask) And(other *CodesMask) (*CodesMask, error) {
	if m.Levels() != other.Levels() || m.Steps() != other.Steps() {
		return nil, fmt.Errorf("%w: And on %dx%d and %dx%d masks",
			ErrShapeMismatch, m.Levels(), m.Steps(), other.Levels(), other.Steps())
	}
	out := NewCodesMask(m.Levels(), m.Steps())
	for l := range m.Data {
		for t := range m.Data[l] {
			out.Data[l][t] = m.Data[l][t] && other.Data[l][t]
		}
	}
	return out, nil
}

// Or returns a mask that generates a position when either input does.
func (m *CodesMask) Or(other *CodesMask) (*CodesMask, error) {
	if m.Levels() != other.Levels() || m.Steps() != other.Steps() {
		return nil, fmt.Errorf("%w: Or on %dx%d and %dx%d masks",
			ErrShapeMismatch, m.Levels(), m.Steps(), other.Levels(), other.Steps())
	}
	out := NewCodesMask(m.Levels(), m.Steps())
	for l := range m.Data {
		for t := range m.Data[l] {
			out.Data[l][t] = m.Data[l][t] || other.Data[l][t]
		}
	}
	return out, nil
}

// ApplyCodesMask returns a copy of g where every to-be-generated cell is
// replaced with maskToken. Given (false) cells are carried over unchanged.
func ApplyCodesMask(g *CodeGrid, m *CodesMask, maskToken int32) (*CodeGrid, error) {
	if err := m.FitsGrid(g); err != nil {
		return nil, err
	}
	out := g.Clone()
	for l := range m.Data {
		for t, gen := range m.Data[l] {
			if gen {
				out.Data[l][t] = maskToken
			}
		}
	}
	return out, nil
}

// ControlMask is a boolean grid over a ControlGrid. The polarity is the
// inverse of CodesMask, because a control mask is used multiplicatively:
// a true cell keeps the control value, a false cell zeroes it out
// (the control is withheld from the model there).
type ControlMask struct {
	Data [][]bool `json:"data" msgpack:"data"`
}

// NewControlMask allocates an all-false (channels x steps) control mask.
func NewControlMask(channels, steps int) *ControlMask {
	data := make([][]bool, channels)
	for c := range data {
		data[c] = make([]bool, steps)
	}
	return &ControlMask{Data: data}
}

// Channels returns the number of control channels.
func (m *ControlMask) Channels() int { return len(m.Data) }

// Steps returns the number of time steps.
func (m *ControlMask) Steps() int {
	if len(m.Data) == 0 {
		return 0
	}
	return len(m.Data[0])
}

// IsRetained reports whether the control value at (channel, step) is
// supplied to the model.
func (m *ControlMask) IsRetained(channel, step int) bool { return m.Data[channel][step] }

// Count returns the number of retained (true) cells.
func (m *ControlMask) Count() int {
	n := 0
	for _, row := range m.Data {
		for _, v := range row {
			if v {
				n++
			}
		}
	}
	return n
}

// Ratio returns the fraction of retained cells.
func (m *ControlMask) Ratio() float64 {
	total := m.Channels() * m.Steps()
	if total == 0 {
		return 0
	}
	return float64(m.Count()) / float64(total)
}

// Clone returns a deep copy of the mask.
func (m *ControlMask) Clone() *ControlMask {
	out := make([][]bool, len(m.Data))
	for c, row := range m.Data {
		out[c] = make([]bool, len(row))
		copy(out[c], row)
	}
	return &ControlMask{Data: out}
}

// FitsGrid checks that the mask has the same (channels x steps) shape as
// the control grid.
func (m *ControlMask) FitsGrid(g *ControlGrid) error {
	if m.Channels() != g.Channels() || m.Steps() != g.Steps() {
		return fmt.Errorf("%w: control mask is %dx%d, control grid is %dx%d",
			ErrShapeMismatch, m.Channels(), m.Steps(), g.Channels(), g.Steps())
	}
	for c, row := range m.Data {
		if len(row) != m.Steps() {
			return fmt.Errorf("%w: control mask channel %d has %d steps", ErrShapeMismatch, c, len(row))
		}
	}
	return nil
}

// ApplyControlMask returns a copy of g with withheld (false) cells zeroed.
// This is the multiplicative interpretation of the control mask.
func ApplyControlMask(g *ControlGrid, m *ControlMask) (*ControlGrid, error) {
	if err := m.FitsGrid(g); err != nil {
		return nil, err
	}
	out := g.Clone()
	for c := range m.Data {
		for t, keep := range m.Data[c] {
			if !keep {
				out.Data[c][t] = 0
			}
		}
	}
	return out, nil
}
