// Package mask generates codes masks and control masks for masked token
// generation.
//
// A codes mask selects the positions of a code grid the model must
// generate (true = generate). A control mask selects the positions of a
// control grid whose values are supplied to the model (true = keep).
// The two masks are drawn independently: a caller may keep controls while
// generating every code, or the other way around. They are only linked
// when [Config.LinkToCodes] is set explicitly.
//
// A [Generator] is deterministic for a given seed and is not safe for
// concurrent use; batch-preparation workers should each create their own
// from a per-item seed. All policies are pure functions of the generator
// state and the config.
package mask

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/loopgen/loopgen/pkg/grid"
)

// Policy names the spatial correlation scheme of a mask.
type Policy string

const (
	// PolicyPerStep masks whole time steps: at a masked step every
	// codebook level is marked.
	PolicyPerStep Policy = "per_step"

	// PolicyPerCell masks independent (level, step) cells.
	PolicyPerCell Policy = "per_cell"

	// PolicySpan masks contiguous runs of time steps of length SpanLen.
	PolicySpan Policy = "span"

	// PolicyPeriodic keeps every Period-th step and masks the rest.
	// Ratio is ignored.
	PolicyPeriodic Policy = "periodic"
)

// ErrUnknownPolicy is returned for a policy name this package does not
// implement.
var ErrUnknownPolicy = errors.New("mask: unknown policy")

// Config selects a masking policy and its parameters.
//
// The same Config type configures both codes masks and control masks;
// the two are always drawn from independent Configs (and usually
// independent ratios).
type Config struct {
	// Policy is the spatial correlation scheme. Required.
	Policy Policy `yaml:"policy" json:"policy"`

	// Ratio is the target fraction of selected positions in [0, 1].
	// For a codes mask, selected means to-be-generated; for a control
	// mask, selected means retained. Ignored by PolicyPeriodic.
	Ratio float64 `yaml:"ratio" json:"ratio"`

	// SpanLen is the contiguous span length for PolicySpan. Default 4.
	SpanLen int `yaml:"span_len,omitempty" json:"span_len,omitempty"`

	// Period and PeriodWidth configure PolicyPeriodic: every Period-th
	// step, PeriodWidth consecutive steps are left unselected.
	// PeriodWidth defaults to 1.
	Period      int  `yaml:"period,omitempty" json:"period,omitempty"`
	PeriodWidth int  `yaml:"period_width,omitempty" json:"period_width,omitempty"`
	RandomRoll  bool `yaml:"random_roll,omitempty" json:"random_roll,omitempty"`

	// KeepPrefix and KeepSuffix exclude the first/last N steps from
	// selection (inpainting: the edges stay as given conditioning).
	KeepPrefix int `yaml:"keep_prefix,omitempty" json:"keep_prefix,omitempty"`
	KeepSuffix int `yaml:"keep_suffix,omitempty" json:"keep_suffix,omitempty"`

	// CondLevels excludes the first N codebook levels from selection
	// (conditioning codebooks). Codes masks only.
	CondLevels int `yaml:"cond_levels,omitempty" json:"cond_levels,omitempty"`

	// LinkToCodes derives a control mask as the step-wise complement of
	// the codes mask instead of drawing it independently. Control masks
	// only; requires the codes mask to be passed to [Generator.Controls].
	LinkToCodes bool `yaml:"link_to_codes,omitempty" json:"link_to_codes,omitempty"`
}

// Validate checks the config at setup time. Invalid configs are
// configuration errors and must abort the run.
func (c Config) Validate() error {
	switch c.Policy {
	case PolicyPerStep, PolicyPerCell, PolicySpan:
		if c.Ratio < 0 || c.Ratio > 1 {
			return fmt.Errorf("mask: ratio %v outside [0, 1]", c.Ratio)
		}
	case PolicyPeriodic:
		if c.Period < 1 {
			return fmt.Errorf("mask: periodic policy needs period >= 1, got %d", c.Period)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownPolicy, c.Policy)
	}
	if c.KeepPrefix < 0 || c.KeepSuffix < 0 || c.CondLevels < 0 {
		return errors.New("mask: negative structural constraint")
	}
	if c.SpanLen < 0 {
		return errors.New("mask: negative span length")
	}
	return nil
}

func (c Config) spanLen() int {
	if c.SpanLen <= 0 {
		return 4
	}
	return c.SpanLen
}

func (c Config) periodWidth() int {
	if c.PeriodWidth <= 0 {
		return 1
	}
	return c.PeriodWidth
}

// Generator draws masks from a seeded random stream.
type Generator struct {
	rng *rand.Rand
}

// New returns a generator whose draws are reproducible for the given seed.
func New(seed uint64) *Generator {
	return &Generator{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// NewRandom returns a generator with independent draws across calls.
func NewRandom() *Generator {
	return &Generator{rng: rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))}
}

// Codes draws a codes mask of shape (levels x steps). Selected cells are
// marked to-be-generated. With ratio 0 the mask is all-false (nothing to
// generate; callers should treat it as a no-op or reject it), with ratio 1
// every eligible cell is marked (full unconditional generation).
func (g *Generator) Codes(levels, steps int, cfg Config) (*grid.CodesMask, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if levels <= 0 || steps <= 0 {
		return nil, fmt.Errorf("mask: invalid shape %dx%d", levels, steps)
	}
	sel, err := g.select2D(levels, steps, cfg, true)
	if err != nil {
		return nil, err
	}
	return &grid.CodesMask{Data: sel}, nil
}

// Controls draws a control mask of shape (channels x steps). Selected
// cells are marked retained. If cfg.LinkToCodes is set, the mask is the
// step-wise complement of codes: a step whose codes are all given keeps
// its controls, a step with any generated code withholds them.
func (g *Generator) Controls(channels, steps int, cfg Config, codes *grid.CodesMask) (*grid.ControlMask, error) {
	if channels <= 0 || steps <= 0 {
		return nil, fmt.Errorf("mask: invalid shape %dx%d", channels, steps)
	}
	if cfg.LinkToCodes {
		if codes == nil {
			return nil, errors.New("mask: link_to_codes set but no codes mask given")
		}
		if codes.Steps() != steps {
			return nil, fmt.Errorf("%w: codes mask has %d steps, control grid has %d",
				grid.ErrShapeMismatch, codes.Steps(), steps)
		}
		m := grid.NewControlMask(channels, steps)
		for t := 0; t < steps; t++ {
			keep := !anyGenerated(codes, t)
			for c := 0; c < channels; c++ {
				m.Data[c][t] = keep
			}
		}
		return m, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	sel, err := g.select2D(channels, steps, cfg, false)
	if err != nil {
		return nil, err
	}
	return &grid.ControlMask{Data: sel}, nil
}

func anyGenerated(m *grid.CodesMask, step int) bool {
	for l := 0; l < m.Levels(); l++ {
		if m.IsGenerated(l, step) {
			return true
		}
	}
	return false
}

// select2D draws the boolean selection pattern shared by both mask kinds.
// condLevels applies only to codes masks.
func (g *Generator) select2D(rows, steps int, cfg Config, condLevels bool) ([][]bool, error) {
	out := make([][]bool, rows)
	for r := range out {
		out[r] = make([]bool, steps)
	}

	firstRow := 0
	if condLevels {
		firstRow = min(cfg.CondLevels, rows)
	}

	lo := min(cfg.KeepPrefix, steps)
	hi := max(steps-cfg.KeepSuffix, lo)
	eligible := hi - lo
	if eligible == 0 || firstRow == rows {
		return out, nil
	}

	switch cfg.Policy {
	case PolicyPerStep:
		for _, t := range g.pickSteps(lo, hi, roundCount(cfg.Ratio, eligible)) {
			for r := firstRow; r < rows; r++ {
				out[r][t] = true
			}
		}

	case PolicyPerCell:
		nRows := rows - firstRow
		k := roundCount(cfg.Ratio, eligible*nRows)
		for _, idx := range g.pickSteps(0, eligible*nRows, k) {
			r := firstRow + idx/eligible
			t := lo + idx%eligible
			out[r][t] = true
		}

	case PolicySpan:
		g.selectSpans(out, firstRow, lo, hi, cfg)

	case PolicyPeriodic:
		period := cfg.Period
		width := cfg.periodWidth()
		roll := 0
		if cfg.RandomRoll {
			roll = g.rng.IntN(period)
		}
		for t := lo; t < hi; t++ {
			if ((t-lo-roll)%period+period)%period < width {
				continue // kept step
			}
			for r := firstRow; r < rows; r++ {
				out[r][t] = true
			}
		}

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, cfg.Policy)
	}
	return out, nil
}

// selectSpans marks contiguous spans of steps until the target count is
// reached, trimming the overshoot from the last span.
func (g *Generator) selectSpans(out [][]bool, firstRow, lo, hi int, cfg Config) {
	eligible := hi - lo
	want := roundCount(cfg.Ratio, eligible)
	if want == 0 {
		return
	}
	span := min(cfg.spanLen(), eligible)

	marked := make([]bool, eligible)
	count := 0
	for count < want {
		start := g.rng.IntN(eligible - span + 1)
		for i := start; i < start+span && count < want; i++ {
			if !marked[i] {
				marked[i] = true
				count++
			}
		}
	}
	for i, v := range marked {
		if !v {
			continue
		}
		for r := firstRow; r < len(out); r++ {
			out[r][lo+i] = true
		}
	}
}

// pickSteps draws k distinct indices from [lo, hi) via a partial
// Fisher-Yates shuffle.
func (g *Generator) pickSteps(lo, hi, k int) []int {
	n := hi - lo
	if k > n {
		k = n
	}
	if k == 0 {
		return nil
	}
	idx := make([]int, n)
	for i := range idx {
		idx[i] = lo + i
	}
	for i := 0; i < k; i++ {
		j := i + g.rng.IntN(n-i)
		idx[i], idx[j] = idx[j], idx[i]
	}
	return idx[:k]
}

// roundCount converts a target ratio over n positions to a count, rounding
// half away from zero so the realized fraction stays within one rounding
// unit of the target.
func roundCount(ratio float64, n int) int {
	return int(math.Floor(ratio*float64(n) + 0.5))
}

// Schedule is the cosine masking schedule used by iterative generation:
// it maps a progress value r in [0, 1] to the fraction of originally
// masked positions that remain masked after the step at r.
func Schedule(r float64) float64 {
	return math.Cos(r * math.Pi / 2)
}

// Full returns an all-generate codes mask (full unconditional generation).
func Full(levels, steps int) *grid.CodesMask {
	m := grid.NewCodesMask(levels, steps)
	for l := range m.Data {
		for t := range m.Data[l] {
			m.Data[l][t] = true
		}
	}
	return m
}
