// Package gen implements iterative masked token generation: starting
// from a partially masked code grid, it repeatedly asks the model for
// logits, samples tokens for the masked positions, and re-masks the
// least confident ones on a cosine schedule until every position is
// committed.
//
// The package owns two correctness invariants:
//
//   - identity preservation: a position whose codes mask is 0 (given)
//     is returned byte-for-byte unchanged, never regenerated;
//   - shape agreement: masks and grids are validated before the model
//     is invoked.
package gen

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/loopgen/loopgen/pkg/grid"
	"github.com/loopgen/loopgen/pkg/mask"
)

// Model produces token logits for a partially masked code grid. Masked
// positions of codes carry the mask token; ctrls and ctrlMask are nil
// when the request supplies no controls.
//
// The returned logits have shape [levels][steps][vocab].
type Model interface {
	Logits(ctx context.Context, codes *grid.CodeGrid, ctrls *grid.ControlGrid, ctrlMask *grid.ControlMask) ([][][]float32, error)
}

// Config tunes the sampling loop.
type Config struct {
	// Steps is the number of refinement iterations. Default 12.
	Steps int `yaml:"steps" json:"steps"`

	// Temperature scales sampling randomness. Default 1.0.
	Temperature float64 `yaml:"temperature" json:"temperature"`

	// MaskTemperature scales the noise added to confidences when
	// choosing which positions to re-mask. Default 10.5.
	MaskTemperature float64 `yaml:"mask_temperature" json:"mask_temperature"`

	// TopP keeps only the smallest probability mass >= TopP when
	// sampling. 0 disables.
	TopP float64 `yaml:"top_p,omitempty" json:"top_p,omitempty"`

	// TypicalFiltering keeps the locally typical probability mass
	// TypicalMass (at least TypicalMinTokens tokens) when sampling.
	TypicalFiltering bool    `yaml:"typical_filtering,omitempty" json:"typical_filtering,omitempty"`
	TypicalMass      float64 `yaml:"typical_mass,omitempty" json:"typical_mass,omitempty"`
	TypicalMinTokens int     `yaml:"typical_min_tokens,omitempty" json:"typical_min_tokens,omitempty"`

	// Seed makes generation reproducible when >= 0. Default -1.
	Seed int64 `yaml:"seed" json:"seed"`
}

// DefaultConfig returns the sampling defaults.
func DefaultConfig() Config {
	return Config{
		Steps:            12,
		Temperature:      1.0,
		MaskTemperature:  10.5,
		TypicalMass:      0.15,
		TypicalMinTokens: 64,
		Seed:             -1,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Steps <= 0 {
		c.Steps = d.Steps
	}
	if c.Temperature <= 0 {
		c.Temperature = d.Temperature
	}
	if c.MaskTemperature <= 0 {
		c.MaskTemperature = d.MaskTemperature
	}
	if c.TypicalMass <= 0 {
		c.TypicalMass = d.TypicalMass
	}
	if c.TypicalMinTokens <= 0 {
		c.TypicalMinTokens = d.TypicalMinTokens
	}
	return c
}

type position struct{ level, step int }

// Generate completes a partially masked code grid. Every position where
// cm is 1 is replaced by a generated token; every position where cm is 0
// is echoed unchanged. ctrls and ctrlMask are optional but must come
// together and be time-aligned with codes.
func Generate(ctx context.Context, model Model, cfg Config, maskToken int32,
	codes *grid.CodeGrid, cm *grid.CodesMask,
	ctrls *grid.ControlGrid, ctrlMask *grid.ControlMask,
) (*grid.CodeGrid, error) {
	if err := validateRequest(codes, cm, ctrls, ctrlMask); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	var rng *rand.Rand
	if cfg.Seed >= 0 {
		rng = rand.New(rand.NewPCG(uint64(cfg.Seed), 0))
	} else {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}

	cur, err := grid.ApplyCodesMask(codes, cm, maskToken)
	if err != nil {
		return nil, err
	}

	open := make([]position, 0, cm.Count())
	for l := range cm.Data {
		for t, gen := range cm.Data[l] {
			if gen {
				open = append(open, position{l, t})
			}
		}
	}
	if len(open) == 0 {
		// Nothing to generate; echo the input.
		return codes.Clone(), nil
	}
	startOpen := len(open)

	for step := 0; step < cfg.Steps && len(open) > 0; step++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r := float64(step+1) / float64(cfg.Steps)

		logits, err := model.Logits(ctx, cur, ctrls, ctrlMask)
		if err != nil {
			return nil, fmt.Errorf("gen: model: %w", err)
		}
		if err := checkLogitsShape(logits, codes); err != nil {
			return nil, err
		}

		// Sample every still-open position and record its confidence.
		conf := make([]float64, len(open))
		for i, p := range open {
			tok, prob := sampleToken(rng, logits[p.level][p.step], cfg)
			cur.Data[p.level][p.step] = tok
			conf[i] = prob
		}

		numToMask := int(math.Floor(mask.Schedule(r) * float64(startOpen)))
		if step != cfg.Steps-1 {
			numToMask = max(1, min(len(open)-1, numToMask))
		} else {
			numToMask = 0
		}

		open = remaskLowConfidence(rng, cur, open, conf, numToMask, maskToken, cfg.MaskTemperature*(1-r))
	}

	// Identity invariant: given positions come straight from the input.
	out := cur
	for l := range cm.Data {
		for t, gen := range cm.Data[l] {
			if !gen {
				out.Data[l][t] = codes.Data[l][t]
			} else if out.Data[l][t] == maskToken {
				return nil, errors.New("gen: position left unsampled after final step")
			}
		}
	}
	return out, nil
}

func validateRequest(codes *grid.CodeGrid, cm *grid.CodesMask, ctrls *grid.ControlGrid, ctrlMask *grid.ControlMask) error {
	if codes == nil || cm == nil {
		return errors.New("gen: codes and codes mask are required")
	}
	if err := codes.Validate(0); err != nil {
		return err
	}
	if err := cm.FitsGrid(codes); err != nil {
		return err
	}
	if (ctrls == nil) != (ctrlMask == nil) {
		return errors.New("gen: control grid and control mask must come together")
	}
	if ctrls != nil {
		if err := ctrls.AlignedWith(codes); err != nil {
			return err
		}
		if err := ctrlMask.FitsGrid(ctrls); err != nil {
			return err
		}
	}
	return nil
}

func checkLogitsShape(logits [][][]float32, codes *grid.CodeGrid) error {
	if len(logits) != codes.Levels() {
		return fmt.Errorf("%w: model returned %d levels of logits, want %d",
			grid.ErrShapeMismatch, len(logits), codes.Levels())
	}
	for l := range logits {
		if len(logits[l]) != codes.Steps() {
			return fmt.Errorf("%w: model returned %d steps of logits at level %d, want %d",
				grid.ErrShapeMismatch, len(logits[l]), l, codes.Steps())
		}
	}
	return nil
}

// remaskLowConfidence puts the numToMask least confident fresh samples
// back to the mask token and returns the still-open positions. Gumbel
// noise scaled by temp keeps early steps exploratory.
func remaskLowConfidence(rng *rand.Rand, cur *grid.CodeGrid, open []position, conf []float64, numToMask int, maskToken int32, temp float64) []position {
	if numToMask <= 0 {
		return nil
	}
	type scored struct {
		pos   position
		score float64
	}
	items := make([]scored, len(open))
	for i, p := range open {
		score := math.Log(conf[i] + 1e-20)
		if temp > 0 {
			score += temp * gumbel(rng)
		}
		items[i] = scored{pos: p, score: score}
	}
	// Partial selection sort for the numToMask lowest scores.
	for i := 0; i < numToMask && i < len(items); i++ {
		lo := i
		for j := i + 1; j < len(items); j++ {
			if items[j].score < items[lo].score {
				lo = j
			}
		}
		items[i], items[lo] = items[lo], items[i]
	}

	still := make([]position, 0, numToMask)
	for i := 0; i < numToMask && i < len(items); i++ {
		p := items[i].pos
		cur.Data[p.level][p.step] = maskToken
		still = append(still, p)
	}
	return still
}
