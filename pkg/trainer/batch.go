package trainer

import (
	"fmt"
	"math/rand/v2"

	"github.com/loopgen/loopgen/pkg/chunkdb"
	"github.com/loopgen/loopgen/pkg/codec"
	"github.com/loopgen/loopgen/pkg/control"
	"github.com/loopgen/loopgen/pkg/dataset"
	"github.com/loopgen/loopgen/pkg/grid"
	"github.com/loopgen/loopgen/pkg/mask"
)

// IgnoreIndex marks target positions that contribute no loss: every
// position the model was given rather than asked to generate.
const IgnoreIndex = -100

// Example is one training element: a masked code grid, the controls
// that condition it, and the loss targets.
type Example struct {
	// MaskedCodes is the code grid with generate positions replaced by
	// the mask token.
	MaskedCodes *grid.CodeGrid `msgpack:"masked_codes"`

	// CodesMask records which positions are to be generated (1).
	CodesMask *grid.CodesMask `msgpack:"codes_mask"`

	// Targets holds the original token at generate positions and
	// IgnoreIndex everywhere else.
	Targets *grid.CodeGrid `msgpack:"targets"`

	// Ctrls and CtrlMask carry the conditioning signals; withheld
	// control cells are already zeroed.
	Ctrls    *grid.ControlGrid `msgpack:"ctrls"`
	CtrlMask *grid.ControlMask `msgpack:"ctrl_mask"`

	// R is the schedule position the mask ratio was drawn from.
	R float64 `msgpack:"r"`

	// Chunk identifies the source window for reproducibility.
	Chunk chunkdb.Chunk `msgpack:"chunk"`
}

// Batch is one optimizer step's worth of examples. Seed is the stream
// seed the examples were drawn under, for replaying a step.
type Batch struct {
	Examples []Example `msgpack:"examples"`
	Step     int       `msgpack:"step"`
	Seed     uint64    `msgpack:"seed"`
}

// Builder assembles training examples from raw audio windows. A Builder
// holds only immutable configuration and is safe for concurrent use;
// every random stream lives in the per-call arguments.
type Builder struct {
	loader *dataset.Loader
	codec  codec.Codec
	ctrl   *control.Extractor

	codesCfg mask.Config
	ctrlCfg  mask.Config
}

// NewBuilder wires the pipeline stages together. codesCfg.Ratio and
// ctrlCfg.Ratio are overridden per example by a fresh schedule draw.
func NewBuilder(loader *dataset.Loader, cdc codec.Codec, ctrl *control.Extractor,
	codesCfg, ctrlCfg mask.Config) (*Builder, error) {
	if err := codesCfg.Validate(); err != nil {
		return nil, fmt.Errorf("trainer: codes mask config: %w", err)
	}
	if !ctrlCfg.LinkToCodes {
		if err := ctrlCfg.Validate(); err != nil {
			return nil, fmt.Errorf("trainer: control mask config: %w", err)
		}
	}
	return &Builder{
		loader:   loader,
		codec:    cdc,
		ctrl:     ctrl,
		codesCfg: codesCfg,
		ctrlCfg:  ctrlCfg,
	}, nil
}

// Example draws one window and assembles a training example. The codes
// mask and control mask are sampled independently, each from its own
// schedule draw. rng and masker must not be shared across goroutines.
func (b *Builder) Example(rng *rand.Rand, masker *mask.Generator) (Example, error) {
	pcm, chunk, err := b.loader.Window(rng)
	if err != nil {
		return Example{}, err
	}
	return b.fromWindow(rng, masker, pcm, chunk)
}

func (b *Builder) fromWindow(rng *rand.Rand, masker *mask.Generator, pcm []float32, chunk chunkdb.Chunk) (Example, error) {
	pcm = codec.CutToHop(pcm, b.codec.HopLength())
	codes, err := b.codec.Encode(pcm)
	if err != nil {
		return Example{}, fmt.Errorf("trainer: encode window: %w", err)
	}
	ctrls, err := b.ctrl.Extract(pcm, codes.Steps())
	if err != nil {
		return Example{}, fmt.Errorf("trainer: extract controls: %w", err)
	}

	r := rng.Float64()
	codesCfg := b.codesCfg
	codesCfg.Ratio = mask.Schedule(r)
	cm, err := masker.Codes(codes.Levels(), codes.Steps(), codesCfg)
	if err != nil {
		return Example{}, err
	}

	ctrlCfg := b.ctrlCfg
	var ctrlCodes *grid.CodesMask
	if ctrlCfg.LinkToCodes {
		ctrlCodes = cm
	} else {
		ctrlCfg.Ratio = mask.Schedule(rng.Float64())
	}
	ctrlM, err := masker.Controls(ctrls.Channels(), ctrls.Steps(), ctrlCfg, ctrlCodes)
	if err != nil {
		return Example{}, err
	}

	masked, err := grid.ApplyCodesMask(codes, cm, codec.MaskToken(b.codec))
	if err != nil {
		return Example{}, err
	}
	maskedCtrls, err := grid.ApplyControlMask(ctrls, ctrlM)
	if err != nil {
		return Example{}, err
	}

	return Example{
		MaskedCodes: masked,
		CodesMask:   cm,
		Targets:     targets(codes, cm),
		Ctrls:       maskedCtrls,
		CtrlMask:    ctrlM,
		R:           r,
		Chunk:       chunk,
	}, nil
}

// Batch assembles size examples from one stream seed. The random
// streams are derived from (seed, step) alone, so two calls with the
// same arguments produce identical batches and a recorded Batch.Seed
// replays its step. Each call owns its streams; concurrent workers can
// share the Builder.
func (b *Builder) Batch(seed uint64, size, step int) (*Batch, error) {
	rng := rand.New(rand.NewPCG(seed, uint64(step)))
	masker := mask.New(rng.Uint64())

	batch := &Batch{Examples: make([]Example, 0, size), Step: step, Seed: seed}
	for len(batch.Examples) < size {
		ex, err := b.Example(rng, masker)
		if err != nil {
			return nil, err
		}
		batch.Examples = append(batch.Examples, ex)
	}
	return batch, nil
}

// targets copies the original token at every generate position and
// writes IgnoreIndex at every given position.
func targets(codes *grid.CodeGrid, cm *grid.CodesMask) *grid.CodeGrid {
	out := grid.NewCodeGrid(codes.Levels(), codes.Steps())
	for l := range out.Data {
		for t := range out.Data[l] {
			if cm.Data[l][t] {
				out.Data[l][t] = codes.Data[l][t]
			} else {
				out.Data[l][t] = IgnoreIndex
			}
		}
	}
	return out
}
