package looper

import (
	"context"
	"fmt"

	"github.com/loopgen/loopgen/pkg/codec"
	"github.com/loopgen/loopgen/pkg/control"
	"github.com/loopgen/loopgen/pkg/gen"
	"github.com/loopgen/loopgen/pkg/mask"
	"github.com/loopgen/loopgen/pkg/serve"
)

// Generator answers generate requests; remote servers and in-process
// models both fit.
type Generator interface {
	Generate(ctx context.Context, req *serve.GenerateRequest) (*serve.GenerateResponse, error)
}

// VampOptions shape one regeneration pass.
type VampOptions struct {
	// Masking selects which loop positions regenerate. Required.
	Masking mask.Config `yaml:"masking" json:"masking"`

	// CtrlMasking selects which extracted controls steer the model.
	// Zero value (with LinkToCodes false and no policy) sends no
	// controls at all.
	CtrlMasking  mask.Config `yaml:"ctrl_masking" json:"ctrl_masking"`
	SendControls bool        `yaml:"send_controls" json:"send_controls"`

	// Sampling overrides the server's defaults when non-nil.
	Sampling *gen.Config `yaml:"sampling,omitempty" json:"sampling,omitempty"`
}

// Vamper drives regeneration of an engine's loop.
type Vamper struct {
	engine *Engine
	codec  codec.Codec
	ctrl   *control.Extractor
	masker *mask.Generator
	client Generator
}

// NewVamper wires a vamper. ctrl may be nil when controls are never
// sent.
func NewVamper(engine *Engine, cdc codec.Codec, ctrl *control.Extractor, masker *mask.Generator, client Generator) (*Vamper, error) {
	if engine == nil || cdc == nil || masker == nil || client == nil {
		return nil, fmt.Errorf("looper: vamper needs engine, codec, masker and client")
	}
	return &Vamper{engine: engine, codec: cdc, ctrl: ctrl, masker: masker, client: client}, nil
}

// Vamp regenerates the masked part of the loop and swaps the result in.
// The loop length never changes: tokens come back on the same frame
// grid they left on.
func (v *Vamper) Vamp(ctx context.Context, opts VampOptions) error {
	loop, err := v.engine.Loop()
	if err != nil {
		return err
	}

	codes, err := v.codec.Encode(loop)
	if err != nil {
		return fmt.Errorf("looper: encode loop: %w", err)
	}
	cm, err := v.masker.Codes(codes.Levels(), codes.Steps(), opts.Masking)
	if err != nil {
		return fmt.Errorf("looper: draw mask: %w", err)
	}

	req := &serve.GenerateRequest{Codes: codes, CodesMask: cm, Sampling: opts.Sampling}
	if opts.SendControls {
		if v.ctrl == nil {
			return fmt.Errorf("looper: send_controls set but no extractor configured")
		}
		ctrls, err := v.ctrl.Extract(loop, codes.Steps())
		if err != nil {
			return fmt.Errorf("looper: extract controls: %w", err)
		}
		codesForCtrl := cm
		if !opts.CtrlMasking.LinkToCodes {
			codesForCtrl = nil
		}
		ctrlMask, err := v.masker.Controls(ctrls.Channels(), ctrls.Steps(), opts.CtrlMasking, codesForCtrl)
		if err != nil {
			return fmt.Errorf("looper: draw control mask: %w", err)
		}
		req.Ctrls = ctrls
		req.CtrlMask = ctrlMask
	}

	resp, err := v.client.Generate(ctx, req)
	if err != nil {
		return fmt.Errorf("looper: generate: %w", err)
	}
	if resp.Codes == nil {
		return fmt.Errorf("looper: generate returned no codes")
	}

	next, err := v.codec.Decode(resp.Codes)
	if err != nil {
		return fmt.Errorf("looper: decode result: %w", err)
	}
	if len(next) != len(loop) {
		return fmt.Errorf("looper: decoded %d samples for a %d-sample loop", len(next), len(loop))
	}
	return v.engine.Swap(next)
}

// Local runs generation in-process against a loaded model, for dry
// runs and tests.
type Local struct {
	Model     gen.Model
	MaskToken int32
	Sampling  gen.Config
}

// Generate implements Generator.
func (l *Local) Generate(ctx context.Context, req *serve.GenerateRequest) (*serve.GenerateResponse, error) {
	sampling := l.Sampling
	if req.Sampling != nil {
		sampling = *req.Sampling
	}
	out, err := gen.Generate(ctx, l.Model, sampling, l.MaskToken,
		req.Codes, req.CodesMask, req.Ctrls, req.CtrlMask)
	if err != nil {
		return nil, err
	}
	return &serve.GenerateResponse{Codes: out}, nil
}
