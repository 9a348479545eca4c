// Package trainer assembles masked-token training batches and drives an
// external optimizer through the Stepper interface. Batch assembly is
// pure Go: sample a chunk, load and normalize its window, encode it,
// extract controls, draw independent masks, and ship the result to the
// runtime that owns the model weights.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/loopgen/loopgen/pkg/checkpoint"
	"github.com/loopgen/loopgen/pkg/control"
	"github.com/loopgen/loopgen/pkg/mask"
)

// StepResult reports one optimizer or evaluation step.
type StepResult struct {
	Step     int     `msgpack:"step" json:"step"`
	Loss     float64 `msgpack:"loss" json:"loss"`
	Accuracy float64 `msgpack:"accuracy,omitempty" json:"accuracy,omitempty"`
}

// Stepper is the boundary to the process that owns model weights and
// gradients. Step consumes a batch and updates the model; Eval scores a
// batch without updating; Export snapshots the current weights.
type Stepper interface {
	Step(ctx context.Context, batch *Batch) (*StepResult, error)
	Eval(ctx context.Context, batch *Batch) (*StepResult, error)
	Export(ctx context.Context) (io.ReadCloser, error)
	Close() error
}

// Config tunes the training loop.
type Config struct {
	BatchSize int `yaml:"batch_size" json:"batch_size"`
	Steps     int `yaml:"steps" json:"steps"`

	// Workers is the number of parallel batch assemblers. QueueDepth
	// bounds how many assembled batches wait for the stepper.
	Workers    int `yaml:"workers" json:"workers"`
	QueueDepth int `yaml:"queue_depth" json:"queue_depth"`

	LogInterval        int `yaml:"log_interval" json:"log_interval"`
	EvalInterval       int `yaml:"eval_interval" json:"eval_interval"`
	EvalBatches        int `yaml:"eval_batches" json:"eval_batches"`
	CheckpointInterval int `yaml:"checkpoint_interval" json:"checkpoint_interval"`

	Seed int64 `yaml:"seed" json:"seed"`

	CodesMasking mask.Config `yaml:"codes_masking" json:"codes_masking"`
	CtrlMasking  mask.Config `yaml:"ctrl_masking" json:"ctrl_masking"`
}

// DefaultConfig returns the training defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:          8,
		Steps:              250_000,
		Workers:            4,
		QueueDepth:         8,
		LogInterval:        100,
		EvalInterval:       1000,
		EvalBatches:        16,
		CheckpointInterval: 10_000,
		Seed:               0,
		CodesMasking:       mask.Config{Policy: mask.PolicyPerCell, Ratio: 0.5},
		CtrlMasking:        mask.Config{Policy: mask.PolicyPerStep, Ratio: 0.5},
	}
}

// Validate rejects configurations that cannot train.
func (c Config) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("trainer: batch size must be positive, got %d", c.BatchSize)
	}
	if c.Steps <= 0 {
		return fmt.Errorf("trainer: steps must be positive, got %d", c.Steps)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("trainer: workers must be positive, got %d", c.Workers)
	}
	if err := c.CodesMasking.Validate(); err != nil {
		return fmt.Errorf("trainer: codes masking: %w", err)
	}
	if !c.CtrlMasking.LinkToCodes {
		if err := c.CtrlMasking.Validate(); err != nil {
			return fmt.Errorf("trainer: control masking: %w", err)
		}
	}
	return nil
}

// Trainer owns the training loop.
type Trainer struct {
	cfg     Config
	train   *Builder
	val     *Builder
	stepper Stepper
	ckpts   *checkpoint.Store
	ctrlCfg control.Config
	log     *slog.Logger
}

// New assembles a trainer. val may be nil to disable evaluation; ckpts
// may be nil to disable checkpointing.
func New(cfg Config, train, val *Builder, stepper Stepper, ckpts *checkpoint.Store, ctrlCfg control.Config, log *slog.Logger) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if train == nil {
		return nil, errors.New("trainer: train builder is required")
	}
	if stepper == nil {
		return nil, errors.New("trainer: stepper is required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Trainer{cfg: cfg, train: train, val: val, stepper: stepper, ckpts: ckpts, ctrlCfg: ctrlCfg, log: log}, nil
}

// Run trains for cfg.Steps optimizer steps or until ctx is canceled.
func (t *Trainer) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	batches := make(chan *Batch, t.cfg.QueueDepth)
	errs := make(chan error, t.cfg.Workers)

	var wg sync.WaitGroup
	var next int64
	var nextMu sync.Mutex
	takeStep := func() int {
		nextMu.Lock()
		defer nextMu.Unlock()
		s := int(next)
		next++
		return s
	}

	for w := 0; w < t.cfg.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				step := takeStep()
				if step >= t.cfg.Steps {
					return
				}
				batch, err := t.train.Batch(batchSeed(uint64(t.cfg.Seed), uint64(step)), t.cfg.BatchSize, step)
				if err != nil {
					select {
					case errs <- err:
					case <-ctx.Done():
					}
					return
				}
				select {
				case batches <- batch:
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(batches)
	}()

	start := time.Now()
	done := 0
	for done < t.cfg.Steps {
		var batch *Batch
		var ok bool
		select {
		case err := <-errs:
			cancel()
			return fmt.Errorf("trainer: assemble batch: %w", err)
		case <-ctx.Done():
			return ctx.Err()
		case batch, ok = <-batches:
			if !ok {
				select {
				case err := <-errs:
					return fmt.Errorf("trainer: assemble batch: %w", err)
				default:
					return errors.New("trainer: batch pipeline closed early")
				}
			}
		}

		res, err := t.stepper.Step(ctx, batch)
		if err != nil {
			return fmt.Errorf("trainer: step %d: %w", batch.Step, err)
		}
		done++

		if t.cfg.LogInterval > 0 && done%t.cfg.LogInterval == 0 {
			t.log.Info("train step",
				"step", res.Step,
				"loss", res.Loss,
				"steps_per_sec", float64(done)/time.Since(start).Seconds())
		}
		if t.val != nil && t.cfg.EvalInterval > 0 && done%t.cfg.EvalInterval == 0 {
			if err := t.evaluate(ctx, res.Step); err != nil {
				return err
			}
		}
		if t.ckpts != nil && t.cfg.CheckpointInterval > 0 && done%t.cfg.CheckpointInterval == 0 {
			if err := t.checkpoint(ctx, res.Step); err != nil {
				return err
			}
		}
	}

	if t.ckpts != nil {
		return t.checkpoint(ctx, t.cfg.Steps)
	}
	return nil
}

// evalSalt keeps the evaluation batch stream disjoint from training.
const evalSalt = 0x5eed

// batchSeed derives the stream seed for one optimizer step, so a batch
// is a function of the run seed and the step regardless of which worker
// assembles it.
func batchSeed(base, step uint64) uint64 {
	return (base + step + 1) * 0x9e3779b97f4a7c15
}

func (t *Trainer) evaluate(ctx context.Context, step int) error {
	var loss, acc float64
	n := 0
	for i := 0; i < t.cfg.EvalBatches; i++ {
		seed := batchSeed(uint64(t.cfg.Seed)^evalSalt, uint64(step)<<16+uint64(i))
		batch, err := t.val.Batch(seed, t.cfg.BatchSize, step)
		if err != nil {
			return fmt.Errorf("trainer: eval batch: %w", err)
		}
		res, err := t.stepper.Eval(ctx, batch)
		if err != nil {
			return fmt.Errorf("trainer: eval step %d: %w", step, err)
		}
		loss += res.Loss
		acc += res.Accuracy
		n++
	}
	t.log.Info("eval",
		"step", step,
		"loss", loss/float64(n),
		"accuracy", acc/float64(n),
		"batches", n)
	return nil
}

func (t *Trainer) checkpoint(ctx context.Context, step int) error {
	blob, err := t.stepper.Export(ctx)
	if err != nil {
		return fmt.Errorf("trainer: export weights: %w", err)
	}
	defer blob.Close()

	cdc := t.train.codec
	m := checkpoint.Manifest{
		Step:       step,
		CodesMask:  t.cfg.CodesMasking,
		CtrlMask:   t.cfg.CtrlMasking,
		Control:    t.ctrlCfg,
		Levels:     cdc.Levels(),
		VocabSize:  cdc.VocabSize(),
		HopLength:  cdc.HopLength(),
		SampleRate: cdc.SampleRate(),
	}
	id, err := t.ckpts.Save(ctx, m, blob)
	if err != nil {
		return fmt.Errorf("trainer: save checkpoint: %w", err)
	}
	t.log.Info("checkpoint saved", "id", id, "step", step)
	return nil
}
