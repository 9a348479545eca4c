package trainer_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"path/filepath"
	"sync"
	"testing"

	"github.com/loopgen/loopgen/pkg/checkpoint"
	"github.com/loopgen/loopgen/pkg/chunkdb"
	"github.com/loopgen/loopgen/pkg/codec"
	"github.com/loopgen/loopgen/pkg/control"
	"github.com/loopgen/loopgen/pkg/dataset"
	"github.com/loopgen/loopgen/pkg/mask"
	"github.com/loopgen/loopgen/pkg/trainer"
)

func writeFixture(t *testing.T, rate int, durSec float64) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fixture.wav")
	n := int(durSec * float64(rate))
	pcm := make([]float32, n)
	for i := range pcm {
		pcm[i] = float32(0.5 * math.Sin(2*math.Pi*220*float64(i)/float64(rate)))
	}
	if err := dataset.WriteWAV(path, pcm, rate); err != nil {
		t.Fatalf("WriteWAV: %v", err)
	}
	return path
}

func testBuilder(t *testing.T, linkCtrl bool) (*trainer.Builder, codec.Codec) {
	t.Helper()
	path := writeFixture(t, 44100, 3)
	idx := chunkdb.FromChunks([]chunkdb.Chunk{
		{Path: path, Offset: 0, Duration: 1, TotalDuration: 3},
		{Path: path, Offset: 1, Duration: 1, TotalDuration: 3},
	})

	dcfg := dataset.DefaultConfig()
	dcfg.WindowSamples = 44100
	loader, err := dataset.NewLoader(dcfg, idx, nil, slog.Default())
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}

	cdc, err := codec.NewSynth(codec.DefaultSynthConfig())
	if err != nil {
		t.Fatalf("NewSynth: %v", err)
	}
	ext, err := control.New(control.DefaultConfig())
	if err != nil {
		t.Fatalf("control.New: %v", err)
	}

	ctrlCfg := mask.Config{Policy: mask.PolicyPerStep, Ratio: 0.5}
	if linkCtrl {
		ctrlCfg = mask.Config{LinkToCodes: true}
	}
	b, err := trainer.NewBuilder(loader, cdc, ext,
		mask.Config{Policy: mask.PolicyPerCell, Ratio: 0.5}, ctrlCfg)
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	return b, cdc
}

func TestExampleShapes(t *testing.T) {
	b, cdc := testBuilder(t, false)
	rng := rand.New(rand.NewPCG(1, 1))

	ex, err := b.Example(rng, mask.New(1))
	if err != nil {
		t.Fatalf("Example: %v", err)
	}

	wantSteps := 44100 / cdc.HopLength()
	if ex.MaskedCodes.Steps() != wantSteps {
		t.Fatalf("codes steps = %d, want %d", ex.MaskedCodes.Steps(), wantSteps)
	}
	if ex.MaskedCodes.Levels() != cdc.Levels() {
		t.Fatalf("codes levels = %d, want %d", ex.MaskedCodes.Levels(), cdc.Levels())
	}
	if ex.Ctrls.Steps() != wantSteps {
		t.Fatalf("ctrl steps = %d, want %d", ex.Ctrls.Steps(), wantSteps)
	}
	if ex.R < 0 || ex.R >= 1 {
		t.Fatalf("schedule draw %f outside [0,1)", ex.R)
	}
}

func TestTargetsIgnoreGivenPositions(t *testing.T) {
	b, cdc := testBuilder(t, false)
	rng := rand.New(rand.NewPCG(2, 2))

	ex, err := b.Example(rng, mask.New(2))
	if err != nil {
		t.Fatalf("Example: %v", err)
	}
	maskTok := codec.MaskToken(cdc)
	for l := range ex.Targets.Data {
		for s, tgt := range ex.Targets.Data[l] {
			if ex.CodesMask.Data[l][s] {
				if tgt == trainer.IgnoreIndex {
					t.Fatalf("generate position (%d,%d) has ignore target", l, s)
				}
				if ex.MaskedCodes.Data[l][s] != maskTok {
					t.Fatalf("generate position (%d,%d) not replaced by mask token", l, s)
				}
			} else {
				if tgt != trainer.IgnoreIndex {
					t.Fatalf("given position (%d,%d) has loss target %d", l, s, tgt)
				}
				if ex.MaskedCodes.Data[l][s] == maskTok {
					t.Fatalf("given position (%d,%d) was masked", l, s)
				}
			}
		}
	}
}

func TestLinkedControlMask(t *testing.T) {
	b, _ := testBuilder(t, true)
	rng := rand.New(rand.NewPCG(3, 3))

	ex, err := b.Example(rng, mask.New(3))
	if err != nil {
		t.Fatalf("Example: %v", err)
	}
	// Linked controls are retained exactly where no level is generated.
	for s := 0; s < ex.CodesMask.Steps(); s++ {
		gen := false
		for l := 0; l < ex.CodesMask.Levels(); l++ {
			if ex.CodesMask.Data[l][s] {
				gen = true
				break
			}
		}
		for c := 0; c < ex.CtrlMask.Channels(); c++ {
			if ex.CtrlMask.Data[c][s] == gen {
				t.Fatalf("step %d: generated=%v but control retained=%v", s, gen, ex.CtrlMask.Data[c][s])
			}
		}
	}
}

func TestBatchSize(t *testing.T) {
	b, _ := testBuilder(t, false)

	batch, err := b.Batch(44, 3, 17)
	if err != nil {
		t.Fatalf("Batch: %v", err)
	}
	if len(batch.Examples) != 3 {
		t.Fatalf("batch has %d examples, want 3", len(batch.Examples))
	}
	if batch.Step != 17 {
		t.Fatalf("batch step = %d, want 17", batch.Step)
	}
	if batch.Seed != 44 {
		t.Fatalf("batch seed = %d, want 44", batch.Seed)
	}
}

func sameBatch(a, b *trainer.Batch) bool {
	if len(a.Examples) != len(b.Examples) {
		return false
	}
	for i := range a.Examples {
		x, y := &a.Examples[i], &b.Examples[i]
		if x.R != y.R || x.Chunk.Path != y.Chunk.Path || x.Chunk.Offset != y.Chunk.Offset {
			return false
		}
		for l := range x.CodesMask.Data {
			for s := range x.CodesMask.Data[l] {
				if x.CodesMask.Data[l][s] != y.CodesMask.Data[l][s] {
					return false
				}
			}
		}
		for l := range x.MaskedCodes.Data {
			for s := range x.MaskedCodes.Data[l] {
				if x.MaskedCodes.Data[l][s] != y.MaskedCodes.Data[l][s] {
					return false
				}
			}
		}
	}
	return true
}

func TestBatchDeterministicForSeed(t *testing.T) {
	b, _ := testBuilder(t, false)

	first, err := b.Batch(99, 4, 7)
	if err != nil {
		t.Fatalf("Batch: %v", err)
	}
	second, err := b.Batch(99, 4, 7)
	if err != nil {
		t.Fatalf("Batch: %v", err)
	}
	if !sameBatch(first, second) {
		t.Fatal("same seed and step produced different batches")
	}

	other, err := b.Batch(100, 4, 7)
	if err != nil {
		t.Fatalf("Batch: %v", err)
	}
	if sameBatch(first, other) {
		t.Fatal("different seeds produced identical batches")
	}
}

func TestBatchConcurrentAssembly(t *testing.T) {
	b, _ := testBuilder(t, false)

	reference, err := b.Batch(7, 2, 0)
	if err != nil {
		t.Fatalf("Batch: %v", err)
	}

	const workers = 4
	got := make([]*trainer.Batch, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			got[w], errs[w] = b.Batch(7, 2, 0)
		}(w)
	}
	wg.Wait()

	for w := 0; w < workers; w++ {
		if errs[w] != nil {
			t.Fatalf("worker %d: %v", w, errs[w])
		}
		if !sameBatch(reference, got[w]) {
			t.Fatalf("worker %d assembled a batch that differs from the sequential one", w)
		}
	}
}

func TestConfigValidation(t *testing.T) {
	cfg := trainer.DefaultConfig()
	cfg.CodesMasking = mask.Config{Policy: "bogus", Ratio: 0.5}
	if err := cfg.Validate(); err == nil {
		t.Fatal("unknown mask policy accepted")
	}

	cfg = trainer.DefaultConfig()
	cfg.BatchSize = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("zero batch size accepted")
	}
}

// fakeStepper counts steps and hands back fake weights.
type fakeStepper struct {
	mu    sync.Mutex
	steps int
	evals int
	fail  error
}

func (f *fakeStepper) Step(_ context.Context, batch *trainer.Batch) (*trainer.StepResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	f.steps++
	return &trainer.StepResult{Step: batch.Step, Loss: 1.0 / float64(f.steps)}, nil
}

func (f *fakeStepper) Eval(_ context.Context, batch *trainer.Batch) (*trainer.StepResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evals++
	return &trainer.StepResult{Step: batch.Step, Loss: 0.5, Accuracy: 0.9}, nil
}

func (f *fakeStepper) Export(context.Context) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader([]byte("weights"))), nil
}

func (f *fakeStepper) Close() error { return nil }

func TestRunCompletes(t *testing.T) {
	b, _ := testBuilder(t, false)
	st := &fakeStepper{}

	cfg := trainer.DefaultConfig()
	cfg.Steps = 6
	cfg.BatchSize = 2
	cfg.Workers = 2
	cfg.EvalInterval = 0
	cfg.CheckpointInterval = 0

	tr, err := trainer.New(cfg, b, nil, st, nil, control.DefaultConfig(), slog.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := tr.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st.steps != 6 {
		t.Fatalf("stepper ran %d steps, want 6", st.steps)
	}
}

func TestRunCheckpoints(t *testing.T) {
	b, cdc := testBuilder(t, false)
	st := &fakeStepper{}
	local, err := checkpoint.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	store := checkpoint.NewStore(local)

	cfg := trainer.DefaultConfig()
	cfg.Steps = 4
	cfg.BatchSize = 1
	cfg.Workers = 1
	cfg.EvalInterval = 0
	cfg.CheckpointInterval = 2

	tr, err := trainer.New(cfg, b, nil, st, store, control.DefaultConfig(), slog.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := tr.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	ms, err := store.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(ms) < 2 {
		t.Fatalf("found %d checkpoints, want at least 2", len(ms))
	}
	if ms[0].VocabSize != cdc.VocabSize() || ms[0].HopLength != cdc.HopLength() {
		t.Fatalf("manifest layout %+v does not match codec", ms[0])
	}
}

func TestRunStepperError(t *testing.T) {
	b, _ := testBuilder(t, false)
	wantErr := errors.New("runtime crashed")
	st := &fakeStepper{fail: wantErr}

	cfg := trainer.DefaultConfig()
	cfg.Steps = 3
	cfg.BatchSize = 1
	cfg.Workers = 1
	cfg.EvalInterval = 0
	cfg.CheckpointInterval = 0

	tr, err := trainer.New(cfg, b, nil, st, nil, control.DefaultConfig(), slog.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := tr.Run(context.Background()); !errors.Is(err, wantErr) {
		t.Fatalf("got %v, want stepper error", err)
	}
}
