package gen

import (
	"context"
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/loopgen/loopgen/pkg/grid"
	"github.com/loopgen/loopgen/pkg/mask"
)

const (
	testVocab     = 32
	testMaskToken = int32(testVocab)
)

// peakModel strongly prefers token (level*7 + step) % vocab at every
// position, so generated content is predictable.
type peakModel struct {
	calls int
}

func (m *peakModel) Logits(_ context.Context, codes *grid.CodeGrid, _ *grid.ControlGrid, _ *grid.ControlMask) ([][][]float32, error) {
	m.calls++
	out := make([][][]float32, codes.Levels())
	for l := range out {
		out[l] = make([][]float32, codes.Steps())
		for t := range out[l] {
			v := make([]float32, testVocab)
			v[(l*7+t)%testVocab] = 50
			out[l][t] = v
		}
	}
	return out, nil
}

func newTestGrid(t *testing.T, levels, steps int) *grid.CodeGrid {
	t.Helper()
	g := grid.NewCodeGrid(levels, steps)
	for l := range g.Data {
		for s := range g.Data[l] {
			g.Data[l][s] = int32((l + s) % testVocab)
		}
	}
	return g
}

func TestGenerateFillsAllMasked(t *testing.T) {
	codes := newTestGrid(t, 4, 20)
	cm := grid.NewCodesMask(4, 20)
	for l := range cm.Data {
		for s := range cm.Data[l] {
			cm.Data[l][s] = true
		}
	}

	out, err := Generate(context.Background(), &peakModel{}, Config{Seed: 7}, testMaskToken, codes, cm, nil, nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	for l := range out.Data {
		for s, tok := range out.Data[l] {
			if tok == testMaskToken {
				t.Fatalf("mask token left at (%d,%d)", l, s)
			}
			if tok < 0 || tok >= testVocab {
				t.Fatalf("token %d at (%d,%d) outside vocab", tok, l, s)
			}
		}
	}
}

func TestGeneratePreservesGivenPositions(t *testing.T) {
	codes := newTestGrid(t, 4, 30)
	cm := grid.NewCodesMask(4, 30)
	// Generate the middle, keep a prefix and suffix.
	for l := range cm.Data {
		for s := 10; s < 20; s++ {
			cm.Data[l][s] = true
		}
	}

	out, err := Generate(context.Background(), &peakModel{}, Config{Seed: 1}, testMaskToken, codes, cm, nil, nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	for l := range cm.Data {
		for s, gen := range cm.Data[l] {
			if !gen && out.Data[l][s] != codes.Data[l][s] {
				t.Fatalf("given position (%d,%d) changed: got %d, want %d",
					l, s, out.Data[l][s], codes.Data[l][s])
			}
		}
	}
}

func TestGenerateAllGivenIsIdentity(t *testing.T) {
	codes := newTestGrid(t, 2, 12)
	cm := grid.NewCodesMask(2, 12)

	m := &peakModel{}
	out, err := Generate(context.Background(), m, Config{}, testMaskToken, codes, cm, nil, nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if m.calls != 0 {
		t.Fatalf("model invoked %d times for an all-given request", m.calls)
	}
	for l := range codes.Data {
		for s := range codes.Data[l] {
			if out.Data[l][s] != codes.Data[l][s] {
				t.Fatalf("identity violated at (%d,%d)", l, s)
			}
		}
	}
}

func TestGenerateSeedDeterminism(t *testing.T) {
	codes := newTestGrid(t, 4, 25)
	gen := mask.New(3)
	cm, err := gen.Codes(4, 25, mask.Config{Policy: mask.PolicyPerCell, Ratio: 0.6})
	if err != nil {
		t.Fatalf("Codes: %v", err)
	}

	run := func() *grid.CodeGrid {
		out, err := Generate(context.Background(), &peakModel{}, Config{Seed: 42, Temperature: 2}, testMaskToken, codes, cm, nil, nil)
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		return out
	}
	a, b := run(), run()
	for l := range a.Data {
		for s := range a.Data[l] {
			if a.Data[l][s] != b.Data[l][s] {
				t.Fatalf("same seed diverged at (%d,%d): %d vs %d", l, s, a.Data[l][s], b.Data[l][s])
			}
		}
	}
}

func TestGenerateRejectsMismatchedMask(t *testing.T) {
	codes := newTestGrid(t, 4, 20)
	cm := grid.NewCodesMask(4, 19)
	_, err := Generate(context.Background(), &peakModel{}, Config{}, testMaskToken, codes, cm, nil, nil)
	if !errors.Is(err, grid.ErrShapeMismatch) {
		t.Fatalf("got %v, want ErrShapeMismatch", err)
	}
}

func TestGenerateRequiresControlPair(t *testing.T) {
	codes := newTestGrid(t, 4, 20)
	cm := grid.NewCodesMask(4, 20)
	cm.Data[0][0] = true
	ctrls := grid.NewControlGrid(1, 20)
	_, err := Generate(context.Background(), &peakModel{}, Config{}, testMaskToken, codes, cm, ctrls, nil)
	if err == nil {
		t.Fatal("controls without a control mask accepted")
	}
}

func TestGenerateModelErrorPropagates(t *testing.T) {
	codes := newTestGrid(t, 2, 10)
	cm := grid.NewCodesMask(2, 10)
	cm.Data[0][0] = true

	wantErr := errors.New("runtime gone")
	m := modelFunc(func(context.Context, *grid.CodeGrid, *grid.ControlGrid, *grid.ControlMask) ([][][]float32, error) {
		return nil, wantErr
	})
	_, err := Generate(context.Background(), m, Config{}, testMaskToken, codes, cm, nil, nil)
	if !errors.Is(err, wantErr) {
		t.Fatalf("got %v, want wrapped model error", err)
	}
}

type modelFunc func(context.Context, *grid.CodeGrid, *grid.ControlGrid, *grid.ControlMask) ([][][]float32, error)

func (f modelFunc) Logits(ctx context.Context, c *grid.CodeGrid, g *grid.ControlGrid, m *grid.ControlMask) ([][][]float32, error) {
	return f(ctx, c, g, m)
}

func newTestRNG() *rand.Rand { return rand.New(rand.NewPCG(1, 2)) }

func TestSamplingFilters(t *testing.T) {
	logits := make([]float32, testVocab)
	logits[5] = 100 // effectively one-hot

	rng := newTestRNG()
	for i := 0; i < 20; i++ {
		tok, prob := sampleToken(rng, logits, Config{Temperature: 1, TopP: 0.9}.withDefaults())
		if tok != 5 {
			t.Fatalf("one-hot distribution sampled %d", tok)
		}
		if prob < 0.99 {
			t.Fatalf("one-hot probability %f", prob)
		}
	}
}

func TestTypicalFilterKeepsMinTokens(t *testing.T) {
	probs := make([]float64, 16)
	for i := range probs {
		probs[i] = 1.0 / 16
	}
	typicalFilter(probs, 0.01, 4)
	kept := 0
	for _, p := range probs {
		if p > 0 {
			kept++
		}
	}
	if kept < 4 {
		t.Fatalf("typical filter kept %d tokens, want at least 4", kept)
	}
}
