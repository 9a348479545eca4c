package gen

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/loopgen/loopgen/pkg/grid"
	"github.com/loopgen/loopgen/pkg/ort"
)

// ONNXModel adapts an exported transformer session to the Model
// interface. The graph takes codes as int64 [1, levels, steps] plus an
// optional controls input [1, dims, steps] and returns logits as
// float32 [1, levels, steps, vocab].
type ONNXModel struct {
	mu   sync.Mutex
	sess *ort.Session

	vocab     int
	ctrlInput bool
}

// ONNXModelConfig locates and describes the exported model graph.
type ONNXModelConfig struct {
	Path      string `yaml:"path" json:"path"`
	VocabSize int    `yaml:"vocab_size" json:"vocab_size"`

	// HasControls declares whether the graph carries the ctrls and
	// ctrl_mask inputs.
	HasControls bool `yaml:"has_controls" json:"has_controls"`
}

// NewONNXModel loads the model graph from cfg.Path.
func NewONNXModel(env *ort.Env, cfg ONNXModelConfig) (*ONNXModel, error) {
	if cfg.VocabSize <= 0 {
		return nil, fmt.Errorf("gen: vocab size must be positive, got %d", cfg.VocabSize)
	}
	data, err := os.ReadFile(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("gen: read model: %w", err)
	}
	sess, err := env.NewSession(data)
	if err != nil {
		return nil, fmt.Errorf("gen: load model: %w", err)
	}
	return &ONNXModel{sess: sess, vocab: cfg.VocabSize, ctrlInput: cfg.HasControls}, nil
}

// Close releases the underlying session.
func (m *ONNXModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess.Close()
}

// Logits runs one forward pass. The session is not reentrant, so
// concurrent callers serialize on the model's mutex.
func (m *ONNXModel) Logits(ctx context.Context, codes *grid.CodeGrid, ctrls *grid.ControlGrid, ctrlMask *grid.ControlMask) ([][][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	levels, steps := codes.Levels(), codes.Steps()

	flat := make([]int64, 0, levels*steps)
	for l := range codes.Data {
		for _, tok := range codes.Data[l] {
			flat = append(flat, int64(tok))
		}
	}
	in, err := ort.NewInt64Tensor([]int64{1, int64(levels), int64(steps)}, flat)
	if err != nil {
		return nil, err
	}
	defer in.Close()

	names := []string{"codes"}
	inputs := []*ort.Tensor{in}
	if m.ctrlInput && ctrls != nil {
		masked, err := grid.ApplyControlMask(ctrls, ctrlMask)
		if err != nil {
			return nil, err
		}
		cflat := make([]float32, 0, len(masked.Data)*steps)
		for d := range masked.Data {
			cflat = append(cflat, masked.Data[d]...)
		}
		ct, err := ort.NewFloatTensor([]int64{1, int64(len(masked.Data)), int64(steps)}, cflat)
		if err != nil {
			return nil, err
		}
		defer ct.Close()
		names = append(names, "ctrls")
		inputs = append(inputs, ct)
	}

	m.mu.Lock()
	outs, err := m.sess.Run(names, inputs, []string{"logits"})
	m.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("gen: forward pass: %w", err)
	}
	defer outs[0].Close()

	raw, err := outs[0].Floats()
	if err != nil {
		return nil, err
	}
	want := levels * steps * m.vocab
	if len(raw) != want {
		return nil, fmt.Errorf("gen: model emitted %d logits, want %d", len(raw), want)
	}
	logits := make([][][]float32, levels)
	for l := range logits {
		logits[l] = make([][]float32, steps)
		for t := range logits[l] {
			off := (l*steps + t) * m.vocab
			logits[l][t] = raw[off : off+m.vocab]
		}
	}
	return logits, nil
}
