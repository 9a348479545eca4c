package codec

import (
	"fmt"
	"os"

	"github.com/loopgen/loopgen/pkg/grid"
	"github.com/loopgen/loopgen/pkg/ort"
)

// ONNXConfig describes a neural codec exported as a pair of ONNX graphs.
//
// The encoder graph takes a float32 wave of shape (1, 1, samples) and
// returns int64 codes of shape (1, levels, steps); the decoder inverts it.
type ONNXConfig struct {
	EncoderPath string `yaml:"encoder_path" json:"encoder_path"`
	DecoderPath string `yaml:"decoder_path" json:"decoder_path"`

	SampleRate int `yaml:"sample_rate" json:"sample_rate"`
	HopLength  int `yaml:"hop_length" json:"hop_length"`
	Levels     int `yaml:"levels" json:"levels"`
	VocabSize  int `yaml:"vocab_size" json:"vocab_size"`
}

// ONNX is a Codec backed by onnxruntime sessions for an exported neural
// codec (encoder and decoder graphs).
type ONNX struct {
	cfg     ONNXConfig
	encoder *ort.Session
	decoder *ort.Session
}

// NewONNX loads the encoder and decoder graphs into the given runtime
// environment.
func NewONNX(env *ort.Env, cfg ONNXConfig) (*ONNX, error) {
	if cfg.SampleRate <= 0 || cfg.HopLength <= 0 || cfg.Levels <= 0 || cfg.VocabSize < 2 {
		return nil, fmt.Errorf("codec: invalid onnx config %+v", cfg)
	}
	encData, err := os.ReadFile(cfg.EncoderPath)
	if err != nil {
		return nil, fmt.Errorf("codec: read encoder: %w", err)
	}
	decData, err := os.ReadFile(cfg.DecoderPath)
	if err != nil {
		return nil, fmt.Errorf("codec: read decoder: %w", err)
	}
	encoder, err := env.NewSession(encData)
	if err != nil {
		return nil, fmt.Errorf("codec: load encoder: %w", err)
	}
	decoder, err := env.NewSession(decData)
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("codec: load decoder: %w", err)
	}
	return &ONNX{cfg: cfg, encoder: encoder, decoder: decoder}, nil
}

// Close releases both sessions.
func (c *ONNX) Close() error {
	c.encoder.Close()
	return c.decoder.Close()
}

func (c *ONNX) SampleRate() int { return c.cfg.SampleRate }
func (c *ONNX) HopLength() int  { return c.cfg.HopLength }
func (c *ONNX) Levels() int     { return c.cfg.Levels }
func (c *ONNX) VocabSize() int  { return c.cfg.VocabSize }

// Encode implements Codec.
func (c *ONNX) Encode(pcm []float32) (*grid.CodeGrid, error) {
	hop := c.cfg.HopLength
	if len(pcm) == 0 || len(pcm)%hop != 0 {
		return nil, fmt.Errorf("%w: %d samples is not a positive multiple of hop %d", ErrBadWave, len(pcm), hop)
	}
	steps := len(pcm) / hop

	in, err := ort.NewFloatTensor([]int64{1, 1, int64(len(pcm))}, pcm)
	if err != nil {
		return nil, err
	}
	defer in.Close()

	outs, err := c.encoder.Run([]string{"audio"}, []*ort.Tensor{in}, []string{"codes"})
	if err != nil {
		return nil, fmt.Errorf("codec: encode: %w", err)
	}
	defer outs[0].Close()

	raw, err := outs[0].Int64s()
	if err != nil {
		return nil, err
	}
	if len(raw) != c.cfg.Levels*steps {
		return nil, fmt.Errorf("codec: encoder returned %d tokens, want %d", len(raw), c.cfg.Levels*steps)
	}

	g := grid.NewCodeGrid(c.cfg.Levels, steps)
	for l := 0; l < c.cfg.Levels; l++ {
		for t := 0; t < steps; t++ {
			g.Data[l][t] = int32(raw[l*steps+t])
		}
	}
	return g, nil
}

// Decode implements Codec.
func (c *ONNX) Decode(g *grid.CodeGrid) ([]float32, error) {
	if err := g.Validate(c.cfg.VocabSize); err != nil {
		return nil, err
	}
	if g.Levels() != c.cfg.Levels {
		return nil, fmt.Errorf("%w: grid has %d levels, codec has %d", grid.ErrShapeMismatch, g.Levels(), c.cfg.Levels)
	}
	steps := g.Steps()
	raw := make([]int64, c.cfg.Levels*steps)
	for l := 0; l < c.cfg.Levels; l++ {
		for t := 0; t < steps; t++ {
			raw[l*steps+t] = int64(g.Data[l][t])
		}
	}

	in, err := ort.NewInt64Tensor([]int64{1, int64(c.cfg.Levels), int64(steps)}, raw)
	if err != nil {
		return nil, err
	}
	defer in.Close()

	outs, err := c.decoder.Run([]string{"codes"}, []*ort.Tensor{in}, []string{"audio"})
	if err != nil {
		return nil, fmt.Errorf("codec: decode: %w", err)
	}
	defer outs[0].Close()

	wave, err := outs[0].Floats()
	if err != nil {
		return nil, err
	}
	want := steps * c.cfg.HopLength
	if len(wave) < want {
		return nil, fmt.Errorf("codec: decoder returned %d samples, want %d", len(wave), want)
	}
	return wave[:want], nil
}
