package codec

import (
	"fmt"
	"math"

	"github.com/loopgen/loopgen/pkg/grid"
)

// SynthConfig configures the synthetic frame codec.
type SynthConfig struct {
	SampleRate int `yaml:"sample_rate" json:"sample_rate"`
	HopLength  int `yaml:"hop_length" json:"hop_length"`
	Levels     int `yaml:"levels" json:"levels"`
	VocabSize  int `yaml:"vocab_size" json:"vocab_size"`
}

// DefaultSynthConfig matches the default neural codec frame layout:
// 44.1 kHz, 512-sample hop, 4 levels, 1024 tokens per level.
func DefaultSynthConfig() SynthConfig {
	return SynthConfig{
		SampleRate: 44100,
		HopLength:  512,
		Levels:     4,
		VocabSize:  1024,
	}
}

// Synth is a deterministic, self-contained codec for tests and dry runs.
// Each hop-length frame is encoded as its first Levels DCT coefficients,
// mu-law quantized to the vocabulary; decoding inverts the truncated DCT.
// Reconstruction is a low-pass approximation: bounded distortion,
// non-degenerate for in-band content.
type Synth struct {
	cfg SynthConfig
}

// NewSynth creates a synthetic codec.
func NewSynth(cfg SynthConfig) (*Synth, error) {
	if cfg.SampleRate <= 0 || cfg.HopLength <= 0 || cfg.Levels <= 0 || cfg.VocabSize < 2 {
		return nil, fmt.Errorf("codec: invalid synth config %+v", cfg)
	}
	if cfg.Levels > cfg.HopLength {
		return nil, fmt.Errorf("codec: levels %d exceed hop %d", cfg.Levels, cfg.HopLength)
	}
	return &Synth{cfg: cfg}, nil
}

func (s *Synth) SampleRate() int { return s.cfg.SampleRate }
func (s *Synth) HopLength() int  { return s.cfg.HopLength }
func (s *Synth) Levels() int     { return s.cfg.Levels }
func (s *Synth) VocabSize() int  { return s.cfg.VocabSize }

const muLaw = 255.0

// Encode implements Codec.
func (s *Synth) Encode(pcm []float32) (*grid.CodeGrid, error) {
	hop := s.cfg.HopLength
	if len(pcm) == 0 || len(pcm)%hop != 0 {
		return nil, fmt.Errorf("%w: %d samples is not a positive multiple of hop %d", ErrBadWave, len(pcm), hop)
	}
	steps := len(pcm) / hop
	g := grid.NewCodeGrid(s.cfg.Levels, steps)

	n := float64(hop)
	for t := 0; t < steps; t++ {
		frame := pcm[t*hop : (t+1)*hop]
		for l := 0; l < s.cfg.Levels; l++ {
			// DCT-II coefficient l, scaled so a unit basis cosine
			// encodes to 1.
			c := 0.0
			for i, x := range frame {
				c += float64(x) * math.Cos(math.Pi*(float64(i)+0.5)*float64(l)/n)
			}
			c *= 2 / n
			g.Data[l][t] = s.quantize(c)
		}
	}
	return g, nil
}

// Decode implements Codec.
func (s *Synth) Decode(g *grid.CodeGrid) ([]float32, error) {
	if err := g.Validate(s.cfg.VocabSize); err != nil {
		return nil, err
	}
	if g.Levels() != s.cfg.Levels {
		return nil, fmt.Errorf("%w: grid has %d levels, codec has %d", grid.ErrShapeMismatch, g.Levels(), s.cfg.Levels)
	}
	hop := s.cfg.HopLength
	steps := g.Steps()
	out := make([]float32, steps*hop)

	n := float64(hop)
	coeff := make([]float64, s.cfg.Levels)
	for t := 0; t < steps; t++ {
		for l := range coeff {
			coeff[l] = s.dequantize(g.Data[l][t])
		}
		base := t * hop
		for i := 0; i < hop; i++ {
			v := coeff[0] / 2
			for l := 1; l < len(coeff); l++ {
				v += coeff[l] * math.Cos(math.Pi*(float64(i)+0.5)*float64(l)/n)
			}
			out[base+i] = float32(v)
		}
	}
	return out, nil
}

// quantize mu-law compands v (clipped to [-1, 1]) onto the vocabulary.
func (s *Synth) quantize(v float64) int32 {
	v = math.Max(-1, math.Min(1, v))
	c := math.Copysign(math.Log(1+muLaw*math.Abs(v))/math.Log(1+muLaw), v)
	tok := math.Round((c + 1) / 2 * float64(s.cfg.VocabSize-1))
	return int32(tok)
}

// dequantize inverts quantize.
func (s *Synth) dequantize(tok int32) float64 {
	c := float64(tok)/float64(s.cfg.VocabSize-1)*2 - 1
	return math.Copysign((math.Pow(1+muLaw, math.Abs(c))-1)/muLaw, c)
}
