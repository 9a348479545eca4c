// Package control extracts low-dimensional time-varying control signals
// from raw audio, aligned frame-exact to a codec's token grid.
//
// Each control channel is a deterministic, stateless function of local
// audio content. Control frame i covers samples [i*hop, i*hop+window),
// the same temporal window as code time-step i, so a control grid can be
// masked and fed to the model alongside the code grid it describes.
//
// Alignment contract: the input wave is deterministically zero-padded at
// the tail (or truncated) to steps*hop samples before framing, so the
// output always has exactly the requested number of steps. For a wave of
// n samples with no explicit step count, the grid has ceil(n/hop) steps.
//
// Extractors are safe for concurrent use across batches: Extract touches
// no shared mutable state.
package control

import (
	"fmt"
	"math"

	"github.com/loopgen/loopgen/pkg/grid"
)

// Channel names accepted by [Config.Channels].
const (
	ChannelRMS      = "rms"      // short-time energy in dB, 1 dim
	ChannelChroma   = "chroma"   // 12-bin pitch-class profile, 12 dims
	ChannelCentroid = "centroid" // normalized spectral centroid, 1 dim
)

// rmsFloorDB is the silence floor for the RMS channel.
const rmsFloorDB = -80.0

// Config controls extraction parameters. HopLength and SampleRate must
// match the codec so that frames line up with code steps.
type Config struct {
	SampleRate int      `yaml:"sample_rate" json:"sample_rate"`
	HopLength  int      `yaml:"hop_length" json:"hop_length"`
	WindowSize int      `yaml:"window_size" json:"window_size"` // default 2*HopLength
	FFTSize    int      `yaml:"fft_size" json:"fft_size"`       // default next pow2 >= WindowSize
	Channels   []string `yaml:"channels" json:"channels"`
}

// DefaultConfig returns the extraction config matching the default codec
// frame layout (44.1 kHz, 512-sample hop) with an RMS channel.
func DefaultConfig() Config {
	return Config{
		SampleRate: 44100,
		HopLength:  512,
		Channels:   []string{ChannelRMS},
	}
}

type channelSpec struct {
	dims     int
	spectral bool
	compute  func(e *Extractor, frame, power []float64, out []float32)
}

var channelRegistry = map[string]channelSpec{
	ChannelRMS:      {dims: 1, compute: (*Extractor).rms},
	ChannelChroma:   {dims: 12, spectral: true, compute: (*Extractor).chroma},
	ChannelCentroid: {dims: 1, spectral: true, compute: (*Extractor).centroid},
}

// Extractor computes a control grid from PCM samples.
type Extractor struct {
	cfg      Config
	specs    []channelSpec
	window   []float64
	chromaPC []int // FFT bin -> pitch class, -1 for out-of-range bins
	dims     int
	spectral bool
}

// New creates an Extractor. An unknown channel name is a configuration
// error and fails here, before any audio is touched.
func New(cfg Config) (*Extractor, error) {
	if cfg.SampleRate <= 0 || cfg.HopLength <= 0 {
		return nil, fmt.Errorf("control: invalid frame layout: rate=%d hop=%d", cfg.SampleRate, cfg.HopLength)
	}
	if len(cfg.Channels) == 0 {
		return nil, fmt.Errorf("control: no channels configured")
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 2 * cfg.HopLength
	}
	if cfg.FFTSize <= 0 {
		cfg.FFTSize = 1
		for cfg.FFTSize < cfg.WindowSize {
			cfg.FFTSize <<= 1
		}
	}
	if cfg.FFTSize&(cfg.FFTSize-1) != 0 {
		return nil, fmt.Errorf("control: fft_size %d is not a power of 2", cfg.FFTSize)
	}
	if cfg.FFTSize < cfg.WindowSize {
		return nil, fmt.Errorf("control: fft_size %d smaller than window %d", cfg.FFTSize, cfg.WindowSize)
	}

	e := &Extractor{cfg: cfg}
	for _, name := range cfg.Channels {
		spec, ok := channelRegistry[name]
		if !ok {
			return nil, fmt.Errorf("control: unknown channel %q", name)
		}
		e.specs = append(e.specs, spec)
		e.dims += spec.dims
		e.spectral = e.spectral || spec.spectral
	}
	e.window = hannWindow(cfg.WindowSize)
	if e.spectral {
		e.chromaPC = chromaBins(cfg.FFTSize, cfg.SampleRate)
	}
	return e, nil
}

// Dims returns the total number of control grid channels.
func (e *Extractor) Dims() int { return e.dims }

// NumSteps returns the step count for a wave of n samples: ceil(n/hop).
func (e *Extractor) NumSteps(n int) int {
	return (n + e.cfg.HopLength - 1) / e.cfg.HopLength
}

// Extract computes the control grid for pcm with exactly steps time steps.
// pcm is normalized float32 audio in [-1, 1]. If steps <= 0 it defaults to
// NumSteps(len(pcm)). A short wave is zero-padded at the tail, a long one
// truncated, so the output shape depends only on steps.
func (e *Extractor) Extract(pcm []float32, steps int) (*grid.ControlGrid, error) {
	if steps <= 0 {
		steps = e.NumSteps(len(pcm))
	}
	if steps == 0 {
		return nil, fmt.Errorf("control: empty wave")
	}
	hop := e.cfg.HopLength
	win := e.cfg.WindowSize
	nfft := e.cfg.FFTSize
	half := nfft / 2

	// Pad or truncate deterministically to the expected sample count.
	need := steps * hop
	wave := make([]float64, need+win) // tail padding so the last frames have a full window
	for i := 0; i < need && i < len(pcm); i++ {
		wave[i] = float64(pcm[i])
	}

	out := grid.NewControlGrid(e.dims, steps)
	frame := make([]float64, win)
	var f *rfft
	var spec, power []float64
	if e.spectral {
		f = newRFFT(nfft)
		spec = make([]float64, nfft)
		power = make([]float64, half)
	}
	row := make([]float32, e.dims)

	for t := 0; t < steps; t++ {
		copy(frame, wave[t*hop:t*hop+win])

		if e.spectral {
			for i := 0; i < nfft; i++ {
				if i < win {
					spec[i] = frame[i] * e.window[i]
				} else {
					spec[i] = 0
				}
			}
			f.Power(spec, power)
		}

		d := 0
		for _, spec := range e.specs {
			spec.compute(e, frame, power, row[d:d+spec.dims])
			d += spec.dims
		}
		for c, v := range row {
			out.Data[c][t] = v
		}
	}
	return out, nil
}

// rms writes the short-time energy of the frame in dB, floored at -80.
func (e *Extractor) rms(frame, _ []float64, out []float32) {
	sum := 0.0
	for _, s := range frame {
		sum += s * s
	}
	v := math.Sqrt(sum / float64(len(frame)))
	db := rmsFloorDB
	if v > 0 {
		db = math.Max(20*math.Log10(v), rmsFloorDB)
	}
	out[0] = float32(db)
}

// chroma writes a 12-bin pitch-class energy profile, peak-normalized
// per frame.
func (e *Extractor) chroma(_, power []float64, out []float32) {
	var bins [12]float64
	for k, pc := range e.chromaPC {
		if pc >= 0 && k < len(power) {
			bins[pc] += power[k]
		}
	}
	peak := 0.0
	for _, v := range bins {
		peak = math.Max(peak, v)
	}
	for i, v := range bins {
		if peak > 0 {
			out[i] = float32(v / peak)
		} else {
			out[i] = 0
		}
	}
}

// centroid writes the spectral centroid normalized to Nyquist, in [0, 1].
func (e *Extractor) centroid(_, power []float64, out []float32) {
	num, den := 0.0, 0.0
	for k := 1; k < len(power); k++ {
		num += float64(k) * power[k]
		den += power[k]
	}
	if den == 0 {
		out[0] = 0
		return
	}
	out[0] = float32(num / den / float64(len(power)))
}

// chromaBins maps each FFT bin to its pitch class (0 = C), or -1 for
// bins below 32 Hz or above 8 kHz.
func chromaBins(nfft, sampleRate int) []int {
	pcs := make([]int, nfft/2)
	for k := range pcs {
		freq := float64(k) * float64(sampleRate) / float64(nfft)
		if freq < 32 || freq > 8000 {
			pcs[k] = -1
			continue
		}
		midi := 69 + 12*math.Log2(freq/440)
		pc := int(math.Round(midi)) % 12
		// MIDI 60 is C4; rotate so pitch class 0 is C.
		pcs[k] = ((pc % 12) + 12) % 12
	}
	return pcs
}
