// Package dataset resolves chunk references to fixed-duration audio
// windows ready for encoding: read the window from the file, mix to mono,
// resample to the codec rate, and normalize loudness.
//
// Error policy for unreadable or too-short windows: skip and resample.
// A failing chunk is logged and replaced by a freshly drawn one, up to
// [Config.MaxAttempts] draws; the loader never silently returns a short
// window. This policy is applied uniformly for every data error.
package dataset

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"

	resampling "github.com/tphakala/go-audio-resampling"

	"github.com/loopgen/loopgen/pkg/chunkdb"
)

// ErrExhausted is returned when MaxAttempts consecutive chunk draws all
// failed to resolve.
var ErrExhausted = errors.New("dataset: too many unreadable chunks")

// Config controls window resolution.
type Config struct {
	// SampleRate is the codec sample rate windows are delivered at.
	SampleRate int `yaml:"sample_rate" json:"sample_rate"`

	// WindowSamples is the exact length of every delivered window.
	WindowSamples int `yaml:"window_samples" json:"window_samples"`

	// NormalizeDB is the target RMS loudness in dBFS. Zero disables
	// normalization.
	NormalizeDB float64 `yaml:"normalize_db" json:"normalize_db"`

	// MaxAttempts bounds skip-and-resample draws per window. Default 10.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`
}

// DefaultConfig returns the window config for the default codec layout:
// three seconds of 44.1 kHz audio, normalized to -16 dBFS.
func DefaultConfig() Config {
	return Config{
		SampleRate:    44100,
		WindowSamples: 132096, // 258 hops of 512 at 44.1 kHz
		NormalizeDB:   -16,
		MaxAttempts:   10,
	}
}

// Loader resolves chunks to audio windows.
type Loader struct {
	cfg   Config
	idx   *chunkdb.Index
	cache *Cache
	log   *slog.Logger
}

// NewLoader creates a Loader over a chunk index. cache may be nil to
// disable window caching; log may be nil for slog.Default().
func NewLoader(cfg Config, idx *chunkdb.Index, cache *Cache, log *slog.Logger) (*Loader, error) {
	if cfg.SampleRate <= 0 || cfg.WindowSamples <= 0 {
		return nil, fmt.Errorf("dataset: invalid config: rate=%d window=%d", cfg.SampleRate, cfg.WindowSamples)
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if log == nil {
		log = slog.Default()
	}
	return &Loader{cfg: cfg, idx: idx, cache: cache, log: log}, nil
}

// Window draws chunks from the index until one resolves, per the
// skip-and-resample policy, and returns the resolved window with the
// chunk it came from.
func (l *Loader) Window(rng *rand.Rand) ([]float32, chunkdb.Chunk, error) {
	for attempt := 0; attempt < l.cfg.MaxAttempts; attempt++ {
		chunk, err := l.idx.Sample(rng)
		if err != nil {
			return nil, chunkdb.Chunk{}, err
		}
		pcm, err := l.Resolve(chunk)
		if err == nil {
			return pcm, chunk, nil
		}
		l.log.Warn("dataset: skipping chunk",
			"path", chunk.Path, "offset", chunk.Offset, "attempt", attempt+1, "err", err)
	}
	return nil, chunkdb.Chunk{}, fmt.Errorf("%w (%d attempts)", ErrExhausted, l.cfg.MaxAttempts)
}

// Resolve reads one chunk's window. Returns exactly WindowSamples samples
// at the configured rate, or an error; never a silently short window.
func (l *Loader) Resolve(chunk chunkdb.Chunk) ([]float32, error) {
	if l.cache != nil {
		if pcm, ok := l.cache.Get(chunk, l.cfg.SampleRate, l.cfg.WindowSamples); ok {
			return pcm, nil
		}
	}

	pcm, err := l.readWindow(chunk)
	if err != nil {
		return nil, err
	}
	if l.cfg.NormalizeDB != 0 {
		normalize(pcm, l.cfg.NormalizeDB)
	}

	if l.cache != nil {
		l.cache.Put(chunk, l.cfg.SampleRate, l.cfg.WindowSamples, pcm)
	}
	return pcm, nil
}

func (l *Loader) readWindow(chunk chunkdb.Chunk) ([]float32, error) {
	// Probe the header first so we know how many source samples a full
	// window needs at this file's rate.
	_, fileRate, err := readWAVWindow(chunk.Path, chunk.Offset, 1)
	if err != nil {
		return nil, err
	}

	want := l.cfg.WindowSamples
	srcN := want
	if fileRate != l.cfg.SampleRate {
		// A little margin against resampler rounding.
		srcN = int(math.Ceil(float64(want)*float64(fileRate)/float64(l.cfg.SampleRate))) + 16
	}

	src, _, err := readWAVWindow(chunk.Path, chunk.Offset, srcN)
	if err != nil {
		return nil, err
	}

	if fileRate != l.cfg.SampleRate {
		src, err = resampleWindow(src, fileRate, l.cfg.SampleRate)
		if err != nil {
			return nil, err
		}
	}
	if len(src) < want {
		return nil, fmt.Errorf("%w: %s@%.2fs has %d samples, want %d",
			ErrShortWindow, chunk.Path, chunk.Offset, len(src), want)
	}
	return src[:want], nil
}

// resampleWindow converts a whole window between sample rates.
func resampleWindow(pcm []float32, from, to int) ([]float32, error) {
	rs, err := resampling.New(&resampling.Config{
		InputRate:  float64(from),
		OutputRate: float64(to),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("dataset: resampler: %w", err)
	}

	input := make([]float64, len(pcm))
	for i, s := range pcm {
		input[i] = float64(s)
	}
	output, err := rs.Process(input)
	if err != nil {
		return nil, fmt.Errorf("dataset: resample: %w", err)
	}
	out := make([]float32, len(output))
	for i, s := range output {
		out[i] = float32(s)
	}
	return out, nil
}

// normalize scales pcm in place to the target RMS loudness in dBFS,
// clipping to [-1, 1].
func normalize(pcm []float32, targetDB float64) {
	sum := 0.0
	for _, s := range pcm {
		sum += float64(s) * float64(s)
	}
	rms := math.Sqrt(sum / float64(len(pcm)))
	if rms == 0 {
		return
	}
	gain := math.Pow(10, targetDB/20) / rms
	for i, s := range pcm {
		v := float64(s) * gain
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		pcm[i] = float32(v)
	}
}
