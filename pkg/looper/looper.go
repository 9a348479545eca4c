// Package looper holds a live loop of audio and regenerates slices of
// it through a token model. The engine owns one loop buffer whose
// length is always a whole number of codec hops, so the loop's code
// grid has no partial frame.
package looper

import (
	"errors"
	"fmt"
	"math"
	"sync"
)

// Config sizes the loop engine.
type Config struct {
	SampleRate int `yaml:"sample_rate" json:"sample_rate"`
	HopLength  int `yaml:"hop_length" json:"hop_length"`

	// MaxSeconds caps the loop length. Default 30.
	MaxSeconds float64 `yaml:"max_seconds" json:"max_seconds"`

	// CrossfadeMS is the equal-power seam fade applied when new
	// material replaces part of the loop. Default 20.
	CrossfadeMS float64 `yaml:"crossfade_ms" json:"crossfade_ms"`
}

// DefaultConfig returns the engine defaults at the usual codec layout.
func DefaultConfig() Config {
	return Config{SampleRate: 44100, HopLength: 512, MaxSeconds: 30, CrossfadeMS: 20}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SampleRate <= 0 {
		c.SampleRate = d.SampleRate
	}
	if c.HopLength <= 0 {
		c.HopLength = d.HopLength
	}
	if c.MaxSeconds <= 0 {
		c.MaxSeconds = d.MaxSeconds
	}
	if c.CrossfadeMS <= 0 {
		c.CrossfadeMS = d.CrossfadeMS
	}
	return c
}

var (
	ErrNoLoop      = errors.New("looper: no loop captured")
	ErrLoopTooLong = errors.New("looper: capture exceeds max loop length")
)

// Engine is a thread-safe loop buffer.
type Engine struct {
	cfg Config

	mu   sync.Mutex
	loop []float32
}

// NewEngine creates an empty engine.
func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg.withDefaults()}
}

// Capture replaces the loop with pcm, truncated to a whole number of
// hops. At least one full hop is required.
func (e *Engine) Capture(pcm []float32) error {
	hop := e.cfg.HopLength
	n := len(pcm) - len(pcm)%hop
	if n == 0 {
		return fmt.Errorf("looper: capture of %d samples is shorter than one hop (%d)", len(pcm), hop)
	}
	if float64(n)/float64(e.cfg.SampleRate) > e.cfg.MaxSeconds {
		return fmt.Errorf("%w: %d samples at %d Hz", ErrLoopTooLong, n, e.cfg.SampleRate)
	}

	buf := make([]float32, n)
	copy(buf, pcm[:n])

	e.mu.Lock()
	e.loop = buf
	e.mu.Unlock()
	return nil
}

// Loop returns a copy of the current loop.
func (e *Engine) Loop() ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.loop) == 0 {
		return nil, ErrNoLoop
	}
	out := make([]float32, len(e.loop))
	copy(out, e.loop)
	return out, nil
}

// Len returns the loop length in samples (0 when empty).
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.loop)
}

// Steps returns the loop length in codec frames.
func (e *Engine) Steps() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.loop) / e.cfg.HopLength
}

// Overdub mixes pcm into the loop at gain, wrapping around the loop
// boundary. The loop length does not change.
func (e *Engine) Overdub(pcm []float32, gain float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.loop) == 0 {
		return ErrNoLoop
	}
	g := float32(gain)
	for i, v := range pcm {
		e.loop[i%len(e.loop)] += v * g
	}
	return nil
}

// Swap replaces the loop body with next, equal-power crossfading the
// seam where old material meets new so regeneration never clicks. next
// must have the loop's exact length.
func (e *Engine) Swap(next []float32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.loop) == 0 {
		return ErrNoLoop
	}
	if len(next) != len(e.loop) {
		return fmt.Errorf("looper: swap of %d samples into a %d-sample loop", len(next), len(e.loop))
	}

	fade := e.fadeSamples()
	buf := make([]float32, len(next))
	copy(buf, next)
	for i := 0; i < fade && i < len(buf); i++ {
		// Fade in from the old loop at the seam.
		t := float64(i) / float64(fade)
		in := float32(math.Sin(t * math.Pi / 2))
		out := float32(math.Cos(t * math.Pi / 2))
		buf[i] = buf[i]*in + e.loop[i]*out
	}
	e.loop = buf
	return nil
}

func (e *Engine) fadeSamples() int {
	n := int(e.cfg.CrossfadeMS / 1000 * float64(e.cfg.SampleRate))
	if n < 1 {
		n = 1
	}
	return n
}

// Clear drops the loop.
func (e *Engine) Clear() {
	e.mu.Lock()
	e.loop = nil
	e.mu.Unlock()
}
