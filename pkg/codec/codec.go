// Package codec adapts a neural audio codec to the token-grid data model.
//
// A codec is a pure pair of functions: Encode turns a fixed-duration mono
// wave into a discrete (levels x steps) code grid, Decode turns a code
// grid back into a wave. Nothing else is assumed about the codec; the
// compression scheme itself is an external collaborator.
//
// Two implementations are provided: [Synth], a self-contained frame codec
// used by tests and the looper's dry-run mode, and the onnxruntime-backed
// codec in onnx.go that drives a real neural codec exported to ONNX.
package codec

import (
	"errors"

	"github.com/loopgen/loopgen/pkg/grid"
)

// ErrBadWave is returned for waves a codec cannot encode (empty, or not a
// whole number of hops after cutting).
var ErrBadWave = errors.New("codec: bad wave")

// Codec converts between raw audio and code grids.
// Implementations must be safe for concurrent use.
type Codec interface {
	// Encode converts normalized float32 PCM into a code grid.
	// The wave length must be a positive multiple of HopLength;
	// use CutToHop first.
	Encode(pcm []float32) (*grid.CodeGrid, error)

	// Decode reconstructs a wave of Steps()*HopLength samples.
	Decode(g *grid.CodeGrid) ([]float32, error)

	// SampleRate is the codec's sample rate in Hz.
	SampleRate() int

	// HopLength is the number of samples per code time step.
	HopLength() int

	// Levels is the number of codebook levels per time step.
	Levels() int

	// VocabSize is the per-level codebook size; tokens are in [0, VocabSize).
	VocabSize() int
}

// MaskToken returns the sentinel token for masked positions of a codec's
// grids: one past the last valid token.
func MaskToken(c Codec) int32 {
	return int32(c.VocabSize())
}

// CutToHop truncates pcm to the largest multiple of hop, so that encoding
// yields whole time steps only.
func CutToHop(pcm []float32, hop int) []float32 {
	if hop <= 0 {
		return pcm
	}
	return pcm[:len(pcm)/hop*hop]
}
