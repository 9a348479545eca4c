package dataset

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
)

// ErrShortWindow is returned when an audio file cannot supply the full
// requested window.
var ErrShortWindow = errors.New("dataset: short window")

const (
	wavFormatPCM   = 1
	wavFormatFloat = 3
)

type wavInfo struct {
	format     uint16
	channels   int
	sampleRate int
	bitsPerSmp int
	dataOffset int64 // byte offset of the data chunk payload
	dataLen    int64
}

// readWAVWindow reads up to n mono samples starting offsetSec into the
// file, mixing channels down and normalizing to [-1, 1]. It returns the
// samples and the file's sample rate. Fewer than n samples are returned
// only when the file ends early; the caller decides whether that is a
// short window.
func readWAVWindow(path string, offsetSec float64, n int) ([]float32, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	info, err := parseWAVHeader(f)
	if err != nil {
		return nil, 0, fmt.Errorf("dataset: %s: %w", path, err)
	}

	bytesPerSmp := info.bitsPerSmp / 8
	frameBytes := int64(bytesPerSmp * info.channels)
	startFrame := int64(offsetSec * float64(info.sampleRate))
	start := startFrame * frameBytes
	if start >= info.dataLen {
		return nil, info.sampleRate, fmt.Errorf("%w: offset %.2fs beyond data", ErrShortWindow, offsetSec)
	}

	avail := (info.dataLen - start) / frameBytes
	frames := int64(n)
	if frames > avail {
		frames = avail
	}

	if _, err := f.Seek(info.dataOffset+start, io.SeekStart); err != nil {
		return nil, 0, err
	}
	raw := make([]byte, frames*frameBytes)
	if _, err := io.ReadFull(f, raw); err != nil {
		return nil, 0, fmt.Errorf("dataset: %s: %w", path, err)
	}

	out := make([]float32, frames)
	ch := info.channels
	for i := int64(0); i < frames; i++ {
		sum := 0.0
		for c := 0; c < ch; c++ {
			off := (i*int64(ch) + int64(c)) * int64(bytesPerSmp)
			switch info.format {
			case wavFormatPCM:
				s := int16(binary.LittleEndian.Uint16(raw[off:]))
				sum += float64(s) / 32768.0
			case wavFormatFloat:
				sum += float64(math.Float32frombits(binary.LittleEndian.Uint32(raw[off:])))
			}
		}
		out[i] = float32(sum / float64(ch))
	}
	return out, info.sampleRate, nil
}

// parseWAVHeader walks the RIFF chunks to the fmt and data chunks.
func parseWAVHeader(f *os.File) (wavInfo, error) {
	var hdr [12]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		return wavInfo{}, err
	}
	if string(hdr[0:4]) != "RIFF" || string(hdr[8:12]) != "WAVE" {
		return wavInfo{}, errors.New("not a RIFF/WAVE file")
	}

	var info wavInfo
	sawFmt := false
	pos := int64(12)
	for {
		var chunk [8]byte
		if _, err := f.ReadAt(chunk[:], pos); err != nil {
			return wavInfo{}, errors.New("missing data chunk")
		}
		id := string(chunk[0:4])
		size := int64(binary.LittleEndian.Uint32(chunk[4:8]))

		switch id {
		case "fmt ":
			var fmtBuf [16]byte
			if _, err := f.ReadAt(fmtBuf[:], pos+8); err != nil {
				return wavInfo{}, err
			}
			info.format = binary.LittleEndian.Uint16(fmtBuf[0:2])
			info.channels = int(binary.LittleEndian.Uint16(fmtBuf[2:4]))
			info.sampleRate = int(binary.LittleEndian.Uint32(fmtBuf[4:8]))
			info.bitsPerSmp = int(binary.LittleEndian.Uint16(fmtBuf[14:16]))
			sawFmt = true
		case "data":
			if !sawFmt {
				return wavInfo{}, errors.New("data chunk before fmt chunk")
			}
			info.dataOffset = pos + 8
			info.dataLen = size
			if err := validateWAVFormat(info); err != nil {
				return wavInfo{}, err
			}
			return info, nil
		}

		// Chunks are word-aligned.
		pos += 8 + size + size&1
	}
}

func validateWAVFormat(info wavInfo) error {
	switch {
	case info.format == wavFormatPCM && info.bitsPerSmp == 16:
	case info.format == wavFormatFloat && info.bitsPerSmp == 32:
	default:
		return fmt.Errorf("unsupported wav format %d/%d-bit", info.format, info.bitsPerSmp)
	}
	if info.channels < 1 || info.sampleRate <= 0 {
		return fmt.Errorf("bad wav header: %d channels at %d Hz", info.channels, info.sampleRate)
	}
	return nil
}

// writeWAV writes mono float32 samples as a 16-bit PCM WAV file.
// Used by the vamp command and by tests to fabricate fixtures.
func writeWAV(path string, samples []float32, sampleRate int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dataLen := len(samples) * 2
	var hdr [44]byte
	copy(hdr[0:4], "RIFF")
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(36+dataLen))
	copy(hdr[8:12], "WAVE")
	copy(hdr[12:16], "fmt ")
	binary.LittleEndian.PutUint32(hdr[16:20], 16)
	binary.LittleEndian.PutUint16(hdr[20:22], wavFormatPCM)
	binary.LittleEndian.PutUint16(hdr[22:24], 1)
	binary.LittleEndian.PutUint32(hdr[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(hdr[28:32], uint32(sampleRate*2))
	binary.LittleEndian.PutUint16(hdr[32:34], 2)
	binary.LittleEndian.PutUint16(hdr[34:36], 16)
	copy(hdr[36:40], "data")
	binary.LittleEndian.PutUint32(hdr[40:44], uint32(dataLen))
	if _, err := f.Write(hdr[:]); err != nil {
		return err
	}

	buf := make([]byte, dataLen)
	for i, s := range samples {
		v := float64(s)
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(int16(v*32767)))
	}
	_, err = f.Write(buf)
	return err
}

// WriteWAV writes mono float32 samples as a 16-bit PCM WAV file.
func WriteWAV(path string, samples []float32, sampleRate int) error {
	return writeWAV(path, samples, sampleRate)
}

// ReadWAV reads a whole mono-mixed WAV file.
func ReadWAV(path string) ([]float32, int, error) {
	return readWAVWindow(path, 0, 1<<31)
}
