// Package wav wraps raw PCM byte runs in a canonical WAV container for
// the transcription service. The pipeline's decoder always emits 16 kHz
// mono 16-bit little-endian PCM, so the framing parameters are fixed.
package wav

import (
	"fmt"
	"io"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Canonical PCM format produced by the decoder subprocess.
const (
	SampleRate = 16000
	BitDepth   = 16
	Channels   = 1

	// HeaderSize is the canonical RIFF header length for this format:
	// a framed chunk is always len(pcm)+HeaderSize bytes.
	HeaderSize = 44
)

// Frame wraps raw little-endian 16-bit mono PCM in a WAV container.
// The input length must be even (whole samples).
func Frame(pcm []byte) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("pcm length %d is not sample-aligned", len(pcm))
	}

	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8))
	}

	buf := &seekableBuffer{}
	enc := wav.NewEncoder(buf, SampleRate, BitDepth, Channels, 1)
	err := enc.Write(&audio.IntBuffer{
		Format:         &audio.Format{NumChannels: Channels, SampleRate: SampleRate},
		SourceBitDepth: BitDepth,
		Data:           samples,
	})
	if err != nil {
		return nil, fmt.Errorf("encode wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("finalize wav: %w", err)
	}
	return buf.Bytes(), nil
}

// seekableBuffer is an in-memory io.WriteSeeker. The wav encoder seeks
// back to patch chunk sizes on Close, so bytes.Buffer alone is not enough.
type seekableBuffer struct {
	data []byte
	pos  int
}

func (b *seekableBuffer) Write(p []byte) (int, error) {
	if need := b.pos + len(p); need > len(b.data) {
		if need > cap(b.data) {
			grown := make([]byte, len(b.data), need*2)
			copy(grown, b.data)
			b.data = grown
		}
		b.data = b.data[:need]
	}
	copy(b.data[b.pos:], p)
	b.pos += len(p)
	return len(p), nil
}

func (b *seekableBuffer) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = int64(b.pos) + offset
	case io.SeekEnd:
		abs = int64(len(b.data)) + offset
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}
	if abs < 0 {
		return 0, fmt.Errorf("negative seek position %d", abs)
	}
	b.pos = int(abs)
	return abs, nil
}

func (b *seekableBuffer) Bytes() []byte { return b.data }

var _ io.WriteSeeker = (*seekableBuffer)(nil)
