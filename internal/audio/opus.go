package audio

import (
	"fmt"

	"github.com/hraban/opus"
)

// OpusDecoder converts opus packets into the float32 wire format so opus
// sessions feed the same validation and buffering path as raw PCM ones.
// Not safe for concurrent use; each session owns its own decoder.
type OpusDecoder struct {
	dec  *opus.Decoder
	rate int
	pcm  []int16
}

// NewOpusDecoder creates a mono decoder at the given sample rate (the
// session input rate, typically 48 kHz).
func NewOpusDecoder(sampleRate int) (*OpusDecoder, error) {
	dec, err := opus.NewDecoder(sampleRate, 1)
	if err != nil {
		return nil, fmt.Errorf("creating opus decoder: %w", err)
	}
	return &OpusDecoder{
		dec:  dec,
		rate: sampleRate,
		// 120 ms is the maximum opus frame size
		pcm: make([]int16, sampleRate*120/1000),
	}, nil
}

// Decode decodes one opus packet and returns float32 LE bytes suitable for
// Session.Append.
func (d *OpusDecoder) Decode(packet []byte) ([]byte, error) {
	n, err := d.dec.Decode(packet, d.pcm)
	if err != nil {
		return nil, fmt.Errorf("opus decode: %w", err)
	}
	samples := make([]float32, n)
	for i := 0; i < n; i++ {
		samples[i] = float32(d.pcm[i]) / 32768.0
	}
	return EncodeSamples(samples), nil
}
