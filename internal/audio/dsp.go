// Package audio implements the real-time audio session: chunk validation,
// buffering, silence-driven segmentation, resampling and the quality gate
// that stands between raw capture bytes and the transcription boundary.
//
// Wire format is little-endian IEEE float32 mono PCM, 4 bytes per sample.
package audio

import (
	"bytes"
	"encoding/binary"
	"math"
)

// BytesPerSample is the size of one float32 PCM sample on the wire.
const BytesPerSample = 4

// DecodeSamples reinterprets little-endian float32 bytes as samples. The
// caller must have verified alignment; trailing partial samples are dropped.
func DecodeSamples(b []byte) []float32 {
	n := len(b) / BytesPerSample
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		bits := binary.LittleEndian.Uint32(b[i*BytesPerSample:])
		out[i] = math.Float32frombits(bits)
	}
	return out
}

// EncodeSamples serializes samples back to little-endian float32 bytes.
func EncodeSamples(s []float32) []byte {
	out := make([]byte, len(s)*BytesPerSample)
	for i, v := range s {
		binary.LittleEndian.PutUint32(out[i*BytesPerSample:], math.Float32bits(v))
	}
	return out
}

// Resample converts audio between sample rates using linear interpolation.
// Output length is floor(len(in) * outRate / inRate). Equal rates return the
// input unchanged.
func Resample(in []float32, inRate, outRate int) []float32 {
	if inRate == outRate || len(in) == 0 {
		return in
	}
	n := len(in) * outRate / inRate
	if n == 0 {
		return nil
	}
	out := make([]float32, n)
	ratio := float64(inRate) / float64(outRate)
	for i := 0; i < n; i++ {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= len(in)-1 {
			out[i] = in[len(in)-1]
			continue
		}
		frac := float32(pos - float64(idx))
		out[i] = in[idx] + (in[idx+1]-in[idx])*frac
	}
	return out
}

// Quality summarizes the technical quality of a finalized buffer.
type Quality struct {
	Duration      float64 `json:"duration"`
	RMSEnergy     float64 `json:"rms_energy"`
	PeakAmplitude float64 `json:"peak_amplitude"`
	InvalidRate   float64 `json:"invalid_rate"`
	DynamicRange  float64 `json:"dynamic_range_db"`
	Silent        bool    `json:"is_completely_silent"`
	HasInvalid    bool    `json:"has_invalid_values"`
	Valid         bool    `json:"is_technically_valid"`
}

// Analyze computes quality metrics for a sample buffer. A buffer is silent
// when RMS energy is below minEnergy, and invalid when more than 1% of its
// samples fall outside [-1, 1].
func Analyze(samples []float32, sampleRate int, minEnergy float64) Quality {
	q := Quality{Valid: true}
	if len(samples) == 0 {
		q.Silent = true
		q.Valid = false
		return q
	}
	var sumSq, peak float64
	invalid := 0
	for _, s := range samples {
		v := float64(s)
		sumSq += v * v
		if a := math.Abs(v); a > peak {
			peak = a
		}
		if v < -1.0 || v > 1.0 {
			invalid++
		}
	}
	q.RMSEnergy = math.Sqrt(sumSq / float64(len(samples)))
	q.PeakAmplitude = peak
	q.Duration = float64(len(samples)) / float64(sampleRate)
	q.InvalidRate = float64(invalid) / float64(len(samples))
	q.DynamicRange = 20 * math.Log10(peak/(q.RMSEnergy+1e-10))
	q.Silent = q.RMSEnergy < minEnergy
	q.HasInvalid = q.InvalidRate > 0.01
	q.Valid = !q.Silent && !q.HasInvalid
	return q
}

// Preprocess cleans a buffer that already passed the quality gate: remove DC
// offset, clip to the valid amplitude range, then soft-normalize so the peak
// does not exceed -3 dB (0.707).
func Preprocess(samples []float32) []float32 {
	if len(samples) == 0 {
		return samples
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s)
	}
	mean := float32(sum / float64(len(samples)))

	out := make([]float32, len(samples))
	var peak float32
	for i, s := range samples {
		v := s - mean
		if v > 1.0 {
			v = 1.0
		} else if v < -1.0 {
			v = -1.0
		}
		out[i] = v
		if a := float32(math.Abs(float64(v))); a > peak {
			peak = a
		}
	}
	if peak > 0.707 {
		gain := 0.707 / peak
		for i := range out {
			out[i] *= gain
		}
	}
	return out
}

// BuildWAV wraps float32 PCM in a RIFF/WAVE header (format tag 3, IEEE
// float) so the transcription service receives a self-describing payload.
func BuildWAV(pcm []byte, sampleRate, channels int) []byte {
	const bitsPerSample = 32
	byteRate := uint32(sampleRate * channels * bitsPerSample / 8)
	blockAlign := uint16(channels * bitsPerSample / 8)
	dataLen := uint32(len(pcm))
	riffSize := uint32(4 + (8 + 16) + (8 + dataLen))

	buf := &bytes.Buffer{}
	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, riffSize)
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, uint16(3))
	binary.Write(buf, binary.LittleEndian, uint16(channels))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(buf, binary.LittleEndian, byteRate)
	binary.Write(buf, binary.LittleEndian, blockAlign)
	binary.Write(buf, binary.LittleEndian, uint16(bitsPerSample))
	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, dataLen)
	buf.Write(pcm)
	return buf.Bytes()
}
