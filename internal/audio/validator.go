package audio

import (
	"math"
	"sync"
)

// chunkStat captures per-chunk metrics for the rolling quality window.
type chunkStat struct {
	size        int
	rms         float64
	peak        float64
	invalidRate float64
}

// Validator checks inbound chunks for technical validity and tracks
// cumulative and rolling statistics. It rejects only framing errors (wrong
// byte alignment); out-of-range amplitudes are recorded for diagnostics but
// do not reject, and all-zero chunks are valid.
type Validator struct {
	mu     sync.Mutex
	window int
	recent []chunkStat

	totalReceived int64
	totalValid    int64
	totalBytes    int64
}

// Stats is a snapshot of validator counters, exposed on ping and teardown.
type Stats struct {
	TotalReceived  int64   `json:"total_received"`
	TotalValid     int64   `json:"total_valid"`
	TotalBytes     int64   `json:"total_bytes"`
	AvgRMS         float64 `json:"avg_rms,omitempty"`
	AvgChunkSize   float64 `json:"avg_chunk_size,omitempty"`
	AvgInvalidRate float64 `json:"avg_invalid_rate,omitempty"`
	ValidationRate float64 `json:"validation_rate"`
}

// NewValidator creates a validator with a rolling window of the last n
// chunks. n <= 0 falls back to 10.
func NewValidator(n int) *Validator {
	if n <= 0 {
		n = 10
	}
	return &Validator{window: n}
}

// ValidateChunk returns whether the chunk may be appended to a session
// buffer. Valid chunks update the rolling window and cumulative counters.
func (v *Validator) ValidateChunk(chunk []byte) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.totalReceived++

	if len(chunk) == 0 || len(chunk)%BytesPerSample != 0 {
		return false
	}

	samples := DecodeSamples(chunk)
	var sumSq, peak float64
	invalid := 0
	allZero := true
	for _, s := range samples {
		f := float64(s)
		if f != 0 {
			allZero = false
		}
		sumSq += f * f
		if a := math.Abs(f); a > peak {
			peak = a
		}
		if f < -1.0 || f > 1.0 {
			invalid++
		}
	}

	if !allZero {
		stat := chunkStat{
			size:        len(chunk),
			rms:         math.Sqrt(sumSq / float64(len(samples))),
			peak:        peak,
			invalidRate: float64(invalid) / float64(len(samples)),
		}
		v.recent = append(v.recent, stat)
		if len(v.recent) > v.window {
			v.recent = v.recent[len(v.recent)-v.window:]
		}
	}

	v.totalValid++
	v.totalBytes += int64(len(chunk))
	return true
}

// Stats returns current counters plus rolling-window averages when any
// non-silent chunk has been seen.
func (v *Validator) Stats() Stats {
	v.mu.Lock()
	defer v.mu.Unlock()

	s := Stats{
		TotalReceived: v.totalReceived,
		TotalValid:    v.totalValid,
		TotalBytes:    v.totalBytes,
	}
	if v.totalReceived > 0 {
		s.ValidationRate = float64(v.totalValid) / float64(v.totalReceived)
	}
	if len(v.recent) == 0 {
		return s
	}
	var rms, size, inv float64
	for _, c := range v.recent {
		rms += c.rms
		size += float64(c.size)
		inv += c.invalidRate
	}
	n := float64(len(v.recent))
	s.AvgRMS = rms / n
	s.AvgChunkSize = size / n
	s.AvgInvalidRate = inv / n
	return s
}
