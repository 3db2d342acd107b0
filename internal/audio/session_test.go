package audio

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collector records finalized utterances for assertions.
type collector struct {
	mu         sync.Mutex
	utterances []Utterance
}

func (c *collector) handle(ctx context.Context, u Utterance) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.utterances = append(c.utterances, u)
	return nil
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.utterances)
}

func (c *collector) first() Utterance {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.utterances[0]
}

func testConfig() SessionConfig {
	return SessionConfig{
		InputRate:       16000,
		OutputRate:      16000,
		SilenceTimeout:  50 * time.Millisecond,
		SilenceInterval: 10 * time.Millisecond,
		SilenceChecks:   2,
		MaxDuration:     30 * time.Second,
		MinEnergy:       0.001,
		ValidationWin:   10,
	}
}

// speech returns n samples of loud sine, guaranteed to pass the quality gate.
func speech(n int) []byte {
	s := make([]float32, n)
	for i := range s {
		s[i] = float32(0.3 * math.Sin(2*math.Pi*440*float64(i)/16000))
	}
	return EncodeSamples(s)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestSessionLifecycle(t *testing.T) {
	s := NewSession(testConfig(), nil)
	defer s.Close()

	assert.Equal(t, StateIdle, s.State())
	s.Start()
	assert.Equal(t, StateReceiving, s.State())
	s.End()
	assert.Equal(t, StateClosed, s.State())
	assert.False(t, s.Append(speech(160)))
}

func TestSessionEndFlushesBuffer(t *testing.T) {
	c := &collector{}
	s := NewSession(testConfig(), c.handle)
	defer s.Close()

	s.Start()
	require.True(t, s.Append(speech(1600)))
	s.End()

	require.Equal(t, 1, c.count())
	u := c.first()
	assert.Equal(t, s.ID, u.SessionID)
	assert.NotEmpty(t, u.CorrelationID)
	assert.Equal(t, 16000, u.SampleRate)
	assert.True(t, u.Quality.Valid)
	assert.Len(t, u.PCM, 1600*BytesPerSample)
}

func TestSessionBufferGrowsByChunkLength(t *testing.T) {
	cfg := testConfig()
	cfg.SilenceTimeout = time.Hour
	c := &collector{}
	s := NewSession(cfg, c.handle)
	defer s.Close()

	s.Start()
	total := 0
	for _, n := range []int{160, 320, 480} {
		require.True(t, s.Append(speech(n)))
		total += n
	}
	s.End()

	require.Equal(t, 1, c.count())
	assert.Len(t, c.first().PCM, total*BytesPerSample)
}

func TestSessionSilenceTriggersFlush(t *testing.T) {
	c := &collector{}
	s := NewSession(testConfig(), c.handle)
	defer s.Close()

	s.Start()
	require.True(t, s.Append(speech(1600)))

	// No further chunks: the monitor should flush after the silence window.
	waitFor(t, func() bool { return c.count() == 1 })
	assert.Equal(t, StateIdle, s.State())
}

func TestSessionQualityGateDropsSilentSegment(t *testing.T) {
	c := &collector{}
	s := NewSession(testConfig(), c.handle)
	defer s.Close()

	s.Start()
	require.True(t, s.Append(make([]byte, 1600*BytesPerSample)))
	s.End()

	assert.Zero(t, c.count())
}

func TestSessionMaxDurationFlushes(t *testing.T) {
	cfg := testConfig()
	// 100 ms cap so two 80 ms chunks cross it.
	cfg.MaxDuration = 100 * time.Millisecond
	cfg.SilenceTimeout = time.Hour
	c := &collector{}
	s := NewSession(cfg, c.handle)
	defer s.Close()

	s.Start()
	require.True(t, s.Append(speech(1280)))
	require.Equal(t, 0, c.count())
	require.True(t, s.Append(speech(1280)))
	require.Equal(t, 1, c.count())
}

func TestSessionResamplesToOutputRate(t *testing.T) {
	cfg := testConfig()
	cfg.InputRate = 48000
	cfg.OutputRate = 16000
	c := &collector{}
	s := NewSession(cfg, c.handle)
	defer s.Close()

	s.Start()
	require.True(t, s.Append(speech(4800)))
	s.End()

	require.Equal(t, 1, c.count())
	u := c.first()
	assert.Equal(t, 16000, u.SampleRate)
	assert.Len(t, u.PCM, 1600*BytesPerSample)
}

func TestSessionNewCorrelationIDPerUtterance(t *testing.T) {
	c := &collector{}
	s := NewSession(testConfig(), c.handle)
	defer s.Close()

	s.Start()
	require.True(t, s.Append(speech(1600)))
	waitFor(t, func() bool { return c.count() == 1 })

	require.True(t, s.Append(speech(1600)))
	waitFor(t, func() bool { return c.count() == 2 })

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.NotEqual(t, c.utterances[0].CorrelationID, c.utterances[1].CorrelationID)
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	s := NewSession(testConfig(), nil)
	s.Close()
	s.Close()
	assert.Equal(t, StateClosed, s.State())
}
