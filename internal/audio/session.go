package audio

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/intake-voice-lab/internal/logging"
)

// State is the session lifecycle state.
type State int

const (
	StateIdle State = iota
	StateReceiving
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReceiving:
		return "receiving"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Utterance is one finalized, quality-checked audio segment ready for the
// transcription boundary. PCM is preprocessed float32 at SampleRate.
type Utterance struct {
	SessionID     string
	CorrelationID string
	PCM           []byte
	SampleRate    int
	Quality       Quality
}

// UtteranceHandler consumes a finalized utterance. Errors are logged and do
// not close the session.
type UtteranceHandler func(ctx context.Context, u Utterance) error

// SessionConfig carries the per-session policy knobs.
type SessionConfig struct {
	InputRate       int
	OutputRate      int
	SilenceTimeout  time.Duration
	SilenceInterval time.Duration
	SilenceChecks   int
	MaxDuration     time.Duration
	MinEnergy       float64
	ValidationWin   int
}

// Session owns the audio buffer for one live connection. Exactly one
// session exists per connection and it is never shared between connections;
// the mutex only coordinates the chunk-receiving path with the background
// silence monitor.
type Session struct {
	ID  string
	cfg SessionConfig

	handler   UtteranceHandler
	validator *Validator

	mu            sync.Mutex
	state         State
	buf           []byte
	lastChunk     time.Time
	receiving     bool
	correlationID string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSession creates a session in Idle state and starts its silence monitor.
// Callers must Close the session to stop the monitor.
func NewSession(cfg SessionConfig, handler UtteranceHandler) *Session {
	if cfg.SilenceChecks <= 0 {
		cfg.SilenceChecks = 2
	}
	if cfg.SilenceInterval <= 0 {
		cfg.SilenceInterval = 300 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:        uuid.NewString(),
		cfg:       cfg,
		handler:   handler,
		validator: NewValidator(cfg.ValidationWin),
		state:     StateIdle,
		lastChunk: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.silenceLoop()
	}()

	logging.Debugw("audio session created", "session_id", s.ID)
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stats exposes the validator's rolling quality window and counters.
func (s *Session) Stats() Stats { return s.validator.Stats() }

// Start marks the session as receiving before any audio arrives (explicit
// start signal from the transport).
func (s *Session) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	s.state = StateReceiving
	s.receiving = true
	s.lastChunk = time.Now()
}

// Append validates a chunk and, when valid, adds it to the session buffer.
// Invalid chunks are dropped without touching buffer state. Returns whether
// the chunk was accepted. A buffer exceeding the max duration flushes
// immediately.
func (s *Session) Append(chunk []byte) bool {
	if !s.validator.ValidateChunk(chunk) {
		logging.Debugw("dropping invalid audio chunk", "session_id", s.ID, "bytes", len(chunk))
		return false
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return false
	}
	if len(s.buf) == 0 {
		s.correlationID = uuid.NewString()
	}
	s.state = StateReceiving
	s.receiving = true
	s.lastChunk = time.Now()
	s.buf = append(s.buf, chunk...)
	overMax := s.cfg.MaxDuration > 0 && s.bufferedDurationLocked() > s.cfg.MaxDuration
	s.mu.Unlock()

	if overMax {
		logging.Infow("max audio duration reached, flushing", "session_id", s.ID)
		s.flush("max_duration")
	}
	return true
}

// End performs the explicit end-signal: flush any buffered audio once, then
// transition to Closed. No further chunks are accepted.
func (s *Session) End() {
	s.flush("end_signal")
	s.closeState()
}

// Close tears down the session on connection close: final flush of a
// non-empty buffer, transition to Closed, and the silence monitor is
// cancelled and awaited so no timer outlives the connection.
func (s *Session) Close() {
	s.mu.Lock()
	alreadyClosed := s.state == StateClosed
	s.mu.Unlock()
	if !alreadyClosed {
		s.flush("connection_close")
		s.closeState()
	}
	s.cancel()
	s.wg.Wait()
	logging.Debugw("audio session closed", "session_id", s.ID)
}

func (s *Session) closeState() {
	s.mu.Lock()
	s.state = StateClosed
	s.receiving = false
	s.mu.Unlock()
}

// bufferedDurationLocked computes buffered duration at the input rate.
// Caller holds s.mu.
func (s *Session) bufferedDurationLocked() time.Duration {
	samples := len(s.buf) / BytesPerSample
	return time.Duration(samples) * time.Second / time.Duration(s.cfg.InputRate)
}

// silenceLoop is the background silence monitor. A flush triggers after the
// configured number of consecutive checks observe silence longer than the
// timeout while the buffer is non-empty.
func (s *Session) silenceLoop() {
	ticker := time.NewTicker(s.cfg.SilenceInterval)
	defer ticker.Stop()
	consecutive := 0

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			receiving := s.receiving
			silence := time.Since(s.lastChunk)
			nonEmpty := len(s.buf) > 0
			s.mu.Unlock()

			if !receiving {
				consecutive = 0
				continue
			}
			if silence > s.cfg.SilenceTimeout {
				consecutive++
			} else {
				consecutive = 0
			}
			if consecutive >= s.cfg.SilenceChecks && nonEmpty {
				logging.Infow("silence detected, flushing", "session_id", s.ID, "silence_ms", silence.Milliseconds())
				s.flush("silence")
				consecutive = 0
			}
		}
	}
}

// flush finalizes the buffered audio: resample to the target rate, run the
// quality gate, preprocess, and hand the utterance to the handler. The
// buffer is cleared unconditionally, success or failure.
func (s *Session) flush(reason string) {
	s.mu.Lock()
	buf := s.buf
	cid := s.correlationID
	s.buf = nil
	s.receiving = false
	if s.state == StateReceiving {
		s.state = StateIdle
	}
	s.mu.Unlock()

	if len(buf) == 0 {
		return
	}

	samples := DecodeSamples(buf)
	samples = Resample(samples, s.cfg.InputRate, s.cfg.OutputRate)

	quality := Analyze(samples, s.cfg.OutputRate, s.cfg.MinEnergy)
	if !quality.Valid {
		logging.Warnw("quality gate rejected segment",
			"session_id", s.ID, "correlation_id", cid, "reason", reason,
			"silent", quality.Silent, "invalid_rate", quality.InvalidRate)
		return
	}

	cleaned := Preprocess(samples)
	u := Utterance{
		SessionID:     s.ID,
		CorrelationID: cid,
		PCM:           EncodeSamples(cleaned),
		SampleRate:    s.cfg.OutputRate,
		Quality:       quality,
	}
	kv := logging.SessionFields(s.ID, cid)
	kv = append(kv, "reason", reason,
		"duration_s", quality.Duration, "rms", quality.RMSEnergy)
	logging.Infow("utterance finalized", kv...)

	if s.handler == nil {
		return
	}
	if err := s.handler(s.ctx, u); err != nil {
		// Transcription and downstream failures are never fatal to the session.
		logging.Warnw("utterance handler failed", "session_id", s.ID, "correlation_id", cid, "err", err)
	}
}
