// Package stt is the transcription boundary: it wraps finalized utterances
// in WAV and posts them to the speech-to-text service. Failures here are
// never fatal to the owning audio session.
package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/intake-voice-lab/internal/audio"
	"github.com/intake-voice-lab/internal/logging"
)

// Client posts WAV-wrapped utterances to the STT service.
type Client struct {
	URL     string
	Timeout time.Duration
	HTTP    *http.Client
}

// NewClient builds a client for the given STT endpoint.
func NewClient(url string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		URL:     url,
		Timeout: timeout,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// Transcribe sends the utterance and returns the recognized text. It
// retries up to 3 times with exponential backoff for transient errors
// (network failures and 5xx responses).
func (c *Client) Transcribe(ctx context.Context, u audio.Utterance) (string, error) {
	if c.URL == "" {
		return "", fmt.Errorf("stt url not configured")
	}

	wav := audio.BuildWAV(u.PCM, u.SampleRate, 1)
	logging.Debugw("sending audio to stt",
		"url", c.URL, "correlation_id", u.CorrelationID,
		"bytes", len(wav), "duration_s", u.Quality.Duration)

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		reqCtx, cancel := context.WithTimeout(ctx, c.Timeout)
		req, err := http.NewRequestWithContext(reqCtx, "POST", c.URL, strings.NewReader(string(wav)))
		if err != nil {
			cancel()
			return "", err
		}
		req.Header.Set("Content-Type", "audio/wav")
		if u.CorrelationID != "" {
			req.Header.Set("X-Correlation-ID", u.CorrelationID)
		}

		sendTs := time.Now()
		resp, err := c.HTTP.Do(req)
		cancel()
		if err != nil {
			lastErr = err
			logging.Warnw("stt request failed", "correlation_id", u.CorrelationID, "attempt", attempt, "err", err)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Duration(1<<attempt) * time.Second):
			}
			continue
		}

		if resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = fmt.Errorf("stt server error status=%d", resp.StatusCode)
			logging.Warnw("stt server error", "correlation_id", u.CorrelationID, "status", resp.StatusCode, "attempt", attempt)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Duration(1<<attempt) * time.Second):
			}
			continue
		}
		if resp.StatusCode >= 300 {
			resp.Body.Close()
			return "", fmt.Errorf("stt returned status %d", resp.StatusCode)
		}

		var out struct {
			Text string `json:"text"`
		}
		err = json.NewDecoder(resp.Body).Decode(&out)
		resp.Body.Close()
		if err != nil {
			return "", fmt.Errorf("decoding stt response: %w", err)
		}

		logging.Infow("stt response received",
			"correlation_id", u.CorrelationID, "status", resp.StatusCode,
			"latency_ms", time.Since(sendTs).Milliseconds())
		return strings.TrimSpace(out.Text), nil
	}
	return "", lastErr
}
