package stt

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intake-voice-lab/internal/audio"
)

func testUtterance() audio.Utterance {
	return audio.Utterance{
		SessionID:     "sess-1",
		CorrelationID: "cid-1",
		PCM:           audio.EncodeSamples([]float32{0.1, 0.2, 0.3, 0.4}),
		SampleRate:    16000,
	}
}

func TestTranscribe(t *testing.T) {
	var gotCorrelation, gotContentType string
	var gotBody []byte
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCorrelation = r.Header.Get("X-Correlation-ID")
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		json.NewEncoder(w).Encode(map[string]string{"text": "  hello world "})
	}))
	defer ts.Close()

	c := NewClient(ts.URL, 5*time.Second)
	text, err := c.Transcribe(context.Background(), testUtterance())
	require.NoError(t, err)
	assert.Equal(t, "hello world", text)
	assert.Equal(t, "cid-1", gotCorrelation)
	assert.Equal(t, "audio/wav", gotContentType)
	// The payload is a self-describing WAV, not raw PCM.
	require.Greater(t, len(gotBody), 44)
	assert.Equal(t, "RIFF", string(gotBody[:4]))
}

func TestTranscribeRetriesServerErrors(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			http.Error(w, "overloaded", 503)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"text": "second try"})
	}))
	defer ts.Close()

	c := NewClient(ts.URL, 5*time.Second)
	text, err := c.Transcribe(context.Background(), testUtterance())
	require.NoError(t, err)
	assert.Equal(t, "second try", text)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestTranscribeClientErrorIsFatal(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "bad audio", 400)
	}))
	defer ts.Close()

	c := NewClient(ts.URL, 5*time.Second)
	_, err := c.Transcribe(context.Background(), testUtterance())
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestTranscribeNoURL(t *testing.T) {
	c := NewClient("", time.Second)
	_, err := c.Transcribe(context.Background(), testUtterance())
	assert.Error(t, err)
}
