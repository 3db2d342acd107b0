// Package reasoning calls the language-model backend for messages that
// survive triage, and parses its replies into structured intelligence.
package reasoning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/intake-voice-lab/internal/logging"
)

var (
	ErrPermanent = errors.New("permanent error")
	ErrTransient = errors.New("transient error")
)

// Message is a single chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Result is the structured intelligence extracted from a model reply.
// When the model answers with plain prose instead of JSON, ResponseText
// carries the prose and Confidence is 0.5.
type Result struct {
	ResponseText     string   `json:"response_text"`
	Intent           string   `json:"intent"`
	Confidence       float64  `json:"intent_confidence"`
	SuggestedActions []string `json:"suggested_actions"`
	PreferredTime    string   `json:"preferred_time"`
}

// Config holds the backend endpoint and model selection.
type Config struct {
	BaseURL       string
	APIKey        string
	Model         string
	FallbackModel string
	MaxTokens     int
	Timeout       time.Duration
}

type Client struct {
	cfg  Config
	http *http.Client
}

func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://127.0.0.1:8000/v1"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = "local"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 512
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}
}

const systemPrompt = `You are an intake assistant for inbound leads. Reply with a JSON object
containing response_text, intent, intent_confidence, suggested_actions and
preferred_time. Use the suggested action "schedule_callback" when the lead
asks to be contacted later.`

// Analyze sends the lead's message to the backend and parses the reply.
// Transient failures (network errors, 429, 5xx) trigger one retry on the
// fallback model when one is configured; 4xx responses are permanent.
func (c *Client) Analyze(ctx context.Context, correlationID, text string) (Result, error) {
	msgs := []Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: text},
	}

	reply, err := c.complete(ctx, correlationID, c.cfg.Model, msgs)
	if err != nil {
		if errors.Is(err, ErrTransient) && c.cfg.FallbackModel != "" && c.cfg.FallbackModel != c.cfg.Model {
			logging.Warnw("reasoning primary model failed, trying fallback",
				"correlation_id", correlationID, "model", c.cfg.Model,
				"fallback", c.cfg.FallbackModel, "err", err)
			time.Sleep(250 * time.Millisecond)
			reply, err = c.complete(ctx, correlationID, c.cfg.FallbackModel, msgs)
		}
		if err != nil {
			return Result{}, err
		}
	}
	return parseReply(reply), nil
}

func (c *Client) complete(ctx context.Context, correlationID, model string, msgs []Message) (string, error) {
	payload := map[string]interface{}{
		"model":       model,
		"messages":    msgs,
		"max_tokens":  c.cfg.MaxTokens,
		"temperature": 0.3,
	}
	bodyBytes, _ := json.Marshal(payload)

	url := c.cfg.BaseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, "POST", url, strings.NewReader(string(bodyBytes)))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if correlationID != "" {
		req.Header.Set("X-Correlation-ID", correlationID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var out struct {
			Choices []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			} `json:"choices"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return "", fmt.Errorf("%w: decode error: %v", ErrTransient, err)
		}
		if len(out.Choices) == 0 {
			return "", fmt.Errorf("%w: empty choices", ErrTransient)
		}
		return out.Choices[0].Message.Content, nil
	}
	if resp.StatusCode >= 500 || resp.StatusCode == 429 {
		return "", fmt.Errorf("%w: status %d", ErrTransient, resp.StatusCode)
	}
	return "", fmt.Errorf("%w: status %d", ErrPermanent, resp.StatusCode)
}

// parseReply extracts the structured payload from a model reply. Models
// sometimes wrap JSON in markdown fences or answer in prose; both are
// tolerated.
func parseReply(content string) Result {
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
		trimmed = strings.TrimSpace(trimmed)
	}

	var res Result
	if err := json.Unmarshal([]byte(trimmed), &res); err == nil && res.ResponseText != "" {
		if res.Confidence < 0 {
			res.Confidence = 0
		}
		if res.Confidence > 1 {
			res.Confidence = 1
		}
		return res
	}

	return Result{
		ResponseText: strings.TrimSpace(content),
		Intent:       "general_inquiry",
		Confidence:   0.5,
	}
}
