// Package config holds runtime settings for the intake service. Defaults
// come first, an optional YAML file overrides them, and environment
// variables win over both.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings is the single source of truth for tunable policy values. The
// audio, triage and scheduling constants are deliberate policy defaults,
// not invariants of the algorithms; see the package tests for the behavior
// they pin.
type Settings struct {
	// HTTP
	ListenAddr string `yaml:"listen_addr"`

	// Audio session
	InputSampleRate  int           `yaml:"input_sample_rate"`
	OutputSampleRate int           `yaml:"output_sample_rate"`
	SilenceTimeout   time.Duration `yaml:"silence_timeout"`
	SilenceInterval  time.Duration `yaml:"silence_interval"`
	SilenceChecks    int           `yaml:"silence_checks"`
	MaxAudioDuration time.Duration `yaml:"max_audio_duration"`
	MinEnergy        float64       `yaml:"min_energy"`
	ValidationWindow int           `yaml:"validation_window"`

	// Triage
	CacheCapacity       int           `yaml:"cache_capacity"`
	CacheTTL            time.Duration `yaml:"cache_ttl"`
	CacheWriteThreshold float64       `yaml:"cache_write_threshold"`
	RateLimitMax        int           `yaml:"rate_limit_max"`
	RateLimitWindow     time.Duration `yaml:"rate_limit_window"`

	// Scheduler
	ExclusionWindow     time.Duration `yaml:"exclusion_window"`
	ConflictShift       time.Duration `yaml:"conflict_shift"`
	MaxConflictRetries  int           `yaml:"max_conflict_retries"`
	UrgentThreshold     time.Duration `yaml:"urgent_threshold"`
	SweepInterval       time.Duration `yaml:"sweep_interval"`
	SchedulerDBPath     string        `yaml:"scheduler_db_path"`

	// External boundaries
	STTURL             string        `yaml:"stt_url"`
	STTTimeout         time.Duration `yaml:"stt_timeout"`
	ReasoningBaseURL   string        `yaml:"reasoning_base_url"`
	ReasoningAPIKey    string        `yaml:"reasoning_api_key"`
	ReasoningModel     string        `yaml:"reasoning_model"`
	ReasoningFallback  string        `yaml:"reasoning_fallback_model"`
	ReasoningTimeout   time.Duration `yaml:"reasoning_timeout"`
	ReasoningMaxTokens int           `yaml:"reasoning_max_tokens"`
}

// Default returns the baseline settings. Values mirror the production
// deployment: 48 kHz browser capture resampled to 16 kHz for STT, 1.2 s
// silence window checked every 300 ms, 30 s hard cap per utterance.
func Default() Settings {
	return Settings{
		ListenAddr:       ":8080",
		InputSampleRate:  48000,
		OutputSampleRate: 16000,
		SilenceTimeout:   1200 * time.Millisecond,
		SilenceInterval:  300 * time.Millisecond,
		SilenceChecks:    2,
		MaxAudioDuration: 30 * time.Second,
		MinEnergy:        0.001,
		ValidationWindow: 10,

		CacheCapacity:       1024,
		CacheTTL:            time.Hour,
		CacheWriteThreshold: 0.7,
		RateLimitMax:        60,
		RateLimitWindow:     60 * time.Second,

		ExclusionWindow:    15 * time.Minute,
		ConflictShift:      30 * time.Minute,
		MaxConflictRetries: 20,
		UrgentThreshold:    30 * time.Minute,
		SweepInterval:      60 * time.Second,
		SchedulerDBPath:    "intake.db",

		STTURL:             os.Getenv("STT_URL"),
		STTTimeout:         30 * time.Second,
		ReasoningBaseURL:   "http://127.0.0.1:8000/v1",
		ReasoningModel:     "",
		ReasoningFallback:  "",
		ReasoningTimeout:   30 * time.Second,
		ReasoningMaxTokens: 512,
	}
}

// Load builds settings from defaults, an optional YAML file named by
// INTAKE_CONFIG, and finally env var overrides.
func Load() (Settings, error) {
	s := Default()
	if path := strings.TrimSpace(os.Getenv("INTAKE_CONFIG")); path != "" {
		if err := s.LoadFile(path); err != nil {
			return s, err
		}
	}
	s.applyEnv()
	return s, nil
}

// LoadFile merges a YAML settings file into s. Missing file is an error;
// missing keys keep their current values.
func (s *Settings) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(b, s); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

func (s *Settings) applyEnv() {
	setStr(&s.ListenAddr, "LISTEN_ADDR")
	setStr(&s.STTURL, "STT_URL")
	setStr(&s.ReasoningBaseURL, "OPENAI_BASE_URL")
	setStr(&s.ReasoningAPIKey, "OPENAI_API_KEY")
	setStr(&s.ReasoningModel, "OPENAI_MODEL")
	setStr(&s.ReasoningFallback, "OPENAI_FALLBACK_MODEL")
	setStr(&s.SchedulerDBPath, "SCHEDULER_DB_PATH")
	setInt(&s.RateLimitMax, "RATE_LIMIT_PER_MINUTE")
	setInt(&s.CacheCapacity, "CACHE_CAPACITY")
	setInt(&s.ReasoningMaxTokens, "LLM_MAX_TOKENS")
	setDur(&s.RateLimitWindow, "RATE_LIMIT_WINDOW")
	setDur(&s.SilenceTimeout, "SILENCE_TIMEOUT")
	setDur(&s.MaxAudioDuration, "MAX_AUDIO_DURATION")
	setDur(&s.CacheTTL, "CACHE_TTL")
	setDur(&s.SweepInterval, "SWEEP_INTERVAL")
	setFloat(&s.CacheWriteThreshold, "CACHE_WRITE_THRESHOLD")
	setFloat(&s.MinEnergy, "MIN_ENERGY_THRESHOLD")
}

func setStr(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

// setDur accepts Go duration strings ("90s", "1.5h") and, for compatibility
// with the older deployment env files, bare integers meaning seconds.
func setDur(dst *time.Duration, key string) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(n) * time.Second
	}
}
