package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// BridgeConfig contains runtime settings for the calendar mediation server.
type BridgeConfig struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string
	CalendarID         string
	DefaultTimezone    string

	DatabaseURL string
}

// AgentConfig contains runtime settings for the realtime voice agent.
type AgentConfig struct {
	LiveEndpoint      string
	GeminiAPIKey      string
	Model             string
	VoiceName         string
	SystemInstruction string

	Mode      string // "sandbox" or "real"
	BridgeURL string

	InputSampleRate  int
	OutputSampleRate int
	WindowDuration   time.Duration
	FrameInterval    time.Duration

	AuthPollInterval time.Duration
	AuthPollTimeout  time.Duration

	MetricsNamespace string
}

const defaultSystemInstruction = "You are a helpful scheduling assistant. " +
	"Help the user check availability and book calendar meetings. " +
	"Confirm title, attendee email, and time before scheduling."

// LoadBridge reads environment variables for calbridge and applies safe defaults.
func LoadBridge() (BridgeConfig, error) {
	cfg := BridgeConfig{
		BindAddr:           envOrDefault("CALBRIDGE_BIND_ADDR", ":8085"),
		MetricsNamespace:   envOrDefault("CALBRIDGE_METRICS_NAMESPACE", "calbridge"),
		GoogleClientID:     trimmedEnv("GOOGLE_CLIENT_ID"),
		GoogleClientSecret: trimmedEnv("GOOGLE_CLIENT_SECRET"),
		GoogleRedirectURL:  envOrDefault("GOOGLE_REDIRECT_URL", "http://localhost:8085/oauth2callback"),
		CalendarID:         envOrDefault("GOOGLE_CALENDAR_ID", "primary"),
		DefaultTimezone:    envOrDefault("CALBRIDGE_TIMEZONE", "UTC"),
		DatabaseURL:        trimmedEnv("DATABASE_URL"),
		ShutdownTimeout:    15 * time.Second,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("CALBRIDGE_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return BridgeConfig{}, err
	}

	if cfg.GoogleClientID == "" {
		return BridgeConfig{}, fmt.Errorf("GOOGLE_CLIENT_ID is required")
	}
	if cfg.GoogleClientSecret == "" {
		return BridgeConfig{}, fmt.Errorf("GOOGLE_CLIENT_SECRET is required")
	}

	return cfg, nil
}

// LoadAgent reads environment variables for the voice agent and applies safe defaults.
func LoadAgent() (AgentConfig, error) {
	cfg := AgentConfig{
		LiveEndpoint:      envOrDefault("GEMINI_LIVE_ENDPOINT", "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"),
		GeminiAPIKey:      trimmedEnv("GEMINI_API_KEY"),
		Model:             envOrDefault("GEMINI_LIVE_MODEL", "models/gemini-2.0-flash-live-001"),
		VoiceName:         envOrDefault("GEMINI_LIVE_VOICE", "Puck"),
		SystemInstruction: envOrDefault("CALVOICE_SYSTEM_INSTRUCTION", defaultSystemInstruction),
		Mode:              strings.ToLower(envOrDefault("CALVOICE_MODE", "sandbox")),
		BridgeURL:         envOrDefault("CALBRIDGE_URL", "http://localhost:8085"),
		InputSampleRate:   16000,
		OutputSampleRate:  24000,
		WindowDuration:    20 * time.Millisecond,
		FrameInterval:     time.Second,
		AuthPollInterval:  1500 * time.Millisecond,
		AuthPollTimeout:   60 * time.Second,
		MetricsNamespace:  envOrDefault("CALVOICE_METRICS_NAMESPACE", "calvoice"),
	}

	var err error
	cfg.InputSampleRate, err = intFromEnv("CALVOICE_INPUT_SAMPLE_RATE", cfg.InputSampleRate)
	if err != nil {
		return AgentConfig{}, err
	}
	cfg.OutputSampleRate, err = intFromEnv("CALVOICE_OUTPUT_SAMPLE_RATE", cfg.OutputSampleRate)
	if err != nil {
		return AgentConfig{}, err
	}
	cfg.WindowDuration, err = durationFromEnv("CALVOICE_WINDOW_DURATION", cfg.WindowDuration)
	if err != nil {
		return AgentConfig{}, err
	}
	cfg.FrameInterval, err = durationFromEnv("CALVOICE_FRAME_INTERVAL", cfg.FrameInterval)
	if err != nil {
		return AgentConfig{}, err
	}
	cfg.AuthPollInterval, err = durationFromEnv("CALVOICE_AUTH_POLL_INTERVAL", cfg.AuthPollInterval)
	if err != nil {
		return AgentConfig{}, err
	}
	cfg.AuthPollTimeout, err = durationFromEnv("CALVOICE_AUTH_POLL_TIMEOUT", cfg.AuthPollTimeout)
	if err != nil {
		return AgentConfig{}, err
	}

	switch cfg.Mode {
	case "sandbox", "real":
	default:
		return AgentConfig{}, fmt.Errorf("CALVOICE_MODE must be sandbox or real, got %q", cfg.Mode)
	}
	if cfg.Mode == "real" && cfg.GeminiAPIKey == "" {
		return AgentConfig{}, fmt.Errorf("GEMINI_API_KEY is required in real mode")
	}
	if cfg.InputSampleRate <= 0 || cfg.OutputSampleRate <= 0 {
		return AgentConfig{}, fmt.Errorf("sample rates must be positive")
	}
	if cfg.WindowDuration < 5*time.Millisecond {
		return AgentConfig{}, fmt.Errorf("CALVOICE_WINDOW_DURATION must be at least 5ms")
	}
	if cfg.AuthPollInterval <= 0 || cfg.AuthPollTimeout <= 0 {
		return AgentConfig{}, fmt.Errorf("auth poll interval and timeout must be positive")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}
