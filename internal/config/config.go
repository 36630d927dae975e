// Package config loads the relay's process-lifetime configuration from the
// environment. Configuration is immutable once loaded — there is no
// reload/hot-swap path, unlike the live-reloadable admin config this
// package is adapted from.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every setting the relay reads at startup.
type Config struct {
	Host string
	Port int

	OpenAIBaseURL string
	GeminiBaseURL string
	ClaudeBaseURL string

	AntiTruncationEnabledDefault bool
	AntiTruncationMaxAttempts    int
	AntiTruncationDoneMarker     string
	AntiTruncationModelPrefix    string

	TrustProxyHeaders bool
	TrustedProxyCIDRs []*net.IPNet

	UpstreamTimeout        time.Duration
	UpstreamConnectTimeout time.Duration
	MaxBodyBytes           int64

	KeepaliveInterval time.Duration
	IdleTimeout       time.Duration

	ReadTimeout             time.Duration
	WriteTimeout            time.Duration
	GracefulShutdownTimeout time.Duration

	LogLevel  string
	LogFormat string
}

const (
	defaultHost = "0.0.0.0"
	defaultPort = 8080

	defaultOpenAIBaseURL = "https://api.openai.com"
	defaultGeminiBaseURL = "https://generativelanguage.googleapis.com"
	defaultClaudeBaseURL = "https://api.anthropic.com"

	defaultMaxAttempts       = 3
	defaultDoneMarker        = "[done]"
	defaultModelPrefix       = "流式抗截断/"
	defaultTrustedProxyCIDRs = "127.0.0.0/8,::1/128,10.0.0.0/8,172.16.0.0/12,192.168.0.0/16"

	defaultUpstreamTimeoutSeconds        = 60
	defaultUpstreamConnectTimeoutSeconds = 10
	defaultMaxBodySizeMB                 = 50

	defaultKeepaliveIntervalSeconds = 15
	defaultIdleTimeoutSeconds       = 30

	defaultReadTimeoutSeconds             = 30
	defaultWriteTimeoutSeconds            = 0 // streaming responses must not be write-deadlined
	defaultGracefulShutdownTimeoutSeconds = 30
)

// Load reads an optional .env file (development convenience, mirrors the
// teacher's bootstrap) then builds a Config from the environment,
// validating every field. It never mutates already-set environment
// variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Host: getEnv("HOST", defaultHost),

		OpenAIBaseURL: strings.TrimRight(getEnv("UPSTREAM_OPENAI_BASE_URL", defaultOpenAIBaseURL), "/"),
		GeminiBaseURL: strings.TrimRight(getEnv("UPSTREAM_GEMINI_BASE_URL", defaultGeminiBaseURL), "/"),
		ClaudeBaseURL: strings.TrimRight(getEnv("UPSTREAM_CLAUDE_BASE_URL", defaultClaudeBaseURL), "/"),

		AntiTruncationDoneMarker:  getEnv("ANTI_TRUNCATION_DONE_MARKER", defaultDoneMarker),
		AntiTruncationModelPrefix: getEnv("ANTI_TRUNCATION_MODEL_PREFIX", defaultModelPrefix),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),
	}

	var err error
	if cfg.Port, err = getEnvInt("PORT", defaultPort); err != nil {
		return nil, err
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("PORT must be between 1 and 65535, got %d", cfg.Port)
	}

	if cfg.AntiTruncationEnabledDefault, err = getEnvBool("ANTI_TRUNCATION_ENABLED_DEFAULT", false); err != nil {
		return nil, err
	}
	if cfg.AntiTruncationMaxAttempts, err = getEnvInt("ANTI_TRUNCATION_MAX_ATTEMPTS", defaultMaxAttempts); err != nil {
		return nil, err
	}
	if cfg.AntiTruncationMaxAttempts < 1 {
		return nil, fmt.Errorf("ANTI_TRUNCATION_MAX_ATTEMPTS must be at least 1, got %d", cfg.AntiTruncationMaxAttempts)
	}

	if cfg.TrustProxyHeaders, err = getEnvBool("TRUST_PROXY_HEADERS", true); err != nil {
		return nil, err
	}
	if cfg.TrustedProxyCIDRs, err = parseCIDRList(getEnv("TRUSTED_PROXY_CIDRS", defaultTrustedProxyCIDRs)); err != nil {
		return nil, err
	}

	upstreamTimeoutSeconds, err := getEnvInt("UPSTREAM_TIMEOUT_SECONDS", defaultUpstreamTimeoutSeconds)
	if err != nil {
		return nil, err
	}
	cfg.UpstreamTimeout = time.Duration(upstreamTimeoutSeconds) * time.Second

	connectTimeoutSeconds, err := getEnvInt("UPSTREAM_CONNECT_TIMEOUT_SECONDS", defaultUpstreamConnectTimeoutSeconds)
	if err != nil {
		return nil, err
	}
	cfg.UpstreamConnectTimeout = time.Duration(connectTimeoutSeconds) * time.Second

	maxBodyMB, err := getEnvInt("MAX_BODY_SIZE_MB", defaultMaxBodySizeMB)
	if err != nil {
		return nil, err
	}
	cfg.MaxBodyBytes = int64(maxBodyMB) << 20

	keepaliveSeconds, err := getEnvInt("ANTI_TRUNCATION_KEEPALIVE_INTERVAL_SECONDS", defaultKeepaliveIntervalSeconds)
	if err != nil {
		return nil, err
	}
	cfg.KeepaliveInterval = time.Duration(keepaliveSeconds) * time.Second

	idleTimeoutSeconds, err := getEnvInt("ANTI_TRUNCATION_UPSTREAM_IDLE_TIMEOUT_SECONDS", defaultIdleTimeoutSeconds)
	if err != nil {
		return nil, err
	}
	cfg.IdleTimeout = time.Duration(idleTimeoutSeconds) * time.Second

	readTimeoutSeconds, err := getEnvInt("READ_TIMEOUT_SECONDS", defaultReadTimeoutSeconds)
	if err != nil {
		return nil, err
	}
	cfg.ReadTimeout = time.Duration(readTimeoutSeconds) * time.Second

	writeTimeoutSeconds, err := getEnvInt("WRITE_TIMEOUT_SECONDS", defaultWriteTimeoutSeconds)
	if err != nil {
		return nil, err
	}
	cfg.WriteTimeout = time.Duration(writeTimeoutSeconds) * time.Second

	shutdownSeconds, err := getEnvInt("GRACEFUL_SHUTDOWN_TIMEOUT_SECONDS", defaultGracefulShutdownTimeoutSeconds)
	if err != nil {
		return nil, err
	}
	cfg.GracefulShutdownTimeout = time.Duration(shutdownSeconds) * time.Second

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean, got %q", key, v)
	}
	return b, nil
}

func parseCIDRList(raw string) ([]*net.IPNet, error) {
	var nets []*net.IPNet
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		_, ipNet, err := net.ParseCIDR(part)
		if err != nil {
			return nil, fmt.Errorf("invalid CIDR %q in TRUSTED_PROXY_CIDRS: %w", part, err)
		}
		nets = append(nets, ipNet)
	}
	return nets, nil
}
