package app

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"antitrunc-relay/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freePort(t *testing.T) int {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func testAppConfig(t *testing.T) *config.Config {
	return &config.Config{
		Host:                      "127.0.0.1",
		Port:                      freePort(t),
		OpenAIBaseURL:             "http://127.0.0.1:1",
		GeminiBaseURL:             "http://127.0.0.1:1",
		ClaudeBaseURL:             "http://127.0.0.1:1",
		AntiTruncationMaxAttempts: 3,
		AntiTruncationDoneMarker:  "[done]",
		AntiTruncationModelPrefix: "anti-truncation/",
		UpstreamTimeout:           time.Second,
		UpstreamConnectTimeout:    time.Second,
		MaxBodyBytes:              1 << 20,
		KeepaliveInterval:         time.Hour,
		IdleTimeout:               time.Second,
		ReadTimeout:               5 * time.Second,
		GracefulShutdownTimeout:   2 * time.Second,
	}
}

func TestApp_StartServesHealth(t *testing.T) {
	cfg := testAppConfig(t)
	a := New(cfg)
	a.Start()
	defer a.Stop(context.Background())

	url := fmt.Sprintf("http://%s:%d/health", cfg.Host, cfg.Port)

	var resp *http.Response
	var err error
	for i := 0; i < 50; i++ {
		resp, err = http.Get(url)
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestApp_StopIsGraceful(t *testing.T) {
	cfg := testAppConfig(t)
	a := New(cfg)
	a.Start()

	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	a.Stop(ctx)

	_, err := http.Get(fmt.Sprintf("http://%s:%d/health", cfg.Host, cfg.Port))
	assert.Error(t, err)
}
