package server

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicole-mentor/nicole/internal/config"
)

func TestRun_StopsOnContextCancel(t *testing.T) {
	srv := New(config.ServerConfig{Host: "127.0.0.1", Port: 0}, http.NotFoundHandler(), time.Minute)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestNew_Timeouts(t *testing.T) {
	srv := New(config.ServerConfig{Host: "0.0.0.0", Port: 8080}, http.NotFoundHandler(), 45*time.Second)

	assert.Equal(t, "0.0.0.0:8080", srv.Addr())
	assert.Equal(t, 45*time.Second, srv.httpServer.WriteTimeout)
}
