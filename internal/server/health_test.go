package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catalogcast/catalog-server/internal/bus"
	"github.com/catalogcast/catalog-server/internal/pkg/logger"
)

type fixedState bus.State

func (s fixedState) State() bus.State { return bus.State(s) }

func TestReadyz(t *testing.T) {
	tests := []struct {
		state      bus.State
		wantStatus int
		wantBody   string
	}{
		{bus.StateHealthy, http.StatusOK, "ready"},
		{bus.StateDegraded, http.StatusServiceUnavailable, "degraded"},
		{bus.StateConnecting, http.StatusServiceUnavailable, "degraded"},
		{bus.StateClosed, http.StatusServiceUnavailable, "degraded"},
	}

	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			s := New(DefaultConfig(), Deps{Bus: fixedState(tt.state)}, logger.Discard())
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

			require.Equal(t, tt.wantStatus, rec.Code)
			var body map[string]string
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Equal(t, tt.wantBody, body["status"])
			assert.Equal(t, tt.state.String(), body["bus"])
		})
	}
}

func TestHealthzIgnoresBus(t *testing.T) {
	s := New(DefaultConfig(), Deps{Bus: fixedState(bus.StateDegraded)}, logger.Discard())
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimit = 1
	s := New(cfg, Deps{}, logger.Discard())
	defer s.Stop(t.Context())
	h := s.Handler()

	codes := map[int]int{}
	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		codes[rec.Code]++
	}
	assert.Equal(t, 2, codes[http.StatusOK])
	assert.Equal(t, 3, codes[http.StatusTooManyRequests])
}

func TestSocketPath(t *testing.T) {
	s := New(Config{IOAddr: "0.0.0.0:4000"}, Deps{}, logger.Discard())
	assert.Equal(t, ":4000/ws", s.socketPath())

	s = New(Config{}, Deps{}, logger.Discard())
	assert.Equal(t, "/ws", s.socketPath())
}
