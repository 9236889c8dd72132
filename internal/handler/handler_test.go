package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datapillar/job/internal/model"
	"github.com/datapillar/job/internal/resilience"
)

type echoHandler struct{}

func (echoHandler) HandlerType() string { return "echo" }
func (echoHandler) Execute(ctx context.Context, jc JobContext) (map[string]any, error) {
	return map[string]any{"job_id": jc.Job.ID}, nil
}

func TestRegistryDispatchesToRegisteredHandler(t *testing.T) {
	r := NewRegistry()
	r.Register(echoHandler{})

	out, err := r.Execute(context.Background(), JobContext{Job: model.Job{ID: "j1", HandlerType: "echo"}})
	require.NoError(t, err)
	assert.Equal(t, "j1", out["job_id"])
}

func TestRegistryReturnsHandlerNotFound(t *testing.T) {
	r := NewRegistry()
	_, err := r.Execute(context.Background(), JobContext{Job: model.Job{ID: "j1", HandlerType: "missing"}})
	require.ErrorIs(t, err, model.ErrHandlerNotFound)
}

func TestShellHandlerRejectsUnlistedCommand(t *testing.T) {
	h := NewShellHandler()
	_, err := h.Execute(context.Background(), JobContext{Job: model.Job{Params: map[string]any{"script": "rm -rf /"}}})
	require.Error(t, err)
}

func TestShellHandlerRunsWhitelistedCommand(t *testing.T) {
	h := NewShellHandler()
	out, err := h.Execute(context.Background(), JobContext{Job: model.Job{Params: map[string]any{"script": "echo hello"}}})
	require.NoError(t, err)
	assert.Contains(t, out["stdout"], "hello")
}

func TestHTTPHandlerReturnsUpstreamJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	h := NewHTTPHandler()
	out, err := h.Execute(context.Background(), JobContext{
		JobRunID: "jr-1",
		Job:      model.Job{ID: "j1", Params: map[string]any{"url": srv.URL, "method": "GET"}},
	})
	require.NoError(t, err)
	assert.Equal(t, true, out["ok"])
}

func TestHTTPHandlerTripsCircuitBreakerAfterRepeatedUpstreamFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	h := NewHTTPHandler()
	h.breaker = resilience.NewCircuitBreakerAdaptive(2, 0.5, time.Minute, 1)

	jc := JobContext{JobRunID: "jr-1", Job: model.Job{ID: "j1", Params: map[string]any{"url": srv.URL, "method": "GET"}}}
	for i := 0; i < 2; i++ {
		_, err := h.Execute(context.Background(), jc)
		require.Error(t, err)
	}

	_, err := h.Execute(context.Background(), jc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit open")
}
