// Package handler defines the pluggable job-handler interface the
// Executor Runtime dispatches into, generalizing
// plugins.go's PluginRegistry/PluginExecutor pair: PluginType becomes
// HandlerType (a string rather than a closed TaskType enum, since
// Job.HandlerType is caller-defined), and registration moves
// to an explicit HandlerProvider hook so a deployment wires in only the
// handlers it needs instead of inheriting a hardcoded built-in set.
package handler

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/datapillar/job/internal/model"
)

// JobContext carries everything a Handler needs about the JobRun it is
// executing, mirroring WorkflowExecution.Context's template
// substitution map but scoped to a single job invocation.
type JobContext struct {
	WorkflowRunID string
	JobRunID      string
	Job           model.Job
	Attempt       int
	ShardIndex    *int
	ShardRange    *model.ShardSpec
}

// Handler executes one job attempt and returns a result payload, or an
// error which the runtime classifies (handler_exception vs timeout) before
// deciding whether to retry. The runtime records only success or failure;
// the payload is not stored on the JobRun.
type Handler interface {
	Execute(ctx context.Context, jc JobContext) (map[string]any, error)
	HandlerType() string
}

// Registry maps HandlerType strings to Handlers, dispatching with the same
// tracer-span wrapping PluginRegistry.Execute applies.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	tracer   trace.Tracer
}

// NewRegistry returns an empty registry; callers register handlers via
// Register or by implementing HandlerProvider.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
		tracer:   otel.Tracer("datapillar-job-handlers"),
	}
}

// HandlerProvider lets a deployment bundle related handlers (e.g. an HTTP
// package registering "http.get"/"http.post") behind one wiring call.
type HandlerProvider interface {
	RegisterHandlers(r *Registry)
}

// Register adds h under h.HandlerType(), overwriting any existing
// registration for that type.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.HandlerType()] = h
}

// Lookup returns whether a handler is registered for handlerType, without
// invoking it — the runtime uses this to fail fast with
// model.ErrHandlerNotFound without entering the retry loop.
func (r *Registry) Lookup(handlerType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[handlerType]
	return h, ok
}

// Execute dispatches to the handler registered for jc.Job.HandlerType,
// wrapping the call in a span the way plugin.execute's span
// wraps PluginExecutor.Execute.
func (r *Registry) Execute(ctx context.Context, jc JobContext) (map[string]any, error) {
	h, ok := r.Lookup(jc.Job.HandlerType)
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrHandlerNotFound, jc.Job.HandlerType)
	}

	ctx, span := r.tracer.Start(ctx, "handler.execute",
		trace.WithAttributes(
			attribute.String("handler_type", jc.Job.HandlerType),
			attribute.String("job_id", jc.Job.ID),
			attribute.Int("attempt", jc.Attempt),
		),
	)
	defer span.End()

	return h.Execute(ctx, jc)
}
