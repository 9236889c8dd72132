package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/datapillar/job/internal/resilience"
)

// HTTPHandler invokes an HTTP endpoint described by a job's Params,
// adapted from HTTPPlugin: same connection-pool tuning, same
// 10MB response cap, same best-effort JSON-then-raw-body result shape. A
// per-handler CircuitBreaker guards against hammering a downstream endpoint
// that is already failing — once it trips, requests fail fast instead of
// queuing up behind the client's 30s timeout.
type HTTPHandler struct {
	client  *http.Client
	tracer  trace.Tracer
	breaker *resilience.CircuitBreaker
}

// NewHTTPHandler builds an HTTPHandler with pooled keep-alive connections.
func NewHTTPHandler() *HTTPHandler {
	return &HTTPHandler{
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		tracer:  otel.Tracer("datapillar-job-handler-http"),
		breaker: resilience.NewCircuitBreakerAdaptive(10, 0.5, 30*time.Second, 3),
	}
}

func (h *HTTPHandler) HandlerType() string { return "http" }

// Execute reads url/method/body/headers out of jc.Job.Params and performs
// the request.
func (h *HTTPHandler) Execute(ctx context.Context, jc JobContext) (map[string]any, error) {
	ctx, span := h.tracer.Start(ctx, "http.request",
		trace.WithAttributes(attribute.String("job_id", jc.Job.ID)))
	defer span.End()

	url, _ := jc.Job.Params["url"].(string)
	if url == "" {
		return nil, fmt.Errorf("http handler: missing params.url")
	}
	method, _ := jc.Job.Params["method"].(string)
	if method == "" {
		method = http.MethodPost
	}

	var body io.Reader
	if payload, ok := jc.Job.Params["body"]; ok {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		body = strings.NewReader(string(raw))
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Job-Run-ID", jc.JobRunID)
	req.Header.Set("X-Workflow-Run-ID", jc.WorkflowRunID)
	req.Header.Set("User-Agent", "datapillar-job/1.0")
	if headers, ok := jc.Job.Params["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	if !h.breaker.Allow() {
		return nil, fmt.Errorf("http handler: circuit open for %s", url)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		h.breaker.RecordResult(false)
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		h.breaker.RecordResult(false)
		return nil, fmt.Errorf("read response: %w", err)
	}

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode >= 400 {
		h.breaker.RecordResult(resp.StatusCode < 500)
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, string(respBody))
	}
	h.breaker.RecordResult(true)

	var result map[string]any
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &result); err != nil {
			result = map[string]any{"body": string(respBody), "status_code": resp.StatusCode}
		}
	} else {
		result = map[string]any{"status_code": resp.StatusCode}
	}
	return result, nil
}
