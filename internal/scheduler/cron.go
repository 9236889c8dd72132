// Package scheduler implements two distinct responsibilities: the
// cron/event trigger layer that decides WHEN a workflow starts (this file,
// adapted from scheduler.go's Scheduler/ScheduleConfig), and the
// sharded Job Scheduler that decides WHICH pending JobRuns to dispatch next
// (shard.go, new — the orchestrator it's adapted from runs every task
// inline in one process and has no equivalent).
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Trigger starts a workflow run; executor.Executor.StartRun satisfies this.
type Trigger func(ctx context.Context, workflowID, triggeredBy string, allowOverlap bool) error

// ScheduleConfig mirrors the upstream ScheduleConfig, renamed from
// WorkflowName to WorkflowID to match this module's id-keyed domain model.
type ScheduleConfig struct {
	WorkflowID    string
	CronExpr      string
	Enabled       bool
	AllowOverlap  bool
	Metadata      map[string]string
}

// CronScheduler manages cron-triggered workflow starts.
type CronScheduler struct {
	cron    *cron.Cron
	trigger Trigger
	log     *slog.Logger
	tracer  trace.Tracer

	mu        sync.Mutex
	entries   map[string]cron.EntryID
	schedules map[string]ScheduleConfig

	runsTotal  metric.Int64Counter
	failsTotal metric.Int64Counter
}

// NewCronScheduler builds a seconds-precision cron scheduler, using
// cron.New(cron.WithSeconds()).
func NewCronScheduler(trigger Trigger, meter metric.Meter, log *slog.Logger) *CronScheduler {
	runsTotal, _ := meter.Int64Counter("datapillar_job_schedule_runs_total")
	failsTotal, _ := meter.Int64Counter("datapillar_job_schedule_failures_total")
	return &CronScheduler{
		cron:       cron.New(cron.WithSeconds()),
		trigger:    trigger,
		log:        log,
		tracer:     otel.Tracer("datapillar-job-scheduler"),
		entries:    make(map[string]cron.EntryID),
		schedules:  make(map[string]ScheduleConfig),
		runsTotal:  runsTotal,
		failsTotal: failsTotal,
	}
}

// Start begins firing cron entries.
func (s *CronScheduler) Start() {
	s.cron.Start()
	s.log.Info("cron scheduler started")
}

// Stop drains in-flight cron jobs before ctx's deadline.
func (s *CronScheduler) Stop(ctx context.Context) error {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AddSchedule registers or replaces a workflow's cron trigger.
func (s *CronScheduler) AddSchedule(cfg ScheduleConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entries[cfg.WorkflowID]; ok {
		s.cron.Remove(existing)
		delete(s.entries, cfg.WorkflowID)
	}
	if !cfg.Enabled {
		s.schedules[cfg.WorkflowID] = cfg
		return nil
	}

	id, err := s.cron.AddFunc(cfg.CronExpr, func() { s.fire(cfg) })
	if err != nil {
		return fmt.Errorf("add cron schedule for %s: %w", cfg.WorkflowID, err)
	}
	s.entries[cfg.WorkflowID] = id
	s.schedules[cfg.WorkflowID] = cfg
	return nil
}

// RemoveSchedule unregisters a workflow's cron trigger.
func (s *CronScheduler) RemoveSchedule(workflowID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[workflowID]; ok {
		s.cron.Remove(id)
		delete(s.entries, workflowID)
	}
	delete(s.schedules, workflowID)
}

// ListSchedules returns every registered schedule, enabled or not.
func (s *CronScheduler) ListSchedules() []ScheduleConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScheduleConfig, 0, len(s.schedules))
	for _, cfg := range s.schedules {
		out = append(out, cfg)
	}
	return out
}

func (s *CronScheduler) fire(cfg ScheduleConfig) {
	ctx, span := s.tracer.Start(context.Background(), "scheduler.cron_fire",
		trace.WithAttributes(attribute.String("workflow_id", cfg.WorkflowID)))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := s.trigger(ctx, cfg.WorkflowID, "cron", cfg.AllowOverlap); err != nil {
		s.failsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("workflow_id", cfg.WorkflowID)))
		s.log.Warn("cron-triggered run failed", "workflow_id", cfg.WorkflowID, "error", err)
		return
	}
	s.runsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("workflow_id", cfg.WorkflowID)))
}
