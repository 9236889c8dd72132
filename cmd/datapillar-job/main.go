package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"

	"github.com/datapillar/job/internal/broadcast"
	"github.com/datapillar/job/internal/cluster"
	"github.com/datapillar/job/internal/config"
	"github.com/datapillar/job/internal/executor"
	"github.com/datapillar/job/internal/handler"
	"github.com/datapillar/job/internal/logging"
	"github.com/datapillar/job/internal/model"
	"github.com/datapillar/job/internal/otelinit"
	"github.com/datapillar/job/internal/runtime"
	"github.com/datapillar/job/internal/scheduler"
	"github.com/datapillar/job/internal/store"
)

type fixedBucketCount int

func (f fixedBucketCount) BucketCount() int { return int(f) }

type triggerRequest struct {
	TriggeredBy  string `json:"triggered_by"`
	AllowOverlap bool   `json:"allow_overlap"`
}

type rerunRequest struct {
	FromJobID string `json:"from_job_id"`
}

func main() {
	cfg := config.Load()
	log := logging.Init(cfg.ServiceName)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := otelinit.InitTracer(ctx, cfg.ServiceName)
	shutdownMetrics, promHandler := otelinit.InitMetrics(ctx, cfg.ServiceName)
	meter := otel.GetMeterProvider().Meter(cfg.ServiceName)

	st, err := store.NewBoltStore(cfg.BoltPath, meter)
	if err != nil {
		log.Error("open bolt store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	nc, err := nats.Connect(cfg.NATSURL)
	if err != nil {
		log.Error("connect nats", "error", err, "url", cfg.NATSURL)
		os.Exit(1)
	}
	defer nc.Close()

	bus, err := broadcast.NewBus(nc, 4096, log)
	if err != nil {
		log.Error("build broadcast bus", "error", err)
		os.Exit(1)
	}

	workerID := fmt.Sprintf("%s-%d", cfg.ServiceName, os.Getpid())
	coord := cluster.NewCoordinator(workerID, cfg.BucketCount, cfg.LeaseTTL, st, nc, log)
	if err := coord.Start(ctx, cfg.HeartbeatInterval); err != nil {
		log.Error("start cluster coordinator", "error", err)
		os.Exit(1)
	}
	defer coord.Stop(context.Background())

	handlers := handler.NewRegistry()
	handlers.Register(handler.NewHTTPHandler())
	handlers.Register(handler.NewShellHandler())

	ex := executor.New(st, fixedBucketCount(cfg.BucketCount), bus, log)

	shardCoord := runtime.NewShardCoordinator(bus, st, log)
	if err := shardCoord.ListenForResults(); err != nil {
		log.Error("subscribe shard results", "error", err)
		os.Exit(1)
	}
	receiver := runtime.NewShardReceiver(bus, handlers, workerID, log)
	if err := receiver.Start(); err != nil {
		log.Error("subscribe shard exec", "error", err)
		os.Exit(1)
	}

	rt := runtime.New(st, handlers, ex.OnJobTerminal, shardCoord, cfg.JobTimeout, cfg.MaxRetries, cfg.RetryBaseDelay, log)

	shardCount := cfg.SchedulerShards
	if shardCount < 1 {
		shardCount = 1
	}
	for i := 0; i < shardCount; i++ {
		s := scheduler.NewShardScheduler(i, shardCount, time.Second, 50, st, coord, rt, meter, log)
		go s.Run(ctx)
	}

	cronSched := scheduler.NewCronScheduler(func(ctx context.Context, workflowID, triggeredBy string, allowOverlap bool) error {
		_, err := ex.StartRun(ctx, workflowID, triggeredBy, allowOverlap)
		return err
	}, meter, log)
	cronSched.Start()
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		_ = cronSched.Stop(stopCtx)
	}()

	mux := newControlSurface(ex, st, log)
	if h, ok := promHandler.(http.Handler); ok {
		mux.Handle("/metrics", h)
	}

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server error", "error", err)
			cancel()
		}
	}()

	log.Info("datapillar-job started", "worker_id", workerID, "http_addr", cfg.HTTPAddr, "buckets", cfg.BucketCount, "shards", shardCount)
	<-ctx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	otelinit.Flush(shutdownCtx, shutdownTrace)
	_ = shutdownMetrics(shutdownCtx)
	log.Info("shutdown complete")
}

func newControlSurface(ex *executor.Executor, st *store.BoltStore, log *slog.Logger) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/workflow/", func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/workflow/")
		parts := strings.SplitN(rest, "/", 2)
		if len(parts) != 2 || parts[1] != "trigger" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		var req triggerRequest
		if r.ContentLength > 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "bad request", http.StatusBadRequest)
				return
			}
		}
		run, err := ex.StartRun(r.Context(), parts[0], req.TriggeredBy, req.AllowOverlap)
		if err != nil {
			writeExecutorError(w, err)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(run)
	})

	mux.HandleFunc("/workflow-run/", func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/workflow-run/")
		parts := strings.SplitN(rest, "/", 2)
		if len(parts) != 2 || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		runID, action := parts[0], parts[1]
		switch action {
		case "kill":
			if err := ex.StopRun(r.Context(), runID); err != nil {
				writeExecutorError(w, err)
				return
			}
			w.WriteHeader(http.StatusOK)
		case "rerun":
			var req rerunRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "bad request", http.StatusBadRequest)
				return
			}
			if err := ex.RerunRun(r.Context(), runID, req.FromJobID); err != nil {
				writeExecutorError(w, err)
				return
			}
			w.WriteHeader(http.StatusOK)
		default:
			http.NotFound(w, r)
		}
	})

	mux.HandleFunc("/job-run/", func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/job-run/")
		parts := strings.SplitN(rest, "/", 2)
		if len(parts) != 2 || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		jobRunID, action := parts[0], parts[1]
		switch action {
		case "retry":
			if err := ex.RetryJob(r.Context(), jobRunID); err != nil {
				writeExecutorError(w, err)
				return
			}
			w.WriteHeader(http.StatusOK)
		default:
			http.NotFound(w, r)
		}
	})

	return mux
}

func writeExecutorError(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		return
	case err == model.ErrNotFound:
		http.Error(w, err.Error(), http.StatusNotFound)
	case err == model.ErrConflict || err == model.ErrNonTerminalRun:
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
