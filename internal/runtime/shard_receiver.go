package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/datapillar/job/internal/broadcast"
	"github.com/datapillar/job/internal/handler"
	"github.com/datapillar/job/internal/model"
)

// ShardReceiver subscribes to SubjectShardExec on every worker and executes
// whichever shard it happens to pick up. There is no ownership check here —
// unlike bucket scheduling, shard dispatch is round-robin across the NATS
// queue group, so receiving the message already settles who runs it.
// A bounded cache keyed on (job_run_id, shard_index) makes redelivery of
// the same shard idempotent by re-emitting the cached outcome instead of
// re-running the handler, mirroring dag_engine.go's ResultCache
// generalized from a content-hash key to a shard-identity key.
type ShardReceiver struct {
	bus      *broadcast.Bus
	handlers *handler.Registry
	workerID string
	log      *slog.Logger
	tracer   trace.Tracer

	done *lru.Cache[string, ShardResultPayload]
}

// NewShardReceiver builds a receiver that will answer shard-exec broadcasts
// as workerID.
func NewShardReceiver(bus *broadcast.Bus, handlers *handler.Registry, workerID string, log *slog.Logger) *ShardReceiver {
	done, _ := lru.New[string, ShardResultPayload](4096)
	return &ShardReceiver{bus: bus, handlers: handlers, workerID: workerID, log: log, tracer: otel.Tracer("datapillar-job-shard-receiver"), done: done}
}

// Start subscribes with a queue group so each shard is picked up by exactly
// one worker in the cluster, not broadcast to all of them.
func (r *ShardReceiver) Start() error {
	_, err := r.bus.QueueSubscribe(broadcast.SubjectShardExec, "shard-receivers", r.onShardExec)
	return err
}

func (r *ShardReceiver) onShardExec(ctx context.Context, msg broadcast.Message) {
	var payload ShardDispatchPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		r.log.Warn("discarding malformed shard dispatch", "error", err)
		return
	}

	ctx, span := r.tracer.Start(ctx, "shard_receiver.execute")
	defer span.End()

	key := shardResultKey(payload.JobRunID, payload.ShardIndex)
	if cached, ok := r.done.Get(key); ok {
		if perr := r.bus.Publish(ctx, broadcast.SubjectShardResult, "shard_result", cached); perr != nil {
			r.log.Error("re-publish cached shard result", "error", perr, "job_run_id", payload.JobRunID)
		}
		return
	}

	result := ShardResultPayload{JobRunID: payload.JobRunID, ShardIndex: payload.ShardIndex}

	shardRange := &model.ShardSpec{Start: payload.RangeStart, End: payload.RangeEnd, Parallelism: 1}
	shardIndex := payload.ShardIndex

	_, err := r.handlers.Execute(ctx, handler.JobContext{
		WorkflowRunID: payload.WorkflowRunID,
		JobRunID:      payload.JobRunID,
		Job: model.Job{
			HandlerType: payload.HandlerType,
			Params:      payload.Params,
		},
		ShardIndex: &shardIndex,
		ShardRange: shardRange,
	})
	if err != nil {
		result.Status = "failed"
		result.Message = err.Error()
	} else {
		result.Status = string(model.JobRunCompleted)
	}

	r.done.Add(key, result)
	if perr := r.bus.Publish(ctx, broadcast.SubjectShardResult, "shard_result", result); perr != nil {
		r.log.Error("publish shard result", "error", perr, "job_run_id", payload.JobRunID)
	}
}

func shardResultKey(jobRunID string, shardIndex int) string {
	return fmt.Sprintf("%s/%d", jobRunID, shardIndex)
}
