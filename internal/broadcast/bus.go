// Package broadcast implements the Broadcast Bus: a
// publish/subscribe fan-out over NATS for workflow-level control messages
// (trigger, kill, rerun) and job-level/shard-direct dispatch messages,
// deduplicated at the receiver by event id. Grounded on the
// natsctx trace-propagation wrapper and on the control-plane sibling
// service's direct use of nats.go; the bounded dedup cache uses
// hashicorp/golang-lru/v2, following dagu-org-dagu's use of the same
// library.
package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/google/uuid"
	nats "github.com/nats-io/nats.go"

	"github.com/datapillar/job/internal/natsctx"
)

// Message is the envelope every broadcast carries: a unique, dedup-able
// event id, a logical kind, and an opaque JSON payload the subscriber
// decodes based on Kind.
type Message struct {
	EventID   string          `json:"event_id"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	PublishedAt time.Time     `json:"published_at"`
}

// Handler processes a deduplicated Message.
type Handler func(ctx context.Context, msg Message)

// Bus is the NATS-backed Transport implementation.
type Bus struct {
	nc  *nats.Conn
	log *slog.Logger

	dedup *lru.Cache[string, struct{}]
}

// NewBus builds a Bus with a bounded dedup cache of the last dedupSize
// event ids seen, so at-least-once NATS delivery never double-applies a
// control message.
func NewBus(nc *nats.Conn, dedupSize int, log *slog.Logger) (*Bus, error) {
	cache, err := lru.New[string, struct{}](dedupSize)
	if err != nil {
		return nil, err
	}
	return &Bus{nc: nc, log: log, dedup: cache}, nil
}

// Publish encodes payload, stamps a fresh event id, and publishes on
// subject.
func (b *Bus) Publish(ctx context.Context, subject, kind string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	msg := Message{EventID: uuid.NewString(), Kind: kind, Payload: raw, PublishedAt: time.Now()}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return natsctx.Publish(ctx, b.nc, subject, data)
}

// Subscribe registers handler on subject, deduplicating by event id before
// dispatch.
func (b *Bus) Subscribe(subject string, handler Handler) (*nats.Subscription, error) {
	return natsctx.Subscribe(b.nc, subject, func(ctx context.Context, m *nats.Msg) {
		b.dispatch(ctx, m.Data, handler)
	})
}

// QueueSubscribe registers handler on subject under a queue group, so a
// published message is delivered to exactly one subscriber in the group —
// used by shard receivers.
func (b *Bus) QueueSubscribe(subject, queue string, handler Handler) (*nats.Subscription, error) {
	return natsctx.QueueSubscribe(b.nc, subject, queue, func(ctx context.Context, m *nats.Msg) {
		b.dispatch(ctx, m.Data, handler)
	})
}

func (b *Bus) dispatch(ctx context.Context, data []byte, handler Handler) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		b.log.Warn("discarding malformed broadcast message", "error", err)
		return
	}
	if _, seen := b.dedup.Get(msg.EventID); seen {
		return
	}
	b.dedup.Add(msg.EventID, struct{}{})
	handler(ctx, msg)
}

// Subject naming conventions for the workflow-control and job/shard
// dispatch message families.
const (
	SubjectWorkflowControl = "datapillar.job.workflow.control"
	SubjectJobDispatch     = "datapillar.job.dispatch"
	SubjectShardExec       = "datapillar.job.shard.exec"
	SubjectShardResult     = "datapillar.job.shard.result"
)
