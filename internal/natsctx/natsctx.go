// Package natsctx wraps NATS publish/subscribe with W3C trace-context
// propagation, adapted from libs/go/core/natsctx.
// internal/broadcast and internal/runtime use this instead of calling
// *nats.Conn directly so every broadcast message and shard dispatch carries
// its originating span.
package natsctx

import (
	"context"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var propagator = propagation.TraceContext{}

// Publish injects the current span's trace context into NATS headers and
// publishes data on subject.
func Publish(ctx context.Context, nc *nats.Conn, subject string, data []byte) error {
	hdr := nats.Header{}
	carrier := propagation.HeaderCarrier(hdr)
	propagator.Inject(ctx, carrier)
	msg := &nats.Msg{Subject: subject, Data: data, Header: hdr}
	return nc.PublishMsg(msg)
}

// Subscribe wraps nc.Subscribe, extracting trace context per message and
// starting a consumer span around handler.
func Subscribe(nc *nats.Conn, subject string, handler func(context.Context, *nats.Msg)) (*nats.Subscription, error) {
	return nc.Subscribe(subject, func(m *nats.Msg) {
		ctx, span := startConsumerSpan(m)
		defer span.End()
		handler(ctx, m)
	})
}

// QueueSubscribe is Subscribe's queue-group counterpart: every worker's
// shard receiver subscribes to the same subject under one queue group so
// each published message lands on exactly one receiver.
func QueueSubscribe(nc *nats.Conn, subject, queue string, handler func(context.Context, *nats.Msg)) (*nats.Subscription, error) {
	return nc.QueueSubscribe(subject, queue, func(m *nats.Msg) {
		ctx, span := startConsumerSpan(m)
		defer span.End()
		handler(ctx, m)
	})
}

func startConsumerSpan(m *nats.Msg) (context.Context, trace.Span) {
	carrier := propagation.HeaderCarrier(m.Header)
	ctx := propagator.Extract(context.Background(), carrier)
	tr := otel.Tracer("datapillar-job-nats")
	return tr.Start(ctx, "nats.consume", trace.WithSpanKind(trace.SpanKindConsumer))
}
