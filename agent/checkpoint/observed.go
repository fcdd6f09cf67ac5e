package checkpoint

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Observer receives one call per saver operation.
type Observer interface {
	ObserveCheckpointOp(backend, op string, d time.Duration, err error)
}

type observedSaver struct {
	next    Saver
	backend string
	obs     Observer
	tracer  trace.Tracer
}

// WithObserver wraps s so every operation is timed, reported to obs and
// traced with an OpenTelemetry span. A nil obs only adds tracing.
func WithObserver(s Saver, backend string, obs Observer) Saver {
	return &observedSaver{
		next:    s,
		backend: backend,
		obs:     obs,
		tracer:  otel.Tracer("agentgate/checkpoint"),
	}
}

func (o *observedSaver) start(ctx context.Context, op, threadID string) (context.Context, func(error)) {
	ctx, span := o.tracer.Start(ctx, "checkpoint."+op, trace.WithAttributes(
		attribute.String("checkpoint.backend", o.backend),
		attribute.String("thread_id", threadID),
	))
	begin := time.Now()
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if o.obs != nil {
			o.obs.ObserveCheckpointOp(o.backend, op, time.Since(begin), err)
		}
	}
}

func (o *observedSaver) GetLatest(ctx context.Context, threadID, namespace string) (*Tuple, error) {
	ctx, done := o.start(ctx, "get_latest", threadID)
	t, err := o.next.GetLatest(ctx, threadID, namespace)
	done(err)
	return t, err
}

func (o *observedSaver) Get(ctx context.Context, key Key) (*Tuple, error) {
	ctx, done := o.start(ctx, "get", key.ThreadID)
	t, err := o.next.Get(ctx, key)
	done(err)
	return t, err
}

func (o *observedSaver) Put(ctx context.Context, threadID, namespace string, cp *Checkpoint, md Metadata, parentID string) (Key, error) {
	ctx, done := o.start(ctx, "put", threadID)
	k, err := o.next.Put(ctx, threadID, namespace, cp, md, parentID)
	done(err)
	return k, err
}

func (o *observedSaver) PutWrites(ctx context.Context, key Key, taskID string, writes []Write) error {
	ctx, done := o.start(ctx, "put_writes", key.ThreadID)
	err := o.next.PutWrites(ctx, key, taskID, writes)
	done(err)
	return err
}

func (o *observedSaver) List(ctx context.Context, opts ListOptions) ([]*Tuple, error) {
	ctx, done := o.start(ctx, "list", opts.ThreadID)
	ts, err := o.next.List(ctx, opts)
	done(err)
	return ts, err
}

func (o *observedSaver) Prune(ctx context.Context, threadID, namespace string) (int64, error) {
	ctx, done := o.start(ctx, "prune", threadID)
	n, err := o.next.Prune(ctx, threadID, namespace)
	done(err)
	return n, err
}
