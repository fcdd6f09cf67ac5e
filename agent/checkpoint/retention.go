package checkpoint

import (
	"context"

	"go.uber.org/zap"
)

// retainingSaver prunes older checkpoints of a thread after every successful
// put, keeping storage bounded to one checkpoint per (thread, namespace).
type retainingSaver struct {
	Saver
	logger *zap.Logger
}

// WithRetention wraps s so that only the latest checkpoint of each
// (thread, namespace) survives a Put. A failed prune is logged and does not
// fail the put, since the new checkpoint is already durable.
func WithRetention(s Saver, logger *zap.Logger) Saver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &retainingSaver{
		Saver:  s,
		logger: logger.With(zap.String("component", "checkpoint_retention")),
	}
}

func (r *retainingSaver) Put(ctx context.Context, threadID, namespace string, cp *Checkpoint, md Metadata, parentID string) (Key, error) {
	key, err := r.Saver.Put(ctx, threadID, namespace, cp, md, parentID)
	if err != nil {
		return key, err
	}
	removed, err := r.Saver.Prune(ctx, threadID, namespace)
	if err != nil {
		r.logger.Warn("prune after put failed",
			zap.String("thread_id", threadID),
			zap.String("checkpoint_id", cp.ID),
			zap.Error(err))
		return key, nil
	}
	if removed > 0 {
		r.logger.Debug("pruned checkpoints",
			zap.String("thread_id", threadID),
			zap.Int64("removed", removed))
	}
	return key, nil
}
