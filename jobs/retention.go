package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	jobmetrics "github.com/resupply-health/resupply/internal/jobs"
)

// RetentionHandler deletes movement keys older than the retention window.
// Dropping a key re-opens the dedup window for that movement, so the window
// must comfortably exceed the longest plausible device resubmission delay.
type RetentionHandler struct {
	pool      *pgxpool.Pool
	retention time.Duration
	logger    *slog.Logger
	metrics   *jobmetrics.Metrics
}

func NewRetentionHandler(pool *pgxpool.Pool, retention time.Duration, logger *slog.Logger, metrics *jobmetrics.Metrics) *RetentionHandler {
	return &RetentionHandler{pool: pool, retention: retention, logger: logger, metrics: metrics}
}

func (h *RetentionHandler) Handle(ctx context.Context, t *asynq.Task) error {
	tracker := h.metrics.Track("key_retention")
	return tracker.End(h.handle(ctx, t))
}

func (h *RetentionHandler) handle(ctx context.Context, t *asynq.Task) error {
	var payload KeyRetentionPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	cutoff := time.Now().UTC().Add(-h.retention).UnixMilli()
	tag, err := h.pool.Exec(ctx, `DELETE FROM movement_keys WHERE recorded_at < $1`, cutoff)
	if err != nil {
		return err
	}
	h.logger.Info("movement key retention sweep",
		slog.Int64("deleted", tag.RowsAffected()),
		slog.Time("scheduled_for", payload.ScheduledFor))
	return nil
}
