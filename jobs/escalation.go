package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	jobmetrics "github.com/resupply-health/resupply/internal/jobs"
	"github.com/resupply-health/resupply/internal/ledger"
)

// ConflictEscalator enqueues escalation tasks for recorded lot conflicts.
// It implements the ledger's conflict sink.
type ConflictEscalator struct {
	client *Client
}

func NewConflictEscalator(client *Client) *ConflictEscalator {
	return &ConflictEscalator{client: client}
}

// Escalate enqueues one task per conflict. Called after the batch has
// committed; a failed enqueue is reported to the caller for logging only.
func (e *ConflictEscalator) Escalate(ctx context.Context, conflicts []ledger.LotConflict) error {
	for _, c := range conflicts {
		payload := ConflictEscalationPayload{
			FacilityID:         c.FacilityID.String(),
			ProductCode:        c.ProductCode,
			LotCode:            c.LotCode,
			ExistingExpiration: formatDate(c.ExistingExpiration),
			ReportedExpiration: formatDate(c.ReportedExpiration),
			ReportedAt:         c.ReportedAt,
		}
		task, err := NewConflictEscalationTask(payload)
		if err != nil {
			return err
		}
		if _, err := e.client.Enqueue(ctx, task); err != nil {
			return err
		}
	}
	return nil
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02")
}

// EscalationHandler processes conflict escalation tasks on the worker. It
// marks the stored conflict escalated and emits a supervisor-visible log
// line; downstream notification channels hang off this handler.
type EscalationHandler struct {
	pool    *pgxpool.Pool
	logger  *slog.Logger
	metrics *jobmetrics.Metrics
}

func NewEscalationHandler(pool *pgxpool.Pool, logger *slog.Logger, metrics *jobmetrics.Metrics) *EscalationHandler {
	return &EscalationHandler{pool: pool, logger: logger, metrics: metrics}
}

func (h *EscalationHandler) Handle(ctx context.Context, t *asynq.Task) error {
	tracker := h.metrics.Track("conflict_escalate")
	return tracker.End(h.handle(ctx, t))
}

func (h *EscalationHandler) handle(ctx context.Context, t *asynq.Task) error {
	var payload ConflictEscalationPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if h.pool != nil {
		_, err := h.pool.Exec(ctx, `
			UPDATE lot_conflicts SET escalated_at = NOW()
			WHERE facility_id = $1 AND product_code = $2 AND lot_code = $3 AND escalated_at IS NULL`,
			payload.FacilityID, payload.ProductCode, payload.LotCode)
		if err != nil {
			return err
		}
	}
	h.logger.Warn("lot expiration conflict escalated",
		slog.String("facility_id", payload.FacilityID),
		slog.String("product_code", payload.ProductCode),
		slog.String("lot_code", payload.LotCode),
		slog.String("existing_expiration", payload.ExistingExpiration),
		slog.String("reported_expiration", payload.ReportedExpiration))
	return nil
}
