package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/resupply-health/resupply/internal/catalog"
	"github.com/resupply-health/resupply/internal/observability"
	"github.com/resupply-health/resupply/internal/shared"
)

// CatalogPort is the slice of the catalog the engine needs.
type CatalogPort interface {
	Facility(ctx context.Context, id uuid.UUID) (catalog.Facility, error)
	ProductByCode(ctx context.Context, code string) (catalog.Product, error)
}

// Locker serialises batch ingestion per facility. Transaction isolation
// remains the safety net when the lock is unavailable.
type Locker interface {
	Acquire(ctx context.Context, facilityID uuid.UUID) (func(), error)
}

// ConflictSink escalates lot conflicts after the batch has committed.
// Escalation failures never affect the committed batch.
type ConflictSink interface {
	Escalate(ctx context.Context, conflicts []LotConflict) error
}

// AuditPort records accepted batches.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service orchestrates batch submission and history reads.
type Service struct {
	repo    RepositoryPort
	catalog CatalogPort
	locks   Locker
	sink    ConflictSink
	audit   AuditPort
	metrics *observability.LedgerMetrics
	logger  *slog.Logger
}

func NewService(repo RepositoryPort, cat CatalogPort, locks Locker, sink ConflictSink, audit AuditPort, metrics *observability.LedgerMetrics, logger *slog.Logger) *Service {
	return &Service{
		repo:    repo,
		catalog: cat,
		locks:   locks,
		sink:    sink,
		audit:   audit,
		metrics: metrics,
		logger:  logger,
	}
}

// Submit ingests one batch of client-reported movements for a facility.
// The whole batch commits or nothing does. Previously committed movements
// are skipped silently; lot conflicts are recorded and reported in the
// result without failing the batch.
func (s *Service) Submit(ctx context.Context, facilityID uuid.UUID, movements []Movement, submittedBy string) (SubmitResult, error) {
	start := time.Now()
	var result SubmitResult
	if len(movements) == 0 {
		return result, nil
	}

	if _, err := s.catalog.Facility(ctx, facilityID); err != nil {
		s.observeSubmit("error", result, start)
		if errors.Is(err, catalog.ErrNotFound) {
			return SubmitResult{}, fmt.Errorf("%w: facility %s", ErrUnresolvedReference, facilityID)
		}
		return SubmitResult{}, fmt.Errorf("verify facility: %w", err)
	}

	if s.locks != nil {
		release, err := s.locks.Acquire(ctx, facilityID)
		if err != nil {
			s.observeSubmit("locked", result, start)
			return SubmitResult{}, err
		}
		defer release()
	}

	now := time.Now().UTC()
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		committed, err := tx.MovementKeys(ctx, facilityID)
		if err != nil {
			return err
		}
		fresh := Deduplicate(movements, committed)
		result.Skipped = len(movements) - len(fresh)
		if len(fresh) == 0 {
			return nil
		}

		bc := NewBatchContext(facilityID)
		if err := newLotResolver(bc, now).ResolveAll(ctx, tx, fresh); err != nil {
			return err
		}
		if err := newProjector(tx, s.catalog, bc, s.logger, now, submittedBy).Project(ctx, fresh); err != nil {
			return err
		}
		if err := tx.PersistBatch(ctx, facilityID, bc.Staged()); err != nil {
			return err
		}

		result.Applied = len(fresh)
		result.Events = len(bc.Staged().Events)
		result.Conflicts = bc.Staged().Conflicts
		return nil
	})
	if err != nil {
		s.observeSubmit("error", SubmitResult{}, start)
		return SubmitResult{}, err
	}

	s.escalateConflicts(ctx, result.Conflicts)
	s.recordAudit(ctx, facilityID, submittedBy, result)
	s.observeSubmit("ok", result, start)
	return result, nil
}

func (s *Service) escalateConflicts(ctx context.Context, conflicts []LotConflict) {
	if len(conflicts) == 0 || s.sink == nil {
		return
	}
	if err := s.sink.Escalate(ctx, conflicts); err != nil && s.logger != nil {
		s.logger.Warn("lot conflict escalation failed", slog.Any("error", err))
	}
}

func (s *Service) recordAudit(ctx context.Context, facilityID uuid.UUID, submittedBy string, result SubmitResult) {
	if s.audit == nil || result.Applied == 0 {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		Actor:    submittedBy,
		Action:   "ledger.submit",
		Entity:   "facility",
		EntityID: facilityID.String(),
		Meta: map[string]any{
			"applied":   result.Applied,
			"skipped":   result.Skipped,
			"events":    result.Events,
			"conflicts": len(result.Conflicts),
		},
	})
	if err != nil && s.logger != nil {
		s.logger.Warn("audit record failed", slog.Any("error", err))
	}
}

func (s *Service) observeSubmit(outcome string, result SubmitResult, start time.Time) {
	s.metrics.ObserveSubmit(outcome, result.Applied, result.Skipped, len(result.Conflicts), time.Since(start))
}

// History reconstructs the per-movement stock on hand of one stock card
// inside [from, to], newest first. The facility must own the card.
func (s *Service) History(ctx context.Context, facilityID, stockCardID uuid.UUID, from, to time.Time) ([]MovementHistoryEntry, error) {
	start := time.Now()
	details, err := s.repo.CardDetails(ctx, stockCardID)
	if err != nil {
		return nil, err
	}
	if details.Card.FacilityID != facilityID {
		return nil, ErrCardNotFound
	}

	lines, err := s.repo.LineItems(ctx, stockCardID, from, to)
	if err != nil {
		return nil, err
	}
	snapshots, err := s.repo.Snapshots(ctx, stockCardID, from, to)
	if err != nil {
		return nil, err
	}

	rec := NewReconstruction(lines, snapshots)
	entries := make([]MovementHistoryEntry, 0, len(lines))
	for rec.Next() {
		line, soh := rec.Entry()
		entries = append(entries, MovementHistoryEntry{
			LineID:           line.ID,
			ProcessedAt:      line.ProcessedAt,
			OccurredDate:     line.OccurredDate,
			MovementType:     line.MovementType,
			Reason:           line.Reason,
			DocumentNumber:   line.DocumentNumber,
			LotCode:          details.LotCode,
			Quantity:         line.Quantity,
			StockOnHandAfter: soh,
		})
	}
	if err := rec.Err(); err != nil {
		return nil, err
	}
	s.metrics.ObserveHistory(time.Since(start))
	return entries, nil
}
