package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
)

// projector turns a deduplicated batch of movements into staged ledger
// entities on the batch context. Movements are grouped by recordedAt in
// ascending order, then sub-grouped by resolved program; each pair becomes
// one immutable StockEvent.
type projector struct {
	tx          TxRepository
	catalog     CatalogPort
	bc          *BatchContext
	logger      *slog.Logger
	now         time.Time
	submittedBy string
	seq         int

	inventories map[uuid.UUID]*PhysicalInventory
	points      []snapshotPoint
}

// snapshotPoint is one client-declared stock-on-hand observation, kept in
// apply order for the chronological snapshot pass.
type snapshotPoint struct {
	card       *StockCard
	occurred   time.Time
	recordedAt time.Time
	declared   int64
	delta      int64
}

func newProjector(tx TxRepository, catalog CatalogPort, bc *BatchContext, logger *slog.Logger, now time.Time, submittedBy string) *projector {
	return &projector{
		tx:          tx,
		catalog:     catalog,
		bc:          bc,
		logger:      logger,
		now:         now,
		submittedBy: submittedBy,
		inventories: make(map[uuid.UUID]*PhysicalInventory),
	}
}

// Project stages events, line items, physical inventories, snapshots, and
// movement keys for the batch. References are resolved before anything is
// staged, so an unresolvable product fails the batch with nothing written.
func (p *projector) Project(ctx context.Context, movements []Movement) error {
	for _, m := range movements {
		if _, err := p.bc.Product(ctx, p.catalog, m.ProductCode); err != nil {
			return err
		}
	}

	for _, group := range groupByRecordedAt(movements) {
		if err := p.projectGroup(ctx, group); err != nil {
			return err
		}
	}

	if err := p.stageSnapshots(ctx); err != nil {
		return err
	}

	for _, m := range movements {
		p.bc.staged.Keys = append(p.bc.staged.Keys, m.Keys()...)
	}
	return nil
}

// groupByRecordedAt splits the batch into per-instant groups ordered by
// recordedAt ascending, preserving request order inside each group.
func groupByRecordedAt(movements []Movement) [][]Movement {
	byInstant := make(map[int64][]Movement)
	instants := make([]int64, 0)
	for _, m := range movements {
		ts := m.RecordedAt.UnixMilli()
		if _, ok := byInstant[ts]; !ok {
			instants = append(instants, ts)
		}
		byInstant[ts] = append(byInstant[ts], m)
	}
	sort.Slice(instants, func(i, j int) bool { return instants[i] < instants[j] })
	groups := make([][]Movement, 0, len(instants))
	for _, ts := range instants {
		groups = append(groups, byInstant[ts])
	}
	return groups
}

func (p *projector) projectGroup(ctx context.Context, group []Movement) error {
	byProgram := make(map[uuid.UUID][]Movement)
	order := make([]uuid.UUID, 0)
	for _, m := range group {
		product := p.bc.products[m.ProductCode]
		if _, ok := byProgram[product.ProgramID]; !ok {
			order = append(order, product.ProgramID)
		}
		byProgram[product.ProgramID] = append(byProgram[product.ProgramID], m)
	}

	for _, programID := range order {
		sub := byProgram[programID]
		event := &StockEvent{
			ID:          uuid.New(),
			FacilityID:  p.bc.facilityID,
			ProgramID:   programID,
			ProcessedAt: p.now,
			Signature:   sub[0].Signature,
			SubmittedBy: p.submittedBy,
		}
		p.bc.staged.Events = append(p.bc.staged.Events, event)
		for _, m := range sub {
			if err := p.projectMovement(ctx, event, m); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *projector) projectMovement(ctx context.Context, event *StockEvent, m Movement) error {
	product := p.bc.products[m.ProductCode]

	if len(m.LotEvents) == 0 {
		card, err := p.bc.Card(ctx, p.tx, product.ProgramID, product.ID, uuid.Nil)
		if err != nil {
			return err
		}
		p.stageLine(event, card, m, "", m.OccurredDate, m.Reason, m.DocumentNumber, m.Quantity, m.StockOnHand)
		return nil
	}

	for _, le := range m.LotEvents {
		code := ProductLotCode{ProductCode: m.ProductCode, LotCode: CanonicalCode(le.LotCode)}
		lot, ok := p.bc.lot(code)
		if !ok {
			return fmt.Errorf("%w: lot %s/%s not resolved", ErrUnresolvedReference, code.ProductCode, code.LotCode)
		}
		card, err := p.bc.Card(ctx, p.tx, product.ProgramID, product.ID, lot.ID)
		if err != nil {
			return err
		}
		p.stageLine(event, card, m, lot.LotCode, le.OccurredDate, le.Reason, le.DocumentNumber, le.Quantity, le.StockOnHand)
	}
	return nil
}

// stageLine stages the submitted-form event line, the signed card line, and
// the physical-inventory decomposition when applicable. Line items within a
// batch get strictly increasing processed times so the history ordering is
// total.
func (p *projector) stageLine(event *StockEvent, card *StockCard, m Movement, lotCode string, occurred time.Time, reason, document string, quantity, declaredSOH int64) {
	processedAt := p.now.Add(time.Duration(p.seq) * time.Microsecond)
	p.seq++
	signed := signedQuantity(m.Type, quantity)

	p.bc.staged.EventLines = append(p.bc.staged.EventLines, &StockEventLineItem{
		ID:             uuid.New(),
		StockEventID:   event.ID,
		ProductCode:    m.ProductCode,
		LotCode:        lotCode,
		MovementType:   m.Type,
		Reason:         reason,
		OccurredDate:   occurred,
		Quantity:       quantity,
		DocumentNumber: document,
	})
	p.bc.staged.CardLines = append(p.bc.staged.CardLines, &StockCardLineItem{
		ID:             uuid.New(),
		StockCardID:    card.ID,
		StockEventID:   event.ID,
		MovementType:   m.Type,
		Reason:         reason,
		OccurredDate:   occurred,
		ProcessedAt:    processedAt,
		Quantity:       signed,
		DocumentNumber: document,
	})
	p.points = append(p.points, snapshotPoint{
		card:       card,
		occurred:   occurred,
		recordedAt: m.RecordedAt,
		declared:   declaredSOH,
		delta:      signed,
	})

	if m.Type == MovementPhysicalInventory && reason != ReasonInventory {
		p.stageAdjustment(event, card, occurred, reason, signed)
	}
}

// stageAdjustment records a counted discrepancy as a CREDIT or DEBIT against
// the physical inventory of the owning event.
func (p *projector) stageAdjustment(event *StockEvent, card *StockCard, occurred time.Time, reason string, signed int64) {
	pi, ok := p.inventories[event.ID]
	if !ok {
		pi = &PhysicalInventory{
			ID:           uuid.New(),
			StockEventID: event.ID,
			FacilityID:   event.FacilityID,
			ProgramID:    event.ProgramID,
			OccurredDate: occurred,
		}
		p.inventories[event.ID] = pi
		p.bc.staged.Inventories = append(p.bc.staged.Inventories, pi)
	}
	line := &PhysicalInventoryLine{
		ID:                  uuid.New(),
		PhysicalInventoryID: pi.ID,
		StockCardID:         card.ID,
		Quantity:            signed,
	}
	p.bc.staged.InventoryLines = append(p.bc.staged.InventoryLines, line)
	adjType := AdjustmentCredit
	if signed < 0 {
		adjType = AdjustmentDebit
	}
	p.bc.staged.Adjustments = append(p.bc.staged.Adjustments, &PhysicalInventoryLineAdjustment{
		ID:                      uuid.New(),
		PhysicalInventoryLineID: line.ID,
		Reason:                  reason,
		Type:                    adjType,
		Quantity:                abs64(signed),
	})
}

// stageSnapshots replays the declared stock-on-hand observations in
// chronological order and stages one snapshot per (card, date), last
// observation winning. The declared value is trusted: devices report after
// periods of disconnected operation, so their view self-corrects the ledger
// even when intermediate movements were lost.
func (p *projector) stageSnapshots(ctx context.Context) error {
	points := make([]snapshotPoint, len(p.points))
	copy(points, p.points)
	sort.SliceStable(points, func(i, j int) bool {
		if !points[i].occurred.Equal(points[j].occurred) {
			return points[i].occurred.Before(points[j].occurred)
		}
		return points[i].recordedAt.Before(points[j].recordedAt)
	})

	type snapKey struct {
		card uuid.UUID
		date string
	}
	latest := make(map[snapKey]*CalculatedStockOnHand)
	for _, pt := range points {
		key := snapKey{card: pt.card.ID, date: dateKey(pt.occurred)}
		if snap, ok := latest[key]; ok {
			snap.StockOnHand = pt.declared
			continue
		}
		snap := &CalculatedStockOnHand{
			ID:           uuid.New(),
			StockCardID:  pt.card.ID,
			OccurredDate: midnightUTC(pt.occurred),
			StockOnHand:  pt.declared,
		}
		latest[key] = snap
		p.bc.staged.Snapshots = append(p.bc.staged.Snapshots, snap)
	}

	p.logDivergence(ctx, points)
	return nil
}

// logDivergence compares each declared stock on hand with the value derived
// from a seed snapshot plus the batch's own deltas and warns on mismatch.
// Best effort: movements persisted by earlier batches between the seed date
// and these lines are not replayed here.
func (p *projector) logDivergence(ctx context.Context, points []snapshotPoint) {
	if p.logger == nil {
		return
	}
	running := make(map[uuid.UUID]int64)
	seeded := make(map[uuid.UUID]bool)
	for _, pt := range points {
		if !seeded[pt.card.ID] {
			seeded[pt.card.ID] = true
			seed, err := p.tx.LatestSnapshot(ctx, pt.card.ID, midnightUTC(pt.occurred))
			if err != nil {
				p.logger.Warn("seed snapshot lookup failed", slog.Any("error", err))
				continue
			}
			if seed != nil {
				running[pt.card.ID] = seed.StockOnHand
			}
		}
		running[pt.card.ID] += pt.delta
		if derived := running[pt.card.ID]; derived != pt.declared {
			p.logger.Warn("declared stock on hand diverges from ledger deltas",
				slog.String("stock_card_id", pt.card.ID.String()),
				slog.String("occurred_date", dateKey(pt.occurred)),
				slog.Int64("derived", derived),
				slog.Int64("declared", pt.declared))
			running[pt.card.ID] = pt.declared
		}
	}
}

func midnightUTC(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
