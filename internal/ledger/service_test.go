package ledger

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/resupply-health/resupply/internal/catalog"
)

type memoryRepo struct {
	lots      map[ProductLotCode]*ProductLot
	cards     []*StockCard
	events    []*StockEvent
	cardLines []StockCardLineItem
	snapshots map[uuid.UUID]map[string]int64
	keys      map[uuid.UUID]map[MovementKey]struct{}
	conflicts []LotConflict

	persistErr error
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		lots:      make(map[ProductLotCode]*ProductLot),
		snapshots: make(map[uuid.UUID]map[string]int64),
		keys:      make(map[uuid.UUID]map[MovementKey]struct{}),
	}
}

func (m *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, m)
}

func (m *memoryRepo) MovementKeys(_ context.Context, facilityID uuid.UUID) (map[MovementKey]struct{}, error) {
	out := make(map[MovementKey]struct{}, len(m.keys[facilityID]))
	for k := range m.keys[facilityID] {
		out[k] = struct{}{}
	}
	return out, nil
}

func (m *memoryRepo) FindLot(_ context.Context, productCode, lotCode string) (*ProductLot, error) {
	lot, ok := m.lots[ProductLotCode{ProductCode: productCode, LotCode: lotCode}]
	if !ok {
		return nil, nil
	}
	copied := *lot
	return &copied, nil
}

func (m *memoryRepo) FindStockCard(_ context.Context, facilityID, programID, productID, lotID uuid.UUID) (*StockCard, error) {
	for _, c := range m.cards {
		if c.FacilityID == facilityID && c.ProgramID == programID && c.ProductID == productID && c.LotID == lotID {
			copied := *c
			return &copied, nil
		}
	}
	return nil, nil
}

func (m *memoryRepo) LatestSnapshot(_ context.Context, cardID uuid.UUID, before time.Time) (*CalculatedStockOnHand, error) {
	var best *CalculatedStockOnHand
	for date, soh := range m.snapshots[cardID] {
		d, _ := time.ParseInLocation("2006-01-02", date, time.UTC)
		if !d.Before(before) {
			continue
		}
		if best == nil || d.After(best.OccurredDate) {
			best = &CalculatedStockOnHand{StockCardID: cardID, OccurredDate: d, StockOnHand: soh}
		}
	}
	return best, nil
}

func (m *memoryRepo) PersistBatch(_ context.Context, facilityID uuid.UUID, batch *StagedBatch) error {
	if m.persistErr != nil {
		return m.persistErr
	}
	for _, lot := range batch.Lots {
		copied := *lot
		m.lots[ProductLotCode{ProductCode: lot.ProductCode, LotCode: lot.LotCode}] = &copied
	}
	for _, ev := range batch.Events {
		copied := *ev
		m.events = append(m.events, &copied)
	}
	for _, card := range batch.Cards {
		copied := *card
		m.cards = append(m.cards, &copied)
	}
	for _, line := range batch.CardLines {
		m.cardLines = append(m.cardLines, *line)
	}
	for _, snap := range batch.Snapshots {
		if m.snapshots[snap.StockCardID] == nil {
			m.snapshots[snap.StockCardID] = make(map[string]int64)
		}
		m.snapshots[snap.StockCardID][dateKey(snap.OccurredDate)] = snap.StockOnHand
	}
	if m.keys[facilityID] == nil {
		m.keys[facilityID] = make(map[MovementKey]struct{})
	}
	for _, key := range batch.Keys {
		m.keys[facilityID][key] = struct{}{}
	}
	m.conflicts = append(m.conflicts, batch.Conflicts...)
	return nil
}

func (m *memoryRepo) CardDetails(_ context.Context, id uuid.UUID) (*CardDetails, error) {
	for _, c := range m.cards {
		if c.ID == id {
			d := &CardDetails{Card: *c}
			for _, lot := range m.lots {
				if lot.ID == c.LotID {
					d.LotCode = lot.LotCode
				}
			}
			return d, nil
		}
	}
	return nil, ErrCardNotFound
}

func (m *memoryRepo) LineItems(_ context.Context, cardID uuid.UUID, from, to time.Time) ([]StockCardLineItem, error) {
	var out []StockCardLineItem
	for _, line := range m.cardLines {
		if line.StockCardID != cardID {
			continue
		}
		d := midnightUTC(line.OccurredDate)
		if d.Before(midnightUTC(from)) || d.After(midnightUTC(to)) {
			continue
		}
		out = append(out, line)
	}
	return out, nil
}

func (m *memoryRepo) Snapshots(_ context.Context, cardID uuid.UUID, from, to time.Time) ([]CalculatedStockOnHand, error) {
	var out []CalculatedStockOnHand
	for date, soh := range m.snapshots[cardID] {
		d, _ := time.ParseInLocation("2006-01-02", date, time.UTC)
		if d.Before(midnightUTC(from)) || d.After(midnightUTC(to)) {
			continue
		}
		out = append(out, CalculatedStockOnHand{StockCardID: cardID, OccurredDate: d, StockOnHand: soh})
	}
	return out, nil
}

type fakeCatalog struct {
	facilities map[uuid.UUID]catalog.Facility
	products   map[string]catalog.Product
}

func (f *fakeCatalog) Facility(_ context.Context, id uuid.UUID) (catalog.Facility, error) {
	fac, ok := f.facilities[id]
	if !ok {
		return catalog.Facility{}, catalog.ErrNotFound
	}
	return fac, nil
}

func (f *fakeCatalog) ProductByCode(_ context.Context, code string) (catalog.Product, error) {
	p, ok := f.products[code]
	if !ok {
		return catalog.Product{}, catalog.ErrNotFound
	}
	return p, nil
}

type fakeSink struct {
	escalated []LotConflict
}

func (f *fakeSink) Escalate(_ context.Context, conflicts []LotConflict) error {
	f.escalated = append(f.escalated, conflicts...)
	return nil
}

var (
	testFacilityID = uuid.MustParse("11111111-1111-1111-1111-111111111111")
	testProgramID  = uuid.MustParse("22222222-2222-2222-2222-222222222222")
	testProductID  = uuid.MustParse("33333333-3333-3333-3333-333333333333")
)

func newTestService(repo *memoryRepo, sink ConflictSink) *Service {
	cat := &fakeCatalog{
		facilities: map[uuid.UUID]catalog.Facility{
			testFacilityID: {ID: testFacilityID, Code: "HF01", Name: "Mzuzu Health Centre", Active: true},
		},
		products: map[string]catalog.Product{
			"08O05": {ID: testProductID, Code: "08O05", Name: "LA 6x2", ProgramID: testProgramID, HasLots: true},
		},
	}
	return NewService(repo, cat, nil, sink, nil, nil, slog.New(slog.DiscardHandler))
}

func receiveMovement(lotCode string, occurred time.Time, recorded time.Time, qty, soh int64, sig string) Movement {
	return Movement{
		ProductCode:  "08O05",
		Type:         MovementReceive,
		OccurredDate: occurred,
		RecordedAt:   recorded,
		Signature:    sig,
		Quantity:     qty,
		StockOnHand:  soh,
		LotEvents: []LotEvent{{
			LotCode:        lotCode,
			ExpirationDate: time.Date(2027, 6, 30, 0, 0, 0, 0, time.UTC),
			Quantity:       qty,
			StockOnHand:    soh,
			OccurredDate:   occurred,
		}},
	}
}

func TestSubmitAppliesBatch(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, nil)

	d1 := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	recorded := time.Date(2026, 8, 2, 9, 30, 0, 0, time.UTC)
	result, err := svc.Submit(context.Background(), testFacilityID, []Movement{
		receiveMovement("BN-7A", d1, recorded, 10, 10, "sig-1"),
	}, "nurse.banda")
	require.NoError(t, err)
	require.Equal(t, 1, result.Applied)
	require.Zero(t, result.Skipped)
	require.Equal(t, 1, result.Events)
	require.Empty(t, result.Conflicts)

	require.Len(t, repo.cards, 1)
	require.Len(t, repo.cardLines, 1)
	require.EqualValues(t, 10, repo.cardLines[0].Quantity)
	require.Equal(t, "nurse.banda", repo.events[0].SubmittedBy)
	require.Equal(t, int64(10), repo.snapshots[repo.cards[0].ID]["2026-08-01"])
	require.Contains(t, repo.lots, ProductLotCode{ProductCode: "08O05", LotCode: "BN-7A"})
	require.Len(t, repo.keys[testFacilityID], 1)
}

func TestSubmitIsIdempotent(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, nil)

	d1 := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	recorded := time.Date(2026, 8, 2, 9, 30, 0, 0, time.UTC)
	batch := []Movement{receiveMovement("BN-7A", d1, recorded, 10, 10, "sig-1")}

	_, err := svc.Submit(context.Background(), testFacilityID, batch, "nurse.banda")
	require.NoError(t, err)

	result, err := svc.Submit(context.Background(), testFacilityID, batch, "nurse.banda")
	require.NoError(t, err)
	require.Zero(t, result.Applied)
	require.Equal(t, 1, result.Skipped)
	require.Len(t, repo.cardLines, 1)
	require.Len(t, repo.events, 1)
}

func TestSubmitReportsLotConflict(t *testing.T) {
	repo := newMemoryRepo()
	existing := &ProductLot{
		ID:             uuid.New(),
		ProductCode:    "08O05",
		LotCode:        "BN-7A",
		ExpirationDate: time.Date(2027, 1, 31, 0, 0, 0, 0, time.UTC),
	}
	repo.lots[ProductLotCode{ProductCode: "08O05", LotCode: "BN-7A"}] = existing
	sink := &fakeSink{}
	svc := newTestService(repo, sink)

	d1 := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	recorded := time.Date(2026, 8, 2, 9, 30, 0, 0, time.UTC)
	result, err := svc.Submit(context.Background(), testFacilityID, []Movement{
		receiveMovement("bn-7a", d1, recorded, 10, 10, "sig-1"),
	}, "nurse.banda")
	require.NoError(t, err)
	require.Equal(t, 1, result.Applied)
	require.Len(t, result.Conflicts, 1)
	require.Equal(t, "BN-7A", result.Conflicts[0].LotCode)

	// persisted expiration stays authoritative
	require.Equal(t, existing.ExpirationDate,
		repo.lots[ProductLotCode{ProductCode: "08O05", LotCode: "BN-7A"}].ExpirationDate)
	require.Len(t, sink.escalated, 1)
}

func TestSubmitUnknownProductFailsWholeBatch(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, nil)

	d1 := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	recorded := time.Date(2026, 8, 2, 9, 30, 0, 0, time.UTC)
	bad := receiveMovement("BN-7A", d1, recorded, 10, 10, "sig-1")
	bad.ProductCode = "NOPE"

	_, err := svc.Submit(context.Background(), testFacilityID, []Movement{
		receiveMovement("BN-7A", d1, recorded, 10, 10, "sig-2"),
		bad,
	}, "nurse.banda")
	require.ErrorIs(t, err, ErrUnresolvedReference)
	require.Empty(t, repo.cardLines)
	require.Empty(t, repo.keys[testFacilityID])
}

func TestSubmitPersistFailureLeavesNothing(t *testing.T) {
	repo := newMemoryRepo()
	repo.persistErr = errors.New("boom")
	svc := newTestService(repo, nil)

	d1 := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	recorded := time.Date(2026, 8, 2, 9, 30, 0, 0, time.UTC)
	_, err := svc.Submit(context.Background(), testFacilityID, []Movement{
		receiveMovement("BN-7A", d1, recorded, 10, 10, "sig-1"),
	}, "nurse.banda")
	require.Error(t, err)
	require.Empty(t, repo.cardLines)
	require.Empty(t, repo.lots)
	require.Empty(t, repo.keys[testFacilityID])

	// retry after the failure succeeds cleanly
	repo.persistErr = nil
	result, err := svc.Submit(context.Background(), testFacilityID, []Movement{
		receiveMovement("BN-7A", d1, recorded, 10, 10, "sig-1"),
	}, "nurse.banda")
	require.NoError(t, err)
	require.Equal(t, 1, result.Applied)
}

func TestSubmitUnknownFacility(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, nil)

	_, err := svc.Submit(context.Background(), uuid.New(), []Movement{
		receiveMovement("BN-7A", time.Now(), time.Now(), 1, 1, "sig-1"),
	}, "nurse.banda")
	require.ErrorIs(t, err, ErrUnresolvedReference)
}

func TestHistoryReconstructsStockOnHand(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, nil)

	d1 := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	d2 := time.Date(2026, 8, 2, 0, 0, 0, 0, time.UTC)
	recorded := time.Date(2026, 8, 3, 9, 30, 0, 0, time.UTC)

	issue := Movement{
		ProductCode:  "08O05",
		Type:         MovementIssue,
		OccurredDate: d2,
		RecordedAt:   recorded,
		Signature:    "sig-2",
		Quantity:     4,
		StockOnHand:  6,
		LotEvents: []LotEvent{{
			LotCode:      "BN-7A",
			Quantity:     4,
			StockOnHand:  6,
			OccurredDate: d2,
		}},
	}
	_, err := svc.Submit(context.Background(), testFacilityID, []Movement{
		receiveMovement("BN-7A", d1, recorded, 10, 10, "sig-1"),
		issue,
	}, "nurse.banda")
	require.NoError(t, err)
	require.Len(t, repo.cards, 1)

	entries, err := svc.History(context.Background(), testFacilityID, repo.cards[0].ID, d1, d2)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	// newest first: the issue on day two, then the receipt on day one
	require.Equal(t, MovementIssue, entries[0].MovementType)
	require.EqualValues(t, -4, entries[0].Quantity)
	require.EqualValues(t, 6, entries[0].StockOnHandAfter)
	require.Equal(t, MovementReceive, entries[1].MovementType)
	require.EqualValues(t, 10, entries[1].StockOnHandAfter)
	require.Equal(t, "BN-7A", entries[1].LotCode)
}

func TestHistoryWrongFacility(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, nil)

	d1 := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	recorded := time.Date(2026, 8, 2, 9, 30, 0, 0, time.UTC)
	_, err := svc.Submit(context.Background(), testFacilityID, []Movement{
		receiveMovement("BN-7A", d1, recorded, 10, 10, "sig-1"),
	}, "nurse.banda")
	require.NoError(t, err)

	_, err = svc.History(context.Background(), uuid.New(), repo.cards[0].ID, d1, d1)
	require.ErrorIs(t, err, ErrCardNotFound)
}
