package ledger

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// MovementType enumerates supported stock movements.
type MovementType string

const (
	// MovementReceive represents stock received into the facility.
	MovementReceive MovementType = "RECEIVE"
	// MovementIssue represents stock issued out of the facility.
	MovementIssue MovementType = "ISSUE"
	// MovementPositiveAdjust represents a manual upward correction.
	MovementPositiveAdjust MovementType = "POSITIVE_ADJUST"
	// MovementNegativeAdjust represents a manual downward correction.
	MovementNegativeAdjust MovementType = "NEGATIVE_ADJUST"
	// MovementPhysicalInventory represents a physical count. Its quantity is
	// the net adjustment (credit minus debit) explaining the count result.
	MovementPhysicalInventory MovementType = "PHYSICAL_INVENTORY"
)

// ReasonInventory is the neutral physical-inventory reason. Counts declared
// under it carry no adjustment decomposition.
const ReasonInventory = "INVENTORY"

// AdjustmentType classifies a physical-inventory discrepancy reason.
type AdjustmentType string

const (
	AdjustmentCredit AdjustmentType = "CREDIT"
	AdjustmentDebit  AdjustmentType = "DEBIT"
)

// Movement is one client-reported stock movement for a product. LotEvents is
// empty for no-lot products (kits), which use the movement's own quantity and
// stock-on-hand fields directly.
type Movement struct {
	ProductCode    string
	Type           MovementType
	OccurredDate   time.Time
	RecordedAt     time.Time
	Signature      string
	DocumentNumber string
	Reason         string
	Quantity       int64
	StockOnHand    int64
	Requested      *int64
	LotEvents      []LotEvent
}

// LotEvent is the lot-level portion of a movement for lot-tracked products.
type LotEvent struct {
	LotCode        string
	ExpirationDate time.Time
	Quantity       int64
	StockOnHand    int64
	OccurredDate   time.Time
	Reason         string
	DocumentNumber string
}

// ProductLotCode is the natural key for lot-level operations. LotCode is
// empty for no-lot products.
type ProductLotCode struct {
	ProductCode string
	LotCode     string
}

// ProductLot is a durable lot identity, created once per distinct
// (productCode, lotCode) and referenced by identity afterwards.
type ProductLot struct {
	ID             uuid.UUID
	ProductCode    string
	LotCode        string
	ExpirationDate time.Time
}

// StockCard is the running aggregate for (facility, program, product, lot).
// LotID is uuid.Nil for no-lot products.
type StockCard struct {
	ID         uuid.UUID
	FacilityID uuid.UUID
	ProgramID  uuid.UUID
	ProductID  uuid.UUID
	LotID      uuid.UUID
}

// StockEvent is an immutable record of one ingested client submission.
type StockEvent struct {
	ID          uuid.UUID
	FacilityID  uuid.UUID
	ProgramID   uuid.UUID
	ProcessedAt time.Time
	Signature   string
	SubmittedBy string
}

// StockEventLineItem records the movement as submitted, keyed by product and
// lot codes rather than resolved identities.
type StockEventLineItem struct {
	ID             uuid.UUID
	StockEventID   uuid.UUID
	ProductCode    string
	LotCode        string
	MovementType   MovementType
	Reason         string
	OccurredDate   time.Time
	Quantity       int64
	DocumentNumber string
}

// StockCardLineItem is one signed quantity delta on a stock card. Receipts
// and positive adjustments are positive, issues and negative adjustments are
// negative, physical-inventory lines carry the net credit-minus-debit
// adjustment.
type StockCardLineItem struct {
	ID             uuid.UUID
	StockCardID    uuid.UUID
	StockEventID   uuid.UUID
	MovementType   MovementType
	Reason         string
	OccurredDate   time.Time
	ProcessedAt    time.Time
	Quantity       int64
	DocumentNumber string
}

// CalculatedStockOnHand is the authoritative quantity on hand after all
// movements up to and including OccurredDate. At most one row exists per
// (stock card, date); later ingestion overwrites the date's snapshot.
type CalculatedStockOnHand struct {
	ID           uuid.UUID
	StockCardID  uuid.UUID
	OccurredDate time.Time
	StockOnHand  int64
}

// PhysicalInventory is a physical-count event tied to a stock event.
type PhysicalInventory struct {
	ID           uuid.UUID
	StockEventID uuid.UUID
	FacilityID   uuid.UUID
	ProgramID    uuid.UUID
	OccurredDate time.Time
}

// PhysicalInventoryLine ties a counted discrepancy to one stock card.
type PhysicalInventoryLine struct {
	ID                  uuid.UUID
	PhysicalInventoryID uuid.UUID
	StockCardID         uuid.UUID
	Quantity            int64
}

// PhysicalInventoryLineAdjustment decomposes a counted discrepancy into a
// CREDIT or DEBIT reason.
type PhysicalInventoryLineAdjustment struct {
	ID                      uuid.UUID
	PhysicalInventoryLineID uuid.UUID
	Reason                  string
	Type                    AdjustmentType
	Quantity                int64
}

// LotConflict reports a differing expiration date for an already-known lot.
// It is an expected outcome, not an error: the batch proceeds and the
// persisted expiration date remains authoritative.
type LotConflict struct {
	FacilityID         uuid.UUID
	ProductCode        string
	LotCode            string
	ExistingExpiration time.Time
	ReportedExpiration time.Time
	ReportedAt         time.Time
}

// MovementKey is the natural key deduplicating a client-submitted movement.
// RecordedAt is unix milliseconds so keys compare exactly in maps.
type MovementKey struct {
	ProductCode string
	LotCode     string
	RecordedAt  int64
	Signature   string
}

// Keys returns the movement keys of one request, one per lot event, or a
// single product-level key when the movement has no lot events.
func (m Movement) Keys() []MovementKey {
	if len(m.LotEvents) == 0 {
		return []MovementKey{{
			ProductCode: m.ProductCode,
			RecordedAt:  m.RecordedAt.UnixMilli(),
			Signature:   m.Signature,
		}}
	}
	keys := make([]MovementKey, 0, len(m.LotEvents))
	for _, le := range m.LotEvents {
		keys = append(keys, MovementKey{
			ProductCode: m.ProductCode,
			LotCode:     CanonicalCode(le.LotCode),
			RecordedAt:  m.RecordedAt.UnixMilli(),
			Signature:   m.Signature,
		})
	}
	return keys
}

// SubmitResult summarises one batch submission. Duplicates and lot conflicts
// are reported here rather than as errors: both are expected outcomes on the
// happy path.
type SubmitResult struct {
	Applied   int
	Skipped   int
	Events    int
	Conflicts []LotConflict
}

// MovementHistoryEntry is one reconstructed ledger line with the stock on
// hand immediately after it was applied.
type MovementHistoryEntry struct {
	LineID           uuid.UUID
	ProcessedAt      time.Time
	OccurredDate     time.Time
	MovementType     MovementType
	Reason           string
	DocumentNumber   string
	LotCode          string
	Quantity         int64
	StockOnHandAfter int64
}

var (
	// ErrUnresolvedReference indicates a product, program, or facility that
	// cannot be found. It is fatal for the whole batch: a missing reference
	// is a data-integrity problem, not a transient condition.
	ErrUnresolvedReference = errors.New("ledger: unresolved reference")
	// ErrCardNotFound indicates a missing stock card on the read path.
	ErrCardNotFound = errors.New("ledger: stock card not found")
	// ErrSnapshotMissing indicates a line item whose occurred date has no
	// calculated stock-on-hand snapshot to seed reconstruction from.
	ErrSnapshotMissing = errors.New("ledger: stock on hand snapshot missing")
)

// signedQuantity applies the movement sign convention. Directional types
// take the magnitude of the reported quantity; physical inventory keeps the
// reported net adjustment as-is.
func signedQuantity(t MovementType, qty int64) int64 {
	switch t {
	case MovementReceive, MovementPositiveAdjust:
		return abs64(qty)
	case MovementIssue, MovementNegativeAdjust:
		return -abs64(qty)
	default:
		return qty
	}
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// dateKey normalises an occurred date to calendar-day granularity.
func dateKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
