package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/resupply-health/resupply/internal/platform/db"
)

// ErrConflictingWrite indicates a unique violation from a concurrent batch.
// The transaction has rolled back; resubmitting is safe because committed
// movements deduplicate.
var ErrConflictingWrite = errors.New("ledger: conflicting concurrent write")

// TxRepository is the transactional store surface the batch pipeline runs
// against. Find methods return (nil, nil) when the row does not exist.
type TxRepository interface {
	MovementKeys(ctx context.Context, facilityID uuid.UUID) (map[MovementKey]struct{}, error)
	FindLot(ctx context.Context, productCode, lotCode string) (*ProductLot, error)
	FindStockCard(ctx context.Context, facilityID, programID, productID, lotID uuid.UUID) (*StockCard, error)
	LatestSnapshot(ctx context.Context, stockCardID uuid.UUID, before time.Time) (*CalculatedStockOnHand, error)
	PersistBatch(ctx context.Context, facilityID uuid.UUID, batch *StagedBatch) error
}

// CardDetails is a stock card joined with its lot code for read paths.
type CardDetails struct {
	Card    StockCard
	LotCode string
}

// RepositoryPort is the store surface the service depends on.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	CardDetails(ctx context.Context, id uuid.UUID) (*CardDetails, error)
	LineItems(ctx context.Context, stockCardID uuid.UUID, from, to time.Time) ([]StockCardLineItem, error)
	Snapshots(ctx context.Context, stockCardID uuid.UUID, from, to time.Time) ([]CalculatedStockOnHand, error)
}

// Repository is the PostgreSQL implementation of RepositoryPort.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// WithTx runs fn inside a RepeatableRead transaction. Batch atomicity rests
// on this: everything the pipeline stages commits or rolls back together.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

func (r *Repository) CardDetails(ctx context.Context, id uuid.UUID) (*CardDetails, error) {
	var d CardDetails
	var lotID *uuid.UUID
	var lotCode *string
	err := r.pool.QueryRow(ctx, `
		SELECT c.id, c.facility_id, c.program_id, c.product_id, c.lot_id, l.lot_code
		FROM stock_cards c
		LEFT JOIN product_lots l ON l.id = c.lot_id
		WHERE c.id = $1`, id).
		Scan(&d.Card.ID, &d.Card.FacilityID, &d.Card.ProgramID, &d.Card.ProductID, &lotID, &lotCode)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCardNotFound
		}
		return nil, fmt.Errorf("load stock card: %w", err)
	}
	if lotID != nil {
		d.Card.LotID = *lotID
	}
	if lotCode != nil {
		d.LotCode = *lotCode
	}
	return &d, nil
}

func (r *Repository) LineItems(ctx context.Context, stockCardID uuid.UUID, from, to time.Time) ([]StockCardLineItem, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, stock_card_id, stock_event_id, movement_type, reason, occurred_date,
		       processed_at, quantity, document_number
		FROM stock_card_line_items
		WHERE stock_card_id = $1 AND occurred_date BETWEEN $2 AND $3
		ORDER BY processed_at DESC`, stockCardID, midnightUTC(from), midnightUTC(to))
	if err != nil {
		return nil, fmt.Errorf("load line items: %w", err)
	}
	defer rows.Close()

	var items []StockCardLineItem
	for rows.Next() {
		var it StockCardLineItem
		if err := rows.Scan(&it.ID, &it.StockCardID, &it.StockEventID, &it.MovementType,
			&it.Reason, &it.OccurredDate, &it.ProcessedAt, &it.Quantity, &it.DocumentNumber); err != nil {
			return nil, fmt.Errorf("scan line item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func (r *Repository) Snapshots(ctx context.Context, stockCardID uuid.UUID, from, to time.Time) ([]CalculatedStockOnHand, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, stock_card_id, occurred_date, stock_on_hand
		FROM calculated_stocks_on_hand
		WHERE stock_card_id = $1 AND occurred_date BETWEEN $2 AND $3
		ORDER BY occurred_date`, stockCardID, midnightUTC(from), midnightUTC(to))
	if err != nil {
		return nil, fmt.Errorf("load snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []CalculatedStockOnHand
	for rows.Next() {
		var s CalculatedStockOnHand
		if err := rows.Scan(&s.ID, &s.StockCardID, &s.OccurredDate, &s.StockOnHand); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snaps = append(snaps, s)
	}
	return snaps, rows.Err()
}

type txRepository struct {
	tx pgx.Tx
}

func (r *txRepository) MovementKeys(ctx context.Context, facilityID uuid.UUID) (map[MovementKey]struct{}, error) {
	rows, err := r.tx.Query(ctx, `
		SELECT product_code, lot_code, recorded_at, signature
		FROM movement_keys WHERE facility_id = $1`, facilityID)
	if err != nil {
		return nil, fmt.Errorf("load movement keys: %w", err)
	}
	defer rows.Close()

	keys := make(map[MovementKey]struct{})
	for rows.Next() {
		var k MovementKey
		if err := rows.Scan(&k.ProductCode, &k.LotCode, &k.RecordedAt, &k.Signature); err != nil {
			return nil, fmt.Errorf("scan movement key: %w", err)
		}
		keys[k] = struct{}{}
	}
	return keys, rows.Err()
}

func (r *txRepository) FindLot(ctx context.Context, productCode, lotCode string) (*ProductLot, error) {
	var lot ProductLot
	var expiry *time.Time
	err := r.tx.QueryRow(ctx, `
		SELECT id, product_code, lot_code, expiration_date
		FROM product_lots WHERE product_code = $1 AND lot_code = $2`, productCode, lotCode).
		Scan(&lot.ID, &lot.ProductCode, &lot.LotCode, &expiry)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find lot: %w", err)
	}
	if expiry != nil {
		lot.ExpirationDate = *expiry
	}
	return &lot, nil
}

func (r *txRepository) FindStockCard(ctx context.Context, facilityID, programID, productID, lotID uuid.UUID) (*StockCard, error) {
	var card StockCard
	var storedLot *uuid.UUID
	var lotArg any
	if lotID != uuid.Nil {
		lotArg = lotID
	}
	err := r.tx.QueryRow(ctx, `
		SELECT id, facility_id, program_id, product_id, lot_id
		FROM stock_cards
		WHERE facility_id = $1 AND program_id = $2 AND product_id = $3 AND lot_id IS NOT DISTINCT FROM $4`,
		facilityID, programID, productID, lotArg).
		Scan(&card.ID, &card.FacilityID, &card.ProgramID, &card.ProductID, &storedLot)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find stock card: %w", err)
	}
	if storedLot != nil {
		card.LotID = *storedLot
	}
	return &card, nil
}

func (r *txRepository) LatestSnapshot(ctx context.Context, stockCardID uuid.UUID, before time.Time) (*CalculatedStockOnHand, error) {
	var s CalculatedStockOnHand
	err := r.tx.QueryRow(ctx, `
		SELECT id, stock_card_id, occurred_date, stock_on_hand
		FROM calculated_stocks_on_hand
		WHERE stock_card_id = $1 AND occurred_date < $2
		ORDER BY occurred_date DESC LIMIT 1`, stockCardID, before).
		Scan(&s.ID, &s.StockCardID, &s.OccurredDate, &s.StockOnHand)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("latest snapshot: %w", err)
	}
	return &s, nil
}

// PersistBatch writes the staged entities in dependency order. Lots precede
// cards, cards and events precede line items, snapshots and movement keys
// close the batch. The caller's transaction provides atomicity.
func (r *txRepository) PersistBatch(ctx context.Context, facilityID uuid.UUID, batch *StagedBatch) error {
	for _, lot := range batch.Lots {
		_, err := r.tx.Exec(ctx, `
			INSERT INTO product_lots (id, product_code, lot_code, expiration_date)
			VALUES ($1, $2, $3, $4)`,
			lot.ID, lot.ProductCode, lot.LotCode, nullableDate(lot.ExpirationDate))
		if err != nil {
			return wrapWriteErr("insert lot", err)
		}
	}
	for _, ev := range batch.Events {
		_, err := r.tx.Exec(ctx, `
			INSERT INTO stock_events (id, facility_id, program_id, processed_at, signature, submitted_by)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			ev.ID, ev.FacilityID, ev.ProgramID, ev.ProcessedAt, ev.Signature, ev.SubmittedBy)
		if err != nil {
			return wrapWriteErr("insert stock event", err)
		}
	}
	for _, card := range batch.Cards {
		var lotArg any
		if card.LotID != uuid.Nil {
			lotArg = card.LotID
		}
		_, err := r.tx.Exec(ctx, `
			INSERT INTO stock_cards (id, facility_id, program_id, product_id, lot_id)
			VALUES ($1, $2, $3, $4, $5)`,
			card.ID, card.FacilityID, card.ProgramID, card.ProductID, lotArg)
		if err != nil {
			return wrapWriteErr("insert stock card", err)
		}
	}
	for _, line := range batch.EventLines {
		_, err := r.tx.Exec(ctx, `
			INSERT INTO stock_event_line_items
				(id, stock_event_id, product_code, lot_code, movement_type, reason,
				 occurred_date, quantity, document_number)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			line.ID, line.StockEventID, line.ProductCode, line.LotCode, line.MovementType,
			line.Reason, midnightUTC(line.OccurredDate), line.Quantity, line.DocumentNumber)
		if err != nil {
			return wrapWriteErr("insert event line", err)
		}
	}
	for _, line := range batch.CardLines {
		_, err := r.tx.Exec(ctx, `
			INSERT INTO stock_card_line_items
				(id, stock_card_id, stock_event_id, movement_type, reason,
				 occurred_date, processed_at, quantity, document_number)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			line.ID, line.StockCardID, line.StockEventID, line.MovementType, line.Reason,
			midnightUTC(line.OccurredDate), line.ProcessedAt, line.Quantity, line.DocumentNumber)
		if err != nil {
			return wrapWriteErr("insert card line", err)
		}
	}
	for _, pi := range batch.Inventories {
		_, err := r.tx.Exec(ctx, `
			INSERT INTO physical_inventories (id, stock_event_id, facility_id, program_id, occurred_date)
			VALUES ($1, $2, $3, $4, $5)`,
			pi.ID, pi.StockEventID, pi.FacilityID, pi.ProgramID, midnightUTC(pi.OccurredDate))
		if err != nil {
			return wrapWriteErr("insert physical inventory", err)
		}
	}
	for _, line := range batch.InventoryLines {
		_, err := r.tx.Exec(ctx, `
			INSERT INTO physical_inventory_lines (id, physical_inventory_id, stock_card_id, quantity)
			VALUES ($1, $2, $3, $4)`,
			line.ID, line.PhysicalInventoryID, line.StockCardID, line.Quantity)
		if err != nil {
			return wrapWriteErr("insert inventory line", err)
		}
	}
	for _, adj := range batch.Adjustments {
		_, err := r.tx.Exec(ctx, `
			INSERT INTO physical_inventory_line_adjustments
				(id, physical_inventory_line_id, reason, adjustment_type, quantity)
			VALUES ($1, $2, $3, $4, $5)`,
			adj.ID, adj.PhysicalInventoryLineID, adj.Reason, adj.Type, adj.Quantity)
		if err != nil {
			return wrapWriteErr("insert adjustment", err)
		}
	}
	for _, snap := range batch.Snapshots {
		_, err := r.tx.Exec(ctx, `
			INSERT INTO calculated_stocks_on_hand (id, stock_card_id, occurred_date, stock_on_hand)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (stock_card_id, occurred_date)
			DO UPDATE SET stock_on_hand = EXCLUDED.stock_on_hand`,
			snap.ID, snap.StockCardID, snap.OccurredDate, snap.StockOnHand)
		if err != nil {
			return wrapWriteErr("upsert snapshot", err)
		}
	}
	for _, key := range batch.Keys {
		_, err := r.tx.Exec(ctx, `
			INSERT INTO movement_keys (facility_id, product_code, lot_code, recorded_at, signature)
			VALUES ($1, $2, $3, $4, $5)`,
			facilityID, key.ProductCode, key.LotCode, key.RecordedAt, key.Signature)
		if err != nil {
			return wrapWriteErr("insert movement key", err)
		}
	}
	for _, c := range batch.Conflicts {
		_, err := r.tx.Exec(ctx, `
			INSERT INTO lot_conflicts
				(facility_id, product_code, lot_code, existing_expiration, reported_expiration, reported_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			c.FacilityID, c.ProductCode, c.LotCode,
			nullableDate(c.ExistingExpiration), nullableDate(c.ReportedExpiration), c.ReportedAt)
		if err != nil {
			return wrapWriteErr("insert lot conflict", err)
		}
	}
	return nil
}

// wrapWriteErr maps unique violations to ErrConflictingWrite so the service
// can tell a concurrent-batch race from a broken store.
func wrapWriteErr(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%s: %w", op, ErrConflictingWrite)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func nullableDate(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return midnightUTC(t)
}
