package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/resupply-health/resupply/internal/catalog"
)

// cardKey identifies a stock card within one facility. LotID is uuid.Nil
// for no-lot products.
type cardKey struct {
	ProgramID uuid.UUID
	ProductID uuid.UUID
	LotID     uuid.UUID
}

// StagedBatch collects every entity a batch produces, in the order the
// persister must write them.
type StagedBatch struct {
	Lots           []*ProductLot
	Events         []*StockEvent
	Cards          []*StockCard
	EventLines     []*StockEventLineItem
	CardLines      []*StockCardLineItem
	Inventories    []*PhysicalInventory
	InventoryLines []*PhysicalInventoryLine
	Adjustments    []*PhysicalInventoryLineAdjustment
	Snapshots      []*CalculatedStockOnHand
	Keys           []MovementKey
	Conflicts      []LotConflict
}

// BatchContext carries the per-batch lookup caches and staged entities.
// A context lives for exactly one submission and must not be shared across
// goroutines.
type BatchContext struct {
	facilityID uuid.UUID
	products   map[string]catalog.Product
	lots       map[ProductLotCode]*ProductLot
	cards      map[cardKey]*StockCard
	earliest   map[ProductLotCode]time.Time
	staged     StagedBatch
}

func NewBatchContext(facilityID uuid.UUID) *BatchContext {
	return &BatchContext{
		facilityID: facilityID,
		products:   make(map[string]catalog.Product),
		lots:       make(map[ProductLotCode]*ProductLot),
		cards:      make(map[cardKey]*StockCard),
		earliest:   make(map[ProductLotCode]time.Time),
	}
}

// Product resolves a product code through the catalog, caching per batch.
// A missing product is fatal for the whole batch.
func (bc *BatchContext) Product(ctx context.Context, cat CatalogPort, code string) (catalog.Product, error) {
	if p, ok := bc.products[code]; ok {
		return p, nil
	}
	p, err := cat.ProductByCode(ctx, code)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return catalog.Product{}, fmt.Errorf("%w: product %s", ErrUnresolvedReference, code)
		}
		return catalog.Product{}, fmt.Errorf("lookup product %s: %w", code, err)
	}
	bc.products[code] = p
	return p, nil
}

// Card returns the stock card for (program, product, lot), creating and
// staging a new one when neither the cache nor the store has it.
func (bc *BatchContext) Card(ctx context.Context, tx TxRepository, programID, productID, lotID uuid.UUID) (*StockCard, error) {
	key := cardKey{ProgramID: programID, ProductID: productID, LotID: lotID}
	if card, ok := bc.cards[key]; ok {
		return card, nil
	}
	card, err := tx.FindStockCard(ctx, bc.facilityID, programID, productID, lotID)
	if err != nil {
		return nil, fmt.Errorf("find stock card: %w", err)
	}
	if card == nil {
		card = &StockCard{
			ID:         uuid.New(),
			FacilityID: bc.facilityID,
			ProgramID:  programID,
			ProductID:  productID,
			LotID:      lotID,
		}
		bc.staged.Cards = append(bc.staged.Cards, card)
	}
	bc.cards[key] = card
	return card, nil
}

func (bc *BatchContext) lot(code ProductLotCode) (*ProductLot, bool) {
	lot, ok := bc.lots[code]
	return lot, ok
}

func (bc *BatchContext) cacheLot(lot *ProductLot) {
	bc.lots[ProductLotCode{ProductCode: lot.ProductCode, LotCode: lot.LotCode}] = lot
}

func (bc *BatchContext) stageLot(lot *ProductLot) {
	bc.cacheLot(lot)
	bc.staged.Lots = append(bc.staged.Lots, lot)
}

func (bc *BatchContext) stageConflict(c LotConflict) {
	bc.staged.Conflicts = append(bc.staged.Conflicts, c)
}

// trackEarliestEvent keeps the earliest occurred date seen for a lot in this
// batch. Snapshot reconciliation seeds its search no later than this time.
func (bc *BatchContext) trackEarliestEvent(code ProductLotCode, occurred time.Time) {
	if cur, ok := bc.earliest[code]; !ok || occurred.Before(cur) {
		bc.earliest[code] = occurred
	}
}

func (bc *BatchContext) earliestEvent(code ProductLotCode) (time.Time, bool) {
	t, ok := bc.earliest[code]
	return t, ok
}

// Staged exposes the collected entities for persistence.
func (bc *BatchContext) Staged() *StagedBatch {
	return &bc.staged
}
