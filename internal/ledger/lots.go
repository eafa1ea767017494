package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var upperCaser = cases.Upper(language.Und)

// CanonicalCode normalises a client-reported lot code. Mobile clients are
// inconsistent about casing and surrounding whitespace.
func CanonicalCode(code string) string {
	return upperCaser.String(strings.TrimSpace(code))
}

// LotResolution is the outcome of resolving one reported lot reference.
// Conflict is set when the reported expiration date differs from the
// persisted one; the resolution still succeeds and Lot keeps the persisted
// date.
type LotResolution struct {
	Lot      *ProductLot
	Created  bool
	Conflict *LotConflict
}

// lotResolver resolves reported (productCode, lotCode) pairs to durable lot
// identities within one batch, creating missing lots exactly once and
// flagging expiration-date disagreements.
type lotResolver struct {
	bc  *BatchContext
	now time.Time
}

func newLotResolver(bc *BatchContext, now time.Time) *lotResolver {
	return &lotResolver{bc: bc, now: now}
}

// ResolveAll walks every lot event in the batch, resolving each reference and
// recording the earliest occurred date per lot. Conflicts are staged on the
// batch context; they never fail the batch.
func (r *lotResolver) ResolveAll(ctx context.Context, tx TxRepository, movements []Movement) error {
	for _, m := range movements {
		for _, le := range m.LotEvents {
			res, err := r.resolve(ctx, tx, m.ProductCode, le)
			if err != nil {
				return err
			}
			r.bc.trackEarliestEvent(ProductLotCode{ProductCode: m.ProductCode, LotCode: res.Lot.LotCode}, le.OccurredDate)
			if res.Conflict != nil {
				r.bc.stageConflict(*res.Conflict)
			}
		}
	}
	return nil
}

func (r *lotResolver) resolve(ctx context.Context, tx TxRepository, productCode string, le LotEvent) (LotResolution, error) {
	code := ProductLotCode{ProductCode: productCode, LotCode: CanonicalCode(le.LotCode)}

	lot, ok := r.bc.lot(code)
	if !ok {
		found, err := tx.FindLot(ctx, code.ProductCode, code.LotCode)
		if err != nil {
			return LotResolution{}, fmt.Errorf("find lot %s/%s: %w", code.ProductCode, code.LotCode, err)
		}
		if found == nil {
			lot = &ProductLot{
				ID:             uuid.New(),
				ProductCode:    code.ProductCode,
				LotCode:        code.LotCode,
				ExpirationDate: le.ExpirationDate,
			}
			r.bc.stageLot(lot)
			return LotResolution{Lot: lot, Created: true}, nil
		}
		lot = found
		r.bc.cacheLot(lot)
	}

	res := LotResolution{Lot: lot}
	if conflicting(lot.ExpirationDate, le.ExpirationDate) {
		res.Conflict = &LotConflict{
			FacilityID:         r.bc.facilityID,
			ProductCode:        code.ProductCode,
			LotCode:            code.LotCode,
			ExistingExpiration: lot.ExpirationDate,
			ReportedExpiration: le.ExpirationDate,
			ReportedAt:         r.now,
		}
	}
	return res, nil
}

// conflicting reports whether two expiration dates disagree. A zero reported
// date means the client did not know the expiry and is not a conflict.
func conflicting(existing, reported time.Time) bool {
	if reported.IsZero() || existing.IsZero() {
		return false
	}
	return dateKey(existing) != dateKey(reported)
}
