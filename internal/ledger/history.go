package ledger

import (
	"fmt"
	"sort"
)

// Reconstruction walks a stock card's line items newest-first and recovers
// the stock on hand immediately after each line. The cursor is seeded from
// the snapshot of the line's occurred date and decremented by each line's
// signed quantity; a date change re-seeds from that date's snapshot.
//
// The iterator is restartable via Reset and never touches the store: callers
// load the lines and snapshots for the window first.
type Reconstruction struct {
	lines     []StockCardLineItem
	snapshots map[string]int64

	idx     int
	cursor  int64
	curDate string
	current StockCardLineItem
	soh     int64
	err     error
}

// NewReconstruction sorts the lines by processedAt descending and indexes
// the snapshots by occurred date.
func NewReconstruction(lines []StockCardLineItem, snapshots []CalculatedStockOnHand) *Reconstruction {
	sorted := make([]StockCardLineItem, len(lines))
	copy(sorted, lines)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].ProcessedAt.After(sorted[j].ProcessedAt)
	})
	byDate := make(map[string]int64, len(snapshots))
	for _, s := range snapshots {
		byDate[dateKey(s.OccurredDate)] = s.StockOnHand
	}
	return &Reconstruction{lines: sorted, snapshots: byDate}
}

// Next advances to the next line. It returns false when the lines are
// exhausted or a snapshot is missing; check Err afterwards.
func (r *Reconstruction) Next() bool {
	if r.err != nil || r.idx >= len(r.lines) {
		return false
	}
	line := r.lines[r.idx]
	date := dateKey(line.OccurredDate)
	if r.curDate == "" || date != r.curDate {
		soh, ok := r.snapshots[date]
		if !ok {
			r.err = fmt.Errorf("%w: stock card %s on %s", ErrSnapshotMissing, line.StockCardID, date)
			return false
		}
		r.cursor = soh
		r.curDate = date
	}
	r.current = line
	r.soh = r.cursor
	r.cursor -= line.Quantity
	r.idx++
	return true
}

// Entry returns the current line and the stock on hand after it applied.
// Valid only after a true Next.
func (r *Reconstruction) Entry() (StockCardLineItem, int64) {
	return r.current, r.soh
}

func (r *Reconstruction) Err() error {
	return r.err
}

// Reset rewinds the iterator for another pass.
func (r *Reconstruction) Reset() {
	r.idx = 0
	r.curDate = ""
	r.cursor = 0
	r.err = nil
}
