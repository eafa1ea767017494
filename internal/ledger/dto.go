package ledger

import (
	"fmt"
	"time"
)

const dateLayout = "2006-01-02"

// MovementRequest is one client-submitted movement in the batch payload.
type MovementRequest struct {
	ProductCode    string            `json:"productCode" validate:"required"`
	Type           string            `json:"type" validate:"required,oneof=RECEIVE ISSUE POSITIVE_ADJUST NEGATIVE_ADJUST PHYSICAL_INVENTORY"`
	OccurredDate   string            `json:"occurredDate" validate:"required,datetime=2006-01-02"`
	RecordedAt     time.Time         `json:"recordedAt" validate:"required"`
	Signature      string            `json:"signature"`
	DocumentNumber string            `json:"documentNumber,omitempty"`
	ReasonName     string            `json:"reasonName,omitempty"`
	Quantity       int64             `json:"quantity"`
	StockOnHand    int64             `json:"stockOnHand" validate:"gte=0"`
	Requested      *int64            `json:"requested,omitempty"`
	LotEvents      []LotEventRequest `json:"lotEvents,omitempty" validate:"omitempty,dive"`
}

// LotEventRequest is the lot-level slice of a movement for lot products.
type LotEventRequest struct {
	LotCode        string `json:"lotCode" validate:"required"`
	ExpirationDate string `json:"expirationDate,omitempty" validate:"omitempty,datetime=2006-01-02"`
	OccurredDate   string `json:"occurredDate" validate:"required,datetime=2006-01-02"`
	ReasonName     string `json:"reasonName,omitempty"`
	DocumentNumber string `json:"documentNumber,omitempty"`
	Quantity       int64  `json:"quantity"`
	StockOnHand    int64  `json:"stockOnHand" validate:"gte=0"`
}

// ToMovement converts the validated request into the domain form.
func (r MovementRequest) ToMovement() (Movement, error) {
	occurred, err := time.ParseInLocation(dateLayout, r.OccurredDate, time.UTC)
	if err != nil {
		return Movement{}, fmt.Errorf("parse occurredDate: %w", err)
	}
	m := Movement{
		ProductCode:    r.ProductCode,
		Type:           MovementType(r.Type),
		OccurredDate:   occurred,
		RecordedAt:     r.RecordedAt.UTC(),
		Signature:      r.Signature,
		DocumentNumber: r.DocumentNumber,
		Reason:         r.ReasonName,
		Quantity:       r.Quantity,
		StockOnHand:    r.StockOnHand,
		Requested:      r.Requested,
	}
	for _, le := range r.LotEvents {
		event, err := le.toLotEvent()
		if err != nil {
			return Movement{}, err
		}
		m.LotEvents = append(m.LotEvents, event)
	}
	return m, nil
}

func (r LotEventRequest) toLotEvent() (LotEvent, error) {
	occurred, err := time.ParseInLocation(dateLayout, r.OccurredDate, time.UTC)
	if err != nil {
		return LotEvent{}, fmt.Errorf("parse lot occurredDate: %w", err)
	}
	le := LotEvent{
		LotCode:        r.LotCode,
		OccurredDate:   occurred,
		Reason:         r.ReasonName,
		DocumentNumber: r.DocumentNumber,
		Quantity:       r.Quantity,
		StockOnHand:    r.StockOnHand,
	}
	if r.ExpirationDate != "" {
		expiry, err := time.ParseInLocation(dateLayout, r.ExpirationDate, time.UTC)
		if err != nil {
			return LotEvent{}, fmt.Errorf("parse expirationDate: %w", err)
		}
		le.ExpirationDate = expiry
	}
	return le, nil
}

// SubmitResponse reports the outcome of one batch submission.
type SubmitResponse struct {
	Applied           int                   `json:"applied"`
	SkippedDuplicates int                   `json:"skippedDuplicates"`
	Events            int                   `json:"events"`
	LotConflicts      []LotConflictResponse `json:"lotConflicts"`
}

type LotConflictResponse struct {
	ProductCode        string `json:"productCode"`
	LotCode            string `json:"lotCode"`
	ExistingExpiration string `json:"existingExpiration,omitempty"`
	ReportedExpiration string `json:"reportedExpiration,omitempty"`
}

func toSubmitResponse(result SubmitResult) SubmitResponse {
	resp := SubmitResponse{
		Applied:           result.Applied,
		SkippedDuplicates: result.Skipped,
		Events:            result.Events,
		LotConflicts:      make([]LotConflictResponse, 0, len(result.Conflicts)),
	}
	for _, c := range result.Conflicts {
		resp.LotConflicts = append(resp.LotConflicts, LotConflictResponse{
			ProductCode:        c.ProductCode,
			LotCode:            c.LotCode,
			ExistingExpiration: formatDate(c.ExistingExpiration),
			ReportedExpiration: formatDate(c.ReportedExpiration),
		})
	}
	return resp
}

// HistoryEntryResponse is one reconstructed ledger line.
type HistoryEntryResponse struct {
	LineID           string `json:"lineId"`
	ProcessedAt      string `json:"processedAt"`
	OccurredDate     string `json:"occurredDate"`
	MovementType     string `json:"movementType"`
	ReasonName       string `json:"reasonName,omitempty"`
	DocumentNumber   string `json:"documentNumber,omitempty"`
	LotCode          string `json:"lotCode,omitempty"`
	Quantity         int64  `json:"quantity"`
	StockOnHandAfter int64  `json:"stockOnHandAfter"`
}

func toHistoryResponse(entries []MovementHistoryEntry) []HistoryEntryResponse {
	out := make([]HistoryEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, HistoryEntryResponse{
			LineID:           e.LineID.String(),
			ProcessedAt:      e.ProcessedAt.UTC().Format(time.RFC3339Nano),
			OccurredDate:     formatDate(e.OccurredDate),
			MovementType:     string(e.MovementType),
			ReasonName:       e.Reason,
			DocumentNumber:   e.DocumentNumber,
			LotCode:          e.LotCode,
			Quantity:         e.Quantity,
			StockOnHandAfter: e.StockOnHandAfter,
		})
	}
	return out
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateLayout)
}
