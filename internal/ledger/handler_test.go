package ledger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

func newTestRouter(repo *memoryRepo) chi.Router {
	svc := newTestService(repo, nil)
	handler := NewHandler(slog.New(slog.DiscardHandler), svc)
	r := chi.NewRouter()
	handler.MountRoutes(r)
	return r
}

func TestHandleSubmitRoundTrip(t *testing.T) {
	repo := newMemoryRepo()
	router := newTestRouter(repo)

	body := `[
		{
			"productCode": "08O05",
			"type": "RECEIVE",
			"occurredDate": "2026-08-01",
			"recordedAt": "2026-08-02T09:30:00Z",
			"signature": "sig-1",
			"quantity": 10,
			"stockOnHand": 10,
			"lotEvents": [
				{
					"lotCode": "bn-7a",
					"expirationDate": "2027-06-30",
					"occurredDate": "2026-08-01",
					"quantity": 10,
					"stockOnHand": 10
				}
			]
		}
	]`
	req := httptest.NewRequest(http.MethodPost,
		fmt.Sprintf("/facilities/%s/stock-events", testFacilityID), bytes.NewBufferString(body))
	req.Header.Set("X-Submitted-By", "nurse.banda")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp SubmitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Applied)
	require.Zero(t, resp.SkippedDuplicates)
	require.Empty(t, resp.LotConflicts)
	require.Equal(t, "nurse.banda", repo.events[0].SubmittedBy)

	// resubmitting the same payload is a silent skip
	req = httptest.NewRequest(http.MethodPost,
		fmt.Sprintf("/facilities/%s/stock-events", testFacilityID), bytes.NewBufferString(body))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Zero(t, resp.Applied)
	require.Equal(t, 1, resp.SkippedDuplicates)
}

func TestHandleSubmitValidation(t *testing.T) {
	router := newTestRouter(newMemoryRepo())

	req := httptest.NewRequest(http.MethodPost,
		fmt.Sprintf("/facilities/%s/stock-events", testFacilityID),
		bytes.NewBufferString(`[{"productCode": "", "type": "RECEIVE"}]`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/facilities/not-a-uuid/stock-events",
		bytes.NewBufferString(`[]`))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleSubmitUnknownProduct(t *testing.T) {
	router := newTestRouter(newMemoryRepo())

	body := `[
		{
			"productCode": "NOPE",
			"type": "ISSUE",
			"occurredDate": "2026-08-01",
			"recordedAt": "2026-08-02T09:30:00Z",
			"signature": "sig-1",
			"quantity": 2,
			"stockOnHand": 8
		}
	]`
	req := httptest.NewRequest(http.MethodPost,
		fmt.Sprintf("/facilities/%s/stock-events", testFacilityID), bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestHandleHistory(t *testing.T) {
	repo := newMemoryRepo()
	router := newTestRouter(repo)
	svc := newTestService(repo, nil)

	d1 := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	recorded := time.Date(2026, 8, 2, 9, 30, 0, 0, time.UTC)
	_, err := svc.Submit(t.Context(), testFacilityID, []Movement{
		receiveMovement("BN-7A", d1, recorded, 10, 10, "sig-1"),
	}, "nurse.banda")
	require.NoError(t, err)

	url := fmt.Sprintf("/stock-cards/%s/history?facilityId=%s&from=2026-08-01&to=2026-08-01",
		repo.cards[0].ID, testFacilityID)
	req := httptest.NewRequest(http.MethodGet, url, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var entries []HistoryEntryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	require.Equal(t, "RECEIVE", entries[0].MovementType)
	require.EqualValues(t, 10, entries[0].StockOnHandAfter)
	require.Equal(t, "BN-7A", entries[0].LotCode)
}

func TestHandleHistoryUnknownCard(t *testing.T) {
	router := newTestRouter(newMemoryRepo())

	url := fmt.Sprintf("/stock-cards/%s/history?facilityId=%s",
		"99999999-9999-9999-9999-999999999999", testFacilityID)
	req := httptest.NewRequest(http.MethodGet, url, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}
