package ledger

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/resupply-health/resupply/internal/platform/httpx"
	"github.com/resupply-health/resupply/internal/shared"
)

// defaultHistoryWindow bounds history queries without an explicit range.
const defaultHistoryWindow = 90 * 24 * time.Hour

// Handler exposes the stock ledger HTTP API consumed by syncing mobile
// clients.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{
		logger:   logger,
		service:  service,
		validate: validator.New(),
	}
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	facilityID, err := uuid.Parse(chi.URLParam(r, "facilityID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid facility id")
		return
	}

	var requests []MovementRequest
	if err := httpx.DecodeJSON(r, &requests); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid request body")
		return
	}

	movements := make([]Movement, 0, len(requests))
	for _, req := range requests {
		if err := h.validate.Struct(req); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
			return
		}
		m, err := req.ToMovement()
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
			return
		}
		movements = append(movements, m)
	}

	result, err := h.service.Submit(r.Context(), facilityID, movements, submittedBy(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toSubmitResponse(result))
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	cardID, err := uuid.Parse(chi.URLParam(r, "cardID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid stock card id")
		return
	}
	facilityID, err := uuid.Parse(r.URL.Query().Get("facilityId"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid facility id")
		return
	}

	to := time.Now().UTC()
	if raw := r.URL.Query().Get("to"); raw != "" {
		to, err = time.ParseInLocation(dateLayout, raw, time.UTC)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid to date")
			return
		}
	}
	from := to.Add(-defaultHistoryWindow)
	if raw := r.URL.Query().Get("from"); raw != "" {
		from, err = time.ParseInLocation(dateLayout, raw, time.UTC)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid from date")
			return
		}
	}
	if from.After(to) {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "from must not be after to")
		return
	}

	entries, err := h.service.History(r.Context(), facilityID, cardID, from, to)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toHistoryResponse(entries))
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrUnresolvedReference):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Unresolvable Reference", err.Error())
	case errors.Is(err, ErrCardNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", "stock card not found")
	case errors.Is(err, shared.ErrLockNotAcquired), errors.Is(err, ErrConflictingWrite):
		httpx.Problem(w, http.StatusConflict, "Conflict", shared.UserSafeMessage(shared.ErrLockNotAcquired))
	default:
		h.logger.Error("ledger request failed",
			slog.String("path", r.URL.Path),
			slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", shared.UserSafeMessage(err))
	}
}

// submittedBy identifies the submitting user from the sync header. Devices
// operate offline, so this is declarative rather than authenticated.
func submittedBy(r *http.Request) string {
	if user := r.Header.Get("X-Submitted-By"); user != "" {
		return user
	}
	return "unknown"
}
