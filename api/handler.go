package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/pkg/errors"
	"github.com/qash-finance/schedule-service/business/domain/action"
	"github.com/qash-finance/schedule-service/business/domain/schedule"
	"github.com/qash-finance/schedule-service/entities"
	"go.uber.org/zap"
)

const defaultScheduleCount = 12

type Actions interface {
	Claim(ctx context.Context, address string, noteIDs []string) ([]action.Outcome, error)
	Recall(ctx context.Context, address string, noteIDs []string) ([]action.Outcome, error)
	Create(ctx context.Context, request entities.CreatePaymentRequest) (entities.RecurringPaymentDefinition, error)
	List(ctx context.Context, query entities.PaymentQuery) ([]entities.RecurringPaymentDefinition, error)
	Pause(ctx context.Context, id string) (entities.RecurringPaymentDefinition, error)
	Resume(ctx context.Context, id string) (entities.RecurringPaymentDefinition, error)
	Cancel(ctx context.Context, id string) (entities.RecurringPaymentDefinition, error)
	Delete(ctx context.Context, id string) error
	Progress(ctx context.Context, id string) (schedule.Progress, error)
	Schedule(ctx context.Context, id string, count uint32) ([]action.ScheduleEntry, error)
	NextExecution(ctx context.Context, id string) (entities.ScheduledExecution, error)
}

type NoteViews interface {
	View(address string) (entities.NoteView, bool)
	Refresh(ctx context.Context, address string) (entities.NoteView, error)
}

type Watcher interface {
	Watch(address string) bool
	Unwatch(address string) bool
}

type Handler struct {
	actions Actions
	views   NoteViews
	watcher Watcher
	logger  *zap.SugaredLogger
}

func NewHandler(actions Actions, views NoteViews, watcher Watcher, logger *zap.SugaredLogger) *Handler {
	return &Handler{
		actions: actions,
		views:   views,
		watcher: watcher,
		logger:  logger,
	}
}

func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.health)

	mux.HandleFunc("GET /v1/addresses/{address}/notes", h.notes)
	mux.HandleFunc("POST /v1/addresses/{address}/watch", h.watch)
	mux.HandleFunc("DELETE /v1/addresses/{address}/watch", h.unwatch)
	mux.HandleFunc("POST /v1/addresses/{address}/claim", h.claim)
	mux.HandleFunc("POST /v1/addresses/{address}/recall", h.recall)

	mux.HandleFunc("POST /v1/payments", h.create)
	mux.HandleFunc("GET /v1/payments", h.list)
	mux.HandleFunc("GET /v1/payments/{id}/progress", h.progress)
	mux.HandleFunc("GET /v1/payments/{id}/schedule", h.schedule)
	mux.HandleFunc("GET /v1/payments/{id}/next-execution", h.nextExecution)
	mux.HandleFunc("POST /v1/payments/{id}/pause", h.updatePayment(h.actions.Pause))
	mux.HandleFunc("POST /v1/payments/{id}/resume", h.updatePayment(h.actions.Resume))
	mux.HandleFunc("POST /v1/payments/{id}/cancel", h.updatePayment(h.actions.Cancel))
	mux.HandleFunc("DELETE /v1/payments/{id}", h.delete)
	return mux
}

type notesRequest struct {
	NoteIDs []string `json:"noteIds"`
}

type outcomeResponse struct {
	NoteID  string `json:"noteId"`
	TxID    string `json:"txId,omitempty"`
	Skipped bool   `json:"skipped,omitempty"`
	Error   string `json:"error,omitempty"`
}

type outcomesResponse struct {
	Outcomes []outcomeResponse `json:"outcomes"`
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "UP"})
}

// notes serves the reconciled view of an address, reconciling it first if there is none yet.
func (h *Handler) notes(w http.ResponseWriter, r *http.Request) {
	address := r.PathValue("address")
	view, ok := h.views.View(address)
	if !ok {
		var err error
		view, err = h.views.Refresh(r.Context(), address)
		if err != nil {
			h.writeError(w, err)
			return
		}
	}
	h.writeJSON(w, http.StatusOK, view)
}

func (h *Handler) watch(w http.ResponseWriter, r *http.Request) {
	address := r.PathValue("address")
	added := h.watcher.Watch(address)
	status := http.StatusOK
	if added {
		status = http.StatusCreated
	}
	h.writeJSON(w, status, map[string]any{"address": address, "watching": true})
}

func (h *Handler) unwatch(w http.ResponseWriter, r *http.Request) {
	address := r.PathValue("address")
	if !h.watcher.Unwatch(address) {
		h.writeError(w, errors.Wrapf(entities.ErrNotFound, "address [%s] is not watched", address))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) claim(w http.ResponseWriter, r *http.Request) {
	h.noteAction(w, r, h.actions.Claim)
}

func (h *Handler) recall(w http.ResponseWriter, r *http.Request) {
	h.noteAction(w, r, h.actions.Recall)
}

func (h *Handler) noteAction(w http.ResponseWriter, r *http.Request, run func(context.Context, string, []string) ([]action.Outcome, error)) {
	var request notesRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		h.writeError(w, errors.Wrapf(action.ErrInvalidRequest, "decoding request: %v", err))
		return
	}
	if len(request.NoteIDs) == 0 {
		h.writeError(w, errors.Wrap(action.ErrInvalidRequest, "no note ids"))
		return
	}

	outcomes, err := run(r.Context(), r.PathValue("address"), request.NoteIDs)
	if err != nil {
		h.writeError(w, err)
		return
	}

	response := outcomesResponse{Outcomes: make([]outcomeResponse, 0, len(outcomes))}
	for _, outcome := range outcomes {
		entry := outcomeResponse{NoteID: outcome.NoteID, TxID: outcome.TxID, Skipped: outcome.Skipped}
		if outcome.Err != nil {
			entry.Error = outcome.Err.Error()
		}
		response.Outcomes = append(response.Outcomes, entry)
	}
	h.writeJSON(w, http.StatusOK, response)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var request entities.CreatePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		h.writeError(w, errors.Wrapf(action.ErrInvalidRequest, "decoding request: %v", err))
		return
	}
	def, err := h.actions.Create(r.Context(), request)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, def)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	values := r.URL.Query()
	defs, err := h.actions.List(r.Context(), entities.PaymentQuery{
		Status: entities.DefinitionStatus(values.Get("status")),
		Payer:  values.Get("payer"),
		Payee:  values.Get("payee"),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	if defs == nil {
		defs = []entities.RecurringPaymentDefinition{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"payments": defs})
}

func (h *Handler) progress(w http.ResponseWriter, r *http.Request) {
	progress, err := h.actions.Progress(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, progress)
}

func (h *Handler) schedule(w http.ResponseWriter, r *http.Request) {
	count := uint64(defaultScheduleCount)
	if value := r.URL.Query().Get("count"); value != "" {
		parsed, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			h.writeError(w, errors.Wrapf(action.ErrInvalidRequest, "invalid count [%s]", value))
			return
		}
		count = parsed
	}

	entries, err := h.actions.Schedule(r.Context(), r.PathValue("id"), uint32(count))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (h *Handler) nextExecution(w http.ResponseWriter, r *http.Request) {
	execution, err := h.actions.NextExecution(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, execution)
}

func (h *Handler) updatePayment(update func(context.Context, string) (entities.RecurringPaymentDefinition, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		def, err := update(r.Context(), r.PathValue("id"))
		if err != nil {
			h.writeError(w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, def)
	}
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	if err := h.actions.Delete(r.Context(), r.PathValue("id")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, action.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, entities.ErrNotFound), errors.Is(err, entities.ErrUnknownNote):
		return http.StatusNotFound
	case errors.Is(err, entities.ErrInvalidTransition),
		errors.Is(err, entities.ErrTimelockNotReached),
		errors.Is(err, entities.ErrExecutionBoundsExceeded):
		return http.StatusConflict
	case errors.Is(err, entities.ErrFetchFailure):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	code := statusCode(err)
	if code >= http.StatusInternalServerError {
		h.logger.Errorw("Request failed.", "status", code, "error", err)
	}
	h.writeJSON(w, code, map[string]string{"error": err.Error()})
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, value any) {
	data, err := json.Marshal(value)
	if err != nil {
		h.logger.Errorw("Error marshalling response.", "error", err)
		http.Error(w, "marshalling response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err := w.Write(data); err != nil {
		h.logger.Warnw("Error writing response.", "error", err)
	}
}
