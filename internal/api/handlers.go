// Package api is the HTTP surface of the moderation pipeline: queue
// listing, approve/deny decisions, schedule manipulation and the
// reconcile trigger.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/feedline/feedline-backend/internal/cache"
	"github.com/feedline/feedline-backend/internal/feed"
	"github.com/feedline/feedline-backend/internal/intake"
	"github.com/feedline/feedline-backend/internal/schedule"
	"github.com/feedline/feedline-backend/internal/store"
	"github.com/feedline/feedline-backend/internal/ws"
)

type Handler struct {
	engine     *schedule.Engine
	store      store.Store
	intake     *intake.Syncer
	cache      *cache.Cache
	wsHub      *ws.Hub
	sseHandler *ws.SSEHandler
	logger     *zap.SugaredLogger
}

func NewHandler(
	engine *schedule.Engine,
	st store.Store,
	in *intake.Syncer,
	c *cache.Cache,
	wsHub *ws.Hub,
	sseHandler *ws.SSEHandler,
	logger *zap.SugaredLogger,
) *Handler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Handler{
		engine:     engine,
		store:      st,
		intake:     in,
		cache:      c,
		wsHub:      wsHub,
		sseHandler: sseHandler,
		logger:     logger,
	}
}

// reconcileLockTTL bounds a manually triggered pass; the lock expires
// on its own if the process dies mid-pass.
const reconcileLockTTL = time.Minute

// Reconcile triggers a full pass against the external feed. Passes are
// serialized across handlers, the periodic job and other instances via
// the shared cache lock.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	if h.cache != nil {
		got, err := h.cache.TryLock(r.Context(), cache.KeyReconcileLock, reconcileLockTTL)
		if err != nil {
			h.writeError(w, http.StatusServiceUnavailable, "LOCK_UNAVAILABLE", err.Error())
			return
		}
		if !got {
			h.writeError(w, http.StatusConflict, "RECONCILE_RUNNING", "a reconcile pass is already running")
			return
		}
		defer h.cache.Unlock(r.Context(), cache.KeyReconcileLock)
	}

	res, err := h.engine.Reconcile(r.Context())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// ListEntries returns the queue for one lifecycle status, selected via
// the status query parameter.
func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	status := store.Status(r.URL.Query().Get("status"))

	valid := false
	for _, s := range store.Statuses {
		if s == status {
			valid = true
			break
		}
	}
	if !valid {
		h.writeError(w, http.StatusBadRequest, "INVALID_STATUS", "unknown status "+string(status))
		return
	}

	entries, err := h.store.ListByStatus(r.Context(), status)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	dto := EntryListDTO{Entries: make([]EntryDTO, 0, len(entries)), Count: len(entries)}
	for _, e := range entries {
		dto.Entries = append(dto.Entries, toEntryDTO(e))
	}
	h.writeJSON(w, http.StatusOK, dto)
}

// Approve schedules a pending entry. The optional body carries a final
// text edit applied before the external write.
func (h *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	var req EditTextRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "INVALID_BODY", "body must be JSON with a text field")
			return
		}
	}

	ent, err := h.engine.Approve(r.Context(), chi.URLParam(r, "id"), req.Text)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toEntryDTO(ent))
}

func (h *Handler) Deny(w http.ResponseWriter, r *http.Request) {
	ent, err := h.engine.Deny(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toEntryDTO(ent))
}

func (h *Handler) Restore(w http.ResponseWriter, r *http.Request) {
	ent, err := h.engine.RestoreDenied(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toEntryDTO(ent))
}

func (h *Handler) Unschedule(w http.ResponseWriter, r *http.Request) {
	ent, err := h.engine.Unschedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toEntryDTO(ent))
}

func (h *Handler) Swap(w http.ResponseWriter, r *http.Request) {
	dir := schedule.Direction(chi.URLParam(r, "direction"))
	if dir != schedule.DirectionEarlier && dir != schedule.DirectionLater {
		h.writeError(w, http.StatusBadRequest, "INVALID_DIRECTION", "direction must be earlier or later")
		return
	}

	if err := h.engine.Swap(r.Context(), chi.URLParam(r, "id"), dir); err != nil {
		h.writeDomainError(w, err)
		return
	}

	ent, err := h.store.GetEntry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toEntryDTO(ent))
}

func (h *Handler) EditText(w http.ResponseWriter, r *http.Request) {
	var req EditTextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_BODY", "body must be JSON with a text field")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		h.writeError(w, http.StatusBadRequest, "EMPTY_TEXT", "text must not be empty")
		return
	}

	ent, err := h.engine.EditText(r.Context(), chi.URLParam(r, "id"), req.Text)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toEntryDTO(ent))
}

func (h *Handler) IntakeSync(w http.ResponseWriter, r *http.Request) {
	if h.intake == nil || !h.intake.Configured() {
		h.writeError(w, http.StatusConflict, "INTAKE_NOT_CONFIGURED", "no intake source configured")
		return
	}

	added, err := h.intake.Sync(r.Context())
	if err != nil {
		h.writeError(w, http.StatusBadGateway, "INTAKE_SYNC_FAILED", err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, IntakeSyncDTO{Added: added})
}

// Stats serves the per-status counts, briefly cached.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	var dto StatsDTO
	if h.cache != nil {
		if err := h.cache.Get(r.Context(), cache.KeyStats, &dto); err == nil {
			h.writeJSON(w, http.StatusOK, dto)
			return
		}
	}

	counts, err := h.store.Stats(r.Context())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	next, err := h.engine.NextNumber(r.Context())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	dto = StatsDTO{Counts: make(map[string]int, len(counts)), NextNumber: next, AsOf: time.Now().Unix()}
	for status, count := range counts {
		dto.Counts[string(status)] = count
	}
	if h.cache != nil {
		h.cache.Set(r.Context(), cache.KeyStats, dto, 5*time.Second)
	}
	h.writeJSON(w, http.StatusOK, dto)
}

// SetCounter is the admin override for the next sequence number.
func (h *Handler) SetCounter(w http.ResponseWriter, r *http.Request) {
	var req CounterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_BODY", "body must be JSON with a next field")
		return
	}

	if err := h.engine.SetCounter(r.Context(), req.Next); err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_COUNTER", err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, CounterDTO{Next: req.Next})
}

func (h *Handler) GetCounter(w http.ResponseWriter, r *http.Request) {
	next, err := h.engine.NextNumber(r.Context())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, CounterDTO{Next: next})
}

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		h.writeError(w, http.StatusServiceUnavailable, "STORE_NOT_READY", err.Error())
		return
	}
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			h.writeError(w, http.StatusServiceUnavailable, "CACHE_NOT_READY", err.Error())
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("READY"))
}

func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.wsHub.HandleWebSocket(w, r)
}

func (h *Handler) HandleSSE(w http.ResponseWriter, r *http.Request) {
	h.sseHandler.HandleSSE(w, r)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message string) {
	h.logger.Errorw("API error", "code", code, "message", message, "status", status)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Code: code, Message: message})
}

// writeDomainError maps the domain sentinels onto HTTP statuses.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, schedule.ErrWrongStatus):
		h.writeError(w, http.StatusConflict, "WRONG_STATUS", err.Error())
	case errors.Is(err, schedule.ErrNoNeighbor):
		h.writeError(w, http.StatusConflict, "NO_NEIGHBOR", err.Error())
	case errors.Is(err, store.ErrDuplicateNumber):
		h.writeError(w, http.StatusConflict, "DUPLICATE_NUMBER", err.Error())
	case errors.Is(err, feed.ErrUnavailable):
		h.writeError(w, http.StatusServiceUnavailable, "FEED_UNAVAILABLE", err.Error())
	default:
		h.writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
	}
}
