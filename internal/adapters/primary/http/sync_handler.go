package http

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	mw "github.com/lorrc/sync-engine/internal/adapters/primary/http/middleware"
	"github.com/lorrc/sync-engine/internal/adapters/primary/validation"
	"github.com/lorrc/sync-engine/internal/core/domain"
	apperrors "github.com/lorrc/sync-engine/internal/core/errors"
	"github.com/lorrc/sync-engine/internal/core/ports"
)

// SyncHandler handles HTTP requests for the sync event log
type SyncHandler struct {
	syncService    ports.SyncService
	catchUpService ports.CatchUpService
	errorHandler   *ErrorHandler
	logger         *slog.Logger
}

// NewSyncHandler creates a new sync handler
func NewSyncHandler(
	syncService ports.SyncService,
	catchUpService ports.CatchUpService,
	errorHandler *ErrorHandler,
	logger *slog.Logger,
) *SyncHandler {
	return &SyncHandler{
		syncService:    syncService,
		catchUpService: catchUpService,
		errorHandler:   errorHandler,
		logger:         logger.With("handler", "sync"),
	}
}

// --- Request/Response DTOs ---

// RecordEventRequest defines the expected JSON body for recording a mutation.
// Version is the version the writer last saw; omit it to let the server
// assign the next one.
type RecordEventRequest struct {
	Operation  string          `json:"operation" validate:"required,oneof=create update delete"`
	EntityType string          `json:"entityType" validate:"required,max=100"`
	EntityID   string          `json:"entityId" validate:"required,uuid"`
	Data       json.RawMessage `json:"data,omitempty"`
	Version    *int64          `json:"version,omitempty" validate:"omitempty,gte=0"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
}

// --- Handlers ---

// HandleRecordEvent handles POST /api/v1/sync/events
func (h *SyncHandler) HandleRecordEvent(w http.ResponseWriter, r *http.Request) {
	principal, ok := mw.PrincipalFromContext(r.Context())
	if !ok {
		h.errorHandler.Handle(w, r, apperrors.ErrUnauthorized)
		return
	}

	req, err := validation.DecodeAndValidate[RecordEventRequest](r)
	if HandleError(w, r, err, h.errorHandler) {
		return
	}

	event, err := h.syncService.RecordEvent(r.Context(), ports.RecordEventParams{
		Operation:       domain.Operation(req.Operation),
		EntityType:      req.EntityType,
		EntityID:        uuid.MustParse(req.EntityID),
		Data:            req.Data,
		Metadata:        req.Metadata,
		UserID:          principal.UserID,
		TenantID:        principal.TenantID,
		ExpectedVersion: req.Version,
	})
	if HandleError(w, r, err, h.errorHandler) {
		return
	}

	h.logger.DebugContext(r.Context(), "sync event recorded",
		"event_id", event.ID,
		"entity_type", event.EntityType,
		"version", event.Version,
	)

	WriteCreated(w, domain.NewSyncEventSnapshot(event))
}

// HandleListEvents handles GET /api/v1/sync/events?since=&afterId=&limit=
func (h *SyncHandler) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	principal, ok := mw.PrincipalFromContext(r.Context())
	if !ok {
		h.errorHandler.Handle(w, r, apperrors.ErrUnauthorized)
		return
	}

	since, err := validation.ParseTimeQueryParam(r, "since")
	if HandleError(w, r, err, h.errorHandler) {
		return
	}
	afterID, err := validation.ParseIntQueryParam(r, "afterId", 0)
	if HandleError(w, r, err, h.errorHandler) {
		return
	}
	limit, err := validation.ParseIntQueryParam(r, "limit", 0)
	if HandleError(w, r, err, h.errorHandler) {
		return
	}

	params := ports.CatchUpParams{
		TenantID: principal.TenantID,
		Limit:    int(limit),
	}
	switch {
	case since != nil:
		params.Since = &domain.Watermark{CreatedAt: *since, ID: afterID}
	case afterID > 0:
		errs := apperrors.NewValidationErrors()
		errs.Add("since", "This field is required with afterId")
		h.errorHandler.Handle(w, r, errs)
		return
	}

	page, err := h.catchUpService.CatchUp(r.Context(), params)
	if HandleError(w, r, err, h.errorHandler) {
		return
	}

	data := make([]domain.SyncEventSnapshot, 0, len(page.Events))
	for _, event := range page.Events {
		data = append(data, domain.NewSyncEventSnapshot(event))
	}

	WriteJSON(w, http.StatusOK, SyncEventsResponse{
		Data:          data,
		NextWatermark: domain.NewWatermarkSnapshot(page.NextWatermark),
		HasMore:       page.HasMore,
	})
}
