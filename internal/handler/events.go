package handler

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strings"

	"github.com/trackroute/trackroute/internal/auth"
	"github.com/trackroute/trackroute/internal/engine"
	"github.com/trackroute/trackroute/internal/handler/dto"
	"github.com/trackroute/trackroute/internal/model"
)

// EventRecorder attributes advertiser events to prior clicks. *engine.Engine satisfies it.
type EventRecorder interface {
	RecordConversion(ctx context.Context, ref engine.ClickRef, in engine.ConversionInput) (*model.ConversionEvent, error)
	RecordBounce(ctx context.Context, accountID, redirectID string, in engine.BounceInput) (*model.BounceEvent, error)
}

// EventHandler receives conversion and bounce reports.
type EventHandler struct {
	recorder EventRecorder
	logger   *slog.Logger
}

// NewEventHandler creates a new EventHandler.
func NewEventHandler(recorder EventRecorder, logger *slog.Logger) *EventHandler {
	return &EventHandler{
		recorder: recorder,
		logger:   logger.With("component", "handler.events"),
	}
}

// Conversion handles POST /api/v1/conversions.
func (h *EventHandler) Conversion(w http.ResponseWriter, r *http.Request) {
	var req dto.ConversionRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeDecodeError(w, err)
		return
	}
	if invalidAmount(req.Value) || invalidAmount(req.Commission) {
		writeError(w, http.StatusBadRequest, "INVALID_AMOUNT", "value and commission must be finite and non-negative")
		return
	}
	if len(req.Currency) > 0 && len(req.Currency) != 3 {
		writeError(w, http.StatusBadRequest, "INVALID_CURRENCY", "currency must be a 3-letter code")
		return
	}

	conv, err := h.recorder.RecordConversion(r.Context(),
		engine.ClickRef{
			AccountID:   auth.AccountIDFromContext(r.Context()),
			ClickID:     strings.TrimSpace(req.ClickID),
			AffiliateID: strings.TrimSpace(req.AffiliateID),
			OfferID:     strings.TrimSpace(req.OfferID),
		},
		engine.ConversionInput{
			Value:      req.Value,
			Commission: req.Commission,
			Currency:   req.Currency,
			ExternalID: req.ExternalID,
			Status:     req.Status,
			Data:       req.Data,
		},
	)
	if err != nil {
		h.handleEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, dto.ToConversionResponse(conv))
}

// Bounce handles POST /api/v1/bounces.
func (h *EventHandler) Bounce(w http.ResponseWriter, r *http.Request) {
	var req dto.BounceRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeDecodeError(w, err)
		return
	}
	if strings.TrimSpace(req.RedirectID) == "" {
		writeError(w, http.StatusBadRequest, "MISSING_REDIRECT_ID", "redirect_id is required")
		return
	}
	if req.TimeOnPage < 0 || math.IsNaN(req.TimeOnPage) || req.PagesViewed < 0 {
		writeError(w, http.StatusBadRequest, "INVALID_BOUNCE", "time_on_page and pages_viewed must be non-negative")
		return
	}

	accountID := auth.AccountIDFromContext(r.Context())
	bounce, err := h.recorder.RecordBounce(r.Context(), accountID, strings.TrimSpace(req.RedirectID), engine.BounceInput{
		TimeOnPage:  req.TimeOnPage,
		PagesViewed: req.PagesViewed,
	})
	if err != nil {
		h.handleEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, dto.ToBounceResponse(bounce))
}

func invalidAmount(v *float64) bool {
	return v != nil && (*v < 0 || math.IsNaN(*v) || math.IsInf(*v, 0))
}

func (h *EventHandler) writeDecodeError(w http.ResponseWriter, err error) {
	if bodyTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "Request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid request body")
}

// handleEngineError maps attribution errors to HTTP responses.
func (h *EventHandler) handleEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrClickNotFound):
		writeError(w, http.StatusNotFound, "CLICK_NOT_FOUND", engine.ErrClickNotFound.Error())
	case errors.Is(err, engine.ErrRedirectNotFound):
		writeError(w, http.StatusNotFound, "REDIRECT_NOT_FOUND", engine.ErrRedirectNotFound.Error())
	case errors.Is(err, engine.ErrInvalidClickRef):
		writeError(w, http.StatusBadRequest, "INVALID_CLICK_REF", err.Error())
	case errors.Is(err, engine.ErrTrackingDisabled):
		writeError(w, http.StatusConflict, "TRACKING_DISABLED", err.Error())
	case errors.Is(err, engine.ErrFormula):
		writeError(w, http.StatusUnprocessableEntity, "FORMULA_FAILED", err.Error())
	default:
		h.logger.Error("event_record_failed", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An internal error occurred")
	}
}
