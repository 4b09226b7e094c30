package checkin

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lessonpass/backend/internal/middleware"
	"github.com/lessonpass/backend/internal/models"
)

type Handler struct {
	pipeline *Pipeline
	log      *slog.Logger
}

func NewHandler(pipeline *Pipeline, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{pipeline: pipeline, log: log}
}

type scanRequest struct {
	Token    string           `json:"token"`
	Location *models.Location `json:"location,omitempty"`
}

type scanResponse struct {
	BookingID       string           `json:"booking_id"`
	Status          string           `json:"status"`
	CheckedInAt     time.Time        `json:"checked_in_at"`
	DistanceMeters  *float64         `json:"distance_meters,omitempty"`
	DistanceWarning bool             `json:"distance_warning,omitempty"`
	PaymentCaptured bool             `json:"payment_captured"`
	PaymentPending  bool             `json:"payment_pending"`
	AmountCaptured  *decimal.Decimal `json:"amount_captured,omitempty"`
}

// Scan handles POST /api/v1/checkin/scan: the customer scanned the
// instructor's rotating QR code.
func (h *Handler) Scan(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromCtx(r.Context())
	if user == nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	var req scanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON")
		return
	}
	if req.Token == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "token is required")
		return
	}

	res, err := h.pipeline.ValidateAndCheckIn(r.Context(), user.ID, req.Token, time.Now().UTC(), req.Location)
	if err != nil {
		h.writePipelineError(w, err)
		return
	}

	resp := scanResponse{
		BookingID:       res.Booking.ID.String(),
		Status:          res.Booking.Status,
		CheckedInAt:     *res.Booking.CheckIn.CheckedInAt,
		DistanceMeters:  res.DistanceMeters,
		DistanceWarning: res.DistanceWarning,
		PaymentCaptured: res.PaymentCaptured,
		PaymentPending:  res.PaymentPending,
	}
	if res.Payment != nil && res.PaymentCaptured {
		resp.AmountCaptured = &res.Payment.Gross
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) writePipelineError(w http.ResponseWriter, err error) {
	var winErr *WindowError
	switch {
	case errors.Is(err, ErrTokenExpired):
		writeError(w, http.StatusUnprocessableEntity, "TOKEN_EXPIRED", "QR code expired, ask the instructor to refresh it")
	case errors.Is(err, ErrTokenInvalid):
		writeError(w, http.StatusUnprocessableEntity, "TOKEN_INVALID", "QR code is not valid")
	case errors.Is(err, ErrNoBookingFound):
		writeError(w, http.StatusNotFound, "NO_BOOKING_FOUND", "no booking with this instructor today")
	case errors.As(err, &winErr):
		writeError(w, http.StatusUnprocessableEntity, "OUTSIDE_WINDOW", winErr.Error())
	case errors.Is(err, ErrAlreadyCheckedIn):
		writeError(w, http.StatusConflict, "ALREADY_CHECKED_IN", "this lesson is already checked in")
	default:
		h.log.Error("check-in scan", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "check-in failed")
	}
}

type errorResponse struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Code: code, Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
