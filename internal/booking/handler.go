package booking

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/lessonpass/backend/internal/auth"
	"github.com/lessonpass/backend/internal/middleware"
	"github.com/lessonpass/backend/internal/models"
	"github.com/lessonpass/backend/internal/payment"
)

type Handler struct {
	svc *Service
	log *slog.Logger
}

func NewHandler(svc *Service, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, log: log}
}

type createRequest struct {
	LessonID       uuid.UUID        `json:"lesson_id"`
	InstructorID   uuid.UUID        `json:"instructor_id"`
	ScheduledAt    time.Time        `json:"scheduled_at"`
	TotalAmount    decimal.Decimal  `json:"total_amount"`
	LessonLocation *models.Location `json:"lesson_location,omitempty"`
	MethodRef      string           `json:"payment_method_ref"`
	PromoCode      string           `json:"promo_code,omitempty"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// Create handles POST /api/v1/bookings.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromCtx(r.Context())
	if user == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.InstructorID == uuid.Nil || req.LessonID == uuid.Nil || req.ScheduledAt.IsZero() {
		http.Error(w, `{"error":"lesson_id, instructor_id and scheduled_at are required"}`, http.StatusBadRequest)
		return
	}

	b, err := h.svc.Create(r.Context(), CreateParams{
		LessonID:       req.LessonID,
		InstructorID:   req.InstructorID,
		UserID:         user.ID,
		ScheduledAt:    req.ScheduledAt,
		TotalAmount:    req.TotalAmount,
		LessonLocation: req.LessonLocation,
		MethodRef:      req.MethodRef,
		PromoCode:      req.PromoCode,
	})
	if err != nil {
		if errors.Is(err, payment.ErrPaymentDeclined) {
			http.Error(w, `{"error":"payment declined"}`, http.StatusPaymentRequired)
			return
		}
		h.log.Error("create booking", "user_id", user.ID, "error", err)
		http.Error(w, `{"error":"could not create booking"}`, http.StatusUnprocessableEntity)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

// Get handles GET /api/v1/bookings/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromCtx(r.Context())
	if user == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid booking id"}`, http.StatusBadRequest)
		return
	}
	b, err := h.svc.Get(r.Context(), user.ID, id)
	if err != nil {
		h.writeServiceError(w, err, user.ID)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// List handles GET /api/v1/bookings, scoped to the caller's side.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromCtx(r.Context())
	if user == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	var (
		list []*models.Booking
		err  error
	)
	if user.Role == auth.RoleInstructor {
		list, err = h.svc.ListForInstructor(r.Context(), user.ID)
	} else {
		list, err = h.svc.ListForCustomer(r.Context(), user.ID)
	}
	if err != nil {
		h.log.Error("list bookings", "user_id", user.ID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []*models.Booking{}
	}
	writeJSON(w, http.StatusOK, list)
}

// Confirm handles POST /api/v1/bookings/{id}/confirm.
func (h *Handler) Confirm(w http.ResponseWriter, r *http.Request) {
	h.instructorAction(w, r, h.svc.Confirm)
}

// Complete handles POST /api/v1/bookings/{id}/complete.
func (h *Handler) Complete(w http.ResponseWriter, r *http.Request) {
	h.instructorAction(w, r, h.svc.Complete)
}

// MarkNoShow handles POST /api/v1/bookings/{id}/no-show.
func (h *Handler) MarkNoShow(w http.ResponseWriter, r *http.Request) {
	h.instructorAction(w, r, h.svc.MarkNoShow)
}

// Cancel handles POST /api/v1/bookings/{id}/cancel for either side.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromCtx(r.Context())
	if user == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid booking id"}`, http.StatusBadRequest)
		return
	}
	var req cancelRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	b, err := h.svc.Cancel(r.Context(), user.ID, id, user.Role, req.Reason)
	if err != nil {
		h.writeServiceError(w, err, user.ID)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// PromoAvailability handles GET /api/v1/promos/{code}.
func (h *Handler) PromoAvailability(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	if code == "" {
		http.Error(w, `{"error":"promo code is required"}`, http.StatusBadRequest)
		return
	}
	n, err := h.svc.PromoRemaining(r.Context(), code)
	if err != nil {
		http.Error(w, `{"error":"unknown promo code"}`, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"code": code, "remaining": n})
}

func (h *Handler) instructorAction(w http.ResponseWriter, r *http.Request, action func(ctx context.Context, instructorID, bookingID uuid.UUID) (*models.Booking, error)) {
	user := middleware.UserFromCtx(r.Context())
	if user == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid booking id"}`, http.StatusBadRequest)
		return
	}
	b, err := action(r.Context(), user.ID, id)
	if err != nil {
		h.writeServiceError(w, err, user.ID)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error, userID uuid.UUID) {
	switch {
	case errors.Is(err, ErrNotFound):
		http.Error(w, `{"error":"booking not found"}`, http.StatusNotFound)
	case errors.Is(err, ErrForbidden):
		http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
	case errors.Is(err, ErrIllegalTransition):
		http.Error(w, `{"error":"illegal status transition"}`, http.StatusConflict)
	default:
		h.log.Error("booking operation", "user_id", userID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
