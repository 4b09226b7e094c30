package wallet

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/lessonpass/backend/internal/middleware"
	"github.com/lessonpass/backend/internal/models"
)

type Handler struct {
	svc *Ledger
	log *slog.Logger
}

func NewHandler(svc *Ledger, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, log: log}
}

type walletResponse struct {
	UserID           string          `json:"user_id"`
	Balance          decimal.Decimal `json:"balance"`
	TotalEarnings    decimal.Decimal `json:"total_earnings"`
	TotalWithdrawn   decimal.Decimal `json:"total_withdrawn"`
	LessonCount      int             `json:"lesson_count"`
	BankAccountSetup bool            `json:"bank_account_setup"`
	PayoutAccount    string          `json:"payout_account,omitempty"`
}

func walletToResponse(w *models.Wallet) walletResponse {
	resp := walletResponse{
		UserID:           w.UserID.String(),
		Balance:          w.Balance,
		TotalEarnings:    w.TotalEarnings,
		TotalWithdrawn:   w.TotalWithdrawn,
		LessonCount:      w.LessonCount,
		BankAccountSetup: w.BankAccountSetup,
	}
	if w.PayoutAccountRef != nil {
		resp.PayoutAccount = MaskPayoutIdentifier(*w.PayoutAccountRef)
	}
	return resp
}

// GetWallet handles GET /api/v1/wallet.
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromCtx(r.Context())
	if user == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	wallet, err := h.svc.Get(r.Context(), user.ID)
	if err != nil {
		h.log.Error("get wallet", "user_id", user.ID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, walletToResponse(wallet))
}

// ListTransactions handles GET /api/v1/wallet/transactions.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromCtx(r.Context())
	if user == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	list, err := h.svc.History(r.Context(), user.ID)
	if err != nil {
		h.log.Error("list transactions", "user_id", user.ID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []*models.Transaction{}
	}
	writeJSON(w, http.StatusOK, list)
}

type withdrawRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
}

// Withdraw handles POST /api/v1/wallet/withdraw.
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromCtx(r.Context())
	if user == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	var req withdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.Amount.LessThanOrEqual(decimal.Zero) {
		http.Error(w, `{"error":"amount must be > 0"}`, http.StatusBadRequest)
		return
	}
	entry, err := h.svc.Debit(r.Context(), user.ID, req.Amount, req.Description)
	if err != nil {
		if errors.Is(err, ErrInsufficientBalance) {
			http.Error(w, `{"error":"insufficient balance"}`, http.StatusUnprocessableEntity)
			return
		}
		h.log.Error("withdraw", "user_id", user.ID, "error", err)
		http.Error(w, `{"error":"withdrawal failed"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

type setupPayoutRequest struct {
	PayoutAccountRef  string `json:"payout_account_ref"`
	BankAccountNumber string `json:"bank_account_number"`
}

type setupPayoutResponse struct {
	BankAccountSetup bool   `json:"bank_account_setup"`
	MaskedAccount    string `json:"masked_account"`
}

// SetupPayout handles POST /api/v1/wallet/payout-account. The raw bank
// account number is used once for the masked echo and never stored.
func (h *Handler) SetupPayout(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromCtx(r.Context())
	if user == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	var req setupPayoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.PayoutAccountRef == "" {
		http.Error(w, `{"error":"payout_account_ref is required"}`, http.StatusBadRequest)
		return
	}
	if err := h.svc.SetupPayoutAccount(r.Context(), user.ID, req.PayoutAccountRef); err != nil {
		h.log.Error("setup payout account", "user_id", user.ID, "error", err)
		http.Error(w, `{"error":"setup failed"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, setupPayoutResponse{
		BankAccountSetup: true,
		MaskedAccount:    MaskPayoutIdentifier(req.BankAccountNumber),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
