package main

import (
	"net/http"

	"github.com/lessonpass/backend/internal/auth"
	"github.com/lessonpass/backend/internal/booking"
	"github.com/lessonpass/backend/internal/checkin"
	"github.com/lessonpass/backend/internal/middleware"
	"github.com/lessonpass/backend/internal/wallet"
)

// RegisterRoutes adds the /api/v1/ endpoints to the given mux.
// Middleware chain: JWTAuth -> (RequireRole where noted) -> handler.
func RegisterRoutes(
	mux *http.ServeMux,
	authSvc auth.Service,
	authHandler *auth.Handler,
	bookingHandler *booking.Handler,
	checkinHandler *checkin.Handler,
	walletHandler *wallet.Handler,
) {
	authed := middleware.JWTAuth(authSvc)
	instructorOnly := middleware.RequireRole(auth.RoleInstructor)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Accounts
	mux.HandleFunc("POST /api/v1/auth/register", authHandler.Register)
	mux.HandleFunc("POST /api/v1/auth/login", authHandler.Login)

	// Bookings
	mux.Handle("POST /api/v1/bookings", authed(http.HandlerFunc(bookingHandler.Create)))
	mux.Handle("GET /api/v1/bookings", authed(http.HandlerFunc(bookingHandler.List)))
	mux.Handle("GET /api/v1/bookings/{id}", authed(http.HandlerFunc(bookingHandler.Get)))
	mux.Handle("POST /api/v1/bookings/{id}/cancel", authed(http.HandlerFunc(bookingHandler.Cancel)))
	mux.Handle("POST /api/v1/bookings/{id}/confirm", authed(instructorOnly(http.HandlerFunc(bookingHandler.Confirm))))
	mux.Handle("POST /api/v1/bookings/{id}/complete", authed(instructorOnly(http.HandlerFunc(bookingHandler.Complete))))
	mux.Handle("POST /api/v1/bookings/{id}/no-show", authed(instructorOnly(http.HandlerFunc(bookingHandler.MarkNoShow))))
	mux.Handle("GET /api/v1/promos/{code}", authed(http.HandlerFunc(bookingHandler.PromoAvailability)))

	// Check-in
	mux.Handle("POST /api/v1/checkin/scan", authed(http.HandlerFunc(checkinHandler.Scan)))

	// Wallet (instructor earnings)
	mux.Handle("GET /api/v1/wallet", authed(instructorOnly(http.HandlerFunc(walletHandler.GetWallet))))
	mux.Handle("GET /api/v1/wallet/transactions", authed(instructorOnly(http.HandlerFunc(walletHandler.ListTransactions))))
	mux.Handle("POST /api/v1/wallet/withdraw", authed(instructorOnly(http.HandlerFunc(walletHandler.Withdraw))))
	mux.Handle("POST /api/v1/wallet/payout-account", authed(instructorOnly(http.HandlerFunc(walletHandler.SetupPayout))))
}
