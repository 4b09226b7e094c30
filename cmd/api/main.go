package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"

	"github.com/lessonpass/backend/internal/auth"
	"github.com/lessonpass/backend/internal/booking"
	"github.com/lessonpass/backend/internal/checkin"
	"github.com/lessonpass/backend/internal/config"
	"github.com/lessonpass/backend/internal/notify"
	"github.com/lessonpass/backend/internal/payment"
	"github.com/lessonpass/backend/internal/reconcile"
	"github.com/lessonpass/backend/internal/repository"
	"github.com/lessonpass/backend/internal/wallet"
)

// notifier is the union of the event surfaces the services publish to.
type notifier interface {
	InstructorCheckIn(ctx context.Context, instructorID, customerID, bookingID uuid.UUID)
	PaymentCaptured(ctx context.Context, userID, bookingID uuid.UUID, amount decimal.Decimal)
	PaymentFailed(ctx context.Context, userID, bookingID uuid.UUID, reason string)
	LessonReminder(ctx context.Context, userID, bookingID uuid.UUID, scheduledAt time.Time)
	BookingCreated(ctx context.Context, userID, instructorID, bookingID uuid.UUID)
	BookingCancelled(ctx context.Context, userID, instructorID, bookingID uuid.UUID, cancelledBy string)
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	feeRate, _ := cfg.PlatformFeeRate()

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Unable to create database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("Cannot reach PostgreSQL (connection refused or invalid). Ensure Postgres is running, e.g. make dev-up or docker-compose up -d", "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to PostgreSQL database successfully!")

	// River migrations
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		slog.Error("Failed to create River migrator", "error", err)
		os.Exit(1)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		slog.Error("River migrate up failed. If the error is 'connection refused', start PostgreSQL first (e.g. make dev-up)", "error", err)
		os.Exit(1)
	}
	slog.Info("River migrations applied")

	// Repositories
	bookingRepo := repository.NewBookingRepo(pool)
	walletRepo := repository.NewWalletRepo(pool)
	transactionRepo := repository.NewTransactionRepo(pool)
	promoRepo := repository.NewPromoRepo(pool)
	statsRepo := repository.NewInstructorStatsRepo(pool)

	// Payment processor
	processor, err := payment.NewOmiseClient(cfg.OmisePublicKey, cfg.OmiseSecretKey, cfg.Currency)
	if err != nil {
		slog.Error("Failed to create payment processor client. Set OMISE_PUBLIC_KEY and OMISE_SECRET_KEY", "error", err)
		os.Exit(1)
	}
	authority := payment.NewAuthority(pool, bookingRepo, walletRepo, processor, feeRate, cfg.Currency, logger)

	// Wallet ledger
	ledger := wallet.NewLedger(pool, walletRepo, transactionRepo)

	// Notifications (best-effort; Noop when no broker is configured)
	var events notifier = notify.Noop{}
	if cfg.AMQPURL != "" {
		pub, err := notify.NewPublisher(cfg.AMQPURL, cfg.EventsExchange, logger)
		if err != nil {
			slog.Error("Failed to connect to RabbitMQ", "error", err)
			os.Exit(1)
		}
		defer pub.Close()
		events = pub
	} else {
		slog.Warn("AMQP_URL not set, notifications disabled")
	}

	// Background workers
	workers := river.NewWorkers()
	river.AddWorker(workers, reconcile.NewPaymentReconcileWorker(bookingRepo, authority, ledger, transactionRepo, events, logger))
	river.AddWorker(workers, reconcile.NewLessonReminderWorker(bookingRepo, events, logger))
	river.AddWorker(workers, reconcile.NewPayoutSweepWorker(bookingRepo, authority, ledger, transactionRepo, events, logger))

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 10},
		},
		Workers: workers,
		PeriodicJobs: []*river.PeriodicJob{
			river.NewPeriodicJob(
				river.PeriodicInterval(15*time.Minute),
				func() (river.JobArgs, *river.InsertOpts) {
					return reconcile.LessonReminderArgs{}, nil
				},
				nil,
			),
			river.NewPeriodicJob(
				river.PeriodicInterval(time.Hour),
				func() (river.JobArgs, *river.InsertOpts) {
					return reconcile.PayoutSweepArgs{}, nil
				},
				nil,
			),
		},
	})
	if err != nil {
		slog.Error("Failed to create River client", "error", err)
		os.Exit(1)
	}
	enqueuer := reconcile.NewEnqueuer(riverClient)

	// Services
	authRepo := auth.NewRepository(pool)
	authSvc := auth.NewService(authRepo, cfg.JWTSecret)
	bookingSvc := booking.NewService(bookingRepo, promoRepo, authority, events, logger)
	pipeline := checkin.NewPipeline(bookingRepo, statsRepo, authority, ledger, events, enqueuer, logger)

	// Handlers
	authHandler := auth.NewHandler(authSvc, logger)
	bookingHandler := booking.NewHandler(bookingSvc, logger)
	checkinHandler := checkin.NewHandler(pipeline, logger)
	walletHandler := wallet.NewHandler(ledger, logger)

	mux := http.NewServeMux()
	RegisterRoutes(mux, authSvc, authHandler, bookingHandler, checkinHandler, walletHandler)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		AllowCredentials: true,
	}).Handler(mux)

	// Start River client (processes jobs)
	riverCtx, stopRiver := context.WithCancel(ctx)
	defer stopRiver()
	go func() {
		if err := riverClient.Start(riverCtx); err != nil && riverCtx.Err() == nil {
			slog.Error("River client stopped", "error", err)
		}
	}()

	serverAddr := "0.0.0.0:" + cfg.Port
	slog.Info("Starting HTTP server", "addr", serverAddr)
	if err := http.ListenAndServe(serverAddr, corsHandler); err != nil {
		slog.Error("HTTP server failed", "error", err)
		os.Exit(1)
	}
}
