package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	h "github.com/gorilla/handlers"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
	"github.com/voltgrid/portal-api/internal/authz"
	"github.com/voltgrid/portal-api/internal/config"
	"github.com/voltgrid/portal-api/internal/handlers"
	"github.com/voltgrid/portal-api/internal/middleware"
	"github.com/voltgrid/portal-api/internal/migration"
	"github.com/voltgrid/portal-api/internal/notification"
	"github.com/voltgrid/portal-api/internal/repository"
	"github.com/voltgrid/portal-api/internal/routes"
	"github.com/voltgrid/portal-api/internal/service"
	"github.com/voltgrid/portal-api/internal/temporal"
	"github.com/voltgrid/portal-api/internal/temporal/activities"
	"github.com/voltgrid/portal-api/internal/temporal/workflows"

	_ "github.com/lib/pq" // PostgreSQL driver
	tc "go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
)

type application struct {
	config         *config.Config
	db             *sql.DB
	tokens         *authz.TokenIssuer
	mailer         notification.Mailer
	delivery       notification.Delivery
	temporalClient tc.Client
	notifications  notification.Service
	logger         zerolog.Logger
}

func main() {
	// Set up structured, level-based logging.
	consoleWriter := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}
	logger := zerolog.New(consoleWriter).With().Timestamp().Logger()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.SetFlags(0)
	log.SetOutput(logger)

	goose.SetLogger(migration.NewGooseAdapter(logger))

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid configuration")
	}

	// The signing secret is loaded once; without it the process does not start.
	tokens, err := authz.NewTokenIssuer(cfg.Auth.JWTSecret)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to configure session tokens")
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to the database")
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to ping database")
	}

	if err := migration.RunMigrations(context.Background(), db, logger); err != nil {
		logger.Fatal().Err(err).Msg("Failed to run migrations")
	}

	mailer, err := notification.NewMailer(cfg.Email, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to configure mailer")
	}

	app := &application{
		config: cfg,
		db:     db,
		tokens: tokens,
		mailer: mailer,
		logger: logger,
	}
	app.initNotifications()

	var temporalWorker worker.Worker
	if app.temporalClient != nil {
		defer app.temporalClient.Close()
		temporalWorker = app.startTemporalWorker()
	}

	router := app.initRouter()
	handler := middleware.Timeout(cfg.Server.RequestTimeout)(router)
	handler = middleware.Logging(logger)(handler)
	handler = h.RecoveryHandler(h.RecoveryLogger(log.Default()), h.PrintRecoveryStack(true))(handler)
	corsHandler := h.CORS(
		h.AllowedOrigins(cfg.Server.AllowedOrigins),
		h.AllowedMethods([]string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}),
		h.AllowedHeaders([]string{"Content-Type", "Authorization"}),
		h.AllowCredentials(),
	)(handler)

	app.startServer(corsHandler, temporalWorker)

	logger.Info().Msg("Application terminated.")
}

// initNotifications wires the email delivery path and the admin notification
// sink. Delivery failures are recorded through the sink, which itself emails
// admin alerts through the same delivery.
func (app *application) initNotifications() {
	cfg := app.config.Email

	var sink notification.Service
	recordFailure := func(ctx context.Context, msg notification.Message, err error) {
		notification.FailureRecorder(sink, app.logger)(ctx, msg, err)
	}

	switch cfg.DispatchMode {
	case config.DispatchTemporal:
		temporalClient, err := tc.Dial(tc.Options{
			HostPort:  app.config.Temporal.HostPort,
			Namespace: app.config.Temporal.Namespace,
			Logger:    temporal.NewTemporalAdapter(app.logger),
		})
		if err != nil {
			app.logger.Fatal().Err(err).Msg("Unable to create Temporal client")
		}
		app.temporalClient = temporalClient
		app.delivery = notification.NewTemporalDelivery(temporalClient, app.taskQueue(), cfg.SendTimeout, app.logger, recordFailure)
	default:
		app.delivery = notification.NewAsyncDelivery(app.mailer, cfg.SendTimeout, app.logger, recordFailure)
	}

	sink = notification.NewService(
		repository.NewNotificationRepository(app.db),
		app.logger,
		notification.NewEmailNotifier(app.delivery, cfg.AlertRecipients, app.logger),
	)
	app.notifications = sink
}

// initRouter sets up all HTTP handlers and returns the router.
func (app *application) initRouter() http.Handler {
	cfg := app.config

	// Repositories
	userRepo := repository.NewUserRepository(app.db)
	inviteRepo := repository.NewInviteRepository(app.db)
	codeRepo := repository.NewVerificationCodeRepository(app.db)
	txRunner := repository.NewTxRunner(app.db)

	dispatcher := notification.NewEmailDispatcher(app.delivery, cfg.Invitations.InviteURLTemplate, cfg.Email.SupportAddress, app.logger)

	// Services
	credentials, err := service.NewCredentialIssuer(userRepo, app.tokens, cfg.Auth, app.logger)
	if err != nil {
		app.logger.Fatal().Err(err).Msg("Failed to configure credential issuer")
	}
	invitations := service.NewInvitationService(inviteRepo, dispatcher, cfg.Invitations.TTL, app.logger)
	registration := service.NewRegistrationService(userRepo, txRunner, invitations, credentials, dispatcher, app.notifications, cfg.Registration, app.logger)
	verification := service.NewVerificationService(userRepo, codeRepo, txRunner, credentials, dispatcher, cfg.Verification, app.logger)

	return routes.NewRouter(routes.Handlers{
		Auth:          handlers.NewAuthHandler(registration, verification, app.logger),
		Invites:       handlers.NewInviteHandler(invitations, app.logger),
		Notifications: handlers.NewNotificationHandler(app.notifications, app.logger),
		Health:        handlers.HealthCheck(app.db),
	}, app.tokens)
}

func (app *application) taskQueue() string {
	if q := app.config.Temporal.TaskQueue; q != "" {
		return q
	}
	return temporal.DefaultTaskQueueName
}

func (app *application) startTemporalWorker() worker.Worker {
	activityImpl := &activities.Activities{
		Mailer:    app.mailer,
		OnFailure: notification.FailureRecorder(app.notifications, app.logger),
	}

	w := worker.New(app.temporalClient, app.taskQueue(), worker.Options{})

	w.RegisterWorkflowWithOptions(workflows.EmailDeliveryWorkflow, workflow.RegisterOptions{Name: temporal.EmailWorkflowName})
	w.RegisterActivity(activityImpl)

	// Start the worker in a goroutine so it doesn't block.
	go func() {
		app.logger.Info().Str("task_queue", app.taskQueue()).Msg("Starting Temporal worker...")
		if err := w.Run(worker.InterruptCh()); err != nil {
			app.logger.Fatal().Err(err).Msg("Unable to start worker")
		}
	}()

	return w
}

// startServer launches the HTTP server and handles graceful shutdown.
func (app *application) startServer(handler http.Handler, temporalWorker worker.Worker) {
	logger := app.logger
	server := &http.Server{
		Addr:              ":" + app.config.Server.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErrCh := make(chan error, 1)
	go func() {
		logger.Info().Msgf("Server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info().Msgf("Received signal: %s. Shutting down...", sig)
	case err := <-serverErrCh:
		logger.Error().Err(err).Msg("Server error occurred")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	} else {
		logger.Info().Msg("HTTP server shutdown complete.")
	}

	// Let in-flight emails finish before exiting.
	if async, ok := app.delivery.(*notification.AsyncDelivery); ok {
		if err := async.Drain(); err != nil {
			logger.Warn().Err(err).Msg("Pending emails were not delivered before shutdown")
		}
	}

	if temporalWorker != nil {
		logger.Info().Msg("Stopping Temporal worker...")
		temporalWorker.Stop()
		logger.Info().Msg("Temporal worker stopped.")
	}
}
