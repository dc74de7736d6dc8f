package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"log/slog"
	"os/signal"
	"syscall"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/digkill/sessiontimer/internal/api"
	"github.com/digkill/sessiontimer/internal/backend"
	"github.com/digkill/sessiontimer/internal/config"
	"github.com/digkill/sessiontimer/internal/database"
	"github.com/digkill/sessiontimer/internal/events"
	"github.com/digkill/sessiontimer/internal/notify"
	"github.com/digkill/sessiontimer/internal/realtime"
	"github.com/digkill/sessiontimer/internal/repository"
	"github.com/digkill/sessiontimer/internal/service"
	"github.com/digkill/sessiontimer/internal/storage"
	"github.com/digkill/sessiontimer/internal/telegram"
	"github.com/digkill/sessiontimer/internal/wallet"
	"github.com/digkill/sessiontimer/pkg/logger"
)

const writeQueueSize = 1024

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logr, logCloser := logger.New(logger.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	defer logCloser.Close()

	rateCard, err := config.LoadRateCard(cfg.RateCardPath)
	if err != nil {
		log.Fatalf("rate card: %v", err)
	}

	store, db, err := openStore(cfg)
	if err != nil {
		log.Fatalf("document store: %v", err)
	}
	if db != nil {
		defer db.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	writer := realtime.NewAsyncWriter(logr, writeQueueSize)
	writer.Start()

	backendClient := backend.NewClient(cfg, logr)
	wallets := wallet.NewCoordinator(backendClient, store, logr)

	alerts := notify.Fanout{notify.NewStoreNotifier(store)}
	if cfg.AlertsEnabled() {
		botAPI, err := tgbotapi.NewBotAPI(cfg.TelegramBotToken)
		if err != nil {
			log.Fatalf("telegram bot: %v", err)
		}
		alerts = append(alerts, telegram.NewNotifier(botAPI, cfg.TelegramAlertChatID, logr))
	}

	var publisher events.Publisher = events.Nop{}
	if cfg.EventsEnabled() {
		amqpPublisher, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			log.Fatalf("event publisher: %v", err)
		}
		publisher = amqpPublisher
	}

	deps := service.Deps{
		Store:    store,
		Writer:   writer,
		Wallets:  wallets,
		Creators: backendClient,
		Backend:  backendClient,
		Alerts:   alerts,
		Events:   publisher,
		RateCard: rateCard,
	}
	if cfg.ArchiveEnabled() {
		archiver, err := storage.NewArchiver(storage.Config{
			Endpoint:     cfg.S3Endpoint,
			Region:       cfg.S3Region,
			AccessKey:    cfg.S3AccessKey,
			SecretKey:    cfg.S3SecretKey,
			Bucket:       cfg.S3Bucket,
			UsePathStyle: cfg.S3UsePathStyle,
			Prefix:       cfg.S3Prefix,
		})
		if err != nil {
			log.Fatalf("storage archiver: %v", err)
		}
		deps.Archive = archiver
	}

	sessions := service.NewSessionService(deps, service.Options{
		TickInterval:      cfg.TickInterval,
		MaxSessionSeconds: cfg.MaxSessionSeconds,
		RunwaySeconds:     cfg.LowBalanceRunwaySeconds,
	}, logr)

	apiServer := api.NewServer(cfg.HTTPListenAddr, cfg.APIUsername, cfg.APIPassword, logr, sessions, realtime.NewStreamHandler(store, logr))
	if err := apiServer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logr.Error("api server stopped", "err", err)
	}

	shutdown(cfg, logr, sessions, writer, publisher, wallets)
}

func openStore(cfg config.Config) (realtime.Store, *sql.DB, error) {
	if cfg.DocStoreDriver == config.DriverMemory {
		return realtime.NewMemoryStore(), nil, nil
	}
	if err := database.Migrate(cfg); err != nil {
		return nil, nil, err
	}
	db, err := database.Connect(cfg)
	if err != nil {
		return nil, nil, err
	}
	repo := repository.NewDocumentRepository(db, repository.Dialect(cfg.DocStoreDriver))
	return realtime.NewSQLStore(repo), db, nil
}

// shutdown leaves running sessions resumable and drains pending document
// writes before the process exits.
func shutdown(cfg config.Config, logr *slog.Logger, sessions *service.SessionService, writer *realtime.AsyncWriter, publisher events.Publisher, wallets *wallet.Coordinator) {
	sessions.Shutdown()
	if !writer.Close(cfg.ShutdownTimeout) {
		logr.Warn("document writes dropped at shutdown", "pending", writer.Pending())
	}
	wallets.Close()
	if err := publisher.Close(); err != nil {
		logr.Warn("close event publisher", "err", err)
	}
	logr.Info("shutdown complete")
}
