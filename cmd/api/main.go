package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"

	"github.com/solotto/solotto/internal/adapter/handler"
	"github.com/solotto/solotto/internal/adapter/ledger"
	"github.com/solotto/solotto/internal/adapter/middleware"
	"github.com/solotto/solotto/internal/adapter/storage"
	"github.com/solotto/solotto/internal/adapter/ws"
	"github.com/solotto/solotto/internal/core/config"
	"github.com/solotto/solotto/internal/core/lottery"
	"github.com/solotto/solotto/internal/core/notifications"
)

func main() {
	cfg := config.LoadConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	dbPool, err := storage.ConnectDB(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("database connection failed", "error", err)
		os.Exit(1)
	}

	mongoClient, err := storage.ConnectMongo(ctx, cfg.MongoURI)
	if err != nil {
		slog.Error("document store connection failed", "error", err)
		os.Exit(1)
	}

	records := storage.NewRecordRepository(dbPool)
	aggregates := storage.NewAggregateRepository(mongoClient, cfg.MongoDB)
	if err := aggregates.EnsureIndexes(ctx); err != nil {
		slog.Error("document store index creation failed", "error", err)
		os.Exit(1)
	}

	gateway := ledger.NewSolanaGateway(cfg.SolanaRPCURL)

	orchestrator := lottery.NewOrchestrator(gateway, records, aggregates, cfg.TicketPrice, cfg.MaxTicketsPerPurchase)
	drawEngine := lottery.NewDrawEngine(orchestrator)

	hub := ws.NewHub()
	orchestrator.SetEventSink(hub)
	drawEngine.SetEventSink(hub)

	reconciler := lottery.NewReconciler(gateway, records, aggregates, cfg.ReconcileInterval)
	reconciler.Start()

	dispatcher := notifications.NewDispatcher(
		aggregates,
		notifications.NewWebhookSender(cfg.NotifyWebhookURL),
		cfg.DispatchInterval,
		cfg.MaxNotifyAttempts,
	)
	dispatcher.Start()

	lotteryHandler := &handler.LotteryHandler{
		Orchestrator:    orchestrator,
		DrawEngine:      drawEngine,
		Ledger:          gateway,
		Records:         records,
		Aggregates:      aggregates,
		PurchaseTimeout: cfg.PurchaseTimeout,
	}
	socketServer := &ws.Server{
		Hub:             hub,
		Orchestrator:    orchestrator,
		Records:         records,
		Aggregates:      aggregates,
		PurchaseTimeout: cfg.PurchaseTimeout,
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})
	app.Use(cors.New())

	api := app.Group("/v1")
	api.Post("/pools", lotteryHandler.CreatePool)
	api.Patch("/pools/:poolId/activate", lotteryHandler.ActivatePool)
	api.Post("/purchase", middleware.Idempotency(dbPool), lotteryHandler.PurchaseTickets)
	api.Post("/pools/:poolId/draw", lotteryHandler.ConductDraw)

	api.Get("/pools/active", lotteryHandler.GetActivePools)
	api.Get("/pools/:poolId", lotteryHandler.GetPool)
	api.Get("/pools/:poolId/statistics", lotteryHandler.GetPoolStatistics)
	api.Get("/draws/:poolId", lotteryHandler.GetDrawHistory)
	api.Get("/draws/:poolId/:drawId", lotteryHandler.GetDraw)
	api.Get("/tickets/:wallet", lotteryHandler.GetUserTickets)
	api.Get("/verify/:ticketNumber", lotteryHandler.VerifyTicket)
	api.Get("/transaction/:signature", lotteryHandler.GetTransaction)
	api.Get("/notifications/failed", lotteryHandler.GetFailedNotifications)

	app.Use("/ws", socketServer.Upgrade)
	app.Get("/ws", socketServer.Handler())

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		slog.Info("server starting", "env", cfg.Env, "port", cfg.Port)
		if err := app.Listen(":" + cfg.Port); err != nil {
			slog.Error("server stopped", "error", err)
		}
	}()

	<-stop
	slog.Info("shutting down")

	dispatcher.Stop()
	reconciler.Stop()

	if err := app.Shutdown(); err != nil {
		slog.Error("server shutdown failed", "error", err)
	}

	dbPool.Close()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := mongoClient.Disconnect(shutdownCtx); err != nil {
		slog.Error("document store disconnect failed", "error", err)
	}

	slog.Info("server exited")
}
