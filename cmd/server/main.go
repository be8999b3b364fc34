package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/tablechat/internal/app"
	"github.com/suPer8Hu/tablechat/internal/config"
	"github.com/suPer8Hu/tablechat/internal/httpapi"
	"github.com/suPer8Hu/tablechat/internal/httpapi/handlers"
	"github.com/suPer8Hu/tablechat/internal/store/rabbitmq"
	"github.com/suPer8Hu/tablechat/internal/telemetry"
)

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "err", err)
	os.Exit(1)
}

func main() {
	cfg := config.Load()

	logger, closer, err := telemetry.NewLogger(cfg.LogFile, cfg.LogLevel)
	if err != nil {
		fatal(slog.Default(), "logger", err)
	}
	defer closer.Close()
	logger = logger.With("component", "server")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.Init(ctx, "tablechat-server", cfg.MetricsFile)
	if err != nil {
		fatal(logger, "telemetry", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdown(sctx)
	}()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		fatal(logger, "init", err)
	}
	defer a.Close()

	pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		fatal(logger, "rabbit publisher", err)
	}
	defer pub.Close()

	gin.SetMode(gin.ReleaseMode)
	h := handlers.NewHandler(a.DB, cfg, a.Chat, pub, logger)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewRouter(h, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("listening", "addr", cfg.HTTPAddr, "providers", a.Registry.Names())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal(logger, "listen", err)
		}
	}()

	<-ctx.Done()
	logger.Info("server shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		logger.Error("shutdown", "err", err)
	}
}
