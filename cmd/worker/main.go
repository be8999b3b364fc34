package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/suPer8Hu/tablechat/internal/app"
	"github.com/suPer8Hu/tablechat/internal/config"
	"github.com/suPer8Hu/tablechat/internal/store/rabbitmq"
	"github.com/suPer8Hu/tablechat/internal/telemetry"
)

func workerConcurrency() int {
	v := os.Getenv("WORKER_CONCURRENCY")
	if v == "" {
		return 2
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 2
	}
	if n > 50 {
		return 50
	}
	return n
}

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
	logger = logger.With("component", "worker")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.Init(ctx, "tablechat-worker", cfg.MetricsFile)
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

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		fatal(logger, "rabbit dial", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		fatal(logger, "rabbit channel", err)
	}
	defer ch.Close()

	if err := rabbitmq.DeclareQueues(ch, cfg.RabbitQueue); err != nil {
		fatal(logger, "queue declare", err)
	}

	//  strict concurrency control
	concurrency := workerConcurrency()

	if err := ch.Qos(concurrency, 0, false); err != nil {
		fatal(logger, "qos", err)
	}

	msgs, err := ch.Consume(cfg.RabbitQueue, "", false, false, false, false, nil)
	if err != nil {
		fatal(logger, "consume", err)
	}

	logger.Info("worker started", "queue", cfg.RabbitQueue, "concurrency", concurrency)

	// worker pool
	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				handleDelivery(ctx, logger.With("worker", workerID), d, a.Chat.RunJob)
			}
		}(i)
	}

	// dispatcher
	for {
		select {
		case <-ctx.Done():
			logger.Info("worker shutting down")
			close(jobs)
			wg.Wait()
			return

		case d, ok := <-msgs:
			if !ok {
				logger.Warn("delivery channel closed")
				close(jobs)
				wg.Wait()
				return
			}
			select {
			case jobs <- d:
			case <-ctx.Done():
				_ = d.Nack(false, true)
			}
		}
	}
}
