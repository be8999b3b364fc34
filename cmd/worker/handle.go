package main

import (
	"context"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/suPer8Hu/tablechat/internal/store/rabbitmq"
)

// handleDelivery runs one job and settles its delivery. Deliveries still
// buffered at shutdown go back to the queue untouched.
func handleDelivery(ctx context.Context, logger *slog.Logger, d amqp.Delivery, run func(context.Context, string) error) {
	if ctx.Err() != nil {
		_ = d.Nack(false, true)
		return
	}
	jobID, err := rabbitmq.DecodeJob(d.Body)
	if err != nil {
		logger.Warn("bad message", "err", err)
		_ = d.Nack(false, false)
		return
	}

	start := time.Now()
	if err := run(ctx, jobID); err != nil {
		logger.Error("job failed", "job", jobID, "cost", time.Since(start), "err", err)
		_ = d.Nack(false, false)
		return
	}
	if cost := time.Since(start); cost > 2*time.Second {
		logger.Info("job_timing", "job", jobID, "total", cost)
	}

	if err := d.Ack(false); err != nil {
		logger.Warn("ack failed", "job", jobID, "err", err)
	}
}
