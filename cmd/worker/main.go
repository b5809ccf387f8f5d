package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"academy/internal/audit"
	"academy/internal/config"
	"academy/internal/logging"
	"academy/internal/queue"
	"academy/internal/store"
)

// Worker drains the audit queue into the structured log.
func main() {
	boot := logging.New("info")
	config.LoadEnv(boot)
	cfg := config.Load()
	log := logging.NewWithService("academy-worker", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisClient, err := store.NewRedis(cfg.RedisAddr, cfg.StoreTimeout)
	if err != nil {
		log.WithError(err).Fatal("redis config")
	}
	defer redisClient.Close()

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		log.Warn("memory queue selected; the worker only sees events published in this process")
		q = queue.NewInMemory(256)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, queue.DefaultKey)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("worker started, waiting for audit events")
		return audit.Drain(ctx, q, log, func(_ context.Context, e audit.Event) error {
			entry := log.WithFields(audit.Fields(e))
			if e.Outcome != audit.OutcomeOK {
				entry.Warn(e.Name)
				return nil
			}
			entry.Info(e.Name)
			return nil
		})
	})
	if rq, ok := q.(*queue.RedisQueue); ok {
		g.Go(func() error { return reportBacklog(ctx, rq, log) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("worker failed")
	}
	log.Info("worker stopped")
}

func reportBacklog(ctx context.Context, q *queue.RedisQueue, log *logrus.Entry) error {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := q.Len(ctx)
			if err != nil {
				log.WithError(err).Warn("queue length unavailable")
				continue
			}
			log.WithField("backlog", n).Debug("audit queue backlog")
		}
	}
}
