package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jcodes2003/attendance/internal/config"
	"github.com/jcodes2003/attendance/internal/engine"
	"github.com/jcodes2003/attendance/internal/journal"
	"github.com/jcodes2003/attendance/internal/metrics"
	"github.com/jcodes2003/attendance/internal/notify"
	"github.com/jcodes2003/attendance/internal/queue"
	"github.com/jcodes2003/attendance/internal/store"
)

// Worker consumes outcome events, appends them to the Postgres journal, and
// forwards them to the configured webhook. It pairs with an API process
// running QUEUE_BACKEND=redis.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	var repo *journal.Repository
	if cfg.DatabaseURL != "" {
		db, err := store.NewDB(cfg.DatabaseURL)
		if err != nil {
			log.Printf("WARNING: db not reachable, journal writes will fail: %v", err)
		}
		defer db.Close()
		if db != nil && db.Client != nil {
			repo = journal.NewRepository(db.Client)
		}
	} else {
		log.Println("no DATABASE_URL configured, outcomes will only be forwarded")
	}

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()

	var q queue.Queue
	if cfg.QueueBackend == "redis" {
		q = queue.NewRedisQueue(redisClient.Client, cfg.QueueKey)
	} else {
		// An in-memory queue in a separate process never receives anything;
		// run anyway so a misconfigured deployment is visible in the logs.
		log.Println("WARNING: QUEUE_BACKEND is not redis, this worker will see no messages")
		q = queue.NewInMemory(64)
	}

	sink := notify.New(cfg.WebhookURL, cfg.WebhookSecret)
	if sink.Skip {
		log.Println("no WEBHOOK_URL configured, outcomes will only be journaled")
	}

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	log.Println("worker started, waiting for outcomes...")
	for msg := range messages {
		if msg.Type != queue.TypeOutcome {
			continue
		}

		var ev engine.Event
		if err := json.Unmarshal(msg.Body, &ev); err != nil {
			log.Printf("outcome decode failed: %v", err)
			continue
		}
		log.Printf("processing outcome %s (%s on station %s)", ev.ID, ev.Status, ev.StationID)

		if repo != nil {
			opCtx, opCancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := repo.InsertOutcome(opCtx, ev); err != nil {
				metrics.JournalWrites.WithLabelValues("error").Inc()
				log.Printf("journal insert failed for %s: %v", ev.ID, err)
			} else {
				metrics.JournalWrites.WithLabelValues("ok").Inc()
			}
			opCancel()
		}

		if !sink.Skip {
			opCtx, opCancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := sink.Push(opCtx, msg.Body); err != nil {
				metrics.NotifyPushes.WithLabelValues("error").Inc()
				log.Printf("outcome push failed for %s: %v", ev.ID, err)
			} else {
				metrics.NotifyPushes.WithLabelValues("ok").Inc()
			}
			opCancel()
		}
	}

	log.Println("worker stopped")
}
