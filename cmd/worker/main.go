package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/john-savepoint/T3-Close-ne-sub001/internal/ai"
	"github.com/john-savepoint/T3-Close-ne-sub001/internal/archive"
	"github.com/john-savepoint/T3-Close-ne-sub001/internal/config"
	"github.com/john-savepoint/T3-Close-ne-sub001/internal/db"
	"github.com/john-savepoint/T3-Close-ne-sub001/internal/store/rabbitmq"
	"github.com/john-savepoint/T3-Close-ne-sub001/internal/store/redisstore"
	"github.com/john-savepoint/T3-Close-ne-sub001/internal/stream"
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

func main() {
	cfg := config.Load()

	store := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	pctx, pcancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := store.Ping(pctx); err != nil {
		log.Fatalf("redis ping: %v", err)
	}
	pcancel()

	gdb := db.Connect(cfg.DBDSN)
	repo := archive.NewRepo(gdb)

	// Provider registry (route by configured provider + session model)
	reg := ai.NewRegistry()
	reg.Register("ollama", func(ctx context.Context, model string) (ai.Provider, error) {
		_ = ctx
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OllamaModel
		}
		return ai.NewOllamaProvider(cfg.OllamaBaseURL, m), nil
	})
	reg.Register("openrouter", func(ctx context.Context, model string) (ai.Provider, error) {
		_ = ctx
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OpenRouterModel
		}
		return ai.NewOpenRouterProvider(
			cfg.OpenRouterBaseURL,
			cfg.OpenRouterAPIKey,
			m,
			cfg.OpenRouterSiteURL,
			cfg.OpenRouterAppName,
		), nil
	})

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatalf("rabbit dial: %v", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		log.Fatalf("rabbit channel: %v", err)
	}
	defer ch.Close()

	if err := rabbitmq.DeclareTopology(ch, cfg.RabbitQueue); err != nil {
		log.Fatalf("queue declare: %v", err)
	}

	concurrency := workerConcurrency()
	if err := ch.Qos(concurrency, 0, false); err != nil {
		log.Fatalf("qos: %v", err)
	}

	msgs, err := ch.Consume(cfg.RabbitQueue, "", false, false, false, false, nil)
	if err != nil {
		log.Fatalf("consume: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("worker started queue=%s concurrency=%d provider=%s", cfg.RabbitQueue, concurrency, cfg.AIProvider)

	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				var m rabbitmq.JobMessage
				if err := json.Unmarshal(d.Body, &m); err != nil || m.SessionID == "" {
					log.Printf("worker=%d bad message: %v", workerID, err)
					_ = d.Nack(false, false)
					continue
				}

				start := time.Now()
				if err := handleJob(ctx, cfg, store, reg, repo, m.SessionID); err != nil {
					log.Printf("worker=%d session=%s failed cost=%s err=%v", workerID, m.SessionID, time.Since(start), err)
					// The producer already left a terminal error record, so
					// this delivery is spent; dead-letter it rather than
					// producing a duplicate session replay.
					_ = d.Nack(false, false)
					continue
				}

				if err := d.Ack(false); err != nil {
					log.Printf("worker=%d ack failed session=%s err=%v", workerID, m.SessionID, err)
				}
			}
		}(i)
	}

	// dispatcher
	for {
		select {
		case <-ctx.Done():
			log.Printf("worker shutting down")
			close(jobs)
			wg.Wait()
			return

		case d, ok := <-msgs:
			if !ok {
				log.Printf("delivery channel closed")
				time.Sleep(1 * time.Second)
				return
			}
			jobs <- d
		}
	}
}

// handleJob runs the generation producer for one session. The session's
// prompt and model come from its metadata record in the chunk store.
func handleJob(ctx context.Context, cfg config.Config, store stream.ChunkStore, reg *ai.Registry, repo *archive.Repo, sessionID string) error {
	sess := stream.NewSession(store, sessionID, cfg.StreamTTL)

	meta, err := sess.GetMetadata(ctx)
	if err != nil {
		return err
	}

	provider, err := reg.Get(ctx, cfg.AIProvider, meta.Model)
	if err != nil {
		// Misconfiguration, not an upstream failure, but the session still
		// needs its terminal record.
		_ = sess.MarkError(ctx, err.Error())
		return err
	}

	return stream.NewProducer(sess, provider, repo).Run(ctx)
}
