package main

import (
	"context"
	"log"
	"time"

	"github.com/john-savepoint/T3-Close-ne-sub001/internal/config"
	"github.com/john-savepoint/T3-Close-ne-sub001/internal/httpapi"
	"github.com/john-savepoint/T3-Close-ne-sub001/internal/store/rabbitmq"
	"github.com/john-savepoint/T3-Close-ne-sub001/internal/store/redisstore"
)

func main() {
	cfg := config.Load()

	store := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := store.Ping(ctx); err != nil {
		log.Fatalf("redis ping: %v", err)
	}
	cancel()

	queue, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		log.Fatalf("rabbit connect: %v", err)
	}
	defer queue.Close()

	r := httpapi.NewRouter(cfg, store, queue)

	log.Printf("server listening addr=%s queue=%s", cfg.Addr, cfg.RabbitQueue)
	if err := r.Run(cfg.Addr); err != nil {
		log.Fatalf("server: %v", err)
	}
}
