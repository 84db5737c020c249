package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"sync/atomic"
	"time"

	"hakoflow/client"
	"hakoflow/internal/model"
	v1 "hakoflow/pkg/api/v1"
	"hakoflow/pkg/constraints"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

// Configuration
var (
	redisAddr  = flag.String("redis", "localhost:6379", "Redis address")
	mysqlDSN   = flag.String("dsn", "root:root@tcp(localhost:3306)/hakoflow?parseTime=true", "MySQL DSN")
	streamName = flag.String("stream", "catalog-events", "Base stream name")
	partitions = flag.Int("partitions", 8, "Partition count")
	total      = flag.Int("n", 10000, "Total events to generate")
	aggregates = flag.Int("aggregates", 500, "Distinct product aggregates")
	rate       = flag.Int("rate", 1000, "Target events per second")
)

// Metrics
var (
	published int64
	failed    int64
)

func main() {
	flag.Parse()

	fmt.Printf("🚀 Seeding outbox + stream\n")
	fmt.Printf("   Redis: %s\n", *redisAddr)
	fmt.Printf("   Events: %d over %d aggregates, %d partitions\n", *total, *aggregates, *partitions)

	rdb := redis.NewClient(&redis.Options{Addr: *redisAddr})
	db, err := gorm.Open(mysql.Open(*mysqlDSN), &gorm.Config{})
	if err != nil {
		panic(err)
	}
	if err := db.AutoMigrate(&model.OutboxMessage{}); err != nil {
		panic(err)
	}

	pub := client.NewPublisher(rdb, *streamName, *partitions)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Metric Reporter
	go func() {
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pubs := atomic.SwapInt64(&published, 0)
				errs := atomic.LoadInt64(&failed)
				fmt.Printf("[%s] Published/s: %d | Failures: %d\n",
					time.Now().Format("15:04:05"), pubs, errs)
			}
		}
	}()

	productIDs := make([]string, *aggregates)
	for i := range productIDs {
		productIDs[i] = uuid.NewString()
	}

	interval := time.Second / time.Duration(*rate)
	for i := 0; i < *total; i++ {
		productID := productIDs[i%len(productIDs)]
		event := makeEvent(productID, i/len(productIDs)+1)

		msg := &model.OutboxMessage{
			ID:          event.ID,
			AggregateID: event.AggregateID,
			EventType:   event.EventType,
			Payload:     event.ToJSON(),
			Status:      model.StatusPending,
		}
		if err := db.WithContext(ctx).Create(msg).Error; err != nil {
			atomic.AddInt64(&failed, 1)
			continue
		}
		if _, err := pub.Publish(ctx, msg.ID, event); err != nil {
			atomic.AddInt64(&failed, 1)
			continue
		}
		atomic.AddInt64(&published, 1)
		time.Sleep(interval)
	}

	fmt.Printf("✅ Done: %d events, %d failures\n", *total, atomic.LoadInt64(&failed))
}

func makeEvent(productID string, version int) *v1.IntegrationEvent {
	eventType := constraints.EventProductUpdated
	if version == 1 {
		eventType = constraints.EventProductCreated
	}

	data, _ := json.Marshal(v1.ProductData{
		ProductID:   productID,
		Name:        fmt.Sprintf("product-%s", productID[:8]),
		Description: "generated catalog item",
		PriceCents:  int64(1000 + version*50),
		Currency:    "USD",
		Version:     version,
	})

	return &v1.IntegrationEvent{
		ID:          uuid.NewString(),
		AggregateID: productID,
		EventType:   eventType,
		OccurredAt:  time.Now().UTC(),
		Data:        data,
	}
}
