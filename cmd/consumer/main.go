package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hakoflow/internal/api"
	"hakoflow/internal/config"
	"hakoflow/internal/consumer"
	"hakoflow/internal/coordinator"
	"hakoflow/internal/metrics"
	"hakoflow/internal/model"
	"hakoflow/internal/projection"
	"hakoflow/internal/repository"
	"hakoflow/pkg/logger"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

func main() {
	cfg := config.Load()

	logger.InitLogger(cfg.Server.Environment)
	defer logger.Sync()

	if err := run(cfg); err != nil {
		logger.Error("consumer startup failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rdb, err := initRedis(cfg.Redis)
	if err != nil {
		return err
	}
	defer rdb.Close()

	etcdCli, err := initEtcd(cfg.Etcd)
	if err != nil {
		return err
	}
	defer etcdCli.Close()

	db, err := initDB(cfg.MySQL)
	if err != nil {
		return err
	}

	consumerID := cfg.Consumer.ConsumerID
	if consumerID == "" {
		consumerID = uuid.NewString()
	}

	outboxRepo := repository.NewOutboxRepository(db)
	dlqRepo := repository.NewDeadLetterRepository(db)
	viewRepo := repository.NewProductViewRepository(db)

	observer := metrics.NewPrometheusObserver()
	handler := projection.NewProductHandler(viewRepo)

	coord := coordinator.New(rdb, coordinator.Config{
		GroupName:        cfg.Consumer.GroupName,
		StreamName:       cfg.Consumer.StreamName,
		PartitionCount:   cfg.Consumer.PartitionCount,
		ConsumerID:       consumerID,
		HeartbeatTimeout: cfg.Consumer.HeartbeatTimeout,
	})

	cons := consumer.NewStreamConsumer(rdb, coord, outboxRepo, handler, observer, consumer.Config{
		GroupName:              cfg.Consumer.GroupName,
		ConsumerID:             consumerID,
		MaxAttempts:            cfg.Consumer.MaxAttempts,
		HeartbeatInterval:      cfg.Consumer.HeartbeatInterval,
		RebalanceCheckInterval: cfg.Consumer.RebalanceCheckInterval,
		ShutdownTimeout:        cfg.Consumer.ShutdownTimeout,
	})

	if err := cons.Start(ctx); err != nil {
		return err
	}

	if cfg.Sweeper.Enabled {
		sweeper := consumer.NewSweeper(etcdCli, rdb, coord, cons, consumer.SweeperConfig{
			GroupName:      cfg.Consumer.GroupName,
			ConsumerID:     consumerID,
			PartitionCount: cfg.Consumer.PartitionCount,
			Interval:       cfg.Sweeper.Interval,
			MinIdle:        cfg.Sweeper.MinIdle,
		})
		go func() {
			logger.Info("starting sweeper")
			sweeper.Run(ctx)
		}()
	}

	r := api.RegisterRoutes(api.NewOpsHandler(db, rdb, cons, dlqRepo))
	srv := &http.Server{
		Addr:    cfg.Server.Port,
		Handler: r,
	}

	go func() {
		logger.Info("ops server starting",
			zap.String("addr", cfg.Server.Port),
			zap.String("env", cfg.Server.Environment))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ops server listen failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Consumer.ShutdownTimeout+10*time.Second)
	defer shutdownCancel()

	// stop the sweeper before draining the consumer
	cancel()

	if err := cons.Shutdown(shutdownCtx); err != nil {
		logger.Warn("consumer shutdown", zap.Error(err))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ops server forced to shutdown: %w", err)
	}

	logger.Info("consumer exited properly")
	return nil
}

// -- Infrastructure Initializers --

func initRedis(cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rdb, nil
}

func initEtcd(cfg config.EtcdConfig) (*clientv3.Client, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	return client, nil
}

func initDB(cfg config.MySQLConfig) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(cfg.DSN), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mysql: %w", err)
	}

	// Simple auto-migrate for dev convenience
	err = db.AutoMigrate(
		&model.OutboxMessage{},
		&model.DeadLetterMessage{},
		&model.ProductView{},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}
