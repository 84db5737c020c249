package consumer

import (
	"context"
	"errors"
	"strings"
	"time"

	"hakoflow/pkg/logger"

	"github.com/redis/go-redis/v9"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"
)

// Sweeper reclaims stream entries that have sat in any consumer's pending
// list longer than MinIdle and runs them back through message processing.
// This covers messages orphaned by crashed consumers whose partitions have
// since moved. Only one sweeper runs cluster-wide, guarded by an etcd lock.
type Sweeper struct {
	etcdClient *clientv3.Client
	rdb        StreamClient
	coord      Coordinator
	proc       *processor
	cfg        SweeperConfig
}

type SweeperConfig struct {
	GroupName      string
	ConsumerID     string
	PartitionCount int
	Interval       time.Duration
	MinIdle        time.Duration
}

func NewSweeper(etcdClient *clientv3.Client, rdb StreamClient, coord Coordinator, cons *StreamConsumer, cfg SweeperConfig) *Sweeper {
	return &Sweeper{
		etcdClient: etcdClient,
		rdb:        rdb,
		coord:      coord,
		proc:       cons.proc,
		cfg:        cfg,
	}
}

func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	// Session for the distributed lock, tied to a lease
	session, err := concurrency.NewSession(s.etcdClient, concurrency.WithTTL(10))
	if err != nil {
		logger.Error("failed to create etcd concurrency session", zap.Error(err))
		return
	}
	defer session.Close()

	mutex := concurrency.NewMutex(session, "/hakoflow/locks/sweeper")

	logger.Info("sweeper started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Duration("min_idle", s.cfg.MinIdle))

	for {
		select {
		case <-ctx.Done():
			logger.Info("sweeper stopped")
			return
		case <-ticker.C:
			lockCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := mutex.Lock(lockCtx)
			cancel()

			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) {
					// another instance holds the lock, skip this round
					logger.Debug("sweep skipped, lock held elsewhere")
				} else {
					logger.Error("failed to acquire sweeper lock", zap.Error(err))
				}
				continue
			}

			s.sweep(ctx)

			if err := mutex.Unlock(context.Background()); err != nil {
				logger.Warn("failed to release sweeper lock", zap.Error(err))
			}
		}
	}
}

// sweep scans every partition's pending list, claiming entries idle past the
// threshold to this identity and processing them. Entries that fail again stay
// claimed here and become eligible for the next sweep.
func (s *Sweeper) sweep(ctx context.Context) {
	partitions := make([]int, s.cfg.PartitionCount)
	for i := range partitions {
		partitions[i] = i
	}

	var claimed, acked int
	for _, stream := range s.coord.StreamNames(partitions) {
		start := "0-0"
		for {
			msgs, next, err := s.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
				Stream:   stream,
				Group:    s.cfg.GroupName,
				Consumer: s.cfg.ConsumerID,
				MinIdle:  s.cfg.MinIdle,
				Start:    start,
				Count:    batchSize,
			}).Result()
			if err != nil {
				if strings.Contains(err.Error(), "NOGROUP") {
					// partition not yet created or group absent, nothing to sweep
					break
				}
				logger.Error("autoclaim failed", zap.String("stream", stream), zap.Error(err))
				break
			}

			claimed += len(msgs)
			for _, msg := range msgs {
				if !s.proc.process(ctx, stream, msg) {
					continue
				}
				if err := s.rdb.XAck(ctx, stream, s.cfg.GroupName, msg.ID).Err(); err != nil {
					logger.Warn("sweeper ack failed",
						zap.String("stream", stream),
						zap.String("message_id", msg.ID),
						zap.Error(err))
					continue
				}
				acked++
			}

			if next == "0-0" || len(msgs) == 0 {
				break
			}
			start = next
		}
	}

	if claimed > 0 {
		logger.Info("sweep finished", zap.Int("claimed", claimed), zap.Int("acked", acked))
	}
}
