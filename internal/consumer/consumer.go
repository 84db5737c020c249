package consumer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"hakoflow/internal/coordinator"
	"hakoflow/internal/metrics"
	"hakoflow/internal/repository"
	"hakoflow/pkg/logger"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	batchSize         = 32
	blockTimeout      = 1000 * time.Millisecond
	readRetryBackoff  = time.Second
	drainPollInterval = 100 * time.Millisecond
)

// StreamClient is the slice of redis stream commands the pipeline uses.
// *redis.Client satisfies it.
type StreamClient interface {
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XAutoClaim(ctx context.Context, a *redis.XAutoClaimArgs) *redis.XAutoClaimCmd
}

// Coordinator is the partition-ownership contract the consumer drives.
type Coordinator interface {
	RegisterConsumer(ctx context.Context) (*coordinator.Assignment, error)
	SendHeartbeat(ctx context.Context) error
	CheckForRebalance(ctx context.Context) (*coordinator.Assignment, error)
	StreamNames(partitions []int) []string
	RemoveConsumer(ctx context.Context) error
}

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	default:
		return "unknown"
	}
}

type Config struct {
	GroupName              string
	ConsumerID             string
	MaxAttempts            int
	HeartbeatInterval      time.Duration
	RebalanceCheckInterval time.Duration
	ShutdownTimeout        time.Duration
}

// StreamConsumer owns the read-resolve-dispatch-ack loop for its assigned
// partitions. At-least-once: an entry is acknowledged only after it has been
// resolved to a terminal outcome; everything else stays in the pending list.
type StreamConsumer struct {
	rdb      StreamClient
	coord    Coordinator
	proc     *processor
	cfg      Config
	observer metrics.ConsumerObserver

	state    atomic.Int32
	inFlight atomic.Int64

	mu         sync.RWMutex
	streams    []string
	generation int64

	stopCh chan struct{}
	doneCh chan struct{}
	bg     sync.WaitGroup
}

func NewStreamConsumer(rdb StreamClient, coord Coordinator, outboxRepo repository.OutboxInterface, handler Handler, observer metrics.ConsumerObserver, cfg Config) *StreamConsumer {
	if observer == nil {
		observer = metrics.NoopObserver{}
	}
	return &StreamConsumer{
		rdb:      rdb,
		coord:    coord,
		proc:     newProcessor(outboxRepo, handler, cfg.MaxAttempts, observer),
		cfg:      cfg,
		observer: observer,
	}
}

func (c *StreamConsumer) State() State {
	return State(c.state.Load())
}

// Start registers with the coordinator, creates consumer groups for the
// initial assignment, launches the heartbeat and rebalance tickers and the
// read loop. Called once per process lifetime.
func (c *StreamConsumer) Start(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		return fmt.Errorf("consumer is %s, not stopped", c.State())
	}

	assignment, err := c.coord.RegisterConsumer(ctx)
	if err != nil {
		c.state.Store(int32(StateStopped))
		return fmt.Errorf("start consumer: %w", err)
	}

	streams := c.coord.StreamNames(assignment.Partitions)
	if err := c.ensureGroups(ctx, streams); err != nil {
		c.state.Store(int32(StateStopped))
		if rmErr := c.coord.RemoveConsumer(ctx); rmErr != nil {
			logger.Warn("deregister after failed start", zap.Error(rmErr))
		}
		return fmt.Errorf("start consumer: %w", err)
	}

	c.mu.Lock()
	c.streams = streams
	c.generation = assignment.Generation
	c.mu.Unlock()
	c.observer.SetAssignedPartitions(len(assignment.Partitions))

	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})

	c.bg.Add(2)
	go c.heartbeatLoop(ctx)
	go c.rebalanceLoop(ctx)

	c.state.Store(int32(StateRunning))
	go c.readLoop(ctx)

	logger.Info("stream consumer started",
		zap.String("consumer_id", c.cfg.ConsumerID),
		zap.String("group", c.cfg.GroupName),
		zap.Strings("streams", streams),
		zap.Int64("generation", assignment.Generation))
	return nil
}

// Shutdown stops the background tickers, deregisters from the coordinator and
// waits for in-flight work to drain, up to the configured timeout. Messages
// still in flight past the timeout are simply redelivered later.
func (c *StreamConsumer) Shutdown(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateRunning), int32(StateDraining)) {
		return fmt.Errorf("consumer is %s, not running", c.State())
	}

	close(c.stopCh)
	c.bg.Wait()

	if err := c.coord.RemoveConsumer(ctx); err != nil {
		logger.Warn("deregister failed during shutdown", zap.Error(err))
	}

	deadline := time.Now().Add(c.cfg.ShutdownTimeout)
	loopDone := false
	for {
		if !loopDone {
			select {
			case <-c.doneCh:
				loopDone = true
			default:
			}
		}
		if loopDone && c.inFlight.Load() == 0 {
			break
		}
		if time.Now().After(deadline) {
			logger.Warn("shutdown timeout reached with work in flight",
				zap.Int64("in_flight", c.inFlight.Load()))
			break
		}
		time.Sleep(drainPollInterval)
	}

	c.state.Store(int32(StateStopped))
	logger.Info("stream consumer stopped", zap.String("consumer_id", c.cfg.ConsumerID))
	return nil
}

func (c *StreamConsumer) currentStreams() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.streams
}

func (c *StreamConsumer) readLoop(ctx context.Context) {
	defer close(c.doneCh)

	for c.State() == StateRunning {
		streams := c.currentStreams()
		if len(streams) == 0 {
			// scale-down can strip all partitions; idle and re-check
			select {
			case <-c.stopCh:
				return
			case <-time.After(blockTimeout):
			}
			continue
		}

		args := make([]string, 0, len(streams)*2)
		args = append(args, streams...)
		for range streams {
			args = append(args, ">")
		}

		res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.cfg.GroupName,
			Consumer: c.cfg.ConsumerID,
			Streams:  args,
			Count:    batchSize,
			Block:    blockTimeout,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if isConnClosed(err) {
				logger.Error("broker connection closed, read loop exiting", zap.Error(err))
				return
			}
			if c.State() != StateRunning {
				return
			}
			logger.Error("stream read failed", zap.Error(err))
			select {
			case <-c.stopCh:
				return
			case <-time.After(readRetryBackoff):
			}
			continue
		}

		for _, stream := range res {
			for _, msg := range stream.Messages {
				c.handleMessage(ctx, stream.Stream, msg)
			}
		}
	}
}

func (c *StreamConsumer) handleMessage(ctx context.Context, stream string, msg redis.XMessage) {
	c.observer.SetInFlight(c.inFlight.Add(1))
	defer func() {
		c.observer.SetInFlight(c.inFlight.Add(-1))
	}()

	if !c.proc.process(ctx, stream, msg) {
		return
	}
	if err := c.rdb.XAck(ctx, stream, c.cfg.GroupName, msg.ID).Err(); err != nil {
		logger.Warn("ack failed, entry stays pending",
			zap.String("stream", stream),
			zap.String("message_id", msg.ID),
			zap.Error(err))
	}
}

func (c *StreamConsumer) heartbeatLoop(ctx context.Context) {
	defer c.bg.Done()
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			if err := c.coord.SendHeartbeat(ctx); err != nil {
				logger.Error("heartbeat failed", zap.Error(err))
			}
		}
	}
}

func (c *StreamConsumer) rebalanceLoop(ctx context.Context) {
	defer c.bg.Done()
	ticker := time.NewTicker(c.cfg.RebalanceCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			assignment, err := c.coord.CheckForRebalance(ctx)
			if err != nil {
				logger.Error("rebalance check failed", zap.Error(err))
				continue
			}
			if assignment == nil {
				continue
			}
			c.adoptAssignment(ctx, assignment)
		}
	}
}

// adoptAssignment creates groups for newly added streams before swapping the
// active list. Removed partitions are simply excluded from subsequent reads;
// their pending entries are reclaimed by the new owner or the sweeper.
func (c *StreamConsumer) adoptAssignment(ctx context.Context, assignment *coordinator.Assignment) {
	streams := c.coord.StreamNames(assignment.Partitions)
	if err := c.ensureGroups(ctx, streams); err != nil {
		logger.Error("group creation failed, keeping previous assignment", zap.Error(err))
		return
	}

	c.mu.Lock()
	if assignment.Generation < c.generation {
		c.mu.Unlock()
		logger.Warn("discarding stale assignment",
			zap.Int64("generation", assignment.Generation),
			zap.Int64("current", c.generation))
		return
	}
	c.streams = streams
	c.generation = assignment.Generation
	c.mu.Unlock()

	c.observer.SetAssignedPartitions(len(assignment.Partitions))
	c.observer.RecordRebalance()
	logger.Info("assignment adopted",
		zap.Ints("partitions", assignment.Partitions),
		zap.Int64("generation", assignment.Generation))
}

func (c *StreamConsumer) ensureGroups(ctx context.Context, streams []string) error {
	for _, stream := range streams {
		err := c.rdb.XGroupCreateMkStream(ctx, stream, c.cfg.GroupName, "0").Err()
		if err != nil && !isBusyGroup(err) {
			return fmt.Errorf("create group on %s: %w", stream, err)
		}
	}
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}

func isConnClosed(err error) bool {
	return errors.Is(err, redis.ErrClosed) ||
		errors.Is(err, net.ErrClosed) ||
		strings.Contains(err.Error(), "use of closed network connection")
}
