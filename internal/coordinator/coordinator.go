package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"hakoflow/pkg/logger"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RegistryClient is the slice of redis used as the shared liveness registry.
// *redis.Client satisfies it.
type RegistryClient interface {
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd
	Incr(ctx context.Context, key string) *redis.IntCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// Assignment is one generation's view of the partitions this consumer owns.
// Holders must discard assignments carrying an older generation than one they
// already adopted.
type Assignment struct {
	Partitions []int
	Generation int64
}

type Config struct {
	GroupName        string
	StreamName       string
	PartitionCount   int
	ConsumerID       string
	HeartbeatTimeout time.Duration
}

// Coordinator keeps every partition owned by exactly one live consumer.
// Liveness lives in a shared redis hash (consumerId -> last heartbeat millis);
// assignment is a pure function of the sorted live set, so members observing
// the same snapshot converge without a central lock.
type Coordinator struct {
	rdb RegistryClient
	cfg Config

	mu         sync.Mutex
	generation int64
	partitions []int
}

func New(rdb RegistryClient, cfg Config) *Coordinator {
	return &Coordinator{rdb: rdb, cfg: cfg}
}

func (c *Coordinator) membersKey() string {
	return fmt.Sprintf("hakoflow:%s:members", c.cfg.GroupName)
}

func (c *Coordinator) generationKey() string {
	return fmt.Sprintf("hakoflow:%s:generation", c.cfg.GroupName)
}

func (c *Coordinator) liveSetKey() string {
	return fmt.Sprintf("hakoflow:%s:liveset", c.cfg.GroupName)
}

// RegisterConsumer adds this consumer to the registry and computes its initial
// assignment. Joining changes the live set, so the generation is always bumped.
func (c *Coordinator) RegisterConsumer(ctx context.Context) (*Assignment, error) {
	now := time.Now().UnixMilli()
	if err := c.rdb.HSet(ctx, c.membersKey(), c.cfg.ConsumerID, now).Err(); err != nil {
		return nil, fmt.Errorf("register consumer: %w", err)
	}

	live, err := c.liveMembers(ctx, now)
	if err != nil {
		return nil, err
	}

	if err := c.rdb.Set(ctx, c.liveSetKey(), fingerprint(live), 0).Err(); err != nil {
		return nil, fmt.Errorf("store live set: %w", err)
	}
	gen, err := c.rdb.Incr(ctx, c.generationKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("bump generation: %w", err)
	}

	assignment := &Assignment{
		Partitions: assignPartitions(c.cfg.PartitionCount, live, c.cfg.ConsumerID),
		Generation: gen,
	}

	c.mu.Lock()
	c.generation = gen
	c.partitions = assignment.Partitions
	c.mu.Unlock()

	logger.Info("consumer registered",
		zap.String("consumer_id", c.cfg.ConsumerID),
		zap.Ints("partitions", assignment.Partitions),
		zap.Int64("generation", gen))
	return assignment, nil
}

// SendHeartbeat refreshes this consumer's liveness timestamp. Errors are
// surfaced, never swallowed: holding partitions without renewed liveness
// risks double ownership once peers declare us dead.
func (c *Coordinator) SendHeartbeat(ctx context.Context) error {
	now := time.Now().UnixMilli()
	if err := c.rdb.HSet(ctx, c.membersKey(), c.cfg.ConsumerID, now).Err(); err != nil {
		return fmt.Errorf("send heartbeat: %w", err)
	}
	return nil
}

// CheckForRebalance recomputes the assignment over the currently-live set and
// returns it only when this consumer's partitions or the generation changed;
// otherwise nil. Silent consumers past the heartbeat timeout are pruned here,
// which is what moves a dead member's partitions.
func (c *Coordinator) CheckForRebalance(ctx context.Context) (*Assignment, error) {
	now := time.Now().UnixMilli()
	// doubles as a liveness renewal so our own entry never ages out mid-check
	if err := c.rdb.HSet(ctx, c.membersKey(), c.cfg.ConsumerID, now).Err(); err != nil {
		return nil, fmt.Errorf("refresh membership: %w", err)
	}

	live, err := c.liveMembers(ctx, now)
	if err != nil {
		return nil, err
	}
	fp := fingerprint(live)

	stored, err := c.rdb.Get(ctx, c.liveSetKey()).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("read live set: %w", err)
	}
	if stored != fp {
		if err := c.rdb.Set(ctx, c.liveSetKey(), fp, 0).Err(); err != nil {
			return nil, fmt.Errorf("store live set: %w", err)
		}
		if err := c.rdb.Incr(ctx, c.generationKey()).Err(); err != nil {
			return nil, fmt.Errorf("bump generation: %w", err)
		}
	}

	gen, err := c.currentGeneration(ctx)
	if err != nil {
		return nil, err
	}
	parts := assignPartitions(c.cfg.PartitionCount, live, c.cfg.ConsumerID)

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen < c.generation {
		// stale read of the shared counter, never adopt
		return nil, nil
	}
	if gen == c.generation && equalPartitions(parts, c.partitions) {
		return nil, nil
	}
	c.generation = gen
	c.partitions = parts
	return &Assignment{Partitions: parts, Generation: gen}, nil
}

// StreamNames maps partitions to concrete stream keys. Pure, no side effects.
func (c *Coordinator) StreamNames(partitions []int) []string {
	names := make([]string, 0, len(partitions))
	for _, p := range partitions {
		names = append(names, fmt.Sprintf("%s:%d", c.cfg.StreamName, p))
	}
	return names
}

// RemoveConsumer deregisters immediately so peers reassign our partitions
// without waiting out the heartbeat timeout.
func (c *Coordinator) RemoveConsumer(ctx context.Context) error {
	if err := c.rdb.HDel(ctx, c.membersKey(), c.cfg.ConsumerID).Err(); err != nil {
		return fmt.Errorf("remove consumer: %w", err)
	}

	live, err := c.liveMembers(ctx, time.Now().UnixMilli())
	if err != nil {
		return err
	}
	if err := c.rdb.Set(ctx, c.liveSetKey(), fingerprint(live), 0).Err(); err != nil {
		return fmt.Errorf("store live set: %w", err)
	}
	if err := c.rdb.Incr(ctx, c.generationKey()).Err(); err != nil {
		return fmt.Errorf("bump generation: %w", err)
	}

	logger.Info("consumer removed", zap.String("consumer_id", c.cfg.ConsumerID))
	return nil
}

// CurrentAssignment returns the last adopted assignment.
func (c *Coordinator) CurrentAssignment() Assignment {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Assignment{Partitions: append([]int(nil), c.partitions...), Generation: c.generation}
}

// liveMembers returns the sorted ids with a heartbeat newer than the timeout
// and prunes the rest from the registry hash.
func (c *Coordinator) liveMembers(ctx context.Context, nowMillis int64) ([]string, error) {
	members, err := c.rdb.HGetAll(ctx, c.membersKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}

	cutoff := nowMillis - c.cfg.HeartbeatTimeout.Milliseconds()
	var live, dead []string
	for id, raw := range members {
		ts, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || ts < cutoff {
			dead = append(dead, id)
			continue
		}
		live = append(live, id)
	}

	if len(dead) > 0 {
		if err := c.rdb.HDel(ctx, c.membersKey(), dead...).Err(); err != nil {
			return nil, fmt.Errorf("prune dead members: %w", err)
		}
		logger.Warn("pruned dead consumers", zap.Strings("consumer_ids", dead))
	}

	sort.Strings(live)
	return live, nil
}

func (c *Coordinator) currentGeneration(ctx context.Context) (int64, error) {
	raw, err := c.rdb.Get(ctx, c.generationKey()).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read generation: %w", err)
	}
	gen, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse generation: %w", err)
	}
	return gen, nil
}

// assignPartitions maps partition i to the live member at position i mod n.
// Deterministic over the sorted live set: covering and non-overlapping by
// construction.
func assignPartitions(partitionCount int, sortedLive []string, consumerID string) []int {
	if len(sortedLive) == 0 {
		return nil
	}
	var owned []int
	for i := 0; i < partitionCount; i++ {
		if sortedLive[i%len(sortedLive)] == consumerID {
			owned = append(owned, i)
		}
	}
	return owned
}

func fingerprint(sortedLive []string) string {
	return strings.Join(sortedLive, ",")
}

func equalPartitions(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
