package client

import (
	"context"
	"fmt"
	"hash/fnv"

	v1 "hakoflow/pkg/api/v1"
	"hakoflow/pkg/constraints"

	"github.com/redis/go-redis/v9"
)

// BrokerClient is the slice of redis the publisher needs. *redis.Client
// satisfies it.
type BrokerClient interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// Publisher appends integration events to the partitioned stream. The write
// path commits the outbox row first; publishing here is the relay step, and
// losing an append is recovered by republishing (the consumer dedupes on the
// outbox id).
type Publisher struct {
	rdb            BrokerClient
	streamName     string
	partitionCount int
}

func NewPublisher(rdb BrokerClient, streamName string, partitionCount int) *Publisher {
	return &Publisher{
		rdb:            rdb,
		streamName:     streamName,
		partitionCount: partitionCount,
	}
}

// Publish appends the event's envelope to its aggregate's partition and
// returns the broker-assigned entry id. Events of one aggregate always land
// on the same partition, preserving their relative order.
func (p *Publisher) Publish(ctx context.Context, outboxID string, event *v1.IntegrationEvent) (string, error) {
	stream := fmt.Sprintf("%s:%d", p.streamName, PartitionFor(event.AggregateID, p.partitionCount))
	id, err := p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			constraints.FieldOutboxID: outboxID,
			constraints.FieldPayload:  event.ToJSON(),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", stream, err)
	}
	return id, nil
}

// PartitionFor hashes an aggregate id onto a partition.
func PartitionFor(aggregateID string, partitionCount int) int {
	h := fnv.New32a()
	h.Write([]byte(aggregateID))
	return int(h.Sum32() % uint32(partitionCount))
}
