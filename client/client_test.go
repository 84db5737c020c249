package client

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	v1 "hakoflow/pkg/api/v1"
	"hakoflow/pkg/constraints"

	"github.com/redis/go-redis/v9"
)

type fakeBroker struct {
	adds []*redis.XAddArgs
	err  error
}

func (f *fakeBroker) XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd {
	cmd := redis.NewStringCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
		return cmd
	}
	f.adds = append(f.adds, a)
	cmd.SetVal("1-1")
	return cmd
}

func TestPartitionForProperties(t *testing.T) {
	const partitions = 8
	seen := make(map[int]bool)
	for _, id := range []string{"p1", "p2", "order-42", "long-aggregate-identifier", "x"} {
		first := PartitionFor(id, partitions)
		if first < 0 || first >= partitions {
			t.Fatalf("partition out of range for %s: %d", id, first)
		}
		if PartitionFor(id, partitions) != first {
			t.Errorf("partition for %s not deterministic", id)
		}
		seen[first] = true
	}
	if len(seen) < 2 {
		t.Error("suspiciously degenerate partition spread")
	}
}

func TestPublishEnvelope(t *testing.T) {
	broker := &fakeBroker{}
	pub := NewPublisher(broker, "catalog-events", 8)

	data, _ := json.Marshal(v1.ProductData{ProductID: "p1", Version: 1})
	event := &v1.IntegrationEvent{
		ID:          "ev-1",
		AggregateID: "p1",
		EventType:   constraints.EventProductCreated,
		OccurredAt:  time.Now().UTC(),
		Data:        data,
	}

	id, err := pub.Publish(context.Background(), "ob-1", event)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if id != "1-1" {
		t.Errorf("expected broker entry id, got %q", id)
	}
	if len(broker.adds) != 1 {
		t.Fatalf("expected one append, got %d", len(broker.adds))
	}

	args := broker.adds[0]
	wantStream := fmt.Sprintf("catalog-events:%d", PartitionFor("p1", 8))
	if args.Stream != wantStream {
		t.Errorf("stream %q, want %q", args.Stream, wantStream)
	}
	values := args.Values.(map[string]interface{})
	if values[constraints.FieldOutboxID] != "ob-1" {
		t.Errorf("outbox_id field: %v", values[constraints.FieldOutboxID])
	}
	var decoded v1.IntegrationEvent
	if err := json.Unmarshal([]byte(values[constraints.FieldPayload].(string)), &decoded); err != nil {
		t.Fatalf("payload not round-trippable: %v", err)
	}
	if decoded.ID != "ev-1" || decoded.AggregateID != "p1" {
		t.Errorf("payload lost fields: %+v", decoded)
	}
}

func TestPublishSameAggregateSamePartition(t *testing.T) {
	broker := &fakeBroker{}
	pub := NewPublisher(broker, "catalog-events", 8)

	for i := 0; i < 3; i++ {
		event := &v1.IntegrationEvent{ID: "ev", AggregateID: "stable-product", Data: json.RawMessage(`{}`)}
		if _, err := pub.Publish(context.Background(), "ob", event); err != nil {
			t.Fatal(err)
		}
	}
	for i := 1; i < len(broker.adds); i++ {
		if broker.adds[i].Stream != broker.adds[0].Stream {
			t.Error("one aggregate's events must land on one partition")
		}
	}
}
