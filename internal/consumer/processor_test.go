package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"hakoflow/internal/model"
	"hakoflow/internal/repository"
	v1 "hakoflow/pkg/api/v1"
	"hakoflow/pkg/constraints"
	"hakoflow/pkg/logger"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

func init() {
	logger.InitLogger("test")
}

// fakeOutboxRepo is an in-memory stand-in for the MySQL outbox + dead-letter
// tables. MoveToDeadLetter enforces the same exclusivity the real transaction
// gives: an id is never present in both maps.
type fakeOutboxRepo struct {
	mu      sync.Mutex
	rows    map[string]*model.OutboxMessage
	dead    map[string]*model.DeadLetterMessage
	getErr  error
	markErr error
	moveErr error
	lookups int
}

func newFakeOutboxRepo() *fakeOutboxRepo {
	return &fakeOutboxRepo{
		rows: make(map[string]*model.OutboxMessage),
		dead: make(map[string]*model.DeadLetterMessage),
	}
}

func (f *fakeOutboxRepo) Create(ctx context.Context, msg *model.OutboxMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[msg.ID] = msg
	return nil
}

func (f *fakeOutboxRepo) GetByID(ctx context.Context, id string) (*model.OutboxMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	if f.getErr != nil {
		return nil, f.getErr
	}
	row, ok := f.rows[id]
	if !ok {
		return nil, repository.ErrMessageNotFound
	}
	copied := *row
	return &copied, nil
}

func (f *fakeOutboxRepo) MarkProcessed(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markErr != nil {
		return f.markErr
	}
	if row, ok := f.rows[id]; ok {
		row.Status = model.StatusProcessed
		now := time.Now()
		row.ProcessedAt = &now
	}
	return nil
}

func (f *fakeOutboxRepo) MoveToDeadLetter(ctx context.Context, msg *model.OutboxMessage, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.moveErr != nil {
		return f.moveErr
	}
	if _, ok := f.rows[msg.ID]; !ok {
		return nil
	}
	if _, dup := f.dead[msg.ID]; dup {
		return fmt.Errorf("dead letter %s created twice", msg.ID)
	}
	delete(f.rows, msg.ID)
	f.dead[msg.ID] = &model.DeadLetterMessage{
		ID:        msg.ID,
		FailedAt:  time.Now(),
		Event:     msg.Payload,
		LastError: reason,
	}
	return nil
}

func (f *fakeOutboxRepo) WithTx(tx *gorm.DB) repository.OutboxInterface { return f }

// checkExclusive fails the test if any id lives in both stores.
func (f *fakeOutboxRepo) checkExclusive(t *testing.T) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for id := range f.dead {
		if _, both := f.rows[id]; both {
			t.Errorf("id %s present in both outbox and dead letter store", id)
		}
	}
}

type fakeHandler struct {
	mu    sync.Mutex
	calls []*v1.IntegrationEvent
	errs  []error
	fn    func(ctx context.Context, event *v1.IntegrationEvent) error
}

func (f *fakeHandler) HandleIntegrationEvent(ctx context.Context, event *v1.IntegrationEvent) error {
	f.mu.Lock()
	f.calls = append(f.calls, event)
	var err error
	if len(f.errs) > 0 {
		err = f.errs[0]
		f.errs = f.errs[1:]
	}
	fn := f.fn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, event)
	}
	return err
}

func (f *fakeHandler) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func testEvent(id, aggregateID string) *v1.IntegrationEvent {
	return &v1.IntegrationEvent{
		ID:          id,
		AggregateID: aggregateID,
		EventType:   constraints.EventProductUpdated,
		OccurredAt:  time.Now().UTC(),
		Data:        json.RawMessage(`{"product_id":"` + aggregateID + `","version":1}`),
	}
}

func streamEntry(msgID, outboxID string, event *v1.IntegrationEvent) redis.XMessage {
	return redis.XMessage{
		ID: msgID,
		Values: map[string]interface{}{
			constraints.FieldOutboxID: outboxID,
			constraints.FieldPayload:  event.ToJSON(),
		},
	}
}

func pendingRow(id string, attempts int) *model.OutboxMessage {
	event := testEvent("ev-"+id, "prod-1")
	return &model.OutboxMessage{
		ID:          id,
		AggregateID: event.AggregateID,
		EventType:   event.EventType,
		Payload:     event.ToJSON(),
		Status:      model.StatusPending,
		Attempts:    attempts,
	}
}

func TestProcessSuccess(t *testing.T) {
	// Scenario B: pending row, handler succeeds, row ends processed, acked
	repo := newFakeOutboxRepo()
	repo.rows["ob-2"] = pendingRow("ob-2", 0)
	handler := &fakeHandler{}
	p := newProcessor(repo, handler, 3, nil)

	ack := p.process(context.Background(), "catalog-events:0", streamEntry("1-1", "ob-2", testEvent("ev-1", "prod-1")))
	if !ack {
		t.Fatal("expected ack on success")
	}
	if handler.callCount() != 1 {
		t.Errorf("expected 1 handler call, got %d", handler.callCount())
	}
	if repo.rows["ob-2"].Status != model.StatusProcessed {
		t.Errorf("row should be processed, got %s", repo.rows["ob-2"].Status)
	}
	if len(repo.dead) != 0 {
		t.Error("no dead letter expected")
	}
}

func TestProcessDeadLetterThreshold(t *testing.T) {
	// Scenario A: attempts already at the cap, next delivery dead-letters
	// without invoking the handler
	repo := newFakeOutboxRepo()
	repo.rows["ob-1"] = pendingRow("ob-1", 2)
	handler := &fakeHandler{}
	p := newProcessor(repo, handler, 2, nil)

	ack := p.process(context.Background(), "catalog-events:0", streamEntry("1-1", "ob-1", testEvent("ev-1", "prod-1")))
	if !ack {
		t.Fatal("expected ack after dead-lettering")
	}
	if handler.callCount() != 0 {
		t.Errorf("handler must not run for exhausted message, got %d calls", handler.callCount())
	}
	if _, there := repo.rows["ob-1"]; there {
		t.Error("outbox row should be gone")
	}
	dl, there := repo.dead["ob-1"]
	if !there {
		t.Fatal("dead letter row missing")
	}
	if dl.LastError != "exceeded max attempts (2)" {
		t.Errorf("unexpected reason: %q", dl.LastError)
	}
	repo.checkExclusive(t)
}

func TestProcessMalformedEntry(t *testing.T) {
	repo := newFakeOutboxRepo()
	handler := &fakeHandler{}
	p := newProcessor(repo, handler, 3, nil)

	cases := []redis.XMessage{
		{ID: "1-1", Values: map[string]interface{}{constraints.FieldPayload: "{}"}},
		{ID: "1-2", Values: map[string]interface{}{constraints.FieldOutboxID: "ob-1"}},
		{ID: "1-3", Values: map[string]interface{}{constraints.FieldOutboxID: "ob-1", constraints.FieldPayload: "{not json"}},
	}
	for _, msg := range cases {
		if !p.process(context.Background(), "catalog-events:0", msg) {
			t.Errorf("malformed entry %s must be acked", msg.ID)
		}
	}
	if handler.callCount() != 0 {
		t.Errorf("handler must never run for malformed entries, got %d", handler.callCount())
	}
	if repo.lookups != 0 {
		t.Errorf("no store access expected for entries without both fields; parse failures stop before lookup too, got %d lookups", repo.lookups)
	}
}

func TestProcessStaleReferenceDropped(t *testing.T) {
	repo := newFakeOutboxRepo()
	handler := &fakeHandler{}
	p := newProcessor(repo, handler, 3, nil)

	ack := p.process(context.Background(), "catalog-events:0", streamEntry("1-1", "ob-gone", testEvent("ev-1", "prod-1")))
	if !ack {
		t.Error("missing outbox row is benign, expected ack")
	}
	if handler.callCount() != 0 {
		t.Error("handler must not run for missing row")
	}
}

func TestProcessDuplicateDelivery(t *testing.T) {
	repo := newFakeOutboxRepo()
	row := pendingRow("ob-3", 0)
	row.Status = model.StatusProcessed
	repo.rows["ob-3"] = row
	handler := &fakeHandler{}
	p := newProcessor(repo, handler, 3, nil)

	for i := 0; i < 2; i++ {
		if !p.process(context.Background(), "catalog-events:0", streamEntry("1-1", "ob-3", testEvent("ev-1", "prod-1"))) {
			t.Fatal("duplicate delivery of a processed row must ack")
		}
	}
	if handler.callCount() != 0 {
		t.Errorf("idempotence: zero handler calls expected, got %d", handler.callCount())
	}
}

func TestProcessAtLeastOnce(t *testing.T) {
	// handler fails twice, succeeds on the third delivery: no ack until the
	// success, then the row ends processed
	repo := newFakeOutboxRepo()
	repo.rows["ob-4"] = pendingRow("ob-4", 0)
	handler := &fakeHandler{errs: []error{errors.New("transient"), errors.New("transient")}}
	p := newProcessor(repo, handler, 5, nil)

	entry := streamEntry("1-1", "ob-4", testEvent("ev-1", "prod-1"))
	acks := 0
	for i := 0; i < 3; i++ {
		if p.process(context.Background(), "catalog-events:0", entry) {
			acks++
		}
	}
	if acks != 1 {
		t.Errorf("expected exactly one ack on the success delivery, got %d", acks)
	}
	if handler.callCount() != 3 {
		t.Errorf("expected 3 handler calls, got %d", handler.callCount())
	}
	if repo.rows["ob-4"].Status != model.StatusProcessed {
		t.Error("row should end processed")
	}
}

func TestProcessHandlerPanicContained(t *testing.T) {
	repo := newFakeOutboxRepo()
	repo.rows["ob-5"] = pendingRow("ob-5", 0)
	handler := &fakeHandler{fn: func(ctx context.Context, event *v1.IntegrationEvent) error {
		panic("projection exploded")
	}}
	p := newProcessor(repo, handler, 3, nil)

	ack := p.process(context.Background(), "catalog-events:0", streamEntry("1-1", "ob-5", testEvent("ev-1", "prod-1")))
	if ack {
		t.Error("panicking handler counts as failure, no ack")
	}
	if repo.rows["ob-5"].Status != model.StatusPending {
		t.Error("row must stay pending after handler panic")
	}
}

func TestProcessTransientStoreErrors(t *testing.T) {
	repo := newFakeOutboxRepo()
	repo.rows["ob-6"] = pendingRow("ob-6", 0)
	repo.getErr = errors.New("mysql gone")
	p := newProcessor(repo, &fakeHandler{}, 3, nil)
	entry := streamEntry("1-1", "ob-6", testEvent("ev-1", "prod-1"))

	if p.process(context.Background(), "catalog-events:0", entry) {
		t.Error("lookup failure is retryable, no ack")
	}

	repo.getErr = nil
	repo.markErr = errors.New("mysql gone")
	if p.process(context.Background(), "catalog-events:0", entry) {
		t.Error("mark-processed failure is retryable, no ack")
	}

	repo.markErr = nil
	repo.rows["ob-7"] = pendingRow("ob-7", 9)
	repo.moveErr = errors.New("mysql gone")
	if p.process(context.Background(), "catalog-events:0", streamEntry("1-2", "ob-7", testEvent("ev-2", "prod-1"))) {
		t.Error("dead-letter move failure is retryable, no ack")
	}
	repo.checkExclusive(t)
}
