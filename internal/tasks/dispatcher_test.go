package tasks

import (
	"context"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"

	"github.com/big14way/Bastion-sub002/internal/attestation"
	"github.com/big14way/Bastion-sub002/internal/events"
	"github.com/big14way/Bastion-sub002/internal/storage"
)

type fakeTaskStore struct {
	mu    sync.Mutex
	tasks map[uint64]storage.TaskRecord
}

func newFakeTaskStore() *fakeTaskStore {
	return &fakeTaskStore{tasks: make(map[uint64]storage.TaskRecord)}
}

func (s *fakeTaskStore) UpsertTask(ctx context.Context, task storage.TaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.TaskIndex]; ok {
		return nil
	}
	s.tasks[task.TaskIndex] = task
	return nil
}

func (s *fakeTaskStore) GetTask(ctx context.Context, taskIndex uint64) (storage.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskIndex]
	if !ok {
		return storage.TaskRecord{}, storage.ErrNotFound
	}
	return task, nil
}

func (s *fakeTaskStore) ListTasksByStatus(ctx context.Context, status string) ([]storage.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.TaskRecord
	for _, task := range s.tasks {
		if task.Status == status {
			out = append(out, task)
		}
	}
	return out, nil
}

func (s *fakeTaskStore) SetTaskStatus(ctx context.Context, taskIndex uint64, status string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskIndex]
	if !ok || task.Status != storage.TaskStatusPending {
		return false, nil
	}
	task.Status = status
	s.tasks[taskIndex] = task
	return true, nil
}

func (s *fakeTaskStore) status(taskIndex uint64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[taskIndex].Status
}

// respKey mirrors the (task_index, operator) primary key on task_responses.
type respKey struct {
	taskIndex uint64
	operator  string
}

type fakeResponseStore struct {
	mu        sync.Mutex
	responses map[respKey]storage.TaskResponseRecord
}

func newFakeResponseStore() *fakeResponseStore {
	return &fakeResponseStore{responses: make(map[respKey]storage.TaskResponseRecord)}
}

func (s *fakeResponseStore) InsertTaskResponse(ctx context.Context, resp storage.TaskResponseRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := respKey{taskIndex: resp.TaskIndex, operator: resp.Operator}
	if _, ok := s.responses[key]; ok {
		return false, nil
	}
	s.responses[key] = resp
	return true, nil
}

func (s *fakeResponseStore) GetTaskResponse(ctx context.Context, taskIndex uint64, operator string) (storage.TaskResponseRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	resp, ok := s.responses[respKey{taskIndex: taskIndex, operator: operator}]
	if !ok {
		return storage.TaskResponseRecord{}, storage.ErrNotFound
	}
	return resp, nil
}

type fakeResponsePublisher struct {
	mu        sync.Mutex
	responses []events.ResponseEvent
}

func (p *fakeResponsePublisher) PublishPriceUpdate(ctx context.Context, update events.PriceUpdate) error {
	return nil
}

func (p *fakeResponsePublisher) PublishDepegAlert(ctx context.Context, alert events.DepegAlert) error {
	return nil
}

func (p *fakeResponsePublisher) PublishTask(ctx context.Context, event events.TaskEvent) error {
	return nil
}

func (p *fakeResponsePublisher) PublishResponse(ctx context.Context, event events.ResponseEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responses = append(p.responses, event)
	return nil
}

func (p *fakeResponsePublisher) published() []events.ResponseEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.ResponseEvent(nil), p.responses...)
}

func newTestSigner(t *testing.T) *attestation.Signer {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return attestation.NewSigner(key)
}

func newTestDispatcher(t *testing.T, taskStore *fakeTaskStore, respStore *fakeResponseStore, pub *fakeResponsePublisher, prices *fakePriceStore) (*Dispatcher, *attestation.Signer) {
	t.Helper()
	signer := newTestSigner(t)
	handlers := newTestHandlers(prices, &fakeDepegStore{})
	d := NewDispatcher(DispatcherOptions{Workers: 1, QueueSize: 4}, taskStore, respStore, handlers, signer, pub, zerolog.Nop())
	return d, signer
}

func priceTaskEvent(taskIndex uint64) events.TaskEvent {
	return events.TaskEvent{
		TaskIndex:   taskIndex,
		TaskType:    uint8(storage.TaskTypePriceVerification),
		TaskData:    []byte(`{"asset":"USDC"}`),
		BlockNumber: 100,
	}
}

func TestProcessRespondsAndPublishes(t *testing.T) {
	taskStore := newFakeTaskStore()
	respStore := newFakeResponseStore()
	pub := &fakeResponsePublisher{}
	prices := &fakePriceStore{records: []storage.PriceRecord{record("USDC", 1, 1, "1.00")}}
	d, signer := newTestDispatcher(t, taskStore, respStore, pub, prices)

	d.Process(context.Background(), priceTaskEvent(7))

	if got := taskStore.status(7); got != storage.TaskStatusResponded {
		t.Fatalf("expected responded status, got %q", got)
	}

	operator := signer.Operator().Hex()
	resp, err := respStore.GetTaskResponse(context.Background(), 7, operator)
	if err != nil {
		t.Fatalf("expected persisted response: %v", err)
	}
	if !attestation.Verify(7, resp.Payload, resp.Signature, signer.Operator()) {
		t.Fatal("persisted signature must verify against the operator key")
	}

	published := pub.published()
	if len(published) != 1 {
		t.Fatalf("expected 1 published response, got %d", len(published))
	}
	if published[0].TaskIndex != 7 || published[0].Operator != operator {
		t.Fatalf("unexpected published response: %+v", published[0])
	}
}

func TestProcessRedeliveryIsNoOp(t *testing.T) {
	taskStore := newFakeTaskStore()
	respStore := newFakeResponseStore()
	pub := &fakeResponsePublisher{}
	prices := &fakePriceStore{records: []storage.PriceRecord{record("USDC", 1, 1, "1.00")}}
	d, _ := newTestDispatcher(t, taskStore, respStore, pub, prices)

	event := priceTaskEvent(7)
	d.Process(context.Background(), event)
	d.Process(context.Background(), event)
	d.Process(context.Background(), event)

	if got := len(pub.published()); got != 1 {
		t.Fatalf("redelivery must not republish, got %d publishes", got)
	}
	if got := taskStore.status(7); got != storage.TaskStatusResponded {
		t.Fatalf("expected responded status, got %q", got)
	}
}

func TestProcessHandlerFailureMarksFailed(t *testing.T) {
	taskStore := newFakeTaskStore()
	respStore := newFakeResponseStore()
	pub := &fakeResponsePublisher{}
	// No price data: the price verification handler fails.
	d, signer := newTestDispatcher(t, taskStore, respStore, pub, &fakePriceStore{})

	d.Process(context.Background(), priceTaskEvent(3))

	if got := taskStore.status(3); got != storage.TaskStatusFailed {
		t.Fatalf("expected failed status, got %q", got)
	}
	if _, err := respStore.GetTaskResponse(context.Background(), 3, signer.Operator().Hex()); err == nil {
		t.Fatal("failed task must not leave a response row")
	}
	if got := len(pub.published()); got != 0 {
		t.Fatalf("failed task must not publish, got %d", got)
	}
}

func TestProcessUnknownTypeStaysPending(t *testing.T) {
	taskStore := newFakeTaskStore()
	respStore := newFakeResponseStore()
	pub := &fakeResponsePublisher{}
	d, _ := newTestDispatcher(t, taskStore, respStore, pub, &fakePriceStore{})

	d.Process(context.Background(), events.TaskEvent{TaskIndex: 9, TaskType: 42, TaskData: nil})

	if got := taskStore.status(9); got != storage.TaskStatusPending {
		t.Fatalf("unknown task type must stay pending, got %q", got)
	}
	if got := len(pub.published()); got != 0 {
		t.Fatalf("unknown task type must not publish, got %d", got)
	}
}

func TestProcessResumesAfterPartialResponse(t *testing.T) {
	taskStore := newFakeTaskStore()
	respStore := newFakeResponseStore()
	pub := &fakeResponsePublisher{}
	prices := &fakePriceStore{records: []storage.PriceRecord{record("USDC", 1, 1, "1.00")}}
	d, signer := newTestDispatcher(t, taskStore, respStore, pub, prices)

	// A previous run persisted this operator's response and then died
	// before marking the task responded.
	operator := signer.Operator().Hex()
	storedPayload := []byte(`{"asset":"USDC","verified":true}`)
	storedSignature := []byte{9, 9, 9}
	if err := taskStore.UpsertTask(context.Background(), storage.TaskRecord{
		TaskIndex: 5,
		TaskType:  storage.TaskTypePriceVerification,
		TaskData:  []byte(`{"asset":"USDC"}`),
		Status:    storage.TaskStatusPending,
	}); err != nil {
		t.Fatalf("seed task: %v", err)
	}
	if _, err := respStore.InsertTaskResponse(context.Background(), storage.TaskResponseRecord{
		TaskIndex: 5,
		Operator:  operator,
		Payload:   storedPayload,
		Signature: storedSignature,
	}); err != nil {
		t.Fatalf("seed response: %v", err)
	}

	d.Process(context.Background(), priceTaskEvent(5))

	if got := taskStore.status(5); got != storage.TaskStatusResponded {
		t.Fatalf("redelivered task must reach responded, got %q", got)
	}

	published := pub.published()
	if len(published) != 1 {
		t.Fatalf("expected 1 published response, got %d", len(published))
	}
	if string(published[0].Payload) != string(storedPayload) {
		t.Fatalf("expected the stored payload to be republished, got %s", published[0].Payload)
	}
	if string(published[0].Signature) != string(storedSignature) {
		t.Fatal("expected the stored signature to be republished")
	}
}

func TestProcessOtherOperatorResponseDoesNotBlock(t *testing.T) {
	taskStore := newFakeTaskStore()
	respStore := newFakeResponseStore()
	pub := &fakeResponsePublisher{}
	prices := &fakePriceStore{records: []storage.PriceRecord{record("USDC", 1, 1, "1.00")}}
	d, signer := newTestDispatcher(t, taskStore, respStore, pub, prices)

	// Another operator's row shares the task index but not the composite key.
	if _, err := respStore.InsertTaskResponse(context.Background(), storage.TaskResponseRecord{
		TaskIndex: 5,
		Operator:  "0xother",
		Payload:   []byte(`{}`),
		Signature: []byte{1},
	}); err != nil {
		t.Fatalf("seed response: %v", err)
	}

	d.Process(context.Background(), priceTaskEvent(5))

	operator := signer.Operator().Hex()
	if _, err := respStore.GetTaskResponse(context.Background(), 5, operator); err != nil {
		t.Fatalf("this operator's response must still be persisted: %v", err)
	}
	if got := taskStore.status(5); got != storage.TaskStatusResponded {
		t.Fatalf("expected responded status, got %q", got)
	}
	published := pub.published()
	if len(published) != 1 || published[0].Operator != operator {
		t.Fatalf("expected this operator's publish, got %+v", published)
	}
}

func TestRunDrainsSubscriptionAndRescans(t *testing.T) {
	taskStore := newFakeTaskStore()
	respStore := newFakeResponseStore()
	pub := &fakeResponsePublisher{}
	prices := &fakePriceStore{records: []storage.PriceRecord{record("USDC", 1, 1, "1.00")}}
	d, _ := newTestDispatcher(t, taskStore, respStore, pub, prices)
	d.opts.RescanOnStart = true

	// A task left pending by a previous run.
	if err := taskStore.UpsertTask(context.Background(), storage.TaskRecord{
		TaskIndex: 1,
		TaskType:  storage.TaskTypePriceVerification,
		TaskData:  []byte(`{"asset":"USDC"}`),
		Status:    storage.TaskStatusPending,
	}); err != nil {
		t.Fatalf("seed task: %v", err)
	}

	inbound := make(chan events.TaskEvent, 1)
	inbound <- priceTaskEvent(2)
	close(inbound)

	sub := &staticSubscriber{tasks: inbound}
	if err := d.Run(context.Background(), sub); err != nil {
		t.Fatalf("run: %v", err)
	}

	for _, idx := range []uint64{1, 2} {
		if got := taskStore.status(idx); got != storage.TaskStatusResponded {
			t.Fatalf("task %d: expected responded status, got %q", idx, got)
		}
	}
}

type staticSubscriber struct {
	tasks chan events.TaskEvent
}

func (s *staticSubscriber) SubscribePriceUpdates(ctx context.Context) (<-chan events.PriceUpdate, error) {
	ch := make(chan events.PriceUpdate)
	close(ch)
	return ch, nil
}

func (s *staticSubscriber) SubscribeTasks(ctx context.Context) (<-chan events.TaskEvent, error) {
	return s.tasks, nil
}
