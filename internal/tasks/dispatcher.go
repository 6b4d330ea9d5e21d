package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/big14way/Bastion-sub002/internal/attestation"
	"github.com/big14way/Bastion-sub002/internal/events"
	"github.com/big14way/Bastion-sub002/internal/storage"
)

// DispatcherOptions tune the worker pool.
type DispatcherOptions struct {
	QueueSize      int
	Workers        int
	HandlerTimeout time.Duration
	RescanOnStart  bool
}

// Dispatcher consumes task events, runs the matching handler, persists and
// signs the response, and publishes it for the submission relay. Task events
// arrive at-least-once; the storage layer's constraints make reprocessing a
// no-op and arbitrate concurrent attempts across operator instances.
type Dispatcher struct {
	opts      DispatcherOptions
	taskStore storage.TaskStore
	respStore storage.TaskResponseStore
	handlers  *Handlers
	signer    *attestation.Signer
	bus       events.Publisher
	logger    zerolog.Logger
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(opts DispatcherOptions, taskStore storage.TaskStore, respStore storage.TaskResponseStore, handlers *Handlers, signer *attestation.Signer, bus events.Publisher, logger zerolog.Logger) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.HandlerTimeout <= 0 {
		opts.HandlerTimeout = 30 * time.Second
	}
	return &Dispatcher{
		opts:      opts,
		taskStore: taskStore,
		respStore: respStore,
		handlers:  handlers,
		signer:    signer,
		bus:       bus,
		logger:    logger.With().Str("component", "task_dispatcher").Logger(),
	}
}

// Run consumes task events until ctx is cancelled. Subscription starts
// before the pending-task rescan so a task arriving mid-rescan is not lost;
// if it lands in both, the second pass is a no-op.
func (d *Dispatcher) Run(ctx context.Context, sub events.Subscriber) error {
	inbound, err := sub.SubscribeTasks(ctx)
	if err != nil {
		return fmt.Errorf("subscribe tasks: %w", err)
	}

	queue := make(chan events.TaskEvent, d.opts.QueueSize)

	var workers sync.WaitGroup
	for i := 0; i < d.opts.Workers; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for event := range queue {
				d.Process(ctx, event)
			}
		}()
	}

	d.logger.Info().
		Int("workers", d.opts.Workers).
		Str("operator", d.signer.Fingerprint()).
		Msg("task dispatcher started")

	if d.opts.RescanOnStart {
		if err := d.rescanPending(ctx, queue); err != nil {
			d.logger.Error().Err(err).Msg("pending task rescan failed")
		}
	}

	for {
		select {
		case <-ctx.Done():
			close(queue)
			workers.Wait()
			return ctx.Err()
		case event, ok := <-inbound:
			if !ok {
				close(queue)
				workers.Wait()
				return nil
			}
			select {
			case queue <- event:
			case <-ctx.Done():
				close(queue)
				workers.Wait()
				return ctx.Err()
			}
		}
	}
}

// rescanPending re-enqueues tasks left non-terminal by a previous run.
func (d *Dispatcher) rescanPending(ctx context.Context, queue chan<- events.TaskEvent) error {
	pending, err := d.taskStore.ListTasksByStatus(ctx, storage.TaskStatusPending)
	if err != nil {
		return err
	}
	for _, task := range pending {
		event := events.TaskEvent{
			TaskIndex:   task.TaskIndex,
			TaskType:    uint8(task.TaskType),
			TaskData:    task.TaskData,
			BlockNumber: task.BlockNumber,
		}
		select {
		case queue <- event:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if len(pending) > 0 {
		d.logger.Info().Int("count", len(pending)).Msg("re-enqueued pending tasks")
	}
	return nil
}

// Process drives one task event to a terminal outcome. Safe to call for the
// same task index any number of times.
func (d *Dispatcher) Process(ctx context.Context, event events.TaskEvent) {
	logger := d.logger.With().Uint64("task_index", event.TaskIndex).Logger()

	task := storage.TaskRecord{
		TaskIndex:   event.TaskIndex,
		TaskType:    storage.TaskType(event.TaskType),
		TaskData:    event.TaskData,
		BlockNumber: event.BlockNumber,
		Status:      storage.TaskStatusPending,
	}

	if err := d.taskStore.UpsertTask(ctx, task); err != nil {
		logger.Error().Err(err).Msg("failed to record task; leaving for redelivery")
		return
	}

	existing, err := d.taskStore.GetTask(ctx, event.TaskIndex)
	if err != nil {
		logger.Error().Err(err).Msg("failed to read task")
		return
	}
	if existing.Status != storage.TaskStatusPending {
		logger.Debug().Str("status", existing.Status).Msg("task already terminal; nothing to do")
		return
	}

	// Not this operator's task type: leave it pending, do not fail it.
	if !task.TaskType.Known() {
		logger.Info().Uint8("task_type", event.TaskType).Msg("unknown task type; ignoring")
		return
	}

	handlerCtx, cancel := context.WithTimeout(ctx, d.opts.HandlerTimeout)
	defer cancel()

	payload, err := d.handlers.Handle(handlerCtx, task)
	if err != nil {
		logger.Warn().Err(err).Str("task_type", task.TaskType.String()).Msg("handler failed")
		d.markFailed(ctx, logger, event.TaskIndex)
		return
	}

	signature, err := d.signer.Sign(event.TaskIndex, payload)
	if err != nil {
		logger.Error().Err(err).Msg("signing failed")
		d.markFailed(ctx, logger, event.TaskIndex)
		return
	}

	operator := d.signer.Operator().Hex()
	inserted, err := d.respStore.InsertTaskResponse(ctx, storage.TaskResponseRecord{
		TaskIndex: event.TaskIndex,
		Operator:  operator,
		Payload:   payload,
		Signature: signature,
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to persist response; leaving for redelivery")
		return
	}
	if !inserted {
		existing, err := d.respStore.GetTaskResponse(ctx, event.TaskIndex, operator)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				// The conflicting row belongs to a different writer; its
				// outcome stands.
				logger.Debug().Msg("response persisted by another writer")
				return
			}
			logger.Error().Err(err).Msg("failed to read persisted response; leaving for redelivery")
			return
		}
		// Our own earlier attempt persisted the response but died before
		// finishing. Resume from the stored row so the task still reaches
		// responded and the relay still hears about it.
		logger.Info().Msg("resuming previously persisted response")
		payload = existing.Payload
		signature = existing.Signature
	}

	if _, err := d.taskStore.SetTaskStatus(ctx, event.TaskIndex, storage.TaskStatusResponded); err != nil {
		logger.Error().Err(err).Msg("failed to mark task responded")
	}

	if err := d.bus.PublishResponse(ctx, events.ResponseEvent{
		TaskIndex: event.TaskIndex,
		Operator:  operator,
		Payload:   payload,
		Signature: signature,
	}); err != nil {
		logger.Error().Err(err).Msg("failed to publish response")
		return
	}

	logger.Info().Str("task_type", task.TaskType.String()).Msg("task responded")
}

func (d *Dispatcher) markFailed(ctx context.Context, logger zerolog.Logger, taskIndex uint64) {
	updated, err := d.taskStore.SetTaskStatus(ctx, taskIndex, storage.TaskStatusFailed)
	if err != nil {
		logger.Error().Err(err).Msg("failed to mark task failed")
		return
	}
	if !updated {
		logger.Debug().Msg("task already terminal")
	}
}
