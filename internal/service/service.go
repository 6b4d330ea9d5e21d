package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/big14way/Bastion-sub002/internal/depeg"
	"github.com/big14way/Bastion-sub002/internal/events"
	"github.com/big14way/Bastion-sub002/internal/poller"
	"github.com/big14way/Bastion-sub002/internal/scheduler"
	"github.com/big14way/Bastion-sub002/internal/tasks"
)

// Service runs the operator's three long-lived loops: feed polling, depeg
// monitoring, and task dispatch. The loops talk to each other only through
// the event bus, so any of them can be restarted independently.
type Service struct {
	scheduler  *scheduler.Scheduler
	poller     *poller.Poller
	monitor    *depeg.Monitor
	dispatcher *tasks.Dispatcher
	subscriber events.Subscriber
	logger     zerolog.Logger
}

// New constructs the operator service.
func New(sched *scheduler.Scheduler, p *poller.Poller, monitor *depeg.Monitor, dispatcher *tasks.Dispatcher, subscriber events.Subscriber, logger zerolog.Logger) *Service {
	return &Service{
		scheduler:  sched,
		poller:     p,
		monitor:    monitor,
		dispatcher: dispatcher,
		subscriber: subscriber,
		logger:     logger.With().Str("component", "service").Logger(),
	}
}

// Run starts every loop and blocks until ctx is cancelled or one of them
// exits with an error. The first failure cancels the rest.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil || s.poller == nil {
		return fmt.Errorf("poller not configured")
	}

	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make(chan error, 3)
	var wg sync.WaitGroup

	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := fn(ctx)
			if err != nil && ctx.Err() == nil {
				errs <- fmt.Errorf("%s: %w", name, err)
			}
			cancel()
		}()
	}

	run("poller", func(ctx context.Context) error {
		return s.scheduler.Run(ctx, s.poller.PollOnce)
	})
	if s.monitor != nil {
		run("depeg monitor", func(ctx context.Context) error {
			return s.monitor.Run(ctx, s.subscriber)
		})
	}
	if s.dispatcher != nil {
		run("task dispatcher", func(ctx context.Context) error {
			return s.dispatcher.Run(ctx, s.subscriber)
		})
	}

	s.logger.Info().Msg("operator service started")

	wg.Wait()
	close(errs)

	if err := <-errs; err != nil {
		return err
	}
	return parent.Err()
}
