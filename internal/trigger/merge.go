package trigger

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	logx "triggerd/pkg/logx"
)

// DefaultMergeQueueSize is the shared queue capacity used when <= 0 is given.
const DefaultMergeQueueSize = 256

// Merger fans N independently paced sources into one consumption point.
//
// Events are handed to the consumer in arrival order. Order is preserved per
// source; across sources only arrival time decides.
type Merger struct {
	sources []Source
	queue   chan Event
	log     logx.Logger
}

func NewMerger(sources []Source, capacity int, log logx.Logger) *Merger {
	if capacity <= 0 {
		capacity = DefaultMergeQueueSize
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Merger{
		sources: append([]Source(nil), sources...),
		queue:   make(chan Event, capacity),
		log:     log,
	}
}

// Run pumps every source into the shared queue and calls handle for each
// event until ctx is canceled, a source fails, or all sources end.
//
// Return values:
//   - ctx.Err() when ctx was canceled
//   - the first source failure (the other pumps are canceled)
//   - nil when every source ended cleanly; queued events are handled first
//
// On return every pump has exited and every source's Stop has been called.
// Stop errors are logged and otherwise ignored.
func (m *Merger) Run(ctx context.Context, handle func(Event)) error {
	pumpCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(pumpCtx)
	for i, src := range m.sources {
		g.Go(func() error {
			err := src.Watch(gctx, m.queue)
			if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return fmt.Errorf("trigger %d (%T): %w", i, src, err)
		})
	}
	pumpsDone := make(chan error, 1)
	go func() { pumpsDone <- g.Wait() }()

	var pumpErr error
	waited := false
	defer func() {
		cancel()
		for _, src := range m.sources {
			if err := src.Stop(); err != nil {
				m.log.Debug("trigger stop failed", logx.Err(err))
			}
		}
		if !waited {
			<-pumpsDone
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-m.queue:
			handle(ev)
		case pumpErr = <-pumpsDone:
			waited = true
			if pumpErr != nil {
				return pumpErr
			}
			// All sources ended; hand over whatever they queued.
			for {
				select {
				case ev := <-m.queue:
					handle(ev)
				default:
					return nil
				}
			}
		}
	}
}
