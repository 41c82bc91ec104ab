package trigger

import (
	"context"
	"errors"
	"maps"
	"time"
)

const (
	manualQueueSize    = 64
	manualPollInterval = time.Second
)

// Manual is a source fired programmatically via Fire.
type Manual struct {
	queue chan Event
	stop  stopper
}

var _ Source = (*Manual)(nil)

func NewManual() *Manual {
	return &Manual{queue: make(chan Event, manualQueueSize), stop: newStopper()}
}

// Configure is a no-op; the manual trigger takes no options.
func (m *Manual) Configure(opts Options) error {
	return decodeOptions(string(KindManual), opts, &struct{}{})
}

// Fire enqueues a manual event. It never blocks and reports false when the
// queue is full or the trigger was stopped.
func (m *Manual) Fire(payload map[string]any) bool {
	if m.stop.stopped() {
		return false
	}
	data := maps.Clone(payload)
	if data == nil {
		data = map[string]any{}
	}
	select {
	case m.queue <- Event{Kind: KindManual, Source: "manual-trigger", Time: time.Now().UTC(), Data: data}:
		return true
	default:
		return false
	}
}

func (m *Manual) Watch(ctx context.Context, out chan<- Event) error {
	poll := time.NewTicker(manualPollInterval)
	defer poll.Stop()
	for {
		if m.stop.stopped() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.stop.ch:
			return nil
		case <-poll.C:
			// re-check the stop flag
		case ev := <-m.queue:
			if err := send(ctx, m.stop.ch, out, ev); err != nil {
				if errors.Is(err, errStopped) {
					return nil
				}
				return err
			}
		}
	}
}

func (m *Manual) Stop() error {
	m.stop.stop()
	return nil
}
