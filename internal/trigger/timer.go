package trigger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

const defaultTimerInterval = 60 * time.Second

// stopper is the stop flag shared by the built-in sources.
type stopper struct {
	once sync.Once
	ch   chan struct{}
}

func newStopper() stopper { return stopper{ch: make(chan struct{})} }

func (s *stopper) stop() { s.once.Do(func() { close(s.ch) }) }

func (s *stopper) stopped() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

// Timer fires at a fixed interval.
//
// Options:
//   - interval_seconds: seconds between fires (default 60, fractional allowed)
//   - immediate: fire once with zero delay on start (default false)
type Timer struct {
	Interval  time.Duration
	Immediate bool

	stop stopper
}

var _ Source = (*Timer)(nil)

func NewTimer() *Timer {
	return &Timer{Interval: defaultTimerInterval, stop: newStopper()}
}

type timerOptions struct {
	IntervalSeconds *float64 `json:"interval_seconds"`
	Immediate       bool     `json:"immediate"`
}

func (t *Timer) Configure(opts Options) error {
	var o timerOptions
	if err := decodeOptions(string(KindTimer), opts, &o); err != nil {
		return err
	}
	if o.IntervalSeconds != nil {
		if *o.IntervalSeconds <= 0 {
			return &ConfigError{Type: string(KindTimer), Key: "interval_seconds", Err: fmt.Errorf("must be > 0, got %v", *o.IntervalSeconds)}
		}
		t.Interval = time.Duration(*o.IntervalSeconds * float64(time.Second))
	}
	t.Immediate = o.Immediate
	return nil
}

func (t *Timer) Watch(ctx context.Context, out chan<- Event) error {
	fireCount := 0
	fire := func() error {
		fireCount++
		return send(ctx, t.stop.ch, out, Event{
			Kind:   KindTimer,
			Source: "timer-trigger",
			Time:   time.Now().UTC(),
			Data: map[string]any{
				"interval_seconds": t.Interval.Seconds(),
				"fire_count":       fireCount,
			},
		})
	}
	err := func() error {
		if t.Immediate && !t.stop.stopped() {
			if err := fire(); err != nil {
				return err
			}
		}

		timer := time.NewTimer(t.Interval)
		defer timer.Stop()
		for {
			if t.stop.stopped() {
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.stop.ch:
				return nil
			case <-timer.C:
			}
			if t.stop.stopped() {
				return nil
			}
			if err := fire(); err != nil {
				return err
			}
			timer.Reset(t.Interval)
		}
	}()
	if errors.Is(err, errStopped) {
		return nil
	}
	return err
}

func (t *Timer) Stop() error {
	t.stop.stop()
	return nil
}
