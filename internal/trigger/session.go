package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"triggerd/internal/eventbus"
)

// SessionEvent bridges the event bus into the trigger pipeline, so a job can
// react to events published by other jobs.
//
// Options:
//   - event_names: names to subscribe to (default ["*"])
//   - origin_filter: an origin id or list of ids; empty means any origin
//   - capacity: subscription buffer (default 100)
type SessionEvent struct {
	bus      *eventbus.Bus
	names    []string
	origins  []string
	capacity int

	stop stopper
}

var _ Source = (*SessionEvent)(nil)

func NewSessionEvent(bus *eventbus.Bus) *SessionEvent {
	return &SessionEvent{
		bus:      bus,
		names:    []string{eventbus.Wildcard},
		capacity: eventbus.DefaultCapacity,
		stop:     newStopper(),
	}
}

type sessionEventOptions struct {
	EventNames   []string    `json:"event_names"`
	OriginFilter stringOrSet `json:"origin_filter"`
	Capacity     int         `json:"capacity"`
}

// stringOrSet accepts either "id" or ["id1", "id2"].
type stringOrSet []string

func (s *stringOrSet) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		if one != "" {
			*s = []string{one}
		}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return fmt.Errorf("want string or list of strings: %w", err)
	}
	*s = many
	return nil
}

func (t *SessionEvent) Configure(opts Options) error {
	var o sessionEventOptions
	if err := decodeOptions(string(KindSessionEvent), opts, &o); err != nil {
		return err
	}
	if len(o.EventNames) > 0 {
		t.names = o.EventNames
	}
	t.origins = o.OriginFilter
	if o.Capacity > 0 {
		t.capacity = o.Capacity
	}
	return nil
}

func (t *SessionEvent) Watch(ctx context.Context, out chan<- Event) error {
	if t.bus == nil {
		return errors.New("session event trigger: no event bus")
	}
	if t.stop.stopped() {
		return nil
	}
	sub := t.bus.Subscribe(t.names, t.origins, t.capacity)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.stop.ch:
			return nil
		case e, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if t.stop.stopped() {
				return nil
			}
			err := send(ctx, t.stop.ch, out, Event{
				Kind:      KindSessionEvent,
				Source:    "session-event-trigger",
				Time:      e.Time,
				Data:      e.Payload,
				OriginID:  e.Origin,
				EventName: e.Name,
			})
			if errors.Is(err, errStopped) {
				return nil
			}
			if err != nil {
				return err
			}
		}
	}
}

func (t *SessionEvent) Stop() error {
	t.stop.stop()
	return nil
}
