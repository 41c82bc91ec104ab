package trigger

import (
	"context"
	"time"
)

// Kind is the category of a trigger event.
type Kind string

const (
	KindFileChange   Kind = "file_change"
	KindTimer        Kind = "timer"
	KindSessionEvent Kind = "session_event"
	KindWebhook      Kind = "webhook"
	KindIssueEvent   Kind = "issue_event"
	KindManual       Kind = "manual"
)

// Event is the unified "something happened" record a background job reacts to.
//
// FilePath/ChangeType are set for file_change events; OriginID/EventName for
// session_event events.
type Event struct {
	Kind   Kind
	Source string
	Time   time.Time
	Data   map[string]any

	FilePath   string
	ChangeType string

	OriginID  string
	EventName string
}

// Options is the raw per-trigger configuration blob (the "config" section of
// a trigger entry).
type Options map[string]any

// Source watches for one kind of signal.
//
// Lifecycle:
//  1. Configure is called once with the trigger's options.
//  2. Watch blocks, sending events to out in order, until ctx is canceled or
//     Stop is called. A clean exit returns nil or ctx.Err(); any other error
//     is a source failure.
//  3. Stop makes Watch return within at most one wait interval. It is safe to
//     call from another goroutine and more than once. A stopped source is not
//     restartable.
type Source interface {
	Configure(opts Options) error
	Watch(ctx context.Context, out chan<- Event) error
	Stop() error
}

// Config describes one trigger entry of a job.
type Config struct {
	Type   string  `json:"type"`
	Config Options `json:"config,omitempty"`
}

// Loader turns a trigger Config into a configured Source.
type Loader interface {
	Load(cfg Config) (Source, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(cfg Config) (Source, error)

func (f LoaderFunc) Load(cfg Config) (Source, error) { return f(cfg) }

// send delivers ev to out unless ctx ends or stop is closed first.
func send(ctx context.Context, stop <-chan struct{}, out chan<- Event, ev Event) error {
	select {
	case out <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-stop:
		return errStopped
	}
}
