// Package spawn defines how a background job launches one unit of work.
//
// The supervisor only needs Service to be safe for concurrent use up to a
// job's pool size; what a target is and how it runs belongs to the
// implementation.
package spawn

import (
	"context"
	"fmt"
	"strings"
	"time"

	"triggerd/internal/storage"
)

// ContextDepth controls how much prior context a spawned unit inherits.
type ContextDepth string

const (
	ContextNone   ContextDepth = "none"
	ContextRecent ContextDepth = "recent"
	ContextAll    ContextDepth = "all"
)

// ContextScope selects which prior messages count as context.
type ContextScope string

const (
	ScopeConversation ContextScope = "conversation" // user and assistant only
	ScopeAgents       ContextScope = "agents"       // plus delegate tool results
	ScopeFull         ContextScope = "full"
)

const DefaultContextTurns = 5

// Options tune a single spawn.
type Options struct {
	InheritProviders bool
	InheritTools     bool
	InheritHooks     bool

	ContextDepth ContextDepth
	ContextScope ContextScope
	ContextTurns int

	// Name gives the unit an explicit identity. With a Store, a named unit
	// resumes the transcript saved under that name.
	Name  string
	Store storage.SessionStore

	Timeout    time.Duration
	Background bool
}

// Validate checks enum fields; empty values mean the defaults.
func (o Options) Validate() error {
	switch o.ContextDepth {
	case "", ContextNone, ContextRecent, ContextAll:
	default:
		return fmt.Errorf("spawn: invalid context depth %q (none|recent|all)", o.ContextDepth)
	}
	switch o.ContextScope {
	case "", ScopeConversation, ScopeAgents, ScopeFull:
	default:
		return fmt.Errorf("spawn: invalid context scope %q (conversation|agents|full)", o.ContextScope)
	}
	if o.ContextTurns < 0 {
		return fmt.Errorf("spawn: context turns must be >= 0")
	}
	if o.Timeout < 0 {
		return fmt.Errorf("spawn: timeout must be >= 0")
	}
	return nil
}

func (o Options) withDefaults() Options {
	if o.ContextDepth == "" {
		o.ContextDepth = ContextNone
	}
	if o.ContextScope == "" {
		o.ContextScope = ScopeConversation
	}
	if o.ContextTurns == 0 {
		o.ContextTurns = DefaultContextTurns
	}
	o.Name = strings.TrimSpace(o.Name)
	return o
}

// Request is one unit of work.
type Request struct {
	Target      string
	Instruction string
	Options     Options
}

// Result of a successful spawn.
type Result struct {
	Output    string
	UnitID    string
	WorkCount int
}

// Service launches units of work.
type Service interface {
	Spawn(ctx context.Context, req Request) (Result, error)
}

// Func adapts a function to Service.
type Func func(ctx context.Context, req Request) (Result, error)

func (f Func) Spawn(ctx context.Context, req Request) (Result, error) { return f(ctx, req) }

// ContextMessages selects the messages a new unit inherits from a prior
// transcript. A turn starts at each user message; ContextRecent keeps the
// last turns turns.
func ContextMessages(msgs []storage.Message, depth ContextDepth, scope ContextScope, turns int) []storage.Message {
	if depth == "" || depth == ContextNone || len(msgs) == 0 {
		return nil
	}

	var out []storage.Message
	for _, m := range msgs {
		switch scope {
		case ScopeFull:
		case ScopeAgents:
			if m.Role != "user" && m.Role != "assistant" && (m.Role != "tool" || !strings.Contains(m.Name, "delegate")) {
				continue
			}
		default:
			if m.Role != "user" && m.Role != "assistant" {
				continue
			}
		}
		out = append(out, m)
	}

	if depth == ContextRecent {
		if turns <= 0 {
			turns = DefaultContextTurns
		}
		seen := 0
		for i := len(out) - 1; i >= 0; i-- {
			if out[i].Role != "user" {
				continue
			}
			seen++
			if seen == turns {
				out = out[i:]
				break
			}
		}
	}
	return out
}
