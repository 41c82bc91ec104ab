package trigger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Cron fires on a cron expression or a fixed interval and emits timer events.
//
// Options:
//   - schedule: see ParseSchedule (required)
//   - timezone: IANA name used to evaluate cron expressions (default local)
type Cron struct {
	spec     string
	schedule cron.Schedule
	loc      *time.Location

	stop stopper
}

var _ Source = (*Cron)(nil)

func NewCron() *Cron {
	return &Cron{loc: time.Local, stop: newStopper()}
}

type cronOptions struct {
	Schedule string `json:"schedule"`
	Timezone string `json:"timezone"`
}

func (c *Cron) Configure(opts Options) error {
	const typ = "cron"
	var o cronOptions
	if err := decodeOptions(typ, opts, &o); err != nil {
		return err
	}
	ps, err := ParseSchedule(o.Schedule)
	if err != nil {
		return &ConfigError{Type: typ, Key: "schedule", Err: err}
	}
	switch ps.Kind {
	case ScheduleInterval:
		c.schedule = cron.Every(ps.Every)
	default:
		s, err := cronParser.Parse(ps.Cron)
		if err != nil {
			return &ConfigError{Type: typ, Key: "schedule", Err: err}
		}
		c.schedule = s
	}
	c.spec = strings.TrimSpace(o.Schedule)

	if tz := strings.TrimSpace(o.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return &ConfigError{Type: typ, Key: "timezone", Err: err}
		}
		c.loc = loc
	}
	return nil
}

// Next returns the next activation strictly after now.
func (c *Cron) Next(now time.Time) time.Time {
	if c.schedule == nil {
		return time.Time{}
	}
	return c.schedule.Next(now.In(c.loc))
}

func (c *Cron) Watch(ctx context.Context, out chan<- Event) error {
	if c.schedule == nil {
		return fmt.Errorf("cron trigger: not configured")
	}
	fireCount := 0
	for {
		if c.stop.stopped() {
			return nil
		}
		next := c.Next(time.Now())
		if next.IsZero() {
			// Schedule can never fire again (cron returns zero time).
			return nil
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-c.stop.ch:
			timer.Stop()
			return nil
		case <-timer.C:
		}
		if c.stop.stopped() {
			return nil
		}

		fireCount++
		err := send(ctx, c.stop.ch, out, Event{
			Kind:   KindTimer,
			Source: "cron-trigger",
			Time:   time.Now().UTC(),
			Data: map[string]any{
				"schedule":   c.spec,
				"fire_count": fireCount,
			},
		})
		if errors.Is(err, errStopped) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (c *Cron) Stop() error {
	c.stop.stop()
	return nil
}
