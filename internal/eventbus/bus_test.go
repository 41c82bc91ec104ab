package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func drain(sub *Subscription) []Event {
	var out []Event
	for {
		select {
		case e := <-sub.Events():
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestSubscriberOnlySeesLaterEvents(t *testing.T) {
	b := New()
	b.Publish("work:done", map[string]any{"n": 1})

	sub := b.Subscribe([]string{"work:done"}, nil, 10)
	defer sub.Close()
	b.Publish("work:done", map[string]any{"n": 2})

	got := drain(sub)
	require.Len(t, got, 1)
	require.Equal(t, 2, got[0].Payload["n"])
}

func TestBroadcastToEverySubscriber(t *testing.T) {
	b := New()
	subs := make([]*Subscription, 3)
	for i := range subs {
		subs[i] = b.Subscribe([]string{"tick"}, nil, 10)
		defer subs[i].Close()
	}

	for i := 0; i < 4; i++ {
		require.Equal(t, 3, b.Publish("tick", map[string]any{"i": i}))
	}
	for _, sub := range subs {
		got := drain(sub)
		require.Len(t, got, 4)
		for i, e := range got {
			require.Equal(t, i, e.Payload["i"])
		}
	}
}

func TestWildcardReceivesEverything(t *testing.T) {
	b := New()
	all := b.Subscribe([]string{Wildcard}, nil, 10)
	defer all.Close()
	only := b.Subscribe([]string{"a"}, nil, 10)
	defer only.Close()

	b.Publish("a", nil)
	b.Publish("b", nil)
	b.PublishFrom("job-1", "c", nil)

	require.Len(t, drain(all), 3)
	require.Len(t, drain(only), 1)
}

func TestExactAndWildcardDeliverOnce(t *testing.T) {
	b := New()
	sub := b.Subscribe([]string{"a", Wildcard}, nil, 10)
	defer sub.Close()

	require.Equal(t, 1, b.Publish("a", nil))
	require.Len(t, drain(sub), 1)
}

func TestDropOnFull(t *testing.T) {
	b := New()
	sub := b.Subscribe([]string{"burst"}, nil, 1)
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			b.Publish("burst", map[string]any{"i": i})
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}

	got := drain(sub)
	require.Len(t, got, 1)
	require.Equal(t, 0, got[0].Payload["i"])
	require.Equal(t, uint64(4), sub.Dropped())
	require.Equal(t, uint64(4), b.Stats().Dropped)
}

func TestOriginFilter(t *testing.T) {
	b := New()
	sub := b.Subscribe([]string{Wildcard}, []string{"job-a"}, 10)
	defer sub.Close()

	b.PublishFrom("job-b", "x", nil)
	b.PublishFrom("job-a", "x", nil)
	b.Publish("x", nil)

	got := drain(sub)
	require.Len(t, got, 1)
	require.Equal(t, "job-a", got[0].Origin)
}

func TestPayloadIsCopiedPerSubscriber(t *testing.T) {
	b := New()
	s1 := b.Subscribe([]string{"x"}, nil, 1)
	defer s1.Close()
	s2 := b.Subscribe([]string{"x"}, nil, 1)
	defer s2.Close()

	b.Publish("x", map[string]any{"k": "v"})
	e1 := <-s1.Events()
	e1.Payload["k"] = "mutated"
	e2 := <-s2.Events()
	require.Equal(t, "v", e2.Payload["k"])
}

func TestCloseRemovesExactlyOnce(t *testing.T) {
	b := New()
	sub := b.Subscribe([]string{"x"}, nil, 1)
	keep := b.Subscribe([]string{"x"}, nil, 1)
	defer keep.Close()
	require.Equal(t, 2, b.SubscriberCount())

	sub.Close()
	sub.Close()
	require.Equal(t, 1, b.SubscriberCount())

	_, err := sub.Next(context.Background())
	require.ErrorIs(t, err, ErrClosed)
	require.Equal(t, 1, b.Publish("x", nil))
}

func TestConcurrentPublishAndClose(t *testing.T) {
	b := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				sub := b.Subscribe([]string{Wildcard}, nil, 2)
				b.Publish("x", nil)
				sub.Close()
			}
		}()
	}
	for i := 0; i < 200; i++ {
		b.Publish("y", nil)
	}
	wg.Wait()
	require.Zero(t, b.SubscriberCount())
}

func TestWaitFor(t *testing.T) {
	b := New()

	t.Run("timeout", func(t *testing.T) {
		start := time.Now()
		_, ok := b.WaitFor(context.Background(), []string{"never"}, nil, 50*time.Millisecond)
		require.False(t, ok)
		require.Less(t, time.Since(start), time.Second)
		require.Zero(t, b.SubscriberCount())
	})

	t.Run("match", func(t *testing.T) {
		got := make(chan Event, 1)
		go func() {
			e, _ := b.WaitFor(context.Background(), []string{"ready"}, []string{"job-1"}, time.Second)
			got <- e
		}()
		require.Eventually(t, func() bool { return b.SubscriberCount() == 1 }, time.Second, 5*time.Millisecond)
		b.PublishFrom("job-2", "ready", nil)
		b.PublishFrom("job-1", "ready", map[string]any{"ok": true})

		e := <-got
		require.Equal(t, "job-1", e.Origin)
		require.Equal(t, true, e.Payload["ok"])
	})
}

func TestEmitterFillsOrigin(t *testing.T) {
	b := New()
	sub := b.Subscribe([]string{"work:started"}, nil, 1)
	defer sub.Close()

	em := b.Emitter("session-123")
	require.Equal(t, "session-123", em.Origin())
	em.Publish("work:started", map[string]any{"task": "x"})

	e := <-sub.Events()
	require.Equal(t, "session-123", e.Origin)
	require.False(t, e.Time.IsZero())
}

func TestNoNamesNeverMatches(t *testing.T) {
	b := New()
	sub := b.Subscribe(nil, nil, 1)
	defer sub.Close()
	require.Zero(t, b.Publish("x", nil))
}
