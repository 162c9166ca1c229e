package eventbus

import (
	"testing"
	"time"
)

func TestSubscribePrefixFilter(t *testing.T) {
	t.Parallel()

	b := New()
	all, unsubAll := b.Subscribe(8)
	defer unsubAll()
	runners, unsubRunners := b.Subscribe(8, "runner.")
	defer unsubRunners()

	b.Publish(Event{Type: RunnerState, Data: "a"})
	b.Publish(Event{Type: TriggerFired})

	if got := drain(all); len(got) != 2 {
		t.Fatalf("all = %d events, want 2", len(got))
	}
	got := drain(runners)
	if len(got) != 1 || got[0].Type != RunnerState || got[0].Data != "a" {
		t.Fatalf("runner events = %+v", got)
	}
	if got[0].Time.IsZero() {
		t.Fatalf("publish did not stamp the event time")
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(Event{Type: ConfigApplied})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("publish blocked on a full subscriber")
	}
	if got := drain(ch); len(got) != 1 {
		t.Fatalf("buffered = %d, want 1", len(got))
	}
}

func TestUnsubscribeClosesOnce(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(0)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatalf("channel still open after unsubscribe")
	}
	// Publishing after unsubscribe must not panic.
	b.Publish(Event{Type: RunnerRegistered})
}

func drain(ch <-chan Event) []Event {
	var out []Event
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, e)
		default:
			return out
		}
	}
}
