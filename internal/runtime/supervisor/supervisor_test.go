package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestGoCleanStopAndSnapshot(t *testing.T) {
	t.Parallel()

	s := New(context.Background())
	s.Go("wait", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	s.Go0("quick", func(context.Context) {})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	snap := s.Snapshot()
	if snap.Active != 0 || snap.Started != 2 || len(snap.Loops) != 2 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.Loops[0].Name != "quick" || snap.Loops[1].Name != "wait" {
		t.Fatalf("loops not sorted: %+v", snap.Loops)
	}
}

func TestCancelOnError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	s := New(context.Background(), WithCancelOnError(true))
	s.Go("other", func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})
	s.Go("failing", func(context.Context) error { return boom })

	select {
	case <-s.Context().Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("error did not cancel the supervisor")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); !errors.Is(err, boom) {
		t.Fatalf("Wait = %v, want boom", err)
	}
}

func TestPanicIsRecorded(t *testing.T) {
	t.Parallel()

	s := New(context.Background())
	s.Go("panics", func(context.Context) error { panic("kaboom") })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err == nil {
		t.Fatalf("panic not reported")
	}
	snap := s.Snapshot()
	if len(snap.Loops) != 1 || snap.Loops[0].Panics != 1 || snap.Loops[0].LastErr == "" {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestGoRestartBacksOffAndGivesUp(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	s := New(context.Background())
	s.GoRestart("flaky", func(context.Context) error {
		calls.Add(1)
		return errors.New("flaky")
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond), WithMaxRestarts(3))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err == nil {
		t.Fatalf("give-up error not reported")
	}
	if n := calls.Load(); n != 4 {
		t.Fatalf("calls = %d, want 4 (first run + 3 restarts)", n)
	}
	if st := s.Snapshot().Loops[0]; st.Restarts != 3 {
		t.Fatalf("restarts = %d", st.Restarts)
	}
}

func TestGoRestartStopsOnSuccess(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	s := New(context.Background())
	s.GoRestart("once-flaky", func(context.Context) error {
		if calls.Add(1) == 1 {
			return errors.New("first")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait = %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}
}
