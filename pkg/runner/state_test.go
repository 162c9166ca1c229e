package runner

import "testing"

func TestStateNames(t *testing.T) {
	t.Parallel()

	for s := StateJustInited; s <= StateFaulted; s++ {
		got, ok := ParseState(s.String())
		if !ok || got != s {
			t.Fatalf("ParseState(%q) = %v, %v", s.String(), got, ok)
		}
	}
	if State(42).String() != "Unknown" {
		t.Fatalf("out of range state should be Unknown")
	}
	if _, ok := ParseState("nope"); ok {
		t.Fatalf("ParseState accepted an unknown name")
	}
}

func TestFormatStatus(t *testing.T) {
	t.Parallel()

	cases := []struct {
		state State
		want  string
	}{
		{StateJustInited, "'job' is idle. - [0/3]"},
		{StateNotStarted, "'job' not started yet. - [0/3]"},
		{StateRunning, "'job' is currently running. - [0/3]"},
		{StateStopped, "'job' is stopped. - [0/3]"},
		{StateStopping, "'job' is stopping. - [0/3]"},
		{StateCompleted, "'job' has completed execution. - [0/3]"},
		{StateCanceled, "'job' was cancelled. - [0/3]"},
		{StateFaulted, "'job' faulted!!! - [0/3]"},
		{StatePaused, "'job' is paused. - [0/3]"},
		{State(-1), "Unknown status. - [0/3]"},
	}
	for _, tc := range cases {
		if got := FormatStatus("job", tc.state, 0, 3); got != tc.want {
			t.Fatalf("FormatStatus(%v) = %q, want %q", tc.state, got, tc.want)
		}
	}
}

func TestParseCommand(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		want    Command
		wantErr bool
	}{
		{in: "start", want: CmdStart},
		{in: "STOP", want: CmdStop},
		{in: "fire-wait", want: CmdFireWait},
		{in: "FIRE_ENDLESS", want: CmdFireEndless},
		{in: "resume", want: CmdUnPause},
		{in: "unpause", want: CmdUnPause},
		{in: " toggle ", want: CmdToggle},
		{in: "explode", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParseCommand(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("ParseCommand(%q) expected error", tc.in)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("ParseCommand(%q) = %v, %v; want %v", tc.in, got, err, tc.want)
		}
	}
}

func TestFireOptions(t *testing.T) {
	t.Parallel()

	o := NewOptions().SetCounts(5, 4, 4)
	WithCount(2)(o)
	if o.Count != 2 || o.MaxParallel != 0 || o.Cycles != 1 {
		t.Fatalf("WithCount = %d/%d/%d, want 2/0/1", o.Count, o.MaxParallel, o.Cycles)
	}
	WithParallel(3, 2)(o)
	if o.Count != 3 || o.MaxParallel != 2 || o.Cycles != 2 {
		t.Fatalf("WithParallel = %d/%d/%d, want 3/2/2", o.Count, o.MaxParallel, o.Cycles)
	}
	WithCounts(1, 2, 6)(o)
	if o.Count != 1 || o.MaxParallel != 2 || o.Cycles != 6 {
		t.Fatalf("WithCounts = %d/%d/%d, want 1/2/6", o.Count, o.MaxParallel, o.Cycles)
	}
	WithOptions(NewOptions().SetCounts(1, 2, 6))(o)
	if o.MaxParallel != 6 {
		t.Fatalf("WithOptions should validate, mp = %d", o.MaxParallel)
	}
}
