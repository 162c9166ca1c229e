package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersion(t *testing.T) {
	t.Parallel()
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "taskrunner dev (") {
		t.Fatalf("output = %q", out)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	body := `
runners:
  - name: ping
    task: {kind: exec, command: "echo hi"}
    triggers:
      - {schedule: "30s", command: Start}
      - {schedule: "@daily", command: Restart}
`
	if err := os.WriteFile(good, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	out, err := execute(t, "validate", "--config", good)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out, "ok (1 runners, 2 triggers)") {
		t.Fatalf("output = %q", out)
	}

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("runners:\n  - name: ping\n    task: {kind: exec}\n    extra: 1\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := execute(t, "validate", "--config", bad); err == nil {
		t.Fatalf("invalid config accepted")
	}
}

func TestFire(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		args    []string
		want    []string
		wantErr bool
	}{
		{
			name: "sequential",
			args: []string{"--cmd", "echo hi", "--count", "3"},
			want: []string{"hi\nhi\nhi\n", "'fire' has completed execution. - [3/3]"},
		},
		{
			name: "fan-out",
			args: []string{"--cmd", "echo x", "--count", "2", "--parallel", "2", "--cycles", "2", "--semaphore"},
			want: []string{"has completed execution. - [2/2]"},
		},
		{
			name:    "faults at threshold",
			args:    []string{"--cmd", "exit 1", "--count", "5", "--max-errors", "2"},
			want:    []string{"faulted!!!", "errors[All] = 2/2"},
			wantErr: true,
		},
		{
			name: "journal",
			args: []string{"--cmd", "true", "--log"},
			want: []string{"[state]"},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			out, err := execute(t, append([]string{"fire"}, tt.args...)...)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v\n%s", err, tt.wantErr, out)
			}
			for _, w := range tt.want {
				if !strings.Contains(out, w) {
					t.Fatalf("output missing %q:\n%s", w, out)
				}
			}
		})
	}

	if _, err := execute(t, "fire"); err == nil {
		t.Fatalf("fire without --cmd accepted")
	}
}
