// Package tasks builds the callables runners can be configured with.
package tasks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"taskrunner/internal/config"
	"taskrunner/internal/tracing"
	"taskrunner/pkg/runner"
)

var ErrStatus = errors.New("unexpected http status")

const maxStderr = 512

// Exec returns a callable running command through "sh -c". A non-zero exit is
// a failure; the result is the trimmed stdout.
func Exec(command string, timeout time.Duration) func(ctx context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		ctx, cancel := withTimeout(ctx, timeout)
		defer cancel()

		var stdout, stderr bytes.Buffer
		cmd := exec.CommandContext(ctx, "sh", "-c", command)
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		// Children that outlive sh keep the pipes open; bound the wait for them.
		cmd.WaitDelay = 100 * time.Millisecond
		if err := cmd.Run(); err != nil {
			if ctx.Err() != nil {
				return "", fmt.Errorf("exec %q: %w", command, ctx.Err())
			}
			msg := strings.TrimSpace(stderr.String())
			if len(msg) > maxStderr {
				msg = msg[:maxStderr] + "..."
			}
			if msg != "" {
				return "", fmt.Errorf("exec %q: %w: %s", command, err, msg)
			}
			return "", fmt.Errorf("exec %q: %w", command, err)
		}
		return strings.TrimSpace(stdout.String()), nil
	}
}

// HTTP returns a callable issuing GET url. Statuses >= 400 are failures; the
// result is the status code. Trace context is propagated in the request headers.
func HTTP(client *http.Client, url string, timeout time.Duration) func(ctx context.Context) (int, error) {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context) (int, error) {
		ctx, cancel := withTimeout(ctx, timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
		if err != nil {
			return 0, err
		}
		tracing.InjectHTTPHeaders(ctx, req.Header)
		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return 0, fmt.Errorf("GET %s: %w", url, ctx.Err())
			}
			return 0, err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		if resp.StatusCode >= http.StatusBadRequest {
			return resp.StatusCode, fmt.Errorf("GET %s: %w %d", url, ErrStatus, resp.StatusCode)
		}
		return resp.StatusCode, nil
	}
}

// Sleep returns a callable that waits d or until ctx ends.
func Sleep(d time.Duration) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			return nil
		}
	}
}

// Build creates the runner described by tc. exec runners collect stdout, http
// runners collect status codes and sleep runners collect nothing.
func Build(name string, tc config.TaskConfig, client *http.Client, opts ...runner.RunnerOption) (runner.Controller, error) {
	timeout, err := config.ParseDuration("runners."+name+".task.timeout", tc.Timeout)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(strings.TrimSpace(tc.Kind)) {
	case config.TaskExec:
		return runner.NewResult(name, Exec(tc.Command, timeout), opts...), nil
	case config.TaskHTTP:
		return runner.NewResult(name, HTTP(client, tc.URL, timeout), opts...), nil
	case config.TaskSleep:
		d, err := config.ParseDuration("runners."+name+".task.duration", tc.Duration)
		if err != nil {
			return nil, err
		}
		return runner.New(name, Sleep(d), opts...), nil
	default:
		return nil, fmt.Errorf("task kind %q: unsupported", tc.Kind)
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
