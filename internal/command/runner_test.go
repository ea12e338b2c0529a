package command

import (
	"context"
	"testing"
	"time"
)

func TestRunner_Run(t *testing.T) {
	tests := []struct {
		name    string
		argv    []string
		timeout time.Duration
		wantOK  bool
	}{
		{
			name:    "successful command",
			argv:    []string{"true"},
			timeout: time.Second,
			wantOK:  true,
		},
		{
			name:    "non-zero exit is never ok",
			argv:    []string{"false"},
			timeout: time.Second,
			wantOK:  false,
		},
		{
			name:    "missing binary fails fast",
			argv:    []string{"/nonexistent/binary-xyz"},
			timeout: time.Second,
			wantOK:  false,
		},
		{
			name:    "empty argv is rejected",
			argv:    nil,
			timeout: time.Second,
			wantOK:  false,
		},
	}

	var r Runner
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := r.Run(context.Background(), tt.argv, nil, tt.timeout)
			if result.OK != tt.wantOK {
				t.Errorf("Run() OK = %v, want %v (err=%v)", result.OK, tt.wantOK, result.Err)
			}
		})
	}
}

func TestRunner_Timeout(t *testing.T) {
	var r Runner
	result := r.Run(context.Background(), []string{"sleep", "5"}, nil, 50*time.Millisecond)
	if result.OK {
		t.Fatalf("expected timeout to produce OK=false")
	}
	if result.Err == nil {
		t.Fatalf("expected a timeout error")
	}
}

func TestRunner_CapturesStdoutStderr(t *testing.T) {
	var r Runner
	result := r.Run(context.Background(), []string{"sh", "-c", "echo out; echo err 1>&2"}, nil, time.Second)
	if !result.OK {
		t.Fatalf("expected success, got err=%v stderr=%q", result.Err, result.Stderr)
	}
	if result.Stdout != "out" {
		t.Errorf("Stdout = %q, want %q", result.Stdout, "out")
	}
	if result.Stderr != "err" {
		t.Errorf("Stderr = %q, want %q", result.Stderr, "err")
	}
}

func TestRunner_OutputCapTruncatesWithoutError(t *testing.T) {
	r := Runner{OutputCap: 4}
	result := r.Run(context.Background(), []string{"printf", "0123456789"}, nil, time.Second)
	if !result.OK {
		t.Fatalf("expected success despite capped output, got err=%v", result.Err)
	}
	if len(result.Stdout) > 4 {
		t.Errorf("Stdout len = %d, want <= 4", len(result.Stdout))
	}
}

func TestRunner_ConcurrentInvocationsAreIndependent(t *testing.T) {
	var r Runner
	done := make(chan Result, 2)
	go func() { done <- r.Run(context.Background(), []string{"echo", "a"}, nil, time.Second) }()
	go func() { done <- r.Run(context.Background(), []string{"echo", "b"}, nil, time.Second) }()

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		res := <-done
		seen[res.Stdout] = true
	}
	if !seen["a"] || !seen["b"] {
		t.Fatalf("expected both independent outputs, got %v", seen)
	}
}
