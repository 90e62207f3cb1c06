package tools

import (
	"context"
	"strings"
	"testing"
)

type stubTool struct {
	name string
}

func (s *stubTool) Name() string                { return s.name }
func (s *stubTool) Description() string         { return "stub" }
func (s *stubTool) InputSchema() map[string]any { return map[string]any{"type": "object"} }
func (s *stubTool) RequiresApproval() bool      { return false }
func (s *stubTool) Validate(map[string]any) error {
	return nil
}
func (s *stubTool) Execute(context.Context, map[string]any) (*Result, error) {
	return &Result{Success: true}, nil
}

func TestSummarizeArgs(t *testing.T) {
	tests := []struct {
		name   string
		params map[string]any
		want   string
	}{
		{"empty", nil, "{}"},
		{"single", map[string]any{"command": "ls"}, `{command="ls"}`},
		{"sorted keys", map[string]any{"b": 2, "a": 1}, `{a=1, b=2}`},
		{"nested", map[string]any{"opts": map[string]any{"x": true}}, `{opts={"x":true}}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := SummarizeArgs(tc.params); got != tc.want {
				t.Errorf("SummarizeArgs = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestSummarizeArgsDeterministic(t *testing.T) {
	params := map[string]any{"z": 1, "a": 2, "m": 3}
	first := SummarizeArgs(params)
	for i := 0; i < 10; i++ {
		if got := SummarizeArgs(params); got != first {
			t.Fatalf("SummarizeArgs not deterministic: %q vs %q", got, first)
		}
	}
}

func TestSummarizeArgsTruncated(t *testing.T) {
	params := map[string]any{"data": strings.Repeat("x", 1000)}
	got := SummarizeArgs(params)
	if len(got) > 256 {
		t.Errorf("summary length = %d, want <= 256", len(got))
	}
	if !strings.HasSuffix(got, "... [truncated]") {
		t.Errorf("summary missing truncation notice: %q", got[len(got)-30:])
	}
}

func TestTruncateOutput(t *testing.T) {
	if got := TruncateOutput("short", 100); got != "short" {
		t.Errorf("TruncateOutput(short) = %q", got)
	}

	long := strings.Repeat("a", 200)
	got := TruncateOutput(long, 100)
	if len(got) != 100 {
		t.Errorf("truncated length = %d, want 100", len(got))
	}
	if !strings.HasSuffix(got, "... [truncated]") {
		t.Errorf("missing truncation notice: %q", got)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubTool{name: "alpha"})
	r.Register(&stubTool{name: "beta"})

	if got := r.Get("alpha"); got == nil {
		t.Error("Get(alpha) = nil")
	}
	if got := r.Get("missing"); got != nil {
		t.Error("Get(missing) should be nil")
	}

	names := r.List()
	if len(names) != 2 || names[0] != "alpha" || names[1] != "beta" {
		t.Errorf("List() = %v, want [alpha beta]", names)
	}
	if got := len(r.All()); got != 2 {
		t.Errorf("All() returned %d tools", got)
	}
}

func TestRegistryDuplicatePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic on duplicate registration")
		}
	}()
	r := NewRegistry()
	r.Register(&stubTool{name: "dup"})
	r.Register(&stubTool{name: "dup"})
}
