package pyexec

import (
	"context"
	"os/exec"
	"testing"

	"github.com/kandev/agentkernel/internal/kernel"
)

func TestIsCompleteCountsBracketDepthOnly(t *testing.T) {
	i := New()
	cases := []struct {
		code string
		want bool
	}{
		{"1 + 1", true},
		{"def f():", true}, // no brackets to balance; pyexec's check is purely bracket-depth
		{"[1, 2, 3", false},
		{"[1, 2, 3]", true},
		{"foo(bar(1)", false},
	}
	for _, c := range cases {
		if got := i.IsComplete(c.code); got != c.want {
			t.Errorf("IsComplete(%q) = %v, want %v", c.code, got, c.want)
		}
	}
}

func TestCompleteAndInspectReturnEmptyResults(t *testing.T) {
	i := New()
	completion := i.Complete("foo.", 4)
	if completion.CursorStart != 4 || completion.CursorEnd != 4 {
		t.Fatalf("expected cursor echoed back with no matches, got %+v", completion)
	}
	inspect := i.Inspect("foo", 3)
	if inspect.Found {
		t.Fatalf("expected Found=false since pyexec has no inspect backend, got %+v", inspect)
	}
}

func requirePython3(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available in this environment")
	}
}

func TestInitAndEvalRoundTrip(t *testing.T) {
	requirePython3(t)
	i := New()
	if err := i.Init(context.Background(), kernel.InitOptions{}); err != nil {
		t.Fatalf("unexpected init error: %v", err)
	}
	defer i.Close()

	result, err := i.Eval(context.Background(), "21 * 2", func(string, any) {})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != kernel.EvalOK || result.Value != "42" {
		t.Fatalf("expected EvalOK with repr '42', got %+v", result)
	}
}

func TestEvalCapturesStdoutAsStreamEvent(t *testing.T) {
	requirePython3(t)
	i := New()
	if err := i.Init(context.Background(), kernel.InitOptions{}); err != nil {
		t.Fatalf("unexpected init error: %v", err)
	}
	defer i.Close()

	var events []kernel.StreamData
	emit := func(eventType string, data any) {
		if eventType == kernel.EventStream {
			if sd, ok := data.(kernel.StreamData); ok {
				events = append(events, sd)
			}
		}
	}
	if _, err := i.Eval(context.Background(), "print('hello')", emit); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 1 || events[0].Name != "stdout" {
		t.Fatalf("expected one stdout stream event, got %+v", events)
	}
}

func TestEvalRaisedExceptionIsReportedAsEvalError(t *testing.T) {
	requirePython3(t)
	i := New()
	if err := i.Init(context.Background(), kernel.InitOptions{}); err != nil {
		t.Fatalf("unexpected init error: %v", err)
	}
	defer i.Close()

	result, err := i.Eval(context.Background(), "raise ValueError('bad')", func(string, any) {})
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}
	if result.Status != kernel.EvalError || result.Ename != "ValueError" {
		t.Fatalf("expected a ValueError EvalError, got %+v", result)
	}
}
