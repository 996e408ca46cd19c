package kernel

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fakeInterpreter is a minimal Interpreter double for exercising the Kernel
// state machine without a real execution backend.
type fakeInterpreter struct {
	initErr     error
	evalResult  EvalResult
	evalErr     error
	interrupted bool
	closed      bool
}

func (f *fakeInterpreter) Init(ctx context.Context, opts InitOptions) error { return f.initErr }
func (f *fakeInterpreter) Eval(ctx context.Context, code string, emit Emit) (EvalResult, error) {
	return f.evalResult, f.evalErr
}
func (f *fakeInterpreter) InterruptHook() func() {
	if !f.interrupted {
		return nil
	}
	return func() {}
}
func (f *fakeInterpreter) Complete(code string, cursorPos int) CompletionResult { return CompletionResult{} }
func (f *fakeInterpreter) Inspect(code string, cursorPos int) InspectResult     { return InspectResult{} }
func (f *fakeInterpreter) IsComplete(code string) bool                         { return true }
func (f *fakeInterpreter) Close() error                                        { f.closed = true; return nil }

func newTestKernel(interp Interpreter) *Kernel {
	return New("k1", "python", interp, nil, 20, 10*time.Millisecond)
}

func TestNewKernelStartsUninit(t *testing.T) {
	k := newTestKernel(&fakeInterpreter{})
	if k.Status() != StateUninit {
		t.Fatalf("expected StateUninit, got %v", k.Status())
	}
}

func TestInitializeTransitionsToActive(t *testing.T) {
	k := newTestKernel(&fakeInterpreter{})
	if err := k.Initialize(context.Background(), InitOptions{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if k.Status() != StateActive {
		t.Fatalf("expected StateActive, got %v", k.Status())
	}
}

func TestInitializeIsIdempotent(t *testing.T) {
	interp := &fakeInterpreter{}
	k := newTestKernel(interp)

	calls := 0
	wrapped := &countingInterpreter{fakeInterpreter: interp, calls: &calls}
	k.interp = wrapped

	for range 3 {
		if err := k.Initialize(context.Background(), InitOptions{}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if calls != 1 {
		t.Fatalf("expected Init to run exactly once, got %d", calls)
	}
}

type countingInterpreter struct {
	*fakeInterpreter
	calls *int
}

func (c *countingInterpreter) Init(ctx context.Context, opts InitOptions) error {
	*c.calls++
	return c.fakeInterpreter.Init(ctx, opts)
}

func TestInitializeFailureReturnsToUninit(t *testing.T) {
	k := newTestKernel(&fakeInterpreter{initErr: errors.New("boom")})
	if err := k.Initialize(context.Background(), InitOptions{}); err == nil {
		t.Fatal("expected an error")
	}
	if k.Status() != StateUninit {
		t.Fatalf("expected a failed initialize to leave the kernel in StateUninit, got %v", k.Status())
	}
}

func TestExecuteSuccessReturnsValueAndGoesIdle(t *testing.T) {
	k := newTestKernel(&fakeInterpreter{evalResult: EvalResult{Status: EvalOK, Value: 42}})

	result, err := k.Execute(context.Background(), "21*2", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success || result.Result != 42 {
		t.Fatalf("expected success with value 42, got %+v", result)
	}
	if k.Status() != StateActive {
		t.Fatalf("expected kernel to return to StateActive after execute, got %v", k.Status())
	}
	if k.ExecutionCount() != 1 {
		t.Fatalf("expected execution count 1, got %d", k.ExecutionCount())
	}
}

func TestExecuteEvalErrorIsReported(t *testing.T) {
	k := newTestKernel(&fakeInterpreter{evalResult: EvalResult{Status: EvalError, Ename: "ValueError", Evalue: "bad input"}})

	result, err := k.Execute(context.Background(), "raise ValueError", nil)
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}
	if result.Success {
		t.Fatal("expected Success=false")
	}
	if result.Error == nil || result.Error.Ename != "ValueError" {
		t.Fatalf("expected a ValueError execute error, got %+v", result.Error)
	}
}

// emittingInterpreter reports two intermediate outputs before returning the
// wrapped fake's result.
type emittingInterpreter struct {
	*fakeInterpreter
}

func (e *emittingInterpreter) Eval(ctx context.Context, code string, emit Emit) (EvalResult, error) {
	emit(EventStream, StreamData{Name: "stdout", Text: "one\n"})
	emit(EventDisplayData, map[string]any{"text/plain": "two"})
	return e.fakeInterpreter.Eval(ctx, code, emit)
}

func TestExecuteStreamDeliversEventsInOrder(t *testing.T) {
	k := newTestKernel(&emittingInterpreter{&fakeInterpreter{evalResult: EvalResult{Status: EvalOK, Value: 3}}})

	events, done := k.ExecuteStream(context.Background(), "noop", nil)
	var seen []string
	for ev := range events {
		seen = append(seen, ev.Type)
	}
	result := <-done
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	want := []string{EventStream, EventDisplayData, EventExecuteResult}
	if len(seen) != len(want) {
		t.Fatalf("expected events %v, got %v", want, seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("expected events %v in publication order, got %v", want, seen)
		}
	}
}

func TestInterruptWithNoBufferAndNoHookSynthesizesKeyboardInterrupt(t *testing.T) {
	k := newTestKernel(&fakeInterpreter{interrupted: false})

	var errEvents []*ExecuteError
	k.On(EventExecuteError, func(data any) {
		if e, ok := data.(*ExecuteError); ok {
			errEvents = append(errEvents, e)
		}
	})

	ok := k.Interrupt()
	if !ok {
		t.Fatal("expected Interrupt to report success even without a real cancellation path")
	}
	if len(errEvents) != 1 || errEvents[0].Ename != "KeyboardInterrupt" {
		t.Fatalf("expected a synthesized KeyboardInterrupt event, got %+v", errEvents)
	}
}

func TestInterruptUsesCooperativeHookWhenAvailable(t *testing.T) {
	k := newTestKernel(&fakeInterpreter{interrupted: true})

	var interruptedEmitted bool
	k.On(EventExecutionInterrupted, func(data any) { interruptedEmitted = true })

	if !k.Interrupt() {
		t.Fatal("expected Interrupt to succeed via the cooperative hook")
	}
	if !interruptedEmitted {
		t.Fatal("expected an execution_interrupted event")
	}
}

func TestInterruptUsesBufferHandshakeWhenInstalled(t *testing.T) {
	k := newTestKernel(&fakeInterpreter{})
	buf := NewInterruptBuffer()
	k.SetInterruptBuffer(buf)

	// Simulate the interpreter noticing the interrupt byte and clearing it.
	go func() {
		for range 50 {
			if buf.Read() != 0 {
				buf.Clear()
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	if !k.Interrupt() {
		t.Fatal("expected Interrupt to succeed once the buffer is cleared")
	}
}

func TestRequestInputSecondCallErrorsWhilePending(t *testing.T) {
	k := newTestKernel(&fakeInterpreter{})

	started := make(chan struct{})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		close(started)
		k.RequestInput(ctx, "name?", false)
	}()
	<-started
	time.Sleep(5 * time.Millisecond)

	_, err := k.RequestInput(context.Background(), "name again?", false)
	if !errors.Is(err, ErrInputRequestPending) {
		t.Fatalf("expected ErrInputRequestPending, got %v", err)
	}
}

func TestRequestInputRepliedByInputReply(t *testing.T) {
	k := newTestKernel(&fakeInterpreter{})

	type result struct {
		value string
		err   error
	}
	resultCh := make(chan result, 1)
	go func() {
		v, err := k.RequestInput(context.Background(), "name?", false)
		resultCh <- result{v, err}
	}()

	time.Sleep(5 * time.Millisecond)
	k.InputReply("Ada")

	r := <-resultCh
	if r.err != nil || r.value != "Ada" {
		t.Fatalf("expected (Ada, nil), got (%q, %v)", r.value, r.err)
	}
}

func TestTerminateIsIdempotentAndClosesInterpreter(t *testing.T) {
	interp := &fakeInterpreter{}
	k := newTestKernel(interp)

	if err := k.Terminate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := k.Terminate(); err != nil {
		t.Fatalf("second Terminate should also succeed, got %v", err)
	}
	if !interp.closed {
		t.Fatal("expected the interpreter to be closed")
	}
	if k.Status() != StateTerminated {
		t.Fatalf("expected StateTerminated, got %v", k.Status())
	}
}
