// Package gojaexec implements internal/kernel.Interpreter on top of goja, a
// pure-Go ECMAScript 5.1(+) virtual machine. It is the default backend for
// TYPESCRIPT and JAVASCRIPT kernels: no subprocess, no native dependency,
// cooperative interrupt support via goja's own Interrupt() call.
//
// Grounded on the teacher's internal/agent/docker.Client for the
// stdout/stderr-as-event shape (output lines become "stream" events rather
// than being swallowed), adapted here from reading a container's log pipe to
// redirecting goja's console binding through the kernel's Emit callback.
package gojaexec

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dop251/goja"

	"github.com/kandev/agentkernel/internal/kernel"
)

// Interpreter wraps a single goja *goja.Runtime. It is not safe for
// concurrent Eval calls — the owning Kernel already serializes execution.
type Interpreter struct {
	mu      sync.Mutex
	vm      *goja.Runtime
	env     map[string]string
	started bool

	// live mirrors vm for InterruptHook, which must not take mu: Eval holds
	// mu for the whole run.
	live atomic.Pointer[goja.Runtime]
}

// New constructs an uninitialized Interpreter; call Init before Eval.
func New() *Interpreter {
	return &Interpreter{}
}

func (i *Interpreter) Init(ctx context.Context, opts kernel.InitOptions) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.vm = goja.New()
	i.vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	i.env = make(map[string]string)
	for name, val := range opts.Env {
		if val != nil {
			i.env[name] = *val
		}
	}
	if err := i.vm.Set("process", map[string]any{"env": i.env}); err != nil {
		return fmt.Errorf("gojaexec: bind process.env: %w", err)
	}

	i.started = true
	i.live.Store(i.vm)
	return nil
}

// bindConsole installs the `console` global inside Eval, so output
// from the currently running call reaches that call's Emit closure — not a
// closure captured once at Init time, which would point at a stale call.
func bindConsole(vm *goja.Runtime, emit kernel.Emit) error {
	console := map[string]any{
		"log": func(call goja.FunctionCall) goja.Value {
			emit(kernel.EventStream, kernel.StreamData{Name: "stdout", Text: joinArgs(call.Arguments) + "\n"})
			return goja.Undefined()
		},
		"error": func(call goja.FunctionCall) goja.Value {
			emit(kernel.EventStream, kernel.StreamData{Name: "stderr", Text: joinArgs(call.Arguments) + "\n"})
			return goja.Undefined()
		},
		"warn": func(call goja.FunctionCall) goja.Value {
			emit(kernel.EventStream, kernel.StreamData{Name: "stderr", Text: joinArgs(call.Arguments) + "\n"})
			return goja.Undefined()
		},
	}
	return vm.Set("console", console)
}

func joinArgs(args []goja.Value) string {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = a.String()
	}
	return strings.Join(parts, " ")
}

func (i *Interpreter) Eval(ctx context.Context, code string, emit kernel.Emit) (kernel.EvalResult, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.started {
		return kernel.EvalResult{}, fmt.Errorf("gojaexec: interpreter not initialized")
	}
	if err := bindConsole(i.vm, emit); err != nil {
		return kernel.EvalResult{}, err
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			i.vm.Interrupt(ctx.Err())
		case <-done:
		}
	}()
	defer close(done)

	value, err := i.vm.RunString(code)
	if err != nil {
		if ie, ok := err.(*goja.InterruptedError); ok {
			return kernel.EvalResult{
				Status: kernel.EvalError,
				Ename:  "KeyboardInterrupt",
				Evalue: fmt.Sprintf("%v", ie.Value()),
			}, nil
		}
		if exc, ok := err.(*goja.Exception); ok {
			return kernel.EvalResult{
				Status:    kernel.EvalError,
				Ename:     exceptionName(exc),
				Evalue:    exc.Error(),
				Traceback: []string{exc.String()},
			}, nil
		}
		return kernel.EvalResult{
			Status: kernel.EvalError,
			Ename:  "EvalError",
			Evalue: err.Error(),
		}, nil
	}

	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return kernel.EvalResult{Status: kernel.EvalOK, IsUnit: true}, nil
	}
	return kernel.EvalResult{Status: kernel.EvalOK, Value: value.Export()}, nil
}

func exceptionName(exc *goja.Exception) string {
	val := exc.Value()
	if obj, ok := val.(*goja.Object); ok {
		if name := obj.Get("name"); name != nil {
			return name.String()
		}
	}
	return "Error"
}

// InterruptHook returns goja's cooperative interrupt: it causes the next
// bytecode-VM check to abort RunString with an InterruptedError.
func (i *Interpreter) InterruptHook() func() {
	return func() {
		if vm := i.live.Load(); vm != nil {
			vm.Interrupt("execution interrupted")
		}
	}
}

// Complete offers no real completion engine; goja exposes no AST-completion
// API, so this returns an empty match set rather than guessing.
func (i *Interpreter) Complete(code string, cursorPos int) kernel.CompletionResult {
	return kernel.CompletionResult{CursorStart: cursorPos, CursorEnd: cursorPos}
}

func (i *Interpreter) Inspect(code string, cursorPos int) kernel.InspectResult {
	return kernel.InspectResult{Found: false}
}

// IsComplete does a best-effort brace/paren/bracket balance check, since
// goja has no incremental parser entry point exposed for this.
func (i *Interpreter) IsComplete(code string) bool {
	depth := 0
	inString := rune(0)
	escaped := false
	for _, r := range code {
		if inString != 0 {
			if escaped {
				escaped = false
				continue
			}
			if r == '\\' {
				escaped = true
				continue
			}
			if r == inString {
				inString = 0
			}
			continue
		}
		switch r {
		case '\'', '"', '`':
			inString = r
		case '{', '(', '[':
			depth++
		case '}', ')', ']':
			depth--
		}
	}
	return depth <= 0 && inString == 0
}

func (i *Interpreter) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.vm = nil
	i.live.Store(nil)
	i.started = false
	return nil
}
