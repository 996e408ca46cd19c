// Package kernel implements the Kernel Runtime (spec component C3): the
// per-kernel state machine wrapping an embedded code-execution interpreter,
// with initialization, streamed execution, an input-request round trip, and
// an interrupt protocol.
//
// Grounded on the teacher's internal/agent/acp.Session / SessionManager
// (state string field guarded by a mutex, a Call/Notify-shaped request
// protocol, an UpdateHandler callback fanning notifications out) — the
// transport there is a subprocess speaking JSON-RPC, while this Kernel talks
// to an in-process Interpreter directly, but the state-tracking and
// notification-fan-out shape is carried over unchanged.
package kernel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agentkernel/internal/common/logger"
	"github.com/kandev/agentkernel/internal/eventbus"
)

// State is the kernel's lifecycle state (spec §4.3 state machine).
type State int

const (
	StateUninit State = iota
	StateInitializing
	StateActive
	StateBusy
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateUninit:
		return "unknown"
	case StateInitializing:
		return "initializing"
	case StateActive:
		return "active"
	case StateBusy:
		return "busy"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Event type names (spec §3 "Kernel events").
const (
	EventStream               = "stream"
	EventDisplayData          = "display_data"
	EventUpdateDisplayData    = "update_display_data"
	EventExecuteResult        = "execute_result"
	EventExecuteError         = "execute_error"
	EventClearOutput          = "clear_output"
	EventInputRequest         = "input_request"
	EventCommOpen             = "comm_open"
	EventCommMsg              = "comm_msg"
	EventCommClose            = "comm_close"
	EventKernelReady          = "kernel_ready"
	EventKernelBusy           = "kernel_busy"
	EventKernelIdle           = "kernel_idle"
	EventExecutionStalled     = "execution_stalled"
	EventKernelUnrecoverable  = "kernel_unrecoverable"
	EventExecutionInterrupted = "execution_interrupted"
	EventKernelRestarted      = "kernel_restarted"
	EventKernelTerminated     = "kernel_terminated"
)

// Header is the parent-message header. Execute and the pass-through calls
// cache the latest one on the kernel; it is not attached to emitted event
// payloads, so subscribers cannot read it from an event.
type Header struct {
	MsgID string
}

// InitOptions configures initialize() (spec §4.3).
type InitOptions struct {
	Filesystem *FilesystemMount
	Env        map[string]*string // nil value => skip with a warning (spec §6)
}

// FilesystemMount is the optional host-to-guest mount passed to initialize.
type FilesystemMount struct {
	Enabled    bool
	HostRoot   string
	GuestMount string
}

// EvalStatus is the interpreter-native outcome of one Eval call.
type EvalStatus string

const (
	EvalOK    EvalStatus = "ok"
	EvalError EvalStatus = "error"
)

// EvalResult is what an Interpreter returns for one execute() call.
type EvalResult struct {
	Status    EvalStatus
	Value     any // the last-expression value, already converted to a host record
	IsUnit    bool
	Ename     string
	Evalue    string
	Traceback []string
}

// Emit is how an Interpreter reports intermediate output (stdout/stderr
// streams, display data, comm traffic) while Eval is running.
type Emit func(eventType string, data any)

// Interpreter is the pluggable code-execution backend a Kernel wraps. The
// default implementation is internal/kernel/gojaexec (in-process
// JavaScript/TypeScript via goja); internal/kernel/pyexec and
// internal/kernel/dockerexec provide alternates. Per spec §1, the specifics
// of any one backend (package loading, language bindings) are out of scope —
// this interface is the entire contract the Kernel Runtime depends on.
type Interpreter interface {
	Init(ctx context.Context, opts InitOptions) error
	Eval(ctx context.Context, code string, emit Emit) (EvalResult, error)
	// InterruptHook returns a cooperative cancel function if the backend
	// exposes one (e.g. goja's vm.Interrupt), or nil if it doesn't.
	InterruptHook() func()
	Complete(code string, cursorPos int) CompletionResult
	Inspect(code string, cursorPos int) InspectResult
	IsComplete(code string) bool
	Close() error
}

type CompletionResult struct {
	Matches     []string
	CursorStart int
	CursorEnd   int
}

type InspectResult struct {
	Found bool
	Data  map[string]string
}

// ExecuteResult is what execute()/executeStream() return (spec §4.3).
type ExecuteResult struct {
	Success bool
	Result  any
	Error   *ExecuteError
}

type ExecuteError struct {
	Ename     string
	Evalue    string
	Traceback []string
}

// InterruptBuffer is the single shared byte used as an out-of-band SIGINT
// channel between host and interpreter (spec glossary). Exactly one writer
// (the host, via Kernel.Interrupt) and one reader (the interpreter).
type InterruptBuffer struct {
	mu    sync.Mutex
	value byte
}

func NewInterruptBuffer() *InterruptBuffer { return &InterruptBuffer{} }

func (b *InterruptBuffer) Write(v byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.value = v
}

func (b *InterruptBuffer) Read() byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.value
}

func (b *InterruptBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.value = 0
}

// inputRequest is the single-slot one-shot outstanding input() call.
type inputRequest struct {
	reply chan string
}

// ErrInputRequestPending is returned when a second input/getpass call
// arrives before the outstanding one is answered. Spec §9 leaves this open
// ("current behavior silently overwrites"); this implementation errors
// rather than overwriting, since a silent overwrite drops the first
// coroutine's wakeup forever (see SPEC_FULL.md Open Question Decisions).
var ErrInputRequestPending = fmt.Errorf("kernel: an input request is already outstanding")

// Kernel is the per-kernel state machine (spec component C3).
type Kernel struct {
	ID     string
	Lang   string
	interp Interpreter
	bus    *eventbus.Bus
	logger *logger.Logger

	mu              sync.Mutex
	state           State
	initialized     bool
	initFuture      chan error // shared in-flight initialize() future
	executionCount  int
	parentHeader    Header
	interruptBuffer *InterruptBuffer
	pending         *inputRequest

	interruptWait time.Duration
}

// New constructs a Kernel bound to a freshly created Interpreter. The
// returned kernel starts in StateUninit; initialize() must be called before
// execute().
func New(id, lang string, interp Interpreter, log *logger.Logger, listenerCap int, interruptWait time.Duration) *Kernel {
	if log == nil {
		log = logger.Default()
	}
	if interruptWait <= 0 {
		interruptWait = 100 * time.Millisecond
	}
	return &Kernel{
		ID:            id,
		Lang:          lang,
		interp:        interp,
		bus:           eventbus.New("kernel:"+id, listenerCap, log),
		logger:        log.WithFields(zap.String("kernel_id", id), zap.String("lang", lang)),
		state:         StateUninit,
		interruptWait: interruptWait,
	}
}

// On subscribes to a specific kernel event type.
func (k *Kernel) On(eventType string, h eventbus.Handler) { k.bus.On(eventType, h) }

// OnWildcard subscribes to every event, envelope-wrapped (spec §4.1/§4.3).
func (k *Kernel) OnWildcard(h eventbus.WildcardHandler) { k.bus.OnWildcard(h) }

// Interpreter returns the backing Interpreter, for callers (e.g. the Kernel
// Manager's reconciliation loop) that need to reach a backend-specific
// capability via a type assertion.
func (k *Kernel) Interpreter() Interpreter { return k.interp }

func (k *Kernel) Status() State {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.state
}

func (k *Kernel) ExecutionCount() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.executionCount
}

func (k *Kernel) emit(eventType string, data any) { k.bus.Emit(eventType, data) }

// Initialize is idempotent and serialized: concurrent callers observe a
// single in-flight future (spec §4.3, §9 "initialization idempotency").
func (k *Kernel) Initialize(ctx context.Context, opts InitOptions) error {
	k.mu.Lock()
	if k.initialized {
		k.mu.Unlock()
		return nil
	}
	if k.initFuture != nil {
		future := k.initFuture
		k.mu.Unlock()
		select {
		case err := <-future:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	future := make(chan error, 1)
	k.initFuture = future
	k.state = StateInitializing
	k.mu.Unlock()

	err := k.doInitialize(ctx, opts)

	k.mu.Lock()
	k.initFuture = nil
	if err == nil {
		k.state = StateActive
		k.initialized = true
	} else {
		k.state = StateUninit
	}
	k.mu.Unlock()

	future <- err
	close(future)

	if err == nil {
		k.emit(EventKernelReady, map[string]any{"kernel_id": k.ID})
	}
	return err
}

func (k *Kernel) doInitialize(ctx context.Context, opts InitOptions) error {
	for name, val := range opts.Env {
		if val == nil {
			k.logger.Warn("skipping nil environment variable", zap.String("name", name))
		}
	}
	if err := k.interp.Init(ctx, opts); err != nil {
		k.logger.Error("kernel initialization failed", zap.Error(err))
		return err
	}
	return nil
}

// SetInterruptBuffer installs the single-byte shared-memory cell used by
// Interrupt (spec §4.3).
func (k *Kernel) SetInterruptBuffer(buf *InterruptBuffer) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.interruptBuffer = buf
}

// Execute runs code to completion, publishing every intermediate event and
// returning the terminal summary (spec §4.3 execution semantics).
func (k *Kernel) Execute(ctx context.Context, code string, parent *Header) (ExecuteResult, error) {
	events := make(chan KernelEvent, 32)
	done := make(chan ExecuteResult, 1)
	go k.runExecute(ctx, code, parent, events, done)
	for range events {
		// Execute() discards the intermediate stream (already delivered via
		// the bus by runExecute's emit callback); it only needs the summary.
	}
	return <-done, nil
}

// KernelEvent is one item of the executeStream() sequence.
type KernelEvent struct {
	Type string
	Data any
}

// ExecuteStream produces the same events Execute() would, as a finite
// ordered channel, terminating with the summary on the returned result
// channel (spec §4.3 executeStream). Events on the returned channel are
// those the execution emits (interpreter output and the execute_result or
// execute_error record), in publication order; the kernel_ready,
// kernel_busy and kernel_idle status events go to the bus only.
func (k *Kernel) ExecuteStream(ctx context.Context, code string, parent *Header) (<-chan KernelEvent, <-chan ExecuteResult) {
	events := make(chan KernelEvent, 32)
	done := make(chan ExecuteResult, 1)
	go k.runExecute(ctx, code, parent, events, done)
	return events, done
}

func (k *Kernel) runExecute(ctx context.Context, code string, parent *Header, events chan<- KernelEvent, done chan<- ExecuteResult) {
	defer close(events)
	defer close(done)

	if err := k.Initialize(ctx, InitOptions{}); err != nil {
		result := ExecuteResult{Success: false, Error: &ExecuteError{Ename: "InitializationError", Evalue: err.Error()}}
		done <- result
		return
	}

	k.mu.Lock()
	if parent != nil {
		k.parentHeader = *parent
	}
	k.state = StateBusy
	k.mu.Unlock()
	k.emit(EventKernelBusy, map[string]any{"kernel_id": k.ID})

	emit := func(eventType string, data any) {
		k.emit(eventType, data)
		events <- KernelEvent{Type: eventType, Data: data}
	}

	result := k.doExecute(ctx, code, emit)

	k.mu.Lock()
	k.state = StateActive
	k.mu.Unlock()
	k.emit(EventKernelIdle, map[string]any{"kernel_id": k.ID})

	done <- result
}

func (k *Kernel) doExecute(ctx context.Context, code string, emit Emit) ExecuteResult {
	evalResult, err := func() (res EvalResult, evalErr error) {
		defer func() {
			if r := recover(); r != nil {
				name, msg, tb := translatePanic(r)
				res = EvalResult{Status: EvalError, Ename: name, Evalue: msg, Traceback: tb}
				evalErr = nil
			}
		}()
		return k.interp.Eval(ctx, code, emit)
	}()

	if err != nil {
		errRec := &ExecuteError{Ename: "InternalError", Evalue: err.Error(), Traceback: []string{"No traceback available"}}
		emit(EventExecuteError, errRec)
		return ExecuteResult{Success: false, Error: errRec}
	}

	if evalResult.Status == EvalError {
		if evalResult.Ename == "KeyboardInterrupt" {
			emit(EventStream, StreamData{Name: "stderr", Text: "KeyboardInterrupt: " + evalResult.Evalue + "\n"})
		}
		errRec := &ExecuteError{Ename: evalResult.Ename, Evalue: evalResult.Evalue, Traceback: evalResult.Traceback}
		emit(EventExecuteError, errRec)
		return ExecuteResult{Success: false, Error: errRec}
	}

	if !evalResult.IsUnit && evalResult.Value != nil {
		k.mu.Lock()
		k.executionCount++
		count := k.executionCount
		k.mu.Unlock()

		emit(EventExecuteResult, ExecuteResultData{
			ExecutionCount: count,
			Data:           map[string]string{"text/plain": fmt.Sprintf("%v", evalResult.Value)},
			Metadata:       map[string]any{},
		})
		return ExecuteResult{Success: true, Result: evalResult.Value}
	}

	return ExecuteResult{Success: true}
}

// StreamData is the payload of a "stream" event.
type StreamData struct {
	Name string // "stdout" | "stderr"
	Text string
}

// ExecuteResultData is the payload of an "execute_result" event.
type ExecuteResultData struct {
	ExecutionCount int
	Data           map[string]string
	Metadata       map[string]any
}

func translatePanic(r any) (name, message string, traceback []string) {
	if err, ok := r.(error); ok {
		return "InternalError", err.Error(), []string{"No traceback available"}
	}
	return "InternalError", fmt.Sprintf("%v", r), []string{"No traceback available"}
}

// InputReply fulfills the most recent outstanding input request. A no-op if
// none is outstanding (spec §4.3).
func (k *Kernel) InputReply(value string) {
	k.mu.Lock()
	pending := k.pending
	k.pending = nil
	k.mu.Unlock()

	if pending != nil {
		pending.reply <- value
		close(pending.reply)
	}
}

// RequestInput is called by an Interpreter (via a side channel it holds, not
// through Emit) when guest code calls input()/getpass(). It publishes
// input_request and blocks until InputReply is called or ctx is done.
func (k *Kernel) RequestInput(ctx context.Context, prompt string, password bool) (string, error) {
	k.mu.Lock()
	if k.pending != nil {
		k.mu.Unlock()
		return "", ErrInputRequestPending
	}
	req := &inputRequest{reply: make(chan string, 1)}
	k.pending = req
	k.mu.Unlock()

	k.emit(EventInputRequest, map[string]any{"prompt": prompt, "password": password})

	select {
	case v := <-req.reply:
		return v, nil
	case <-ctx.Done():
		k.mu.Lock()
		if k.pending == req {
			k.pending = nil
		}
		k.mu.Unlock()
		return "", ctx.Err()
	}
}

// Interrupt requests cancellation of the currently running execute (spec
// §4.3). It never blocks on the ongoing execute — only on the bounded
// ~100ms interrupt-buffer handshake, if a buffer is installed.
func (k *Kernel) Interrupt() bool {
	k.mu.Lock()
	buf := k.interruptBuffer
	wait := k.interruptWait
	k.mu.Unlock()

	if buf != nil {
		buf.Write(2)
		deadline := time.Now().Add(wait)
		for time.Now().Before(deadline) {
			if buf.Read() == 0 {
				k.emit(EventExecutionInterrupted, map[string]any{"kernel_id": k.ID})
				return true
			}
			time.Sleep(2 * time.Millisecond)
		}
		return buf.Read() == 0
	}

	if hook := k.interp.InterruptHook(); hook != nil {
		hook()
		k.emit(EventExecutionInterrupted, map[string]any{"kernel_id": k.ID})
		return true
	}

	k.emit(EventStream, StreamData{Name: "stderr", Text: "KeyboardInterrupt: execution interrupted\n"})
	k.emit(EventExecuteError, &ExecuteError{Ename: "KeyboardInterrupt", Evalue: "execution interrupted"})
	return true
}

func (k *Kernel) setup(parent *Header) {
	if parent == nil {
		return
	}
	k.mu.Lock()
	k.parentHeader = *parent
	k.mu.Unlock()
}

func (k *Kernel) Complete(code string, cursorPos int, parent *Header) CompletionResult {
	k.setup(parent)
	return k.interp.Complete(code, cursorPos)
}

func (k *Kernel) Inspect(code string, cursorPos int, parent *Header) InspectResult {
	k.setup(parent)
	return k.interp.Inspect(code, cursorPos)
}

func (k *Kernel) IsComplete(code string, parent *Header) bool {
	k.setup(parent)
	return k.interp.IsComplete(code)
}

func (k *Kernel) CommOpen(commID, target string, data any, parent *Header) {
	k.setup(parent)
	k.emit(EventCommOpen, map[string]any{"comm_id": commID, "target_name": target, "data": data})
}

func (k *Kernel) CommMsg(commID string, data any, parent *Header) {
	k.setup(parent)
	k.emit(EventCommMsg, map[string]any{"comm_id": commID, "data": data})
}

func (k *Kernel) CommClose(commID string, data any, parent *Header) {
	k.setup(parent)
	k.emit(EventCommClose, map[string]any{"comm_id": commID, "data": data})
}

func (k *Kernel) CommInfo(parent *Header) map[string]string {
	k.setup(parent)
	return map[string]string{}
}

// Terminate transitions the kernel to StateTerminated from any state and
// releases the interpreter. Idempotent.
func (k *Kernel) Terminate() error {
	k.mu.Lock()
	if k.state == StateTerminated {
		k.mu.Unlock()
		return nil
	}
	k.state = StateTerminated
	k.mu.Unlock()

	err := k.interp.Close()
	k.emit(EventKernelTerminated, map[string]any{"kernel_id": k.ID})
	return err
}
