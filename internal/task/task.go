// Package task implements the Cooperative Task: a service
// variant whose worker executes a user-defined routine, hosted by an
// RPC-object manager so it can be started, stopped, and reconfigured
// over the same messaging fabric as any other service.
package task

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/qmigo/qmigo/internal/address"
	"github.com/qmigo/qmigo/internal/errs"
	"github.com/qmigo/qmigo/internal/rpcobject"
	"github.com/qmigo/qmigo/internal/signal"
	"github.com/qmigo/qmigo/internal/worker"
	"github.com/qmigo/qmigo/pkg/qmiwire"
)

// Kind discriminates the two task flavours.
type Kind int

const (
	FreeForm Kind = iota
	Loop
)

// OverrunPolicy governs what a Loop task does when iterate() takes
// longer than the configured period.
type OverrunPolicy int

const (
	// Immediate starts the next iteration without delay on overrun.
	Immediate OverrunPolicy = iota
	// Skip skips missed periods and realigns to the next grid tick.
	Skip
	// Terminate stops the task with an Overrun error on overrun.
	Terminate
)

// LoopFuncs are the three routine hooks a Loop task invokes.
// Finalize always runs on exit, including the Overrun/Terminate path.
type LoopFuncs struct {
	Prepare  func(t *Task) error
	Iterate  func(t *Task) error
	Finalize func(t *Task)
}

// Task is a Service (rpcobject.Service) whose worker drives a free-form
// or loop routine, independent of the RPC-object manager's own
// single-threaded request worker. The task carries a settings record
// synchronised through SyncSettings at well-defined points in the
// routine.
type Task struct {
	name string
	kind Kind

	freeform func(t *Task)
	loop     LoopFuncs
	period   time.Duration
	policy   OverrunPolicy

	self    address.Address
	signals *signal.Manager

	w *worker.Worker

	settings atomic.Pointer[qmiwire.Value]

	mu      sync.Mutex
	running bool
	lastErr error
}

// NewFreeForm creates a free-form task: run is solely responsible for
// periodically checking t.StopRequested().
func NewFreeForm(name string, run func(t *Task)) *Task {
	empty := qmiwire.Map(nil)
	t := &Task{name: name, kind: FreeForm, freeform: run}
	t.settings.Store(&empty)
	return t
}

// NewLoop creates a loop task with the given period and overrun policy.
func NewLoop(name string, period time.Duration, policy OverrunPolicy, funcs LoopFuncs) *Task {
	empty := qmiwire.Map(nil)
	t := &Task{name: name, kind: Loop, loop: funcs, period: period, policy: policy}
	t.settings.Store(&empty)
	return t
}

// Bind attaches the task to the address it will be hosted at and the
// signal manager used to publish its two built-in signals ("settings"
// and "status"). Called by the context during registration,
// before Methods()/Signals() are consulted.
func (t *Task) Bind(self address.Address, signals *signal.Manager) {
	t.self = self
	t.signals = signals
}

// Signals declares the two built-in task signals.
func (t *Task) Signals() []string {
	return []string{"settings", "status"}
}

// Methods exposes the task's control surface over RPC.
func (t *Task) Methods() map[string]rpcobject.Method {
	return map[string]rpcobject.Method{
		"start":           t.startMethod,
		"stop":            t.stopMethod,
		"is_running":      t.isRunningMethod,
		"update_settings": t.updateSettingsMethod,
		"get_settings":    t.getSettingsMethod,
	}
}

func (t *Task) startMethod(args []qmiwire.Value, kwargs map[string]qmiwire.Value) (qmiwire.Value, error) {
	return qmiwire.Nil(), t.Start()
}

func (t *Task) stopMethod(args []qmiwire.Value, kwargs map[string]qmiwire.Value) (qmiwire.Value, error) {
	t.Stop()
	return qmiwire.Nil(), nil
}

func (t *Task) isRunningMethod(args []qmiwire.Value, kwargs map[string]qmiwire.Value) (qmiwire.Value, error) {
	return qmiwire.Bool(t.IsRunning()), nil
}

func (t *Task) updateSettingsMethod(args []qmiwire.Value, kwargs map[string]qmiwire.Value) (qmiwire.Value, error) {
	var v qmiwire.Value
	if val, ok := kwargs["settings"]; ok {
		v = val
	} else if len(args) > 0 {
		v = args[0]
	} else {
		return qmiwire.Value{}, errs.New(errs.InvalidArgument, "update_settings requires a settings value")
	}
	t.UpdateSettings(v)
	return qmiwire.Nil(), nil
}

func (t *Task) getSettingsMethod(args []qmiwire.Value, kwargs map[string]qmiwire.Value) (qmiwire.Value, error) {
	return t.SyncSettings(), nil
}

// SyncSettings returns the latest settings snapshot. The routine calls
// this at well-defined synchronisation points rather than holding a
// lock across iterations.
func (t *Task) SyncSettings() qmiwire.Value {
	return *t.settings.Load()
}

// UpdateSettings installs new as the current settings snapshot and
// publishes the "settings" signal.
func (t *Task) UpdateSettings(newSettings qmiwire.Value) {
	t.settings.Store(&newSettings)
	t.publish("settings", newSettings)
}

func (t *Task) publish(name string, payload qmiwire.Value) {
	if t.signals != nil {
		t.signals.Publish(t.self, name, payload)
	}
}

// Start spawns the task's routine worker. Starting an already-running
// task fails with IllegalState; restarting a stopped task is a fresh
// Start.
func (t *Task) Start() error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return errs.New(errs.IllegalState, "task %s already running", t.name)
	}
	t.running = true
	t.mu.Unlock()

	t.w = worker.New(t.run)
	if err := t.w.Start(); err != nil {
		t.mu.Lock()
		t.running = false
		t.mu.Unlock()
		return err
	}
	return nil
}

// Stop requests the routine worker to stop and waits for it to finish.
func (t *Task) Stop() {
	t.mu.Lock()
	w := t.w
	t.mu.Unlock()
	if w == nil {
		return
	}
	w.RequestStop()
	_ = w.Join(5 * time.Second)
	t.mu.Lock()
	t.running = false
	t.mu.Unlock()
}

// IsRunning reports whether the routine worker is currently active.
func (t *Task) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// StopRequested is consulted by a free-form routine between units of
// work.
func (t *Task) StopRequested() bool {
	t.mu.Lock()
	w := t.w
	t.mu.Unlock()
	return w != nil && w.StopRequested()
}

// Sleep suspends the routine, returning early if a stop is requested.
func (t *Task) Sleep(d time.Duration) bool {
	t.mu.Lock()
	w := t.w
	t.mu.Unlock()
	if w == nil {
		return true
	}
	return w.Sleep(d)
}

// LastError returns the error the routine terminated with, if any (set
// on the Terminate overrun path or a Prepare/Iterate failure).
func (t *Task) LastError() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErr
}

func (t *Task) setLastError(err error) {
	t.mu.Lock()
	t.lastErr = err
	t.mu.Unlock()
}

func (t *Task) run(ctx context.Context) {
	defer func() {
		t.mu.Lock()
		t.running = false
		t.mu.Unlock()
	}()
	switch t.kind {
	case FreeForm:
		t.freeform(t)
	case Loop:
		t.runLoop(ctx)
	}
}
