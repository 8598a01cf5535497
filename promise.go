package promzone

// Promise state machine, continuation registration, and the resolution
// procedure. Continuations never run on the registering stack: settlement
// enqueues them onto the engine's microtask queue, and the entire cascade of
// continuations they spawn drains within a single physical tick.

import (
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
)

// Result represents the value of a fulfilled or rejected promise.
// It can be any type, similar to JavaScript's dynamic typing.
type Result = any

// PromiseState represents the lifecycle state of a [Promise]. A promise
// starts in [StatePending] and transitions to either [StateFulfilled] or
// [StateRejected]. State transitions are irreversible.
type PromiseState int32

const (
	// StatePending indicates the promise has not yet settled.
	StatePending PromiseState = iota

	// StateFulfilled indicates the promise completed with a value.
	StateFulfilled

	// StateRejected indicates the promise failed with a reason.
	StateRejected
)

func (s PromiseState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateFulfilled:
		return "fulfilled"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// ResolveFunc fulfills a promise with a value. Calling it on an
// already-settled promise has no effect. Can be called from any goroutine.
type ResolveFunc func(Result)

// RejectFunc rejects a promise with a reason. Calling it on an
// already-settled promise has no effect. Can be called from any goroutine.
type RejectFunc func(Result)

// Executor is the callable passed to [Engine.New]. It is invoked
// synchronously during construction with the new promise's resolve and
// reject capabilities.
type Executor func(resolve ResolveFunc, reject RejectFunc)

// Thenable is a foreign promise-like value: anything that can report its
// eventual settlement by invoking one of two callbacks. Resolving a core
// promise with a Thenable adopts its settlement; the adoption does not
// count as settlement until the Thenable itself settles.
//
// Core promises are adopted through a cheaper internal path and do not need
// to implement this interface.
type Thenable interface {
	Then(onFulfilled func(Result), onRejected func(Result))
}

// Promise is a settle-once container for a future result, bound to the zone
// that was active at its construction.
//
// Creating promises:
//
//	r := engine.WithResolvers()
//	go func() {
//	    v, err := doWork()
//	    if err != nil {
//	        r.Reject(err)
//	    } else {
//	        r.Resolve(v)
//	    }
//	}()
//
// Chaining:
//
//	r.Promise.
//	    Then(func(v promzone.Result) promzone.Result {
//	        return transform(v)
//	    }, nil).
//	    CatchFilter(&promzone.TypeError{}, func(r promzone.Result) promzone.Result {
//	        return fallback
//	    }).
//	    Finally(cleanup)
//
// Thread safety: settlement and registration may happen from any goroutine;
// handlers always execute inside a virtual tick.
type Promise struct {
	engine *Engine
	zone   *Zone

	value     Result
	listeners []listener
	channels  []chan Result

	// long-stacks debug fields; populated only when the engine was built
	// with WithLongStacks.
	creation  []uintptr
	prev      *Promise
	prevDepth int

	state stateWord

	id uint64

	// syncTick marks promises created through NewSync: settlement opens a
	// virtual tick and drains before returning.
	syncTick bool

	// pinned is cleared when the construction reference on the zone has
	// been released.
	pinned bool

	mu sync.Mutex
}

// stateWord is the atomically-readable state field, allowing the common
// already-settled fast path to skip the promise lock.
type stateWord struct {
	v atomic.Int32
}

func (w *stateWord) load() PromiseState { return PromiseState(w.v.Load()) }

func (w *stateWord) store(s PromiseState) { w.v.Store(int32(s)) }

// listener is a reaction to settlement: a handler pair, the downstream
// promise they feed, and the zone captured at registration time. Created at
// continuation registration, consumed exactly once.
type listener struct {
	onFulfilled func(Result) Result
	onRejected  func(Result) Result
	target      *Promise
	zone        *Zone
}

// Resolvers bundles a pending promise with its settlement capabilities,
// mirroring the ES2024 Promise.withResolvers() shape.
type Resolvers struct {
	Promise *Promise
	Resolve ResolveFunc
	Reject  RejectFunc
}

// ============================================================================
// Construction
// ============================================================================

// newPending creates a pending promise bound to the active zone, pinning
// the zone until settlement propagates.
func (e *Engine) newPending() *Promise {
	p := &Promise{
		engine: e,
		zone:   e.ActiveZone(),
		pinned: true,
	}
	p.id = e.registry.register(p)
	p.zone.incRef()
	if e.longStacks {
		p.creation = captureCreationStack()
		linkToPreviousPromise(p, e.fulfiller())
	}
	return p
}

// newSettled is the privileged construction path: it builds a promise that
// is already settled with the given state and value, bypassing the
// executor. Rejected construction still flows through the full rejection
// bookkeeping so the reason is mapped and tracked.
func (e *Engine) newSettled(state PromiseState, value Result) *Promise {
	p := &Promise{
		engine: e,
		zone:   e.ActiveZone(),
	}
	p.id = e.registry.register(p)
	if e.longStacks {
		p.creation = captureCreationStack()
		linkToPreviousPromise(p, e.fulfiller())
	}
	if state == StateRejected {
		e.pushRejecting(value)
		value = e.mapRejection(value)
	}
	p.value = value
	p.state.store(state)
	if state == StateRejected {
		e.addPossiblyUnhandled(p)
	}
	return p
}

// New creates a promise and synchronously invokes executor with its resolve
// and reject capabilities. A panic out of the executor rejects the promise
// with a [PanicError].
func (e *Engine) New(executor Executor) *Promise {
	return e.construct(executor, false)
}

// NewSync creates a promise whose settlement synchronously opens a virtual
// tick and drains the microtask queue before resolve or reject returns.
// Continuation ordering is unchanged; the drain simply happens on the
// settling caller's stack instead of a bootstrapped one. When settlement
// happens while a virtual tick is already open, nothing drains early: the
// continuations run later in that tick's own drain. Use this only when
// settling from a known quiescent stack.
func (e *Engine) NewSync(executor Executor) *Promise {
	return e.construct(executor, true)
}

func (e *Engine) construct(executor Executor, syncTick bool) *Promise {
	if executor == nil {
		panic("promzone: executor must not be nil")
	}
	p := e.newPending()
	p.syncTick = syncTick
	func() {
		defer func() {
			if r := recover(); r != nil {
				p.rejectInternal(PanicError{Value: r})
			}
		}()
		executor(p.resolveInternal, p.rejectInternal)
	}()
	return p
}

// WithResolvers creates a pending promise along with its resolve and reject
// functions, for scenarios where the executor pattern is awkward: settling
// from outside the construction scope, or bridging callback-based APIs.
func (e *Engine) WithResolvers() *Resolvers {
	p := e.newPending()
	return &Resolvers{
		Promise: p,
		Resolve: p.resolveInternal,
		Reject:  p.rejectInternal,
	}
}

// Resolved returns a promise fulfilled with v. A core promise of this
// engine is returned as-is; a [Thenable] is adopted; any other value is
// wrapped via the privileged already-settled path.
func (e *Engine) Resolved(v Result) *Promise {
	if cp, ok := v.(*Promise); ok {
		if cp.engine == e {
			return cp
		}
		p := e.newPending()
		p.resolveInternal(cp)
		return p
	}
	if _, ok := v.(Thenable); ok {
		p := e.newPending()
		p.resolveInternal(v)
		return p
	}
	return e.newSettled(StateFulfilled, v)
}

// Rejected returns a promise rejected with reason via the privileged path.
func (e *Engine) Rejected(reason Result) *Promise {
	return e.newSettled(StateRejected, reason)
}

// ============================================================================
// Inspection
// ============================================================================

// State returns the current [PromiseState].
func (p *Promise) State() PromiseState {
	return p.state.load()
}

// Value returns the fulfillment value, or nil if pending or rejected.
// Note that a fulfilled promise can legitimately hold a nil value.
func (p *Promise) Value() Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.load() == StateFulfilled {
		return p.value
	}
	return nil
}

// Reason returns the rejection reason, or nil if pending or fulfilled.
func (p *Promise) Reason() Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.load() == StateRejected {
		return p.value
	}
	return nil
}

// Zone returns the zone that was active when the promise was constructed.
func (p *Promise) Zone() *Zone { return p.zone }

// ToChannel returns a channel that receives the settlement value or reason,
// then closes. If the promise is already settled the channel is pre-filled.
func (p *Promise) ToChannel() <-chan Result {
	ch := make(chan Result, 1)
	p.mu.Lock()
	if p.state.load() != StatePending {
		v := p.value
		p.mu.Unlock()
		ch <- v
		close(ch)
		return ch
	}
	p.channels = append(p.channels, ch)
	p.mu.Unlock()
	return ch
}

// ============================================================================
// Resolution procedure
// ============================================================================

// resolveInternal is the Promise/A+ resolution procedure. A core promise or
// a Thenable is adopted; any other value fulfills.
func (p *Promise) resolveInternal(value Result) {
	if cp, ok := value.(*Promise); ok {
		if cp == p {
			p.rejectInternal(&TypeError{Message: "A promise cannot be resolved with itself."})
			return
		}
		// Adopt a core promise through its internal continuation
		// registration; the nil handler pair short-circuits the microtask
		// hop on both settle paths.
		cp.propagateToListener(listener{target: p, zone: p.zone})
		return
	}
	if th, ok := value.(Thenable); ok {
		p.adoptThenable(th)
		return
	}
	p.settle(StateFulfilled, value)
}

func (p *Promise) rejectInternal(reason Result) {
	p.settle(StateRejected, reason)
}

// adoptThenable subscribes to a foreign thenable. The thenable's Then
// panicking while being called counts as a rejection with the panicked
// value; settlement races inside a misbehaving thenable collapse to the
// first call because settle is idempotent.
func (p *Promise) adoptThenable(th Thenable) {
	defer func() {
		if r := recover(); r != nil {
			p.rejectInternal(r)
		}
	}()
	th.Then(p.resolveInternal, p.rejectInternal)
}

// settle performs the single state transition. The value is frozen, the
// listener list is handed off and cleared, and each listener propagates.
func (p *Promise) settle(state PromiseState, value Result) {
	e := p.engine
	p.mu.Lock()
	if p.state.load() != StatePending {
		p.mu.Unlock()
		return
	}
	if state == StateRejected {
		e.pushRejecting(value)
		value = e.mapRejection(value)
	}
	p.value = value
	p.state.store(state)
	ls := p.listeners
	p.listeners = nil
	chans := p.channels
	p.channels = nil
	p.mu.Unlock()

	if state == StateRejected {
		e.addPossiblyUnhandled(p)
	}

	for i := range ls {
		p.propagateToListener(ls[i])
	}
	for _, ch := range chans {
		select {
		case ch <- value:
		default:
		}
		close(ch)
	}

	p.releaseZonePin()

	if p.syncTick {
		e.syncTick()
	}
}

// releaseZonePin drops the construction reference once settlement has
// propagated to every registered listener.
func (p *Promise) releaseZonePin() {
	p.mu.Lock()
	pinned := p.pinned
	p.pinned = false
	p.mu.Unlock()
	if pinned {
		p.zone.decRef()
	}
}

// ============================================================================
// Continuation registration and propagation
// ============================================================================

// Then registers handlers for settlement and returns a new pending promise
// fed by their outcome.
//
//   - A handler returning a value fulfills the returned promise with it;
//     returning a promise or [Thenable] makes the returned promise adopt it.
//   - A handler panicking rejects the returned promise with a [PanicError].
//   - A nil handler passes the settlement through unchanged.
//
// Handlers run in a later virtual tick, never on the registering stack, and
// execute inside the zone that was active when Then was called.
func (p *Promise) Then(onFulfilled, onRejected func(Result) Result) *Promise {
	e := p.engine
	child := e.newPending()
	if e.longStacks {
		linkToPreviousPromise(child, p)
	}
	p.propagateToListener(listener{
		onFulfilled: onFulfilled,
		onRejected:  onRejected,
		target:      child,
		zone:        e.ActiveZone(),
	})
	return child
}

// Catch registers a rejection handler; equivalent to Then(nil, onRejected).
func (p *Promise) Catch(onRejected func(Result) Result) *Promise {
	return p.Then(nil, onRejected)
}

// CatchFilter registers a rejection handler that only runs for matching
// reasons; non-matching rejections are re-raised unchanged.
//
// The filter may be:
//   - a string, matched against the reason's Name() (see [TypeError.Name])
//     or, failing that, its dynamic type string;
//   - a func(Result) bool predicate;
//   - any other value, treated as a type exemplar: the handler runs when
//     the reason (or an error in its unwrap chain) has the same dynamic
//     type, or when errors.Is matches a sentinel.
func (p *Promise) CatchFilter(filter any, onRejected func(Result) Result) *Promise {
	return p.Then(nil, func(reason Result) Result {
		if !filterMatches(filter, reason) {
			return p.engine.Rejected(reason)
		}
		return onRejected(reason)
	})
}

// Finally registers fn to run on either settlement and returns a promise
// that restores the original outcome. The handler's own result is ignored:
// a rejection is forwarded as the same rejection, a fulfillment as the same
// value. A panic out of fn is logged and discarded rather than replacing
// the original settlement.
func (p *Promise) Finally(fn func()) *Promise {
	if fn == nil {
		return p.Then(nil, nil)
	}
	e := p.engine
	run := func() {
		defer func() {
			if r := recover(); r != nil {
				e.log(LevelError, "promise", "finally handler panicked", PanicError{Value: r})
			}
		}()
		fn()
	}
	return p.Then(
		func(v Result) Result {
			run()
			return v
		},
		func(reason Result) Result {
			run()
			return e.Rejected(reason)
		},
	)
}

// propagateToListener stores l while the promise is pending, or propagates
// the settlement: a nil handler settles the downstream promise directly,
// short-circuiting the microtask hop, and anything else pins the listener's
// zone and enqueues the invocation.
func (p *Promise) propagateToListener(l listener) {
	st := p.state.load()
	if st == StatePending {
		p.mu.Lock()
		if p.state.load() == StatePending {
			p.listeners = append(p.listeners, l)
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()
		st = p.state.load()
	}

	var cb func(Result) Result
	if st == StateFulfilled {
		cb = l.onFulfilled
	} else {
		cb = l.onRejected
	}
	if cb == nil {
		if l.target == nil {
			return
		}
		if st == StateFulfilled {
			l.target.resolveInternal(p.value)
		} else {
			l.target.rejectInternal(p.value)
		}
		return
	}

	e := p.engine
	l.zone.incRef()
	e.numScheduledCalls.Add(1)
	e.asap(func() {
		e.callListener(cb, p, l)
	})
}

// callListener is the dispatcher: it runs one handler with the settled
// value inside the listener's captured zone, then settles the downstream
// promise with the handler's return (re-entering the resolution procedure)
// or with a [PanicError] if the handler panicked.
//
// For rejection handlers, the currently-rejecting scratch list
// distinguishes programmatic re-rejection from recovery: the list is
// cleared before the handler runs, and if the original reason is not back
// on it afterwards, the handler consumed the rejection and the promise
// leaves the unhandled list.
func (e *Engine) callListener(cb func(Result) Result, p *Promise, l listener) {
	defer func() {
		if e.numScheduledCalls.Add(-1) == 0 {
			e.finalizePhysicalTick()
		}
		l.zone.decRef()
	}()

	var ret Result
	var panicked any
	func() {
		prevFulfiller := e.currentFulfillerSwap(p)
		prevZone := e.switchToZone(l.zone)
		defer func() {
			e.switchToZone(prevZone)
			e.currentFulfillerSwap(prevFulfiller)
			if r := recover(); r != nil {
				panicked = r
			}
		}()
		value := p.value
		if p.state.load() == StateRejected {
			e.clearRejecting()
			ret = cb(value)
			if !e.isRejecting(value) {
				e.markHandled(p)
			}
		} else {
			ret = cb(value)
		}
	}()

	if l.target == nil {
		if panicked != nil {
			e.log(LevelError, "promise", "listener with no downstream panicked", PanicError{Value: panicked})
		}
		return
	}
	if panicked != nil {
		l.target.rejectInternal(PanicError{Value: panicked})
		return
	}
	l.target.resolveInternal(ret)
}

// filterMatches implements CatchFilter's matching rules.
func filterMatches(filter any, reason Result) bool {
	switch f := filter.(type) {
	case nil:
		return true
	case string:
		if named, ok := reason.(interface{ Name() string }); ok && named.Name() == f {
			return true
		}
		t := reflect.TypeOf(reason)
		return t != nil && t.String() == f
	case func(Result) bool:
		return f(reason)
	default:
		ft := reflect.TypeOf(filter)
		if ft == nil {
			return false
		}
		rerr, isErr := reason.(error)
		if isErr {
			if ferr, ok := filter.(error); ok && errors.Is(rerr, ferr) {
				return true
			}
		}
		if reflect.TypeOf(reason) == ft {
			return true
		}
		if !isErr {
			return false
		}
		// See through wrappers such as PanicError.
		for err := errors.Unwrap(rerr); err != nil; err = errors.Unwrap(err) {
			if reflect.TypeOf(err) == ft {
				return true
			}
		}
		return false
	}
}
