package promzone

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// scavengeBatch is the number of registry slots inspected per physical tick.
const scavengeBatch = 256

// Engine is an isolated promise scheduler: a microtask queue, a zone tree
// rooted at a global zone, and the unhandled-rejection bookkeeping shared by
// every promise created through it. It is the Go analogue of a single
// JavaScript realm.
//
// Thread Safety:
//
// All methods are safe for concurrent use. Settlement and continuation
// registration may happen from any goroutine; the virtual-tick drain itself
// is serialized so that at most one goroutine is ever inside a tick for a
// given engine. The active-zone register is a logical single-value register:
// interleaving UsePSD calls from multiple goroutines is memory-safe but
// yields an unspecified interleaving, the same way it would in a cooperative
// single-threaded host.
type Engine struct {
	// queue state, guarded by qmu
	qmu            sync.Mutex
	microtasks     microtaskQueue
	tickFinalizers []func()
	// outsideTick is true when no goroutine is inside a virtual-tick drain.
	outsideTick bool
	// needsBootstrap is true when the next enqueue must also schedule a
	// physical tick through the scheduler.
	needsBootstrap bool
	scheduler      Scheduler

	// drainMu admits at most one virtual tick at a time.
	drainMu sync.Mutex

	// numScheduledCalls counts listener invocations sitting in the queue;
	// tick finalization runs when it drains to zero.
	numScheduledCalls atomic.Int32

	// zone register, guarded by psdMu
	psdMu            sync.Mutex
	current          *Zone
	currentFulfiller *Promise

	global *Zone

	// unhandled-rejection bookkeeping, guarded by rejMu
	rejMu     sync.Mutex
	unhandled []*Promise
	// rejecting is the currently-rejecting scratch list, cleared before each
	// rejection handler runs. See callListener.
	rejecting []Result

	mapperMu        sync.RWMutex
	rejectionMapper RejectionMapper

	rejectionTarget *EventTarget
	registry        *promiseRegistry

	logger   Logger
	loggerMu sync.RWMutex

	longStacks bool
}

// RejectionMapper is a pluggable transform applied to every rejection reason
// at the moment of rejection. The default is the identity transform. A mapper
// must be pure: it is invoked while the rejecting promise's internal lock is
// held and must not call back into the engine.
type RejectionMapper func(reason Result) Result

// NewEngine creates an isolated [Engine].
//
// The zero-configuration engine uses [GoroutineScheduler], a no-op logger,
// the identity rejection mapper, and has long stack capture disabled.
func NewEngine(opts ...EngineOption) (*Engine, error) {
	cfg, err := resolveEngineOptions(opts)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		outsideTick:     true,
		needsBootstrap:  true,
		scheduler:       cfg.scheduler,
		rejectionMapper: cfg.rejectionMapper,
		rejectionTarget: NewEventTarget(),
		registry:        newPromiseRegistry(),
		logger:          cfg.logger,
		longStacks:      cfg.longStacks,
	}
	e.global = &Zone{
		engine:      e,
		global:      true,
		onUnhandled: e.defaultUnhandled,
		env:         zoneEnv{scheduler: cfg.scheduler},
	}
	e.current = e.global
	return e, nil
}

// Default is the process-wide engine backing the package-level functions,
// analogous to the single realm a script runs in.
var Default = func() *Engine {
	e, err := NewEngine()
	if err != nil {
		panic(fmt.Sprintf("promzone: default engine: %v", err))
	}
	return e
}()

// ============================================================================
// Microtask scheduling
// ============================================================================

// asap enqueues cb onto the microtask queue. When the enqueue happens outside
// a virtual tick, a physical tick is bootstrapped through the scheduler so
// the queue is guaranteed to drain.
func (e *Engine) asap(cb func()) {
	e.qmu.Lock()
	e.microtasks.push(cb)
	boot := e.needsBootstrap
	if boot {
		e.needsBootstrap = false
	}
	sched := e.scheduler
	e.qmu.Unlock()
	if boot {
		sched.Bootstrap(e.drain)
	}
}

// Submit schedules fn to run inside the next virtual tick. It is the
// re-entry point for work that left the engine, such as a goroutine spawned
// by [Engine.Promisify]: the callback runs on the drain, inside a tick, and
// may settle promises and register continuations like any internal listener.
func (e *Engine) Submit(fn func()) {
	if fn == nil {
		return
	}
	e.asap(fn)
}

// drain runs one physical tick: it opens a virtual-tick scope, runs the
// microtask queue to empty (callbacks may enqueue more; the loop re-checks),
// closes the scope, and then runs tick finalization.
func (e *Engine) drain() {
	e.drainMu.Lock()
	e.qmu.Lock()
	e.outsideTick = false
	e.needsBootstrap = false
	e.qmu.Unlock()

	// The drain runs in the global zone; callbacks that need a different
	// zone switch into it themselves (see callListener).
	e.UsePSD(e.global, func(...Result) Result {
		e.runQueue()
		return nil
	})

	e.qmu.Lock()
	e.outsideTick = true
	e.needsBootstrap = true
	e.qmu.Unlock()
	e.drainMu.Unlock()

	e.finalizePhysicalTick()
}

// runQueue drains the microtask queue to empty. Callbacks are not wrapped in
// a recover: every schedulable caller is internal and performs its own
// panic handling before invoking user code.
func (e *Engine) runQueue() {
	for {
		e.qmu.Lock()
		cb, ok := e.microtasks.pop()
		e.qmu.Unlock()
		if !ok {
			return
		}
		cb()
	}
}

// beginTickScope opens a virtual-tick scope on the calling goroutine if one
// is not already open. Returns true when the caller owns the scope and must
// close it with endTickScope.
func (e *Engine) beginTickScope() bool {
	e.qmu.Lock()
	if !e.outsideTick {
		e.qmu.Unlock()
		return false
	}
	e.qmu.Unlock()
	e.drainMu.Lock()
	e.qmu.Lock()
	e.outsideTick = false
	e.needsBootstrap = false
	e.qmu.Unlock()
	return true
}

// endTickScope drains the queue, closes the scope opened by beginTickScope,
// and runs tick finalization.
func (e *Engine) endTickScope() {
	e.runQueue()
	e.qmu.Lock()
	e.outsideTick = true
	e.needsBootstrap = true
	e.qmu.Unlock()
	e.drainMu.Unlock()
	e.finalizePhysicalTick()
}

// syncTick drains the microtask queue on the calling goroutine, if no tick
// is currently open. Used by promises constructed through [Engine.NewSync].
func (e *Engine) syncTick() {
	if !e.beginTickScope() {
		return
	}
	e.endTickScope()
}

// runAtEndOfTick arranges for fn to run after the current physical tick
// drains, or after the next one if no tick is in flight.
func (e *Engine) runAtEndOfTick(fn func()) {
	e.qmu.Lock()
	e.tickFinalizers = append(e.tickFinalizers, fn)
	e.qmu.Unlock()
	e.numScheduledCalls.Add(1)
	e.asap(func() {
		if e.numScheduledCalls.Add(-1) == 0 {
			e.finalizePhysicalTick()
		}
	})
}

// finalizePhysicalTick flushes the unhandled-rejection list, runs the
// deferred closers registered via runAtEndOfTick, and gives the promise
// registry a scavenge slice. Runs after the queue drains to empty; calling
// it with nothing pending is a no-op.
func (e *Engine) finalizePhysicalTick() {
	e.flushUnhandled()
	e.qmu.Lock()
	fins := e.tickFinalizers
	e.tickFinalizers = nil
	e.qmu.Unlock()
	for _, fn := range fins {
		fn()
	}
	e.registry.scavenge(scavengeBatch)
}

// ============================================================================
// Accessors
// ============================================================================

// Scheduler returns the physical-tick scheduler currently in use.
func (e *Engine) Scheduler() Scheduler {
	e.qmu.Lock()
	defer e.qmu.Unlock()
	return e.scheduler
}

// SetScheduler replaces the physical-tick scheduler. Intended for embedding
// test harnesses that need deterministic control over when ticks drain; see
// [ManualScheduler]. A nil scheduler is ignored.
func (e *Engine) SetScheduler(s Scheduler) {
	if s == nil {
		return
	}
	e.qmu.Lock()
	e.scheduler = s
	e.qmu.Unlock()
}

// RejectionMapper returns the transform applied to rejection reasons.
func (e *Engine) RejectionMapper() RejectionMapper {
	e.mapperMu.RLock()
	defer e.mapperMu.RUnlock()
	return e.rejectionMapper
}

// SetRejectionMapper replaces the rejection-reason transform. Passing nil
// restores the identity mapper.
func (e *Engine) SetRejectionMapper(m RejectionMapper) {
	e.mapperMu.Lock()
	e.rejectionMapper = m
	e.mapperMu.Unlock()
}

func (e *Engine) mapRejection(reason Result) Result {
	e.mapperMu.RLock()
	m := e.rejectionMapper
	e.mapperMu.RUnlock()
	if m == nil {
		return reason
	}
	return m(reason)
}

// SetLogger replaces the engine's [Logger]. Passing nil silences logging.
func (e *Engine) SetLogger(l Logger) {
	e.loggerMu.Lock()
	e.logger = l
	e.loggerMu.Unlock()
}

// UnhandledRejectionTarget returns the [EventTarget] on which
// [EventUnhandledRejection] events are dispatched at the end of a physical
// tick. Listeners may call [Event.PreventDefault] to suppress the default
// console warning.
func (e *Engine) UnhandledRejectionTarget() *EventTarget {
	return e.rejectionTarget
}

// Promises returns the engine's live, still-pending promises. This is a
// debugging aid backed by a weak-pointer registry; promises that settled or
// became unreachable are excluded.
func (e *Engine) Promises() []*Promise {
	return e.registry.live()
}

// currentFulfillerSwap records the promise whose listener is currently
// executing, returning the previous holder. New promises created while a
// listener runs back-link to it for long-stack rendering.
func (e *Engine) currentFulfillerSwap(p *Promise) *Promise {
	e.psdMu.Lock()
	prev := e.currentFulfiller
	e.currentFulfiller = p
	e.psdMu.Unlock()
	return prev
}

func (e *Engine) fulfiller() *Promise {
	e.psdMu.Lock()
	defer e.psdMu.Unlock()
	return e.currentFulfiller
}

// ============================================================================
// Package-level surface (Default engine)
// ============================================================================

// New creates a promise on [Default]. See [Engine.New].
func New(executor Executor) *Promise { return Default.New(executor) }

// NewSync creates a synchronously-draining promise on [Default]. See
// [Engine.NewSync].
func NewSync(executor Executor) *Promise { return Default.NewSync(executor) }

// WithResolvers creates a pending promise on [Default] along with its
// resolve and reject functions. See [Engine.WithResolvers].
func WithResolvers() *Resolvers { return Default.WithResolvers() }

// Resolved returns a promise fulfilled with v on [Default]. See
// [Engine.Resolved].
func Resolved(v Result) *Promise { return Default.Resolved(v) }

// Rejected returns a promise rejected with reason on [Default]. See
// [Engine.Rejected].
func Rejected(reason Result) *Promise { return Default.Rejected(reason) }

// All runs [Engine.All] on [Default].
func All(items []Result) *Promise { return Default.All(items) }

// Race runs [Engine.Race] on [Default].
func Race(items []Result) *Promise { return Default.Race(items) }

// AllSettled runs [Engine.AllSettled] on [Default].
func AllSettled(items []Result) *Promise { return Default.AllSettled(items) }

// Any runs [Engine.Any] on [Default].
func Any(items []Result) *Promise { return Default.Any(items) }

// Follow runs [Engine.Follow] on [Default].
func Follow(fn func(), props map[string]any) *Promise { return Default.Follow(fn, props) }

// ActiveZone returns [Default]'s active zone.
func ActiveZone() *Zone { return Default.ActiveZone() }

// NewScope runs [Engine.NewScope] on [Default].
func NewScope(fn func(args ...Result) Result, props map[string]any, args ...Result) Result {
	return Default.NewScope(fn, props, args...)
}

// UsePSD runs [Engine.UsePSD] on [Default].
func UsePSD(z *Zone, fn func(args ...Result) Result, args ...Result) Result {
	return Default.UsePSD(z, fn, args...)
}

// Wrap runs [Engine.Wrap] on [Default].
func Wrap(fn func(args ...Result), errorCatcher func(error)) func(args ...Result) {
	return Default.Wrap(fn, errorCatcher)
}

// SetScheduler replaces [Default]'s physical-tick scheduler.
func SetScheduler(s Scheduler) { Default.SetScheduler(s) }

// SetRejectionMapper replaces [Default]'s rejection mapper.
func SetRejectionMapper(m RejectionMapper) { Default.SetRejectionMapper(m) }

// SetLogger replaces [Default]'s logger.
func SetLogger(l Logger) { Default.SetLogger(l) }

// UnhandledRejectionTarget returns [Default]'s unhandled-rejection target.
func UnhandledRejectionTarget() *EventTarget { return Default.UnhandledRejectionTarget() }
