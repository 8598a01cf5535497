package promzone

import (
	"sync"
	"sync/atomic"
)

// Zone is an async-context scope. Zones form a tree rooted at the engine's
// global zone; the active zone is a single-valued register that every
// promise and every scheduled continuation pins at creation time, so that a
// handler always observes the zone that was active when its continuation
// was registered, no matter how many ticks later it runs.
//
// A zone tracks a reference count of in-flight work. Each promise holds one
// reference from construction until its settlement has propagated, and each
// scheduled listener holds one from enqueue until it finishes executing.
// When the count drops back to zero the zone finalizes exactly once,
// releasing its reference on the parent in turn.
type Zone struct {
	engine *Engine
	parent *Zone

	// props carries user-supplied scope values. Lookups fall through to the
	// parent, mirroring prototype-chain inheritance.
	props map[string]any

	// onUnhandled, when set, is invoked at tick finalization with each
	// unhandled rejection of a core promise bound to this zone. Unset zones
	// fall through to the nearest ancestor handler; the global zone's
	// default dispatches an unhandledrejection event.
	onUnhandled func(reason Result, p *Promise)

	// finalize runs once when the reference count returns to zero.
	finalize func()

	// env snapshots engine state to install on entry and restore on exit,
	// so modifications made inside a zone do not leak out of it.
	env zoneEnv

	ref    atomic.Int32
	global bool

	// running is true while NewScope is still executing the scope body;
	// a transient zero reference count during that window must not
	// finalize the zone.
	running atomic.Bool

	finalizeOnce sync.Once

	mu         sync.Mutex
	unhandleds []Result
}

// zoneEnv is the per-zone snapshot installed by switchToZone. The original
// design patches a host promise prototype here; the Go rendition has no
// global primitive to patch, so the snapshot is limited to the engine state
// a zone can meaningfully scope: the physical-tick scheduler.
type zoneEnv struct {
	scheduler Scheduler
}

// Parent returns the zone's parent, or nil for the global zone.
func (z *Zone) Parent() *Zone { return z.parent }

// Global reports whether this is the engine's root zone.
func (z *Zone) Global() bool { return z.global }

// Engine returns the engine this zone belongs to.
func (z *Zone) Engine() *Engine { return z.engine }

// Prop looks up a scope value by key, falling through to ancestor zones.
func (z *Zone) Prop(key string) (any, bool) {
	for s := z; s != nil; s = s.parent {
		s.mu.Lock()
		v, ok := s.props[key]
		s.mu.Unlock()
		if ok {
			return v, true
		}
	}
	return nil, false
}

// SetOnUnhandled installs a handler invoked with each unhandled rejection
// of a core promise bound to this zone, replacing any inherited handler.
func (z *Zone) SetOnUnhandled(fn func(reason Result, p *Promise)) {
	z.mu.Lock()
	z.onUnhandled = fn
	z.mu.Unlock()
}

// lookupUnhandled walks up the zone tree for the nearest onUnhandled
// handler. The global zone always has one.
func (z *Zone) lookupUnhandled() func(Result, *Promise) {
	for s := z; s != nil; s = s.parent {
		s.mu.Lock()
		fn := s.onUnhandled
		s.mu.Unlock()
		if fn != nil {
			return fn
		}
	}
	return nil
}

func (z *Zone) recordUnhandled(reason Result) {
	z.mu.Lock()
	z.unhandleds = append(z.unhandleds, reason)
	z.mu.Unlock()
}

// incRef pins the zone against finalization.
func (z *Zone) incRef() {
	if z == nil {
		return
	}
	z.ref.Add(1)
}

// decRef releases one pin; the zone finalizes when the count returns to
// zero, unless its scope body is still on the stack (NewScope re-checks
// after the body returns).
func (z *Zone) decRef() {
	if z == nil {
		return
	}
	if z.ref.Add(-1) == 0 && !z.global && !z.running.Load() {
		z.finalizeZone()
	}
}

// finalizeZone runs the finalize hook exactly once and releases the
// reference NewScope took on the parent. The global zone never finalizes.
func (z *Zone) finalizeZone() {
	if z == nil || z.global {
		return
	}
	z.finalizeOnce.Do(func() {
		z.mu.Lock()
		fin := z.finalize
		z.mu.Unlock()
		if fin != nil {
			fin()
		}
		z.parent.decRef()
	})
}

// ============================================================================
// Zone switching
// ============================================================================

// ActiveZone returns the currently active zone.
func (e *Engine) ActiveZone() *Zone {
	e.psdMu.Lock()
	defer e.psdMu.Unlock()
	return e.current
}

// GlobalZone returns the engine's root zone.
func (e *Engine) GlobalZone() *Zone { return e.global }

// SetActiveZone installs z as the active zone and returns the previous one.
// Most callers want [Engine.UsePSD], which brackets the switch with a
// guaranteed restore; this raw accessor exists for embedders that manage
// their own bracketing.
func (e *Engine) SetActiveZone(z *Zone) *Zone {
	return e.switchToZone(z)
}

// switchToZone installs target as the active zone. A no-op when target is
// already active. Leaving the global zone re-snapshots the engine state
// into the global env first, so scheduler changes made between zone entries
// are preserved when the global zone is restored.
func (e *Engine) switchToZone(target *Zone) *Zone {
	if target == nil {
		target = e.global
	}
	e.psdMu.Lock()
	prev := e.current
	if target == prev {
		e.psdMu.Unlock()
		return prev
	}
	if prev == e.global {
		e.qmu.Lock()
		e.global.env.scheduler = e.scheduler
		e.qmu.Unlock()
	}
	e.current = target
	e.psdMu.Unlock()
	e.qmu.Lock()
	if s := target.env.scheduler; s != nil {
		e.scheduler = s
	}
	e.qmu.Unlock()
	return prev
}

// UsePSD saves the active zone, switches to z, invokes fn, and restores the
// previous zone in a guaranteed-release step regardless of panic or return.
func (e *Engine) UsePSD(z *Zone, fn func(args ...Result) Result, args ...Result) Result {
	prev := e.switchToZone(z)
	defer e.switchToZone(prev)
	return fn(args...)
}

// NewScope creates a child of the active zone, switches into it, and
// invokes fn. Unset props fall through to the parent. If no work was
// spawned inside the scope by the time fn returns, the zone finalizes
// immediately; otherwise it finalizes when the last pinned continuation
// completes.
func (e *Engine) NewScope(fn func(args ...Result) Result, props map[string]any, args ...Result) Result {
	parent := e.ActiveZone()
	z := &Zone{
		engine: e,
		parent: parent,
		env:    zoneEnv{scheduler: e.Scheduler()},
	}
	if len(props) > 0 {
		z.props = make(map[string]any, len(props))
		for k, v := range props {
			z.props[k] = v
		}
	}
	parent.incRef()
	z.running.Store(true)
	ret := e.UsePSD(z, fn, args...)
	z.running.Store(false)
	if z.ref.Load() == 0 {
		z.finalizeZone()
	}
	return ret
}

// Follow creates a child zone, runs fn inside it, and returns a promise
// that fulfills with nil once every continuation spawned within the zone
// (however deeply chained) has completed, if the zone recorded no
// unhandled rejection. An unhandled rejection of a promise bound to the
// zone rejects the returned promise with that reason as soon as it is
// flushed at the end of a physical tick, without waiting for the zone's
// remaining work; later rejections do not change the outcome.
func (e *Engine) Follow(fn func(), props map[string]any) *Promise {
	return e.New(func(resolve ResolveFunc, reject RejectFunc) {
		e.NewScope(func(...Result) Result {
			z := e.ActiveZone()
			z.mu.Lock()
			z.onUnhandled = func(reason Result, _ *Promise) {
				z.recordUnhandled(reason)
				reject(reason)
			}
			z.finalize = func() {
				e.runAtEndOfTick(func() {
					z.mu.Lock()
					var first Result
					rejected := len(z.unhandleds) > 0
					if rejected {
						first = z.unhandleds[0]
					}
					z.mu.Unlock()
					if rejected {
						reject(first)
					} else {
						resolve(nil)
					}
				})
			}
			z.mu.Unlock()
			fn()
			return nil
		}, props)
	})
}

// Wrap binds the active zone into fn. See [Zone.Wrap].
func (e *Engine) Wrap(fn func(args ...Result), errorCatcher func(error)) func(args ...Result) {
	return e.ActiveZone().Wrap(fn, errorCatcher)
}

// Wrap returns a callable bound to z: on entry it switches to the zone and
// opens a virtual-tick scope (unless the caller is already inside one); on
// exit it restores the outer zone and drains the scope it opened. Panics
// out of fn are passed to errorCatcher when one is supplied, and logged and
// swallowed otherwise.
//
// Use Wrap at system boundaries: a callback handed to a host API runs on a
// stack the engine does not control, and without wrapping, continuations it
// registers would observe the global zone.
func (z *Zone) Wrap(fn func(args ...Result), errorCatcher func(error)) func(args ...Result) {
	e := z.engine
	return func(args ...Result) {
		wasRoot := e.beginTickScope()
		prev := e.switchToZone(z)
		defer func() {
			e.switchToZone(prev)
			if r := recover(); r != nil {
				err := PanicError{Value: r}
				if errorCatcher != nil {
					errorCatcher(err)
				} else {
					e.log(LevelError, "zone", "wrapped callable panicked", err)
				}
			}
			if wasRoot {
				e.endTickScope()
			}
		}()
		fn(args...)
	}
}
