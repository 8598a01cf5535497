package promzone

import (
	"fmt"
	"reflect"
)

// Unhandled-rejection detection. A rejected promise is recorded at the
// moment of rejection and removed again when a rejection handler actually
// consumes the reason; whatever is left when the physical tick finalizes is
// surfaced through the owning zone's onUnhandled handler, which for the
// global zone dispatches a cancelable unhandledrejection event.

// EventUnhandledRejection is the event type dispatched on
// [Engine.UnhandledRejectionTarget] for each residual rejection at the end
// of a physical tick.
const EventUnhandledRejection = "unhandledrejection"

// UnhandledRejection is the Detail payload of an [EventUnhandledRejection]
// event.
type UnhandledRejection struct {
	// Promise is the rejected promise no handler consumed.
	Promise *Promise

	// Reason is its rejection reason, post rejection-mapper.
	Reason Result
}

// addPossiblyUnhandled records p in the unhandled list unless a promise
// with an identical reason is already recorded: downstream pass-through
// rejections share the root cause's reason reference, and suppressing the
// duplicates surfaces the root cause exactly once.
//
// A noop microtask is enqueued alongside, guaranteeing that a physical tick
// (and therefore a flush) happens even when the rejection has no
// continuations of its own.
func (e *Engine) addPossiblyUnhandled(p *Promise) {
	e.rejMu.Lock()
	for _, q := range e.unhandled {
		if sameReason(q.value, p.value) {
			e.rejMu.Unlock()
			return
		}
	}
	e.unhandled = append(e.unhandled, p)
	e.rejMu.Unlock()
	e.asap(func() {})
}

// markHandled removes every recorded promise whose reason is identical to
// p's; called when a rejection handler ran without re-rejecting.
func (e *Engine) markHandled(p *Promise) {
	e.rejMu.Lock()
	kept := e.unhandled[:0]
	for _, q := range e.unhandled {
		if !sameReason(q.value, p.value) {
			kept = append(kept, q)
		}
	}
	e.unhandled = kept
	e.rejMu.Unlock()
}

// pushRejecting records a reason on the currently-rejecting scratch list.
// The dispatcher clears the list before invoking a rejection handler; a
// reason back on the list after the handler returns means the handler
// programmatically re-rejected rather than recovered.
func (e *Engine) pushRejecting(reason Result) {
	e.rejMu.Lock()
	e.rejecting = append(e.rejecting, reason)
	e.rejMu.Unlock()
}

func (e *Engine) clearRejecting() {
	e.rejMu.Lock()
	e.rejecting = nil
	e.rejMu.Unlock()
}

func (e *Engine) isRejecting(reason Result) bool {
	e.rejMu.Lock()
	defer e.rejMu.Unlock()
	for _, r := range e.rejecting {
		if sameReason(r, reason) {
			return true
		}
	}
	return false
}

// flushUnhandled moves the unhandled list aside and invokes each residual
// promise's nearest zone onUnhandled handler with (reason, promise).
func (e *Engine) flushUnhandled() {
	e.rejMu.Lock()
	list := e.unhandled
	e.unhandled = nil
	e.rejMu.Unlock()
	for _, p := range list {
		if fn := p.zone.lookupUnhandled(); fn != nil {
			fn(p.value, p)
		}
	}
}

// defaultUnhandled is the global zone's handler: it dispatches a cancelable
// unhandledrejection event and, unless a listener prevented the default,
// logs a warning.
func (e *Engine) defaultUnhandled(reason Result, p *Promise) {
	ev := &Event{
		Type:       EventUnhandledRejection,
		Cancelable: true,
		Detail:     &UnhandledRejection{Promise: p, Reason: reason},
	}
	if !e.rejectionTarget.DispatchEvent(ev) {
		return
	}
	msg := fmt.Sprintf("unhandled promise rejection: %v", reason)
	if e.longStacks {
		if s := p.Stack(); s != "" {
			msg += "\n" + s
		}
	}
	err, _ := reason.(error)
	e.log(LevelWarn, "unhandled", msg, err)
}

// sameReason reports whether two rejection reasons are the same reference
// (or the same comparable value). Uncomparable kinds fall back to pointer
// identity of their headers; distinct uncomparable values never match.
func sameReason(a, b Result) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb {
		return false
	}
	if ta.Comparable() {
		return a == b
	}
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	switch va.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Chan, reflect.Func, reflect.Slice, reflect.UnsafePointer:
		return va.Pointer() == vb.Pointer()
	default:
		return false
	}
}
