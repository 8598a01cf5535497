package promzone

import (
	"context"
	"errors"
)

// ErrGoexit rejects a promisified function's promise when its goroutine
// exits via runtime.Goexit instead of returning.
var ErrGoexit = errors.New("promzone: goroutine exited via runtime.Goexit")

// Promisify executes fn on a new goroutine and returns a promise for its
// result, carrying the active zone across the goroutine boundary: the zone
// is pinned before the goroutine launches and settlement re-enters it on
// the engine's drain, so continuations registered on the returned promise
// observe the zone that was active at the Promisify call. This is the
// bridge for code that would otherwise lose zone identity by hopping
// through the Go scheduler, the way a native await hops through a host's
// job queue.
//
// It ensures:
//   - the context is consulted before fn runs and its error rejects on
//     early cancellation;
//   - a panic rejects with [PanicError] rather than crashing the process;
//   - runtime.Goexit rejects with [ErrGoexit] rather than hanging;
//   - settlement happens inside a virtual tick via [Engine.Submit].
func (e *Engine) Promisify(ctx context.Context, fn func(ctx context.Context) (Result, error)) *Promise {
	z := e.ActiveZone()
	z.incRef()
	p := e.newPending()

	settle := func(apply func()) {
		e.Submit(func() {
			e.UsePSD(z, func(...Result) Result {
				apply()
				return nil
			})
			z.decRef()
		})
	}

	go func() {
		completed := false

		select {
		case <-ctx.Done():
			completed = true
			err := ctx.Err()
			settle(func() { p.rejectInternal(err) })
			return
		default:
		}

		defer func() {
			if r := recover(); r != nil {
				settle(func() { p.rejectInternal(PanicError{Value: r}) })
			} else if !completed {
				// Ended without a normal return or a recoverable panic:
				// runtime.Goexit.
				settle(func() { p.rejectInternal(ErrGoexit) })
			}
		}()

		res, err := fn(ctx)
		completed = true
		if err != nil {
			settle(func() { p.rejectInternal(err) })
		} else {
			settle(func() { p.resolveInternal(res) })
		}
	}()

	return p
}

// Promisify runs [Engine.Promisify] on [Default].
func Promisify(ctx context.Context, fn func(ctx context.Context) (Result, error)) *Promise {
	return Default.Promisify(ctx, fn)
}
