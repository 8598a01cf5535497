// Package promzone implements a Promise/A+-compliant promise engine that
// schedules continuations on an internally emulated microtask queue rather
// than delegating to the Go runtime's own goroutine scheduler for the hop.
//
// # Motivation
//
// Some APIs (transactional storage engines in particular) close an implicit
// transactional scope when control returns across a scheduling boundary they
// can observe, but stay open across a boundary that chains through an
// already-settled promise. Continuations registered with [Promise.Then] are
// run inside a private virtual tick, bootstrapped once per physical tick, so
// user callbacks can keep doing further transactional work from a
// resolution handler.
//
// # Zones
//
// Layered on top of the promise engine is a zone system: a tree of
// async-context scopes, rooted at a global zone, forming a single-valued
// "active zone" register. Every promise and every scheduled continuation
// pins the zone that was active when it was created; [NewScope] and
// [Follow] create child zones, and [Engine.Promisify]/[Zone.Wrap] carry zone
// identity across a goroutine boundary the same way the original design
// patches a host's native async/await plumbing.
//
// # Usage
//
//	r := promzone.WithResolvers()
//	go func() {
//	    v, err := doWork()
//	    if err != nil {
//	        r.Reject(err)
//	    } else {
//	        r.Resolve(v)
//	    }
//	}()
//	r.Promise.Then(func(v promzone.Result) promzone.Result {
//	    return transform(v)
//	}, nil)
//
// All of the package-level functions operate against [Default], a
// process-wide [Engine] analogous to a single JavaScript realm. Construct an
// isolated [Engine] with [NewEngine] to run a second, independent scheduler
// (for example, one per embedded script runtime).
package promzone
