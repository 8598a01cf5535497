package promzone

import (
	"errors"
	"testing"
)

// TestFollowWaitsForNestedWork verifies Follow's promise fulfills only once
// the innermost continuation spawned inside the scope has run.
func TestFollowWaitsForNestedWork(t *testing.T) {
	e, s := newTestEngine(t)

	innermostRan := false
	p := e.Follow(func() {
		e.Resolved(nil).Then(func(Result) Result {
			return e.Resolved(nil).Then(func(Result) Result {
				innermostRan = true
				return nil
			}, nil)
		}, nil)
	}, nil)

	if p.State() != StatePending {
		t.Fatal("follow settled before its work ran")
	}
	s.Fire()

	if !innermostRan {
		t.Fatal("innermost continuation never ran")
	}
	if st := p.State(); st != StateFulfilled {
		t.Fatalf("expected fulfilled, got %v", st)
	}
	if v := p.Value(); v != nil {
		t.Fatalf("follow should fulfill with nil, got %v", v)
	}
}

// TestFollowEmptyScope verifies a scope that spawns nothing still settles.
func TestFollowEmptyScope(t *testing.T) {
	e, s := newTestEngine(t)

	p := e.Follow(func() {}, nil)
	s.Fire()

	if st := p.State(); st != StateFulfilled {
		t.Fatalf("expected fulfilled, got %v", st)
	}
}

// TestFollowFirstCause verifies an unhandled rejection inside the scope
// rejects the follow promise with that reason.
func TestFollowFirstCause(t *testing.T) {
	e, s := newTestEngine(t)
	boom := errors.New("boom")

	p := e.Follow(func() {
		e.Rejected(boom)
	}, nil)
	p.Catch(func(r Result) Result { return nil }) // silence downstream tracking
	s.Fire()

	if st := p.State(); st != StateRejected {
		t.Fatalf("expected rejected, got %v", st)
	}
	if got := p.Reason(); got != boom {
		t.Fatalf("expected first cause %v, got %v", boom, got)
	}
}

// TestFollowHandledRejectionDoesNotReject verifies a rejection consumed by
// a handler inside the scope before tick end does not fail the scope.
func TestFollowHandledRejectionDoesNotReject(t *testing.T) {
	e, s := newTestEngine(t)
	boom := errors.New("boom")

	recovered := false
	p := e.Follow(func() {
		e.Rejected(boom).Catch(func(r Result) Result {
			recovered = true
			return nil
		})
	}, nil)
	s.Fire()

	if !recovered {
		t.Fatal("catch handler never ran")
	}
	if st := p.State(); st != StateFulfilled {
		t.Fatalf("handled rejection failed the scope: %v (%v)", st, p.Reason())
	}
}

// TestFollowRejectionFromDeferredWork verifies a rejection surfacing from
// goroutine-bridged work still fails the scope.
func TestFollowRejectionFromDeferredWork(t *testing.T) {
	e, s := newTestEngine(t)
	boom := errors.New("late boom")

	r := e.WithResolvers()
	var p *Promise
	p = e.Follow(func() {
		r.Promise.Then(func(Result) Result {
			return e.Rejected(boom)
		}, nil)
	}, nil)

	s.Fire()
	if p.State() != StatePending {
		t.Fatal("follow settled before the deferred work completed")
	}

	r.Resolve(nil)
	s.Fire()

	if st := p.State(); st != StateRejected {
		t.Fatalf("expected rejected, got %v", st)
	}
	if got := p.Reason(); got != boom {
		t.Fatalf("expected %v, got %v", boom, got)
	}
}

// TestFollowPropsVisible verifies zone props passed to Follow are visible
// to work inside the scope.
func TestFollowPropsVisible(t *testing.T) {
	e, s := newTestEngine(t)

	var got any
	e.Follow(func() {
		e.Resolved(nil).Then(func(Result) Result {
			got, _ = e.ActiveZone().Prop("txn")
			return nil
		}, nil)
	}, map[string]any{"txn": "tx1"})
	s.Fire()

	if got != "tx1" {
		t.Fatalf("expected prop visible in scope, got %v", got)
	}
}
