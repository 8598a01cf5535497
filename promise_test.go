package promzone

import (
	"errors"
	"fmt"
	"testing"
)

// TestOrderingAcrossSettledSources verifies that listeners registered on
// two already-settled promises run in registration order within a single
// physical tick.
func TestOrderingAcrossSettledSources(t *testing.T) {
	e, s := newTestEngine(t)

	a := e.Resolved(1)
	b := e.Resolved(2)

	var order []int
	push := func(v Result) Result {
		order = append(order, v.(int))
		return nil
	}
	a.Then(push, nil)
	b.Then(push, nil)

	s.Fire()

	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("expected [1 2], got %v", order)
	}
}

func TestExecutorSettlesSynchronously(t *testing.T) {
	e, s := newTestEngine(t)

	p := e.New(func(resolve ResolveFunc, _ RejectFunc) {
		resolve("now")
	})
	if st := p.State(); st != StateFulfilled {
		t.Fatalf("expected fulfilled, got %v", st)
	}
	s.Fire()
}

func TestExecutorPanicRejects(t *testing.T) {
	e, s := newTestEngine(t)
	boom := errors.New("executor blew up")

	p := e.New(func(ResolveFunc, RejectFunc) {
		panic(boom)
	})
	if st := p.State(); st != StateRejected {
		t.Fatalf("expected rejected, got %v", st)
	}
	if !errors.Is(p.Reason().(error), boom) {
		t.Fatalf("expected PanicError wrapping %v, got %v", boom, p.Reason())
	}
	s.Fire()
}

func TestNilExecutorPanics(t *testing.T) {
	e, _ := newTestEngine(t)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for nil executor")
		}
	}()
	e.New(nil)
}

// TestResolvedIdentity verifies resolved(p) returns p unchanged for a core
// promise of the same engine.
func TestResolvedIdentity(t *testing.T) {
	e, _ := newTestEngine(t)
	p := e.Resolved(1)
	if e.Resolved(p) != p {
		t.Fatal("Resolved did not return the core promise as-is")
	}
}

// TestRoundTripFulfillment: resolved(v).Then(identity) fulfills with v.
func TestRoundTripFulfillment(t *testing.T) {
	e, s := newTestEngine(t)

	p := e.Resolved("v").Then(func(x Result) Result { return x }, nil)
	s.Fire()
	if got := p.Value(); got != "v" {
		t.Fatalf("expected %q, got %v", "v", got)
	}
}

// TestRoundTripRecovery: rejected(e).Catch(identity).Then(identity)
// fulfills with e.
func TestRoundTripRecovery(t *testing.T) {
	e, s := newTestEngine(t)
	boom := errors.New("boom")

	p := e.Rejected(boom).
		Catch(func(r Result) Result { return r }).
		Then(func(x Result) Result { return x }, nil)
	s.Fire()

	if st := p.State(); st != StateFulfilled {
		t.Fatalf("expected fulfilled, got %v", st)
	}
	if got := p.Value(); got != boom {
		t.Fatalf("expected the error as a fulfillment value, got %v", got)
	}
}

func TestFinallyPreservesFulfillment(t *testing.T) {
	e, s := newTestEngine(t)

	ran := false
	p := e.Resolved(7).Finally(func() { ran = true })
	s.Fire()

	if !ran {
		t.Fatal("finally handler never ran")
	}
	if v := p.Value(); v != 7 {
		t.Fatalf("finally changed the outcome: %v", v)
	}
}

func TestFinallyPreservesRejection(t *testing.T) {
	e, s := newTestEngine(t)
	boom := errors.New("boom")

	ran := false
	var got Result
	e.Rejected(boom).
		Finally(func() { ran = true }).
		Catch(func(r Result) Result {
			got = r
			return nil
		})
	s.Fire()

	if !ran {
		t.Fatal("finally handler never ran")
	}
	if got != boom {
		t.Fatalf("finally altered the rejection: %v", got)
	}
}

// TestFinallyPanicDiscarded verifies a panic inside a finally handler does
// not replace the original settlement.
func TestFinallyPanicDiscarded(t *testing.T) {
	e, s := newTestEngine(t)

	p := e.Resolved(7).Finally(func() { panic("cleanup exploded") })
	s.Fire()

	if v := p.Value(); v != 7 {
		t.Fatalf("finally panic replaced the outcome: state=%v value=%v", p.State(), v)
	}
}

func TestToChannelPending(t *testing.T) {
	e, s := newTestEngine(t)
	r := e.WithResolvers()

	ch := r.Promise.ToChannel()
	select {
	case <-ch:
		t.Fatal("channel delivered before settlement")
	default:
	}

	r.Resolve("done")
	s.Fire()

	if v := <-ch; v != "done" {
		t.Fatalf("expected %q, got %v", "done", v)
	}
	if _, open := <-ch; open {
		t.Fatal("channel not closed after delivery")
	}
}

func TestToChannelSettled(t *testing.T) {
	e, _ := newTestEngine(t)
	if v := <-e.Resolved(3).ToChannel(); v != 3 {
		t.Fatalf("expected 3, got %v", v)
	}
}

// TestNewSyncDrainsOnSettle verifies a NewSync promise's settlement drains
// the microtask queue before resolve returns.
func TestNewSyncDrainsOnSettle(t *testing.T) {
	e, _ := newTestEngine(t)

	var res ResolveFunc
	p := e.NewSync(func(resolve ResolveFunc, _ RejectFunc) {
		res = resolve
	})

	called := false
	p.Then(func(Result) Result {
		called = true
		return nil
	}, nil)

	res(5)
	if !called {
		t.Fatal("NewSync settlement did not drain continuations before returning")
	}
	if v := p.Value(); v != 5 {
		t.Fatalf("expected 5, got %v", v)
	}
}

func TestRejectionMapper(t *testing.T) {
	e, s := newTestEngine(t)
	boom := errors.New("boom")
	e.SetRejectionMapper(func(r Result) Result {
		return fmt.Errorf("mapped: %w", r.(error))
	})

	p := e.Rejected(boom)
	reason, ok := p.Reason().(error)
	if !ok {
		t.Fatalf("mapped reason is not an error: %v", p.Reason())
	}
	if !errors.Is(reason, boom) {
		t.Fatalf("mapper broke the cause chain: %v", reason)
	}
	if reason == error(boom) {
		t.Fatal("mapper was not applied")
	}

	e.SetRejectionMapper(nil)
	if got := e.Rejected(boom).Reason(); got != boom {
		t.Fatalf("identity mapper not restored: %v", got)
	}
	s.Fire()
}

func TestSubmitRunsInTick(t *testing.T) {
	e, s := newTestEngine(t)

	ran := false
	e.Submit(func() { ran = true })
	if ran {
		t.Fatal("Submit ran synchronously")
	}
	s.Fire()
	if !ran {
		t.Fatal("submitted callback never ran")
	}
}

// TestDefaultEngineAsync smoke-tests the package-level surface against the
// default goroutine-bootstrapped scheduler.
func TestDefaultEngineAsync(t *testing.T) {
	p := Resolved(20).Then(func(v Result) Result {
		return v.(int) + 1
	}, nil)
	if v := <-p.ToChannel(); v != 21 {
		t.Fatalf("expected 21, got %v", v)
	}
}

func TestPromisesIntrospection(t *testing.T) {
	e, s := newTestEngine(t)

	r := e.WithResolvers()
	found := false
	for _, p := range e.Promises() {
		if p == r.Promise {
			found = true
		}
	}
	if !found {
		t.Fatal("pending promise missing from Promises()")
	}

	r.Resolve(nil)
	s.Fire()
	for _, p := range e.Promises() {
		if p == r.Promise {
			t.Fatal("settled promise still reported live")
		}
	}
}
