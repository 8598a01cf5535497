package promzone

import (
	"sync"
	"sync/atomic"
)

// Promise combinators. Each input item may be a core promise, a [Thenable],
// or a plain value; plain values are treated as already fulfilled.

// SettledResult is one outcome in an [Engine.AllSettled] result slice.
type SettledResult struct {
	// Status is StateFulfilled or StateRejected.
	Status PromiseState

	// Value holds the fulfillment value when Status is StateFulfilled.
	Value Result

	// Reason holds the rejection reason when Status is StateRejected.
	Reason Result
}

// All returns a promise that fulfills with the items' values, in input
// order, once every item fulfills. It rejects eagerly with the first
// rejection. An empty input fulfills with an empty slice.
func (e *Engine) All(items []Result) *Promise {
	r := e.WithResolvers()

	if len(items) == 0 {
		r.Resolve(make([]Result, 0))
		return r.Promise
	}

	var mu sync.Mutex
	var completed atomic.Int32
	values := make([]Result, len(items))
	var hasRejected atomic.Bool

	for i, item := range items {
		idx := i
		e.Resolved(item).Then(
			func(v Result) Result {
				mu.Lock()
				values[idx] = v
				mu.Unlock()

				if completed.Add(1) == int32(len(items)) && !hasRejected.Load() {
					r.Resolve(values)
				}
				return nil
			},
			func(reason Result) Result {
				if hasRejected.CompareAndSwap(false, true) {
					r.Reject(reason)
				}
				return nil
			},
		)
	}

	return r.Promise
}

// Race returns a promise that settles with the first item to settle. An
// empty input never settles.
func (e *Engine) Race(items []Result) *Promise {
	r := e.WithResolvers()

	if len(items) == 0 {
		return r.Promise
	}

	var settled atomic.Bool
	for _, item := range items {
		e.Resolved(item).Then(
			func(v Result) Result {
				if settled.CompareAndSwap(false, true) {
					r.Resolve(v)
				}
				return nil
			},
			func(reason Result) Result {
				if settled.CompareAndSwap(false, true) {
					r.Reject(reason)
				}
				return nil
			},
		)
	}

	return r.Promise
}

// AllSettled returns a promise that fulfills once every item has settled,
// with a [SettledResult] per item in input order. It never rejects. An
// empty input fulfills with an empty slice.
func (e *Engine) AllSettled(items []Result) *Promise {
	if len(items) == 0 {
		return e.newSettled(StateFulfilled, make([]SettledResult, 0))
	}

	r := e.WithResolvers()

	var mu sync.Mutex
	var completed atomic.Int32
	results := make([]SettledResult, len(items))

	record := func(idx int, sr SettledResult) {
		mu.Lock()
		results[idx] = sr
		mu.Unlock()
		if completed.Add(1) == int32(len(items)) {
			r.Resolve(results)
		}
	}

	for i, item := range items {
		idx := i
		e.Resolved(item).Then(
			func(v Result) Result {
				record(idx, SettledResult{Status: StateFulfilled, Value: v})
				return nil
			},
			func(reason Result) Result {
				record(idx, SettledResult{Status: StateRejected, Reason: reason})
				return nil
			},
		)
	}

	return r.Promise
}

// Any returns a promise that fulfills with the first item to fulfill. It
// rejects with an [*AggregateError] only when every item rejects, the
// reasons preserved in input order; an empty input rejects immediately.
func (e *Engine) Any(items []Result) *Promise {
	r := e.WithResolvers()

	if len(items) == 0 {
		r.Reject(&AggregateError{Errors: []error{errNoPromises}})
		return r.Promise
	}

	var mu sync.Mutex
	var rejectedCount atomic.Int32
	rejections := make([]Result, len(items))
	var fulfilled atomic.Bool

	for i, item := range items {
		idx := i
		e.Resolved(item).Then(
			func(v Result) Result {
				if fulfilled.CompareAndSwap(false, true) {
					r.Resolve(v)
				}
				return nil
			},
			func(reason Result) Result {
				mu.Lock()
				rejections[idx] = reason
				mu.Unlock()

				if rejectedCount.Add(1) == int32(len(items)) && !fulfilled.Load() {
					errs := make([]error, len(rejections))
					for j, reason := range rejections {
						if err, ok := reason.(error); ok {
							errs[j] = err
						} else {
							errs[j] = &ErrorWrapper{Value: reason}
						}
					}
					r.Reject(&AggregateError{
						Message: "all promises were rejected",
						Errors:  errs,
					})
				}
				return nil
			},
		)
	}

	return r.Promise
}
