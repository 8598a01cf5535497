package promzone

import (
	"context"
	"errors"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPromisifyResolves(t *testing.T) {
	e, err := NewEngine()
	require.NoError(t, err)

	p := e.Promisify(context.Background(), func(context.Context) (Result, error) {
		return 42, nil
	})
	require.Equal(t, 42, <-p.ToChannel())
	require.Equal(t, StateFulfilled, p.State())
}

func TestPromisifyRejects(t *testing.T) {
	e, err := NewEngine()
	require.NoError(t, err)
	boom := errors.New("boom")

	p := e.Promisify(context.Background(), func(context.Context) (Result, error) {
		return nil, boom
	})
	require.Equal(t, boom, <-p.ToChannel())
	require.Equal(t, StateRejected, p.State())
}

func TestPromisifyPanicRejects(t *testing.T) {
	e, err := NewEngine()
	require.NoError(t, err)
	boom := errors.New("deep panic")

	p := e.Promisify(context.Background(), func(context.Context) (Result, error) {
		panic(boom)
	})
	reason := <-p.ToChannel()
	rerr, ok := reason.(error)
	require.True(t, ok, "expected an error reason, got %T", reason)
	assert.True(t, errors.Is(rerr, boom), "PanicError should unwrap to the cause")
}

func TestPromisifyContextCanceled(t *testing.T) {
	e, err := NewEngine()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := e.Promisify(ctx, func(context.Context) (Result, error) {
		t.Error("fn ran despite canceled context")
		return nil, nil
	})
	reason := <-p.ToChannel()
	require.Equal(t, context.Canceled, reason)
}

func TestPromisifyGoexitRejects(t *testing.T) {
	e, err := NewEngine()
	require.NoError(t, err)

	p := e.Promisify(context.Background(), func(context.Context) (Result, error) {
		runtime.Goexit()
		return nil, nil
	})
	require.Equal(t, ErrGoexit, <-p.ToChannel())
}

// TestPromisifyCarriesZone verifies continuations on the bridged promise
// observe the zone that was active at the Promisify call.
func TestPromisifyCarriesZone(t *testing.T) {
	e, err := NewEngine()
	require.NoError(t, err)

	type probe struct {
		zone *Zone
		want *Zone
	}
	ch := make(chan probe, 1)

	e.NewScope(func(...Result) Result {
		want := e.ActiveZone()
		e.Promisify(context.Background(), func(context.Context) (Result, error) {
			return "done", nil
		}).Then(func(v Result) Result {
			ch <- probe{zone: e.ActiveZone(), want: want}
			return nil
		}, nil)
		return nil
	}, nil)

	got := <-ch
	assert.Equal(t, got.want, got.zone, "continuation lost the zone across the goroutine hop")
}
