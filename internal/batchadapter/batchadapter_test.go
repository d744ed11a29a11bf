package batchadapter

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/sentryflow/sentryflow/internal/resilience"
	"github.com/sentryflow/sentryflow/pkg/plugin"
)

func TestAcceptPreservesFIFOOrderDespiteRacingCompletions(t *testing.T) {
	process := func(ctx context.Context, row plugin.Row) (plugin.TransformResult, error) {
		// Randomize completion latency so later submissions can race ahead
		// of earlier ones internally; emission order must still be FIFO.
		time.Sleep(time.Duration(rand.Intn(5)) * time.Millisecond)
		return plugin.TransformResult{Row: row}, nil
	}

	a := New(process, Config{MaxPending: 8, Retry: resilience.DefaultRetryConfig()})

	const n = 20
	go func() {
		for i := 0; i < n; i++ {
			require.NoError(t, a.Accept(context.Background(), plugin.Row{"i": i}))
		}
		a.Close()
	}()

	var got []int
	for r := range a.Results() {
		require.NoError(t, r.Err)
		got = append(got, r.Row["i"].(int))
	}
	require.Len(t, got, n)
	for i, v := range got {
		require.Equal(t, i, v)
	}
}

func TestCapacityErrorIsRetryable(t *testing.T) {
	var err error = &CapacityError{Status: 429}
	r, ok := err.(resilience.Retryable)
	require.True(t, ok)
	require.True(t, r.Retryable())
}

func TestClassifiedErrorRetryability(t *testing.T) {
	require.True(t, (&ClassifiedError{Status: 503}).Retryable())
	require.True(t, (&ClassifiedError{Status: 500}).Retryable())
	require.False(t, (&ClassifiedError{Status: 400}).Retryable())
	require.False(t, (&ClassifiedError{Status: 404}).Retryable())
}

func TestAdapterRetriesOnRetryableError(t *testing.T) {
	attempts := 0
	process := func(ctx context.Context, row plugin.Row) (plugin.TransformResult, error) {
		attempts++
		if attempts < 2 {
			return plugin.TransformResult{}, &CapacityError{Status: 429}
		}
		return plugin.TransformResult{Row: row}, nil
	}

	a := New(process, Config{MaxPending: 1, Retry: resilience.RetryConfig{
		MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2,
	}})
	require.NoError(t, a.Accept(context.Background(), plugin.Row{"x": 1}))
	a.Close()

	r := <-a.Results()
	require.NoError(t, r.Err)
	require.Equal(t, 2, attempts)
}

func TestAdapterRespectsAdmissionLimiter(t *testing.T) {
	limiter := rate.NewLimiter(rate.Limit(1000), 1)
	process := func(ctx context.Context, row plugin.Row) (plugin.TransformResult, error) {
		return plugin.TransformResult{Row: row}, nil
	}
	a := New(process, Config{MaxPending: 2, Limiter: limiter, Retry: resilience.DefaultRetryConfig()})
	require.NoError(t, a.Accept(context.Background(), plugin.Row{"i": 0}))
	a.Close()
	r := <-a.Results()
	require.NoError(t, r.Err)
}
