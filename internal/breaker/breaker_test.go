package breaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var errBackend = errors.New("backend down")

func fail(context.Context) (string, error)    { return "", errBackend }
func succeed(context.Context) (string, error) { return "ok", nil }

func newTestBreaker(opts ...Option) (*Breaker, *fakeClock) {
	clock := newFakeClock()
	opts = append(opts, WithClock(clock.Now))
	return New(DefaultConfig(), opts...), clock
}

func tripOpen(t *testing.T, b *Breaker, name string) {
	t.Helper()
	for i := 0; i < b.Config().FailureThreshold; i++ {
		out := Guard(context.Background(), b, name, fail, nil)
		require.Equal(t, Failed, out.Kind)
	}
	require.True(t, b.IsOpen(name))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 5, cfg.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.RecoveryTimeout)
	assert.Equal(t, 2, cfg.SuccessThreshold)
	assert.Equal(t, 3, cfg.HalfOpenMaxCalls)

	assert.Equal(t, cfg.FailureThreshold, New(Config{}).Config().FailureThreshold)
}

func TestOpensAfterExactlyThreshold(t *testing.T) {
	b, _ := newTestBreaker()

	for i := 0; i < 4; i++ {
		Guard(context.Background(), b, "openai", fail, nil)
		assert.False(t, b.IsOpen("openai"), "open after %d failures", i+1)
	}
	Guard(context.Background(), b, "openai", fail, nil)
	assert.True(t, b.IsOpen("openai"))
	assert.Equal(t, StateOpen, b.State("openai"))
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker()

	for i := 0; i < 4; i++ {
		Guard(context.Background(), b, "openai", fail, nil)
	}
	Guard(context.Background(), b, "openai", succeed, nil)
	assert.Equal(t, 0, b.Stats("openai").Failures)

	for i := 0; i < 4; i++ {
		Guard(context.Background(), b, "openai", fail, nil)
	}
	assert.False(t, b.IsOpen("openai"))
}

func TestOpenRejectsWithoutCalling(t *testing.T) {
	b, clock := newTestBreaker()
	tripOpen(t, b, "anthropic")

	clock.Advance(10 * time.Second)

	var calls int32
	out := Guard(context.Background(), b, "anthropic", func(context.Context) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "x", nil
	}, nil)

	assert.Zero(t, atomic.LoadInt32(&calls))
	assert.Equal(t, OpenCircuit, out.Kind)
	assert.Equal(t, 20*time.Second, out.RetryAfter)

	var openErr *OpenError
	_, err := out.Unwrap()
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, "anthropic", openErr.Name)
	assert.Positive(t, openErr.RetryAfter)
	assert.Equal(t, "circuit open for anthropic, retry after 20 seconds", err.Error())
}

func TestOpenRunsFallback(t *testing.T) {
	b, _ := newTestBreaker()
	tripOpen(t, b, "openai")

	out := Guard(context.Background(), b, "openai", fail, func(context.Context) (string, error) {
		return "from fallback", nil
	})

	assert.Equal(t, Fallback, out.Kind)
	assert.Equal(t, "from fallback", out.Value)
	assert.Positive(t, out.RetryAfter)
	var openErr *OpenError
	assert.ErrorAs(t, out.Cause, &openErr)

	v, err := out.Unwrap()
	require.NoError(t, err)
	assert.Equal(t, "from fallback", v)
}

func TestFailureRunsFallback(t *testing.T) {
	b, _ := newTestBreaker()

	out := Guard(context.Background(), b, "openai", fail, succeed)
	assert.Equal(t, Fallback, out.Kind)
	assert.Equal(t, "ok", out.Value)
	assert.ErrorIs(t, out.Cause, errBackend)
	assert.Equal(t, 1, b.Stats("openai").Failures)
}

func TestFallbackFailure(t *testing.T) {
	b, _ := newTestBreaker()
	errFallback := errors.New("fallback down")

	out := Guard(context.Background(), b, "openai", fail, func(context.Context) (string, error) {
		return "", errFallback
	})
	assert.Equal(t, Failed, out.Kind)
	assert.ErrorIs(t, out.Err, errBackend)
	assert.ErrorIs(t, out.Err, errFallback)
}

func TestHalfOpenAfterRecoveryTimeout(t *testing.T) {
	b, clock := newTestBreaker()
	tripOpen(t, b, "openai")

	clock.Advance(29 * time.Second)
	assert.Equal(t, StateOpen, b.State("openai"))

	clock.Advance(time.Second)
	assert.Equal(t, StateHalfOpen, b.State("openai"))
	assert.False(t, b.IsOpen("openai"))
}

func TestHalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	b, clock := newTestBreaker()
	tripOpen(t, b, "openai")
	clock.Advance(30 * time.Second)

	out := Guard(context.Background(), b, "openai", succeed, nil)
	require.Equal(t, Success, out.Kind)
	assert.Equal(t, StateHalfOpen, b.State("openai"))

	Guard(context.Background(), b, "openai", succeed, nil)
	assert.Equal(t, StateClosed, b.State("openai"))

	stats := b.Stats("openai")
	assert.Equal(t, 0, stats.Failures)
	assert.Equal(t, 0, stats.Successes)
	assert.Equal(t, 0, stats.HalfOpenCalls)
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b, clock := newTestBreaker()
	tripOpen(t, b, "openai")
	clock.Advance(30 * time.Second)

	Guard(context.Background(), b, "openai", succeed, nil)
	Guard(context.Background(), b, "openai", fail, nil)

	assert.True(t, b.IsOpen("openai"))
	stats := b.Stats("openai")
	assert.Equal(t, 0, stats.HalfOpenCalls)
	assert.Equal(t, 0, stats.Successes)
	assert.Equal(t, 30*time.Second, stats.RetryAfter)
}

func TestHalfOpenBudgetUnderConcurrency(t *testing.T) {
	b, clock := newTestBreaker()
	tripOpen(t, b, "openai")
	clock.Advance(30 * time.Second)

	release := make(chan struct{})
	var admitted, rejected int32
	var wg sync.WaitGroup
	var started sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		started.Add(1)
		go func() {
			defer wg.Done()
			out := Guard(context.Background(), b, "openai", func(context.Context) (string, error) {
				atomic.AddInt32(&admitted, 1)
				started.Done()
				<-release
				return "ok", nil
			}, nil)
			if out.Kind == OpenCircuit {
				atomic.AddInt32(&rejected, 1)
				started.Done()
			}
		}()
	}

	started.Wait()
	assert.EqualValues(t, 3, atomic.LoadInt32(&admitted))
	assert.EqualValues(t, 7, atomic.LoadInt32(&rejected))
	assert.Equal(t, 3, b.Stats("openai").HalfOpenCalls)

	close(release)
	wg.Wait()
	assert.Equal(t, StateClosed, b.State("openai"))
}

func TestHalfOpenSlotReleasedOnCompletion(t *testing.T) {
	clock := newFakeClock()
	b := New(Config{SuccessThreshold: 10, HalfOpenMaxCalls: 1}, WithClock(clock.Now))
	tripOpen(t, b, "openai")
	clock.Advance(30 * time.Second)

	// One slot, but sequential trials keep being admitted.
	for i := 0; i < 5; i++ {
		out := Guard(context.Background(), b, "openai", succeed, nil)
		require.Equal(t, Success, out.Kind, "trial %d", i)
	}
	assert.Equal(t, StateHalfOpen, b.State("openai"))
	assert.Equal(t, 5, b.Stats("openai").Successes)
}

func TestIsolationBetweenProviders(t *testing.T) {
	b, _ := newTestBreaker()
	tripOpen(t, b, "openai")

	assert.Equal(t, StateClosed, b.State("anthropic"))
	out := Guard(context.Background(), b, "anthropic", succeed, nil)
	assert.Equal(t, Success, out.Kind)
	assert.Equal(t, 0, b.Stats("anthropic").Failures)
}

func TestCancellationCountsAsFailure(t *testing.T) {
	b, _ := newTestBreaker()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := Guard(ctx, b, "ollama", func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}, nil)

	assert.Equal(t, Failed, out.Kind)
	assert.ErrorIs(t, out.Err, context.Canceled)
	assert.Equal(t, 1, b.Stats("ollama").Failures)
}

func TestStaleCompletionIgnored(t *testing.T) {
	b, _ := newTestBreaker()

	// Admitted while closed, completes after the circuit opened.
	slow, err := b.admit("openai")
	require.NoError(t, err)
	tripOpen(t, b, "openai")

	b.record(slow, nil)
	assert.True(t, b.IsOpen("openai"))
}

func TestResetAndResetAll(t *testing.T) {
	b, _ := newTestBreaker()
	tripOpen(t, b, "openai")
	tripOpen(t, b, "groq")

	b.Reset("openai")
	assert.Equal(t, StateClosed, b.State("openai"))
	assert.True(t, b.IsOpen("groq"))

	b.ResetAll()
	assert.Equal(t, StateClosed, b.State("groq"))

	// Unknown names are a no-op
	b.Reset("never-seen")
}

func TestAllStats(t *testing.T) {
	b, _ := newTestBreaker()
	Guard(context.Background(), b, "openai", fail, nil)
	Guard(context.Background(), b, "anthropic", succeed, nil)

	stats := b.AllStats()
	require.Len(t, stats, 2)
	assert.Equal(t, "anthropic", stats[0].Name)
	assert.Equal(t, "openai", stats[1].Name)
	assert.Equal(t, 1, stats[1].Failures)
	assert.Equal(t, "closed", stats[1].State)
}

func TestOnStateChangeAndGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	gauge, err := NewStateGauge(reg)
	require.NoError(t, err)

	var mu sync.Mutex
	var seen []string
	cfg := DefaultConfig()
	cfg.OnStateChange = func(name string, from, to State) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, name+":"+from.String()+"->"+to.String())
	}
	clock := newFakeClock()
	b := New(cfg, WithClock(clock.Now), WithStateGauge(gauge))

	tripOpen(t, b, "openai")
	assert.Equal(t, 1.0, testutil.ToFloat64(gauge.WithLabelValues("openai")))

	clock.Advance(30 * time.Second)
	Guard(context.Background(), b, "openai", succeed, nil)
	assert.Equal(t, 2.0, testutil.ToFloat64(gauge.WithLabelValues("openai")))
	Guard(context.Background(), b, "openai", succeed, nil)
	assert.Equal(t, 0.0, testutil.ToFloat64(gauge.WithLabelValues("openai")))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"openai:closed->open",
		"openai:open->half_open",
		"openai:half_open->closed",
	}, seen)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "success", Success.String())
	assert.Equal(t, "fallback", Fallback.String())
	assert.Equal(t, "open_circuit", OpenCircuit.String())
	assert.Equal(t, "failed", Failed.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
}

func TestAcquireDone(t *testing.T) {
	b, _ := newTestBreaker()

	for i := 0; i < b.Config().FailureThreshold; i++ {
		call, err := b.Acquire("stream")
		require.NoError(t, err)
		call.Done(errBackend)
		// A second report is ignored
		call.Done(nil)
	}
	assert.True(t, b.IsOpen("stream"))

	_, err := b.Acquire("stream")
	var openErr *OpenError
	require.ErrorAs(t, err, &openErr)
	assert.Greater(t, openErr.RetryAfter, time.Duration(0))
}

func TestAcquireHoldsHalfOpenSlot(t *testing.T) {
	b, clock := newTestBreaker()
	tripOpen(t, b, "stream")
	clock.Advance(b.Config().RecoveryTimeout)

	var calls []*Call
	for i := 0; i < b.Config().HalfOpenMaxCalls; i++ {
		call, err := b.Acquire("stream")
		require.NoError(t, err)
		calls = append(calls, call)
	}
	_, err := b.Acquire("stream")
	assert.Error(t, err)

	calls[0].Done(nil)
	calls[1].Done(nil)
	assert.Equal(t, StateClosed, b.State("stream"))
}
