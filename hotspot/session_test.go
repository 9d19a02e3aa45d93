package hotspot

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubRunner records calls and can hold chosen calls until release closes
type stubRunner struct {
	calls   atomic.Int32
	started chan int
	release chan struct{}

	blockCalls map[int]bool
	honorCtx   bool
	err        error
	panicMsg   string
}

func newStubRunner(block ...int) *stubRunner {
	r := &stubRunner{
		started:    make(chan int, 16),
		release:    make(chan struct{}),
		blockCalls: make(map[int]bool),
	}
	for _, n := range block {
		r.blockCalls[n] = true
	}
	return r
}

func (r *stubRunner) Run(ctx context.Context, points []Incident, params Params) (*Result, error) {
	n := int(r.calls.Add(1))
	r.started <- n
	if r.blockCalls[n] {
		if r.honorCtx {
			select {
			case <-r.release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		} else {
			<-r.release
		}
	}
	if r.panicMsg != "" {
		panic(r.panicMsg)
	}
	if r.err != nil {
		return nil, r.err
	}
	return &Result{Points: len(points), Params: params, Clusters: []Cluster{{ID: n}}}, nil
}

func (r *stubRunner) waitStarted(t *testing.T, call int) {
	t.Helper()
	select {
	case n := <-r.started:
		require.Equal(t, call, n)
	case <-time.After(2 * time.Second):
		t.Fatalf("runner call %d never started", call)
	}
}

func testSessionConfig() SessionConfig {
	cfg := DefaultSessionConfig()
	cfg.ProgressInterval = 2 * time.Millisecond
	return cfg
}

func wait(t *testing.T, ticket *Ticket) Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out, err := ticket.Wait(ctx)
	require.NoError(t, err, "ticket never resolved")
	return out
}

func sessionPoints(ids ...string) []Incident {
	return fingerprintPoints(ids...)
}

func TestSession_SubmitSucceeds(t *testing.T) {
	r := newStubRunner()
	s := NewSession(r, testSessionConfig())
	defer s.Close()

	assert.Equal(t, StateIdle, s.Status().State)
	_, ok := s.Result()
	assert.False(t, ok)

	ticket, err := s.Submit(sessionPoints("a", "b", "c"), DefaultParams())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ticket.Generation())

	out := wait(t, ticket)
	assert.Equal(t, StateSucceeded, out.State)
	assert.False(t, out.FromCache)
	require.NotNil(t, out.Result)
	assert.Equal(t, 3, out.Result.Points)

	st := s.Status()
	assert.Equal(t, StateSucceeded, st.State)
	assert.Equal(t, 100, st.Progress)
	assert.Equal(t, s.ID(), st.SessionID)
	assert.Empty(t, st.Error)

	res, ok := s.Result()
	require.True(t, ok)
	assert.Equal(t, 3, res.Points)
}

func TestSession_InvalidParamsRejected(t *testing.T) {
	r := newStubRunner()
	s := NewSession(r, testSessionConfig())
	defer s.Close()

	_, err := s.Submit(sessionPoints("a"), Params{EpsKm: 0, MinSamples: 2})
	assert.ErrorIs(t, err, ErrInvalidParameters)
	_, err = s.Submit(sessionPoints("a"), Params{EpsKm: 1, MinSamples: 0})
	assert.ErrorIs(t, err, ErrInvalidParameters)

	assert.Equal(t, StateIdle, s.Status().State)
	assert.Equal(t, uint64(0), s.Status().Generation)
	assert.Zero(t, r.calls.Load())
}

func TestSession_CachedRepeat(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := newStubRunner()
	s := NewSession(r, testSessionConfig(), WithSessionMetrics(NewMetrics(reg)))
	defer s.Close()

	points := sessionPoints("a", "b", "c", "d")
	first := wait(t, mustSubmit(t, s, points, DefaultParams()))
	require.Equal(t, StateSucceeded, first.State)

	ticket := mustSubmit(t, s, points, DefaultParams())
	// Cache hits resolve before Submit returns.
	out, ok := ticket.Outcome()
	require.True(t, ok)
	assert.Equal(t, StateSucceeded, out.State)
	assert.True(t, out.FromCache)
	assert.Equal(t, first.Result, out.Result)

	assert.Equal(t, int32(1), r.calls.Load())
	st := s.Status()
	assert.True(t, st.FromCache)
	assert.Equal(t, 100, st.Progress)
	assert.Equal(t, uint64(2), st.Generation)

	assert.Equal(t, 1.0, metricValue(t, reg, "hotmesh_result_cache_hits_total"))
	assert.Equal(t, 1.0, metricValue(t, reg, "hotmesh_result_cache_misses_total"))
}

func TestSession_UpdatedPointBypassesCache(t *testing.T) {
	tests := []struct {
		name      string
		opts      []SessionOption
		wantCalls int32
	}{
		{"sampled key misses in-place updates", nil, 1},
		{"full key reruns on in-place updates", []SessionOption{WithFingerprint(FingerprintFull)}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newStubRunner()
			s := NewSession(r, testSessionConfig(), tt.opts...)
			defer s.Close()

			points := sessionPoints("a", "b", "c", "d", "e")
			wait(t, mustSubmit(t, s, points, DefaultParams()))

			updated := sessionPoints("a", "b", "c", "d", "e")
			updated[1].Category = "Assault"
			out := wait(t, mustSubmit(t, s, updated, DefaultParams()))

			assert.Equal(t, tt.wantCalls, r.calls.Load())
			assert.Equal(t, tt.wantCalls == 1, out.FromCache)
		})
	}
}

func TestWithFingerprint_EmptyKeepsConfig(t *testing.T) {
	s := NewSession(newStubRunner(), testSessionConfig(), WithFingerprint(""))
	defer s.Close()
	out := wait(t, mustSubmit(t, s, sessionPoints("a"), DefaultParams()))
	require.Equal(t, StateSucceeded, out.State)
	assert.True(t, strings.HasPrefix(s.Status().Fingerprint, "sampled:"), s.Status().Fingerprint)
}

func mustSubmit(t *testing.T, s *Session, points []Incident, params Params) *Ticket {
	t.Helper()
	ticket, err := s.Submit(points, params)
	require.NoError(t, err)
	return ticket
}

func TestSession_IdenticalInFlightRequestJoins(t *testing.T) {
	r := newStubRunner(1)
	s := NewSession(r, testSessionConfig())
	defer s.Close()

	points := sessionPoints("a", "b")
	first := mustSubmit(t, s, points, DefaultParams())
	r.waitStarted(t, 1)
	second := mustSubmit(t, s, points, DefaultParams())

	assert.Same(t, first, second)
	close(r.release)
	assert.Equal(t, StateSucceeded, wait(t, first).State)
	assert.Equal(t, int32(1), r.calls.Load())
}

func TestSession_NewerRequestSupersedes(t *testing.T) {
	r := newStubRunner(1)
	s := NewSession(r, testSessionConfig())

	points := sessionPoints("a", "b", "c")
	older := mustSubmit(t, s, points, Params{EpsKm: 0.5, MinSamples: 2})
	r.waitStarted(t, 1)

	newer := mustSubmit(t, s, points, Params{EpsKm: 0.8, MinSamples: 2})
	assert.Equal(t, StateCancelled, wait(t, older).State)

	out := wait(t, newer)
	require.Equal(t, StateSucceeded, out.State)
	assert.Equal(t, 0.8, out.Result.Params.EpsKm)

	// Let the stale run finish, then make sure it changed nothing.
	close(r.release)
	s.Close()

	res, ok := s.Result()
	require.True(t, ok)
	assert.Equal(t, 0.8, res.Params.EpsKm)
	assert.Equal(t, StateSucceeded, s.Status().State)
	assert.Equal(t, uint64(2), s.Status().Generation)
	assert.Equal(t, 1, s.Cache().Len(), "superseded result must not be cached")
}

func TestSession_InputIsCopied(t *testing.T) {
	r := newStubRunner(1)
	captured := make(chan []Incident, 1)
	s := NewSession(runnerFunc(func(ctx context.Context, points []Incident, params Params) (*Result, error) {
		res, err := r.Run(ctx, points, params)
		captured <- points
		return res, err
	}), testSessionConfig())
	defer s.Close()

	points := sessionPoints("a", "b")
	ticket := mustSubmit(t, s, points, DefaultParams())
	r.waitStarted(t, 1)
	points[0].ID = "mutated"
	close(r.release)

	wait(t, ticket)
	got := <-captured
	assert.Equal(t, "a", got[0].ID)
}

type runnerFunc func(ctx context.Context, points []Incident, params Params) (*Result, error)

func (f runnerFunc) Run(ctx context.Context, points []Incident, params Params) (*Result, error) {
	return f(ctx, points, params)
}

// ----------------------------------------------------------------------------
// Failures
// ----------------------------------------------------------------------------

func TestSession_RunnerErrorFails(t *testing.T) {
	r := newStubRunner()
	r.err = errors.New("index exploded")
	s := NewSession(r, testSessionConfig())
	defer s.Close()

	out := wait(t, mustSubmit(t, s, sessionPoints("a"), DefaultParams()))
	assert.Equal(t, StateFailed, out.State)
	assert.EqualError(t, out.Err, "index exploded")
	assert.Nil(t, out.Result)

	st := s.Status()
	assert.Equal(t, StateFailed, st.State)
	assert.Equal(t, "index exploded", st.Error)
	assert.Zero(t, s.Cache().Len())
}

func TestSession_InvalidCoordinateFails(t *testing.T) {
	s := NewSession(NewEngine(EngineConfig{}), testSessionConfig())
	defer s.Close()

	points := sessionPoints("a", "b")
	points[1].Lat = 123
	out := wait(t, mustSubmit(t, s, points, DefaultParams()))

	assert.Equal(t, StateFailed, out.State)
	assert.ErrorIs(t, out.Err, ErrInvalidCoordinate)
	assert.Contains(t, s.Status().Error, "point b")
	_, ok := s.Result()
	assert.False(t, ok, "failed runs publish no partial result")
}

func TestSession_PanicIsRecovered(t *testing.T) {
	r := newStubRunner()
	r.panicMsg = "boom"
	s := NewSession(r, testSessionConfig())
	defer s.Close()

	out := wait(t, mustSubmit(t, s, sessionPoints("a"), DefaultParams()))
	assert.Equal(t, StateFailed, out.State)
	assert.ErrorContains(t, out.Err, "clustering panicked: boom")

	// The session stays usable.
	r.panicMsg = ""
	out = wait(t, mustSubmit(t, s, sessionPoints("b"), DefaultParams()))
	assert.Equal(t, StateSucceeded, out.State)
}

func TestSession_Timeout(t *testing.T) {
	for _, honor := range []bool{true, false} {
		name := "runner ignores context"
		if honor {
			name = "runner honors context"
		}
		t.Run(name, func(t *testing.T) {
			r := newStubRunner(1)
			r.honorCtx = honor
			cfg := testSessionConfig()
			cfg.Timeout = 20 * time.Millisecond
			s := NewSession(r, cfg)

			out := wait(t, mustSubmit(t, s, sessionPoints("a"), DefaultParams()))
			assert.Equal(t, StateFailed, out.State)
			assert.ErrorIs(t, out.Err, ErrTimeout)
			assert.Equal(t, StateFailed, s.Status().State)

			close(r.release)
			s.Close()
		})
	}
}

// ----------------------------------------------------------------------------
// Progress and observers
// ----------------------------------------------------------------------------

type statusLog struct {
	mu       sync.Mutex
	statuses []Status
}

func (l *statusLog) record(st Status) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statuses = append(l.statuses, st)
}

func (l *statusLog) snapshot() []Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Status(nil), l.statuses...)
}

func TestSession_ProgressCapsBelowCompletion(t *testing.T) {
	r := newStubRunner(1)
	var events statusLog
	s := NewSession(r, testSessionConfig(), WithObserver(events.record))
	defer s.Close()

	ticket := mustSubmit(t, s, sessionPoints("a", "b"), DefaultParams())
	require.Eventually(t, func() bool { return s.Status().Progress == 90 }, 2*time.Second, time.Millisecond)

	// Further ticks hold at the ceiling.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 90, s.Status().Progress)
	assert.Equal(t, StateRunning, s.Status().State)

	close(r.release)
	wait(t, ticket)

	statuses := events.snapshot()
	require.NotEmpty(t, statuses)
	last := statuses[len(statuses)-1]
	assert.Equal(t, StateSucceeded, last.State)
	assert.Equal(t, 100, last.Progress)

	for i, st := range statuses {
		if i > 0 {
			assert.Greater(t, st.seq, statuses[i-1].seq, "observer must see statuses in order")
			assert.GreaterOrEqual(t, st.Progress, statuses[i-1].Progress)
		}
		if st.State == StateRunning {
			assert.LessOrEqual(t, st.Progress, 90)
		}
	}
	assert.Equal(t, StateRunning, statuses[0].State)
	assert.Zero(t, statuses[0].Progress)
}

func TestSession_NoProgressStep(t *testing.T) {
	r := newStubRunner(1)
	cfg := testSessionConfig()
	cfg.ProgressStep = 0
	s := NewSession(r, cfg)
	defer s.Close()

	ticket := mustSubmit(t, s, sessionPoints("a"), DefaultParams())
	r.waitStarted(t, 1)
	time.Sleep(10 * time.Millisecond)
	assert.Zero(t, s.Status().Progress)

	close(r.release)
	wait(t, ticket)
	assert.Equal(t, 100, s.Status().Progress)
}

// ----------------------------------------------------------------------------
// Cancel and Close
// ----------------------------------------------------------------------------

func TestSession_Cancel(t *testing.T) {
	r := newStubRunner(1)
	r.honorCtx = true
	s := NewSession(r, testSessionConfig())
	defer s.Close()

	// Idle sessions ignore Cancel.
	s.Cancel()
	assert.Equal(t, StateIdle, s.Status().State)

	ticket := mustSubmit(t, s, sessionPoints("a"), DefaultParams())
	r.waitStarted(t, 1)
	s.Cancel()

	assert.Equal(t, StateCancelled, wait(t, ticket).State)
	st := s.Status()
	assert.Equal(t, StateCancelled, st.State)
	assert.Equal(t, uint64(2), st.Generation)
	assert.True(t, st.State.Terminal())

	// Cancelling a finished run is a no-op.
	s.Cancel()
	assert.Equal(t, uint64(2), s.Status().Generation)
}

func TestSession_Close(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := newStubRunner(1)
	r.honorCtx = true
	var events statusLog
	s := NewSession(r, testSessionConfig(), WithObserver(events.record), WithSessionMetrics(NewMetrics(reg)))
	assert.Equal(t, 1.0, metricValue(t, reg, "hotmesh_active_sessions"))

	ticket := mustSubmit(t, s, sessionPoints("a"), DefaultParams())
	r.waitStarted(t, 1)
	s.Close()

	assert.Equal(t, StateCancelled, wait(t, ticket).State)
	assert.Equal(t, StateCancelled, s.Status().State)
	delivered := len(events.snapshot())

	_, err := s.Submit(sessionPoints("b"), DefaultParams())
	assert.ErrorIs(t, err, ErrSessionClosed)

	s.Close()
	time.Sleep(10 * time.Millisecond)
	assert.Len(t, events.snapshot(), delivered, "no statuses after Close")
	assert.Equal(t, 0.0, metricValue(t, reg, "hotmesh_active_sessions"))
}

func TestSession_IndependentCaches(t *testing.T) {
	r := newStubRunner()
	a := NewSession(r, testSessionConfig())
	b := NewSession(r, testSessionConfig())
	defer a.Close()
	defer b.Close()

	points := sessionPoints("a", "b")
	wait(t, mustSubmit(t, a, points, DefaultParams()))
	out := wait(t, mustSubmit(t, b, points, DefaultParams()))

	assert.False(t, out.FromCache)
	assert.Equal(t, int32(2), r.calls.Load())
	assert.NotEqual(t, a.ID(), b.ID())
}

func TestTicket_PendingOutcome(t *testing.T) {
	ticket := newTicket(3, "k")
	_, ok := ticket.Outcome()
	assert.False(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, err := ticket.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	ticket.resolve(Outcome{State: StateSucceeded})
	ticket.resolve(Outcome{State: StateFailed})
	out, ok := ticket.Outcome()
	require.True(t, ok)
	assert.Equal(t, StateSucceeded, out.State, "first resolution wins")
	assert.Equal(t, uint64(3), out.Generation)
}

func TestStatus_JSON(t *testing.T) {
	st := Status{SessionID: "s1", State: StateRunning, Progress: 40, Generation: 2}
	data, err := json.Marshal(st)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"state":"running"`)
	assert.Contains(t, string(data), `"sessionId":"s1"`)

	var decoded Status
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, StateRunning, decoded.State)

	var bad State
	assert.ErrorContains(t, bad.UnmarshalText([]byte("paused")), `unknown session state "paused"`)
	assert.Equal(t, "state(42)", State(42).String())
}

func TestSessionConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*SessionConfig)
		errMsg string
	}{
		{"defaults", func(*SessionConfig) {}, ""},
		{"zero timeout disables it", func(c *SessionConfig) { c.Timeout = 0 }, ""},
		{"negative timeout", func(c *SessionConfig) { c.Timeout = -time.Second }, "session.timeout"},
		{"ceiling at 100", func(c *SessionConfig) { c.ProgressCeiling = 100 }, "progressCeiling"},
		{"negative step", func(c *SessionConfig) { c.ProgressStep = -1 }, "progressStep"},
		{"bad fingerprint", func(c *SessionConfig) { c.Fingerprint = "md5" }, "unknown fingerprint mode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultSessionConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.errMsg)
			}
		})
	}
}
