package hotspot

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Lifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRegistry(newStubRunner(), testSessionConfig(), NewMetrics(reg))

	a := r.Create()
	b := r.Create()
	require.NotEqual(t, a.ID(), b.ID())
	assert.Equal(t, 2, r.Len())
	assert.Equal(t, 2.0, metricValue(t, reg, "hotmesh_active_sessions"))

	got, err := r.Get(a.ID())
	require.NoError(t, err)
	assert.Same(t, a, got)

	_, err = r.Get("missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	require.NoError(t, r.Dispose(a.ID()))
	assert.ErrorIs(t, r.Dispose(a.ID()), ErrSessionNotFound)
	_, err = a.Submit(sessionPoints("x"), DefaultParams())
	assert.ErrorIs(t, err, ErrSessionClosed, "disposed sessions are closed")

	assert.Equal(t, []string{b.ID()}, r.IDs())
	assert.Equal(t, 1.0, metricValue(t, reg, "hotmesh_active_sessions"))

	r.CloseAll()
	assert.Zero(t, r.Len())
	assert.Empty(t, r.IDs())
	assert.Equal(t, 0.0, metricValue(t, reg, "hotmesh_active_sessions"))
}

func TestRegistry_CreateWithIDReplaces(t *testing.T) {
	r := NewRegistry(newStubRunner(), testSessionConfig(), nil)
	defer r.CloseAll()

	first := r.CreateWithID("default")
	assert.Equal(t, "default", first.ID())
	assert.Equal(t, "default", first.Status().SessionID)

	second := r.CreateWithID("default")
	assert.NotSame(t, first, second)
	assert.Equal(t, 1, r.Len())

	_, err := first.Submit(sessionPoints("a"), DefaultParams())
	assert.ErrorIs(t, err, ErrSessionClosed)

	got, err := r.Get("default")
	require.NoError(t, err)
	assert.Same(t, second, got)
}

func TestRegistry_IDsSorted(t *testing.T) {
	r := NewRegistry(newStubRunner(), testSessionConfig(), nil)
	defer r.CloseAll()

	for _, id := range []string{"zulu", "alpha", "mike"} {
		r.CreateWithID(id)
	}
	assert.Equal(t, []string{"alpha", "mike", "zulu"}, r.IDs())
}

func TestRegistry_SessionsAreIndependent(t *testing.T) {
	runner := newStubRunner(1)
	r := NewRegistry(runner, testSessionConfig(), nil)

	a := r.Create()
	b := r.Create()
	points := sessionPoints("p", "q")

	slow := mustSubmit(t, a, points, DefaultParams())
	runner.waitStarted(t, 1)
	fast := mustSubmit(t, b, points, DefaultParams())

	// b's run neither joins nor cancels a's.
	assert.NotSame(t, slow, fast)
	assert.Equal(t, StateSucceeded, wait(t, fast).State)
	assert.Equal(t, StateRunning, a.Status().State)

	close(runner.release)
	assert.Equal(t, StateSucceeded, wait(t, slow).State)
	r.CloseAll()
}
