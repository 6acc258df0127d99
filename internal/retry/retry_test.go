package retry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// manualTimers replaces time.AfterFunc so tests fire timers explicitly.
type manualTimers struct {
	mu     sync.Mutex
	delays []time.Duration
	funcs  []func()
	active []bool
}

func (m *manualTimers) afterFunc(d time.Duration, f func()) func() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := len(m.funcs)
	m.delays = append(m.delays, d)
	m.funcs = append(m.funcs, f)
	m.active = append(m.active, true)
	return func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		was := m.active[i]
		m.active[i] = false
		return was
	}
}

// fire runs timer i even if it was stopped, like a timer that expired
// concurrently with Stop.
func (m *manualTimers) fire(i int) {
	m.mu.Lock()
	f := m.funcs[i]
	m.mu.Unlock()
	f()
}

func newTestScheduler(b Backoff, random float64) (*Scheduler, *manualTimers) {
	s := NewScheduler(b)
	s.random = func() float64 { return random }
	timers := &manualTimers{}
	s.afterFunc = timers.afterFunc
	return s, timers
}

func TestNominal(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 30 * time.Second, Factor: 2}
	tests := []struct {
		attempt uint32
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{200, 30 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, b.Nominal(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestValidate(t *testing.T) {
	assert.NoError(t, DefaultBackoff().Validate())
	assert.Error(t, Backoff{Base: 0, Max: time.Second, Factor: 2}.Validate())
	assert.Error(t, Backoff{Base: 2 * time.Second, Max: time.Second, Factor: 2}.Validate())
	assert.Error(t, Backoff{Base: time.Second, Max: time.Second, Factor: 0.5}.Validate())
	assert.Error(t, Backoff{Base: time.Second, Max: time.Second, Factor: 2, Jitter: 1}.Validate())
}

func TestExhausted(t *testing.T) {
	assert.False(t, Backoff{}.Exhausted(1000))
	b := Backoff{MaxAttempts: 3}
	assert.False(t, b.Exhausted(2))
	assert.True(t, b.Exhausted(3))
}

func TestDelayNonDecreasingUpToCap(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 10 * time.Second, Factor: 2, Jitter: 0.5}
	s := NewScheduler(b)

	var prev time.Duration
	for attempt := uint32(0); attempt < 20; attempt++ {
		d := s.Delay(attempt)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
		assert.LessOrEqual(t, d, b.Max)
		prev = d
	}
}

func TestJitterIsBounded(t *testing.T) {
	b := Backoff{Base: 4 * time.Second, Max: time.Minute, Factor: 2, Jitter: 0.25}
	s, _ := newTestScheduler(b, 1)
	assert.Equal(t, 3*time.Second, s.Delay(0))
}

func TestResetRestartsFromBase(t *testing.T) {
	b := Backoff{Base: time.Second, Max: time.Minute, Factor: 2}
	s, _ := newTestScheduler(b, 0)

	s.Delay(0)
	s.Delay(1)
	assert.Equal(t, 4*time.Second, s.Delay(2))

	s.Reset()
	assert.Equal(t, time.Second, s.Delay(0))
}

func TestScheduleFires(t *testing.T) {
	s, timers := newTestScheduler(DefaultBackoff(), 0)

	var got []uint64
	d, token := s.Schedule(2, func(tok uint64) { got = append(got, tok) })
	assert.Equal(t, 4*time.Second, d)
	assert.True(t, s.Pending())

	timers.fire(0)
	assert.Equal(t, []uint64{token}, got)
	assert.False(t, s.Pending())
}

func TestCancelSuppressesLateFire(t *testing.T) {
	s, timers := newTestScheduler(DefaultBackoff(), 0)

	fired := false
	s.Schedule(0, func(uint64) { fired = true })
	require.True(t, s.Cancel())
	assert.False(t, s.Cancel())

	// The timer callback racing with Cancel must not deliver.
	timers.fire(0)
	assert.False(t, fired)
	assert.False(t, timers.active[0])
}

func TestScheduleReplacesPending(t *testing.T) {
	s, timers := newTestScheduler(DefaultBackoff(), 0)

	var got []uint64
	s.Schedule(0, func(tok uint64) { got = append(got, tok) })
	_, second := s.Schedule(1, func(tok uint64) { got = append(got, tok) })

	timers.fire(0)
	timers.fire(1)
	assert.Equal(t, []uint64{second}, got)
}

func TestScheduleWithRealTimer(t *testing.T) {
	s := NewScheduler(Backoff{Base: time.Millisecond, Max: time.Millisecond, Factor: 1})
	done := make(chan uint64, 1)
	_, token := s.Schedule(0, func(tok uint64) { done <- tok })

	select {
	case got := <-done:
		assert.Equal(t, token, got)
	case <-time.After(2 * time.Second):
		t.Fatal("retry timer did not fire")
	}
}
