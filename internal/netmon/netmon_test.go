package netmon

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rennerdo30/tunnelguard/internal/logging"
)

type scriptedSource struct {
	states []bool
	err    error
}

func (s scriptedSource) watch(ctx context.Context, emit func(bool)) error {
	for _, v := range s.states {
		emit(v)
	}
	return s.err
}

type recorder struct {
	mu  sync.Mutex
	got []bool
}

func (r *recorder) add(v bool) {
	r.mu.Lock()
	r.got = append(r.got, v)
	r.mu.Unlock()
}

func (r *recorder) values() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.got...)
}

func run(t *testing.T, m *Monitor) *recorder {
	t.Helper()
	rec := &recorder{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, rec.add) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(time.Second):
			t.Error("monitor did not stop")
		}
	})
	return rec
}

func TestMonitor_Dedupes(t *testing.T) {
	m := &Monitor{
		src: scriptedSource{states: []bool{true, true, false, false, true}},
		log: logging.WithComponent("test"),
	}
	rec := run(t, m)
	require.Eventually(t, func() bool { return len(rec.values()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []bool{true, false, true}, rec.values())
}

func TestMonitor_FailureAssumesOnline(t *testing.T) {
	m := &Monitor{
		src: scriptedSource{states: []bool{false}, err: errors.New("no bus")},
		log: logging.WithComponent("test"),
	}
	rec := run(t, m)
	require.Eventually(t, func() bool { return len(rec.values()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []bool{false, true}, rec.values())
}

func TestStatic(t *testing.T) {
	rec := run(t, Static())
	require.Eventually(t, func() bool { return len(rec.values()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []bool{true}, rec.values())
}
