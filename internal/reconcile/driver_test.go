package reconcile

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/hpungsan/attrscope/internal/session"
)

type fakeReconciler struct {
	calls atomic.Int32
	block chan struct{}
	err   error
}

func (f *fakeReconciler) Reconcile(ctx context.Context) (*session.State, error) {
	n := f.calls.Add(1)
	if f.block != nil && n == 1 {
		<-f.block
	}
	if f.err != nil {
		return nil, f.err
	}
	return &session.State{Pass: int(n)}, nil
}

func startDriver(t *testing.T, d *Driver) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
}

func TestDriver_DebounceCoalescesArrivals(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	rec := &fakeReconciler{}
	d := New(rec, 50*time.Millisecond, nil)
	startDriver(t, d)

	for i := 0; i < 5; i++ {
		d.Notify()
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, int32(0), rec.calls.Load(), "timer must restart on every arrival")

	require.Eventually(t, func() bool { return rec.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, int32(1), rec.calls.Load())
	assert.Equal(t, PhaseIdle, d.Phase())
	require.NotNil(t, d.Last())
	assert.Equal(t, 1, d.Last().Pass)
}

func TestDriver_TriggerRunsImmediately(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	rec := &fakeReconciler{}
	d := New(rec, time.Hour, nil)
	startDriver(t, d)

	var got []*session.State
	var mu sync.Mutex
	unsubscribe := d.Subscribe(func(st *session.State) {
		mu.Lock()
		got = append(got, st)
		mu.Unlock()
	})

	d.Notify()
	st, err := d.Trigger(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, st.Pass)

	// An unchanged result still notifies
	st, err = d.Trigger(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, st.Pass)

	unsubscribe()
	unsubscribe()
	_, err = d.Trigger(context.Background())
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	assert.Equal(t, 1, got[0].Pass)
	assert.Equal(t, 2, got[1].Pass)
}

func TestDriver_ArrivalDuringPassQueuesAnother(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	rec := &fakeReconciler{block: make(chan struct{})}
	d := New(rec, 20*time.Millisecond, nil)
	startDriver(t, d)

	d.Notify()
	require.Eventually(t, func() bool { return d.Phase() == PhaseReconciling }, time.Second, 5*time.Millisecond)

	d.Notify()
	close(rec.block)

	require.Eventually(t, func() bool { return rec.calls.Load() == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return d.Phase() == PhaseIdle }, time.Second, 5*time.Millisecond)
}

func TestDriver_TriggerTimeout(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	rec := &fakeReconciler{block: make(chan struct{})}
	d := New(rec, time.Hour, nil)
	startDriver(t, d)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := d.Trigger(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The pass keeps running after the caller gave up
	assert.Equal(t, PhaseReconciling, d.Phase())
	close(rec.block)
	require.Eventually(t, func() bool { return d.Phase() == PhaseIdle }, time.Second, 5*time.Millisecond)
	require.NotNil(t, d.Last())
}

func TestDriver_FailedPassKeepsLastState(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	boom := errors.New("boom")
	rec := &fakeReconciler{err: boom}
	d := New(rec, time.Hour, nil)
	startDriver(t, d)

	called := false
	d.Subscribe(func(*session.State) { called = true })

	_, err := d.Trigger(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Nil(t, d.Last())
	assert.False(t, called)
}

func TestDriver_Defaults(t *testing.T) {
	d := New(&fakeReconciler{}, 0, nil)
	assert.Equal(t, DefaultQuiescence, d.quiescence)
	assert.Equal(t, PhaseIdle, d.Phase())

	tests := []struct {
		phase Phase
		want  string
	}{
		{PhaseIdle, "idle"},
		{PhaseAccumulating, "accumulating"},
		{PhaseReconciling, "reconciling"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.phase.String())
		})
	}
}
