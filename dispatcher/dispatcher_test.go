package dispatcher

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anchor/retcon/model"
	"github.com/anchor/retcon/reconciler"
	"github.com/anchor/retcon/store"
	"github.com/anchor/retcon/utils"
)

// fakeCycle lets tests script cycle outcomes without standing up drivers.
type fakeCycle struct {
	mu       sync.Mutex
	calls    int32
	failures int // number of leading calls per item that return Retryable
}

func (f *fakeCycle) Run(_ context.Context, item model.WorkItem) reconciler.Result {
	n := atomic.AddInt32(&f.calls, 1)
	if int(n) <= f.failures {
		return reconciler.Result{Outcome: reconciler.Retryable, Err: assertErr}
	}
	return reconciler.Result{Outcome: reconciler.Committed, InternalKey: model.InternalKey(1)}
}

func (f *fakeCycle) ResolveFollowUp(_ context.Context, did model.DiffID, _ []model.OpID) reconciler.Result {
	atomic.AddInt32(&f.calls, 1)
	return reconciler.Result{Outcome: reconciler.Committed, DiffID: did}
}

var assertErr = context.DeadlineExceeded

func newTestStore(t *testing.T) *store.Pebble {
	t.Helper()
	s, err := store.OpenWith("test", &pebble.Options{FS: vfs.NewMem()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestFlushLivenessWithNoRetries(t *testing.T) {
	s := newTestStore(t)
	cycle := &fakeCycle{}
	d := New(cycle, s, utils.NewDefaultLogger(100), Config{Workers: 4, BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond, MaxAttempts: 8})
	t.Cleanup(d.Close)

	for i := 0; i < 25; i++ {
		require.NoError(t, d.Notify(context.Background(), model.ChangeNotification{
			Entity: "customer", Source: "acct", ForeignKey: model.ForeignKey(string(rune('A' + i))),
		}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	n, err := d.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 25, n)
}

func TestCoalescingSameKeyRunsOnce(t *testing.T) {
	s := newTestStore(t)
	cycle := &fakeCycle{}
	d := New(cycle, s, utils.NewDefaultLogger(100), Config{Workers: 1, BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond, MaxAttempts: 8})
	t.Cleanup(d.Close)

	// Same (entity, source, fk) before resolution: both coalesce onto one
	// "new:" key since no internal key is bound yet.
	require.NoError(t, d.Notify(context.Background(), model.ChangeNotification{Entity: "customer", Source: "acct", ForeignKey: "A1"}))
	require.NoError(t, d.Notify(context.Background(), model.ChangeNotification{Entity: "customer", Source: "acct", ForeignKey: "A1"}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := d.Flush(ctx)
	require.NoError(t, err)
	assert.LessOrEqual(t, int(atomic.LoadInt32(&cycle.calls)), 2)
}

// blockingCycle lets a test hold one cycle open while a second Notify for
// the same identity tuple is submitted, to prove they still coalesce onto
// the job that is already running instead of racing on a store lookup
// that only settles mid-cycle.
type blockingCycle struct {
	release chan struct{}
	calls   int32
}

func (b *blockingCycle) Run(_ context.Context, _ model.WorkItem) reconciler.Result {
	n := atomic.AddInt32(&b.calls, 1)
	if n == 1 {
		<-b.release
	}
	return reconciler.Result{Outcome: reconciler.Committed, InternalKey: model.InternalKey(1)}
}

func (b *blockingCycle) ResolveFollowUp(_ context.Context, did model.DiffID, _ []model.OpID) reconciler.Result {
	return reconciler.Result{Outcome: reconciler.Committed, DiffID: did}
}

func TestCoalescingSurvivesInternalKeyBindingMidCycle(t *testing.T) {
	s := newTestStore(t)
	// Bind the tuple's internal key in the store before the first cycle
	// even starts, so a naive live-lookup-based coalescing key would
	// resolve the second Notify to "ik:1" instead of the first job's key.
	ik, err := s.AllocateInternalKey(context.Background(), "customer")
	require.NoError(t, err)
	require.NoError(t, s.RecordForeignKey(context.Background(), ik, "acct", "A1"))

	cycle := &blockingCycle{release: make(chan struct{})}
	d := New(cycle, s, utils.NewDefaultLogger(100), Config{Workers: 2, BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond, MaxAttempts: 8})
	t.Cleanup(d.Close)

	require.NoError(t, d.Notify(context.Background(), model.ChangeNotification{Entity: "customer", Source: "acct", ForeignKey: "A1"}))
	// Give the first job's worker a moment to pick it up and start blocking.
	require.Eventually(t, func() bool { return atomic.LoadInt32(&cycle.calls) == 1 }, time.Second, time.Millisecond)

	require.NoError(t, d.Notify(context.Background(), model.ChangeNotification{Entity: "customer", Source: "acct", ForeignKey: "A1"}))
	// A second worker is idle and would run the coalesced job immediately
	// if it landed on a different key; give it a chance to do so.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&cycle.calls), "second notification must not start a concurrent cycle for the same record")

	close(cycle.release)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = d.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&cycle.calls))
}

func TestRetryEventuallyCommits(t *testing.T) {
	s := newTestStore(t)
	cycle := &fakeCycle{failures: 2}
	d := New(cycle, s, utils.NewDefaultLogger(100), Config{Workers: 1, BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond, MaxAttempts: 8})
	t.Cleanup(d.Close)

	require.NoError(t, d.Notify(context.Background(), model.ChangeNotification{Entity: "customer", Source: "acct", ForeignKey: "A1"}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	n, err := d.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int32(3), atomic.LoadInt32(&cycle.calls))
}

func TestExhaustedRetriesDropWorkItem(t *testing.T) {
	s := newTestStore(t)
	cycle := &fakeCycle{failures: 100}
	d := New(cycle, s, utils.NewDefaultLogger(100), Config{Workers: 1, BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond, MaxAttempts: 3})
	t.Cleanup(d.Close)

	require.NoError(t, d.Notify(context.Background(), model.ChangeNotification{Entity: "customer", Source: "acct", ForeignKey: "A1"}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	n, err := d.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int32(3), atomic.LoadInt32(&cycle.calls))
}
