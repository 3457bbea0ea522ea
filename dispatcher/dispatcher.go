// Package dispatcher owns the in-memory WorkItem queue, serialises cycles
// per internal key, runs a bounded worker pool, and retries transient
// failures with exponential backoff.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/anchor/retcon/metrics"
	"github.com/anchor/retcon/model"
	"github.com/anchor/retcon/reconciler"
	"github.com/anchor/retcon/store"
	"github.com/anchor/retcon/utils"
)

// CycleRunner is the subset of *reconciler.Reconciler the Dispatcher drives.
// Kept as an interface so tests can substitute a fake cycle runner without
// standing up a Pebble store and drivers.
type CycleRunner interface {
	Run(ctx context.Context, item model.WorkItem) reconciler.Result
	ResolveFollowUp(ctx context.Context, did model.DiffID, opIDs []model.OpID) reconciler.Result
}

// Config holds the retry/backoff constants and worker pool size (see
// DESIGN.md's Open Question 3 for how the defaults below were chosen).
type Config struct {
	Workers     int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	MaxAttempts int
}

// DefaultConfig returns the standard retry/backoff constants: worker count
// is left for the caller to size, base backoff 1s, cap 5m, max 8 attempts.
func DefaultConfig(workers int) Config {
	return Config{
		Workers:     workers,
		BaseBackoff: time.Second,
		MaxBackoff:  5 * time.Minute,
		MaxAttempts: 8,
	}
}

type jobKind int

const (
	jobWork jobKind = iota
	jobResolve
)

type job struct {
	kind    jobKind
	item    model.WorkItem
	did     model.DiffID
	opIDs   []model.OpID
	attempt int
}

// keyState tracks, for one coalescing key (almost always "ik:<n>"), the
// single most recent job waiting to run and whether a worker currently
// holds the key. A notification arriving while a cycle for the same key
// is in flight overwrites pending rather than queuing a second job, so a
// burst of notifications for the same key collapses to one extra cycle.
type keyState struct {
	pending *job
	running bool
}

// Dispatcher is safe for concurrent use by many callers of Notify/Resolve.
type Dispatcher struct {
	cycle CycleRunner
	store store.ReadWriteStore
	log   utils.Logger
	cfg   Config

	mu       sync.Mutex
	cond     *sync.Cond
	keys     map[string]*keyState
	tupleKey map[string]string // identity tuple -> coalescing key currently assigned to it
	readyQ   []string
	pending  int // jobs not yet resolved to a terminal outcome
	processed int
	flushed  int // value of processed when the previous Flush returned
	stopped  bool

	retry *retryScheduler
	wg    sync.WaitGroup

	metrics *metrics.Metrics
}

// New returns a Dispatcher and starts its worker pool and retry scheduler.
// Callers must call Close to stop both cleanly.
func New(cycle CycleRunner, s store.ReadWriteStore, log utils.Logger, cfg Config) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	d := &Dispatcher{
		cycle:    cycle,
		store:    s,
		log:      log,
		cfg:      cfg,
		keys:     map[string]*keyState{},
		tupleKey: map[string]string{},
		retry:    newRetryScheduler(),
	}
	d.cond = sync.NewCond(&d.mu)
	d.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go d.worker()
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.retry.run(func(key string, j *job) { d.requeue(key, j) })
	}()
	return d
}

// SetMetrics attaches a Metrics collector; nil disables instrumentation.
func (d *Dispatcher) SetMetrics(m *metrics.Metrics) { d.metrics = m }

// Close stops accepting new work, lets in-flight cycles finish, and stops
// the worker pool and retry scheduler.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.stopped = true
	d.cond.Broadcast()
	d.mu.Unlock()
	d.retry.stop()
	d.wg.Wait()
}

// Notify enqueues a WorkItem derived from a ChangeNotification. It resolves
// a coalescing key up front so concurrent notifications for the same
// logical record serialise even though the internal key is not yet known
// to the caller.
func (d *Dispatcher) Notify(ctx context.Context, n model.ChangeNotification) error {
	item := n.WorkItem()
	key := d.keyForTuple(identityTuple(item.Entity, item.Source, item.ForeignKey))
	d.enqueue(key, &job{kind: jobWork, item: item})
	return nil
}

// Resolve schedules the follow-up cycle a Resolve request triggers. It
// serialises against the same key any other cycle for the diff's internal
// key would use.
func (d *Dispatcher) Resolve(ctx context.Context, did model.DiffID, opIDs []model.OpID) {
	key := d.resolveKey(ctx, did)
	d.enqueue(key, &job{kind: jobResolve, did: did, opIDs: opIDs})
}

// Flush blocks until every queued, running, and retry-scheduled job has
// reached a terminal outcome, then returns how many jobs reached a terminal
// outcome since the previous Flush returned (for the first Flush, since the
// Dispatcher started).
func (d *Dispatcher) Flush(ctx context.Context) (int, error) {
	d.mu.Lock()
	start := d.flushed
	for d.pending > 0 {
		if ctx.Err() != nil {
			d.mu.Unlock()
			return d.processed - start, ctx.Err()
		}
		d.cond.Wait()
	}
	n := d.processed - start
	d.flushed = d.processed
	d.mu.Unlock()
	return n, nil
}

// keyForTuple returns the coalescing key currently assigned to an
// (entity, source, fk) identity tuple, minting a fresh "new:" key the
// first time the tuple is seen. The assignment only ever moves forward,
// from a "new:" key to a durable "ik:<n>" key once some cycle for this
// tuple reports its internal key back through migrateKeyLocked — it is
// never recomputed from a live store lookup, so a job already running or
// queued under a tuple's current key is never orphaned by a second
// Notify resolving to a different key while that job is still in flight.
func (d *Dispatcher) keyForTuple(tuple string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if key, ok := d.tupleKey[tuple]; ok {
		return key
	}
	key := "new:" + tuple
	d.tupleKey[tuple] = key
	return key
}

// migrateKeyLocked records that tuple has settled on the internal key
// encoded in canon, learned from a completed cycle's result. Must be
// called with d.mu held. The first time a given ik is learned for tuple,
// canon is aliased to the same *keyState the tuple's "new:" key already
// names rather than replacing it, so a job still finishing under the old
// key, and anything already queued under it, stay reachable: only
// future keyForTuple lookups for this tuple change, never the bucket a
// job was already admitted into.
func (d *Dispatcher) migrateKeyLocked(tuple, canon string) {
	old, ok := d.tupleKey[tuple]
	d.tupleKey[tuple] = canon
	if !ok || old == canon {
		return
	}
	if _, exists := d.keys[canon]; !exists {
		d.keys[canon] = d.keys[old]
	}
}

func identityTuple(entity model.EntityName, source model.SourceName, fk model.ForeignKey) string {
	return fmt.Sprintf("%s/%s/%s", entity, source, fk)
}

func (d *Dispatcher) resolveKey(ctx context.Context, did model.DiffID) string {
	if d.store != nil {
		if rec, ok, err := d.store.GetDiff(ctx, did); err == nil && ok {
			return ikKey(rec.InternalKey)
		}
	}
	return fmt.Sprintf("did:%d", did)
}

func ikKey(ik model.InternalKey) string { return fmt.Sprintf("ik:%d", uint64(ik)) }

func (d *Dispatcher) enqueue(key string, j *job) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	st, ok := d.keys[key]
	if !ok {
		st = &keyState{}
		d.keys[key] = st
	}
	wasIdle := st.pending == nil
	st.pending = j
	// A job that overwrites a still-waiting one takes over its place in the
	// count instead of adding to it.
	if wasIdle {
		d.pending++
	}
	if wasIdle && !st.running {
		d.readyQ = append(d.readyQ, key)
		d.cond.Signal()
	}
	depth := d.pending
	d.mu.Unlock()
	if d.metrics != nil {
		d.metrics.QueueDepth.Set(float64(depth))
	}
}

// requeue re-admits a job produced by the retry scheduler. Unlike enqueue
// it never increments pending: the job was already counted when first
// submitted and stays outstanding through every retry attempt.
func (d *Dispatcher) requeue(key string, j *job) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	st, ok := d.keys[key]
	if !ok {
		st = &keyState{}
		d.keys[key] = st
	}
	if st.pending != nil {
		// A coalesced job is already waiting under this key, counted and
		// queued (or to be queued by finish); j replaces it in both.
		st.pending = j
		d.pending--
		d.mu.Unlock()
		return
	}
	st.pending = j
	if !st.running {
		d.readyQ = append(d.readyQ, key)
		d.cond.Signal()
	}
	d.mu.Unlock()
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		for len(d.readyQ) == 0 && !d.stopped {
			d.cond.Wait()
		}
		if len(d.readyQ) == 0 {
			d.mu.Unlock()
			return
		}
		key := d.readyQ[0]
		d.readyQ = d.readyQ[1:]
		st := d.keys[key]
		j := st.pending
		st.pending = nil
		st.running = true
		d.mu.Unlock()

		started := time.Now()
		result := d.runJob(j)
		if d.metrics != nil {
			d.metrics.CycleDuration.Observe(time.Since(started).Seconds())
		}
		d.finish(key, j, result)
	}
}

func (d *Dispatcher) runJob(j *job) reconciler.Result {
	ctx := context.Background()
	switch j.kind {
	case jobResolve:
		return d.cycle.ResolveFollowUp(ctx, j.did, j.opIDs)
	default:
		return d.cycle.Run(ctx, j.item)
	}
}

func (d *Dispatcher) finish(key string, j *job, result reconciler.Result) {
	if d.metrics != nil {
		d.metrics.CyclesTotal.WithLabelValues(outcomeLabel(result.Outcome)).Inc()
		if result.Rejected {
			d.metrics.RejectedTotal.Inc()
		}
	}

	terminal := true
	switch result.Outcome {
	case reconciler.Retryable:
		j.attempt++
		if j.attempt < d.cfg.MaxAttempts {
			terminal = false
			delay := backoff(d.cfg.BaseBackoff, d.cfg.MaxBackoff, j.attempt)
			d.log.Warn("dispatcher: cycle retryable, scheduling retry",
				"key", key, "attempt", j.attempt, "delay", delay.String(), "err", result.Err)
			d.retry.schedule(time.Now().Add(delay), key, j)
			if d.metrics != nil {
				d.metrics.RetriesTotal.Inc()
			}
		} else {
			d.log.Error("dispatcher: cycle exhausted retries, dropping",
				"key", key, "attempts", j.attempt, "err", result.Err)
			d.dropExhausted(context.Background(), result)
		}
	case reconciler.Permanent:
		d.log.Error("dispatcher: cycle failed permanently", "key", key, "err", result.Err)
	case reconciler.Committed:
		d.log.Debug("dispatcher: cycle committed", "key", key, "ik", result.InternalKey, "rejected", result.Rejected)
	}

	d.mu.Lock()
	if j.kind == jobWork && result.InternalKey != 0 {
		tuple := identityTuple(j.item.Entity, j.item.Source, j.item.ForeignKey)
		d.migrateKeyLocked(tuple, ikKey(result.InternalKey))
	}
	st := d.keys[key]
	if terminal {
		d.pending--
		d.processed++
	}
	st.running = false
	if st.pending != nil {
		d.readyQ = append(d.readyQ, key)
	}
	if d.pending == 0 {
		d.cond.Broadcast()
	}
	d.cond.Signal()
	depth := d.pending
	d.mu.Unlock()
	if d.metrics != nil {
		d.metrics.QueueDepth.Set(float64(depth))
	}
}

// dropExhausted records a failed WorkItem as a Notification once its
// retries are exhausted. The store contract has no dedicated "failed work
// item" table, so a zero DiffID marks a Notification with no DiffRecord
// behind it, distinguishing a dropped WorkItem from the normal
// rejected-operations case.
// A cycle that never resolved an internal key (e.g. an unreachable store
// on the very first lookup) has nothing to key the Notification on and is
// only logged.
func (d *Dispatcher) dropExhausted(ctx context.Context, result reconciler.Result) {
	if result.InternalKey == 0 || d.store == nil {
		return
	}
	if err := d.store.RecordNotification(ctx, result.InternalKey, 0); err != nil {
		d.log.Error("dispatcher: failed to record dropped-work notification", "ik", result.InternalKey, "err", err)
		return
	}
	if d.metrics != nil {
		if n, err := d.store.PendingNotifications(ctx); err == nil {
			d.metrics.NotificationsPending.Set(float64(n))
		}
	}
}

func outcomeLabel(o reconciler.Outcome) string {
	switch o {
	case reconciler.Committed:
		return "committed"
	case reconciler.Retryable:
		return "retryable"
	case reconciler.Permanent:
		return "permanent"
	default:
		return "unknown"
	}
}
