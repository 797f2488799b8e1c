package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testPayload struct {
	Key string `json:"key"`
}

func keyID(payload []byte) (string, error) {
	var p testPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return "", err
	}
	if p.Key == "" {
		return "", errors.New("missing key")
	}
	return "test:" + p.Key, nil
}

func newTestRuntime(t *testing.T, store Store, handler Handler, concurrency int) *Runtime {
	t.Helper()
	return newLeasedRuntime(t, store, handler, concurrency, 0)
}

func newLeasedRuntime(t *testing.T, store Store, handler Handler, concurrency int, lease time.Duration) *Runtime {
	t.Helper()
	rt := NewRuntime(store, Options{PollInterval: 20 * time.Millisecond, LeaseDuration: lease})
	require.NoError(t, rt.Register(JobType{
		Name:        "test",
		Concurrency: concurrency,
		ID:          keyID,
		Handler:     handler,
	}))
	return rt
}

func waitForStatus(t *testing.T, rt *Runtime, id string, want Status) *Job {
	t.Helper()
	var job *Job
	require.Eventually(t, func() bool {
		j, err := rt.GetJob(context.Background(), id)
		if err != nil {
			return false
		}
		job = j
		return j.Status == want
	}, 5*time.Second, 10*time.Millisecond, "job %s never reached %s", id, want)
	return job
}

func TestRegisterRequiresIDFunc(t *testing.T) {
	rt := NewRuntime(NewMemoryStore(), Options{})
	err := rt.Register(JobType{Name: "test", Concurrency: 1})
	assert.ErrorIs(t, err, ErrInvalidJobType)

	err = rt.Register(JobType{Name: "test", Concurrency: 0, ID: keyID})
	assert.ErrorIs(t, err, ErrInvalidJobType)
}

func TestScheduleUnknownType(t *testing.T) {
	rt := NewRuntime(NewMemoryStore(), Options{})
	_, err := rt.Schedule(context.Background(), "nope", testPayload{Key: "a"})
	assert.ErrorIs(t, err, ErrUnknownJobType)
}

func TestScheduleIsVisibleImmediately(t *testing.T) {
	rt := newTestRuntime(t, NewMemoryStore(), nil, 1)

	job, err := rt.Schedule(context.Background(), "test", testPayload{Key: "abc"})
	require.NoError(t, err)
	assert.Equal(t, "test:abc", job.ID)

	status, err := rt.GetStatus(context.Background(), "test:abc")
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, status)

	id, err := rt.JobID("test", testPayload{Key: "abc"})
	require.NoError(t, err)
	assert.Equal(t, job.ID, id)
}

func TestGetStatusUnknownJob(t *testing.T) {
	rt := newTestRuntime(t, NewMemoryStore(), nil, 1)
	_, err := rt.GetStatus(context.Background(), "test:none")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestConcurrentScheduleOneWinner(t *testing.T) {
	var runs atomic.Int32
	release := make(chan struct{})
	rt := newTestRuntime(t, NewMemoryStore(), func(ctx context.Context, job *Job) error {
		runs.Add(1)
		<-release
		return nil
	}, 4)
	require.NoError(t, rt.Start(context.Background()))
	t.Cleanup(rt.Stop)

	const callers = 16
	var (
		wg        sync.WaitGroup
		ok        atomic.Int32
		conflicts atomic.Int32
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := rt.Schedule(context.Background(), "test", testPayload{Key: "same"})
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrConflict):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	close(release)

	assert.EqualValues(t, 1, ok.Load())
	assert.EqualValues(t, callers-1, conflicts.Load())

	waitForStatus(t, rt, "test:same", StatusCompleted)
	assert.EqualValues(t, 1, runs.Load())
}

func TestConcurrencyCap(t *testing.T) {
	const limit = 2
	var running, peak atomic.Int32
	release := make(chan struct{})

	rt := newTestRuntime(t, NewMemoryStore(), func(ctx context.Context, job *Job) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		running.Add(-1)
		return nil
	}, limit)
	require.NoError(t, rt.Start(context.Background()))
	t.Cleanup(rt.Stop)

	for i := 0; i < 6; i++ {
		_, err := rt.Schedule(context.Background(), "test", testPayload{Key: fmt.Sprint(i)})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return running.Load() == limit }, 5*time.Second, 10*time.Millisecond)
	// Give the dispatcher a chance to overshoot before checking.
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, limit, running.Load())

	queued := 0
	for i := 0; i < 6; i++ {
		s, err := rt.GetStatus(context.Background(), fmt.Sprintf("test:%d", i))
		require.NoError(t, err)
		if s == StatusQueued {
			queued++
		}
	}
	assert.Equal(t, 6-limit, queued)

	close(release)
	for i := 0; i < 6; i++ {
		waitForStatus(t, rt, fmt.Sprintf("test:%d", i), StatusCompleted)
	}
	assert.LessOrEqual(t, peak.Load(), int32(limit))
}

func TestFIFOOrder(t *testing.T) {
	store := NewMemoryStore()
	var (
		mu    sync.Mutex
		order []string
	)
	rt := newTestRuntime(t, store, func(ctx context.Context, job *Job) error {
		var p testPayload
		if err := job.Decode(&p); err != nil {
			return err
		}
		mu.Lock()
		order = append(order, p.Key)
		mu.Unlock()
		return nil
	}, 1)

	keys := []string{"a", "b", "c", "d", "e"}
	for _, k := range keys {
		_, err := rt.Schedule(context.Background(), "test", testPayload{Key: k})
		require.NoError(t, err)
	}
	require.NoError(t, rt.Start(context.Background()))
	t.Cleanup(rt.Stop)

	waitForStatus(t, rt, "test:e", StatusCompleted)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, keys, order)
}

func TestFailedJobKeepsErrorAndIsNotRetried(t *testing.T) {
	var runs atomic.Int32
	rt := newTestRuntime(t, NewMemoryStore(), func(ctx context.Context, job *Job) error {
		runs.Add(1)
		return errors.New("fetch: object pdf/abc123 not found")
	}, 1)
	require.NoError(t, rt.Start(context.Background()))
	t.Cleanup(rt.Stop)

	_, err := rt.Schedule(context.Background(), "test", testPayload{Key: "abc123"})
	require.NoError(t, err)

	job := waitForStatus(t, rt, "test:abc123", StatusFailed)
	assert.Equal(t, "fetch: object pdf/abc123 not found", job.Error)

	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 1, runs.Load())

	// A failed job may be resubmitted explicitly.
	_, err = rt.Schedule(context.Background(), "test", testPayload{Key: "abc123"})
	require.NoError(t, err)
	waitForStatus(t, rt, "test:abc123", StatusFailed)
	assert.EqualValues(t, 2, runs.Load())
}

func TestHandlerPanicFailsJob(t *testing.T) {
	rt := newTestRuntime(t, NewMemoryStore(), func(ctx context.Context, job *Job) error {
		panic("nil page")
	}, 1)
	require.NoError(t, rt.Start(context.Background()))
	t.Cleanup(rt.Stop)

	_, err := rt.Schedule(context.Background(), "test", testPayload{Key: "p"})
	require.NoError(t, err)

	job := waitForStatus(t, rt, "test:p", StatusFailed)
	assert.Contains(t, job.Error, "nil page")
}

func TestStatusSurvivesRestart(t *testing.T) {
	store := NewMemoryStore()

	// A job left active by a crashed worker whose lease has run out.
	require.NoError(t, store.Create(context.Background(), newTestJob("test:crashed", "test", time.Now().UTC())))
	_, err := store.Claim(context.Background(), "test", 1, Lease{Owner: "crashed", Until: time.Now().Add(-time.Second)})
	require.NoError(t, err)

	// The API process only schedules.
	api := newTestRuntime(t, store, nil, 1)
	_, err = api.Schedule(context.Background(), "test", testPayload{Key: "durable"})
	require.NoError(t, err)

	worker := newTestRuntime(t, store, func(ctx context.Context, job *Job) error { return nil }, 1)
	require.NoError(t, worker.Start(context.Background()))
	t.Cleanup(worker.Stop)

	waitForStatus(t, worker, "test:durable", StatusCompleted)

	crashed, err := api.GetJob(context.Background(), "test:crashed")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, crashed.Status)
	assert.Equal(t, interruptedMessage, crashed.Error)
}

func TestTransitionsAreObserved(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []Status
	)
	rt := NewRuntime(NewMemoryStore(), Options{
		PollInterval: 20 * time.Millisecond,
		OnTransition: func(ctx context.Context, job *Job) {
			mu.Lock()
			seen = append(seen, job.Status)
			mu.Unlock()
		},
	})
	require.NoError(t, rt.Register(JobType{
		Name:        "test",
		Concurrency: 1,
		ID:          keyID,
		Handler:     func(ctx context.Context, job *Job) error { return nil },
	}))

	_, err := rt.Schedule(context.Background(), "test", testPayload{Key: "x"})
	require.NoError(t, err)
	require.NoError(t, rt.Start(context.Background()))

	waitForStatus(t, rt, "test:x", StatusCompleted)
	rt.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Status{StatusQueued, StatusActive, StatusCompleted}, seen)
}

func TestStopWaitsForRunningHandler(t *testing.T) {
	started := make(chan struct{})
	var finished atomic.Bool
	rt := newTestRuntime(t, NewMemoryStore(), func(ctx context.Context, job *Job) error {
		close(started)
		time.Sleep(100 * time.Millisecond)
		finished.Store(ctx.Err() == nil)
		return nil
	}, 1)
	require.NoError(t, rt.Start(context.Background()))

	_, err := rt.Schedule(context.Background(), "test", testPayload{Key: "slow"})
	require.NoError(t, err)
	<-started

	rt.Stop()
	assert.True(t, finished.Load(), "handler context must not be cancelled by Stop")

	status, err := rt.GetStatus(context.Background(), "test:slow")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, status)
}

func TestSecondRuntimeLeavesRunningJobAlone(t *testing.T) {
	store := NewMemoryStore()
	const lease = 60 * time.Millisecond

	started := make(chan struct{})
	release := make(chan struct{})
	first := newLeasedRuntime(t, store, func(ctx context.Context, job *Job) error {
		close(started)
		<-release
		return nil
	}, 1, lease)
	require.NoError(t, first.Start(context.Background()))
	t.Cleanup(first.Stop)

	_, err := first.Schedule(context.Background(), "test", testPayload{Key: "k1"})
	require.NoError(t, err)
	<-started

	var secondRuns atomic.Int32
	second := newLeasedRuntime(t, store, func(ctx context.Context, job *Job) error {
		secondRuns.Add(1)
		return nil
	}, 1, lease)
	require.NoError(t, second.Start(context.Background()))
	t.Cleanup(second.Stop)

	// Several lease periods pass while the first runtime keeps renewing.
	time.Sleep(5 * lease)
	job, err := second.GetJob(context.Background(), "test:k1")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, job.Status)
	assert.Equal(t, first.WorkerID(), job.Owner)

	_, err = second.Schedule(context.Background(), "test", testPayload{Key: "k1"})
	assert.ErrorIs(t, err, ErrConflict)

	close(release)
	job = waitForStatus(t, first, "test:k1", StatusCompleted)
	assert.Empty(t, job.Error)
	assert.EqualValues(t, 0, secondRuns.Load())
}

func TestConcurrencyCapAcrossRuntimes(t *testing.T) {
	const limit = 2
	store := NewMemoryStore()
	var running, peak atomic.Int32
	release := make(chan struct{})

	handler := func(ctx context.Context, job *Job) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		running.Add(-1)
		return nil
	}

	a := newTestRuntime(t, store, handler, limit)
	b := newTestRuntime(t, store, handler, limit)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(a.Stop)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(b.Stop)

	for i := 0; i < 6; i++ {
		_, err := a.Schedule(context.Background(), "test", testPayload{Key: fmt.Sprint(i)})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return running.Load() == limit }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, limit, running.Load())

	close(release)
	for i := 0; i < 6; i++ {
		waitForStatus(t, a, fmt.Sprintf("test:%d", i), StatusCompleted)
	}
	assert.LessOrEqual(t, peak.Load(), int32(limit))
}

func TestAbandonedLeaseIsFailedByLiveRuntime(t *testing.T) {
	store := NewMemoryStore()
	const lease = 50 * time.Millisecond

	worker := newLeasedRuntime(t, store, func(ctx context.Context, job *Job) error { return nil }, 2, lease)
	require.NoError(t, worker.Start(context.Background()))
	t.Cleanup(worker.Stop)

	// Claimed by a runtime that then disappeared without renewing.
	require.NoError(t, store.Create(context.Background(), newTestJob("test:ghost", "test", time.Now().UTC())))
	_, err := store.Claim(context.Background(), "test", 2, Lease{Owner: "ghost", Until: time.Now().Add(lease)})
	require.NoError(t, err)

	job := waitForStatus(t, worker, "test:ghost", StatusFailed)
	assert.Equal(t, interruptedMessage, job.Error)
	assert.Empty(t, job.Owner)
}
