package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/easeaico/memory-journal/internal/errs"
	"github.com/easeaico/memory-journal/internal/llm/llmtest"
	"github.com/easeaico/memory-journal/internal/memory"
	"github.com/easeaico/memory-journal/internal/retry"
)

// recorder is a Flusher that records batches and can be scripted to fail.
type recorder struct {
	mu      sync.Mutex
	batches []Batch
	calls   int
	failFn  func(call int) error
}

func (r *recorder) Flush(_ context.Context, b Batch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.failFn != nil {
		if err := r.failFn(r.calls); err != nil {
			return err
		}
	}
	r.batches = append(r.batches, b)
	return nil
}

func (r *recorder) snapshot() ([]Batch, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Batch(nil), r.batches...), r.calls
}

func fastPolicy(tries uint) retry.Policy {
	return retry.Policy{MaxTries: tries, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func newScheduler(t *testing.T, window time.Duration, f Flusher, overflow OverflowStore) *Scheduler {
	t.Helper()
	s, err := NewScheduler(Config{IdleWindow: window, Retry: fastPolicy(5), PoolSize: 4}, f, overflow, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func turn(text string) memory.Turn {
	return memory.Turn{Role: memory.RoleUser, Text: text, At: time.Now().UTC()}
}

func TestScheduler_SingleFlushForCloselySpacedTurns(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	s := newScheduler(t, 80*time.Millisecond, rec, nil)
	ctx := context.Background()

	for i := range 5 {
		require.NoError(t, s.Append(ctx, "u1", turn(fmt.Sprintf("turn %d", i))))
		time.Sleep(10 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		b, _ := rec.snapshot()
		return len(b) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// No second flush fires for the same epoch.
	time.Sleep(200 * time.Millisecond)
	batches, calls := rec.snapshot()
	require.Len(t, batches, 1)
	assert.Equal(t, 1, calls)
	assert.Len(t, batches[0].Turns, 5)
	assert.Equal(t, uint64(0), batches[0].Epoch)
	assert.Equal(t, "turn 0", batches[0].Turns[0].Text)
	assert.Equal(t, "turn 4", batches[0].Turns[4].Text)
}

func TestScheduler_TurnAfterExpiryStartsNewEpoch(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	s := newScheduler(t, 30*time.Millisecond, rec, nil)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "u1", turn("first")))
	require.Eventually(t, func() bool { b, _ := rec.snapshot(); return len(b) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Append(ctx, "u1", turn("second")))
	require.Eventually(t, func() bool { b, _ := rec.snapshot(); return len(b) == 2 }, time.Second, 5*time.Millisecond)

	batches, _ := rec.snapshot()
	assert.Equal(t, uint64(0), batches[0].Epoch)
	assert.Equal(t, uint64(1), batches[1].Epoch)
	assert.NotEqual(t, batches[0].EpisodeID, batches[1].EpisodeID)
}

func TestScheduler_FlushNowAndPending(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	s := newScheduler(t, time.Hour, rec, nil)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "u1", turn("a")))
	require.NoError(t, s.Append(ctx, "u1", turn("b")))

	n, err := s.Pending(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, s.FlushNow(ctx, "u1"))
	batches, _ := rec.snapshot()
	require.Len(t, batches, 1)
	assert.Len(t, batches[0].Turns, 2)

	n, err = s.Pending(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, n)

	// Nothing buffered: FlushNow is a no-op.
	require.NoError(t, s.FlushNow(ctx, "u1"))
	require.NoError(t, s.FlushNow(ctx, "unknown"))
	_, calls := rec.snapshot()
	assert.Equal(t, 1, calls)
}

// flakyCollection fails the first n upserts the way an unreachable Qdrant does.
type flakyCollection struct {
	memory.Collection
	remaining atomic.Int32
	attempts  atomic.Int32
}

func (f *flakyCollection) Upsert(ctx context.Context, points ...memory.Point) error {
	f.attempts.Add(1)
	if f.remaining.Add(-1) >= 0 {
		return fmt.Errorf("qdrant upsert: %w", status.Error(codes.Unavailable, "connection refused"))
	}
	return f.Collection.Upsert(ctx, points...)
}

func TestScheduler_UpsertFailsTwiceThenStoredOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	db, err := memory.NewChromemDB("")
	require.NoError(t, err)
	col, err := db.Collection("episodic_memory", 8)
	require.NoError(t, err)
	flaky := &flakyCollection{Collection: col}
	flaky.remaining.Store(2)
	store := memory.NewEpisodicStore(flaky)

	vec := llmtest.Normalize([]float32{1, 2, 3, 4, 5, 6, 7, 8})
	flusher := FlusherFunc(func(ctx context.Context, b Batch) error {
		return store.Upsert(ctx, memory.Episode{
			ID:        b.EpisodeID,
			UserID:    b.UserID,
			Story:     b.Turns[0].Text,
			Timestamp: b.Turns[0].At,
			Embedding: vec,
		})
	})

	overflow := NewMemoryOverflow()
	s := newScheduler(t, time.Hour, flusher, overflow)
	require.NoError(t, s.Append(ctx, "u1", turn("networking with director")))
	require.NoError(t, s.FlushNow(ctx, "u1"))

	assert.Equal(t, int32(3), flaky.attempts.Load())
	n, err := store.Count(ctx, memory.EpisodeFilter{UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending, err := overflow.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestScheduler_OverflowAfterRetriesAndReplay(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var healthy atomic.Bool
	rec := &recorder{failFn: func(int) error {
		if healthy.Load() {
			return nil
		}
		return errs.Unavailable("generate", errors.New("503"))
	}}
	overflow := NewMemoryOverflow()
	s, err := NewScheduler(Config{IdleWindow: time.Hour, Retry: fastPolicy(3)}, rec, overflow, nil, nil)
	require.NoError(t, err)
	defer s.Close(ctx)

	require.NoError(t, s.Append(ctx, "u1", turn("hello")))
	err = s.FlushNow(ctx, "u1")
	require.ErrorIs(t, err, errs.ErrUnavailable)

	_, calls := rec.snapshot()
	assert.Equal(t, 3, calls)
	n, _ := overflow.Len(ctx)
	require.Equal(t, int64(1), n)

	// The buffer keeps accepting turns after a failed flush.
	require.NoError(t, s.Append(ctx, "u1", turn("still here")))

	healthy.Store(true)
	replayed, failed, err := s.ReplayOverflow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, replayed)
	assert.Zero(t, failed)
	n, _ = overflow.Len(ctx)
	assert.Zero(t, n)

	batches, _ := rec.snapshot()
	require.Len(t, batches, 1)
	assert.Equal(t, "hello", batches[0].Turns[0].Text)
}

func TestScheduler_ReplayRequeuesFailures(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	rec := &recorder{failFn: func(int) error { return errs.Unavailable("embed", errors.New("down")) }}
	overflow := NewMemoryOverflow()
	require.NoError(t, overflow.Push(ctx, Record{UserID: "u1", EpisodeID: "e", Turns: []memory.Turn{turn("x")}, Attempts: 1}))

	s := newScheduler(t, time.Hour, rec, overflow)
	replayed, failed, err := s.ReplayOverflow(ctx)
	require.NoError(t, err)
	assert.Zero(t, replayed)
	assert.Equal(t, 1, failed)

	left, err := overflow.Drain(ctx, 0)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, 2, left[0].Attempts)
	assert.Contains(t, left[0].LastError, "down")
}

func TestScheduler_ReplayWaitsBehindQueuedFlush(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	release := make(chan struct{})
	var (
		mu    sync.Mutex
		order []string
	)
	flusher := FlusherFunc(func(_ context.Context, b Batch) error {
		if b.Turns[0].Text == "live" {
			<-release
		}
		mu.Lock()
		order = append(order, b.Turns[0].Text)
		mu.Unlock()
		return nil
	})
	overflow := NewMemoryOverflow()
	require.NoError(t, overflow.Push(ctx, Record{UserID: "u1", EpisodeID: "old", Turns: []memory.Turn{turn("replayed")}, Attempts: 1}))
	s := newScheduler(t, time.Hour, flusher, overflow)

	require.NoError(t, s.Append(ctx, "u1", turn("live")))
	a, err := s.actor("u1")
	require.NoError(t, err)
	reply := make(chan *flushHandle, 1)
	require.NoError(t, a.send(ctx, flushNowMsg{reply: reply}))
	<-reply

	type result struct {
		replayed, failed int
		err              error
	}
	done := make(chan result, 1)
	go func() {
		r, f, err := s.ReplayOverflow(ctx)
		done <- result{r, f, err}
	}()

	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	assert.Empty(t, order, "replay must not overtake the user's in-flight flush")
	mu.Unlock()

	close(release)
	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, 1, res.replayed)
	assert.Zero(t, res.failed)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"live", "replayed"}, order)
}

// flakyOverflow refuses pushes after the first failure is armed.
type flakyOverflow struct {
	*MemoryOverflow
	refuse atomic.Bool
}

func (f *flakyOverflow) Push(ctx context.Context, rec Record) error {
	if f.refuse.Load() {
		return errors.New("overflow unavailable")
	}
	return f.MemoryOverflow.Push(ctx, rec)
}

func TestScheduler_ReplayKeepsUnprocessedRecordsWhenClosed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	overflow := NewMemoryOverflow()
	for _, id := range []string{"e1", "e2", "e3"} {
		require.NoError(t, overflow.Push(ctx, Record{UserID: "u1", EpisodeID: id, Turns: []memory.Turn{turn(id)}, Attempts: 1}))
	}
	s, err := NewScheduler(Config{IdleWindow: time.Hour, Retry: fastPolicy(1)}, &recorder{}, overflow, nil, nil)
	require.NoError(t, err)
	require.NoError(t, s.Close(ctx))

	_, _, err = s.ReplayOverflow(ctx)
	require.ErrorIs(t, err, ErrClosed)

	left, err := overflow.Drain(ctx, 0)
	require.NoError(t, err)
	require.Len(t, left, 3)
	assert.Equal(t, "e1", left[0].EpisodeID)
	assert.Equal(t, 1, left[0].Attempts)
}

func TestScheduler_ReplayReportsLostRequeue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	overflow := &flakyOverflow{MemoryOverflow: NewMemoryOverflow()}
	require.NoError(t, overflow.Push(ctx, Record{UserID: "u1", EpisodeID: "e1", Turns: []memory.Turn{turn("x")}, Attempts: 1}))
	overflow.refuse.Store(true)

	rec := &recorder{failFn: func(int) error { return errs.Unavailable("embed", errors.New("down")) }}
	s := newScheduler(t, time.Hour, rec, overflow)

	_, failed, err := s.ReplayOverflow(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to requeue overflow record")
	assert.Equal(t, 1, failed)
}

func TestScheduler_PermanentErrorIsNotRetried(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	rec := &recorder{failFn: func(int) error { return errs.AuthRequired("store", errors.New("401")) }}
	overflow := NewMemoryOverflow()
	s := newScheduler(t, time.Hour, rec, overflow)

	require.NoError(t, s.Append(ctx, "u1", turn("x")))
	require.ErrorIs(t, s.FlushNow(ctx, "u1"), errs.ErrAuthRequired)

	_, calls := rec.snapshot()
	assert.Equal(t, 1, calls)
	n, _ := overflow.Len(ctx)
	assert.Equal(t, int64(1), n)
}

func TestScheduler_UsersDoNotBlockEachOther(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	release := make(chan struct{})
	var mu sync.Mutex
	flushed := map[string]int{}
	flusher := FlusherFunc(func(_ context.Context, b Batch) error {
		if b.UserID == "slow" {
			<-release
		}
		mu.Lock()
		flushed[b.UserID]++
		mu.Unlock()
		return nil
	})
	s := newScheduler(t, 20*time.Millisecond, flusher, nil)

	require.NoError(t, s.Append(ctx, "slow", turn("a")))
	require.NoError(t, s.Append(ctx, "fast", turn("b")))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return flushed["fast"] == 1
	}, time.Second, 5*time.Millisecond)

	// The slow user's actor still accepts turns while its flush runs.
	require.NoError(t, s.Append(ctx, "slow", turn("c")))
	close(release)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return flushed["slow"] == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"fast", "slow"}, s.Users())
}

func TestScheduler_StuckUserDoesNotStarveSmallPool(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	release := make(chan struct{})
	flusher := FlusherFunc(func(_ context.Context, b Batch) error {
		if b.UserID == "a" {
			<-release
		}
		return nil
	})
	s, err := NewScheduler(Config{IdleWindow: time.Hour, Retry: fastPolicy(1), PoolSize: 2}, flusher, nil, nil, nil)
	require.NoError(t, err)
	defer func() {
		close(release)
		_ = s.Close(ctx)
	}()

	a, err := s.actor("a")
	require.NoError(t, err)
	for i := range 3 {
		require.NoError(t, s.Append(ctx, "a", turn(fmt.Sprintf("a%d", i))))
		reply := make(chan *flushHandle, 1)
		require.NoError(t, a.send(ctx, flushNowMsg{reply: reply}))
		<-reply
	}

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, s.Append(waitCtx, "b", turn("b0")))
	require.NoError(t, s.FlushNow(waitCtx, "b"))

	// The stuck user's actor keeps accepting turns.
	require.NoError(t, s.Append(waitCtx, "a", turn("a3")))
	pending, err := s.Pending(waitCtx, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
}

func TestScheduler_FlushesOfOneUserRunInOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var (
		mu     sync.Mutex
		epochs []uint64
	)
	flusher := FlusherFunc(func(_ context.Context, b Batch) error {
		if b.Epoch == 0 {
			time.Sleep(50 * time.Millisecond)
		}
		mu.Lock()
		epochs = append(epochs, b.Epoch)
		mu.Unlock()
		return nil
	})
	s := newScheduler(t, time.Hour, flusher, nil)

	require.NoError(t, s.Append(ctx, "u1", turn("a")))
	reply := make(chan *flushHandle, 1)
	// Queue epoch 0 without waiting, then flush epoch 1.
	a, err := s.actor("u1")
	require.NoError(t, err)
	require.NoError(t, a.send(ctx, flushNowMsg{reply: reply}))
	<-reply
	require.NoError(t, s.Append(ctx, "u1", turn("b")))
	require.NoError(t, s.FlushNow(ctx, "u1"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []uint64{0, 1}, epochs)
}

func TestScheduler_CloseFlushesPending(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	s, err := NewScheduler(Config{IdleWindow: time.Hour, Retry: fastPolicy(2)}, rec, nil, nil, nil)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "u1", turn("a")))
	require.NoError(t, s.Append(ctx, "u2", turn("b")))
	require.NoError(t, s.Close(ctx))

	batches, _ := rec.snapshot()
	assert.Len(t, batches, 2)
	assert.ErrorIs(t, s.Append(ctx, "u1", turn("late")), ErrClosed)
	assert.NoError(t, s.Close(ctx), "second close is a no-op")
}

func TestScheduler_AppendValidation(t *testing.T) {
	t.Parallel()
	s := newScheduler(t, time.Hour, &recorder{}, nil)
	assert.Error(t, s.Append(context.Background(), "", turn("x")))

	_, err := NewScheduler(Config{}, nil, nil, nil, nil)
	assert.Error(t, err)
}

func TestEpisodeID(t *testing.T) {
	t.Parallel()
	at := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	a := EpisodeID("u1", 3, at)
	assert.Equal(t, a, EpisodeID("u1", 3, at), "deterministic")
	assert.NotEqual(t, a, EpisodeID("u1", 4, at))
	assert.NotEqual(t, a, EpisodeID("u2", 3, at))
	assert.NotEqual(t, a, EpisodeID("u1", 3, at.Add(time.Nanosecond)))
	assert.Len(t, a, 36)
}
