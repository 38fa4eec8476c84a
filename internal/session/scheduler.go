// Package session batches conversation turns per user and flushes each batch
// into the episodic pipeline after an idle window.
//
// Every user has one actor goroutine that owns the buffer, the idle timer and
// the epoch counter. Expiry of the timer with a non-empty buffer closes the
// epoch and hands the batch to a bounded worker pool. Flushes of one user run
// in epoch order; different users never wait on each other.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/easeaico/memory-journal/internal/logging"
	"github.com/easeaico/memory-journal/internal/memory"
	"github.com/easeaico/memory-journal/internal/metrics"
	"github.com/easeaico/memory-journal/internal/retry"
)

// ErrClosed is returned by operations on a closed scheduler.
var ErrClosed = errors.New("session scheduler closed")

// episodeNamespace seeds deterministic episode ids.
var episodeNamespace = uuid.MustParse("7d1c3f0e-5b7a-4f8e-9a55-0c2b6e1d4a90")

// Batch is the closed buffer of one epoch.
type Batch struct {
	UserID    string
	Epoch     uint64
	EpisodeID string
	Turns     []memory.Turn
}

// Flusher consolidates a batch into a stored episode.
// It must be safe to call again with the same batch.
type Flusher interface {
	Flush(ctx context.Context, b Batch) error
}

// FlusherFunc adapts a function to Flusher.
type FlusherFunc func(ctx context.Context, b Batch) error

func (f FlusherFunc) Flush(ctx context.Context, b Batch) error { return f(ctx, b) }

// EpisodeID derives the id stored for a batch. Retried flushes of the same
// batch map to the same id, so upserts overwrite instead of duplicating.
func EpisodeID(userID string, epoch uint64, firstTurn time.Time) string {
	key := userID + "\x00" + strconv.FormatUint(epoch, 10) + "\x00" + strconv.FormatInt(firstTurn.UnixNano(), 10)
	return uuid.NewSHA1(episodeNamespace, []byte(key)).String()
}

// Config tunes the scheduler.
type Config struct {
	IdleWindow   time.Duration
	Retry        retry.Policy
	FlushTimeout time.Duration
	PoolSize     int
}

// Scheduler owns the per-user actors.
type Scheduler struct {
	cfg      Config
	flusher  Flusher
	overflow OverflowStore
	pool     *ants.Pool
	logger   *zap.Logger
	metrics  *metrics.Collector

	mu     sync.Mutex
	actors map[string]*actor
	closed bool
	jobs   sync.WaitGroup
}

// NewScheduler creates a scheduler. A nil overflow store keeps failed batches in memory.
func NewScheduler(cfg Config, flusher Flusher, overflow OverflowStore, logger *zap.Logger, m *metrics.Collector) (*Scheduler, error) {
	if flusher == nil {
		return nil, errors.New("flusher is required")
	}
	if cfg.IdleWindow <= 0 {
		cfg.IdleWindow = 60 * time.Second
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 2 * time.Minute
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 16
	}
	if overflow == nil {
		overflow = NewMemoryOverflow()
	}
	logger = logging.OrNop(logger).With(zap.String("component", "session"))

	pool, err := ants.NewPool(cfg.PoolSize, ants.WithPanicHandler(func(p any) {
		logger.Error("flush worker panicked", zap.Any("panic", p))
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to create flush pool: %w", err)
	}

	return &Scheduler{
		cfg:      cfg,
		flusher:  flusher,
		overflow: overflow,
		pool:     pool,
		logger:   logger,
		metrics:  m,
		actors:   make(map[string]*actor),
	}, nil
}

// Append adds a turn to the user's buffer and restarts the idle timer.
func (s *Scheduler) Append(ctx context.Context, userID string, turn memory.Turn) error {
	if userID == "" {
		return errors.New("user id is empty")
	}
	if turn.At.IsZero() {
		turn.At = time.Now().UTC()
	}
	a, err := s.actor(userID)
	if err != nil {
		return err
	}
	return a.send(ctx, appendMsg{turn: turn})
}

// FlushNow closes the user's current epoch immediately and waits for every
// flush queued so far for that user. It returns the error of the last flush.
func (s *Scheduler) FlushNow(ctx context.Context, userID string) error {
	s.mu.Lock()
	a, ok := s.actors[userID]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	reply := make(chan *flushHandle, 1)
	if err := a.send(ctx, flushNowMsg{reply: reply}); err != nil {
		return err
	}
	select {
	case h := <-reply:
		return h.wait(ctx)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns how many turns wait in the user's open epoch.
func (s *Scheduler) Pending(ctx context.Context, userID string) (int, error) {
	s.mu.Lock()
	a, ok := s.actors[userID]
	s.mu.Unlock()
	if !ok {
		return 0, nil
	}
	reply := make(chan int, 1)
	if err := a.send(ctx, pendingMsg{reply: reply}); err != nil {
		return 0, err
	}
	select {
	case n := <-reply:
		return n, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Users lists every user seen since start, sorted.
func (s *Scheduler) Users() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	users := make([]string, 0, len(s.actors))
	for u := range s.actors {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

// Close flushes every open epoch, waits for in-flight flushes and stops the actors.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	actors := make([]*actor, 0, len(s.actors))
	for _, a := range s.actors {
		actors = append(actors, a)
	}
	s.mu.Unlock()

	var errs []error
	for _, a := range actors {
		reply := make(chan *flushHandle, 1)
		a.inbox <- stopMsg{reply: reply}
		h := <-reply
		if err := h.wait(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush %s: %w", a.userID, err))
		}
	}

	done := make(chan struct{})
	go func() {
		s.jobs.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	s.pool.Release()
	return errors.Join(errs...)
}

// ReplayOverflow drains the overflow store and runs each record through the
// pipeline again, behind any flush already queued for the same user. Records
// that fail again are pushed back.
func (s *Scheduler) ReplayOverflow(ctx context.Context) (replayed, failed int, err error) {
	records, err := s.overflow.Drain(ctx, 0)
	if err != nil && len(records) == 0 {
		return 0, 0, fmt.Errorf("failed to drain overflow: %w", err)
	}
	if err != nil {
		s.logger.Warn("skipped undecodable overflow records", zap.Error(err))
	}

	handles := make([]*flushHandle, 0, len(records))
	for i, rec := range records {
		a, aerr := s.actor(rec.UserID)
		if aerr != nil {
			// Nothing from i on was queued; hand those records back untouched.
			return replayed, failed, errors.Join(aerr, s.requeue(records[i:]))
		}
		handles = append(handles, s.enqueue(a.chain, func() error { return s.replay(ctx, rec) }))
	}

	// Queued replays finish and requeue on their own even if ctx ends first.
	var requeueErrs []error
	for _, h := range handles {
		herr := h.wait(ctx)
		if herr == nil {
			replayed++
			continue
		}
		if ctx.Err() != nil {
			return replayed, failed, ctx.Err()
		}
		failed++
		var rerr *requeueError
		if errors.As(herr, &rerr) {
			requeueErrs = append(requeueErrs, rerr)
		}
	}
	s.logger.Info("overflow replayed", zap.Int("replayed", replayed), zap.Int("failed", failed))
	return replayed, failed, errors.Join(requeueErrs...)
}

// requeueError marks a replay whose record could not be written back.
type requeueError struct{ err error }

func (e *requeueError) Error() string { return "failed to requeue overflow record: " + e.err.Error() }
func (e *requeueError) Unwrap() error { return e.err }

// replay flushes one overflow record and pushes it back on failure.
func (s *Scheduler) replay(ctx context.Context, rec Record) error {
	rec.Attempts++
	flushCtx, cancel := context.WithTimeout(ctx, s.cfg.FlushTimeout)
	defer cancel()
	ferr := s.flushWithRetry(flushCtx, rec.batch())
	if ferr == nil {
		return nil
	}
	rec.LastError = ferr.Error()
	rec.FailedAt = time.Now().UTC()
	pushCtx, pushCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer pushCancel()
	if perr := s.overflow.Push(pushCtx, rec); perr != nil {
		s.logger.Error("failed to requeue overflow record",
			zap.String("user_id", rec.UserID), zap.String("episode_id", rec.EpisodeID), zap.Error(perr))
		return &requeueError{err: perr}
	}
	return ferr
}

// requeue pushes records back unchanged.
func (s *Scheduler) requeue(records []Record) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var errs []error
	for _, rec := range records {
		if err := s.overflow.Push(ctx, rec); err != nil {
			errs = append(errs, fmt.Errorf("failed to requeue overflow record %s: %w", rec.EpisodeID, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Scheduler) actor(userID string) (*actor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	a, ok := s.actors[userID]
	if !ok {
		a = newActor(s, userID)
		s.actors[userID] = a
		go a.run()
	}
	return a, nil
}

// enqueue appends run to a user's chain and starts the chain if it is idle.
func (s *Scheduler) enqueue(c *flushChain, run func() error) *flushHandle {
	s.jobs.Add(1)
	h, start := c.push(run)
	if start {
		s.dispatch(c)
	}
	return h
}

// dispatch hands the chain's next flush to the pool. Submission happens off
// the caller's goroutine, so a saturated pool never stalls an actor.
func (s *Scheduler) dispatch(c *flushChain) {
	q, ok := c.next()
	if !ok {
		return
	}
	job := func() {
		defer s.jobs.Done()
		q.h.err = q.run()
		close(q.h.done)
		s.dispatch(c)
	}
	go func() {
		if err := s.pool.Submit(job); err != nil {
			s.logger.Warn("flush pool unavailable, running inline", zap.Error(err))
			job()
		}
	}()
}

// process runs one batch with retries and overflows it on final failure.
func (s *Scheduler) process(b Batch) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.FlushTimeout)
	defer cancel()

	start := time.Now()
	logger := s.logger.With(zap.String("user_id", b.UserID), zap.Uint64("epoch", b.Epoch), zap.String("episode_id", b.EpisodeID))

	err := s.flushWithRetry(ctx, b)
	if err == nil {
		s.metrics.RecordFlush("ok", time.Since(start))
		logger.Info("session flushed", zap.Int("turns", len(b.Turns)), zap.Duration("took", time.Since(start)))
		return nil
	}

	s.metrics.RecordFlush("overflow", time.Since(start))
	s.metrics.RecordOverflow()
	logger.Error("flush failed, writing overflow record", zap.Error(err))

	rec := Record{
		UserID:    b.UserID,
		Epoch:     b.Epoch,
		EpisodeID: b.EpisodeID,
		Turns:     b.Turns,
		LastError: err.Error(),
		FailedAt:  time.Now().UTC(),
		Attempts:  1,
	}
	// The flush context may be spent; the overflow write gets its own.
	pushCtx, pushCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer pushCancel()
	if perr := s.overflow.Push(pushCtx, rec); perr != nil {
		logger.Error("failed to write overflow record", zap.Error(perr))
		return errors.Join(err, perr)
	}
	return err
}

func (s *Scheduler) flushWithRetry(ctx context.Context, b Batch) error {
	attempt := 0
	_, err := retry.Do(ctx, s.cfg.Retry, s.logger, "session.flush", func(ctx context.Context) (struct{}, error) {
		attempt++
		if attempt > 1 {
			s.metrics.RecordFlushRetry()
		}
		return struct{}{}, s.flusher.Flush(ctx, b)
	})
	return err
}
