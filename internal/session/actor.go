package session

import (
	"context"
	"sync"
	"time"

	"github.com/easeaico/memory-journal/internal/memory"
)

type (
	appendMsg   struct{ turn memory.Turn }
	flushNowMsg struct{ reply chan<- *flushHandle }
	pendingMsg  struct{ reply chan<- int }
	stopMsg     struct{ reply chan<- *flushHandle }
)

// flushHandle completes when a queued flush has finished.
type flushHandle struct {
	done chan struct{}
	err  error
}

func newFlushHandle() *flushHandle {
	return &flushHandle{done: make(chan struct{})}
}

func doneHandle() *flushHandle {
	h := newFlushHandle()
	close(h.done)
	return h
}

func (h *flushHandle) wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// queuedFlush is one unit of work on a user's flush chain.
type queuedFlush struct {
	run func() error
	h   *flushHandle
}

// flushChain runs one user's flushes one at a time, in the order they were
// queued. A flush waiting for its predecessor sits in the queue and holds no
// pool worker.
type flushChain struct {
	mu      sync.Mutex
	queue   []queuedFlush
	running bool
	last    *flushHandle
}

func newFlushChain() *flushChain {
	return &flushChain{last: doneHandle()}
}

// tail returns the handle of the newest queued flush.
func (c *flushChain) tail() *flushHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// push queues run and reports whether the caller must start the chain.
func (c *flushChain) push(run func() error) (*flushHandle, bool) {
	h := newFlushHandle()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue = append(c.queue, queuedFlush{run: run, h: h})
	c.last = h
	if c.running {
		return h, false
	}
	c.running = true
	return h, true
}

// next pops the oldest queued flush. It stops the chain when the queue is empty.
func (c *flushChain) next() (queuedFlush, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		c.running = false
		return queuedFlush{}, false
	}
	q := c.queue[0]
	c.queue[0] = queuedFlush{}
	c.queue = c.queue[1:]
	return q, true
}

// actor owns one user's buffer. Only run touches buf and epoch.
type actor struct {
	s       *Scheduler
	userID  string
	inbox   chan any
	stopped chan struct{}
	chain   *flushChain

	buf   []memory.Turn
	epoch uint64
}

func newActor(s *Scheduler, userID string) *actor {
	return &actor{
		s:       s,
		userID:  userID,
		inbox:   make(chan any, 64),
		stopped: make(chan struct{}),
		chain:   newFlushChain(),
	}
}

func (a *actor) send(ctx context.Context, msg any) error {
	select {
	case a.inbox <- msg:
		return nil
	case <-a.stopped:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *actor) run() {
	timer := time.NewTimer(a.s.cfg.IdleWindow)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case msg := <-a.inbox:
			switch m := msg.(type) {
			case appendMsg:
				a.buf = append(a.buf, m.turn)
				// Restarting the timer cancels the flush that was pending for this epoch.
				timer.Reset(a.s.cfg.IdleWindow)
			case flushNowMsg:
				timer.Stop()
				m.reply <- a.fire()
			case pendingMsg:
				m.reply <- len(a.buf)
			case stopMsg:
				timer.Stop()
				m.reply <- a.fire()
				close(a.stopped)
				return
			}
		case <-timer.C:
			a.fire()
		}
	}
}

// fire closes the open epoch if it has turns and queues its flush.
// It returns the handle of the newest queued flush.
func (a *actor) fire() *flushHandle {
	if len(a.buf) == 0 {
		return a.chain.tail()
	}

	turns := a.buf
	a.buf = nil
	b := Batch{
		UserID:    a.userID,
		Epoch:     a.epoch,
		EpisodeID: EpisodeID(a.userID, a.epoch, turns[0].At),
		Turns:     turns,
	}
	a.epoch++

	return a.s.enqueue(a.chain, func() error { return a.s.process(b) })
}
