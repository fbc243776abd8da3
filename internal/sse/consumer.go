package sse

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// consumer is one connected event stream. Events on recovery are written
// first; main is only drained once recovery has been closed.
type consumer struct {
	id       string
	main     chan Event
	recovery chan Event

	ctx    context.Context
	cancel context.CancelFunc

	w       http.ResponseWriter
	flusher http.Flusher
	retry   func() time.Duration

	mu             sync.Mutex
	recoveryClosed bool
	firstSent      bool
}

func newConsumer(ctx context.Context, id string, w http.ResponseWriter, buffer int, retry func() time.Duration) *consumer {
	ctx, cancel := context.WithCancel(ctx)
	f, _ := w.(http.Flusher)
	return &consumer{
		id:       id,
		main:     make(chan Event, buffer),
		recovery: make(chan Event, buffer),
		ctx:      ctx,
		cancel:   cancel,
		w:        w,
		flusher:  f,
		retry:    retry,
	}
}

// enqueue blocks until the event is queued or the consumer goes away.
func (c *consumer) enqueue(ev Event) {
	select {
	case c.main <- ev:
	case <-c.ctx.Done():
	}
}

func (c *consumer) enqueueRecovery(ev Event) {
	c.mu.Lock()
	closed := c.recoveryClosed
	c.mu.Unlock()
	if closed {
		c.enqueue(ev)
		return
	}
	select {
	case c.recovery <- ev:
	case <-c.ctx.Done():
	}
}

// closeRecovery lets serve move on to the main queue. Safe to call twice.
func (c *consumer) closeRecovery() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.recoveryClosed {
		close(c.recovery)
		c.recoveryClosed = true
	}
}

// serve writes queued events until the consumer is cancelled or a write
// fails. It must run on the request goroutine.
func (c *consumer) serve() {
	recovery := c.recovery
	for recovery != nil {
		select {
		case ev, ok := <-recovery:
			if !ok {
				recovery = nil
				continue
			}
			if !c.write(ev) {
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
	for {
		select {
		case ev := <-c.main:
			if !c.write(ev) {
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *consumer) write(ev Event) bool {
	if !c.firstSent {
		if ev.Retry <= 0 {
			ev.Retry = c.retry()
		}
		c.firstSent = true
	}
	if _, err := c.w.Write(ev.Frame()); err != nil {
		c.cancel()
		return false
	}
	c.flusher.Flush()
	return true
}

func (c *consumer) close() {
	c.cancel()
}
