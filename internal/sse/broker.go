package sse

import (
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Errors reported by the Broker.
var (
	ErrBrokerClosed          = errors.New("sse: broker closed")
	ErrDuplicateConsumer     = errors.New("sse: consumer already connected")
	ErrStreamingNotSupported = errors.New("sse: response writer does not support flushing")
)

const (
	defaultRetry  = 3 * time.Second
	defaultBuffer = 50
)

// Config configures a Broker.
type Config struct {
	// Headers are added to every event-stream response.
	Headers map[string]string
	// Retry is advertised on the first event of every stream.
	Retry time.Duration
	// Buffer is the queue length of the dispatcher and of each consumer.
	Buffer int
	Logger zerolog.Logger
}

// Reconnect describes a consumer that connected with a Last-Event-ID.
// StopRecovery must be called once the missed events have been sent with
// ToRecovery, otherwise the consumer never receives regular events.
type Reconnect struct {
	ID          string
	LastEventID string
	broker      *Broker
}

// StopRecovery closes the consumer's priority queue. It is ordered after
// every dispatch sent before it.
func (r *Reconnect) StopRecovery() {
	_ = r.broker.Send(Dispatch{kind: stopRecovery, ids: []string{r.ID}})
}

// Broker fans events out to connected event-stream consumers. All
// dispatches go through a single goroutine, so consumers observe them in
// the order Send was called.
type Broker struct {
	cfg   Config
	log   zerolog.Logger
	retry atomic.Int64

	mu        sync.RWMutex
	consumers map[string]*consumer
	closed    bool

	onConnect    func(id string)
	onDisconnect func(id string)
	onReconnect  func(*Reconnect)

	dispatch  chan Dispatch
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewBroker creates a broker and starts its dispatcher.
func NewBroker(cfg Config) *Broker {
	if cfg.Retry <= 0 {
		cfg.Retry = defaultRetry
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultBuffer
	}
	b := &Broker{
		cfg:       cfg,
		log:       cfg.Logger,
		consumers: make(map[string]*consumer),
		dispatch:  make(chan Dispatch, cfg.Buffer),
		done:      make(chan struct{}),
	}
	b.retry.Store(int64(cfg.Retry))
	b.wg.Add(1)
	go b.run()
	return b
}

// OnConnect registers fn to be called after a consumer is added.
func (b *Broker) OnConnect(fn func(id string)) {
	b.mu.Lock()
	b.onConnect = fn
	b.mu.Unlock()
}

// OnDisconnect registers fn to be called after a consumer is removed.
func (b *Broker) OnDisconnect(fn func(id string)) {
	b.mu.Lock()
	b.onDisconnect = fn
	b.mu.Unlock()
}

// OnReconnect registers fn to be called, on its own goroutine, when a
// consumer connects with a Last-Event-ID header.
func (b *Broker) OnReconnect(fn func(*Reconnect)) {
	b.mu.Lock()
	b.onReconnect = fn
	b.mu.Unlock()
}

// Send queues d for delivery.
func (b *Broker) Send(d Dispatch) error {
	select {
	case <-b.done:
		return ErrBrokerClosed
	default:
	}
	select {
	case b.dispatch <- d:
		return nil
	case <-b.done:
		return ErrBrokerClosed
	}
}

// RetryInterval returns the retry currently advertised to new consumers.
func (b *Broker) RetryInterval() time.Duration {
	return time.Duration(b.retry.Load())
}

// Count returns the number of registered consumers, including ones that
// are about to be removed.
func (b *Broker) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.consumers)
}

// Remove disconnects the consumer with the given id.
func (b *Broker) Remove(id string) {
	b.mu.RLock()
	c, ok := b.consumers[id]
	b.mu.RUnlock()
	if ok {
		c.close()
	}
}

// Close disconnects every consumer and refuses new connections and
// dispatches.
func (b *Broker) Close() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		for _, c := range b.consumers {
			c.close()
		}
		b.mu.Unlock()
		close(b.done)
		b.wg.Wait()
	})
}

func (b *Broker) run() {
	defer b.wg.Done()
	for {
		select {
		case d := <-b.dispatch:
			b.deliver(d)
		case <-b.done:
			return
		}
	}
}

func (b *Broker) deliver(d Dispatch) {
	if d.kind == targetRetry {
		b.retry.Store(int64(d.event.Retry))
	}

	b.mu.RLock()
	targets := make([]*consumer, 0, len(b.consumers))
	switch d.kind {
	case targetAll, targetRetry:
		for _, c := range b.consumers {
			targets = append(targets, c)
		}
	case targetExcept:
		for id, c := range b.consumers {
			if !d.includes(id) {
				targets = append(targets, c)
			}
		}
	default:
		for _, id := range d.ids {
			if c, ok := b.consumers[id]; ok {
				targets = append(targets, c)
			}
		}
	}
	b.mu.RUnlock()

	for _, c := range targets {
		switch d.kind {
		case stopRecovery:
			c.closeRecovery()
		case targetRecovery:
			c.enqueueRecovery(d.event)
		default:
			c.enqueue(d.event)
		}
	}
}

// ServeHTTP streams events to the consumer identified by id until the
// request ends, the consumer is removed or the broker is closed.
func (b *Broker) ServeHTTP(id string, w http.ResponseWriter, r *http.Request) {
	if _, ok := w.(http.Flusher); !ok {
		b.log.Error().Err(ErrStreamingNotSupported).Str("consumer", id).Msg("[GET /events/] rejected")
		http.Error(w, ErrStreamingNotSupported.Error(), http.StatusInternalServerError)
		return
	}

	lastEventID := r.Header.Get("Last-Event-ID")
	c := newConsumer(r.Context(), id, w, b.cfg.Buffer, b.RetryInterval)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		c.cancel()
		http.Error(w, ErrBrokerClosed.Error(), http.StatusInternalServerError)
		return
	}
	if _, exists := b.consumers[id]; exists {
		b.mu.Unlock()
		c.cancel()
		http.Error(w, ErrDuplicateConsumer.Error(), http.StatusInternalServerError)
		return
	}
	onConnect, onDisconnect, onReconnect := b.onConnect, b.onDisconnect, b.onReconnect
	if lastEventID == "" || onReconnect == nil {
		c.closeRecovery()
	}
	b.consumers[id] = c
	b.mu.Unlock()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	for k, v := range b.cfg.Headers {
		h.Set(k, v)
	}
	w.WriteHeader(http.StatusOK)
	c.flusher.Flush()

	if onConnect != nil {
		onConnect(id)
	}
	if lastEventID != "" && onReconnect != nil {
		go onReconnect(&Reconnect{ID: id, LastEventID: lastEventID, broker: b})
	}

	c.serve()
	c.cancel()

	b.mu.Lock()
	if b.consumers[id] == c {
		delete(b.consumers, id)
	}
	b.mu.Unlock()

	if onDisconnect != nil {
		onDisconnect(id)
	}
}
