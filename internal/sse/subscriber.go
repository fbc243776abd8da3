package sse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Errors returned by Subscribe.
var (
	ErrStreamStatus       = errors.New("sse: unexpected stream status")
	ErrReconnectExhausted = errors.New("sse: reconnect attempts exhausted")
)

// Backoff is the reconnection policy of a Subscriber. The n-th consecutive
// failed attempt waits Initial*Multiplier^(n-1), capped at Max. A retry
// field sent by the server replaces Initial. A non-positive Max falls back
// to DefaultBackoff.Max. MaxAttempts of zero retries forever.
type Backoff struct {
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
	MaxAttempts int
}

// DefaultBackoff doubles from one second up to thirty, forever.
var DefaultBackoff = Backoff{
	Initial:    time.Second,
	Max:        30 * time.Second,
	Multiplier: 2,
}

// Delay returns how long to wait before attempt n (1-based). serverRetry
// overrides Initial when positive.
func (b Backoff) Delay(n int, serverRetry time.Duration) time.Duration {
	d := b.Initial
	if serverRetry > 0 {
		d = serverRetry
	}
	if d <= 0 {
		d = DefaultBackoff.Initial
	}
	ceiling := b.Max
	if ceiling <= 0 {
		ceiling = DefaultBackoff.Max
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}
	// 掛け算は float のまま比較して Duration のオーバーフローを避ける
	for i := 1; i < n && d < ceiling; i++ {
		next := float64(d) * mult
		if next >= float64(ceiling) {
			return ceiling
		}
		d = time.Duration(next)
	}
	return min(d, ceiling)
}

// Subscriber keeps an event stream open, reconnecting under its Backoff.
type Subscriber struct {
	url      string
	client   *http.Client
	headers  map[string]string
	backoff  Backoff
	user     string
	password string
	base64   bool
	log      zerolog.Logger

	// Subscribe と LastEventID の呼び出し元が別 goroutine になり得る
	mu          sync.Mutex
	lastEventID string
	retry       time.Duration
}

// Option configures a Subscriber.
type Option func(*Subscriber)

// WithHTTPClient sets the client used for the stream request.
func WithHTTPClient(client *http.Client) Option {
	return func(s *Subscriber) {
		s.client = client
	}
}

// WithBackoff sets the reconnection policy.
func WithBackoff(b Backoff) Option {
	return func(s *Subscriber) {
		s.backoff = b
	}
}

// WithHeader adds a request header.
func WithHeader(key, value string) Option {
	return func(s *Subscriber) {
		s.headers[key] = value
	}
}

// WithBasicAuth authenticates the stream request.
func WithBasicAuth(user, password string) Option {
	return func(s *Subscriber) {
		s.user = user
		s.password = password
	}
}

// WithBase64 decodes base64 data payloads.
func WithBase64() Option {
	return func(s *Subscriber) {
		s.base64 = true
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Subscriber) {
		s.log = l
	}
}

// NewSubscriber creates a subscriber for the stream at url.
func NewSubscriber(url string, opts ...Option) *Subscriber {
	s := &Subscriber{
		url:     url,
		client:  &http.Client{},
		headers: make(map[string]string),
		backoff: DefaultBackoff,
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LastEventID returns the id that will be sent on the next reconnect.
// It is safe to call while Subscribe runs.
func (s *Subscriber) LastEventID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastEventID
}

func (s *Subscriber) state() (lastEventID string, retry time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastEventID, s.retry
}

// Subscribe calls handler for every event, in arrival order, until ctx is
// done, the server answers 204 No Content, or the backoff gives up.
// handler runs on the subscribing goroutine.
func (s *Subscriber) Subscribe(ctx context.Context, handler func(*Event)) error {
	attempt := 0
	for {
		connected, err := s.stream(ctx, handler)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, errNoContent) {
			s.log.Info().Str("url", s.url).Msg("[sse] server closed the stream")
			return nil
		}
		if connected {
			attempt = 0
		}
		attempt++
		if s.backoff.MaxAttempts > 0 && attempt > s.backoff.MaxAttempts {
			return fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, attempt-1, err)
		}

		_, retry := s.state()
		delay := s.backoff.Delay(attempt, retry)
		s.log.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("[sse] reconnecting")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

var errNoContent = errors.New("sse: 204 no content")

// stream runs one connection. connected reports whether the server
// accepted the stream.
func (s *Subscriber) stream(ctx context.Context, handler func(*Event)) (connected bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return false, fmt.Errorf("sse: create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Connection", "keep-alive")
	lastEventID, _ := s.state()
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}
	if s.user != "" {
		req.SetBasicAuth(s.user, s.password)
	}
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("sse: connect: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNoContent:
		return false, errNoContent
	default:
		_, _ = io.Copy(io.Discard, resp.Body)
		return false, fmt.Errorf("%w: %s", ErrStreamStatus, resp.Status)
	}
	s.log.Debug().Str("url", s.url).Str("last_event_id", lastEventID).Msg("[sse] connected")

	dec := NewDecoder(resp.Body, lastEventID)
	dec.DecodeBase64(s.base64)
	defer func() {
		if r := dec.Retry(); r > 0 {
			s.mu.Lock()
			s.retry = r
			s.mu.Unlock()
		}
	}()
	for {
		ev, err := dec.Decode()
		s.mu.Lock()
		s.lastEventID = dec.LastEventID()
		s.mu.Unlock()
		if err != nil {
			return true, err
		}
		handler(ev)
	}
}
