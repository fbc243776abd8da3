package sse

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Initial: time.Second, Max: 10 * time.Second, Multiplier: 2}
	tests := []struct {
		name        string
		attempt     int
		serverRetry time.Duration
		want        time.Duration
	}{
		{"first attempt", 1, 0, time.Second},
		{"third attempt", 3, 0, 4 * time.Second},
		{"capped", 10, 0, 10 * time.Second},
		{"server retry replaces initial", 1, 3 * time.Second, 3 * time.Second},
		{"server retry grows", 2, 3 * time.Second, 6 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, b.Delay(tt.attempt, tt.serverRetry))
		})
	}

	assert.Equal(t, time.Second, Backoff{}.Delay(5, 0), "zero backoff waits one second every time")

	// 上限なしの設定でも何度失敗しても負や巨大な待ち時間にならない
	unbounded := Backoff{Initial: time.Second, Multiplier: 2}
	for _, n := range []int{34, 35, 40, 80, 1000} {
		d := unbounded.Delay(n, 0)
		assert.Equal(t, DefaultBackoff.Max, d, "attempt %d", n)
	}
	huge := Backoff{Initial: time.Second, Max: time.Duration(math.MaxInt64), Multiplier: 10}
	for _, n := range []int{19, 20, 50} {
		assert.True(t, huge.Delay(n, 0) > 0, "attempt %d", n)
	}
}

// TestSubscriber_ReconnectSendsLastEventID 切断後の再接続で Last-Event-ID が送られる
func TestSubscriber_ReconnectSendsLastEventID(t *testing.T) {
	var (
		mu       sync.Mutex
		requests int
		lastIDs  []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requests++
		n := requests
		lastIDs = append(lastIDs, r.Header.Get("Last-Event-ID"))
		mu.Unlock()

		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "text/event-stream")
		switch n {
		case 1:
			fmt.Fprint(w, "retry:10\n\ndata:first\nid:1\n\ndata:second\nid:2\n\n")
		case 2:
			fmt.Fprint(w, "data:third\nid:3\n\n")
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer srv.Close()

	sub := NewSubscriber(srv.URL, WithBackoff(Backoff{Initial: time.Millisecond, Max: 20 * time.Millisecond, Multiplier: 2}))
	var got []string
	err := sub.Subscribe(context.Background(), func(ev *Event) {
		got = append(got, ev.Data)
	})

	require.NoError(t, err)
	require.Equal(t, []string{"first", "second", "third"}, got)
	require.Equal(t, []string{"", "2", "3"}, lastIDs)
	require.Equal(t, "3", sub.LastEventID())
}

// TestSubscriber_LastEventIDWhileRunning 購読中に別 goroutine から読める
func TestSubscriber_LastEventIDWhileRunning(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data:a\nid:1\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := NewSubscriber(srv.URL)

	done := make(chan error, 1)
	go func() {
		done <- sub.Subscribe(ctx, func(*Event) {})
	}()

	require.Eventually(t, func() bool {
		return sub.LastEventID() == "1"
	}, 2*time.Second, time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestSubscriber_GivesUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	sub := NewSubscriber(srv.URL, WithBackoff(Backoff{Initial: time.Millisecond, Multiplier: 1, MaxAttempts: 3}))
	err := sub.Subscribe(context.Background(), func(*Event) {
		t.Fatal("no event expected")
	})

	require.ErrorIs(t, err, ErrReconnectExhausted)
	require.ErrorContains(t, err, "503")
}

func TestSubscriber_ContextCancel(t *testing.T) {
	b, srv := newTestBroker(t)

	ctx, cancel := context.WithCancel(context.Background())
	sub := NewSubscriber(srv.URL+"/?id=sub", WithBasicAuth("foo", "bar"), WithHeader("X-Test", "1"))
	received := make(chan string, 1)
	errc := make(chan error, 1)
	go func() {
		errc <- sub.Subscribe(ctx, func(ev *Event) {
			received <- ev.Data
		})
	}()

	require.Eventually(t, func() bool { return b.Count() == 1 }, time.Second, 10*time.Millisecond)
	require.NoError(t, b.Send(ToAll(Event{Data: "hello", ID: "5"})))
	select {
	case data := <-received:
		require.Equal(t, "hello", data)
	case <-time.After(2 * time.Second):
		t.Fatal("event not received")
	}

	cancel()
	select {
	case err := <-errc:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("subscribe did not return")
	}
	require.Equal(t, "5", sub.LastEventID())
}

func TestSubscriber_Base64(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data:aGVsbG8=\n\n")
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := NewSubscriber(srv.URL, WithBase64(), WithBackoff(Backoff{Initial: time.Millisecond, MaxAttempts: 1}))
	var got string
	_ = sub.Subscribe(ctx, func(ev *Event) {
		got = ev.Data
		cancel()
	})
	require.Equal(t, "hello", got)
}
