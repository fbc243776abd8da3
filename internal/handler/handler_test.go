package handler

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"ssechat/internal/chat"
	"ssechat/internal/config"
	"ssechat/internal/model"
	"ssechat/internal/sse"
	"ssechat/internal/store"
)

func TestMain(m *testing.M) {
	// プロジェクトルートの.envを読み込み
	_ = godotenv.Load("../../.env")
	os.Exit(m.Run())
}

// newTestHandler テスト用のHandlerを生成
func newTestHandler(t *testing.T, st store.Store) *Handler {
	t.Helper()
	if st == nil {
		st = store.NewMemory(100)
	}
	broker := sse.NewBroker(sse.Config{Retry: 3 * time.Second})
	t.Cleanup(broker.Close)

	h := New(config.Config{
		AllowedOrigins:   []string{"http://localhost:8080", "http://127.0.0.1:8080"},
		StoreDriver:      "memory",
		HistoryLimit:     100,
		MaxMessageLength: 1000,
	}, broker, st, zerolog.Nop())
	h.RegisterHooks()
	return h
}

func postMessage(router http.Handler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", "/message", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// failingStore 常にエラーを返すストア
type failingStore struct{ store.Memory }

func (*failingStore) Append(context.Context, string) (model.Message, error) {
	return model.Message{}, errors.New("disk full")
}

// recordingRelay 発行したメッセージを記録する
type recordingRelay struct {
	mu   sync.Mutex
	msgs []model.Message
}

func (r *recordingRelay) Publish(msg model.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

// TestPostMessage_Success メッセージ送信成功テスト
func TestPostMessage_Success(t *testing.T) {
	h := newTestHandler(t, nil)
	router := h.SetupRouter()

	w := postMessage(router, `{"message":"Hello, World!"}`)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d. Body: %s", http.StatusOK, w.Code, w.Body.String())
	}
	if w.Header().Get("Content-Type") != "application/json" {
		t.Errorf("Expected Content-Type: application/json, got %s", w.Header().Get("Content-Type"))
	}

	var reply string
	json.Unmarshal(w.Body.Bytes(), &reply)
	if reply != "anonymous message`s was sent" {
		t.Errorf("Unexpected reply %q", reply)
	}

	msgs, _ := h.Store.Recent(context.Background(), 10)
	if len(msgs) != 1 || msgs[0].Content != "Hello, World!" || msgs[0].ID != "1" {
		t.Errorf("Expected stored message 1 'Hello, World!', got %+v", msgs)
	}

	select {
	case ev := <-h.Broadcast:
		if ev.Type != "message" || ev.ID != "1" || ev.Content != "Hello, World!" {
			t.Errorf("Unexpected broadcast event %+v", ev)
		}
	default:
		t.Error("Expected a WebSocket broadcast event")
	}
}

// TestPostMessage_BadRequests 不正なリクエストは400
func TestPostMessage_BadRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{"message":`},
		{"missing message", `{}`},
		{"empty message", `{"message":""}`},
		{"only markup", `{"message":"<script>alert(1)</script>"}`},
		{"too long", `{"message":"` + strings.Repeat("x", 1001) + `"}`},
		{"oversized body", `{"message":"` + strings.Repeat("x", 2*1024*1024) + `"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, nil)
			w := postMessage(h.SetupRouter(), tt.body)

			if w.Code != http.StatusBadRequest {
				t.Errorf("Expected status %d, got %d. Body: %s", http.StatusBadRequest, w.Code, w.Body.String())
			}
			var body map[string]string
			json.Unmarshal(w.Body.Bytes(), &body)
			if body["error"] == "" {
				t.Error("Expected an error message in the body")
			}
			if msgs, _ := h.Store.Recent(context.Background(), 0); len(msgs) != 0 {
				t.Errorf("Nothing should be stored, got %d messages", len(msgs))
			}
		})
	}
}

// TestPostMessage_Sanitized HTMLタグは保存前に除去される
func TestPostMessage_Sanitized(t *testing.T) {
	h := newTestHandler(t, nil)
	w := postMessage(h.SetupRouter(), `{"message":"<b>hi</b><script>x</script> there"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}

	msgs, _ := h.Store.Recent(context.Background(), 1)
	if len(msgs) != 1 || msgs[0].Content != "hi there" {
		t.Errorf("Expected sanitized content 'hi there', got %+v", msgs)
	}
}

// TestPostMessage_StoresPlainText 記号はエンティティにせずそのまま保存する
func TestPostMessage_StoresPlainText(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"apostrophe and ampersand", `{"message":"it's Tom & Jerry"}`, "it's Tom & Jerry"},
		{"double quotes", `{"message":"say \"hi\""}`, `say "hi"`},
		{"less than", `{"message":"1 < 2"}`, "1 < 2"},
		{"literal entity", `{"message":"&amp; stays"}`, "& stays"},
		{"tags removed, text kept", `{"message":"<i>Tom</i> & Jerry"}`, "Tom & Jerry"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, nil)
			w := postMessage(h.SetupRouter(), tt.body)
			if w.Code != http.StatusOK {
				t.Fatalf("Expected status %d, got %d. Body: %s", http.StatusOK, w.Code, w.Body.String())
			}
			msgs, _ := h.Store.Recent(context.Background(), 1)
			if len(msgs) != 1 || msgs[0].Content != tt.want {
				t.Errorf("Expected stored content %q, got %+v", tt.want, msgs)
			}
		})
	}
}

func TestPostMessage_StoreError(t *testing.T) {
	h := newTestHandler(t, &failingStore{})
	w := postMessage(h.SetupRouter(), `{"message":"hello"}`)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected status %d, got %d", http.StatusInternalServerError, w.Code)
	}
	if len(h.Broadcast) != 0 {
		t.Error("Nothing should be broadcast when the store fails")
	}
}

func TestPostMessage_PublishesToRelay(t *testing.T) {
	h := newTestHandler(t, nil)
	relay := &recordingRelay{}
	h.Relay = relay

	postMessage(h.SetupRouter(), `{"message":"hello"}`)

	if len(relay.msgs) != 1 || relay.msgs[0].ID != "1" || relay.msgs[0].Content != "hello" {
		t.Errorf("Expected relayed message 1 'hello', got %+v", relay.msgs)
	}
}

// TestBasicAuth ACCOUNTS 設定時は認証必須、ユーザー名が付与される
func TestBasicAuth(t *testing.T) {
	h := newTestHandler(t, nil)
	h.Config.Accounts = map[string]string{"foo": "bar", "austin": "1234"}
	router := h.SetupRouter()

	w := postMessage(router, `{"message":"hello"}`)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status %d without credentials, got %d", http.StatusUnauthorized, w.Code)
	}
	if w.Header().Get("WWW-Authenticate") == "" {
		t.Error("Expected WWW-Authenticate header")
	}

	req := httptest.NewRequest("POST", "/message", strings.NewReader(`{"message":"hello"}`))
	req.SetBasicAuth("foo", "wrong")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status %d with a wrong password, got %d", http.StatusUnauthorized, w.Code)
	}

	req = httptest.NewRequest("POST", "/message", strings.NewReader(`{"message":"hello"}`))
	req.SetBasicAuth("foo", "bar")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	var reply string
	json.Unmarshal(w.Body.Bytes(), &reply)
	if reply != "foo message`s was sent" {
		t.Errorf("Unexpected reply %q", reply)
	}

	msgs, _ := h.Store.Recent(context.Background(), 1)
	if len(msgs) != 1 || msgs[0].Content != "(foo)hello" {
		t.Errorf("Expected '(foo)hello', got %+v", msgs)
	}

	// ヘルスチェックは認証不要
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Errorf("Expected /healthz to bypass auth, got %d", w.Code)
	}
}

func TestGetMessages(t *testing.T) {
	h := newTestHandler(t, nil)
	for _, c := range []string{"one", "two", "three"} {
		h.Store.Append(context.Background(), c)
	}
	router := h.SetupRouter()

	tests := []struct {
		name   string
		target string
		origin string
		status int
		want   []string
	}{
		{"all", "/messages", "", http.StatusOK, []string{"one", "two", "three"}},
		{"limit", "/messages?limit=2", "", http.StatusOK, []string{"two", "three"}},
		{"after", "/messages?after=1", "http://localhost:8080", http.StatusOK, []string{"two", "three"}},
		{"bad limit", "/messages?limit=0", "", http.StatusBadRequest, nil},
		{"bad after", "/messages?after=abc", "", http.StatusBadRequest, nil},
		{"forbidden origin", "/messages", "http://forbidden.example.com", http.StatusForbidden, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", tt.target, nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != tt.status {
				t.Fatalf("Expected status %d, got %d. Body: %s", tt.status, w.Code, w.Body.String())
			}
			if tt.want == nil {
				return
			}
			var msgList []model.Message
			json.Unmarshal(w.Body.Bytes(), &msgList)
			var got []string
			for _, m := range msgList {
				got = append(got, m.Content)
			}
			if strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestGetMessages_Empty(t *testing.T) {
	h := newTestHandler(t, nil)
	w := httptest.NewRecorder()
	h.SetupRouter().ServeHTTP(w, httptest.NewRequest("GET", "/messages", nil))

	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("Expected empty JSON array, got %s", w.Body.String())
	}
}

func TestIndexAndFiles(t *testing.T) {
	h := newTestHandler(t, nil)
	router := h.SetupRouter()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "Hello, guest") {
		t.Errorf("Unexpected index page: %d %s", w.Code, w.Body.String())
	}
	for _, id := range []string{`id="areaChat"`, `id="text"`, `id="statusMsg"`} {
		if !strings.Contains(w.Body.String(), id) {
			t.Errorf("Index page should contain %s", id)
		}
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/files/scripts.js", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "new EventSource('/events/')") {
		t.Errorf("Unexpected script: %d", w.Code)
	}
}

// openEvents GET /events/ を開いて読み取り用 Reader を返す
func openEvents(t *testing.T, server *httptest.Server, lastEventID string) *bufio.Reader {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, "GET", server.URL+"/events/", nil)
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		cancel()
		t.Fatalf("Failed to open event stream: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		resp.Body.Close()
	})
	if resp.Header.Get("Content-Type") != "text/event-stream" {
		t.Fatalf("Expected text/event-stream, got %s", resp.Header.Get("Content-Type"))
	}
	return bufio.NewReader(resp.Body)
}

func readFrame(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	var sb strings.Builder
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("Failed to read event: %v", err)
		}
		sb.WriteString(line)
		if line == "\n" {
			return sb.String()
		}
	}
}

// TestEvents_ReceivesPostedMessage POSTしたメッセージがSSEで届く
func TestEvents_ReceivesPostedMessage(t *testing.T) {
	h := newTestHandler(t, nil)
	server := httptest.NewServer(h.SetupRouter())
	defer server.Close()

	stream := openEvents(t, server, "")

	resp, err := http.Post(server.URL+"/message", "application/json; charset=UTF-8", bytes.NewBufferString(`{"message":"hello"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if got := readFrame(t, stream); got != "data:hello\nid:1\nretry:3000\n\n" {
		t.Errorf("Unexpected frame %q", got)
	}
}

// logUI 受信ログだけを記録する chat.UI
type logUI struct {
	mu  sync.Mutex
	log string
}

func (u *logUI) AppendLog(markup string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.log += markup
}

func (u *logUI) SetStatus(string) {}
func (u *logUI) InputValue() string { return "" }
func (u *logUI) SetInputValue(string) {}

func (u *logUI) entries() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.log
}

// TestEvents_ListenerEscapesOnce POSTした文字列がクライアントで一度だけエスケープされる
func TestEvents_ListenerEscapesOnce(t *testing.T) {
	h := newTestHandler(t, nil)
	server := httptest.NewServer(h.SetupRouter())
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ui := &logUI{}
	listener := chat.NewListener(sse.NewSubscriber(server.URL+chat.EventsPath), ui, chat.WithRender(chat.RenderEscape))
	go listener.Run(ctx)
	waitConsumers(t, h, 1)

	resp, err := http.Post(server.URL+chat.MessagePath, "application/json; charset=UTF-8",
		bytes.NewBufferString(`{"message":"it's \"Tom\" & Jerry < 3"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, resp.StatusCode)
	}

	want := "it&#39;s &#34;Tom&#34; &amp; Jerry &lt; 3<br>"
	deadline := time.Now().Add(2 * time.Second)
	for ui.entries() != want {
		if time.Now().After(deadline) {
			t.Fatalf("Expected log %q, got %q", want, ui.entries())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// TestEvents_PresenceNotices 他ユーザーの接続と切断が通知される
func TestEvents_PresenceNotices(t *testing.T) {
	h := newTestHandler(t, nil)
	server := httptest.NewServer(h.SetupRouter())
	defer server.Close()

	first := openEvents(t, server, "")
	waitConsumers(t, h, 1)

	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, "GET", server.URL+"/events/", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if got := readFrame(t, first); !strings.Contains(got, "data:"+NoticeConnect+"\n") {
		t.Errorf("Expected connect notice, got %q", got)
	}

	cancel()
	resp.Body.Close()
	if got := readFrame(t, first); !strings.Contains(got, "data:"+NoticeLeave+"\n") {
		t.Errorf("Expected disconnect notice, got %q", got)
	}
}

// TestEvents_ReplayOnReconnect Last-Event-ID 以降の履歴が先に届く
func TestEvents_ReplayOnReconnect(t *testing.T) {
	h := newTestHandler(t, nil)
	for _, c := range []string{"one", "two", "three"} {
		h.Store.Append(context.Background(), c)
	}
	server := httptest.NewServer(h.SetupRouter())
	defer server.Close()

	stream := openEvents(t, server, "1")

	want := []string{
		"data:two\nid:2\nretry:3000\n\n",
		"data:three\nid:3\n\n",
		"data:" + NoticeRestored + "\n\n",
	}
	for _, w := range want {
		if got := readFrame(t, stream); got != w {
			t.Errorf("Expected frame %q, got %q", w, got)
		}
	}
}

func TestDeliverRemote(t *testing.T) {
	h := newTestHandler(t, nil)
	server := httptest.NewServer(h.SetupRouter())
	defer server.Close()

	stream := openEvents(t, server, "")
	waitConsumers(t, h, 1)

	h.DeliverRemote(model.Message{ID: "42", Content: "(bob)from elsewhere"})
	if got := readFrame(t, stream); got != "data:(bob)from elsewhere\nretry:3000\n\n" {
		t.Errorf("Remote messages should carry no id, got %q", got)
	}
	if ev := <-h.Broadcast; ev.Type != "relayed" || ev.ID != "" {
		t.Errorf("Unexpected broadcast event %+v", ev)
	}
	if msgs, _ := h.Store.Recent(context.Background(), 0); len(msgs) != 0 {
		t.Error("Remote messages should not be stored")
	}
}

func waitConsumers(t *testing.T, h *Handler, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for h.Broker.Count() != n {
		if time.Now().After(deadline) {
			t.Fatalf("Expected %d consumers, got %d", n, h.Broker.Count())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHealth(t *testing.T) {
	h := newTestHandler(t, nil)
	w := httptest.NewRecorder()
	h.SetupRouter().ServeHTTP(w, httptest.NewRequest("GET", "/healthz", nil))

	var body map[string]any
	json.Unmarshal(w.Body.Bytes(), &body)
	if w.Code != http.StatusOK || body["status"] != "ok" || body["store"] != "memory" {
		t.Errorf("Unexpected health response: %d %s", w.Code, w.Body.String())
	}
}

// TestWebSocketConnection 履歴とブロードキャストが届く
func TestWebSocketConnection(t *testing.T) {
	h := newTestHandler(t, nil)
	h.Store.Append(context.Background(), "earlier")
	go h.HandleBroadcast()
	defer close(h.Broadcast)

	server := httptest.NewServer(h.SetupRouter())
	defer server.Close()

	url := strings.Replace(server.URL, "http://", "ws://", 1)
	header := http.Header{}
	header.Set("Origin", "http://localhost:8080")

	ws, _, err := websocket.DefaultDialer.Dial(url+"/ws", header)
	if err != nil {
		t.Fatalf("Failed to connect to WebSocket: %v", err)
	}
	defer ws.Close()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))

	var ev model.ChatEvent
	if err := ws.ReadJSON(&ev); err != nil || ev.Type != "history" || ev.Content != "earlier" {
		t.Fatalf("Expected history event, got %+v (%v)", ev, err)
	}

	// 登録を待つ
	deadline := time.Now().Add(time.Second)
	for {
		h.ClientMu.RLock()
		n := len(h.Clients)
		h.ClientMu.RUnlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("WebSocket client should be registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	postMessage(h.SetupRouter(), `{"message":"hello"}`)
	if err := ws.ReadJSON(&ev); err != nil || ev.Type != "message" || ev.Content != "hello" || ev.ID != "2" {
		t.Errorf("Expected message event, got %+v (%v)", ev, err)
	}
}

// TestHandleBroadcast_StopsOnClose Broadcast を閉じるとループが終わり接続も閉じる
func TestHandleBroadcast_StopsOnClose(t *testing.T) {
	h := newTestHandler(t, nil)
	done := make(chan struct{})
	go func() {
		h.HandleBroadcast()
		close(done)
	}()

	server := httptest.NewServer(h.SetupRouter())
	defer server.Close()

	header := http.Header{}
	header.Set("Origin", "http://localhost:8080")
	ws, _, err := websocket.DefaultDialer.Dial(strings.Replace(server.URL, "http://", "ws://", 1)+"/ws", header)
	if err != nil {
		t.Fatalf("Failed to connect to WebSocket: %v", err)
	}
	defer ws.Close()

	deadline := time.Now().Add(time.Second)
	for {
		h.ClientMu.RLock()
		n := len(h.Clients)
		h.ClientMu.RUnlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("WebSocket client should be registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	close(h.Broadcast)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("HandleBroadcast should return once Broadcast is closed")
	}

	ws.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err = ws.ReadMessage()
	var netErr net.Error
	if err == nil || (errors.As(err, &netErr) && netErr.Timeout()) {
		t.Errorf("Expected the WebSocket to be closed by the server, got %v", err)
	}
	h.ClientMu.RLock()
	defer h.ClientMu.RUnlock()
	if len(h.Clients) != 0 {
		t.Errorf("Expected no registered clients, got %d", len(h.Clients))
	}
}

// TestWebSocketOriginCheck Origin チェックテスト
func TestWebSocketOriginCheck(t *testing.T) {
	h := newTestHandler(t, nil)
	server := httptest.NewServer(h.SetupRouter())
	defer server.Close()

	url := strings.Replace(server.URL, "http://", "ws://", 1)

	// 許可されていない Origin で接続試行
	header := http.Header{}
	header.Set("Origin", "http://forbidden.example.com")

	_, _, err := websocket.DefaultDialer.Dial(url+"/ws", header)
	if err == nil {
		t.Error("WebSocket connection from forbidden origin should fail")
	}
}

// TestConcurrentPosts 並行送信でもIDが重複しない
func TestConcurrentPosts(t *testing.T) {
	h := newTestHandler(t, nil)
	router := h.SetupRouter()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if w := postMessage(router, `{"message":"concurrent"}`); w.Code != http.StatusOK {
				t.Errorf("Concurrent request failed with status %d: %s", w.Code, w.Body.String())
			}
		}()
	}
	wg.Wait()

	msgs, _ := h.Store.Recent(context.Background(), 0)
	seen := make(map[string]bool)
	for _, m := range msgs {
		seen[m.ID] = true
	}
	if len(msgs) != 10 || len(seen) != 10 {
		t.Errorf("Expected 10 distinct messages, got %d (%d ids)", len(msgs), len(seen))
	}
}
