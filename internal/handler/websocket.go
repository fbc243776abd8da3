package handler

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"ssechat/internal/model"
)

const wsWriteWait = 10 * time.Second

// createUpgrader creates a WebSocket upgrader with the given allowed origins
func createUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowedMap := make(map[string]bool)
	for _, origin := range allowedOrigins {
		allowedMap[origin] = true
	}

	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return allowedMap[r.Header.Get("Origin")]
		},
	}
}

// HandleWebSocket handles GET /ws
// 接続直後に最近の履歴を送り、以降はブロードキャストを中継する
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := createUpgrader(h.Config.AllowedOrigins)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Log.Warn().Err(err).Msg("[WebSocket] upgrade error")
		return
	}
	defer conn.Close()

	// 登録前に書くので HandleBroadcast と書き込みが競合しない
	history, err := h.Store.Recent(r.Context(), h.Config.HistoryLimit)
	if err != nil {
		h.Log.Warn().Err(err).Msg("[WebSocket] history unavailable")
	}
	for _, m := range history {
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(model.ChatEvent{Type: "history", ID: m.ID, Content: m.Content, CreatedAt: m.CreatedAt}); err != nil {
			return
		}
	}

	h.ClientMu.Lock()
	h.Clients[conn] = true
	totalClients := len(h.Clients)
	h.ClientMu.Unlock()

	h.Log.Info().Int("clients", totalClients).Msg("[WebSocket] new connection")

	// クライアントからのメッセージを受信（キープアライブ用）
	for {
		var msg any
		if err := conn.ReadJSON(&msg); err != nil {
			h.ClientMu.Lock()
			delete(h.Clients, conn)
			remainingClients := len(h.Clients)
			h.ClientMu.Unlock()
			h.Log.Info().Int("clients", remainingClients).Msg("[WebSocket] client disconnected")
			break
		}
	}
}

// HandleBroadcast mirrors chat events to all connected WebSocket clients
// until Broadcast is closed, then closes the remaining clients. Close
// Broadcast only after nothing can deliver anymore (HTTP server and relay
// stopped).
func (h *Handler) HandleBroadcast() {
	defer h.closeClients()
	for event := range h.Broadcast {
		// スナップショットを取ってから書き込む
		h.ClientMu.RLock()
		clientsSnapshot := make([]*websocket.Conn, 0, len(h.Clients))
		for client := range h.Clients {
			clientsSnapshot = append(clientsSnapshot, client)
		}
		h.ClientMu.RUnlock()

		for _, client := range clientsSnapshot {
			client.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := client.WriteJSON(event); err != nil {
				h.Log.Debug().Err(err).Msg("[WebSocket] write failed, dropping client")
				client.Close()
				h.ClientMu.Lock()
				delete(h.Clients, client)
				h.ClientMu.Unlock()
			}
		}
	}
}

func (h *Handler) closeClients() {
	h.ClientMu.Lock()
	defer h.ClientMu.Unlock()
	for client := range h.Clients {
		client.Close()
		delete(h.Clients, client)
	}
}
