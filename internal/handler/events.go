package handler

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"ssechat/internal/sse"
)

// Notices sent to the other consumers when someone comes and goes.
const (
	NoticeConnect  = "Connect new user"
	NoticeLeave    = "Disconnect user:("
	NoticeRestored = "Connection was restored"
)

// Events handles GET /events/
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	id := uuid.NewString()
	h.Log.Info().Str("consumer", id).Str("remote", r.RemoteAddr).
		Str("last_event_id", r.Header.Get("Last-Event-ID")).Msg("[GET /events/] stream opened")
	h.Broker.ServeHTTP(id, w, r)
	h.Log.Info().Str("consumer", id).Msg("[GET /events/] stream closed")
}

// RegisterHooks wires presence notices and history replay into the broker.
func (h *Handler) RegisterHooks() {
	h.Broker.OnConnect(func(id string) {
		h.notify(sse.ToExcept(sse.Event{Data: NoticeConnect}, id))
	})
	h.Broker.OnDisconnect(func(id string) {
		h.notify(sse.ToExcept(sse.Event{Data: NoticeLeave}, id))
	})
	h.Broker.OnReconnect(h.replay)
}

// replay sends the messages a reconnecting consumer missed ahead of
// anything else queued for it.
func (h *Handler) replay(rec *sse.Reconnect) {
	defer rec.StopRecovery()

	msgs, err := h.Store.Since(context.Background(), rec.LastEventID, h.Config.HistoryLimit)
	if err != nil {
		h.Log.Warn().Err(err).Str("consumer", rec.ID).Str("last_event_id", rec.LastEventID).
			Msg("[GET /events/] history replay skipped")
	}
	for _, m := range msgs {
		h.notify(sse.ToRecovery(sse.Event{ID: m.ID, Data: m.Content}, rec.ID))
	}
	h.Log.Info().Str("consumer", rec.ID).Int("replayed", len(msgs)).Msg("[GET /events/] 🔄 reconnected")
	h.notify(sse.ToOnly(sse.Event{Data: NoticeRestored}, rec.ID))
}

func (h *Handler) notify(d sse.Dispatch) {
	if err := h.Broker.Send(d); err != nil {
		h.Log.Debug().Err(err).Msg("[SSE] notice dropped")
	}
}

// Health handles GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.ClientMu.RLock()
	wsClients := len(h.Clients)
	h.ClientMu.RUnlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"consumers":  h.Broker.Count(),
		"websockets": wsClients,
		"store":      h.Config.StoreDriver,
	})
}
