package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"ssechat/internal/model"
	"ssechat/internal/sse"
	"ssechat/internal/store"
)

// リクエストボディの上限 (1MB)
const maxBodyBytes = 1 << 20

// PostMessage handles POST /message
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	h.Log.Debug().Str("remote", r.RemoteAddr).Msg("[POST /message] Request received")

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var req model.OutboundMessage
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Log.Warn().Err(err).Msg("[POST /message] ❌ Bad Request")
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := h.validateMessage(req); err != nil {
		h.Log.Warn().Err(err).Msg("[POST /message] ❌ Bad Request")
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// タグだけ落として平文で保存する (エスケープは表示側で一度だけ)
	content := strings.TrimSpace(html.UnescapeString(h.sanitizer.Sanitize(req.Message)))
	if content == "" {
		h.Log.Warn().Msg("[POST /message] ❌ Bad Request: empty after sanitizing")
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	user := userFrom(r.Context())
	if user != "" {
		content = "(" + user + ")" + content
	}

	msg, err := h.Store.Append(r.Context(), content)
	if err != nil {
		h.Log.Error().Err(err).Msg("[POST /message] ❌ Store error")
		writeError(w, http.StatusInternalServerError, "Failed to store message")
		return
	}
	h.Log.Info().Str("id", msg.ID).Str("content", msg.Content).Msg("[POST /message] ✅ Made message")

	if h.Relay != nil {
		if err := h.Relay.Publish(msg); err != nil {
			h.Log.Error().Err(err).Str("id", msg.ID).Msg("[POST /message] relay publish failed")
		}
	}
	h.deliver(msg, true)

	if user == "" {
		user = "anonymous"
	}
	writeJSON(w, http.StatusOK, fmt.Sprintf("%s message`s was sent", user))
}

func (h *Handler) validateMessage(req model.OutboundMessage) error {
	if err := h.validate.Struct(req); err != nil {
		return errors.New("message is required")
	}
	if h.Config.MaxMessageLength <= 0 {
		return nil
	}
	rule := "max=" + strconv.Itoa(h.Config.MaxMessageLength)
	if err := h.validate.Var(req.Message, rule); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return fmt.Errorf("message must be at most %d characters", h.Config.MaxMessageLength)
		}
		return err
	}
	return nil
}

// DeliverRemote broadcasts a message accepted by another node. Its id
// belongs to the other node's history, so it is sent without one.
func (h *Handler) DeliverRemote(msg model.Message) {
	h.deliver(msg, false)
}

func (h *Handler) deliver(msg model.Message, local bool) {
	ev := sse.Event{Data: msg.Content}
	chatEv := model.ChatEvent{Type: "relayed", Content: msg.Content, CreatedAt: msg.CreatedAt}
	if local {
		ev.ID = msg.ID
		chatEv.Type = "message"
		chatEv.ID = msg.ID
	}

	if err := h.Broker.Send(sse.ToAll(ev)); err != nil {
		h.Log.Warn().Err(err).Str("id", msg.ID).Msg("[SSE] event dropped")
	}

	// WebSocket配信はキューが詰まっていたら諦める
	select {
	case h.Broadcast <- chatEv:
	default:
		h.Log.Warn().Str("id", msg.ID).Msg("[WebSocket] broadcast queue full, event dropped")
	}
}

// GetMessages handles GET /messages
// 新しい順に最大 HISTORY_LIMIT 件を古い順で返す
func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	h.Log.Debug().Str("remote", r.RemoteAddr).Msg("[GET /messages] Request received")

	if origin := r.Header.Get("Origin"); origin != "" && !h.isOriginAllowed(origin) {
		h.Log.Warn().Str("origin", origin).Msg("[GET /messages] ❌ Forbidden origin")
		writeError(w, http.StatusForbidden, "Forbidden")
		return
	}

	limit := h.Config.HistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		if limit <= 0 || n < limit {
			limit = n
		}
	}

	var (
		msgList []model.Message
		err     error
	)
	if after := r.URL.Query().Get("after"); after != "" {
		msgList, err = h.Store.Since(r.Context(), after, limit)
	} else {
		msgList, err = h.Store.Recent(r.Context(), limit)
	}
	if err != nil {
		h.Log.Error().Err(err).Msg("[GET /messages] ❌ Store error")
		if errors.Is(err, store.ErrInvalidID) {
			writeError(w, http.StatusBadRequest, "after must be a message id")
			return
		}
		writeError(w, http.StatusInternalServerError, "Store error")
		return
	}

	if msgList == nil {
		msgList = []model.Message{}
	}

	h.Log.Debug().Int("count", len(msgList)).Msg("[GET /messages] ✅ Returned messages")
	writeJSON(w, http.StatusOK, msgList)
}

func (h *Handler) isOriginAllowed(origin string) bool {
	for _, allowed := range h.Config.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}
