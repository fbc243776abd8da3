package handler

import (
	"net/http"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"

	"ssechat/internal/config"
	"ssechat/internal/model"
	"ssechat/internal/sse"
	"ssechat/internal/store"
)

// Relay forwards accepted messages to other server instances.
type Relay interface {
	Publish(msg model.Message) error
}

// Handler holds application dependencies
type Handler struct {
	Config config.Config
	Broker *sse.Broker
	Store  store.Store
	// nil のときはクラスタ中継しない
	Relay Relay
	Log   zerolog.Logger

	Clients   map[*websocket.Conn]bool
	ClientMu  sync.RWMutex
	Broadcast chan model.ChatEvent

	validate  *validator.Validate
	sanitizer *bluemonday.Policy
}

// New creates a new Handler with the given dependencies
func New(cfg config.Config, broker *sse.Broker, st store.Store, log zerolog.Logger) *Handler {
	return &Handler{
		Config:    cfg,
		Broker:    broker,
		Store:     st,
		Log:       log,
		Clients:   make(map[*websocket.Conn]bool),
		Broadcast: make(chan model.ChatEvent, 100),
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		sanitizer: bluemonday.StrictPolicy(),
	}
}

// SetupRouter configures and returns the HTTP router
func (h *Handler) SetupRouter() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.Health).Methods("GET")

	// ACCOUNTS が設定されていれば以下は全て Basic 認証
	app := r.NewRoute().Subrouter()
	if len(h.Config.Accounts) > 0 {
		app.Use(h.basicAuth)
	}

	// Web page
	app.HandleFunc("/", h.Index).Methods("GET")
	app.PathPrefix("/files/").Handler(http.StripPrefix("/files/", staticFiles())).Methods("GET")

	// Chat
	app.HandleFunc("/events/", h.Events).Methods("GET")
	app.HandleFunc("/message", h.PostMessage).Methods("POST")
	app.HandleFunc("/messages", h.GetMessages).Methods("GET")

	// WebSocket
	app.HandleFunc("/ws", h.HandleWebSocket).Methods("GET")

	return r
}
