// Package relay shares accepted chat messages between server instances
// over NATS, so a client connected to any node sees every message.
package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"ssechat/internal/model"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("relay: connection closed")

// Envelope is the payload published on the subject.
type Envelope struct {
	Node    string        `json:"node"`
	Message model.Message `json:"message"`
}

// NATS publishes local messages and delivers messages from other nodes.
type NATS struct {
	nc      *nats.Conn
	subject string
	node    string
	log     zerolog.Logger
	sub     *nats.Subscription
	// ドレイン完了で閉じる
	closed chan struct{}
}

// Connect dials url. node identifies this instance; messages it publishes
// are not delivered back to it.
func Connect(url, subject, node string, log zerolog.Logger) (*NATS, error) {
	closed := make(chan struct{})
	nc, err := nats.Connect(url,
		nats.Name("ssechat-"+node),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("[NATS] disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("[NATS] reconnected")
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			close(closed)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", url, err)
	}
	log.Info().Str("url", url).Str("subject", subject).Msg("[NATS] ✅ connected")
	return &NATS{nc: nc, subject: subject, node: node, log: log, closed: closed}, nil
}

// Node returns the id this instance publishes under.
func (r *NATS) Node() string {
	return r.node
}

// Publish sends msg to the other nodes.
func (r *NATS) Publish(msg model.Message) error {
	if r.nc == nil || r.nc.IsClosed() {
		return ErrClosed
	}
	data, err := json.Marshal(Envelope{Node: r.node, Message: msg})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := r.nc.Publish(r.subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", r.subject, err)
	}
	return nil
}

// Subscribe calls fn for every message published by another node.
func (r *NATS) Subscribe(fn func(model.Message)) error {
	sub, err := r.nc.Subscribe(r.subject, r.handler(fn))
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", r.subject, err)
	}
	r.sub = sub
	return nil
}

func (r *NATS) handler(fn func(model.Message)) nats.MsgHandler {
	return func(m *nats.Msg) {
		var env Envelope
		if err := json.Unmarshal(m.Data, &env); err != nil {
			r.log.Warn().Err(err).Msg("[NATS] ❌ invalid envelope")
			return
		}
		if env.Node == r.node {
			return
		}
		r.log.Debug().Str("from", env.Node).Str("id", env.Message.ID).Msg("[NATS] 📥 relayed message")
		fn(env.Message)
	}
}

// Close drains the subscription and closes the connection. It returns
// once no more messages will be delivered to the Subscribe callback.
func (r *NATS) Close() error {
	if r.nc == nil || r.nc.IsClosed() {
		return nil
	}
	if err := r.nc.Drain(); err != nil {
		r.nc.Close()
		return fmt.Errorf("drain nats: %w", err)
	}
	<-r.closed
	return nil
}
