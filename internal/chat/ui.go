// Package chat is the client half of the chat: a listener that mirrors the
// server's event stream into a message log and a sender that posts what
// the user typed. Both talk to the screen only through UI.
package chat

import (
	"fmt"
	"html"
	"net/http"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
)

// Server endpoints, relative to the base URL.
const (
	EventsPath  = "/events/"
	MessagePath = "/message"
)

// StatusSending is shown while a message is in flight.
const StatusSending = "sent..."

// UI is the part of the screen the chat components touch: the message
// log, the status line and the input box. Implementations must be safe
// for concurrent use.
type UI interface {
	AppendLog(html string)
	SetStatus(text string)
	InputValue() string
	SetInputValue(text string)
}

// RenderPolicy decides how an inbound payload becomes log markup.
type RenderPolicy int

const (
	// RenderEscape HTML-escapes the payload.
	RenderEscape RenderPolicy = iota
	// RenderSanitize keeps safe user markup and drops the rest.
	RenderSanitize
	// RenderRaw inserts the payload untouched. Only for trusted servers.
	RenderRaw
)

// ParseRenderPolicy maps "escape", "sanitize" and "raw" to a policy.
func ParseRenderPolicy(s string) (RenderPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "escape":
		return RenderEscape, nil
	case "sanitize":
		return RenderSanitize, nil
	case "raw":
		return RenderRaw, nil
	default:
		return RenderEscape, fmt.Errorf("unknown render policy %q", s)
	}
}

func (p RenderPolicy) String() string {
	switch p {
	case RenderSanitize:
		return "sanitize"
	case RenderRaw:
		return "raw"
	default:
		return "escape"
	}
}

func (p RenderPolicy) renderer() func(string) string {
	switch p {
	case RenderSanitize:
		return bluemonday.UGCPolicy().Sanitize
	case RenderRaw:
		return func(s string) string { return s }
	default:
		return html.EscapeString
	}
}

type options struct {
	client   *http.Client
	user     string
	password string
	render   RenderPolicy
	log      zerolog.Logger
}

func defaultOptions() options {
	return options{
		client: &http.Client{},
		render: RenderEscape,
		log:    zerolog.Nop(),
	}
}

// Option configures a Listener or a Sender.
type Option func(*options)

// WithHTTPClient sets the client used to post messages.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.client = c
	}
}

// WithBasicAuth authenticates posted messages.
func WithBasicAuth(user, password string) Option {
	return func(o *options) {
		o.user = user
		o.password = password
	}
}

// WithRender sets how the listener renders payloads.
func WithRender(p RenderPolicy) Option {
	return func(o *options) {
		o.render = p
	}
}

// WithLogger sets the diagnostic logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) {
		o.log = l
	}
}
