package chat

import (
	"context"

	"ssechat/internal/sse"
)

// EventSource delivers stream events in arrival order until ctx ends.
// *sse.Subscriber satisfies it.
type EventSource interface {
	Subscribe(ctx context.Context, handler func(*sse.Event)) error
}

// Listener appends every inbound message to the UI log.
type Listener struct {
	src    EventSource
	ui     UI
	render func(string) string
	opts   options
}

// NewListener creates a listener reading from src.
func NewListener(src EventSource, ui UI, opts ...Option) *Listener {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Listener{
		src:    src,
		ui:     ui,
		render: o.render.renderer(),
		opts:   o,
	}
}

// Run blocks until ctx is done or the source gives up.
func (l *Listener) Run(ctx context.Context) error {
	return l.src.Subscribe(ctx, l.handle)
}

func (l *Listener) handle(ev *sse.Event) {
	payload := "undefined"
	if ev != nil {
		// 名前付きイベントは message ハンドラに届かない
		if ev.Event != "" && ev.Event != "message" {
			return
		}
		payload = ev.Data
	}
	l.opts.log.Debug().Str("data", payload).Msg("[GET /events/] received")
	l.ui.AppendLog(l.render(payload) + "<br>")
}
