package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"ssechat/internal/model"
)

// ErrStatus wraps the Result error of a non-200 response.
var ErrStatus = errors.New("chat: message rejected")

// Result is the single outcome of a Send.
type Result struct {
	// StatusCode is zero when no response was received.
	StatusCode int
	// Status is the reason phrase, e.g. "Internal Server Error".
	Status string
	Err    error
	// Skipped reports that the input was empty and nothing was sent.
	Skipped bool
}

// OK reports whether the server accepted the message.
func (r Result) OK() bool {
	return r.Err == nil && r.StatusCode == http.StatusOK
}

// Sender posts the UI input to the server.
type Sender struct {
	url  string
	ui   UI
	opts options
}

// NewSender creates a sender posting to baseURL + MessagePath.
func NewSender(baseURL string, ui UI, opts ...Option) *Sender {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Sender{
		url:  strings.TrimRight(baseURL, "/") + MessagePath,
		ui:   ui,
		opts: o,
	}
}

// Send posts the current input. The status is set to StatusSending before
// Send returns and the returned channel yields exactly one Result once the
// request has settled and the UI has been updated. An empty input yields a
// skipped Result without touching the UI or the network.
func (s *Sender) Send(ctx context.Context) <-chan Result {
	out := make(chan Result, 1)

	text := s.ui.InputValue()
	if text == "" {
		out <- Result{Skipped: true}
		close(out)
		return out
	}

	body, err := json.Marshal(model.OutboundMessage{Message: text})
	if err != nil {
		out <- Result{Err: fmt.Errorf("encode message: %w", err)}
		close(out)
		return out
	}

	s.ui.SetStatus(StatusSending)
	go func() {
		defer close(out)
		res := s.post(ctx, body)
		s.settle(res)
		out <- res
	}()
	return out
}

func (s *Sender) post(ctx context.Context, body []byte) Result {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return Result{Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	if s.opts.user != "" {
		req.SetBasicAuth(s.opts.user, s.opts.password)
	}

	resp, err := s.opts.client.Do(req)
	if err != nil {
		return Result{Err: fmt.Errorf("post message: %w", err)}
	}
	defer resp.Body.Close()
	// 本文は使わない
	_, _ = io.Copy(io.Discard, resp.Body)

	res := Result{
		StatusCode: resp.StatusCode,
		Status:     strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)+" "),
	}
	if resp.StatusCode != http.StatusOK {
		res.Err = fmt.Errorf("%w: %d %s", ErrStatus, res.StatusCode, res.Status)
	}
	return res
}

func (s *Sender) settle(res Result) {
	s.ui.SetStatus("")
	switch {
	case res.OK():
		s.ui.SetInputValue("")
	case res.StatusCode != 0:
		s.opts.log.Error().Int("status", res.StatusCode).Msgf("%d: %s", res.StatusCode, res.Status)
	default:
		s.opts.log.Error().Err(res.Err).Msg("[POST /message] request failed")
	}
}
