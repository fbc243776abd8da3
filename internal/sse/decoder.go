package sse

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// Decoder reads events from a text/event-stream body.
type Decoder struct {
	r      *bufio.Reader
	base64 bool

	lastID string
	retry  time.Duration
}

// NewDecoder returns a decoder reading from r. lastEventID seeds the id
// reported on events that do not carry one.
func NewDecoder(r io.Reader, lastEventID string) *Decoder {
	return &Decoder{r: bufio.NewReader(r), lastID: lastEventID}
}

// DecodeBase64 makes the decoder base64-decode every data payload.
func (d *Decoder) DecodeBase64(enabled bool) {
	d.base64 = enabled
}

// LastEventID returns the most recent id seen on the stream.
func (d *Decoder) LastEventID() string {
	return d.lastID
}

// Retry returns the most recent retry field, or zero.
func (d *Decoder) Retry() time.Duration {
	return d.retry
}

// Decode returns the next event carrying data. Blocks without a data field
// only update the id and retry state. An incomplete block at EOF is
// discarded and io.EOF is returned.
func (d *Decoder) Decode() (*Event, error) {
	var (
		data    strings.Builder
		hasData bool
		name    string
		retry   time.Duration
	)
	for {
		line, err := d.r.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("sse: read stream: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if !hasData {
				name, retry = "", 0
				continue
			}
			ev := &Event{ID: d.lastID, Event: name, Data: data.String(), Retry: retry}
			if d.base64 {
				decoded, err := base64.StdEncoding.DecodeString(ev.Data)
				if err != nil {
					return nil, fmt.Errorf("sse: decode base64 data: %w", err)
				}
				ev.Data = string(decoded)
			}
			return ev, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			name = value
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
		case "id":
			if !strings.ContainsRune(value, 0) {
				d.lastID = value
			}
		case "retry":
			if ms, err := strconv.ParseUint(value, 10, 63); err == nil {
				retry = time.Duration(ms) * time.Millisecond
				d.retry = retry
			}
		}
	}
}
