// Package sse implements both ends of a text/event-stream: a broker that
// fans events out to HTTP consumers and a reconnecting subscriber.
package sse

import (
	"bytes"
	"strconv"
	"strings"
	"time"
)

// Event is a single server-sent event.
type Event struct {
	ID    string
	Event string
	Data  string
	// Raw writes Data on a single data line without splitting it.
	Raw bool
	// Retry, when positive, is written as the retry field in milliseconds.
	Retry time.Duration
}

// Frame renders e in text/event-stream format, terminated by a blank line.
// Newlines are removed from the event name and id.
func (e Event) Frame() []byte {
	var buf bytes.Buffer
	if e.Event != "" {
		buf.WriteString("event:")
		buf.WriteString(stripNewlines(e.Event))
		buf.WriteByte('\n')
	}
	if e.Data != "" {
		if e.Raw {
			buf.WriteString("data:")
			buf.WriteString(e.Data)
			buf.WriteByte('\n')
		} else {
			for _, line := range strings.Split(e.Data, "\n") {
				buf.WriteString("data:")
				buf.WriteString(line)
				buf.WriteByte('\n')
			}
		}
	}
	if e.ID != "" {
		buf.WriteString("id:")
		buf.WriteString(stripNewlines(e.ID))
		buf.WriteByte('\n')
	}
	if e.Retry > 0 {
		buf.WriteString("retry:")
		buf.WriteString(strconv.FormatInt(e.Retry.Milliseconds(), 10))
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	return buf.Bytes()
}

func stripNewlines(s string) string {
	return strings.NewReplacer("\r", "", "\n", "").Replace(s)
}

type targetKind int

const (
	targetAll targetKind = iota
	targetOnly
	targetExcept
	targetRecovery
	targetRetry
	stopRecovery
)

// Dispatch addresses an event to a set of consumers. Build one with
// ToAll, ToOnly, ToExcept, ToRecovery or Retry.
type Dispatch struct {
	kind  targetKind
	ids   []string
	event Event
}

// ToAll sends ev to every connected consumer.
func ToAll(ev Event) Dispatch {
	return Dispatch{kind: targetAll, event: ev}
}

// ToOnly sends ev to the listed consumers.
func ToOnly(ev Event, ids ...string) Dispatch {
	return Dispatch{kind: targetOnly, ids: ids, event: ev}
}

// ToExcept sends ev to every consumer not listed.
func ToExcept(ev Event, ids ...string) Dispatch {
	return Dispatch{kind: targetExcept, ids: ids, event: ev}
}

// ToRecovery sends ev on the priority queue of one consumer. Events on the
// priority queue are written before anything on the main queue until
// Reconnect.StopRecovery is called.
func ToRecovery(ev Event, id string) Dispatch {
	return Dispatch{kind: targetRecovery, ids: []string{id}, event: ev}
}

// Retry tells every consumer to wait d before reconnecting and makes d the
// value advertised to new consumers.
func Retry(d time.Duration) Dispatch {
	return Dispatch{kind: targetRetry, event: Event{Retry: d}}
}

func (d Dispatch) includes(id string) bool {
	for _, v := range d.ids {
		if v == id {
			return true
		}
	}
	return false
}
