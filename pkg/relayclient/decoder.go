// Package relayclient consumes the chat relay's streaming wire protocol.
package relayclient

import (
	"bytes"
	"encoding/json"
)

type EventKind int

const (
	EventToken EventKind = iota
	EventDone
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventToken:
		return "token"
	case EventDone:
		return "done"
	case EventError:
		return "error"
	}
	return "unknown"
}

type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Event is one decoded stream event.
type Event struct {
	Kind           EventKind
	Token          string
	Usage          Usage
	ConversationID string
	Message        string
}

// Terminal reports whether e ends the logical response.
func (e Event) Terminal() bool {
	return e.Kind == EventDone || e.Kind == EventError
}

type wireEvent struct {
	Token          *string `json:"token"`
	Done           bool    `json:"done"`
	Usage          *Usage  `json:"usage"`
	ConversationID string  `json:"conversationId"`
	Error          *string `json:"error"`
}

// Decoder turns arbitrary byte chunks into events. Partial lines are held
// until their newline arrives; complete lines that do not parse are skipped.
// Nothing is reported after the first terminal event.
type Decoder struct {
	buf      []byte
	finished bool
	skipped  int
}

func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed consumes a chunk and returns the events completed by it.
func (d *Decoder) Feed(chunk []byte) []Event {
	if d.finished {
		return nil
	}
	d.buf = append(d.buf, chunk...)

	var events []Event
	for !d.finished {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}
		line := d.buf[:i]
		d.buf = d.buf[i+1:]
		if ev, ok := d.parseLine(line); ok {
			events = append(events, ev)
		}
	}
	if d.finished {
		d.buf = nil
	}
	return events
}

// Flush parses a final line left without a trailing newline.
func (d *Decoder) Flush() []Event {
	if d.finished || len(d.buf) == 0 {
		return nil
	}
	line := d.buf
	d.buf = nil
	if ev, ok := d.parseLine(line); ok {
		return []Event{ev}
	}
	return nil
}

// Finished reports whether a terminal event has been decoded.
func (d *Decoder) Finished() bool {
	return d.finished
}

// Skipped is the number of malformed data lines dropped so far.
func (d *Decoder) Skipped() int {
	return d.skipped
}

func (d *Decoder) parseLine(line []byte) (Event, bool) {
	line = bytes.TrimRight(line, "\r")
	if len(line) == 0 || line[0] == ':' {
		return Event{}, false
	}
	payload, ok := bytes.CutPrefix(line, []byte("data:"))
	if !ok {
		return Event{}, false
	}
	payload = bytes.TrimSpace(payload)

	var w wireEvent
	if err := json.Unmarshal(payload, &w); err != nil {
		d.skipped++
		return Event{}, false
	}

	var ev Event
	switch {
	case w.Error != nil:
		ev = Event{Kind: EventError, Message: *w.Error}
	case w.Done:
		ev = Event{Kind: EventDone, ConversationID: w.ConversationID}
		if w.Usage != nil {
			ev.Usage = *w.Usage
		}
	case w.Token != nil:
		ev = Event{Kind: EventToken, Token: *w.Token}
	default:
		d.skipped++
		return Event{}, false
	}

	if ev.Terminal() {
		d.finished = true
	}
	return ev, true
}
