// Package sse reads server-sent event frames from an upstream response body.
package sse

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

const maxLine = 1 << 20

// Event is one dispatched frame. Name is empty when the frame had no
// "event:" field.
type Event struct {
	Name string
	Data string
}

// Reader splits a byte stream into events. Frames may arrive split across
// any number of reads.
type Reader struct {
	br *bufio.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next event, or io.EOF when the stream ended cleanly. A
// trailing frame without its terminating blank line is still delivered.
func (r *Reader) Next() (Event, error) {
	var (
		ev      Event
		data    []string
		pending bool
		size    int
	)

	for {
		line, err := r.br.ReadString('\n')
		size += len(line)
		if size > maxLine {
			return Event{}, errors.New("sse: frame too large")
		}

		if line != "" {
			line = strings.TrimRight(line, "\r\n")
			if line == "" {
				if pending {
					ev.Data = strings.Join(data, "\n")
					return ev, nil
				}
				ev = Event{}
				size = 0
			} else {
				field, value := parseField(line)
				switch field {
				case "event":
					ev.Name = value
				case "data":
					data = append(data, value)
					pending = true
				}
			}
		}

		if err != nil {
			if errors.Is(err, io.EOF) && pending {
				ev.Data = strings.Join(data, "\n")
				return ev, nil
			}
			return Event{}, err
		}
	}
}

func parseField(line string) (string, string) {
	if strings.HasPrefix(line, ":") {
		return "", ""
	}
	field, value, found := strings.Cut(line, ":")
	if !found {
		return line, ""
	}
	return field, strings.TrimPrefix(value, " ")
}
