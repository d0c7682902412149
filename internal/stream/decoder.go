// Package stream decodes the newline-framed event stream a remote executor
// produces: records separated by a blank line, payload carried on lines with
// a "data:" prefix, terminated by the literal [DONE] sentinel.
package stream

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
)

const (
	TypeTask      = "task"
	TypeSession   = "session"
	TypeSuccess   = "success"
	TypeResult    = "result"
	TypeError     = "error"
	TypeCancelled = "cancelled"
	TypeInfo      = "info"

	// TypeStreamEnded is synthesized when the [DONE] sentinel arrives; it
	// never comes off the wire as a payload.
	TypeStreamEnded = "stream_ended"
)

const doneSentinel = "[DONE]"

type Event struct {
	Type       string `json:"type"`
	Message    string `json:"message,omitempty"`
	TaskID     string `json:"taskId,omitempty"`
	Status     string `json:"status,omitempty"`
	ServerURL  string `json:"serverUrl,omitempty"`
	DisplayURL string `json:"displayUrl,omitempty"`
	RunID      string `json:"runId,omitempty"`
}

// Decoder incrementally decodes one stream. It is stateful for the life of
// that stream and not reusable across streams.
type Decoder struct {
	r       io.Reader
	buf     []byte
	chunk   []byte
	done    bool
	sawDone bool
	readErr error
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r, chunk: make([]byte, 4096)}
}

// Next returns the next decoded event. It returns io.EOF after the [DONE]
// sentinel or when the underlying stream closes; whether [DONE] was actually
// seen is reported by SawDone, and the caller decides what an unexpected
// close means.
func (d *Decoder) Next() (Event, error) {
	for {
		if d.done {
			return Event{}, io.EOF
		}

		if record, ok := d.cutRecord(); ok {
			evt, ok := d.decodeRecord(record)
			if !ok {
				continue
			}
			return evt, nil
		}

		if d.readErr != nil {
			// Flush a trailing record the stream closed without terminating.
			if len(bytes.TrimSpace(d.buf)) > 0 {
				record := d.buf
				d.buf = nil
				if evt, ok := d.decodeRecord(record); ok {
					return evt, nil
				}
			}
			d.done = true
			if d.readErr == io.EOF {
				return Event{}, io.EOF
			}
			return Event{}, d.readErr
		}

		n, err := d.r.Read(d.chunk)
		if n > 0 {
			d.buf = append(d.buf, d.chunk[:n]...)
		}
		if err != nil {
			d.readErr = err
		}
	}
}

// SawDone reports whether the [DONE] sentinel terminated the stream.
func (d *Decoder) SawDone() bool {
	return d.sawDone
}

func (d *Decoder) cutRecord() ([]byte, bool) {
	idx := bytes.Index(d.buf, []byte("\n\n"))
	if idx < 0 {
		return nil, false
	}
	record := d.buf[:idx]
	d.buf = d.buf[idx+2:]
	return record, true
}

// decodeRecord turns one record into an event. Records without data lines are
// skipped. A malformed payload never aborts the stream; it degrades to an
// info event carrying the raw text.
func (d *Decoder) decodeRecord(record []byte) (Event, bool) {
	payloads := []string{}
	for _, line := range strings.Split(string(record), "\n") {
		line = strings.TrimSuffix(line, "\r")
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payloads = append(payloads, strings.TrimLeft(strings.TrimPrefix(line, "data:"), " "))
	}
	if len(payloads) == 0 {
		return Event{}, false
	}
	payload := strings.Join(payloads, "\n")

	if payload == doneSentinel {
		d.done = true
		d.sawDone = true
		return Event{Type: TypeStreamEnded}, true
	}

	var evt Event
	if err := json.Unmarshal([]byte(payload), &evt); err != nil || evt.Type == "" {
		return Event{Type: TypeInfo, Message: payload}, true
	}
	return evt, true
}
