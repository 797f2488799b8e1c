package stream

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-contrib/sse"
)

var (
	ErrUnknownEvent = errors.New("unknown stream event")
	ErrMalformed    = errors.New("malformed stream event")
	// ErrTruncated means the stream ended before its end event.
	ErrTruncated = errors.New("stream truncated before end event")
)

// SetHeaders prepares a response for event streaming.
func SetHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream; charset=utf-8")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// Write encodes one event as an SSE frame.
func Write(w io.Writer, ev Event) error {
	data, err := ev.Data()
	if err != nil {
		return err
	}
	return sse.Encode(w, sse.Event{Event: ev.Name(), Data: data})
}

// Decoder reads events written by Write. It splits the stream into frames
// at blank lines and hands each complete frame to sse.Decode, so a frame cut
// off by a dropped connection is reported rather than parsed.
type Decoder struct {
	br    *bufio.Reader
	ended bool
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{br: bufio.NewReader(r)}
}

// Next returns the next event. After the end event it returns io.EOF; a
// stream that stops earlier yields ErrTruncated.
func (d *Decoder) Next() (Event, error) {
	if d.ended {
		return Event{}, io.EOF
	}

	var frame strings.Builder
	for {
		line, err := d.br.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return Event{}, err
		}
		eof := errors.Is(err, io.EOF)

		if strings.TrimRight(line, "\r\n") == "" && !eof {
			if frame.Len() == 0 {
				continue
			}
			frame.WriteString("\n")
			ev, ok, err := d.decodeFrame(frame.String())
			if err != nil || ok {
				return ev, err
			}
			// Comment-only frame.
			frame.Reset()
			continue
		}
		if eof {
			// Either a frame without its closing blank line or a stream
			// that closed before the end event.
			return Event{}, ErrTruncated
		}
		frame.WriteString(line)
	}
}

func (d *Decoder) decodeFrame(frame string) (Event, bool, error) {
	decoded, err := sse.Decode(strings.NewReader(frame))
	if err != nil {
		return Event{}, false, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(decoded) == 0 {
		return Event{}, false, nil
	}
	if len(decoded) > 1 {
		return Event{}, false, fmt.Errorf("%w: %d events in one frame", ErrMalformed, len(decoded))
	}

	data, ok := decoded[0].Data.(string)
	if !ok {
		data = fmt.Sprint(decoded[0].Data)
	}
	ev, err := parseEvent(decoded[0].Event, data)
	if err != nil {
		return Event{}, false, err
	}
	if ev.Kind == KindEnd {
		d.ended = true
	}
	return ev, true, nil
}

// ReadAll drains a stream up to and including its end event.
func ReadAll(r io.Reader) ([]Event, error) {
	dec := NewDecoder(r)
	var events []Event
	for {
		ev, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return events, nil
		}
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
}
