// Package stream defines the events of a chat answer stream and their
// text/event-stream encoding.
package stream

import (
	"encoding/json"
	"fmt"

	"pdfchat-platform/models"
)

type Kind int

const (
	KindMessage Kind = iota + 1
	KindHighlight
	KindEnd
)

// EndMarker is the data line of the final event.
const EndMarker = "[DONE]"

func (k Kind) String() string {
	switch k {
	case KindMessage:
		return "message"
	case KindHighlight:
		return "highlight"
	case KindEnd:
		return "end"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Event is one element of an answer stream. Text is set for messages,
// Citations for highlights; End carries nothing.
type Event struct {
	Kind      Kind
	Text      string
	Citations []models.Citation
}

func Message(text string) Event { return Event{Kind: KindMessage, Text: text} }

// Highlight never carries a nil slice so the wire form is always a list.
func Highlight(citations []models.Citation) Event {
	if citations == nil {
		citations = []models.Citation{}
	}
	return Event{Kind: KindHighlight, Citations: citations}
}

func End() Event { return Event{Kind: KindEnd} }

type messageData struct {
	Text string `json:"text"`
}

type highlightData struct {
	Highlights []models.Citation `json:"highlights"`
}

// Name is the SSE event name.
func (e Event) Name() string { return e.Kind.String() }

// Data renders the SSE data field.
func (e Event) Data() (string, error) {
	switch e.Kind {
	case KindMessage:
		b, err := json.Marshal(messageData{Text: e.Text})
		return string(b), err
	case KindHighlight:
		citations := e.Citations
		if citations == nil {
			citations = []models.Citation{}
		}
		b, err := json.Marshal(highlightData{Highlights: citations})
		return string(b), err
	case KindEnd:
		return EndMarker, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownEvent, e.Kind)
	}
}

func parseEvent(name, data string) (Event, error) {
	switch name {
	case KindMessage.String():
		var m messageData
		if err := json.Unmarshal([]byte(data), &m); err != nil {
			return Event{}, fmt.Errorf("%w: message: %v", ErrMalformed, err)
		}
		return Message(m.Text), nil
	case KindHighlight.String():
		var h highlightData
		if err := json.Unmarshal([]byte(data), &h); err != nil {
			return Event{}, fmt.Errorf("%w: highlight: %v", ErrMalformed, err)
		}
		return Highlight(h.Highlights), nil
	case KindEnd.String():
		if data != EndMarker {
			return Event{}, fmt.Errorf("%w: end data %q", ErrMalformed, data)
		}
		return End(), nil
	default:
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownEvent, name)
	}
}
