package pipeline

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Event names on the wire.
const (
	EventAssistantDelta = "assistant.delta"
	EventDocUpdated     = "doc.updated"
	EventStageReady     = "stage.ready"
	EventStageNeedsMore = "stage.needs_more"
)

// Event is one entry of a run's ordered event stream. Zero or more
// assistant.delta events precede exactly one terminal event (stage.ready or
// stage.needs_more), which is always last.
type Event struct {
	Name string
	Data string
}

// DeltaEvent carries a partial assistant text chunk, newlines included.
func DeltaEvent(text string) Event {
	return Event{Name: EventAssistantDelta, Data: text}
}

// DocUpdatedPayload is the data of a doc.updated event.
type DocUpdatedPayload struct {
	Name string `json:"name"`
	Size int    `json:"size"`
}

func DocUpdatedEvent(name string, size int) Event {
	data, _ := json.Marshal(DocUpdatedPayload{Name: name, Size: size})
	return Event{Name: EventDocUpdated, Data: string(data)}
}

// StagePayload is the data of the two terminal events.
type StagePayload struct {
	Stage  string `json:"stage"`
	Reason string `json:"reason,omitempty"`
}

func ReadyEvent(stage Stage) Event {
	data, _ := json.Marshal(StagePayload{Stage: string(stage)})
	return Event{Name: EventStageReady, Data: string(data)}
}

func NeedsMoreEvent(stage Stage, reason string) Event {
	data, _ := json.Marshal(StagePayload{Stage: string(stage), Reason: reason})
	return Event{Name: EventStageNeedsMore, Data: string(data)}
}

// Terminal reports whether the event ends a run.
func (e Event) Terminal() bool {
	return e.Name == EventStageReady || e.Name == EventStageNeedsMore
}

// EmitFunc receives events in order as a run produces them.
type EmitFunc func(Event)

// WriteFrame encodes one event as an SSE frame: an event name line, one data
// line per payload line, and a terminating blank line. Multi-line payloads
// are split so each source line becomes its own data line; DecodeFrame
// rejoins them with newlines, preserving embedded formatting exactly.
func WriteFrame(w io.Writer, e Event) error {
	var sb strings.Builder
	sb.WriteString("event: ")
	sb.WriteString(e.Name)
	sb.WriteString("\n")
	for _, line := range strings.Split(e.Data, "\n") {
		sb.WriteString("data: ")
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	sb.WriteString("\n")
	_, err := io.WriteString(w, sb.String())
	return err
}

// FrameReader decodes SSE frames from an ordered byte stream, buffering
// until a full frame (terminated by a blank line) is available.
type FrameReader struct {
	r *bufio.Reader
}

func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReader(r)}
}

// Next returns the next complete event, or io.EOF when the stream ends
// cleanly between frames.
func (fr *FrameReader) Next() (Event, error) {
	var (
		name      string
		dataLines []string
		sawAny    bool
	)

	for {
		line, err := fr.r.ReadString('\n')
		if err != nil {
			if err == io.EOF && !sawAny {
				return Event{}, io.EOF
			}
			if err == io.EOF {
				return Event{}, io.ErrUnexpectedEOF
			}
			return Event{}, err
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if !sawAny {
				// Stray blank line between frames.
				continue
			}
			if name == "" {
				return Event{}, fmt.Errorf("frame missing event name")
			}
			return Event{Name: name, Data: strings.Join(dataLines, "\n")}, nil
		}

		sawAny = true
		switch {
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			dataLines = append(dataLines, strings.TrimPrefix(line, "data: "))
		case line == "data:":
			dataLines = append(dataLines, "")
		default:
			// Unknown field, e.g. comments or retry hints. Skip.
		}
	}
}
