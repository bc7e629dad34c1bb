package handler

import (
	"bytes"
	"fmt"
	"io"
)

// Event is a single server-sent event. An event with neither data nor a
// comment marshals to nothing.
type Event struct {
	ID      string
	Name    string
	Data    []byte
	Comment string
}

// MarshalTo writes the event in the text/event-stream wire format,
// terminated by the blank line that ends a frame.
func (ev *Event) MarshalTo(w io.Writer) error {
	if len(ev.Data) == 0 && ev.Comment == "" {
		return nil
	}

	var buf bytes.Buffer
	if len(ev.Data) > 0 {
		if ev.ID != "" {
			fmt.Fprintf(&buf, "id: %s\n", ev.ID)
		}
		if ev.Name != "" {
			fmt.Fprintf(&buf, "event: %s\n", ev.Name)
		}
		for _, line := range bytes.Split(ev.Data, []byte("\n")) {
			fmt.Fprintf(&buf, "data: %s\n", line)
		}
	}
	if ev.Comment != "" {
		fmt.Fprintf(&buf, ": %s\n", ev.Comment)
	}
	buf.WriteByte('\n')

	_, err := w.Write(buf.Bytes())
	return err
}
