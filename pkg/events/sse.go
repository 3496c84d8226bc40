package events

import (
	"encoding/json"
	"fmt"
	"io"
)

// WriteSSE encodes one event as a server-sent-events record: the
// sequence number as the record id (so Last-Event-ID round-trips), the
// event type, and the enriched JSON payload as data.
func WriteSSE(w io.Writer, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event %d: %w", evt.Seq, err)
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", evt.Seq, evt.Type, data)
	return err
}

// WriteSSEKeepalive emits a comment record that keeps intermediaries
// from timing out the stream.
func WriteSSEKeepalive(w io.Writer) error {
	_, err := io.WriteString(w, ": keepalive\n\n")
	return err
}
