package sse

import (
	"encoding/json"
	"fmt"
	"io"
)

// DoneData is the payload of the end-of-stream sentinel event.
const DoneData = "[DONE]"

// WriteData writes v as a single JSON "data:" event.
func WriteData(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", payload)
	return err
}

// WriteDone writes the "data: [DONE]" sentinel.
func WriteDone(w io.Writer) error {
	_, err := io.WriteString(w, "data: "+DoneData+"\n\n")
	return err
}
