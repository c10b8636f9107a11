// Server-sent event framing shared by the stream encoders and decoders.
package adapters

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// ContentTypeSSE is the content type of every streamed response.
const ContentTypeSSE = "text/event-stream"

// maxSSELine bounds a single upstream event line (4MB).
const maxSSELine = 4 * 1024 * 1024

// sseDone terminates OpenAI-style data-only streams.
var sseDone = []byte("data: [DONE]\n\n")

// sseData frames payload as a data-only event.
func sseData(payload any) []byte {
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte(`{}`)
	}
	return []byte(fmt.Sprintf("data: %s\n\n", data))
}

// sseEvent frames payload as a named event.
func sseEvent(event string, payload any) []byte {
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte(`{}`)
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", event, data))
}

// ReadSSE scans an event stream and calls fn once per event with the event
// name (empty when absent) and the joined data lines. Comment lines and
// events without data are skipped. A non-nil error from fn stops the scan.
func ReadSSE(r io.Reader, fn func(event string, data []byte) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSSELine)

	var event string
	var data bytes.Buffer
	dispatch := func() error {
		defer func() {
			event = ""
			data.Reset()
		}()
		if data.Len() == 0 {
			return nil
		}
		return fn(event, bytes.Clone(data.Bytes()))
	}

	for scanner.Scan() {
		line := scanner.Bytes()
		switch {
		case len(line) == 0:
			if err := dispatch(); err != nil {
				return err
			}
		case line[0] == ':':
		case bytes.HasPrefix(line, []byte("event:")):
			event = string(bytes.TrimSpace(line[len("event:"):]))
		case bytes.HasPrefix(line, []byte("data:")):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.Write(bytes.TrimPrefix(line[len("data:"):], []byte(" ")))
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return dispatch()
}
