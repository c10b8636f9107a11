package adapters_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/compresr/ai-gateway/internal/adapters"
	"github.com/compresr/ai-gateway/internal/canonical"
)

// staticModels is a fixed catalog for decode tests.
type staticModels []string

func (m staticModels) Resolve(name string) (string, bool) {
	for _, id := range m {
		if id == name {
			return id, true
		}
	}
	return "", false
}

func (m staticModels) Names() []string { return m }

var testModels = staticModels{"llama3", "gpt-4o"}

type sseEvent struct {
	event string
	data  string
}

// encodeStream runs deltas through enc and parses the frames back.
func encodeStream(t *testing.T, enc adapters.StreamEncoder, deltas ...canonical.Delta) []sseEvent {
	t.Helper()
	var buf bytes.Buffer
	for _, d := range deltas {
		for _, frame := range enc.Encode(d) {
			buf.Write(frame)
		}
	}
	var events []sseEvent
	err := adapters.ReadSSE(&buf, func(event string, data []byte) error {
		events = append(events, sseEvent{event: event, data: string(data)})
		return nil
	})
	require.NoError(t, err)
	return events
}

// feedStream replays wire events through dec and collects every delta.
func feedStream(dec adapters.StreamDecoder, events ...sseEvent) []canonical.Delta {
	var out []canonical.Delta
	for _, e := range events {
		out = append(out, dec.Feed(e.event, []byte(e.data))...)
	}
	return append(out, dec.Finish()...)
}

func terminalCount(deltas []canonical.Delta) int {
	n := 0
	for _, d := range deltas {
		if d.Terminal() {
			n++
		}
	}
	return n
}

func intPtr(v int) *int { return &v }
