// Package adapters translates between wire protocols and the canonical model.
//
// DESIGN: The gateway speaks three wire protocols (OpenAI, Anthropic, Gemini)
// from one endpoint. Each protocol has one Adapter; the HTTP router picks the
// adapter by route, never by sniffing the payload. Adapters are pure
// transforms in both directions:
//
//   - Server side: Decode (wire request -> canonical), Encode / stream encoder
//     (canonical -> wire response), EncodeError (native error envelope)
//   - Client side: EncodeRequest, DecodeResponse, stream decoder. Used when an
//     upstream model speaks one of these protocols.
//
// Decode validates the requested model against the live catalog and fails
// with ModelNotFound instead of substituting another model.
//
// To add a protocol: implement Adapter and register it in NewRegistry.
package adapters

import (
	"github.com/compresr/ai-gateway/internal/canonical"
)

// Adapter is the unified interface for one wire protocol.
// Adapters are stateless and thread-safe; stream encoders and decoders are
// per-stream and are not.
type Adapter interface {
	// Name returns the adapter identifier (e.g., "openai", "anthropic")
	Name() string

	// Protocol returns the wire protocol this adapter speaks
	Protocol() Protocol

	// =========================================================================
	// SERVER SIDE - requests from callers, responses back to them
	// =========================================================================

	// Decode parses a wire request body into canonical form and resolves the
	// model against opts.Models.
	Decode(body []byte, opts DecodeOptions) (*canonical.Request, error)

	// Encode renders a complete response.
	Encode(resp *canonical.Response) ([]byte, error)

	// NewStreamEncoder returns an encoder for one streamed response.
	NewStreamEncoder(meta StreamMeta) StreamEncoder

	// EncodeError renders the protocol's native error envelope.
	EncodeError(err *canonical.Error) []byte

	// =========================================================================
	// CLIENT SIDE - requests to an upstream speaking this protocol
	// =========================================================================

	// EncodeRequest renders a canonical request as a wire request body.
	EncodeRequest(req *canonical.Request) ([]byte, error)

	// DecodeResponse parses a complete wire response.
	DecodeResponse(body []byte) (*canonical.Response, error)

	// NewStreamDecoder returns a decoder for one upstream event stream.
	NewStreamDecoder() StreamDecoder
}

// StreamEncoder turns canonical deltas into wire frames.
//
// Ordering: text and thinking deltas are framed immediately; tool-call deltas
// are held until the terminal delta and then framed ahead of the final
// usage/stop frame. Exactly one terminal frame sequence is produced; anything
// after it is dropped.
type StreamEncoder interface {
	ContentType() string
	Encode(d canonical.Delta) [][]byte
}

// StreamDecoder turns upstream server-sent events into canonical deltas.
type StreamDecoder interface {
	// Feed consumes one event. event is empty for data-only streams.
	Feed(event string, data []byte) []canonical.Delta
	// Finish is called when the upstream body ends and returns the terminal
	// delta if Feed has not produced one.
	Finish() []canonical.Delta
}

// BaseAdapter provides common functionality for all adapters.
type BaseAdapter struct {
	name     string
	protocol Protocol
}

// Name returns the adapter name.
func (a *BaseAdapter) Name() string {
	return a.name
}

// Protocol returns the wire protocol.
func (a *BaseAdapter) Protocol() Protocol {
	return a.protocol
}

// resolveModel applies the omission policy and validates against the catalog.
func resolveModel(name string, opts DecodeOptions) (string, error) {
	if name == "" {
		if opts.DefaultModel == "" {
			return "", canonical.DecodeErrorf("model is required")
		}
		name = opts.DefaultModel
	}
	if opts.Models == nil {
		return name, nil
	}
	if id, ok := opts.Models.Resolve(name); ok {
		return id, nil
	}
	return "", canonical.ModelNotFound(name, opts.Models.Names())
}

// orderedStream enforces the frame ordering contract on top of a
// protocol-specific frameSink.
type orderedStream struct {
	sink        frameSink
	contentType string
	pending     []canonical.ToolUse
	closed      bool
}

// frameSink renders individual frames for one protocol.
type frameSink interface {
	text(s string) [][]byte
	thinking(s string) [][]byte
	toolCalls(calls []canonical.ToolUse) [][]byte
	done(stop canonical.StopReason, usage canonical.Usage) [][]byte
	fail(err *canonical.Error) [][]byte
}

func (o *orderedStream) ContentType() string { return o.contentType }

func (o *orderedStream) Encode(d canonical.Delta) [][]byte {
	if o.closed {
		return nil
	}
	switch d.Kind {
	case canonical.DeltaText:
		if d.Text == "" {
			return nil
		}
		return o.sink.text(d.Text)
	case canonical.DeltaThinking:
		if d.Text == "" {
			return nil
		}
		return o.sink.thinking(d.Text)
	case canonical.DeltaToolCall:
		if d.ToolCall != nil {
			o.pending = append(o.pending, *d.ToolCall)
		}
		return nil
	case canonical.DeltaDone:
		o.closed = true
		var frames [][]byte
		if len(o.pending) > 0 {
			frames = append(frames, o.sink.toolCalls(o.pending)...)
		}
		var usage canonical.Usage
		if d.Usage != nil {
			usage = *d.Usage
		}
		stop := d.StopReason
		if stop == "" {
			stop = canonical.StopEndTurn
			if len(o.pending) > 0 {
				stop = canonical.StopToolUse
			}
		}
		return append(frames, o.sink.done(stop, usage)...)
	case canonical.DeltaError:
		o.closed = true
		err := d.Err
		if err == nil {
			err = canonical.Internal(nil)
		}
		return o.sink.fail(err)
	}
	return nil
}
