package llm

import "fmt"

// Dialect identifies one upstream streaming wire format. The dialect is
// selected once when the request is constructed; each decoder is total over
// its own schema and never probes for another dialect's fields.
type Dialect string

const (
	// DialectChat is the chat-completions SSE shape: "data: " lines with
	// choices[0].delta payloads and a "[DONE]" sentinel.
	DialectChat Dialect = "chat"
	// DialectMessages is the event-typed shape: content_block_start/delta/stop,
	// message_delta, message_stop.
	DialectMessages Dialect = "messages"
	// DialectParts is the structured-parts shape: candidates[0].content.parts
	// arrays with a terminal usageMetadata.
	DialectParts Dialect = "parts"
	// DialectResponses is the typed-output shape: response.output_text.delta
	// and friends, with response.completed carrying the full output list.
	DialectResponses Dialect = "responses"
)

// Valid reports whether d names a known dialect.
func (d Dialect) Valid() bool {
	switch d {
	case DialectChat, DialectMessages, DialectParts, DialectResponses:
		return true
	}
	return false
}

// Decoder turns one reassembled logical line into a normalized StreamDelta.
// Decoders are stateful within one turn (in-progress tool-call fragments,
// pending event types) and must not be shared across turns; create a fresh
// instance per upstream request. A line that carries nothing decodable
// (blank, sentinel, unparsable) yields ok=false and never an error: malformed
// events are logged and skipped, the stream continues.
type Decoder interface {
	Decode(line string) (StreamDelta, bool)
}

// NewDecoder returns a fresh decoder for the dialect.
func NewDecoder(d Dialect) (Decoder, error) {
	switch d {
	case DialectChat:
		return newChatDecoder(), nil
	case DialectMessages:
		return newMessagesDecoder(), nil
	case DialectParts:
		return newPartsDecoder(), nil
	case DialectResponses:
		return newResponsesDecoder(), nil
	default:
		return nil, fmt.Errorf("unknown stream dialect: %q", d)
	}
}
