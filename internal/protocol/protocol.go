package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Identifies an event on the wire
type Kind string

const (
	// Client to server
	KindJoin       Kind = "join"
	KindLeave      Kind = "leave"
	KindCodeChange Kind = "code_change"

	// Server to client document snapshot
	KindCodeUpdate Kind = "code_update"

	// Relayed in both directions, payload is opaque
	KindOffer        Kind = "offer"
	KindAnswer       Kind = "answer"
	KindICECandidate Kind = "ice-candidate"

	// Room chat
	KindChatMessage Kind = "chat_message"
	KindChatHistory Kind = "chat_history"
)

// Maps each signaling kind to the payload field it carries
var signalFields = map[Kind]string{
	KindOffer:        "offer",
	KindAnswer:       "answer",
	KindICECandidate: "candidate",
}

// SignalField returns the payload field name for a signaling kind.
func SignalField(kind Kind) (string, bool) {
	field, ok := signalFields[kind]
	return field, ok
}

var ErrMissingType = errors.New("frame type is required")

// Inbound is a client frame: {"type": "...", "data": {...}}
type Inbound struct {
	Type Kind            `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Decode parses a raw client frame
func Decode(data []byte) (Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return Inbound{}, fmt.Errorf("decode frame: %w", err)
	}
	if in.Type == "" {
		return Inbound{}, ErrMissingType
	}
	return in, nil
}

// A single top-level member of an outbound frame
type Field struct {
	Name  string          `msgpack:"name"`
	Value json.RawMessage `msgpack:"value"`
}

// Outbound is a server frame. Fields are written flat next to the type,
// e.g. {"type":"code_update","code":"..."}.
type Outbound struct {
	Type   Kind    `msgpack:"type"`
	Fields []Field `msgpack:"fields"`
}

// Value returns the raw value of the named field
func (o Outbound) Value(name string) (json.RawMessage, bool) {
	for _, f := range o.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

// Encode writes the frame without re-encoding field values, so relayed
// payloads keep the exact bytes the sender produced.
func (o Outbound) Encode() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"type":`)
	kind, err := json.Marshal(string(o.Type))
	if err != nil {
		return nil, err
	}
	buf.Write(kind)

	for _, f := range o.Fields {
		name, err := json.Marshal(f.Name)
		if err != nil {
			return nil, err
		}
		buf.WriteByte(',')
		buf.Write(name)
		buf.WriteByte(':')
		if len(f.Value) == 0 {
			buf.WriteString("null")
		} else {
			buf.Write(f.Value)
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// A chat line kept in a room's history
type ChatMessage struct {
	Username string    `json:"username"`
	Message  string    `json:"message"`
	SentAt   time.Time `json:"sent_at"`
}

func mustField(name string, v any) Field {
	raw, err := json.Marshal(v)
	if err != nil {
		// only called with strings, times and ChatMessage slices
		panic(fmt.Sprintf("protocol: marshal %s: %v", name, err))
	}
	return Field{Name: name, Value: raw}
}

// CodeUpdate is the document snapshot sent on join and after every change
func CodeUpdate(code string) Outbound {
	return Outbound{
		Type:   KindCodeUpdate,
		Fields: []Field{mustField("code", code)},
	}
}

// Signal wraps an opaque signaling payload under its field name
func Signal(kind Kind, field string, payload json.RawMessage) Outbound {
	return Outbound{
		Type:   kind,
		Fields: []Field{{Name: field, Value: payload}},
	}
}

func Chat(msg ChatMessage) Outbound {
	return Outbound{
		Type: KindChatMessage,
		Fields: []Field{
			mustField("username", msg.Username),
			mustField("message", msg.Message),
			mustField("sent_at", msg.SentAt),
		},
	}
}

func ChatHistory(messages []ChatMessage) Outbound {
	if messages == nil {
		messages = []ChatMessage{}
	}
	return Outbound{
		Type:   KindChatHistory,
		Fields: []Field{mustField("messages", messages)},
	}
}
