package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrMissingRoom  = errors.New("room is required")
	ErrInvalidField = errors.New("invalid payload field")
)

var jsonNull = json.RawMessage("null")

type JoinRequest struct {
	Room     string
	Username string
}

type LeaveRequest struct {
	Room string
}

type CodeChangeRequest struct {
	Room string
	Code string
}

type SignalRequest struct {
	Room    string
	Payload json.RawMessage
}

type ChatRequest struct {
	Room     string
	Username string
	Message  string
}

func ParseJoin(data json.RawMessage) (JoinRequest, error) {
	m, room, err := roomFields(data)
	if err != nil {
		return JoinRequest{}, err
	}
	username, _, err := stringField(m, "username")
	if err != nil {
		return JoinRequest{}, err
	}
	return JoinRequest{Room: room, Username: username}, nil
}

func ParseLeave(data json.RawMessage) (LeaveRequest, error) {
	_, room, err := roomFields(data)
	if err != nil {
		return LeaveRequest{}, err
	}
	return LeaveRequest{Room: room}, nil
}

// ParseCodeChange treats a missing or null code as the empty document.
func ParseCodeChange(data json.RawMessage) (CodeChangeRequest, error) {
	m, room, err := roomFields(data)
	if err != nil {
		return CodeChangeRequest{}, err
	}
	code, _, err := stringField(m, "code")
	if err != nil {
		return CodeChangeRequest{}, err
	}
	return CodeChangeRequest{Room: room, Code: code}, nil
}

// ParseSignal extracts the room and the opaque payload stored under field.
// A missing payload is relayed as null.
func ParseSignal(data json.RawMessage, field string) (SignalRequest, error) {
	m, room, err := roomFields(data)
	if err != nil {
		return SignalRequest{}, err
	}
	payload, ok := m[field]
	if !ok || len(payload) == 0 {
		payload = jsonNull
	}
	return SignalRequest{Room: room, Payload: payload}, nil
}

func ParseChat(data json.RawMessage) (ChatRequest, error) {
	m, room, err := roomFields(data)
	if err != nil {
		return ChatRequest{}, err
	}
	username, _, err := stringField(m, "username")
	if err != nil {
		return ChatRequest{}, err
	}
	message, _, err := stringField(m, "message")
	if err != nil {
		return ChatRequest{}, err
	}
	return ChatRequest{
		Room:     room,
		Username: strings.TrimSpace(username),
		Message:  strings.TrimSpace(message),
	}, nil
}

func roomFields(data json.RawMessage) (map[string]json.RawMessage, string, error) {
	m, err := objectFields(data)
	if err != nil {
		return nil, "", err
	}
	room, ok, err := stringField(m, "room")
	if err != nil {
		return nil, "", err
	}
	if !ok || room == "" {
		return nil, "", ErrMissingRoom
	}
	return m, room, nil
}

func objectFields(data json.RawMessage) (map[string]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, jsonNull) {
		return map[string]json.RawMessage{}, nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &m); err != nil {
		return nil, fmt.Errorf("%w: data must be an object", ErrInvalidField)
	}
	return m, nil
}

// stringField reports whether name was present with a non-null value.
func stringField(m map[string]json.RawMessage, name string) (string, bool, error) {
	raw, ok := m[name]
	if !ok || bytes.Equal(bytes.TrimSpace(raw), jsonNull) {
		return "", false, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false, fmt.Errorf("%w: %s must be a string", ErrInvalidField, name)
	}
	return s, true, nil
}
