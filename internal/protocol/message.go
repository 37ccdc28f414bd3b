// Package protocol defines the JSON frames exchanged on a session stream
// between the terminal client and the session server.
package protocol

import (
	"encoding/json"
	"fmt"
)

// MessageType represents the type of a stream frame.
type MessageType string

const (
	// Client -> Server message types
	TypeInput MessageType = "input"

	// TypeResize travels in both directions: a client announces its own
	// geometry, and the server relays a geometry chosen by another client.
	TypeResize MessageType = "resize"

	// Server -> Client message types
	TypeOutput          MessageType = "output"
	TypeError           MessageType = "error"
	TypeStateChange     MessageType = "state_change"
	TypeSessionDead     MessageType = "session_dead"
	TypeSessionNotFound MessageType = "session_not_found"
)

// knownTypes is the set of frame types Decode accepts as an envelope.
var knownTypes = map[MessageType]bool{
	TypeInput:           true,
	TypeResize:          true,
	TypeOutput:          true,
	TypeError:           true,
	TypeStateChange:     true,
	TypeSessionDead:     true,
	TypeSessionNotFound: true,
}

// IdleState is the server's classification of what the agent in a session
// is doing.
type IdleState string

const (
	IdleUnknown IdleState = "unknown"
	IdleIdle    IdleState = "idle"
	IdleWorking IdleState = "working"
	IdleError   IdleState = "error"
	IdleStalled IdleState = "stalled"
)

// ParseIdleState maps a wire value to an IdleState. Unrecognised values
// become IdleUnknown.
func ParseIdleState(s string) IdleState {
	switch state := IdleState(s); state {
	case IdleIdle, IdleWorking, IdleError, IdleStalled:
		return state
	default:
		return IdleUnknown
	}
}

// Message is a single stream frame. Which fields are meaningful depends on
// Type.
type Message struct {
	Type    MessageType `json:"type"`
	Data    string      `json:"data,omitempty"`
	Cols    int         `json:"cols,omitempty"`
	Rows    int         `json:"rows,omitempty"`
	Message string      `json:"message,omitempty"`
	State   IdleState   `json:"state,omitempty"`
}

// Input creates a frame carrying keystrokes for the PTY.
func Input(data []byte) Message {
	return Message{Type: TypeInput, Data: string(data)}
}

// Resize creates a geometry frame.
func Resize(cols, rows int) Message {
	return Message{Type: TypeResize, Cols: cols, Rows: rows}
}

// Output creates a frame carrying raw PTY output.
func Output(data []byte) Message {
	return Message{Type: TypeOutput, Data: string(data)}
}

// Error creates a non-fatal server error frame.
func Error(message string) Message {
	return Message{Type: TypeError, Message: message}
}

// StateChange creates an idle-state announcement.
func StateChange(state IdleState) Message {
	return Message{Type: TypeStateChange, State: state}
}

// SessionDead creates the frame telling clients the session has ended.
func SessionDead(message string) Message {
	return Message{Type: TypeSessionDead, Message: message}
}

// SessionNotFound creates the frame telling a client the requested session
// does not exist.
func SessionNotFound(message string) Message {
	return Message{Type: TypeSessionNotFound, Message: message}
}

// IsTerminal reports whether the frame ends the session for good.
func (m Message) IsTerminal() bool {
	return m.Type == TypeSessionDead || m.Type == TypeSessionNotFound
}

// Encode serializes a message into one wire frame.
func Encode(msg Message) ([]byte, error) {
	if msg.Type == "" {
		return nil, fmt.Errorf("encode frame: missing type")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", msg.Type, err)
	}
	return data, nil
}

// Decode parses one wire frame. It never fails: a frame that is not a JSON
// object with a known type is returned as an Output message holding the
// frame bytes, and raw is set so callers can log the fallback.
func Decode(frame []byte) (msg Message, raw bool) {
	var envelope Message
	if err := json.Unmarshal(frame, &envelope); err != nil || !knownTypes[envelope.Type] {
		return Output(frame), true
	}
	if envelope.Type == TypeStateChange {
		envelope.State = ParseIdleState(string(envelope.State))
	}
	return envelope, false
}
