package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind names an event on the wire
type Kind string

const (
	// Client asks to enter a room under a display name
	KindJoin Kind = "join"

	// Server announces a join to every member, the joiner included
	KindJoined Kind = "joined"

	// Full buffer replacement, relayed to everyone but the sender
	KindCodeChange Kind = "code-change"

	// Existing member pushes its buffer to one newcomer
	KindSyncCode Kind = "sync-code"

	// Room language tag update
	KindLanguageChange Kind = "language-change"

	// Room language tag sent to a newcomer (only when enabled)
	KindCurrentLanguage Kind = "current-language"

	// A member left
	KindDisconnected Kind = "disconnected"
)

var (
	ErrEmptyFrame   = errors.New("empty frame")
	ErrUnknownEvent = errors.New("unknown event")
	ErrMissingField = errors.New("missing field")
)

// Message is the envelope every frame travels in
type Message struct {
	Event Kind            `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Member is one entry of a room listing
type Member struct {
	SocketID string `json:"socketId"`
	Username string `json:"username"`
}

type JoinPayload struct {
	RoomID   string `json:"roomId"`
	Username string `json:"username"`
}

type JoinedPayload struct {
	Clients  []Member `json:"clients"`
	Username string   `json:"username"`
	SocketID string   `json:"socketId"`
}

// CodeChangePayload carries RoomID only inbound; outbound copies leave it empty.
type CodeChangePayload struct {
	RoomID string `json:"roomId,omitempty"`
	Code   string `json:"code"`
}

type SyncCodePayload struct {
	SocketID string `json:"socketId"`
	Code     string `json:"code"`
}

type LanguagePayload struct {
	RoomID   string `json:"roomId,omitempty"`
	Language string `json:"language"`
}

type DisconnectedPayload struct {
	SocketID string `json:"socketId"`
	Username string `json:"username"`
}

// Decode parses a frame into its envelope. The payload is left raw so
// a bad payload only fails the event that carries it.
func Decode(frame []byte) (Message, error) {
	if len(frame) == 0 {
		return Message{}, ErrEmptyFrame
	}

	var msg Message
	if err := json.Unmarshal(frame, &msg); err != nil {
		return Message{}, fmt.Errorf("decode envelope: %w", err)
	}

	switch msg.Event {
	case KindJoin, KindCodeChange, KindSyncCode, KindLanguageChange:
		return msg, nil
	case "":
		return Message{}, fmt.Errorf("%w: event", ErrMissingField)
	default:
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownEvent, msg.Event)
	}
}

// Encode wraps a payload in an envelope of the given kind
func Encode(kind Kind, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return json.Marshal(Message{Event: kind, Data: data})
}

func (m Message) Join() (JoinPayload, error) {
	var p JoinPayload
	if err := m.unmarshal(&p); err != nil {
		return p, err
	}
	if p.RoomID == "" {
		return p, fmt.Errorf("%w: roomId", ErrMissingField)
	}
	return p, nil
}

func (m Message) CodeChange() (CodeChangePayload, error) {
	var p CodeChangePayload
	if err := m.unmarshal(&p); err != nil {
		return p, err
	}
	if p.RoomID == "" {
		return p, fmt.Errorf("%w: roomId", ErrMissingField)
	}
	return p, nil
}

func (m Message) SyncCode() (SyncCodePayload, error) {
	var p SyncCodePayload
	if err := m.unmarshal(&p); err != nil {
		return p, err
	}
	if p.SocketID == "" {
		return p, fmt.Errorf("%w: socketId", ErrMissingField)
	}
	return p, nil
}

func (m Message) LanguageChange() (LanguagePayload, error) {
	var p LanguagePayload
	if err := m.unmarshal(&p); err != nil {
		return p, err
	}
	if p.RoomID == "" {
		return p, fmt.Errorf("%w: roomId", ErrMissingField)
	}
	return p, nil
}

func (m Message) unmarshal(v any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%w: data", ErrMissingField)
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Event, err)
	}
	return nil
}
