package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventExtra is the contextual data captured alongside an applied
// request: whatever a later Undo or a client-side reconciliation needs
// to reconstruct the prior state.
type EventExtra struct {
	Video        *Video  `json:"video,omitempty"`
	Index        int     `json:"index,omitempty"`
	PrevSource   *Video  `json:"prev_source,omitempty"`
	PrevPosition float64 `json:"prev_position,omitempty"`
	PrevPlaying  bool    `json:"prev_playing,omitempty"`
}

// RoomEvent echoes an applied request back to the room's clients and
// into the bounded undo history.
type RoomEvent struct {
	ID        string
	RoomName  string
	Timestamp time.Time
	Request   RoomRequest
	User      UserInfo
	Extra     EventExtra
}

type roomEventWire struct {
	ID        string          `json:"id"`
	RoomName  string          `json:"room"`
	Timestamp time.Time       `json:"timestamp"`
	Request   json.RawMessage `json:"request"`
	User      UserInfo        `json:"user"`
	Extra     EventExtra      `json:"extra"`
}

func (e RoomEvent) MarshalJSON() ([]byte, error) {
	req, err := EncodeRequest(e.Request)
	if err != nil {
		return nil, err
	}
	return json.Marshal(roomEventWire{
		ID:        e.ID,
		RoomName:  e.RoomName,
		Timestamp: e.Timestamp,
		Request:   req,
		User:      e.User,
		Extra:     e.Extra,
	})
}

func (e *RoomEvent) UnmarshalJSON(data []byte) error {
	var w roomEventWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	req, err := DecodeRequest(w.Request)
	if err != nil {
		return err
	}
	e.ID = w.ID
	e.RoomName = w.RoomName
	e.Timestamp = w.Timestamp
	e.Request = req
	e.User = w.User
	e.Extra = w.Extra
	return nil
}

// ServerMessage is the closed set of outbound messages a client can
// receive. The gateway wraps each one as {"type": ..., "data": ...}.
type ServerMessage interface {
	MessageType() string
}

type SyncMessage struct {
	Sync RoomSync `json:"sync"`
}

func (SyncMessage) MessageType() string { return "sync" }

type ChatMessage struct {
	From UserInfo `json:"from"`
	Text string   `json:"text"`
}

func (ChatMessage) MessageType() string { return "chat" }

type EventMessage struct {
	Event RoomEvent `json:"event"`
}

func (EventMessage) MessageType() string { return "event" }

type AnnouncementMessage struct {
	Text string `json:"text"`
}

func (AnnouncementMessage) MessageType() string { return "announcement" }

// UserMessage is a per-recipient push of that client's own info, sent
// after joins and role changes.
type UserMessage struct {
	Info UserInfo `json:"info"`
}

func (UserMessage) MessageType() string { return "user" }

// UnloadMessage tells clients the room is going away and they must
// reconnect or redirect.
type UnloadMessage struct {
	Reason string `json:"reason"`
}

func (UnloadMessage) MessageType() string { return "unload" }

// wireServerMessage is the envelope shape a server message takes when
// it crosses nodes, identical to the gateway's client-facing framing.
type wireServerMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// EncodeServerMessage serializes a message for the inter-node bus.
func EncodeServerMessage(msg ServerMessage) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s message: %w", msg.MessageType(), err)
	}
	return json.Marshal(wireServerMessage{Type: msg.MessageType(), Data: data})
}

// DecodeServerMessage is the inverse of EncodeServerMessage. Unknown
// types are an error, never silently dropped.
func DecodeServerMessage(data []byte) (ServerMessage, error) {
	var w wireServerMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode message envelope: %w", err)
	}

	decode := func(v ServerMessage) (ServerMessage, error) {
		if err := json.Unmarshal(w.Data, v); err != nil {
			return nil, fmt.Errorf("decode %s message: %w", w.Type, err)
		}
		return v, nil
	}

	switch w.Type {
	case "sync":
		m := &SyncMessage{}
		return decode(m)
	case "chat":
		m := &ChatMessage{}
		return decode(m)
	case "event":
		m := &EventMessage{}
		return decode(m)
	case "announcement":
		m := &AnnouncementMessage{}
		return decode(m)
	case "user":
		m := &UserMessage{}
		return decode(m)
	case "unload":
		m := &UnloadMessage{}
		return decode(m)
	default:
		return nil, fmt.Errorf("unknown message type %q", w.Type)
	}
}
