package domain

import (
	"encoding/json"
	"fmt"
)

// RoomRequest is the closed set of mutation intents a room accepts.
// The marker method keeps the union sealed so the room's dispatch
// switch stays exhaustive at compile time.
type RoomRequest interface {
	isRoomRequest()
	// Kind is the stable wire/metrics name of the request type.
	Kind() string
	// Actor is the requesting client, empty for engine-internal requests.
	Actor() ClientID
}

// RequestBase carries the fields every request variant shares. The
// auth token never crosses the wire; forwarding resolves it to a
// ClientID first.
type RequestBase struct {
	Client ClientID `json:"client,omitempty"`
	Token  string   `json:"-"`
}

func (b RequestBase) isRoomRequest()  {}
func (b RequestBase) Actor() ClientID { return b.Client }

type JoinRequest struct {
	RequestBase
	// Info is the full client record; Join is the one request that
	// introduces a client rather than referencing one.
	Info *Client `json:"info"`
}

func (JoinRequest) Kind() string { return "join" }

type LeaveRequest struct {
	RequestBase
}

func (LeaveRequest) Kind() string { return "leave" }

type PlaybackRequest struct {
	RequestBase
	Playing bool `json:"playing"`
}

func (PlaybackRequest) Kind() string { return "playback" }

type SkipRequest struct {
	RequestBase
}

func (SkipRequest) Kind() string { return "skip" }

type SeekRequest struct {
	RequestBase
	Position float64 `json:"position"`
}

func (SeekRequest) Kind() string { return "seek" }

type AddRequest struct {
	RequestBase
	// Exactly one of Video, Videos or URL is set. URL entries go
	// through the metadata collaborator before they reach the queue.
	Video  *Video  `json:"video,omitempty"`
	Videos []Video `json:"videos,omitempty"`
	URL    string  `json:"url,omitempty"`
}

func (AddRequest) Kind() string { return "queue.add" }

type RemoveRequest struct {
	RequestBase
	Video VideoID `json:"video"`
}

func (RemoveRequest) Kind() string { return "queue.remove" }

type OrderRequest struct {
	RequestBase
	From int `json:"from"`
	To   int `json:"to"`
}

func (OrderRequest) Kind() string { return "queue.order" }

type VoteRequest struct {
	RequestBase
	Video VideoID `json:"video"`
	Add   bool    `json:"add"`
}

func (VoteRequest) Kind() string { return "queue.vote" }

type PromoteRequest struct {
	RequestBase
	Target ClientID `json:"target"`
	Role   Role     `json:"role"`
}

func (PromoteRequest) Kind() string { return "promote" }

type UpdateUserRequest struct {
	RequestBase
	// PlayerStatus, when set, updates the client's reported player
	// state alongside the account-info refresh.
	PlayerStatus PlayerStatus `json:"player_status,omitempty"`
}

func (UpdateUserRequest) Kind() string { return "update-user" }

type ChatRequest struct {
	RequestBase
	Text string `json:"text"`
}

func (ChatRequest) Kind() string { return "chat" }

type UndoRequest struct {
	RequestBase
	EventID string `json:"event_id"`
}

func (UndoRequest) Kind() string { return "undo" }

type ApplySettingsRequest struct {
	RequestBase
	Settings RoomSettings `json:"settings"`
}

func (ApplySettingsRequest) Kind() string { return "settings.apply" }

// wireRequest is the envelope shape used when a request crosses nodes.
type wireRequest struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// EncodeRequest serializes a request for the inter-node bus.
func EncodeRequest(req RoomRequest) ([]byte, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", req.Kind(), err)
	}
	return json.Marshal(wireRequest{Kind: req.Kind(), Payload: payload})
}

// DecodeRequest is the inverse of EncodeRequest. Unknown kinds are an
// error, never silently dropped.
func DecodeRequest(data []byte) (RoomRequest, error) {
	var w wireRequest
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode request envelope: %w", err)
	}

	var req RoomRequest
	switch w.Kind {
	case "join":
		req = &JoinRequest{}
	case "leave":
		req = &LeaveRequest{}
	case "playback":
		req = &PlaybackRequest{}
	case "skip":
		req = &SkipRequest{}
	case "seek":
		req = &SeekRequest{}
	case "queue.add":
		req = &AddRequest{}
	case "queue.remove":
		req = &RemoveRequest{}
	case "queue.order":
		req = &OrderRequest{}
	case "queue.vote":
		req = &VoteRequest{}
	case "promote":
		req = &PromoteRequest{}
	case "update-user":
		req = &UpdateUserRequest{}
	case "chat":
		req = &ChatRequest{}
	case "undo":
		req = &UndoRequest{}
	case "settings.apply":
		req = &ApplySettingsRequest{}
	default:
		return nil, fmt.Errorf("unknown request kind %q", w.Kind)
	}

	if err := json.Unmarshal(w.Payload, req); err != nil {
		return nil, fmt.Errorf("decode %s request: %w", w.Kind, err)
	}
	return req, nil
}
