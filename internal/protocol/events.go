// Package protocol defines the JSON events exchanged between chat clients
// and the gateway. Every message is an object with a "type" discriminator;
// client events that expect an acknowledgement carry an "id" correlation
// field which the server echoes back on the matching "ack" event.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Client -> server event types.
const (
	TypeJoinChannel        = "joinChannel"
	TypeLeaveChannel       = "leaveChannel"
	TypeJoinDM             = "joinDM"
	TypeLeaveDM            = "leaveDM"
	TypeSendChannelMessage = "sendChannelMessage"
	TypeSendDMMessage      = "sendDMMessage"
	TypeEditMessage        = "editMessage"
	TypeDeleteMessage      = "deleteMessage"
	TypeTyping             = "typing"
	TypeGetOnlineUsers     = "getOnlineUsers"
	TypePing               = "ping"
)

// Server -> client event types.
const (
	TypeAck               = "ack"
	TypeNewChannelMessage = "newChannelMessage"
	TypeNewDMMessage      = "newDMMessage"
	TypeMessageEdited     = "messageEdited"
	TypeMessageDeleted    = "messageDeleted"
	TypeUserTyping        = "userTyping"
	TypeUserOnline        = "userOnline"
	TypeUserOffline       = "userOffline"
	TypeError             = "error"
	TypePong              = "pong"
)

// Envelope holds the event type and the raw JSON for deferred decoding into
// a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so the payload can be decoded later by the dispatcher.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> server events
// ---------------------------------------------------------------------------

// JoinChannelMsg subscribes the connection to a channel's room.
type JoinChannelMsg struct {
	Type      string `json:"type"`
	ID        int64  `json:"id,omitempty"`
	ChannelID int64  `json:"channelId"`
}

// LeaveChannelMsg unsubscribes the connection from a channel's room.
type LeaveChannelMsg struct {
	Type      string `json:"type"`
	ID        int64  `json:"id,omitempty"`
	ChannelID int64  `json:"channelId"`
}

// JoinDMMsg subscribes the connection to a direct-message room.
type JoinDMMsg struct {
	Type string `json:"type"`
	ID   int64  `json:"id,omitempty"`
	DMID int64  `json:"dmId"`
}

// LeaveDMMsg unsubscribes the connection from a direct-message room.
type LeaveDMMsg struct {
	Type string `json:"type"`
	ID   int64  `json:"id,omitempty"`
	DMID int64  `json:"dmId"`
}

// SendChannelMessageMsg persists and broadcasts a channel message.
type SendChannelMessageMsg struct {
	Type      string `json:"type"`
	ID        int64  `json:"id,omitempty"`
	ChannelID int64  `json:"channelId"`
	Content   string `json:"content"`
	ReplyToID *int64 `json:"replyToId,omitempty"`
}

// SendDMMessageMsg persists and broadcasts a direct message.
type SendDMMessageMsg struct {
	Type      string `json:"type"`
	ID        int64  `json:"id,omitempty"`
	DMID      int64  `json:"dmId"`
	Content   string `json:"content"`
	ReplyToID *int64 `json:"replyToId,omitempty"`
}

// EditMessageMsg rewrites an existing message's content. RoomType
// disambiguates which message table the id refers to.
type EditMessageMsg struct {
	Type      string `json:"type"`
	ID        int64  `json:"id,omitempty"`
	RoomType  string `json:"roomType"`
	MessageID int64  `json:"messageId"`
	Content   string `json:"content"`
}

// DeleteMessageMsg removes an existing message.
type DeleteMessageMsg struct {
	Type      string `json:"type"`
	ID        int64  `json:"id,omitempty"`
	RoomType  string `json:"roomType"`
	MessageID int64  `json:"messageId"`
}

// TypingMsg signals the sender's typing state to a room. Never persisted.
type TypingMsg struct {
	Type     string `json:"type"`
	RoomType string `json:"roomType"`
	RoomID   int64  `json:"roomId"`
	IsTyping bool   `json:"isTyping"`
}

// GetOnlineUsersMsg requests the process-local online user list.
type GetOnlineUsersMsg struct {
	Type string `json:"type"`
	ID   int64  `json:"id,omitempty"`
}

// PingMsg is a client-initiated keepalive.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> client events
// ---------------------------------------------------------------------------

// UserSummary is the denormalized author info embedded in message payloads.
type UserSummary struct {
	ID       int64  `json:"id"`
	Nickname string `json:"nickname"`
}

// ReplySummary describes the message a message replies to.
type ReplySummary struct {
	ID       int64  `json:"id"`
	Content  string `json:"content"`
	UserName string `json:"userName"`
}

// MessagePayload is the canonical message object broadcast to rooms and
// returned in send/edit acknowledgements. Exactly one of ChannelID and DMID
// is set, matching the message's room kind.
type MessagePayload struct {
	MsgID     int64         `json:"id"`
	Content   string        `json:"content"`
	User      UserSummary   `json:"user"`
	ChannelID *int64        `json:"channelId,omitempty"`
	DMID      *int64        `json:"dmId,omitempty"`
	IsEdited  bool          `json:"isEdited"`
	ReplyTo   *ReplySummary `json:"replyTo,omitempty"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// AckMsg is the server's reply to a client event that carried an "id". On
// failure only Error is set; success payloads populate the field matching
// the request (Message for sends/edits, Users for getOnlineUsers, Room for
// joins).
type AckMsg struct {
	Type    string          `json:"type"`
	ID      int64           `json:"id"`
	Success bool            `json:"success"`
	Message *MessagePayload `json:"message,omitempty"`
	Users   []int64         `json:"users,omitempty"`
	Room    string          `json:"room,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// MessageDeletedMsg is broadcast to a room when a message is removed.
type MessageDeletedMsg struct {
	Type      string `json:"type"`
	MessageID int64  `json:"messageId"`
	RoomType  string `json:"roomType"`
	RoomID    int64  `json:"roomId"`
}

// UserTypingMsg relays a typing indicator to the other members of a room.
type UserTypingMsg struct {
	Type     string `json:"type"`
	UserID   int64  `json:"userId"`
	Nickname string `json:"nickname"`
	IsTyping bool   `json:"isTyping"`
}

// UserOnlineMsg announces to all connections that a user came online.
type UserOnlineMsg struct {
	Type     string `json:"type"`
	UserID   int64  `json:"userId"`
	Nickname string `json:"nickname"`
}

// UserOfflineMsg announces to all connections that a user went offline.
type UserOfflineMsg struct {
	Type   string `json:"type"`
	UserID int64  `json:"userId"`
}

// ErrorMsg communicates a per-connection error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg answers a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client event.
// It returns the event type, the decoded struct, and any error. Server-only
// and unknown types are an error.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeJoinChannel:
		var m JoinChannelMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeaveChannel:
		var m LeaveChannelMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeJoinDM:
		var m JoinDMMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeaveDM:
		var m LeaveDMMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendChannelMessage:
		var m SendChannelMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendDMMessage:
		var m SendDMMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeEditMessage:
		var m EditMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeDeleteMessage:
		var m DeleteMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeGetOnlineUsers:
		var m GetOnlineUsersMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates the JSON bytes for a server event. The msgType is
// injected into the payload under the "type" key so callers can leave the
// struct's Type field zero.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
