// Package store provides PostgreSQL-backed persistence for the chat core:
// user records with their presence columns, channel and DM membership
// lookups, and message CRUD. It is the single source of truth the gateway
// broadcasts from — nothing is broadcast unless it persisted first.
package store

import (
	"errors"
	"time"

	"github.com/concord/chat-gateway/internal/room"
)

var (
	// ErrNotFound is returned when the referenced row does not exist
	// (or is soft-deleted).
	ErrNotFound = errors.New("store: not found")

	// ErrForbidden is returned when the caller is not allowed to mutate the
	// referenced row. Callers are expected to collapse this and ErrNotFound
	// into one generic rejection on the wire.
	ErrForbidden = errors.New("store: forbidden")
)

// User is an account row. Soft-deleted accounts are never returned.
type User struct {
	ID         int64
	Email      string
	Nickname   string
	IsOnline   bool
	LastSeenAt *time.Time
}

// ReplyRef is the denormalized summary of a message's reply target.
type ReplyRef struct {
	ID       int64
	Content  string
	UserName string
}

// Message is the canonical persisted message, denormalized with the author
// info needed for immediate display. Kind and RoomID identify the room the
// message belongs to; a message's room never changes after creation.
type Message struct {
	ID             int64
	Kind           room.Kind
	RoomID         int64
	Content        string
	AuthorID       int64
	AuthorNickname string
	IsEdited       bool
	ReplyTo        *ReplyRef
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Channel is a channel row, returned by CreateChannel.
type Channel struct {
	ID        int64
	Name      string
	OwnerID   int64
	CreatedAt time.Time
}
