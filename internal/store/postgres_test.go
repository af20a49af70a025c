package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/concord/chat-gateway/internal/room"
)

// newTestDB connects to the Postgres instance named by TEST_POSTGRES_DSN,
// applies migrations, and truncates all chat tables. Tests are skipped when
// no database is available.
func newTestDB(t *testing.T) *DB {
	t.Helper()

	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}

	s, err := Open(dsn)
	if err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	if err := s.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	ctx := context.Background()
	_, err = s.db.ExecContext(ctx,
		`TRUNCATE dm_messages, channel_messages, dms, workspaces, channel_members, channels, users RESTART IDENTITY CASCADE`)
	if err != nil {
		t.Fatalf("truncate: %v", err)
	}

	t.Cleanup(func() { s.Close() })
	return s
}

// createTestUser inserts a user row directly; account creation belongs to
// the account service, not the gateway store.
func createTestUser(t *testing.T, s *DB, nickname string) int64 {
	t.Helper()
	var id int64
	err := s.db.QueryRow(
		`INSERT INTO users (email, nickname, password) VALUES ($1, $2, 'x') RETURNING id`,
		fmt.Sprintf("%s@test.local", nickname), nickname).Scan(&id)
	if err != nil {
		t.Fatalf("insert user: %v", err)
	}
	return id
}

func TestUserLookup(t *testing.T) {
	s := newTestDB(t)
	ctx := context.Background()

	id := createTestUser(t, s, "kim")

	u, err := s.User(ctx, id)
	if err != nil {
		t.Fatalf("User() error: %v", err)
	}
	if u.Nickname != "kim" || u.IsOnline {
		t.Errorf("unexpected user: %+v", u)
	}

	if _, err := s.User(ctx, 99999); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	// Soft-deleted accounts must not resolve.
	if _, err := s.db.Exec(`UPDATE users SET deleted_at = NOW() WHERE id = $1`, id); err != nil {
		t.Fatal(err)
	}
	if _, err := s.User(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for soft-deleted user, got %v", err)
	}
}

func TestSetOnline(t *testing.T) {
	s := newTestDB(t)
	ctx := context.Background()
	id := createTestUser(t, s, "kim")

	if err := s.SetOnline(ctx, id, true, time.Time{}); err != nil {
		t.Fatalf("SetOnline(true): %v", err)
	}
	u, _ := s.User(ctx, id)
	if !u.IsOnline {
		t.Error("expected user online")
	}

	seen := time.Now()
	if err := s.SetOnline(ctx, id, false, seen); err != nil {
		t.Fatalf("SetOnline(false): %v", err)
	}
	u, _ = s.User(ctx, id)
	if u.IsOnline {
		t.Error("expected user offline")
	}
	if u.LastSeenAt == nil || u.LastSeenAt.Sub(seen) > time.Second {
		t.Errorf("expected last_seen_at near %v, got %v", seen, u.LastSeenAt)
	}
}

func TestChannelMembershipAndMessages(t *testing.T) {
	s := newTestDB(t)
	ctx := context.Background()

	owner := createTestUser(t, s, "owner")
	member := createTestUser(t, s, "member")
	outsider := createTestUser(t, s, "outsider")

	ch, err := s.CreateChannel(ctx, owner, "demo")
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	if _, err := s.db.Exec(
		`INSERT INTO channel_members (channel_id, user_id) VALUES ($1, $2)`, ch.ID, member); err != nil {
		t.Fatal(err)
	}

	for _, tt := range []struct {
		userID int64
		want   bool
	}{{owner, true}, {member, true}, {outsider, false}} {
		got, err := s.IsChannelMember(ctx, ch.ID, tt.userID)
		if err != nil {
			t.Fatalf("IsChannelMember: %v", err)
		}
		if got != tt.want {
			t.Errorf("IsChannelMember(%d) = %v, want %v", tt.userID, got, tt.want)
		}
	}

	msg, err := s.CreateChannelMessage(ctx, ch.ID, member, "hello", nil)
	if err != nil {
		t.Fatalf("CreateChannelMessage: %v", err)
	}
	if msg.Kind != room.KindChannel || msg.RoomID != ch.ID || msg.AuthorNickname != "member" || msg.IsEdited {
		t.Errorf("unexpected message: %+v", msg)
	}

	reply, err := s.CreateChannelMessage(ctx, ch.ID, owner, "hi back", &msg.ID)
	if err != nil {
		t.Fatalf("CreateChannelMessage(reply): %v", err)
	}
	if reply.ReplyTo == nil || reply.ReplyTo.ID != msg.ID || reply.ReplyTo.UserName != "member" {
		t.Errorf("unexpected reply summary: %+v", reply.ReplyTo)
	}
}

func TestUpdateMessageAuthorOnly(t *testing.T) {
	s := newTestDB(t)
	ctx := context.Background()

	owner := createTestUser(t, s, "owner")
	other := createTestUser(t, s, "other")
	ch, _ := s.CreateChannel(ctx, owner, "demo")

	msg, err := s.CreateChannelMessage(ctx, ch.ID, owner, "draft", nil)
	if err != nil {
		t.Fatal(err)
	}

	edited, err := s.UpdateMessage(ctx, room.KindChannel, msg.ID, owner, "final")
	if err != nil {
		t.Fatalf("UpdateMessage: %v", err)
	}
	if edited.Content != "final" || !edited.IsEdited {
		t.Errorf("unexpected edited message: %+v", edited)
	}

	if _, err := s.UpdateMessage(ctx, room.KindChannel, msg.ID, other, "hijack"); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}
	if _, err := s.UpdateMessage(ctx, room.KindChannel, 99999, owner, "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteMessageAuthorization(t *testing.T) {
	s := newTestDB(t)
	ctx := context.Background()

	owner := createTestUser(t, s, "owner")
	member := createTestUser(t, s, "member")
	other := createTestUser(t, s, "other")
	ch, _ := s.CreateChannel(ctx, owner, "demo")
	if _, err := s.db.Exec(
		`INSERT INTO channel_members (channel_id, user_id) VALUES ($1, $2)`, ch.ID, member); err != nil {
		t.Fatal(err)
	}

	msg, _ := s.CreateChannelMessage(ctx, ch.ID, member, "to delete", nil)

	if _, err := s.DeleteMessage(ctx, room.KindChannel, msg.ID, other); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden for non-author, got %v", err)
	}

	// Channel owner may delete another member's message.
	deleted, err := s.DeleteMessage(ctx, room.KindChannel, msg.ID, owner)
	if err != nil {
		t.Fatalf("DeleteMessage as channel owner: %v", err)
	}
	if deleted.ID != msg.ID {
		t.Errorf("expected deleted message %d, got %d", msg.ID, deleted.ID)
	}
	if _, err := s.Message(ctx, room.KindChannel, msg.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected message gone, got %v", err)
	}
}

func TestDMFlow(t *testing.T) {
	s := newTestDB(t)
	ctx := context.Background()

	a := createTestUser(t, s, "a")
	b := createTestUser(t, s, "b")
	c := createTestUser(t, s, "c")

	var dmID int64
	if err := s.db.QueryRow(
		`INSERT INTO dms (sender_id, receiver_id) VALUES ($1, $2) RETURNING id`, a, b).Scan(&dmID); err != nil {
		t.Fatal(err)
	}

	for _, tt := range []struct {
		userID int64
		want   bool
	}{{a, true}, {b, true}, {c, false}} {
		got, err := s.IsDMParticipant(ctx, dmID, tt.userID)
		if err != nil {
			t.Fatal(err)
		}
		if got != tt.want {
			t.Errorf("IsDMParticipant(%d) = %v, want %v", tt.userID, got, tt.want)
		}
	}

	var before time.Time
	if err := s.db.QueryRow(`SELECT updated_at FROM dms WHERE id = $1`, dmID).Scan(&before); err != nil {
		t.Fatal(err)
	}

	msg, err := s.CreateDMMessage(ctx, dmID, a, "hey", nil)
	if err != nil {
		t.Fatalf("CreateDMMessage: %v", err)
	}
	if msg.Kind != room.KindDM || msg.RoomID != dmID {
		t.Errorf("unexpected dm message: %+v", msg)
	}

	// Sending a DM bumps the conversation's updated_at.
	var after time.Time
	if err := s.db.QueryRow(`SELECT updated_at FROM dms WHERE id = $1`, dmID).Scan(&after); err != nil {
		t.Fatal(err)
	}
	if !after.After(before) {
		t.Errorf("expected updated_at to advance: before=%v after=%v", before, after)
	}

	// DM messages have no channel-owner override: only the author deletes.
	if _, err := s.DeleteMessage(ctx, room.KindDM, msg.ID, b); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}
	if _, err := s.DeleteMessage(ctx, room.KindDM, msg.ID, a); err != nil {
		t.Errorf("author delete failed: %v", err)
	}
}
