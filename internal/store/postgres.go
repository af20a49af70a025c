package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"github.com/concord/chat-gateway/internal/room"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB is the PostgreSQL store.
type DB struct {
	db *sql.DB
}

// Open connects to PostgreSQL using the given DSN and verifies the
// connection with a ping.
func Open(dsn string) (*DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: postgres connection failed: %w", err)
	}

	return &DB{db: db}, nil
}

// Migrate applies the embedded schema migrations. Running against an
// up-to-date database is a no-op.
func (s *DB) Migrate() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: migration source: %w", err)
	}

	driver, err := postgres.WithInstance(s.db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("store: migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("store: migrate init: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("store: migrate up: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *DB) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// Users and presence persistence
// ---------------------------------------------------------------------------

// User returns the account with the given id. Soft-deleted accounts return
// ErrNotFound, so a deleted user can never pass the handshake.
func (s *DB) User(ctx context.Context, id int64) (*User, error) {
	const query = `
		SELECT id, email, nickname, is_online, last_seen_at
		FROM users
		WHERE id = $1 AND deleted_at IS NULL`

	var u User
	var lastSeen sql.NullTime
	err := s.db.QueryRowContext(ctx, query, id).Scan(&u.ID, &u.Email, &u.Nickname, &u.IsOnline, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get user: %w", err)
	}
	if lastSeen.Valid {
		u.LastSeenAt = &lastSeen.Time
	}
	return &u, nil
}

// SetOnline records a presence transition on the user row. The last-seen
// timestamp is only written on the offline transition.
func (s *DB) SetOnline(ctx context.Context, userID int64, online bool, lastSeen time.Time) error {
	var err error
	if online {
		_, err = s.db.ExecContext(ctx,
			`UPDATE users SET is_online = TRUE, updated_at = NOW() WHERE id = $1`, userID)
	} else {
		_, err = s.db.ExecContext(ctx,
			`UPDATE users SET is_online = FALSE, last_seen_at = $2, updated_at = NOW() WHERE id = $1`,
			userID, lastSeen)
	}
	if err != nil {
		return fmt.Errorf("store: set online: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Membership authorization
// ---------------------------------------------------------------------------

// IsChannelMember reports whether the user is a member of a live channel.
// Membership is re-derived on every call; it is never cached, since it can
// change between calls.
func (s *DB) IsChannelMember(ctx context.Context, channelID, userID int64) (bool, error) {
	const query = `
		SELECT EXISTS (
			SELECT 1
			FROM channel_members cm
			JOIN channels c ON c.id = cm.channel_id
			WHERE cm.channel_id = $1 AND cm.user_id = $2 AND c.deleted_at IS NULL
		)`

	var ok bool
	if err := s.db.QueryRowContext(ctx, query, channelID, userID).Scan(&ok); err != nil {
		return false, fmt.Errorf("store: channel membership: %w", err)
	}
	return ok, nil
}

// IsDMParticipant reports whether the user is one of the two participants of
// the DM conversation.
func (s *DB) IsDMParticipant(ctx context.Context, dmID, userID int64) (bool, error) {
	const query = `
		SELECT EXISTS (
			SELECT 1 FROM dms
			WHERE id = $1 AND (sender_id = $2 OR receiver_id = $2)
		)`

	var ok bool
	if err := s.db.QueryRowContext(ctx, query, dmID, userID).Scan(&ok); err != nil {
		return false, fmt.Errorf("store: dm participation: %w", err)
	}
	return ok, nil
}

// ---------------------------------------------------------------------------
// Message persistence
// ---------------------------------------------------------------------------

// messageTable returns the table name for a room kind. Channel and DM
// messages live in separate tables with identical shapes.
func messageTable(kind room.Kind) string {
	if kind == room.KindDM {
		return "dm_messages"
	}
	return "channel_messages"
}

func roomColumn(kind room.Kind) string {
	if kind == room.KindDM {
		return "dm_id"
	}
	return "channel_id"
}

// CreateChannelMessage inserts a channel message and returns the canonical
// denormalized message.
func (s *DB) CreateChannelMessage(ctx context.Context, channelID, authorID int64, content string, replyToID *int64) (*Message, error) {
	return s.createMessage(ctx, room.KindChannel, channelID, authorID, content, replyToID)
}

// CreateDMMessage inserts a DM message and bumps the conversation's
// updated_at so DM lists sort by recency.
func (s *DB) CreateDMMessage(ctx context.Context, dmID, authorID int64, content string, replyToID *int64) (*Message, error) {
	msg, err := s.createMessage(ctx, room.KindDM, dmID, authorID, content, replyToID)
	if err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE dms SET updated_at = NOW() WHERE id = $1`, dmID); err != nil {
		return nil, fmt.Errorf("store: touch dm: %w", err)
	}
	return msg, nil
}

func (s *DB) createMessage(ctx context.Context, kind room.Kind, roomID, authorID int64, content string, replyToID *int64) (*Message, error) {
	query := fmt.Sprintf(
		`INSERT INTO %s (%s, user_id, content, reply_to_id) VALUES ($1, $2, $3, $4) RETURNING id`,
		messageTable(kind), roomColumn(kind))

	var id int64
	var replyTo sql.NullInt64
	if replyToID != nil {
		replyTo = sql.NullInt64{Int64: *replyToID, Valid: true}
	}
	if err := s.db.QueryRowContext(ctx, query, roomID, authorID, content, replyTo).Scan(&id); err != nil {
		return nil, fmt.Errorf("store: create message: %w", err)
	}

	return s.Message(ctx, kind, id)
}

// Message returns a message by id with its author summary and, if present,
// the reply summary.
func (s *DB) Message(ctx context.Context, kind room.Kind, id int64) (*Message, error) {
	table := messageTable(kind)
	query := fmt.Sprintf(`
		SELECT m.id, m.%[2]s, m.content, m.user_id, u.nickname, m.is_edited, m.created_at, m.updated_at,
		       r.id, r.content, ru.nickname
		FROM %[1]s m
		JOIN users u ON u.id = m.user_id
		LEFT JOIN %[1]s r ON r.id = m.reply_to_id
		LEFT JOIN users ru ON ru.id = r.user_id
		WHERE m.id = $1`, table, roomColumn(kind))

	var m Message
	m.Kind = kind
	var replyID sql.NullInt64
	var replyContent, replyUser sql.NullString
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&m.ID, &m.RoomID, &m.Content, &m.AuthorID, &m.AuthorNickname, &m.IsEdited,
		&m.CreatedAt, &m.UpdatedAt, &replyID, &replyContent, &replyUser,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get message: %w", err)
	}
	if replyID.Valid {
		m.ReplyTo = &ReplyRef{ID: replyID.Int64, Content: replyContent.String, UserName: replyUser.String}
	}
	return &m, nil
}

// UpdateMessage rewrites a message's content and marks it edited. Only the
// author may edit; anyone else gets ErrForbidden. The message's authorship
// is re-checked on every call.
func (s *DB) UpdateMessage(ctx context.Context, kind room.Kind, messageID, authorID int64, content string) (*Message, error) {
	table := messageTable(kind)

	var owner int64
	query := fmt.Sprintf(`SELECT user_id FROM %s WHERE id = $1`, table)
	err := s.db.QueryRowContext(ctx, query, messageID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: update message lookup: %w", err)
	}
	if owner != authorID {
		return nil, ErrForbidden
	}

	query = fmt.Sprintf(
		`UPDATE %s SET content = $1, is_edited = TRUE, updated_at = NOW() WHERE id = $2`, table)
	if _, err := s.db.ExecContext(ctx, query, content, messageID); err != nil {
		return nil, fmt.Errorf("store: update message: %w", err)
	}

	return s.Message(ctx, kind, messageID)
}

// DeleteMessage removes a message and returns the deleted row so callers can
// broadcast the removal to the right room. The author may always delete;
// channel messages may additionally be deleted by the channel owner.
func (s *DB) DeleteMessage(ctx context.Context, kind room.Kind, messageID, userID int64) (*Message, error) {
	var author, channelOwner int64
	var err error

	if kind == room.KindChannel {
		const query = `
			SELECT m.user_id, c.owner_id
			FROM channel_messages m
			JOIN channels c ON c.id = m.channel_id
			WHERE m.id = $1`
		err = s.db.QueryRowContext(ctx, query, messageID).Scan(&author, &channelOwner)
	} else {
		const query = `SELECT user_id, 0 FROM dm_messages WHERE id = $1`
		err = s.db.QueryRowContext(ctx, query, messageID).Scan(&author, &channelOwner)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: delete message lookup: %w", err)
	}

	if userID != author && (kind != room.KindChannel || userID != channelOwner) {
		return nil, ErrForbidden
	}

	msg, err := s.Message(ctx, kind, messageID)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, messageTable(kind))
	if _, err := s.db.ExecContext(ctx, query, messageID); err != nil {
		return nil, fmt.Errorf("store: delete message: %w", err)
	}
	return msg, nil
}

// ---------------------------------------------------------------------------
// Channel creation
// ---------------------------------------------------------------------------

// CreateChannel creates a channel, adds the creator as its owner member, and
// creates the default "general" workspace — all in one transaction. The REST
// surface that normally drives this lives outside the gateway, but the
// transactional discipline belongs to the store.
func (s *DB) CreateChannel(ctx context.Context, ownerID int64, name string) (*Channel, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	var ch Channel
	ch.Name = name
	ch.OwnerID = ownerID
	err = tx.QueryRowContext(ctx,
		`INSERT INTO channels (name, owner_id) VALUES ($1, $2) RETURNING id, created_at`,
		name, ownerID).Scan(&ch.ID, &ch.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("store: create channel: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO channel_members (channel_id, user_id, role) VALUES ($1, $2, 'owner')`,
		ch.ID, ownerID); err != nil {
		return nil, fmt.Errorf("store: add owner member: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO workspaces (channel_id, name) VALUES ($1, 'general')`, ch.ID); err != nil {
		return nil, fmt.Errorf("store: create default workspace: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit: %w", err)
	}
	return &ch, nil
}
