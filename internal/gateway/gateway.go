// Package gateway implements the realtime chat core: the connect and
// disconnect lifecycle, presence announcements, room membership, message
// persistence with room broadcast, and typing relays. It is deliberately
// transport-free — the WebSocket server calls in through exported methods
// and deliveries go out through the Sender interface — so the whole flow is
// testable without sockets.
package gateway

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/concord/chat-gateway/internal/ban"
	"github.com/concord/chat-gateway/internal/messaging"
	"github.com/concord/chat-gateway/internal/metrics"
	"github.com/concord/chat-gateway/internal/moderation"
	"github.com/concord/chat-gateway/internal/presence"
	"github.com/concord/chat-gateway/internal/protocol"
	"github.com/concord/chat-gateway/internal/ratelimit"
	"github.com/concord/chat-gateway/internal/room"
	"github.com/concord/chat-gateway/internal/store"
)

// Store is the persistence surface the gateway needs. *store.DB implements it.
type Store interface {
	SetOnline(ctx context.Context, userID int64, online bool, lastSeen time.Time) error
	IsChannelMember(ctx context.Context, channelID, userID int64) (bool, error)
	IsDMParticipant(ctx context.Context, dmID, userID int64) (bool, error)
	CreateChannelMessage(ctx context.Context, channelID, authorID int64, content string, replyToID *int64) (*store.Message, error)
	CreateDMMessage(ctx context.Context, dmID, authorID int64, content string, replyToID *int64) (*store.Message, error)
	UpdateMessage(ctx context.Context, kind room.Kind, messageID, authorID int64, content string) (*store.Message, error)
	DeleteMessage(ctx context.Context, kind room.Kind, messageID, userID int64) (*store.Message, error)
}

// Sender delivers frames to connections and force-closes them. *ws.Server
// implements it.
type Sender interface {
	Send(connID string, data []byte) error
	CloseConnection(connID string)
}

// client is the per-connection identity cached at connect time so broadcasts
// don't need store lookups.
type client struct {
	userID   int64
	nickname string
}

// Gateway owns the realtime session state of one server instance.
type Gateway struct {
	store     Store
	sender    Sender
	presence  *presence.Registry
	rooms     *room.Registry
	limiter   *ratelimit.Limiter   // nil disables throttling
	backplane *messaging.Backplane // nil disables cross-instance fanout
	filter    *moderation.Filter   // nil disables content screening
	bans      *ban.Store           // nil disables suspensions

	mu      sync.RWMutex
	clients map[string]client // connID -> identity
}

// New creates a Gateway. limiter and backplane may be nil.
func New(st Store, sender Sender, limiter *ratelimit.Limiter, backplane *messaging.Backplane) *Gateway {
	return &Gateway{
		store:     st,
		sender:    sender,
		presence:  presence.NewRegistry(),
		rooms:     room.NewRegistry(),
		limiter:   limiter,
		backplane: backplane,
		clients:   make(map[string]client),
	}
}

// SetModeration installs a content filter. Messages the filter blocks are
// rejected before persistence and count as offenses.
func (g *Gateway) SetModeration(filter *moderation.Filter) {
	g.filter = filter
}

// SetBanStore installs the suspension store that offense recording feeds.
// Handshake-time enforcement lives in the authenticator, not here.
func (g *Gateway) SetBanStore(bans *ban.Store) {
	g.bans = bans
}

// Start wires the backplane presence subscription. Room subscriptions are
// created lazily as local clients join rooms.
func (g *Gateway) Start() error {
	return g.backplane.SubscribePresence(func(event string, data []byte) {
		g.broadcastAll(data, "")
	})
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// HandleConnect runs the post-handshake connect flow: it registers the
// session in the presence registry, evicts a previous session of the same
// user if one exists, marks the user online in the store, and announces the
// arrival to every connected client. Starting a second session replaces the
// first; the user never appears to go offline during the switch.
func (g *Gateway) HandleConnect(ctx context.Context, connID string, userID int64, nickname string) {
	g.mu.Lock()
	g.clients[connID] = client{userID: userID, nickname: nickname}
	g.mu.Unlock()

	prev := g.presence.Register(userID, connID)
	if prev != "" {
		log.Printf("gateway: user=%d reconnected, closing stale conn=%s", userID, prev)
		g.sender.CloseConnection(prev)
	}

	metrics.OnlineUsers.Set(float64(g.presence.Count()))

	if err := g.store.SetOnline(ctx, userID, true, time.Now()); err != nil {
		log.Printf("gateway: set online user=%d: %v", userID, err)
	}

	// Announce only the offline -> online transition. A replaced session
	// means the user was online the whole time.
	if prev == "" {
		data, err := protocol.NewServerMessage(protocol.TypeUserOnline, protocol.UserOnlineMsg{
			UserID:   userID,
			Nickname: nickname,
		})
		if err != nil {
			log.Printf("gateway: marshal userOnline: %v", err)
			return
		}
		g.broadcastAll(data, "")
		g.backplane.PublishPresence(protocol.TypeUserOnline, data)
	}
}

// HandleDisconnect runs the teardown flow for a closed connection. Room
// membership is always dropped, but the offline side effects (store update,
// userOffline broadcast) run only when this connection still owns the user's
// presence entry. A stale session evicted during reconnect therefore cannot
// knock the live session offline.
func (g *Gateway) HandleDisconnect(ctx context.Context, connID string) {
	g.mu.Lock()
	cl, known := g.clients[connID]
	delete(g.clients, connID)
	g.mu.Unlock()

	if !known {
		return
	}

	for _, key := range g.rooms.LeaveAll(connID) {
		g.dropRoomSubscription(key)
	}

	if !g.presence.Unregister(cl.userID, connID) {
		return
	}

	metrics.OnlineUsers.Set(float64(g.presence.Count()))

	if err := g.store.SetOnline(ctx, cl.userID, false, time.Now()); err != nil {
		log.Printf("gateway: set offline user=%d: %v", cl.userID, err)
	}

	data, err := protocol.NewServerMessage(protocol.TypeUserOffline, protocol.UserOfflineMsg{
		UserID: cl.userID,
	})
	if err != nil {
		log.Printf("gateway: marshal userOffline: %v", err)
		return
	}
	g.broadcastAll(data, connID)
	g.backplane.PublishPresence(protocol.TypeUserOffline, data)
}

// ---------------------------------------------------------------------------
// Rooms
// ---------------------------------------------------------------------------

// JoinChannel subscribes the connection to a channel room. No membership
// check happens here; authorization is deferred to send time, so a join only
// controls what the connection receives. Joining twice is a no-op.
func (g *Gateway) JoinChannel(ctx context.Context, connID string, msg protocol.JoinChannelMsg) protocol.AckMsg {
	return g.joinRoom(ctx, connID, room.KindChannel, msg.ChannelID, msg.ID)
}

// LeaveChannel unsubscribes the connection from a channel room.
func (g *Gateway) LeaveChannel(ctx context.Context, connID string, msg protocol.LeaveChannelMsg) protocol.AckMsg {
	return g.leaveRoom(connID, room.KindChannel, msg.ChannelID, msg.ID)
}

// JoinDM subscribes the connection to a DM room. Like JoinChannel it does
// not authorize; participation is checked when a message is sent.
func (g *Gateway) JoinDM(ctx context.Context, connID string, msg protocol.JoinDMMsg) protocol.AckMsg {
	return g.joinRoom(ctx, connID, room.KindDM, msg.DMID, msg.ID)
}

// LeaveDM unsubscribes the connection from a DM room.
func (g *Gateway) LeaveDM(ctx context.Context, connID string, msg protocol.LeaveDMMsg) protocol.AckMsg {
	return g.leaveRoom(connID, room.KindDM, msg.DMID, msg.ID)
}

func (g *Gateway) joinRoom(ctx context.Context, connID string, kind room.Kind, roomID, reqID int64) protocol.AckMsg {
	if _, ok := g.client(connID); !ok {
		return failAck(reqID, "unknown connection")
	}

	key := room.Key(kind, roomID)
	if g.rooms.Join(connID, key) {
		metrics.RoomJoins.WithLabelValues(string(kind)).Inc()
	}

	if err := g.backplane.SubscribeRoom(kind, roomID, func(event string, data []byte) {
		g.broadcastRoom(key, data, "")
	}); err != nil {
		log.Printf("gateway: backplane subscribe %s: %v", key, err)
	}

	return protocol.AckMsg{Type: protocol.TypeAck, ID: reqID, Success: true, Room: key}
}

func (g *Gateway) leaveRoom(connID string, kind room.Kind, roomID, reqID int64) protocol.AckMsg {
	key := room.Key(kind, roomID)
	g.rooms.Leave(connID, key)
	g.dropRoomSubscription(key)
	return protocol.AckMsg{Type: protocol.TypeAck, ID: reqID, Success: true, Room: key}
}

// dropRoomSubscription removes the backplane subscription for a room that no
// local connection is in anymore.
func (g *Gateway) dropRoomSubscription(key string) {
	if g.backplane == nil {
		return
	}
	if len(g.rooms.Members(key)) > 0 {
		return
	}
	if kind, roomID, ok := room.ParseKey(key); ok {
		g.backplane.UnsubscribeRoom(kind, roomID)
	}
}

// authorize checks room membership in the store.
func (g *Gateway) authorize(ctx context.Context, kind room.Kind, roomID, userID int64) (bool, error) {
	if kind == room.KindChannel {
		return g.store.IsChannelMember(ctx, roomID, userID)
	}
	return g.store.IsDMParticipant(ctx, roomID, userID)
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

// SendChannelMessage validates, authorizes, persists, and broadcasts a
// channel message, in that order. Nothing reaches other clients unless the
// row was written first.
func (g *Gateway) SendChannelMessage(ctx context.Context, connID string, msg protocol.SendChannelMessageMsg) protocol.AckMsg {
	return g.sendMessage(ctx, connID, room.KindChannel, msg.ChannelID, msg.Content, msg.ReplyToID, msg.ID)
}

// SendDMMessage validates, authorizes, persists, and broadcasts a direct
// message.
func (g *Gateway) SendDMMessage(ctx context.Context, connID string, msg protocol.SendDMMessageMsg) protocol.AckMsg {
	return g.sendMessage(ctx, connID, room.KindDM, msg.DMID, msg.Content, msg.ReplyToID, msg.ID)
}

func (g *Gateway) sendMessage(ctx context.Context, connID string, kind room.Kind, roomID int64, content string, replyToID *int64, reqID int64) protocol.AckMsg {
	start := time.Now()

	cl, ok := g.client(connID)
	if !ok {
		return failAck(reqID, "unknown connection")
	}

	if err := protocol.ValidateContent(content); err != nil {
		metrics.MessagesTotal.WithLabelValues(string(kind), "rejected").Inc()
		return failAck(reqID, err.Error())
	}

	if !g.limiter.AllowUser(ctx, cl.userID, ratelimit.RuleMessage) {
		metrics.MessagesTotal.WithLabelValues(string(kind), "rate_limited").Inc()
		g.recordOffense(ctx, cl.userID, "rate_limit")
		return failAck(reqID, "rate limited, slow down")
	}

	if result := g.filter.Check(content); result.Blocked {
		log.Printf("gateway: blocked message user=%d reason=%s term=%s", cl.userID, result.Reason, result.Term)
		metrics.MessagesTotal.WithLabelValues(string(kind), "rejected").Inc()
		g.recordOffense(ctx, cl.userID, result.Reason)
		return failAck(reqID, "message blocked")
	}

	allowed, err := g.authorize(ctx, kind, roomID, cl.userID)
	if err != nil {
		log.Printf("gateway: authorize %s %d user=%d: %v", kind, roomID, cl.userID, err)
		return failAck(reqID, "internal error")
	}
	if !allowed {
		metrics.MessagesTotal.WithLabelValues(string(kind), "rejected").Inc()
		return failAck(reqID, "not a member")
	}

	var m *store.Message
	if kind == room.KindChannel {
		m, err = g.store.CreateChannelMessage(ctx, roomID, cl.userID, content, replyToID)
	} else {
		m, err = g.store.CreateDMMessage(ctx, roomID, cl.userID, content, replyToID)
	}
	if err != nil {
		log.Printf("gateway: persist %s message user=%d: %v", kind, cl.userID, err)
		metrics.MessagesTotal.WithLabelValues(string(kind), "rejected").Inc()
		return failAck(reqID, "failed to save message")
	}

	event := protocol.TypeNewChannelMessage
	if kind == room.KindDM {
		event = protocol.TypeNewDMMessage
	}

	payload := messagePayload(m)
	data, err := protocol.NewServerMessage(event, payload)
	if err != nil {
		log.Printf("gateway: marshal %s: %v", event, err)
		return failAck(reqID, "internal error")
	}

	// The broadcast reaches every member of the room, the sender included;
	// the ack is the correlation channel, not the delivery channel.
	key := room.Key(kind, roomID)
	g.broadcastRoom(key, data, "")
	g.backplane.PublishRoom(kind, roomID, event, data)

	metrics.MessagesTotal.WithLabelValues(string(kind), "delivered").Inc()
	metrics.MessageLatency.Observe(time.Since(start).Seconds())

	return protocol.AckMsg{Type: protocol.TypeAck, ID: reqID, Success: true, Message: &payload}
}

// EditMessage rewrites a message's content. Only the author may edit; the
// store enforces that and the updated message is re-broadcast to the room.
// Authorization failures and missing rows get the same generic rejection so
// a caller cannot discover which message IDs exist.
func (g *Gateway) EditMessage(ctx context.Context, connID string, msg protocol.EditMessageMsg) protocol.AckMsg {
	cl, ok := g.client(connID)
	if !ok {
		return failAck(msg.ID, "unknown connection")
	}

	kind, ok := room.ParseKind(msg.RoomType)
	if !ok {
		return failAck(msg.ID, "invalid room type")
	}

	if err := protocol.ValidateContent(msg.Content); err != nil {
		return failAck(msg.ID, err.Error())
	}

	m, err := g.store.UpdateMessage(ctx, kind, msg.MessageID, cl.userID, msg.Content)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrForbidden) {
			return failAck(msg.ID, "cannot edit message")
		}
		log.Printf("gateway: edit message %d user=%d: %v", msg.MessageID, cl.userID, err)
		return failAck(msg.ID, "internal error")
	}

	payload := messagePayload(m)
	data, err := protocol.NewServerMessage(protocol.TypeMessageEdited, payload)
	if err != nil {
		log.Printf("gateway: marshal messageEdited: %v", err)
		return failAck(msg.ID, "internal error")
	}

	key := room.Key(kind, m.RoomID)
	g.broadcastRoom(key, data, "")
	g.backplane.PublishRoom(kind, m.RoomID, protocol.TypeMessageEdited, data)

	return protocol.AckMsg{Type: protocol.TypeAck, ID: msg.ID, Success: true, Message: &payload}
}

// DeleteMessage removes a message. The author may always delete their own;
// in channels the channel owner may also delete. The room is notified with
// the message ID only.
func (g *Gateway) DeleteMessage(ctx context.Context, connID string, msg protocol.DeleteMessageMsg) protocol.AckMsg {
	cl, ok := g.client(connID)
	if !ok {
		return failAck(msg.ID, "unknown connection")
	}

	kind, ok := room.ParseKind(msg.RoomType)
	if !ok {
		return failAck(msg.ID, "invalid room type")
	}

	m, err := g.store.DeleteMessage(ctx, kind, msg.MessageID, cl.userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrForbidden) {
			return failAck(msg.ID, "cannot delete message")
		}
		log.Printf("gateway: delete message %d user=%d: %v", msg.MessageID, cl.userID, err)
		return failAck(msg.ID, "internal error")
	}

	data, err := protocol.NewServerMessage(protocol.TypeMessageDeleted, protocol.MessageDeletedMsg{
		MessageID: m.ID,
		RoomType:  string(kind),
		RoomID:    m.RoomID,
	})
	if err != nil {
		log.Printf("gateway: marshal messageDeleted: %v", err)
		return failAck(msg.ID, "internal error")
	}

	key := room.Key(kind, m.RoomID)
	g.broadcastRoom(key, data, "")
	g.backplane.PublishRoom(kind, m.RoomID, protocol.TypeMessageDeleted, data)

	return protocol.AckMsg{Type: protocol.TypeAck, ID: msg.ID, Success: true}
}

// ---------------------------------------------------------------------------
// Typing and presence queries
// ---------------------------------------------------------------------------

// Typing relays a typing indicator to the other members of a room. It is
// fire-and-forget: nothing is persisted, no ack is sent, and indicators from
// connections that never joined the room are dropped.
func (g *Gateway) Typing(ctx context.Context, connID string, msg protocol.TypingMsg) {
	cl, ok := g.client(connID)
	if !ok {
		return
	}

	kind, ok := room.ParseKind(msg.RoomType)
	if !ok {
		return
	}

	key := room.Key(kind, msg.RoomID)
	if !g.rooms.InRoom(connID, key) {
		return
	}

	if !g.limiter.AllowUser(ctx, cl.userID, ratelimit.RuleTyping) {
		return
	}

	data, err := protocol.NewServerMessage(protocol.TypeUserTyping, protocol.UserTypingMsg{
		UserID:   cl.userID,
		Nickname: cl.nickname,
		IsTyping: msg.IsTyping,
	})
	if err != nil {
		log.Printf("gateway: marshal userTyping: %v", err)
		return
	}

	metrics.TypingEvents.Inc()
	g.broadcastRoom(key, data, connID)
	g.backplane.PublishRoom(kind, msg.RoomID, protocol.TypeUserTyping, data)
}

// OnlineUsers returns the IDs of users currently online on this instance.
func (g *Gateway) OnlineUsers(connID string, msg protocol.GetOnlineUsersMsg) protocol.AckMsg {
	return protocol.AckMsg{
		Type:    protocol.TypeAck,
		ID:      msg.ID,
		Success: true,
		Users:   g.presence.ListOnline(),
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// recordOffense feeds the escalating suspension counter. The suspension, if
// one results, bites at the user's next handshake.
func (g *Gateway) recordOffense(ctx context.Context, userID int64, reason string) {
	banned, duration, err := g.bans.RecordOffense(ctx, userID, reason)
	if err != nil {
		log.Printf("gateway: record offense user=%d: %v", userID, err)
		return
	}
	if banned {
		log.Printf("gateway: user=%d suspended for %s (reason=%s)", userID, duration, reason)
	}
}

func (g *Gateway) client(connID string) (client, bool) {
	g.mu.RLock()
	cl, ok := g.clients[connID]
	g.mu.RUnlock()
	return cl, ok
}

// broadcastAll sends data to every connected client except exclude. Send
// failures are logged and skipped; a dying connection is the heartbeat's
// problem, not the broadcaster's.
func (g *Gateway) broadcastAll(data []byte, exclude string) {
	g.mu.RLock()
	ids := make([]string, 0, len(g.clients))
	for id := range g.clients {
		if id != exclude {
			ids = append(ids, id)
		}
	}
	g.mu.RUnlock()

	for _, id := range ids {
		if err := g.sender.Send(id, data); err != nil {
			log.Printf("gateway: broadcast to conn=%s: %v", id, err)
		}
	}
}

// broadcastRoom sends data to every member of a room except exclude.
func (g *Gateway) broadcastRoom(key string, data []byte, exclude string) {
	for _, id := range g.rooms.Members(key) {
		if id == exclude {
			continue
		}
		if err := g.sender.Send(id, data); err != nil {
			log.Printf("gateway: broadcast to room=%s conn=%s: %v", key, id, err)
		}
	}
}

// messagePayload converts a persisted message into its wire form.
func messagePayload(m *store.Message) protocol.MessagePayload {
	p := protocol.MessagePayload{
		MsgID:   m.ID,
		Content: m.Content,
		User: protocol.UserSummary{
			ID:       m.AuthorID,
			Nickname: m.AuthorNickname,
		},
		IsEdited:  m.IsEdited,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}

	roomID := m.RoomID
	if m.Kind == room.KindChannel {
		p.ChannelID = &roomID
	} else {
		p.DMID = &roomID
	}

	if m.ReplyTo != nil {
		p.ReplyTo = &protocol.ReplySummary{
			ID:       m.ReplyTo.ID,
			Content:  m.ReplyTo.Content,
			UserName: m.ReplyTo.UserName,
		}
	}
	return p
}

// failAck builds a failed acknowledgement.
func failAck(reqID int64, msg string) protocol.AckMsg {
	return protocol.AckMsg{Type: protocol.TypeAck, ID: reqID, Success: false, Error: msg}
}
