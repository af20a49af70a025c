// Package client provides a Go client for the chat gateway. It connects
// using gobwas/ws (the same library the server uses), authenticates with a
// JWT during the handshake, dispatches server events to registered handlers,
// and correlates request acknowledgements so callers get synchronous results
// over the asynchronous wire.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/concord/chat-gateway/internal/protocol"
)

// DefaultAckTimeout bounds how long request helpers wait for the server's
// acknowledgement.
const DefaultAckTimeout = 10 * time.Second

// Client is a single authenticated connection to the gateway.
type Client struct {
	conn      net.Conn
	writeMu   sync.Mutex
	handlerMu sync.RWMutex
	handlers  map[string]func(json.RawMessage)

	nextID  int64
	ackMu   sync.Mutex
	pending map[int64]chan protocol.AckMsg

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the gateway at rawURL (ws://host:port/ws) and
// authenticates with the given JWT. The token travels as a query parameter,
// matching what browser clients do. A background goroutine starts reading
// server events immediately.
func Dial(ctx context.Context, rawURL, token string) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("client: parse url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	conn, _, _, err := ws.Dial(ctx, u.String())
	if err != nil {
		return nil, fmt.Errorf("client: dial: %w", err)
	}

	c := &Client{
		conn:     conn,
		handlers: make(map[string]func(json.RawMessage)),
		pending:  make(map[int64]chan protocol.AckMsg),
		done:     make(chan struct{}),
	}

	go c.readLoop()

	return c, nil
}

// On registers a handler for a server event type (e.g. "newChannelMessage").
// The handler receives the full raw JSON of the event. Handlers run on the
// read loop goroutine and must not block. Registering a second handler for
// the same type replaces the first.
func (c *Client) On(event string, handler func(json.RawMessage)) {
	c.handlerMu.Lock()
	c.handlers[event] = handler
	c.handlerMu.Unlock()
}

// Send marshals and writes a client event. It is goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("client: marshal: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// ---------------------------------------------------------------------------
// Acknowledged requests
// ---------------------------------------------------------------------------

// JoinChannel subscribes to a channel room and waits for the ack.
func (c *Client) JoinChannel(ctx context.Context, channelID int64) (protocol.AckMsg, error) {
	id := c.reqID()
	return c.request(ctx, id, protocol.JoinChannelMsg{
		Type: protocol.TypeJoinChannel, ID: id, ChannelID: channelID,
	})
}

// LeaveChannel unsubscribes from a channel room and waits for the ack.
func (c *Client) LeaveChannel(ctx context.Context, channelID int64) (protocol.AckMsg, error) {
	id := c.reqID()
	return c.request(ctx, id, protocol.LeaveChannelMsg{
		Type: protocol.TypeLeaveChannel, ID: id, ChannelID: channelID,
	})
}

// JoinDM subscribes to a direct-message room and waits for the ack.
func (c *Client) JoinDM(ctx context.Context, dmID int64) (protocol.AckMsg, error) {
	id := c.reqID()
	return c.request(ctx, id, protocol.JoinDMMsg{
		Type: protocol.TypeJoinDM, ID: id, DMID: dmID,
	})
}

// LeaveDM unsubscribes from a direct-message room and waits for the ack.
func (c *Client) LeaveDM(ctx context.Context, dmID int64) (protocol.AckMsg, error) {
	id := c.reqID()
	return c.request(ctx, id, protocol.LeaveDMMsg{
		Type: protocol.TypeLeaveDM, ID: id, DMID: dmID,
	})
}

// SendChannelMessage sends a channel message and waits for the ack carrying
// the persisted message.
func (c *Client) SendChannelMessage(ctx context.Context, channelID int64, content string, replyToID *int64) (protocol.AckMsg, error) {
	id := c.reqID()
	return c.request(ctx, id, protocol.SendChannelMessageMsg{
		Type: protocol.TypeSendChannelMessage, ID: id,
		ChannelID: channelID, Content: content, ReplyToID: replyToID,
	})
}

// SendDMMessage sends a direct message and waits for the ack.
func (c *Client) SendDMMessage(ctx context.Context, dmID int64, content string, replyToID *int64) (protocol.AckMsg, error) {
	id := c.reqID()
	return c.request(ctx, id, protocol.SendDMMessageMsg{
		Type: protocol.TypeSendDMMessage, ID: id,
		DMID: dmID, Content: content, ReplyToID: replyToID,
	})
}

// EditMessage rewrites a message's content and waits for the ack.
func (c *Client) EditMessage(ctx context.Context, roomType string, messageID int64, content string) (protocol.AckMsg, error) {
	id := c.reqID()
	return c.request(ctx, id, protocol.EditMessageMsg{
		Type: protocol.TypeEditMessage, ID: id,
		RoomType: roomType, MessageID: messageID, Content: content,
	})
}

// DeleteMessage removes a message and waits for the ack.
func (c *Client) DeleteMessage(ctx context.Context, roomType string, messageID int64) (protocol.AckMsg, error) {
	id := c.reqID()
	return c.request(ctx, id, protocol.DeleteMessageMsg{
		Type: protocol.TypeDeleteMessage, ID: id,
		RoomType: roomType, MessageID: messageID,
	})
}

// OnlineUsers asks for the user IDs currently online.
func (c *Client) OnlineUsers(ctx context.Context) ([]int64, error) {
	id := c.reqID()
	ack, err := c.request(ctx, id, protocol.GetOnlineUsersMsg{
		Type: protocol.TypeGetOnlineUsers, ID: id,
	})
	if err != nil {
		return nil, err
	}
	return ack.Users, nil
}

// Typing signals the typing state to a room. Fire-and-forget: no ack.
func (c *Client) Typing(roomType string, roomID int64, isTyping bool) error {
	return c.Send(protocol.TypingMsg{
		Type: protocol.TypeTyping, RoomType: roomType, RoomID: roomID, IsTyping: isTyping,
	})
}

// Ping sends a client-initiated keepalive. The pong comes back as an event.
func (c *Client) Ping() error {
	return c.Send(protocol.PingMsg{Type: protocol.TypePing})
}

// Close closes the connection and stops the read loop. Outstanding requests
// fail with a closed-connection error. Safe to call multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// reqID allocates the next request correlation id. IDs start at 1; zero
// means no ack is wanted.
func (c *Client) reqID() int64 {
	return atomic.AddInt64(&c.nextID, 1)
}

// request sends msg and blocks until the matching ack arrives, the context
// expires, or the connection closes.
func (c *Client) request(ctx context.Context, id int64, msg interface{}) (protocol.AckMsg, error) {
	ch := make(chan protocol.AckMsg, 1)

	c.ackMu.Lock()
	c.pending[id] = ch
	c.ackMu.Unlock()

	defer func() {
		c.ackMu.Lock()
		delete(c.pending, id)
		c.ackMu.Unlock()
	}()

	if err := c.Send(msg); err != nil {
		return protocol.AckMsg{}, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultAckTimeout)
		defer cancel()
	}

	select {
	case ack := <-ch:
		return ack, nil
	case <-ctx.Done():
		return protocol.AckMsg{}, ctx.Err()
	case <-c.done:
		return protocol.AckMsg{}, fmt.Errorf("client: connection closed")
	}
}

// readLoop reads server events until the connection closes. Acks are routed
// to their waiting request; everything else goes to the registered handler
// for its type, if any.
func (c *Client) readLoop() {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			c.Close()
			return
		}

		var env struct {
			Type string `json:"type"`
			ID   int64  `json:"id"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		if env.Type == protocol.TypeAck && env.ID != 0 {
			var ack protocol.AckMsg
			if err := json.Unmarshal(data, &ack); err != nil {
				continue
			}
			c.ackMu.Lock()
			ch, ok := c.pending[env.ID]
			c.ackMu.Unlock()
			if ok {
				ch <- ack
			}
			continue
		}

		c.handlerMu.RLock()
		handler, ok := c.handlers[env.Type]
		c.handlerMu.RUnlock()
		if ok {
			handler(json.RawMessage(data))
		}
	}
}
