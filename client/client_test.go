package client

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/concord/chat-gateway/internal/protocol"
)

// pipeClient builds a Client over an in-memory pipe so the protocol plumbing
// can be tested without a gateway. The returned conn is the server side.
func pipeClient(t *testing.T) (*Client, net.Conn) {
	t.Helper()

	clientSide, serverSide := net.Pipe()
	c := &Client{
		conn:     clientSide,
		handlers: make(map[string]func(json.RawMessage)),
		pending:  make(map[int64]chan protocol.AckMsg),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	t.Cleanup(func() {
		c.Close()
		serverSide.Close()
	})
	return c, serverSide
}

func TestRequestCorrelatesAck(t *testing.T) {
	c, server := pipeClient(t)

	// Server side: read the request, echo an ack with the same id.
	go func() {
		data, err := wsutil.ReadClientText(server)
		if err != nil {
			return
		}
		var req protocol.JoinChannelMsg
		if json.Unmarshal(data, &req) != nil {
			return
		}
		ack, _ := protocol.NewServerMessage(protocol.TypeAck, protocol.AckMsg{
			ID: req.ID, Success: true, Room: "channel:42",
		})
		_ = wsutil.WriteServerMessage(server, ws.OpText, ack)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ack, err := c.JoinChannel(ctx, 42)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if !ack.Success || ack.Room != "channel:42" {
		t.Fatalf("unexpected ack: %+v", ack)
	}
}

func TestHandlerDispatch(t *testing.T) {
	c, server := pipeClient(t)

	got := make(chan protocol.UserOnlineMsg, 1)
	c.On(protocol.TypeUserOnline, func(raw json.RawMessage) {
		var msg protocol.UserOnlineMsg
		if json.Unmarshal(raw, &msg) == nil {
			got <- msg
		}
	})

	event, _ := protocol.NewServerMessage(protocol.TypeUserOnline, protocol.UserOnlineMsg{
		UserID: 7, Nickname: "alice",
	})
	go func() { _ = wsutil.WriteServerMessage(server, ws.OpText, event) }()

	select {
	case msg := <-got:
		if msg.UserID != 7 || msg.Nickname != "alice" {
			t.Fatalf("unexpected event: %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not invoked")
	}
}

func TestRequestFailsOnClose(t *testing.T) {
	c, server := pipeClient(t)

	// Swallow the outgoing request, then drop the connection.
	go func() {
		_, _ = wsutil.ReadClientText(server)
		c.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := c.OnlineUsers(ctx); err == nil {
		t.Fatal("request should fail when the connection closes")
	}
}
