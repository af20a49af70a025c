package gateway

import (
	"context"
	"log"

	"github.com/concord/chat-gateway/internal/protocol"
	"github.com/concord/chat-gateway/internal/ws"
)

// RegisterHandlers wires every client event type into the dispatcher. Each
// handler invokes the matching gateway operation and replies with an ack
// when the request carried a correlation id; failed fire-and-forget requests
// get an error event instead so the client is never left guessing.
func (g *Gateway) RegisterHandlers(d *ws.MessageDispatcher) {
	d.Register(protocol.TypeJoinChannel, func(conn *ws.Connection, msg interface{}) {
		m := msg.(protocol.JoinChannelMsg)
		g.reply(conn, m.ID, g.JoinChannel(context.Background(), conn.ID, m))
	})

	d.Register(protocol.TypeLeaveChannel, func(conn *ws.Connection, msg interface{}) {
		m := msg.(protocol.LeaveChannelMsg)
		g.reply(conn, m.ID, g.LeaveChannel(context.Background(), conn.ID, m))
	})

	d.Register(protocol.TypeJoinDM, func(conn *ws.Connection, msg interface{}) {
		m := msg.(protocol.JoinDMMsg)
		g.reply(conn, m.ID, g.JoinDM(context.Background(), conn.ID, m))
	})

	d.Register(protocol.TypeLeaveDM, func(conn *ws.Connection, msg interface{}) {
		m := msg.(protocol.LeaveDMMsg)
		g.reply(conn, m.ID, g.LeaveDM(context.Background(), conn.ID, m))
	})

	d.Register(protocol.TypeSendChannelMessage, func(conn *ws.Connection, msg interface{}) {
		m := msg.(protocol.SendChannelMessageMsg)
		g.reply(conn, m.ID, g.SendChannelMessage(context.Background(), conn.ID, m))
	})

	d.Register(protocol.TypeSendDMMessage, func(conn *ws.Connection, msg interface{}) {
		m := msg.(protocol.SendDMMessageMsg)
		g.reply(conn, m.ID, g.SendDMMessage(context.Background(), conn.ID, m))
	})

	d.Register(protocol.TypeEditMessage, func(conn *ws.Connection, msg interface{}) {
		m := msg.(protocol.EditMessageMsg)
		g.reply(conn, m.ID, g.EditMessage(context.Background(), conn.ID, m))
	})

	d.Register(protocol.TypeDeleteMessage, func(conn *ws.Connection, msg interface{}) {
		m := msg.(protocol.DeleteMessageMsg)
		g.reply(conn, m.ID, g.DeleteMessage(context.Background(), conn.ID, m))
	})

	d.Register(protocol.TypeTyping, func(conn *ws.Connection, msg interface{}) {
		g.Typing(context.Background(), conn.ID, msg.(protocol.TypingMsg))
	})

	d.Register(protocol.TypeGetOnlineUsers, func(conn *ws.Connection, msg interface{}) {
		m := msg.(protocol.GetOnlineUsersMsg)
		g.reply(conn, m.ID, g.OnlineUsers(conn.ID, m))
	})
}

// reply sends the operation's outcome back to the requesting connection. A
// request with a correlation id always gets the full ack; without one, only
// failures produce a reply, as an error event.
func (g *Gateway) reply(conn *ws.Connection, reqID int64, ack protocol.AckMsg) {
	if reqID != 0 {
		data, err := protocol.NewServerMessage(protocol.TypeAck, ack)
		if err != nil {
			log.Printf("gateway: marshal ack conn=%s: %v", conn.ID, err)
			return
		}
		if err := conn.WriteMessage(data); err != nil {
			log.Printf("gateway: send ack conn=%s: %v", conn.ID, err)
		}
		return
	}

	if ack.Success {
		return
	}

	data, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
		Code:    "request_failed",
		Message: ack.Error,
	})
	if err != nil {
		log.Printf("gateway: marshal error event conn=%s: %v", conn.ID, err)
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Printf("gateway: send error event conn=%s: %v", conn.ID, err)
	}
}
