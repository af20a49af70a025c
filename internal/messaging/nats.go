// Package messaging provides the NATS backplane that fans gateway events out
// to other gateway instances. Each instance publishes its local presence and
// room events tagged with its own instance ID and mirrors events published by
// peers, so clients connected to different instances see each other's
// broadcasts. It is optional: a gateway without NATS is fully functional on
// a single instance.
package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/concord/chat-gateway/internal/room"
)

// NATS subject layout.
const (
	SubjectPresence   = "chat.presence" // online/offline events, all instances
	SubjectRoomPrefix = "chat.room."    // + <kind>.<id>, per-room fanout
)

// Event is the envelope every backplane message travels in. Instance names
// the publishing gateway so subscribers can drop their own echoes.
type Event struct {
	Instance string          `json:"instance"`
	Event    string          `json:"event"`
	Data     json.RawMessage `json:"data"`
}

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Instance      string        // unique gateway instance ID
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults for the given instance ID.
func DefaultConfig(instance string) Config {
	return Config{
		URL:           "nats://localhost:4222",
		Instance:      instance,
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// Backplane wraps a NATS connection with instance-aware publish and
// subscribe helpers. A nil *Backplane is valid and does nothing, so
// single-instance deployments skip it entirely.
type Backplane struct {
	conn     *nats.Conn
	instance string
	mu       sync.Mutex
	subs     map[string]*nats.Subscription
}

// Connect establishes the NATS connection and returns a ready backplane.
func Connect(config Config) (*Backplane, error) {
	opts := []nats.Option{
		nats.Name("chat-gateway-" + config.Instance),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("nats: disconnected: %v", err)
			} else {
				log.Printf("nats: disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("nats: reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("nats: connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("nats: connected to %s as instance %s", nc.ConnectedUrl(), config.Instance)

	return &Backplane{
		conn:     nc,
		instance: config.Instance,
		subs:     make(map[string]*nats.Subscription),
	}, nil
}

// RoomSubject builds the per-room subject, e.g. "chat.room.channel.42".
func RoomSubject(kind room.Kind, roomID int64) string {
	return fmt.Sprintf("%s%s.%d", SubjectRoomPrefix, kind, roomID)
}

// PublishPresence publishes a presence event (userOnline, userOffline) to all
// peer instances.
func (b *Backplane) PublishPresence(event string, data []byte) {
	b.publish(SubjectPresence, event, data)
}

// PublishRoom publishes a room event (new message, edit, delete, typing) to
// peer instances subscribed to the same room.
func (b *Backplane) PublishRoom(kind room.Kind, roomID int64, event string, data []byte) {
	b.publish(RoomSubject(kind, roomID), event, data)
}

// publish wraps data in the instance envelope and sends it. Backplane errors
// are logged, not returned: local delivery already happened and must not be
// rolled back because a peer fanout failed.
func (b *Backplane) publish(subject, event string, data []byte) {
	if b == nil {
		return
	}

	payload, err := json.Marshal(Event{
		Instance: b.instance,
		Event:    event,
		Data:     data,
	})
	if err != nil {
		log.Printf("nats: marshal event %s: %v", event, err)
		return
	}

	if err := b.conn.Publish(subject, payload); err != nil {
		log.Printf("nats: publish %s: %v", subject, err)
	}
}

// SubscribePresence registers a handler for peer presence events. Events
// published by this instance are filtered out.
func (b *Backplane) SubscribePresence(handler func(event string, data []byte)) error {
	if b == nil {
		return nil
	}
	return b.subscribe(SubjectPresence, handler)
}

// SubscribeRoom registers a handler for peer events in a room. Idempotent:
// subscribing to a room this instance already watches is a no-op.
func (b *Backplane) SubscribeRoom(kind room.Kind, roomID int64, handler func(event string, data []byte)) error {
	if b == nil {
		return nil
	}

	subject := RoomSubject(kind, roomID)

	b.mu.Lock()
	_, exists := b.subs[subject]
	b.mu.Unlock()
	if exists {
		return nil
	}

	return b.subscribe(subject, handler)
}

// UnsubscribeRoom drops the subscription for a room once no local client is
// in it anymore.
func (b *Backplane) UnsubscribeRoom(kind room.Kind, roomID int64) {
	if b == nil {
		return
	}

	subject := RoomSubject(kind, roomID)

	b.mu.Lock()
	sub, ok := b.subs[subject]
	delete(b.subs, subject)
	b.mu.Unlock()

	if ok {
		if err := sub.Unsubscribe(); err != nil {
			log.Printf("nats: unsubscribe %s: %v", subject, err)
		}
	}
}

func (b *Backplane) subscribe(subject string, handler func(event string, data []byte)) error {
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		var ev Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			log.Printf("nats: bad event on %s: %v", subject, err)
			return
		}
		// Drop our own echoes.
		if ev.Instance == b.instance {
			return
		}
		handler(ev.Event, ev.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	b.mu.Lock()
	b.subs[subject] = sub
	b.mu.Unlock()
	return nil
}

// Close drains all subscriptions and the connection.
func (b *Backplane) Close() {
	if b == nil {
		return
	}

	b.mu.Lock()
	for subject, sub := range b.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("nats: drain %s: %v", subject, err)
		}
	}
	b.subs = make(map[string]*nats.Subscription)
	b.mu.Unlock()

	if err := b.conn.Drain(); err != nil {
		log.Printf("nats: connection drain: %v", err)
	}

	log.Printf("nats: backplane closed")
}
