package signaling

import (
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/1ureka/ringline/internal/util"
)

const subscriberBuffer = 64

// receiver owns the read side of the WebSocket and fans every inbound message
// out to the current subscribers (private).
type receiver struct {
	conn *websocket.Conn

	mu     sync.Mutex
	subs   map[int]chan Message
	nextID int
	closed bool
}

func newReceiver(conn *websocket.Conn) *receiver {
	return &receiver{conn: conn, subs: make(map[int]chan Message)}
}

// watch reads messages until the connection fails, then closes every
// subscriber channel.
func (r *receiver) watch() error {
	defer r.closeAll()

	for {
		var msg Message
		if err := r.conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("failed to read WS message: %w", err)
		}
		if msg.Type == "" {
			util.LogWarning("signaling: dropping message without type")
			continue
		}
		r.publish(msg)
	}
}

// publish hands msg to every subscriber. Delivery is at-most-once: a
// subscriber whose buffer is full loses the message.
func (r *receiver) publish(msg Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, ch := range r.subs {
		select {
		case ch <- msg:
		default:
			util.LogWarning("signaling: subscriber %d is full, dropping %s", id, msg.Type)
		}
	}
}

func (r *receiver) subscribe() (<-chan Message, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch := make(chan Message, subscriberBuffer)
	if r.closed {
		close(ch)
		return ch, func() {}
	}

	id := r.nextID
	r.nextID++
	r.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if c, ok := r.subs[id]; ok {
				delete(r.subs, id)
				close(c)
			}
		})
	}
	return ch, cancel
}

func (r *receiver) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for id, ch := range r.subs {
		delete(r.subs, id)
		close(ch)
	}
}
