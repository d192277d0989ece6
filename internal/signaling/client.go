package signaling

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/ringline/internal/util"
)

const registerTimeout = 10 * time.Second

// ErrClosed is returned by Send after the client has been closed or the
// relay connection has dropped.
var ErrClosed = errors.New("signaling: connection closed")

// Client is the WebSocket connection to the relay. It satisfies the
// Send/Subscribe surface the call state machine needs.
type Client struct {
	conn     *websocket.Conn
	sender   *sender
	receiver *receiver
	number   string

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// Dial connects to the relay at rawURL and registers under number. An empty
// number lets the relay assign one; the assigned number is available from
// Number once Dial returns.
//
//	ws://relay.example:8080/ws
func Dial(ctx context.Context, rawURL, number string) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid relay URL %q: %w", rawURL, err)
	}
	if number != "" {
		q := u.Query()
		q.Set("number", number)
		u.RawQuery = q.Encode()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to relay: %w", err)
	}

	// The relay answers the upgrade with a registered message.
	_ = conn.SetReadDeadline(time.Now().Add(registerTimeout))
	var first Message
	if err := conn.ReadJSON(&first); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to register with relay: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	switch first.Type {
	case MsgRegistered:
		number = first.Number
	case MsgCallError:
		conn.Close()
		return nil, fmt.Errorf("relay refused registration: %s", first.Message)
	default:
		util.LogWarning("signaling: expected %s, got %s; keeping number %q", MsgRegistered, first.Type, number)
	}

	c := &Client{
		conn:     conn,
		sender:   &sender{conn: conn},
		receiver: newReceiver(conn),
		number:   number,
		done:     make(chan struct{}),
	}

	go func() {
		err := c.receiver.watch() // exits when conn is closed
		c.shutdown(err)
	}()

	return c, nil
}

// Number returns the phone number this client is registered under.
func (c *Client) Number() string {
	return c.number
}

// Send addresses msg to peer and writes it to the relay.
func (c *Client) Send(peer string, msg Message) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	msg.Address(peer)
	if err := c.sender.send(msg); err != nil {
		return fmt.Errorf("failed to send %s to %s: %w", msg.Type, peer, err)
	}
	return nil
}

// Subscribe returns a channel of inbound messages and a cancel func. The
// channel is closed on cancel or when the relay connection drops.
func (c *Client) Subscribe() (<-chan Message, func()) {
	return c.receiver.subscribe()
}

// Done is closed when the relay connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the read error that ended the connection, if any.
func (c *Client) Err() error {
	<-c.done
	return c.err
}

// Close sends a close frame and tears down the connection.
func (c *Client) Close() error {
	c.sender.mu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.sender.mu.Unlock()

	err := c.conn.Close()
	c.shutdown(nil)
	return err
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		close(c.done)
	})
}
