package realtime

import (
	"sync"

	v1 "chatmate/internal/contracts/realtime/v1"
)

// Client is one authenticated websocket connection.
//
// Send is never closed; broadcasters may race with shutdown. Kick asks the
// connection's writer to flush what is queued and close.
type Client struct {
	SessionID string
	Username  string
	Send      chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once

	kicked   chan struct{}
	kickOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(username, sessionID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = wsDefaultSendQueueSize
	}
	return &Client{
		SessionID: sessionID,
		Username:  username,
		Send:      make(chan v1.Envelope, sendQueueSize),
		done:      make(chan struct{}),
		kicked:    make(chan struct{}),
	}
}

// Offer queues env without blocking. It reports false when the queue is
// full or the client is shutting down.
func (c *Client) Offer(env v1.Envelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.Send <- env:
		return true
	default:
		return false
	}
}

// Done is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} { return c.done }

// Kicked is closed once the server decided to terminate the connection.
func (c *Client) Kicked() <-chan struct{} { return c.kicked }

// Kick requests termination after queued envelopes are flushed (idempotent).
func (c *Client) Kick() {
	c.kickOnce.Do(func() { close(c.kicked) })
}

// Close signals the client goroutines to stop (idempotent).
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}
