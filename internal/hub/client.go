package hub

import (
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Identity is what the gateway learned about the connection before
// handing it over. Anonymous clients have Authenticated=false.
type Identity struct {
	UserID        string
	Authenticated bool
}

// Client is one connected subscriber. The channels set is guarded by the
// hub lock together with the hub's channel index; everything else is the
// client's own.
type Client struct {
	ID       string
	identity Identity

	conn        net.Conn
	send        chan []byte
	closeOnce   sync.Once
	connectedAt time.Time
	lastSeen    atomic.Int64 // unix nanos, any inbound traffic

	// channels is the authoritative subscription set; the hub's
	// channel->clients index is derived from it. Hub lock only.
	channels map[string]struct{}
}

func (c *Client) touch() { c.lastSeen.Store(time.Now().UnixNano()) }

func (c *Client) idle() time.Duration {
	return time.Since(time.Unix(0, c.lastSeen.Load()))
}

// enqueue hands a frame to the writer without blocking. False means the
// buffer was full: the client is a slow consumer.
func (c *Client) enqueue(data []byte) bool {
	if data == nil {
		return true
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}
