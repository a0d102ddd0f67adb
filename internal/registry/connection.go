package registry

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrQueueFull        = errors.New("connection send queue full")
)

// Connection is one live transport connection of one participant. The
// registry owns its lifecycle; transports drain Outbound.
type Connection struct {
	id            string
	participantID string
	connectedAt   time.Time

	mu     sync.Mutex
	send   chan []byte
	closed bool

	// rooms maps conversation id to join count; guarded by Registry.mu.
	rooms map[string]int
}

func newConnection(id, participantID string, buffer int) *Connection {
	return &Connection{
		id:            id,
		participantID: participantID,
		connectedAt:   time.Now().UTC(),
		send:          make(chan []byte, buffer),
		rooms:         make(map[string]int),
	}
}

func (c *Connection) ID() string            { return c.id }
func (c *Connection) ParticipantID() string { return c.participantID }
func (c *Connection) ConnectedAt() time.Time { return c.connectedAt }

// Outbound yields encoded frames in enqueue order and is closed on disconnect.
func (c *Connection) Outbound() <-chan []byte { return c.send }

// Enqueue never blocks. A full queue is reported to the caller, who decides
// whether the consumer is too slow to keep.
func (c *Connection) Enqueue(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnectionClosed
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return ErrQueueFull
	}
}

func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Connection) close() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.mu.Unlock()
}
