// Package registry tracks live transport connections, the participant each
// belongs to, and the conversation rooms each has joined.
package registry

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fathima-sithara/counsel-realtime/internal/metrics"
)

var ErrUnknownConnection = errors.New("unknown connection")

const DefaultSendBuffer = 256

// Registry performs no authorization: callers verify a participant may enter
// a conversation before calling Join. Every method is one critical section
// and does no I/O while holding the lock.
type Registry struct {
	mu            sync.Mutex
	conns         map[string]*Connection
	rooms         map[string]map[string]*Connection
	byParticipant map[string]map[string]*Connection

	sendBuffer int
	logger     *zap.Logger
}

func New(sendBuffer int, logger *zap.Logger) *Registry {
	if sendBuffer <= 0 {
		sendBuffer = DefaultSendBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		conns:         make(map[string]*Connection),
		rooms:         make(map[string]map[string]*Connection),
		byParticipant: make(map[string]map[string]*Connection),
		sendBuffer:    sendBuffer,
		logger:        logger,
	}
}

// Connect registers a new connection for participantID.
func (r *Registry) Connect(participantID string) *Connection {
	c := newConnection(uuid.NewString(), participantID, r.sendBuffer)

	r.mu.Lock()
	r.conns[c.id] = c
	set, ok := r.byParticipant[participantID]
	if !ok {
		set = make(map[string]*Connection)
		r.byParticipant[participantID] = set
	}
	set[c.id] = c
	r.mu.Unlock()

	metrics.Connections.Inc()
	return c
}

// Disconnect removes the connection and every room membership it holds, then
// closes its outbound queue. Unknown ids are ignored.
func (r *Registry) Disconnect(connectionID string) {
	r.mu.Lock()
	c, ok := r.conns[connectionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, connectionID)
	for convID := range c.rooms {
		r.removeMemberLocked(convID, connectionID)
	}
	clear(c.rooms)
	if set, ok := r.byParticipant[c.participantID]; ok {
		delete(set, connectionID)
		if len(set) == 0 {
			delete(r.byParticipant, c.participantID)
		}
	}
	r.mu.Unlock()

	c.close()
	metrics.Connections.Dec()
}

// Join adds one membership of the connection in the conversation room. Joins
// are counted: a connection stays in the room until it has left as many times
// as it joined.
func (r *Registry) Join(connectionID, conversationID string) error {
	r.mu.Lock()
	c, ok := r.conns[connectionID]
	if !ok {
		r.mu.Unlock()
		r.logger.Warn("join for unknown connection",
			zap.String("connection_id", connectionID),
			zap.String("conversation_id", conversationID))
		return ErrUnknownConnection
	}
	c.rooms[conversationID]++
	members, ok := r.rooms[conversationID]
	if !ok {
		members = make(map[string]*Connection)
		r.rooms[conversationID] = members
		metrics.Rooms.Inc()
	}
	members[connectionID] = c
	r.mu.Unlock()
	return nil
}

// Leave drops one membership. Leaving a room the connection is not in is a
// no-op; counts never go negative.
func (r *Registry) Leave(connectionID, conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[connectionID]
	if !ok {
		return
	}
	n, ok := c.rooms[conversationID]
	if !ok {
		return
	}
	if n > 1 {
		c.rooms[conversationID] = n - 1
		return
	}
	delete(c.rooms, conversationID)
	r.removeMemberLocked(conversationID, connectionID)
}

func (r *Registry) removeMemberLocked(conversationID, connectionID string) {
	members, ok := r.rooms[conversationID]
	if !ok {
		return
	}
	delete(members, connectionID)
	if len(members) == 0 {
		delete(r.rooms, conversationID)
		metrics.Rooms.Dec()
	}
}

// MembersOf returns a snapshot of the connections joined to the room.
func (r *Registry) MembersOf(conversationID string) []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	members := r.rooms[conversationID]
	out := make([]*Connection, 0, len(members))
	for _, c := range members {
		out = append(out, c)
	}
	return out
}

// ConnectionsOf returns a snapshot of the participant's live connections.
func (r *Registry) ConnectionsOf(participantID string) []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.byParticipant[participantID]
	out := make([]*Connection, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

func (r *Registry) Lookup(connectionID string) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[connectionID]
	return c, ok
}

// Rooms lists the conversations the connection is currently joined to.
func (r *Registry) Rooms(connectionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[connectionID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(c.rooms))
	for convID := range c.rooms {
		out = append(out, convID)
	}
	return out
}

// Len is the number of live connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}
