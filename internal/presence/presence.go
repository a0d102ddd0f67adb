// Package presence records which participants currently hold at least one
// live connection.
package presence

import (
	"context"
	"sync"
	"time"
)

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

type Status struct {
	ParticipantID string    `json:"participantId"`
	Status        string    `json:"status"`
	LastSeen      time.Time `json:"lastSeen"`
}

type Tracker interface {
	Online(ctx context.Context, participantID, connectionID string) error
	Offline(ctx context.Context, participantID, connectionID string) error
	Get(ctx context.Context, participantID string) (Status, error)
}

// Local is a single-process Tracker used when Redis is not configured.
type Local struct {
	mu    sync.Mutex
	conns map[string]map[string]struct{}
	seen  map[string]time.Time
	now   func() time.Time
}

func NewLocal() *Local {
	return &Local{
		conns: make(map[string]map[string]struct{}),
		seen:  make(map[string]time.Time),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (l *Local) Online(_ context.Context, participantID, connectionID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	set, ok := l.conns[participantID]
	if !ok {
		set = make(map[string]struct{})
		l.conns[participantID] = set
	}
	set[connectionID] = struct{}{}
	l.seen[participantID] = l.now()
	return nil
}

func (l *Local) Offline(_ context.Context, participantID, connectionID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if set, ok := l.conns[participantID]; ok {
		delete(set, connectionID)
		if len(set) == 0 {
			delete(l.conns, participantID)
		}
	}
	l.seen[participantID] = l.now()
	return nil
}

func (l *Local) Get(_ context.Context, participantID string) (Status, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := Status{ParticipantID: participantID, Status: StatusOffline, LastSeen: l.seen[participantID]}
	if len(l.conns[participantID]) > 0 {
		st.Status = StatusOnline
	}
	return st, nil
}
