package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore shares presence across server instances.
// Keys:
//   - <prefix>:conn:<participant>      set of connection ids
//   - <prefix>:presence:<participant>  json {status, lastSeen}
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return c, nil
}

func NewRedisStore(c *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	return &RedisStore{client: c, prefix: prefix, ttl: ttl, now: func() time.Time { return time.Now().UTC() }}
}

func (s *RedisStore) connKey(pid string) string     { return fmt.Sprintf("%s:conn:%s", s.prefix, pid) }
func (s *RedisStore) presenceKey(pid string) string { return fmt.Sprintf("%s:presence:%s", s.prefix, pid) }

type record struct {
	Status   string    `json:"status"`
	LastSeen time.Time `json:"lastSeen"`
}

func (s *RedisStore) Online(ctx context.Context, participantID, connectionID string) error {
	key := s.connKey(participantID)
	b, _ := json.Marshal(record{Status: StatusOnline, LastSeen: s.now()})

	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, key, connectionID)
	pipe.Expire(ctx, key, s.ttl)
	pipe.Set(ctx, s.presenceKey(participantID), b, s.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// Offline removes the connection and writes the offline record once the
// participant has no connections left on any instance.
func (s *RedisStore) Offline(ctx context.Context, participantID, connectionID string) error {
	key := s.connKey(participantID)
	if err := s.client.SRem(ctx, key, connectionID).Err(); err != nil {
		return err
	}
	n, err := s.client.SCard(ctx, key).Result()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	b, _ := json.Marshal(record{Status: StatusOffline, LastSeen: s.now()})
	return s.client.Set(ctx, s.presenceKey(participantID), b, s.ttl).Err()
}

func (s *RedisStore) Get(ctx context.Context, participantID string) (Status, error) {
	st := Status{ParticipantID: participantID, Status: StatusOffline}
	b, err := s.client.Get(ctx, s.presenceKey(participantID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return st, nil
	}
	if err != nil {
		return st, err
	}
	var rec record
	if err := json.Unmarshal(b, &rec); err != nil {
		return st, fmt.Errorf("decode presence: %w", err)
	}
	st.Status = rec.Status
	st.LastSeen = rec.LastSeen
	return st, nil
}

func (s *RedisStore) Close() error { return s.client.Close() }
