package presence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalOnlineUntilLastConnection(t *testing.T) {
	ctx := context.Background()
	l := NewLocal()
	t0 := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return t0 }

	st, err := l.Get(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, StatusOffline, st.Status)
	assert.True(t, st.LastSeen.IsZero())

	require.NoError(t, l.Online(ctx, "A", "c1"))
	require.NoError(t, l.Online(ctx, "A", "c2"))
	require.NoError(t, l.Offline(ctx, "A", "c1"))
	st, _ = l.Get(ctx, "A")
	assert.Equal(t, StatusOnline, st.Status)

	l.now = func() time.Time { return t0.Add(time.Minute) }
	require.NoError(t, l.Offline(ctx, "A", "c2"))
	st, _ = l.Get(ctx, "A")
	assert.Equal(t, Status{ParticipantID: "A", Status: StatusOffline, LastSeen: t0.Add(time.Minute)}, st)
}

func TestRedisKeys(t *testing.T) {
	s := NewRedisStore(nil, "rt", time.Hour)
	assert.Equal(t, "rt:conn:user-1", s.connKey("user-1"))
	assert.Equal(t, "rt:presence:user-1", s.presenceKey("user-1"))
}
