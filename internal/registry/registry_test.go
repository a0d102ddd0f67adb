package registry

import (
	"math/rand"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ids(conns []*Connection) []string {
	out := make([]string, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.ID())
	}
	sort.Strings(out)
	return out
}

func TestConnectAndDisconnect(t *testing.T) {
	r := New(4, nil)
	a1 := r.Connect("alice")
	a2 := r.Connect("alice")
	b := r.Connect("bob")

	assert.NotEqual(t, a1.ID(), a2.ID())
	assert.Equal(t, 3, r.Len())
	assert.ElementsMatch(t, []string{a1.ID(), a2.ID()}, ids(r.ConnectionsOf("alice")))

	require.NoError(t, r.Join(a1.ID(), "c1"))
	require.NoError(t, r.Join(b.ID(), "c1"))
	require.NoError(t, r.Join(a1.ID(), "c2"))

	r.Disconnect(a1.ID())
	r.Disconnect(a1.ID()) // idempotent

	assert.True(t, a1.Closed())
	assert.Equal(t, []string{b.ID()}, ids(r.MembersOf("c1")))
	assert.Empty(t, r.MembersOf("c2"))
	assert.Nil(t, r.Rooms(a1.ID()))
	assert.Equal(t, []string{a2.ID()}, ids(r.ConnectionsOf("alice")))
	_, ok := r.Lookup(a1.ID())
	assert.False(t, ok)

	_, open := <-a1.Outbound()
	assert.False(t, open, "outbound queue closed on disconnect")
}

func TestJoinUnknownConnectionIsNonFatal(t *testing.T) {
	r := New(1, nil)
	c := r.Connect("p")
	r.Disconnect(c.ID())

	err := r.Join(c.ID(), "c1")
	assert.ErrorIs(t, err, ErrUnknownConnection)
	assert.Empty(t, r.MembersOf("c1"))

	r.Leave(c.ID(), "c1")
	r.Leave("missing", "c1")
}

func TestJoinIsCounted(t *testing.T) {
	r := New(1, nil)
	c := r.Connect("p")

	require.NoError(t, r.Join(c.ID(), "c1"))
	require.NoError(t, r.Join(c.ID(), "c1"))
	r.Leave(c.ID(), "c1")
	assert.Len(t, r.MembersOf("c1"), 1)
	r.Leave(c.ID(), "c1")
	assert.Empty(t, r.MembersOf("c1"))
	r.Leave(c.ID(), "c1")
	require.NoError(t, r.Join(c.ID(), "c1"))
	assert.Len(t, r.MembersOf("c1"), 1, "extra leave does not bank a negative count")
}

// Random join/leave sequences against a floored counter model.
func TestMembershipMatchesNetJoinCount(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 50; round++ {
		r := New(1, nil)
		conns := []*Connection{r.Connect("a"), r.Connect("b"), r.Connect("c")}
		rooms := []string{"r1", "r2"}
		model := map[string]map[string]int{"r1": {}, "r2": {}}

		for step := 0; step < 200; step++ {
			c := conns[rng.Intn(len(conns))]
			room := rooms[rng.Intn(len(rooms))]
			if rng.Intn(2) == 0 {
				require.NoError(t, r.Join(c.ID(), room))
				model[room][c.ID()]++
			} else {
				r.Leave(c.ID(), room)
				if model[room][c.ID()] > 0 {
					model[room][c.ID()]--
				}
			}
		}

		for _, room := range rooms {
			var want []string
			for id, n := range model[room] {
				if n > 0 {
					want = append(want, id)
				}
			}
			sort.Strings(want)
			got := ids(r.MembersOf(room))
			if len(want) == 0 {
				assert.Empty(t, got, "round %d room %s", round, room)
				continue
			}
			assert.Equal(t, want, got, "round %d room %s", round, room)
		}
	}
}

func TestReconnectLeavesNoStaleMemberships(t *testing.T) {
	r := New(1, nil)
	old := r.Connect("bob")
	require.NoError(t, r.Join(old.ID(), "C1"))

	r.Disconnect(old.ID())
	assert.Empty(t, r.MembersOf("C1"))
	assert.Empty(t, r.Rooms(old.ID()))

	fresh := r.Connect("bob")
	require.NoError(t, r.Join(fresh.ID(), "C1"))
	assert.Equal(t, []string{fresh.ID()}, ids(r.MembersOf("C1")))
}

func TestEnqueue(t *testing.T) {
	r := New(1, nil)
	c := r.Connect("p")
	require.NoError(t, c.Enqueue([]byte("one")))
	assert.ErrorIs(t, c.Enqueue([]byte("two")), ErrQueueFull)
	assert.Equal(t, []byte("one"), <-c.Outbound())

	r.Disconnect(c.ID())
	assert.ErrorIs(t, c.Enqueue([]byte("three")), ErrConnectionClosed)
}

func TestConcurrentJoinLeaveDisconnect(t *testing.T) {
	r := New(8, nil)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := r.Connect("p")
			for j := 0; j < 100; j++ {
				_ = r.Join(c.ID(), "room")
				_ = r.MembersOf("room")
				r.Leave(c.ID(), "room")
			}
			r.Disconnect(c.ID())
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, r.Len())
	assert.Empty(t, r.MembersOf("room"))
}
