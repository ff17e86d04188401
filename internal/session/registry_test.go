package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryAdmit(t *testing.T) {
	r := NewRegistry()
	p1, p2 := newPeer("alice"), newPeer("alice")

	prev, err := r.Admit("alice", p1, false)
	require.NoError(t, err)
	assert.Nil(t, prev)

	_, err = r.Admit("alice", p2, false)
	assert.ErrorIs(t, err, ErrAlreadyConnected)

	prev, err = r.Admit("alice", p2, true)
	require.NoError(t, err)
	assert.Equal(t, Peer(p1), prev)

	id, ok := r.FindByPeer(p2)
	assert.True(t, ok)
	assert.Equal(t, "alice", id)
	_, ok = r.FindByPeer(p1)
	assert.False(t, ok)
}

func TestRegistryStatusOnlyMovesForward(t *testing.T) {
	r := NewRegistry()
	_, err := r.Admit("alice", newPeer("alice"), false)
	require.NoError(t, err)

	info, changed, err := r.SetReady("alice")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, Ready, info.Status)

	_, changed, _ = r.SetReady("alice")
	assert.False(t, changed)

	_, err = r.SetFaulted("alice", "boom")
	require.NoError(t, err)
	info, changed, _ = r.SetReady("alice")
	assert.False(t, changed)
	assert.Equal(t, PlayerFaulted, info.Status)
	assert.Equal(t, "boom", info.FaultReason)

	_, _, err = r.SetReady("nobody")
	assert.ErrorIs(t, err, ErrUnknownClient)
}

func TestRegistryMarkDisconnected(t *testing.T) {
	r := NewRegistry()
	p := newPeer("alice")
	_, _ = r.Admit("alice", p, false)

	_, changed := r.MarkDisconnected("alice", newPeer("alice"))
	assert.False(t, changed, "a different peer must not detach alice")

	info, changed := r.MarkDisconnected("alice", p)
	assert.True(t, changed)
	assert.Equal(t, Disconnected, info.Status)
	assert.False(t, info.Connected)
	assert.Empty(t, r.Peers())

	_, changed = r.MarkDisconnected("alice", p)
	assert.False(t, changed)
}

func TestRegistryResults(t *testing.T) {
	r := NewRegistry()
	_, _ = r.Admit("bob", newPeer("bob"), false)
	_, _ = r.Admit("alice", newPeer("alice"), false)

	f, err := r.SetResult("alice", nil)
	require.NoError(t, err)
	require.NotNil(t, f)
	_, err = r.SetResult("alice", []byte("again"))
	assert.ErrorIs(t, err, ErrResultSubmitted)

	info, _ := r.Get("alice")
	assert.True(t, info.Submitted, "an empty result still counts as submitted")

	results, futures := r.roundResults()
	require.Len(t, results, 2)
	assert.Len(t, futures, 2)
	assert.Equal(t, "alice", results[0].Identity)
	assert.Equal(t, []byte{}, results[0].Data)
	assert.Nil(t, results[1].Data)
}

func TestRegistryResetRound(t *testing.T) {
	r := NewRegistry()
	bob := newPeer("bob")
	_, _ = r.Admit("alice", newPeer("alice"), false)
	_, _ = r.Admit("bob", bob, false)
	_, _, _ = r.SetReady("alice")
	f, _ := r.SetResult("alice", []byte("1"))
	r.MarkDisconnected("bob", bob)

	cause := errors.New("new round")
	r.ResetRound(cause)

	_, err := f.Wait(context.Background())
	assert.ErrorIs(t, err, cause)

	for _, c := range r.Snapshot() {
		assert.False(t, c.Submitted, c.Identity)
		if c.Connected {
			assert.Equal(t, Connected, c.Status, c.Identity)
		} else {
			assert.Equal(t, NotConnected, c.Status, c.Identity)
		}
	}

	next, err := r.SetResult("alice", []byte("2"))
	require.NoError(t, err)
	assert.NotSame(t, f, next)
}

func TestRegistryRemoveIdle(t *testing.T) {
	r := NewRegistry()
	alice, bob, carol := newPeer("alice"), newPeer("bob"), newPeer("carol")
	_, _ = r.Admit("alice", alice, false)
	_, _ = r.Admit("bob", bob, false)
	_, _ = r.Admit("carol", carol, false)
	fa, _ := r.SetResult("alice", []byte("1"))

	assert.False(t, r.RemoveIdle("bob", ErrRoundReset), "bob is still connected")

	r.MarkDisconnected("alice", alice)
	r.MarkDisconnected("bob", bob)
	assert.False(t, r.RemoveIdle("alice", ErrRoundReset), "alice holds a result")
	assert.True(t, r.RemoveIdle("bob", ErrRoundReset))
	assert.False(t, r.Has([]string{"bob"}))
	pending(t, fa)

	r.ResetRound(ErrRoundReset)
	r.PruneDisconnected(ErrRoundReset)
	assert.False(t, r.Has([]string{"alice"}))
	assert.True(t, r.Has([]string{"carol"}))
	_, err := resolved(t, fa)
	assert.ErrorIs(t, err, ErrRoundReset)
}

func TestRegistryAllSatisfyEmpty(t *testing.T) {
	r := NewRegistry()
	assert.True(t, r.AllSatisfy(func(ClientInfo) bool { return false }))
	assert.True(t, r.Has(nil))
	assert.False(t, r.Has([]string{"alice"}))
}

func TestFutureResolvesOnce(t *testing.T) {
	f := newFuture()
	assert.True(t, f.resolve(nil, ErrRoundReset))
	assert.False(t, f.resolve(nil, nil))

	_, err := f.Wait(context.Background())
	assert.ErrorIs(t, err, ErrRoundReset)
}

func TestFutureWaitCancelled(t *testing.T) {
	f := newFuture()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := f.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestParseConfiguration(t *testing.T) {
	cfg, err := ParseConfiguration([]byte(`{"hostUserId":"a","userIds":["a","b"],"canRestart":true,"userData":{"map":"oval"}}`))
	require.NoError(t, err)
	assert.Equal(t, "a", cfg.HostUserID)
	assert.Equal(t, []string{"a", "b"}, cfg.UserIDs)
	assert.True(t, cfg.CanRestart)
	assert.True(t, cfg.IsMember("b"))
	assert.False(t, cfg.IsMember("c"))

	tests := []struct {
		name string
		json string
	}{
		{"unknown field", `{"userIds":["a"],"extra":1}`},
		{"private without users", `{"public":false}`},
		{"duplicate user", `{"userIds":["a","a"]}`},
		{"empty user", `{"userIds":[""]}`},
		{"host not a participant", `{"hostUserId":"z","userIds":["a"]}`},
		{"not json", `userIds: [a]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfiguration([]byte(tt.json))
			assert.Error(t, err)
		})
	}

	pub, err := ParseConfiguration([]byte(`{"public":true}`))
	require.NoError(t, err)
	assert.True(t, pub.IsMember("anyone"))
}

func TestStateNames(t *testing.T) {
	assert.Equal(t, "all_players_connected", AllPlayersConnected.String())
	assert.Equal(t, "unknown", State(42).String())
	b, err := Ready.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"ready"`, string(b))
}
