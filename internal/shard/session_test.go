package shard

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pasturegame/pasture/internal/domain"
	"github.com/pasturegame/pasture/internal/protocol"
)

type fakeConn struct {
	mu   sync.Mutex
	sent []any
}

func (c *fakeConn) TrySend(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, v)
	return nil
}

func (c *fakeConn) Close(int, string) {}

func (c *fakeConn) messages() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]any, len(c.sent))
	copy(out, c.sent)
	return out
}

func twoPlayerAssignment() protocol.AssignLobby {
	return protocol.AssignLobby{
		Type:    protocol.TypeAssignLobby,
		LobbyID: "lobby-1",
		HostID:  "alice",
		Settings: domain.Settings{
			MapName:      "meadow",
			RoundSeconds: 600,
		},
		Players: []protocol.RosterEntry{
			{ID: "alice", Name: "Alice", Team: domain.TeamSheep, Token: "token-a"},
			{ID: "bob", Name: "Bob", Team: domain.TeamWolf, Token: "token-b"},
		},
	}
}

type completion struct {
	mu        sync.Mutex
	fired     int
	lobby     domain.LobbyID
	summary   domain.RoundSummary
	firedChan chan struct{}
}

func newCompletion() *completion {
	return &completion{firedChan: make(chan struct{}, 4)}
}

func (c *completion) fn(lobby domain.LobbyID, summary domain.RoundSummary) {
	c.mu.Lock()
	c.fired++
	c.lobby = lobby
	c.summary = summary
	c.mu.Unlock()
	c.firedChan <- struct{}{}
}

func (c *completion) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fired
}

func TestTokenSingleUse(t *testing.T) {
	s := NewSession(twoPlayerAssignment(), time.Hour, nil)

	entry, ok := s.Authenticate("token-a")
	require.True(t, ok, "first authentication must succeed")
	assert.Equal(t, domain.PlayerID("alice"), entry.ID)

	for i := 0; i < 3; i++ {
		_, ok := s.Authenticate("token-a")
		assert.False(t, ok, "replayed token must be rejected")
	}
	_, ok = s.Authenticate("no-such-token")
	assert.False(t, ok)
}

func TestRoundStartsWhenRosterComplete(t *testing.T) {
	done := newCompletion()
	s := NewSession(twoPlayerAssignment(), time.Hour, done.fn)

	a, ok := s.Authenticate("token-a")
	require.True(t, ok)
	s.AddClient(NewClient(domain.Player{ID: a.ID, Name: a.Name, Team: a.Team}, &fakeConn{}))
	assert.Equal(t, StateAwaitingPlayers, s.State(), "one of two players is not enough")

	bobConn := &fakeConn{}
	b, ok := s.Authenticate("token-b")
	require.True(t, ok)
	s.AddClient(NewClient(domain.Player{ID: b.ID, Name: b.Name, Team: b.Team}, bobConn))
	assert.Equal(t, StatePlaying, s.State())

	require.NotEmpty(t, bobConn.messages())
	start, isStart := bobConn.messages()[0].(protocol.RoundStart)
	require.True(t, isStart, "first message after roster completion is the round start")
	assert.Len(t, start.Players, 2)

	s.EndRound(false)
	assert.Equal(t, 1, done.count())
	assert.Equal(t, StateEnded, s.State())
}

func TestTokenExpiryWithNobodyConnected(t *testing.T) {
	done := newCompletion()
	s := NewSession(twoPlayerAssignment(), 20*time.Millisecond, done.fn)

	select {
	case <-done.firedChan:
	case <-time.After(time.Second):
		t.Fatal("expiry never tore the session down")
	}

	assert.Equal(t, 1, done.count())
	assert.True(t, done.summary.Canceled)
	assert.Nil(t, done.summary.Stats, "no round data for a round that never started")

	_, ok := s.Authenticate("token-a")
	assert.False(t, ok, "expired tokens must not authenticate")
}

func TestExpiryKeepsSessionWithConnectedPlayer(t *testing.T) {
	done := newCompletion()
	s := NewSession(twoPlayerAssignment(), 20*time.Millisecond, done.fn)

	a, _ := s.Authenticate("token-a")
	s.AddClient(NewClient(domain.Player{ID: a.ID}, &fakeConn{}))

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 0, done.count(), "a connected player keeps the session alive past the window")
	_, ok := s.Authenticate("token-b")
	assert.False(t, ok, "the window still expires the remaining tokens")
}

func TestLastClientLeavingTearsDown(t *testing.T) {
	done := newCompletion()
	s := NewSession(twoPlayerAssignment(), time.Hour, done.fn)

	a, _ := s.Authenticate("token-a")
	s.AddClient(NewClient(domain.Player{ID: a.ID}, &fakeConn{}))
	b, _ := s.Authenticate("token-b")
	s.AddClient(NewClient(domain.Player{ID: b.ID}, &fakeConn{}))
	require.Equal(t, StatePlaying, s.State())

	s.RemoveClient(a.ID)
	assert.Equal(t, 0, done.count(), "one player remains")

	s.RemoveClient(b.ID)
	assert.Equal(t, 1, done.count())
	assert.True(t, done.summary.Canceled)
}

func TestHostCancelEndsRound(t *testing.T) {
	done := newCompletion()
	s := NewSession(twoPlayerAssignment(), time.Hour, done.fn)

	a, _ := s.Authenticate("token-a")
	s.AddClient(NewClient(domain.Player{ID: a.ID}, &fakeConn{}))
	b, _ := s.Authenticate("token-b")
	bobConn := &fakeConn{}
	s.AddClient(NewClient(domain.Player{ID: b.ID}, bobConn))

	// Bob is not the host; his cancel is ignored.
	s.HandleCommand("bob", protocol.GameCommand{Type: protocol.CmdCancel})
	assert.Equal(t, 0, done.count())

	s.HandleCommand("alice", protocol.GameCommand{Type: protocol.CmdCancel})
	assert.Equal(t, 1, done.count())
	assert.True(t, done.summary.Canceled)

	var sawStop bool
	for _, m := range bobConn.messages() {
		if stop, ok := m.(protocol.RoundStop); ok && stop.Canceled {
			sawStop = true
		}
	}
	assert.True(t, sawStop, "clients must see the stop broadcast")
}

func TestCompletionFiresOnce(t *testing.T) {
	done := newCompletion()
	s := NewSession(twoPlayerAssignment(), time.Hour, done.fn)

	a, _ := s.Authenticate("token-a")
	s.AddClient(NewClient(domain.Player{ID: a.ID}, &fakeConn{}))
	b, _ := s.Authenticate("token-b")
	s.AddClient(NewClient(domain.Player{ID: b.ID}, &fakeConn{}))

	s.EndRound(false)
	s.EndRound(true)
	s.RemoveClient(a.ID)
	s.RemoveClient(b.ID)
	assert.Equal(t, 1, done.count())
}

func TestHostAssignAndCounts(t *testing.T) {
	h := NewHost(time.Hour)
	var reports []protocol.LobbyEnded
	var mu sync.Mutex
	h.SetReport(func(msg protocol.LobbyEnded) {
		mu.Lock()
		reports = append(reports, msg)
		mu.Unlock()
	})

	h.Assign(twoPlayerAssignment())
	s, ok := h.Session("lobby-1")
	require.True(t, ok)

	// Duplicate assignment must not reset the session.
	h.Assign(twoPlayerAssignment())
	again, _ := h.Session("lobby-1")
	assert.Same(t, s, again)

	a, _ := s.Authenticate("token-a")
	s.AddClient(NewClient(domain.Player{ID: a.ID}, &fakeConn{}))
	b, _ := s.Authenticate("token-b")
	s.AddClient(NewClient(domain.Player{ID: b.ID}, &fakeConn{}))

	lobbies, players := h.Counts()
	assert.Equal(t, 1, lobbies)
	assert.Equal(t, 2, players)

	s.EndRound(false)

	mu.Lock()
	require.Len(t, reports, 1)
	assert.Equal(t, domain.LobbyID("lobby-1"), reports[0].LobbyID)
	assert.False(t, reports[0].Canceled)
	require.NotNil(t, reports[0].SheepWon)
	mu.Unlock()

	lobbies, _ = h.Counts()
	assert.Equal(t, 0, lobbies, "completed session frees the slot")
}
