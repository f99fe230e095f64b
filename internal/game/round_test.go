package game

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pasturegame/pasture/internal/domain"
	"github.com/pasturegame/pasture/internal/protocol"
)

type sink struct {
	mu   sync.Mutex
	msgs []any
}

func (s *sink) send(v any) {
	s.mu.Lock()
	s.msgs = append(s.msgs, v)
	s.mu.Unlock()
}

func (s *sink) first() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.msgs) == 0 {
		return nil
	}
	return s.msgs[0]
}

func roster() []domain.Player {
	return []domain.Player{
		{ID: "alice", Team: domain.TeamSheep},
		{ID: "bob", Team: domain.TeamWolf},
	}
}

func TestRoundStartBroadcastsRoster(t *testing.T) {
	out := &sink{}
	r := NewRound(roster(), domain.Settings{RoundSeconds: 600})
	r.Start(out.send, func(domain.RoundSummary) {})
	defer r.Stop(true)

	start, ok := out.first().(protocol.RoundStart)
	require.True(t, ok)
	assert.Len(t, start.Players, 2)
	assert.True(t, r.Running())
}

func TestRoundStopProducesSummaryOnce(t *testing.T) {
	out := &sink{}
	var mu sync.Mutex
	var summaries []domain.RoundSummary
	r := NewRound(roster(), domain.Settings{RoundSeconds: 600})
	r.Start(out.send, func(s domain.RoundSummary) {
		mu.Lock()
		summaries = append(summaries, s)
		mu.Unlock()
	})

	r.Apply("alice", protocol.GameCommand{Type: protocol.CmdBuild})
	r.Apply("alice", protocol.GameCommand{Type: protocol.CmdBuild})
	r.Stop(false)
	r.Stop(true)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, summaries, 1)
	assert.False(t, summaries[0].Canceled)
	require.Len(t, summaries[0].Stats, 2)
	assert.Equal(t, 2, summaries[0].Stats[0].Builds)
	assert.False(t, r.Running())
}

func TestCanceledRoundCarriesNoStats(t *testing.T) {
	var got domain.RoundSummary
	r := NewRound(roster(), domain.Settings{})
	r.Start(func(any) {}, func(s domain.RoundSummary) { got = s })
	r.Stop(true)

	assert.True(t, got.Canceled)
	assert.Nil(t, got.Stats)
}

func TestApplyIgnoredForUnknownPlayer(t *testing.T) {
	out := &sink{}
	r := NewRound(roster(), domain.Settings{RoundSeconds: 600})
	r.Start(out.send, func(domain.RoundSummary) {})
	defer r.Stop(true)

	out.mu.Lock()
	before := len(out.msgs)
	out.mu.Unlock()
	r.Apply("mallory", protocol.GameCommand{Type: protocol.CmdBuild})
	time.Sleep(5 * time.Millisecond)
	out.mu.Lock()
	after := len(out.msgs)
	out.mu.Unlock()
	assert.Equal(t, before, after, "unknown players produce no broadcasts")
}
