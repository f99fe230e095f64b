// Package game is the narrow boundary to the round simulation: roster and
// settings in, a round summary out. The full entity-component simulation
// lives behind the Round interface; the implementation here is the
// authoritative server loop around it.
package game

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pasturegame/pasture/internal/domain"
	"github.com/pasturegame/pasture/internal/protocol"
)

const tickInterval = 100 * time.Millisecond

// Broadcast delivers a server message to every participant of the round.
type Broadcast func(v any)

// OnEnd fires exactly once with the round summary.
type OnEnd func(summary domain.RoundSummary)

// Round runs one authoritative play-through. The same implementation is
// seeded on the primary for local rounds and on a shard after hand-off, so
// gameplay is equivalent either way.
type Round interface {
	Start(broadcast Broadcast, onEnd OnEnd)
	Apply(player domain.PlayerID, cmd protocol.GameCommand)
	Stop(canceled bool)
	Running() bool
}

type round struct {
	mu        sync.Mutex
	roster    []domain.Player
	settings  domain.Settings
	stats     map[domain.PlayerID]*domain.PlayerStats
	broadcast Broadcast
	onEnd     OnEnd
	startedAt time.Time
	ticker    *time.Ticker
	stopc     chan struct{}
	running   bool
	ended     bool
}

func NewRound(roster []domain.Player, settings domain.Settings) Round {
	stats := make(map[domain.PlayerID]*domain.PlayerStats, len(roster))
	for _, p := range roster {
		stats[p.ID] = &domain.PlayerStats{ID: p.ID}
	}
	return &round{
		roster:   roster,
		settings: settings,
		stats:    stats,
	}
}

func (r *round) Start(broadcast Broadcast, onEnd OnEnd) {
	r.mu.Lock()
	if r.running || r.ended {
		r.mu.Unlock()
		return
	}
	r.broadcast = broadcast
	r.onEnd = onEnd
	r.startedAt = time.Now()
	r.running = true
	r.ticker = time.NewTicker(tickInterval)
	r.stopc = make(chan struct{})
	r.mu.Unlock()

	broadcast(protocol.RoundStart{
		Type:     protocol.TypeRoundStart,
		Settings: r.settings,
		Players:  r.roster,
	})
	log.Info().Str("module", "game").Int("players", len(r.roster)).Str("map", r.settings.MapName).Msg("round started")

	// The ticker goroutine closes over this round; no ambient state is
	// consulted, so ticks fired outside any request still see the right
	// round.
	go r.loop()
}

func (r *round) loop() {
	limit := time.Duration(r.settings.RoundSeconds) * time.Second
	for {
		select {
		case <-r.stopc:
			return
		case <-r.ticker.C:
			elapsed := time.Since(r.startedAt)
			if limit > 0 && elapsed >= limit {
				// The sheep survived the clock.
				r.finish(false, true)
				return
			}
			r.broadcast(map[string]any{
				"type":      protocol.TypeTick,
				"elapsedMs": elapsed.Milliseconds(),
			})
		}
	}
}

func (r *round) Apply(player domain.PlayerID, cmd protocol.GameCommand) {
	r.mu.Lock()
	st, ok := r.stats[player]
	if !ok || !r.running {
		r.mu.Unlock()
		return
	}
	switch cmd.Type {
	case protocol.CmdBuild:
		st.Builds++
	case protocol.CmdPurchase, protocol.CmdUpgrade:
		st.Gold++
	}
	r.mu.Unlock()

	switch cmd.Type {
	case protocol.CmdChat:
		r.broadcast(map[string]any{
			"type": protocol.TypeChat,
			"from": player,
			"text": cmd.Text,
		})
	case protocol.CmdPing:
		// answered at the connection layer; nothing to simulate
	default:
		r.broadcast(map[string]any{
			"type":   cmd.Type,
			"player": player,
			"x":      cmd.X,
			"y":      cmd.Y,
		})
	}
}

func (r *round) Stop(canceled bool) {
	r.finish(canceled, false)
}

func (r *round) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *round) finish(canceled, sheepWon bool) {
	r.mu.Lock()
	if r.ended {
		r.mu.Unlock()
		return
	}
	r.ended = true
	wasRunning := r.running
	r.running = false
	if r.ticker != nil {
		r.ticker.Stop()
	}
	if r.stopc != nil {
		close(r.stopc)
	}

	summary := domain.RoundSummary{
		Canceled: canceled,
		Practice: r.settings.Practice,
		SheepWon: sheepWon,
	}
	if wasRunning {
		summary.Duration = time.Since(r.startedAt)
	}
	if !canceled {
		for _, p := range r.roster {
			st := r.stats[p.ID]
			st.Survived = sheepWon && p.Team == domain.TeamSheep
			summary.Stats = append(summary.Stats, *st)
		}
	}
	onEnd := r.onEnd
	r.mu.Unlock()

	log.Info().Str("module", "game").Bool("canceled", canceled).Bool("sheepWon", sheepWon).Msg("round finished")
	if onEnd != nil {
		onEnd(summary)
	}
}
