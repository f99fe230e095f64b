package shard

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pasturegame/pasture/internal/domain"
	"github.com/pasturegame/pasture/internal/protocol"
)

// ReportFunc delivers a lobbyEnded message to the primary. Fire-and-forget;
// delivery failures are the uplink's to log.
type ReportFunc func(msg protocol.LobbyEnded)

// Host is the shard process's session table: every lobby currently
// assigned to this shard.
type Host struct {
	mu       sync.Mutex
	sessions map[domain.LobbyID]*Session
	tokenTTL time.Duration
	report   ReportFunc
}

func NewHost(tokenTTL time.Duration) *Host {
	if tokenTTL == 0 {
		tokenTTL = DefaultTokenTTL
	}
	return &Host{
		sessions: make(map[domain.LobbyID]*Session),
		tokenTTL: tokenTTL,
	}
}

// SetReport wires the uplink in after construction; the uplink needs the
// host first for assignment handling.
func (h *Host) SetReport(report ReportFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.report = report
}

// Assign accepts a hand-off from the primary. A re-sent assignment for a
// live lobby is ignored; tokens are never re-armed.
func (h *Host) Assign(assign protocol.AssignLobby) {
	h.mu.Lock()
	if _, ok := h.sessions[assign.LobbyID]; ok {
		h.mu.Unlock()
		log.Warn().Str("module", "shard").Str("lobby", string(assign.LobbyID)).Msg("duplicate assignment ignored")
		return
	}
	sess := NewSession(assign, h.tokenTTL, h.completed)
	h.sessions[assign.LobbyID] = sess
	h.mu.Unlock()

	log.Info().Str("module", "shard").Str("lobby", string(assign.LobbyID)).
		Int("players", len(assign.Players)).Msg("lobby assigned")
}

func (h *Host) Session(id domain.LobbyID) (*Session, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[id]
	return s, ok
}

// Cancel handles the host-only administrative cancel forwarded by the
// primary over the control channel.
func (h *Host) Cancel(id domain.LobbyID) {
	if s, ok := h.Session(id); ok {
		s.EndRound(true)
	}
}

// Counts feeds the periodic status report to the primary.
func (h *Host) Counts() (lobbies, players int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.sessions {
		lobbies++
		players += s.PlayerCount()
	}
	return lobbies, players
}

// completed frees the slot and reports upstream.
func (h *Host) completed(lobby domain.LobbyID, summary domain.RoundSummary) {
	h.mu.Lock()
	delete(h.sessions, lobby)
	report := h.report
	h.mu.Unlock()

	msg := protocol.LobbyEnded{
		Type:     protocol.TypeLobbyEnded,
		LobbyID:  lobby,
		Canceled: summary.Canceled,
		Practice: summary.Practice,
	}
	if !summary.Canceled {
		won := summary.SheepWon
		msg.SheepWon = &won
		msg.Round = &summary
	}
	if report != nil {
		report(msg)
	}
}
