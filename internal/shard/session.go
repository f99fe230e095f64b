package shard

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pasturegame/pasture/internal/domain"
	"github.com/pasturegame/pasture/internal/game"
	"github.com/pasturegame/pasture/internal/protocol"
)

// DefaultTokenTTL is how long hand-off tokens stay redeemable.
const DefaultTokenTTL = 60 * time.Second

type SessionState int

const (
	StateAwaitingPlayers SessionState = iota
	StatePlaying
	StateEnded
)

// CompletionFunc reports the round outcome back to whoever owns the
// session (the uplink, in production). Fires exactly once.
type CompletionFunc func(lobby domain.LobbyID, summary domain.RoundSummary)

// Session is one assigned lobby on this shard. Pending players are indexed
// by token and consumed on first use; once every expected token is consumed
// the round starts, mirroring the primary's own local start sequence.
type Session struct {
	LobbyID  domain.LobbyID
	Settings domain.Settings
	HostID   domain.PlayerID

	mu        sync.Mutex
	state     SessionState
	pending   map[string]protocol.RosterEntry
	clients   map[domain.PlayerID]*Client
	roster    []domain.Player
	round     game.Round
	onEnd     CompletionFunc
	expiry    *time.Timer
	customMap []byte
	done      bool
}

func NewSession(assign protocol.AssignLobby, tokenTTL time.Duration, onEnd CompletionFunc) *Session {
	if tokenTTL == 0 {
		tokenTTL = DefaultTokenTTL
	}
	s := &Session{
		LobbyID:   assign.LobbyID,
		Settings:  assign.Settings,
		HostID:    assign.HostID,
		state:     StateAwaitingPlayers,
		pending:   make(map[string]protocol.RosterEntry, len(assign.Players)),
		clients:   make(map[domain.PlayerID]*Client),
		onEnd:     onEnd,
		customMap: assign.CustomMapData,
	}
	s.Settings.Practice = s.Settings.Practice || assign.Practice
	s.Settings.Editor = s.Settings.Editor || assign.Editor
	for _, entry := range assign.Players {
		s.pending[entry.Token] = entry
		s.roster = append(s.roster, domain.Player{
			ID:    entry.ID,
			Name:  entry.Name,
			Color: entry.PlayerColor,
			Team:  entry.Team,
		})
	}
	s.expiry = time.AfterFunc(tokenTTL, s.expireTokens)
	return s
}

// Authenticate consumes the pending record for token. At most one call per
// token ever succeeds; replayed, expired and unknown tokens all fail the
// same way.
func (s *Session) Authenticate(token string) (protocol.RosterEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.pending[token]
	if !ok {
		return protocol.RosterEntry{}, false
	}
	delete(s.pending, token)
	return entry, true
}

// AddClient admits an authenticated player. When the last expected token
// has been consumed the session transitions to playing and the simulation
// is seeded.
func (s *Session) AddClient(c *Client) {
	s.mu.Lock()
	s.clients[c.Player.ID] = c
	start := s.state == StateAwaitingPlayers && len(s.pending) == 0
	if start {
		s.state = StatePlaying
		s.round = game.NewRound(s.roster, s.Settings)
		s.expiry.Stop()
	}
	round := s.round
	s.mu.Unlock()

	log.Info().Str("module", "shard").Str("lobby", string(s.LobbyID)).Str("player", string(c.Player.ID)).Msg("client joined")
	if start {
		round.Start(s.Broadcast, func(summary domain.RoundSummary) {
			s.complete(summary)
		})
	}
}

// RemoveClient drops a connection; an empty client set tears the session
// down immediately, covering both "never authenticated" and "round
// abandoned".
func (s *Session) RemoveClient(id domain.PlayerID) {
	s.mu.Lock()
	delete(s.clients, id)
	empty := len(s.clients) == 0
	s.mu.Unlock()

	if empty {
		log.Info().Str("module", "shard").Str("lobby", string(s.LobbyID)).Msg("last client left, tearing down")
		s.EndRound(true)
	}
}

func (s *Session) Client(id domain.PlayerID) (*Client, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[id]
	return c, ok
}

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) PlayerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Session) CustomMap() []byte { return s.customMap }

// HandleCommand applies one in-round action from an authenticated client.
func (s *Session) HandleCommand(player domain.PlayerID, cmd protocol.GameCommand) {
	if cmd.Type == protocol.CmdCancel && player == s.HostID {
		s.EndRound(true)
		return
	}
	s.mu.Lock()
	round := s.round
	playing := s.state == StatePlaying
	s.mu.Unlock()
	if playing && round != nil {
		round.Apply(player, cmd)
	}
}

// Broadcast fans a message out to every connected client; slow clients are
// skipped rather than blocking the round.
func (s *Session) Broadcast(v any) {
	s.mu.Lock()
	conns := make([]PlayerConn, 0, len(s.clients))
	for _, c := range s.clients {
		conns = append(conns, c.Conn)
	}
	s.mu.Unlock()
	for _, conn := range conns {
		if err := conn.TrySend(v); err != nil {
			log.Debug().Err(err).Str("module", "shard").Str("lobby", string(s.LobbyID)).Msg("broadcast dropped")
		}
	}
}

// EndRound stops the round (if any) and completes the session.
func (s *Session) EndRound(canceled bool) {
	s.mu.Lock()
	round := s.round
	s.mu.Unlock()

	if round != nil {
		// finish flows back through the round's onEnd into complete.
		round.Stop(canceled)
		return
	}
	s.complete(domain.RoundSummary{Canceled: true, Practice: s.Settings.Practice})
}

// expireTokens fires after the token window: stale tokens are cleared and,
// if nobody ever connected, the session tears down with no round data.
func (s *Session) expireTokens() {
	s.mu.Lock()
	if s.state != StateAwaitingPlayers {
		s.mu.Unlock()
		return
	}
	for t := range s.pending {
		delete(s.pending, t)
	}
	empty := len(s.clients) == 0
	s.mu.Unlock()

	if empty {
		log.Info().Str("module", "shard").Str("lobby", string(s.LobbyID)).Msg("token window elapsed with no players")
		s.EndRound(true)
	}
}

// complete writes per-player statistics back onto connection objects,
// broadcasts the stop message and invokes the completion callback exactly
// once.
func (s *Session) complete(summary domain.RoundSummary) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	s.state = StateEnded
	s.expiry.Stop()
	for _, st := range summary.Stats {
		if c, ok := s.clients[st.ID]; ok {
			c.Stats = st
		}
	}
	s.mu.Unlock()

	stop := protocol.RoundStop{Type: protocol.TypeRoundStop, Canceled: summary.Canceled}
	if !summary.Canceled {
		stop.Summary = &summary
	}
	s.Broadcast(stop)

	if s.onEnd != nil {
		s.onEnd(s.LobbyID, summary)
	}
}
