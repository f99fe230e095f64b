// Package app is the primary's orchestration layer: the lobby table and the
// session router that hands lobbies off to shards.
package app

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/pasturegame/pasture/internal/domain"
	"github.com/pasturegame/pasture/internal/game"
	"github.com/pasturegame/pasture/internal/protocol"
)

// PlayerConn is the primary-side transport for one player. Owned by the
// websocket adapter; the adapter closes it.
type PlayerConn interface {
	TrySend(v any) error
	Close()
}

// PlayerSession binds a player to their primary connection. IP feeds
// geolocation-based shard ranking.
type PlayerSession struct {
	Player *domain.Player
	Conn   PlayerConn
	IP     string
}

// Lobby is the primary's record of one lobby. It survives a hand-off: while
// a round runs on a shard only ActiveShard and the roster change here.
type Lobby struct {
	ID       domain.LobbyID
	Name     string
	HostID   domain.PlayerID
	Settings domain.Settings

	mu            sync.RWMutex
	players       map[domain.PlayerID]*PlayerSession
	activeShard   domain.ShardID
	shardMachine  domain.MachineID
	customMapData []byte
	round         game.Round
}

func (l *Lobby) AddPlayer(s *PlayerSession) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.players[s.Player.ID] = s
}

func (l *Lobby) RemovePlayer(id domain.PlayerID) (empty bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.players, id)
	return len(l.players) == 0
}

func (l *Lobby) Players() []*PlayerSession {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*PlayerSession, 0, len(l.players))
	for _, s := range l.players {
		out = append(out, s)
	}
	return out
}

func (l *Lobby) PlayerCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.players)
}

func (l *Lobby) ActiveShard() domain.ShardID {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.activeShard
}

func (l *Lobby) setShard(shard domain.ShardID, machine domain.MachineID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.activeShard = shard
	l.shardMachine = machine
}

func (l *Lobby) clearShard() (machine domain.MachineID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	machine = l.shardMachine
	l.activeShard = ""
	l.shardMachine = ""
	return machine
}

// SetCustomMap attaches editor map bytes to the lobby record; they travel
// inside the assignment, never through a side channel.
func (l *Lobby) SetCustomMap(data []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.customMapData = data
}

func (l *Lobby) CustomMap() []byte {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.customMapData
}

// Broadcast fans out to every player still connected to the primary.
func (l *Lobby) Broadcast(v any) {
	for _, s := range l.Players() {
		if err := s.Conn.TrySend(v); err != nil {
			log.Debug().Err(err).Str("module", "app").Str("lobby", string(l.ID)).Msg("broadcast dropped")
		}
	}
}

// ApplyCommand feeds an in-round action into a locally hosted round.
// Returns false when no round is running here, which includes the
// handed-off case where commands travel directly to the shard.
func (l *Lobby) ApplyCommand(player domain.PlayerID, cmd protocol.GameCommand) bool {
	l.mu.RLock()
	round := l.round
	l.mu.RUnlock()
	if round == nil {
		return false
	}
	round.Apply(player, cmd)
	return true
}

// CancelLocal stops a primary-hosted round, if one is running.
func (l *Lobby) CancelLocal() {
	l.mu.Lock()
	round := l.round
	l.mu.Unlock()
	if round != nil {
		round.Stop(true)
	}
}

// Lobbies is the primary's lobby table.
type Lobbies struct {
	mu      sync.RWMutex
	lobbies map[domain.LobbyID]*Lobby
}

func NewLobbies() *Lobbies {
	return &Lobbies{lobbies: make(map[domain.LobbyID]*Lobby)}
}

func (t *Lobbies) Create(name string, host domain.PlayerID, settings domain.Settings) *Lobby {
	l := &Lobby{
		ID:       domain.LobbyID(uuid.NewString()),
		Name:     name,
		HostID:   host,
		Settings: settings,
		players:  make(map[domain.PlayerID]*PlayerSession),
	}
	t.mu.Lock()
	t.lobbies[l.ID] = l
	t.mu.Unlock()
	log.Info().Str("module", "app").Str("lobby", string(l.ID)).Str("name", name).Msg("lobby created")
	return l
}

func (t *Lobbies) Get(id domain.LobbyID) (*Lobby, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	l, ok := t.lobbies[id]
	return l, ok
}

func (t *Lobbies) Remove(id domain.LobbyID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.lobbies, id)
}

func (t *Lobbies) List() []*Lobby {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Lobby, 0, len(t.lobbies))
	for _, l := range t.lobbies {
		out = append(out, l)
	}
	return out
}

// Counts feeds the primary's own entry in the hosting-option list.
func (t *Lobbies) Counts() (lobbies, players int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, l := range t.lobbies {
		lobbies++
		players += l.PlayerCount()
	}
	return lobbies, players
}
