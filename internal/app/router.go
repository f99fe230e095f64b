package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/pasturegame/pasture/internal/domain"
	"github.com/pasturegame/pasture/internal/game"
	"github.com/pasturegame/pasture/internal/geo"
	"github.com/pasturegame/pasture/internal/protocol"
	"github.com/pasturegame/pasture/internal/provision"
	"github.com/pasturegame/pasture/internal/registry"
)

// ErrCouldNotStartShard is the single user-facing failure for every
// provisioning or hand-off error; details stay in the logs.
var ErrCouldNotStartShard = errors.New("could not start shard")

// Router decides when a lobby needs a shard, obtains a machine, builds the
// token roster and sends the assignment.
type Router struct {
	Lobbies  *Lobbies
	Registry *registry.Registry
	Prov     *provision.Provisioner
	Geo      *geo.Resolver

	// LaunchTimeout bounds the wait for a freshly provisioned machine's
	// shard to register.
	LaunchTimeout time.Duration
}

func NewRouter(lobbies *Lobbies, reg *registry.Registry, prov *provision.Provisioner, geoRes *geo.Resolver, launchTimeout time.Duration) *Router {
	if launchTimeout == 0 {
		launchTimeout = 2 * time.Minute
	}
	r := &Router{
		Lobbies:       lobbies,
		Registry:      reg,
		Prov:          prov,
		Geo:           geoRes,
		LaunchTimeout: launchTimeout,
	}
	reg.SetOnLobbyCanceled(r.onLobbyCanceled)
	reg.SetPrimaryCounts(lobbies.Counts)
	return r
}

// RankFor returns hosting options ordered for this lobby's roster.
func (r *Router) RankFor(l *Lobby) []domain.ShardInfo {
	var coords []geo.LatLon
	for _, s := range l.Players() {
		if c := r.Geo.Coords(s.IP); c != nil {
			coords = append(coords, *c)
		}
	}
	return r.Registry.Options(coords)
}

// StartLocal runs the round on the primary itself; the same seed sequence a
// shard performs after its roster completes.
func (r *Router) StartLocal(l *Lobby) {
	roster := make([]domain.Player, 0, l.PlayerCount())
	for _, s := range l.Players() {
		roster = append(roster, *s.Player)
	}
	round := game.NewRound(roster, l.Settings)
	l.mu.Lock()
	l.round = round
	l.mu.Unlock()
	round.Start(l.Broadcast, func(summary domain.RoundSummary) {
		l.mu.Lock()
		l.round = nil
		l.mu.Unlock()
		stop := protocol.RoundStop{Type: protocol.TypeRoundStop, Canceled: summary.Canceled}
		if !summary.Canceled {
			stop.Summary = &summary
		}
		l.Broadcast(stop)
	})
}

// StartOnShard hands the lobby off to the chosen hosting option. On any
// failure the lobby stays local and the caller surfaces
// ErrCouldNotStartShard to the host.
func (r *Router) StartOnShard(ctx context.Context, l *Lobby, target domain.ShardInfo) error {
	sh, err := r.resolveShard(ctx, target)
	if err != nil {
		log.Error().Err(err).Str("module", "app").Str("lobby", string(l.ID)).
			Str("region", string(target.FlyRegion)).Msg("hand-off failed")
		return ErrCouldNotStartShard
	}

	players := l.Players()
	entries := make([]protocol.RosterEntry, 0, len(players))
	tokens := make(map[domain.PlayerID]string, len(players))
	for _, s := range players {
		// uuid v4 tokens: unpredictable, unique within the assignment.
		token := uuid.NewString()
		tokens[s.Player.ID] = token
		entries = append(entries, protocol.RosterEntry{
			ID:          s.Player.ID,
			Name:        s.Player.Name,
			PlayerColor: s.Player.Color,
			Team:        s.Player.Team,
			Token:       token,
		})
	}

	assign := protocol.AssignLobby{
		Type:          protocol.TypeAssignLobby,
		LobbyID:       l.ID,
		Settings:      l.Settings,
		Players:       entries,
		HostID:        l.HostID,
		Practice:      l.Settings.Practice,
		Editor:        l.Settings.Editor,
		CustomMapData: l.CustomMap(),
	}
	if err := sh.Link.Send(assign); err != nil {
		log.Error().Err(err).Str("module", "app").Str("lobby", string(l.ID)).Str("shard", string(sh.ID)).Msg("assignment send failed")
		return ErrCouldNotStartShard
	}

	if err := r.Registry.AttachLobby(sh.ID, l.ID); err != nil {
		return ErrCouldNotStartShard
	}
	if sh.MachineID != "" {
		if err := r.Prov.AddLobby(sh.MachineID, l.ID); err != nil {
			log.Warn().Err(err).Str("module", "app").Str("lobby", string(l.ID)).Msg("keep-alive attach failed")
		}
	}
	l.setShard(sh.ID, sh.MachineID)

	playURL := registry.PlayURL(sh.PublicURL)
	for _, s := range players {
		err := s.Conn.TrySend(protocol.ConnectShard{
			Type:    protocol.TypeConnectShard,
			URL:     playURL,
			LobbyID: l.ID,
			Token:   tokens[s.Player.ID],
		})
		if err != nil {
			log.Debug().Err(err).Str("module", "app").Str("player", string(s.Player.ID)).Msg("connect instruction dropped")
		}
	}

	log.Info().Str("module", "app").Str("lobby", string(l.ID)).Str("shard", string(sh.ID)).
		Int("players", len(players)).Msg("lobby handed off")
	return nil
}

func (r *Router) resolveShard(ctx context.Context, target domain.ShardInfo) (*registry.RegisteredShard, error) {
	if target.ID != "" {
		sh, ok := r.Registry.Shard(target.ID)
		if !ok {
			return nil, fmt.Errorf("shard %s no longer registered", target.ID)
		}
		return sh, nil
	}
	if target.FlyRegion == "" {
		return nil, errors.New("hosting option names neither a shard nor a region")
	}

	machineID, err := r.Prov.Launch(ctx, target.FlyRegion)
	if err != nil {
		return nil, fmt.Errorf("launch %s: %w", target.FlyRegion, err)
	}
	shardID, err := r.Registry.AwaitShard(machineID, r.LaunchTimeout)
	if err != nil {
		return nil, err
	}
	sh, ok := r.Registry.Shard(shardID)
	if !ok {
		return nil, fmt.Errorf("shard %s disconnected before hand-off", shardID)
	}
	return sh, nil
}

// CancelOnShard forwards the host's cancel over the control channel;
// ordinary in-round actions never take this path.
func (r *Router) CancelOnShard(l *Lobby) error {
	shardID := l.ActiveShard()
	if shardID == "" {
		return errors.New("lobby has no active shard")
	}
	sh, ok := r.Registry.Shard(shardID)
	if !ok {
		return fmt.Errorf("%w: %s", registry.ErrUnknownShard, shardID)
	}
	return sh.Link.Send(protocol.CancelLobby{Type: protocol.TypeCancelLobby, LobbyID: l.ID})
}

// OnLobbyEnded reconciles primary state when a shard reports a round
// outcome.
func (r *Router) OnLobbyEnded(shardID domain.ShardID, msg protocol.LobbyEnded) {
	r.Registry.DetachLobby(shardID, msg.LobbyID)

	l, ok := r.Lobbies.Get(msg.LobbyID)
	if !ok {
		return
	}
	if machine := l.clearShard(); machine != "" {
		r.Prov.RemoveLobby(machine, msg.LobbyID)
	}

	stop := protocol.RoundStop{Type: protocol.TypeRoundStop, Canceled: msg.Canceled, Summary: msg.Round}
	l.Broadcast(stop)
	log.Info().Str("module", "app").Str("lobby", string(msg.LobbyID)).Str("shard", string(shardID)).
		Bool("canceled", msg.Canceled).Msg("round ended on shard")
}

// onLobbyCanceled handles shard loss: the round is gone, no partial
// statistics are retained, players get one distinct user-facing message.
func (r *Router) onLobbyCanceled(lobbyID domain.LobbyID, reason string) {
	l, ok := r.Lobbies.Get(lobbyID)
	if !ok {
		return
	}
	if machine := l.clearShard(); machine != "" {
		r.Prov.RemoveLobby(machine, lobbyID)
	}
	l.Broadcast(protocol.ErrorMessage{Type: protocol.TypeRoundCanceled, Error: reason})
}
