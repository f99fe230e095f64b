// Package registry is the primary's authoritative map of connected shard
// processes: admission (with a reachability probe), live status, lobby
// assignment bookkeeping and ranked hosting options.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/pasturegame/pasture/internal/domain"
	"github.com/pasturegame/pasture/internal/geo"
	"github.com/pasturegame/pasture/internal/provision"
)

var (
	ErrUnreachable      = errors.New("shard public url unreachable")
	ErrUnknownShard     = errors.New("unknown shard")
	ErrShardWaitTimeout = errors.New("timed out waiting for shard to register")
)

const defaultShardName = "Shard"

// ControlLink is the registry's handle on a shard's control channel,
// implemented by the control adapter.
type ControlLink interface {
	Send(v any) error
	Close()
}

// RegisteredShard is one admitted shard process. Mutated only under the
// registry lock.
type RegisteredShard struct {
	ID          domain.ShardID
	Name        string
	Region      domain.Region
	RegionName  string
	Coords      *geo.LatLon
	PublicURL   string
	Link        ControlLink
	MachineID   domain.MachineID
	LobbyCount  int
	PlayerCount int
	Lobbies     map[domain.LobbyID]struct{}
	ConnectedAt time.Time
}

// ProbeFunc validates that a shard's public URL accepts connections.
type ProbeFunc func(url string, timeout time.Duration) error

// DialProbe opens a throwaway websocket to the shard's player endpoint.
// The full upgrade handshake is exercised on purpose: it is the exact path
// players will take, reverse proxies included.
func DialProbe(playURL string, timeout time.Duration) error {
	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	conn, resp, err := dialer.Dial(playURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return err
	}
	return conn.Close()
}

type Registry struct {
	mu     sync.RWMutex
	shards map[domain.ShardID]*RegisteredShard

	geo  *geo.Resolver
	prov *provision.Provisioner

	probe        ProbeFunc
	probeTimeout time.Duration

	// onLobbyCanceled is invoked (outside the lock) for every lobby a lost
	// shard was hosting.
	onLobbyCanceled func(lobby domain.LobbyID, reason string)
	// primaryCounts feeds the primary's own entry in the option list.
	primaryCounts func() (lobbies, players int)

	waiters map[domain.MachineID][]chan domain.ShardID
}

func NewRegistry(geoRes *geo.Resolver, prov *provision.Provisioner, probeTimeout time.Duration) *Registry {
	if probeTimeout == 0 {
		probeTimeout = 5 * time.Second
	}
	return &Registry{
		shards:       make(map[domain.ShardID]*RegisteredShard),
		geo:          geoRes,
		prov:         prov,
		probe:        DialProbe,
		probeTimeout: probeTimeout,
		waiters:      make(map[domain.MachineID][]chan domain.ShardID),
	}
}

func (r *Registry) SetProbe(p ProbeFunc)                              { r.probe = p }
func (r *Registry) SetOnLobbyCanceled(f func(domain.LobbyID, string)) { r.onLobbyCanceled = f }
func (r *Registry) SetPrimaryCounts(f func() (lobbies, players int))  { r.primaryCounts = f }

// Register validates and admits a shard. The reachability probe is the one
// place the registry blocks, bounded by probeTimeout: admitting an
// unreachable shard would silently strand every later hand-off.
func (r *Registry) Register(link ControlLink, claimedName, publicURL string, port int, remoteIP string) (*RegisteredShard, error) {
	if publicURL == "" {
		publicURL = fmt.Sprintf("ws://%s:%d", remoteIP, port)
	}
	if err := r.probe(PlayURL(publicURL), r.probeTimeout); err != nil {
		log.Warn().Err(err).Str("module", "registry").Str("url", publicURL).Msg("registration rejected, probe failed")
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	sh := &RegisteredShard{
		ID:          domain.ShardID(uuid.NewString()),
		PublicURL:   publicURL,
		Link:        link,
		Lobbies:     make(map[domain.LobbyID]struct{}),
		ConnectedAt: time.Now(),
	}

	// Prefer the provider-reported region for machines we launched; fall
	// back to IP geolocation for self-hosted shards.
	if machine, ok := r.prov.MatchMachine(remoteIP, publicURL); ok {
		sh.MachineID = machine.ID
		sh.Region = machine.Region
		sh.RegionName = provision.RegionName(machine.Region)
		if coords, ok := provision.RegionCoords(machine.Region); ok {
			sh.Coords = &coords
		}
		r.prov.BindShard(machine.ID, sh.ID)
	} else {
		// The resolver carries its own HTTP timeout and treats failures as
		// empty locations, so no extra deadline here.
		loc := r.geo.Resolve(context.Background(), remoteIP)
		sh.RegionName = loc.Name
		sh.Coords = loc.Coords
	}

	name := claimedName
	if name == "" {
		name = defaultShardName
	}

	r.mu.Lock()
	sh.Name = r.dedupName(name, sh.Region)
	r.shards[sh.ID] = sh
	waiters := r.waiters[sh.MachineID]
	delete(r.waiters, sh.MachineID)
	r.mu.Unlock()

	for _, ch := range waiters {
		ch <- sh.ID
	}

	log.Info().Str("module", "registry").Str("shard", string(sh.ID)).Str("name", sh.Name).
		Str("region", string(sh.Region)).Str("url", publicURL).Msg("shard registered")
	return sh, nil
}

// dedupName suffixes a counter when the display name collides within the
// same region. Caller holds the lock.
func (r *Registry) dedupName(name string, region domain.Region) string {
	taken := func(candidate string) bool {
		for _, s := range r.shards {
			if s.Region == region && s.Name == candidate {
				return true
			}
		}
		return false
	}
	if !taken(name) {
		return name
	}
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s %d", name, i)
		if !taken(candidate) {
			return candidate
		}
	}
}

// UpdateStatus records self-reported load. Trusted channel, no validation.
func (r *Registry) UpdateStatus(id domain.ShardID, lobbies, players int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sh, ok := r.shards[id]; ok {
		sh.LobbyCount = lobbies
		sh.PlayerCount = players
	}
}

func (r *Registry) Shard(id domain.ShardID) (*RegisteredShard, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sh, ok := r.shards[id]
	return sh, ok
}

// ShardForMachine returns the shard bound to a machine, if registered.
func (r *Registry) ShardForMachine(machine domain.MachineID) (*RegisteredShard, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, sh := range r.shards {
		if sh.MachineID == machine {
			return sh, true
		}
	}
	return nil, false
}

func (r *Registry) AttachLobby(id domain.ShardID, lobby domain.LobbyID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sh, ok := r.shards[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownShard, id)
	}
	sh.Lobbies[lobby] = struct{}{}
	return nil
}

func (r *Registry) DetachLobby(id domain.ShardID, lobby domain.LobbyID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sh, ok := r.shards[id]; ok {
		delete(sh.Lobbies, lobby)
	}
}

// AwaitShard blocks until a shard registers for the given machine, bounded
// by timeout. Used by the session router after launching a machine.
func (r *Registry) AwaitShard(machine domain.MachineID, timeout time.Duration) (domain.ShardID, error) {
	r.mu.Lock()
	for _, sh := range r.shards {
		if sh.MachineID == machine {
			r.mu.Unlock()
			return sh.ID, nil
		}
	}
	ch := make(chan domain.ShardID, 1)
	r.waiters[machine] = append(r.waiters[machine], ch)
	r.mu.Unlock()

	select {
	case id := <-ch:
		return id, nil
	case <-time.After(timeout):
		r.mu.Lock()
		remaining := r.waiters[machine][:0]
		for _, w := range r.waiters[machine] {
			if w != ch {
				remaining = append(remaining, w)
			}
		}
		r.waiters[machine] = remaining
		r.mu.Unlock()
		return "", ErrShardWaitTimeout
	}
}

// Disconnect removes a shard, cancels every round it was hosting and
// releases its machine binding so the region can be reused.
func (r *Registry) Disconnect(id domain.ShardID, reason string) {
	r.mu.Lock()
	sh, ok := r.shards[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.shards, id)
	lobbies := make([]domain.LobbyID, 0, len(sh.Lobbies))
	for l := range sh.Lobbies {
		lobbies = append(lobbies, l)
	}
	r.mu.Unlock()

	log.Info().Str("module", "registry").Str("shard", string(id)).Int("lobbies", len(lobbies)).
		Str("reason", reason).Msg("shard disconnected")

	r.prov.ReleaseShard(id)
	if r.onLobbyCanceled != nil {
		for _, l := range lobbies {
			r.onLobbyCanceled(l, reason)
		}
	}
}

// PlayURL appends the player endpoint to a shard's base public URL.
func PlayURL(publicURL string) string {
	return strings.TrimRight(publicURL, "/") + "/play"
}
