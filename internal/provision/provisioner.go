package provision

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/pasturegame/pasture/internal/domain"
)

type Config struct {
	IdleGrace     time.Duration // how long an empty machine lingers before destruction
	PollInterval  time.Duration
	LaunchTimeout time.Duration
	RegionsTTL    time.Duration
}

func (c *Config) fill() {
	if c.IdleGrace == 0 {
		c.IdleGrace = 5 * time.Minute
	}
	if c.PollInterval == 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.LaunchTimeout == 0 {
		c.LaunchTimeout = 90 * time.Second
	}
	if c.RegionsTTL == 0 {
		c.RegionsTTL = time.Hour
	}
}

type managed struct {
	Machine
	launchedAt   time.Time
	shardID      domain.ShardID
	lobbies      map[domain.LobbyID]struct{}
	destroyTimer *time.Timer
	destroyGen   uint64
}

// Provisioner tracks every machine this primary has launched. Invariants:
// at most one non-destroyed machine per region, and at most one in-flight
// launch per region (the singleflight key is claimed before any await).
type Provisioner struct {
	provider Provider
	cfg      Config

	mu        sync.Mutex
	byID      map[domain.MachineID]*managed
	byRegion  map[domain.Region]*managed
	launching map[domain.Region]bool

	launches singleflight.Group

	regionsMu      sync.Mutex
	regions        []domain.Region
	regionsFetched time.Time
	refreshing     bool
}

func NewProvisioner(provider Provider, cfg Config) *Provisioner {
	cfg.fill()
	return &Provisioner{
		provider:  provider,
		cfg:       cfg,
		byID:      make(map[domain.MachineID]*managed),
		byRegion:  make(map[domain.Region]*managed),
		launching: make(map[domain.Region]bool),
	}
}

// Launch returns a started machine for region, reusing the existing one or
// an in-flight launch when present. Concurrent callers for the same region
// all observe the same result.
func (p *Provisioner) Launch(ctx context.Context, region domain.Region) (domain.MachineID, error) {
	v, err, _ := p.launches.Do(string(region), func() (any, error) {
		return p.launch(ctx, region)
	})
	if err != nil {
		return "", err
	}
	return v.(domain.MachineID), nil
}

func (p *Provisioner) launch(ctx context.Context, region domain.Region) (domain.MachineID, error) {
	p.mu.Lock()
	if m, ok := p.byRegion[region]; ok {
		p.mu.Unlock()
		return m.ID, nil
	}
	p.launching[region] = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.launching, region)
		p.mu.Unlock()
	}()

	m, err := p.provider.CreateMachine(ctx, region)
	if err != nil {
		return "", err
	}
	log.Info().Str("module", "provision").Str("machine", string(m.ID)).Str("region", string(region)).Msg("machine created, waiting for start")

	if err := p.waitStarted(ctx, m.ID); err != nil {
		// Half-started machines are deleted rather than leaked; the delete
		// itself is best-effort.
		if derr := p.provider.DestroyMachine(context.WithoutCancel(ctx), m.ID); derr != nil {
			log.Error().Err(derr).Str("module", "provision").Str("machine", string(m.ID)).Msg("cleanup after failed launch")
		}
		return "", err
	}

	fresh, err := p.provider.MachineStatus(ctx, m.ID)
	if err != nil {
		fresh = m
	}

	p.mu.Lock()
	entry := &managed{
		Machine:    *fresh,
		launchedAt: time.Now(),
		lobbies:    make(map[domain.LobbyID]struct{}),
	}
	p.byID[m.ID] = entry
	p.byRegion[region] = entry
	p.mu.Unlock()

	log.Info().Str("module", "provision").Str("machine", string(m.ID)).Str("region", string(region)).Msg("machine started")
	return m.ID, nil
}

func (p *Provisioner) waitStarted(ctx context.Context, id domain.MachineID) error {
	deadline := time.After(p.cfg.LaunchTimeout)
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return ErrLaunchTimeout
		case <-ticker.C:
			m, err := p.provider.MachineStatus(ctx, id)
			if err != nil {
				log.Debug().Err(err).Str("module", "provision").Str("machine", string(id)).Msg("status poll failed")
				continue
			}
			switch m.State {
			case StateStarted:
				return nil
			case StateDestroyed:
				return ErrMachineDestroyed
			}
		}
	}
}

// AddLobby attaches a lobby to the machine's keep-alive set, disarming any
// pending destruction.
func (p *Provisioner) AddLobby(id domain.MachineID, lobby domain.LobbyID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMachine, id)
	}
	if m.destroyTimer != nil {
		m.destroyTimer.Stop()
		m.destroyTimer = nil
		log.Info().Str("module", "provision").Str("machine", string(id)).Msg("destruction canceled, lobby re-attached")
	}
	m.lobbies[lobby] = struct{}{}
	return nil
}

// RemoveLobby detaches a lobby; emptying the keep-alive set arms the idle
// destruction timer.
func (p *Provisioner) RemoveLobby(id domain.MachineID, lobby domain.LobbyID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.byID[id]
	if !ok {
		return
	}
	delete(m.lobbies, lobby)
	if len(m.lobbies) > 0 || m.destroyTimer != nil {
		return
	}
	log.Info().Str("module", "provision").Str("machine", string(id)).Dur("grace", p.cfg.IdleGrace).Msg("machine idle, destruction scheduled")
	m.destroyGen++
	gen := m.destroyGen
	m.destroyTimer = time.AfterFunc(p.cfg.IdleGrace, func() {
		p.idleDestroy(id, gen)
	})
}

// idleDestroy runs when the grace timer fires. A lobby may re-attach between
// the firing and this call taking the lock; the generation check makes a
// stale timer a no-op instead of destroying a machine with a live lobby.
func (p *Provisioner) idleDestroy(id domain.MachineID, gen uint64) {
	p.mu.Lock()
	m, ok := p.byID[id]
	if !ok || m.destroyTimer == nil || m.destroyGen != gen || len(m.lobbies) > 0 {
		p.mu.Unlock()
		return
	}
	m.destroyTimer = nil
	p.mu.Unlock()

	p.Destroy(context.Background(), id)
}

// Destroy removes the machine from the indexes and deletes it at the
// provider. Delete failures are logged, never retried.
func (p *Provisioner) Destroy(ctx context.Context, id domain.MachineID) {
	p.mu.Lock()
	m, ok := p.byID[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	if m.destroyTimer != nil {
		m.destroyTimer.Stop()
		m.destroyTimer = nil
	}
	delete(p.byID, id)
	if p.byRegion[m.Region] == m {
		delete(p.byRegion, m.Region)
	}
	p.mu.Unlock()

	if err := p.provider.DestroyMachine(ctx, id); err != nil {
		log.Error().Err(err).Str("module", "provision").Str("machine", string(id)).Msg("provider delete failed")
	} else {
		log.Info().Str("module", "provision").Str("machine", string(id)).Str("region", string(m.Region)).Msg("machine destroyed")
	}
}

// BindShard links a registered shard to its machine.
func (p *Provisioner) BindShard(id domain.MachineID, shard domain.ShardID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m, ok := p.byID[id]; ok {
		m.shardID = shard
	}
}

// ReleaseShard drops the shard binding so a later registration can re-link
// or a fresh machine can be launched for the region.
func (p *Provisioner) ReleaseShard(shard domain.ShardID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range p.byID {
		if m.shardID == shard {
			m.shardID = ""
		}
	}
}

// MachineView is a read-only snapshot for the registry and ranking.
type MachineView struct {
	ID      domain.MachineID
	Region  domain.Region
	ShardID domain.ShardID
}

func (p *Provisioner) Machine(id domain.MachineID) (MachineView, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.byID[id]
	if !ok {
		return MachineView{}, false
	}
	return MachineView{ID: m.ID, Region: m.Region, ShardID: m.shardID}, true
}

func (p *Provisioner) MachineForRegion(region domain.Region) (MachineView, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m, ok := p.byRegion[region]; ok {
		return MachineView{ID: m.ID, Region: m.Region, ShardID: m.shardID}, true
	}
	return MachineView{}, false
}

func (p *Provisioner) Launching(region domain.Region) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.launching[region]
}

// MatchMachine resolves which managed machine a registering shard is running
// on, by private IP or by the machine id appearing in its public URL.
func (p *Provisioner) MatchMachine(remoteIP, publicURL string) (MachineView, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range p.byID {
		if m.PrivateIP != "" && m.PrivateIP == remoteIP {
			return MachineView{ID: m.ID, Region: m.Region, ShardID: m.shardID}, true
		}
		if publicURL != "" && strings.Contains(publicURL, string(m.ID)) {
			return MachineView{ID: m.ID, Region: m.Region, ShardID: m.shardID}, true
		}
	}
	return MachineView{}, false
}

// Regions returns the cached provider region list, kicking off a background
// refresh when stale. Never blocks; an empty slice is possible before the
// first refresh lands.
func (p *Provisioner) Regions() []domain.Region {
	p.regionsMu.Lock()
	stale := time.Since(p.regionsFetched) >= p.cfg.RegionsTTL
	if stale && !p.refreshing {
		p.refreshing = true
		go p.refreshRegions()
	}
	out := make([]domain.Region, len(p.regions))
	copy(out, p.regions)
	p.regionsMu.Unlock()
	return out
}

func (p *Provisioner) refreshRegions() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	regions, err := p.provider.Regions(ctx)

	p.regionsMu.Lock()
	p.refreshing = false
	if err == nil {
		p.regions = regions
		p.regionsFetched = time.Now()
	}
	p.regionsMu.Unlock()

	if err != nil {
		log.Debug().Err(err).Str("module", "provision").Msg("region refresh failed, serving stale list")
	}
}
