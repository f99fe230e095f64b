package registry

import (
	"math"
	"sort"

	"github.com/pasturegame/pasture/internal/domain"
	"github.com/pasturegame/pasture/internal/geo"
	"github.com/pasturegame/pasture/internal/provision"
)

const primaryName = "Official Server"

// Options returns the ranked hosting options for a roster: the primary
// itself, every registered shard, and every provisionable region without
// one. With player coordinates the list is sorted by summed squared
// distance; without, the order is deterministic and stable for identical
// registry contents.
func (r *Registry) Options(playerCoords []geo.LatLon) []domain.ShardInfo {
	type option struct {
		info   domain.ShardInfo
		coords *geo.LatLon
	}

	r.mu.RLock()
	opts := make([]option, 0, len(r.shards)+4)
	regionsSeen := make(map[domain.Region]bool)
	for _, sh := range r.shards {
		opts = append(opts, option{
			info: domain.ShardInfo{
				ID:          sh.ID,
				Name:        sh.Name,
				Region:      sh.RegionName,
				PlayerCount: sh.PlayerCount,
				LobbyCount:  sh.LobbyCount,
				IsOnline:    true,
				FlyRegion:   sh.Region,
				Status:      domain.ShardOnline,
			},
			coords: sh.Coords,
		})
		if sh.Region != "" {
			regionsSeen[sh.Region] = true
		}
	}
	r.mu.RUnlock()

	for _, region := range r.prov.Regions() {
		if regionsSeen[region] {
			continue
		}
		status := domain.ShardOffline
		if _, ok := r.prov.MachineForRegion(region); ok || r.prov.Launching(region) {
			status = domain.ShardLaunching
		}
		var coords *geo.LatLon
		if c, ok := provision.RegionCoords(region); ok {
			coords = &c
		}
		opts = append(opts, option{
			info: domain.ShardInfo{
				Name:      provision.RegionName(region),
				Region:    provision.RegionName(region),
				FlyRegion: region,
				Status:    status,
			},
			coords: coords,
		})
	}

	score := func(o option) float64 {
		if len(playerCoords) == 0 || o.coords == nil {
			return math.Inf(1)
		}
		sum := 0.0
		for _, pc := range playerCoords {
			sum += geo.SquaredDistance(pc, *o.coords)
		}
		return sum
	}

	statusRank := map[domain.ShardStatus]int{
		domain.ShardOnline:    0,
		domain.ShardLaunching: 1,
		domain.ShardOffline:   2,
	}

	sort.SliceStable(opts, func(i, j int) bool {
		si, sj := score(opts[i]), score(opts[j])
		if si != sj {
			return si < sj
		}
		if a, b := statusRank[opts[i].info.Status], statusRank[opts[j].info.Status]; a != b {
			return a < b
		}
		if opts[i].info.Name != opts[j].info.Name {
			return opts[i].info.Name < opts[j].info.Name
		}
		if opts[i].info.FlyRegion != opts[j].info.FlyRegion {
			return opts[i].info.FlyRegion < opts[j].info.FlyRegion
		}
		return opts[i].info.ID < opts[j].info.ID
	})

	lobbies, players := 0, 0
	if r.primaryCounts != nil {
		lobbies, players = r.primaryCounts()
	}
	out := make([]domain.ShardInfo, 0, len(opts)+1)
	// The primary is always the first option regardless of distance.
	out = append(out, domain.ShardInfo{
		Name:        primaryName,
		LobbyCount:  lobbies,
		PlayerCount: players,
		IsOnline:    true,
		Status:      domain.ShardOnline,
	})
	for _, o := range opts {
		out = append(out, o.info)
	}
	return out
}
