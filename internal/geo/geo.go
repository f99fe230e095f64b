// Package geo resolves client IPs to approximate locations for shard
// ranking. Strictly best-effort: any failure yields an empty location and
// must never block gameplay.
package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const DefaultTTL = 7 * 24 * time.Hour

type LatLon struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Location is what a lookup produces. Coords is nil when unknown.
type Location struct {
	Name   string
	Coords *LatLon
}

type entry struct {
	loc     Location
	fetched time.Time
}

type Resolver struct {
	mu       sync.RWMutex
	cache    map[string]entry
	ttl      time.Duration
	client   *http.Client
	endpoint string
	now      func() time.Time
}

type Option func(*Resolver)

func WithTTL(ttl time.Duration) Option {
	return func(r *Resolver) { r.ttl = ttl }
}

func WithEndpoint(url string) Option {
	return func(r *Resolver) { r.endpoint = url }
}

func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		cache:    make(map[string]entry),
		ttl:      DefaultTTL,
		client:   &http.Client{Timeout: 5 * time.Second},
		endpoint: "http://ip-api.com/json",
		now:      time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve returns the cached location for ip, fetching on a miss. Private,
// loopback and unparseable addresses short-circuit to an empty location
// without a network call. Concurrent resolutions of the same IP are not
// deduplicated; the fetch is idempotent and cheap.
func (r *Resolver) Resolve(ctx context.Context, ip string) Location {
	parsed := net.ParseIP(ip)
	if parsed == nil || parsed.IsLoopback() || parsed.IsPrivate() || parsed.IsUnspecified() {
		return Location{}
	}

	r.mu.RLock()
	e, ok := r.cache[ip]
	r.mu.RUnlock()
	if ok && r.now().Sub(e.fetched) < r.ttl {
		return e.loc
	}

	loc := r.fetch(ctx, ip)
	r.mu.Lock()
	r.cache[ip] = entry{loc: loc, fetched: r.now()}
	r.mu.Unlock()
	return loc
}

// Coords is a pure cache read for hot paths; it never fetches.
func (r *Resolver) Coords(ip string) *LatLon {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.cache[ip]; ok && r.now().Sub(e.fetched) < r.ttl {
		return e.loc.Coords
	}
	return nil
}

func (r *Resolver) fetch(ctx context.Context, ip string) Location {
	url := fmt.Sprintf("%s/%s?fields=status,city,country,lat,lon", r.endpoint, ip)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Location{}
	}
	resp, err := r.client.Do(req)
	if err != nil {
		log.Debug().Err(err).Str("module", "geo").Str("ip", ip).Msg("lookup failed")
		return Location{}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Debug().Str("module", "geo").Str("ip", ip).Int("status", resp.StatusCode).Msg("lookup failed")
		return Location{}
	}

	var body struct {
		Status  string  `json:"status"`
		City    string  `json:"city"`
		Country string  `json:"country"`
		Lat     float64 `json:"lat"`
		Lon     float64 `json:"lon"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Status != "success" {
		return Location{}
	}

	name := body.City
	if name == "" {
		name = body.Country
	}
	return Location{Name: name, Coords: &LatLon{Lat: body.Lat, Lon: body.Lon}}
}

// SquaredDistance is the squared chord length between two points on the
// unit sphere. Monotonic with great-circle distance, so valid for
// comparison and sorting only.
func SquaredDistance(a, b LatLon) float64 {
	ax, ay, az := toUnit(a)
	bx, by, bz := toUnit(b)
	dx, dy, dz := ax-bx, ay-by, az-bz
	return dx*dx + dy*dy + dz*dz
}

func toUnit(p LatLon) (x, y, z float64) {
	lat := p.Lat * math.Pi / 180
	lon := p.Lon * math.Pi / 180
	return math.Cos(lat) * math.Cos(lon), math.Cos(lat) * math.Sin(lon), math.Sin(lat)
}
