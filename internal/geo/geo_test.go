package geo

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func geoServer(t *testing.T, hits *atomic.Int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, `{"status":"success","city":"Amsterdam","country":"Netherlands","lat":52.37,"lon":4.89}`)
	}))
}

func TestResolvePrivateAddressesSkipNetwork(t *testing.T) {
	var hits atomic.Int64
	srv := geoServer(t, &hits)
	defer srv.Close()

	r := NewResolver(WithEndpoint(srv.URL))
	for _, ip := range []string{"127.0.0.1", "10.0.0.4", "192.168.1.10", "0.0.0.0", "not-an-ip", ""} {
		loc := r.Resolve(context.Background(), ip)
		assert.Empty(t, loc.Name, "ip %q", ip)
		assert.Nil(t, loc.Coords, "ip %q", ip)
	}
	assert.Equal(t, int64(0), hits.Load())
}

func TestResolveCachesWithinTTL(t *testing.T) {
	var hits atomic.Int64
	srv := geoServer(t, &hits)
	defer srv.Close()

	r := NewResolver(WithEndpoint(srv.URL))
	first := r.Resolve(context.Background(), "203.0.113.5")
	require.NotNil(t, first.Coords)
	assert.Equal(t, "Amsterdam", first.Name)

	second := r.Resolve(context.Background(), "203.0.113.5")
	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), hits.Load(), "second resolve must be a cache hit")
}

func TestResolveRefetchesAfterTTL(t *testing.T) {
	var hits atomic.Int64
	srv := geoServer(t, &hits)
	defer srv.Close()

	r := NewResolver(WithEndpoint(srv.URL), WithTTL(10*time.Millisecond))
	r.Resolve(context.Background(), "203.0.113.5")
	time.Sleep(20 * time.Millisecond)
	r.Resolve(context.Background(), "203.0.113.5")
	assert.Equal(t, int64(2), hits.Load())
}

func TestResolveFailureYieldsEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	r := NewResolver(WithEndpoint(srv.URL))
	loc := r.Resolve(context.Background(), "203.0.113.9")
	assert.Empty(t, loc.Name)
	assert.Nil(t, loc.Coords)
}

func TestCoordsIsCacheReadOnly(t *testing.T) {
	var hits atomic.Int64
	srv := geoServer(t, &hits)
	defer srv.Close()

	r := NewResolver(WithEndpoint(srv.URL))
	assert.Nil(t, r.Coords("203.0.113.5"))
	assert.Equal(t, int64(0), hits.Load())

	r.Resolve(context.Background(), "203.0.113.5")
	require.NotNil(t, r.Coords("203.0.113.5"))
	assert.Equal(t, int64(1), hits.Load())
}

func TestSquaredDistanceMonotonic(t *testing.T) {
	ams := LatLon{Lat: 52.37, Lon: 4.89}
	lhr := LatLon{Lat: 51.47, Lon: -0.45}
	nrt := LatLon{Lat: 35.77, Lon: 140.39}

	assert.Equal(t, 0.0, SquaredDistance(ams, ams))
	assert.Less(t, SquaredDistance(ams, lhr), SquaredDistance(ams, nrt))
	assert.InDelta(t, SquaredDistance(ams, nrt), SquaredDistance(nrt, ams), 1e-12)
}
