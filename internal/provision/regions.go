package provision

import (
	"github.com/pasturegame/pasture/internal/domain"
	"github.com/pasturegame/pasture/internal/geo"
)

// Static coordinates and display names for provider regions, used to rank
// hosting options before any shard is running there.
var regionTable = map[domain.Region]struct {
	name   string
	coords geo.LatLon
}{
	"ams": {"Amsterdam", geo.LatLon{Lat: 52.37, Lon: 4.89}},
	"cdg": {"Paris", geo.LatLon{Lat: 49.01, Lon: 2.55}},
	"dfw": {"Dallas", geo.LatLon{Lat: 32.90, Lon: -97.04}},
	"ewr": {"New Jersey", geo.LatLon{Lat: 40.69, Lon: -74.17}},
	"fra": {"Frankfurt", geo.LatLon{Lat: 50.04, Lon: 8.57}},
	"gru": {"São Paulo", geo.LatLon{Lat: -23.44, Lon: -46.47}},
	"hkg": {"Hong Kong", geo.LatLon{Lat: 22.31, Lon: 113.92}},
	"iad": {"Virginia", geo.LatLon{Lat: 38.95, Lon: -77.46}},
	"lax": {"Los Angeles", geo.LatLon{Lat: 33.94, Lon: -118.41}},
	"lhr": {"London", geo.LatLon{Lat: 51.47, Lon: -0.45}},
	"mad": {"Madrid", geo.LatLon{Lat: 40.47, Lon: -3.57}},
	"mia": {"Miami", geo.LatLon{Lat: 25.79, Lon: -80.29}},
	"nrt": {"Tokyo", geo.LatLon{Lat: 35.77, Lon: 140.39}},
	"ord": {"Chicago", geo.LatLon{Lat: 41.98, Lon: -87.90}},
	"scl": {"Santiago", geo.LatLon{Lat: -33.39, Lon: -70.79}},
	"sea": {"Seattle", geo.LatLon{Lat: 47.45, Lon: -122.31}},
	"sin": {"Singapore", geo.LatLon{Lat: 1.36, Lon: 103.99}},
	"sjc": {"San Jose", geo.LatLon{Lat: 37.36, Lon: -121.93}},
	"syd": {"Sydney", geo.LatLon{Lat: -33.95, Lon: 151.18}},
	"yyz": {"Toronto", geo.LatLon{Lat: 43.68, Lon: -79.63}},
}

func RegionName(r domain.Region) string {
	if e, ok := regionTable[r]; ok {
		return e.name
	}
	return string(r)
}

func RegionCoords(r domain.Region) (geo.LatLon, bool) {
	e, ok := regionTable[r]
	return e.coords, ok
}
