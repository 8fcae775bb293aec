package optimization

import "github.com/nmxmxh/geomesh/kernel/core/mesh/common"

const geohashBase32 = "0123456789bcdefghjkmnpqrstuvwxyz"

// DefaultGeohashPrecision is used for peer snapshots (~5km cells), coarse
// enough that telemetry does not leak exact peer positions.
const DefaultGeohashPrecision = 5

// GeohashFromLocation encodes lat/lon as a geohash. Nearby locations share
// common prefixes.
func GeohashFromLocation(lat, lon float64, precision int) string {
	if precision <= 0 || precision > 12 {
		precision = 8 // Default precision (~19m x 19m)
	}

	latMin, latMax := -90.0, 90.0
	lonMin, lonMax := -180.0, 180.0

	geohash := make([]byte, 0, precision)
	var bits uint
	var bit uint
	even := true

	for len(geohash) < precision {
		if even {
			mid := (lonMin + lonMax) / 2
			if lon > mid {
				bits |= 1 << (4 - bit)
				lonMin = mid
			} else {
				lonMax = mid
			}
		} else {
			mid := (latMin + latMax) / 2
			if lat > mid {
				bits |= 1 << (4 - bit)
				latMin = mid
			} else {
				latMax = mid
			}
		}
		even = !even

		bit++
		if bit == 5 {
			geohash = append(geohash, geohashBase32[bits])
			bits = 0
			bit = 0
		}
	}

	return string(geohash)
}

// GeohashOf encodes a point at the snapshot precision; nil yields "".
func GeohashOf(p *common.GeoPoint) string {
	if p == nil {
		return ""
	}
	return GeohashFromLocation(p.Latitude, p.Longitude, DefaultGeohashPrecision)
}

// CommonPrefixLen counts matching leading characters of two geohashes.
func CommonPrefixLen(hash1, hash2 string) int {
	n := len(hash1)
	if len(hash2) < n {
		n = len(hash2)
	}
	for i := 0; i < n; i++ {
		if hash1[i] != hash2[i] {
			return i
		}
	}
	return n
}

// GeohashDistance approximates the distance in km between two geohashes from
// their shared prefix length.
func GeohashDistance(hash1, hash2 string) float64 {
	// Cell sizes per shared prefix length
	distances := []float64{
		5000.0, // 0 chars: ~5000 km
		1250.0, // 1 char: ~1250 km
		156.0,  // 2 chars: ~156 km
		39.0,   // 3 chars: ~39 km
		4.9,    // 4 chars: ~4.9 km
		1.2,    // 5 chars: ~1.2 km
		0.15,   // 6 chars: ~150 m
		0.038,  // 7 chars: ~38 m
		0.0047, // 8 chars: ~4.7 m
	}

	matching := CommonPrefixLen(hash1, hash2)
	if matching >= len(distances) {
		return 0.001
	}
	return distances[matching]
}
