package common

import (
	"math"
	"time"
)

// GeoPoint is a WGS84 coordinate in degrees.
type GeoPoint struct {
	Latitude  float64 `json:"latitude" mapstructure:"latitude"`
	Longitude float64 `json:"longitude" mapstructure:"longitude"`
}

const earthRadiusKm = 6371.0

// DistanceKm returns the great-circle (haversine) distance to other.
func (p GeoPoint) DistanceKm(other GeoPoint) float64 {
	lat1 := p.Latitude * math.Pi / 180
	lat2 := other.Latitude * math.Pi / 180
	dLat := (other.Latitude - p.Latitude) * math.Pi / 180
	dLon := (other.Longitude - p.Longitude) * math.Pi / 180

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}

// Valid reports whether the point lies within coordinate bounds.
func (p GeoPoint) Valid() bool {
	return p.Latitude >= -90 && p.Latitude <= 90 &&
		p.Longitude >= -180 && p.Longitude <= 180 &&
		!math.IsNaN(p.Latitude) && !math.IsNaN(p.Longitude)
}

// PeerRecord is everything the node knows about a remote peer.
type PeerRecord struct {
	PeerID    string    `json:"peer_id"`
	Position  *GeoPoint `json:"position,omitempty"`
	Embedding []float32 `json:"embedding,omitempty"`
	LastSeen  time.Time `json:"last_seen"`
	Reachable bool      `json:"reachable"`

	// UnreachableSince is zero while the peer is reachable.
	UnreachableSince time.Time `json:"unreachable_since,omitempty"`
	DiscoveredAt     time.Time `json:"discovered_at"`

	// Populated by the last topology evaluation.
	Score       float64 `json:"score"`
	GeoAffinity float64 `json:"geo_affinity"`
	Similarity  float64 `json:"similarity"`
}

// Clone returns a deep copy safe to hand to readers outside the owning lock.
func (r *PeerRecord) Clone() PeerRecord {
	out := *r
	if r.Position != nil {
		pos := *r.Position
		out.Position = &pos
	}
	if r.Embedding != nil {
		out.Embedding = append([]float32(nil), r.Embedding...)
	}
	return out
}

// TopologyState is the ranked neighbour view produced by the topology manager.
// Primary is sorted by descending score; Backup is disjoint from Primary.
type TopologyState struct {
	Primary []string `json:"primary"`
	Backup  []string `json:"backup"`
}

// Contains reports whether peerID is a primary or backup neighbour.
func (s TopologyState) Contains(peerID string) bool {
	for _, id := range s.Primary {
		if id == peerID {
			return true
		}
	}
	for _, id := range s.Backup {
		if id == peerID {
			return true
		}
	}
	return false
}

// SparseEntry is a single (index, value) pair of a sparse update.
type SparseEntry struct {
	Index uint32  `json:"index"`
	Value float32 `json:"value"`
}

// SparseUpdate carries the top-K deltas of one round.
type SparseUpdate struct {
	Entries []SparseEntry `json:"entries"`
	Version uint64        `json:"version"`
	Sender  string        `json:"sender,omitempty"`
}

// Len returns the number of entries.
func (u *SparseUpdate) Len() int {
	if u == nil {
		return 0
	}
	return len(u.Entries)
}

// TensorSnapshot is a full copy of the parameter vector.
type TensorSnapshot struct {
	Values  []float32 `json:"values"`
	Hash    string    `json:"hash"`
	Version uint64    `json:"version"`
	Sender  string    `json:"sender,omitempty"`
}

// Dim returns the snapshot dimension.
func (s *TensorSnapshot) Dim() int {
	return len(s.Values)
}

// PeerSnapshot is a read-only projection of a peer for logging and telemetry.
type PeerSnapshot struct {
	PeerID            string    `json:"peer_id"`
	Score             float64   `json:"score"`
	GeoAffinity       float64   `json:"geo_affinity"`
	Similarity        float64   `json:"similarity"`
	EmbeddingDistance float64   `json:"embedding_distance"`
	EmbeddingDim      int       `json:"embedding_dim"`
	Position          *GeoPoint `json:"position,omitempty"`
	Geohash           string    `json:"geohash,omitempty"`
	Reachable         bool      `json:"reachable"`
	Role              string    `json:"role"` // "primary", "backup" or "candidate"
	LastSeen          time.Time `json:"last_seen"`
}

// TickCounters are the per-node message counters exposed for observability.
type TickCounters struct {
	Ticks          uint64 `json:"ticks"`
	SparseSent     uint64 `json:"sparse_sent"`
	SparseReceived uint64 `json:"sparse_received"`
	DenseSent      uint64 `json:"dense_sent"`
	DenseReceived  uint64 `json:"dense_received"`
	Rejected       uint64 `json:"rejected"`
	BudgetDenied   uint64 `json:"budget_denied"`
	SendFailures   uint64 `json:"send_failures"`
}
