package partition

import (
	"sort"
	"strconv"
)

// DefaultPointsPerWeight is the number of ring points per unit of host weight.
const DefaultPointsPerWeight = 100

// Host is one server instance.
type Host struct {
	ID      string `json:"id" yaml:"id"`
	URI     string `json:"uri" yaml:"uri"`
	Weight  int    `json:"weight" yaml:"weight"`
	Healthy bool   `json:"healthy" yaml:"healthy"`
}

type point struct {
	hash uint64
	host int
}

// Ring is an immutable consistent hash ring over healthy hosts.
type Ring struct {
	hosts  []Host
	points []point
}

// NewRing places Weight*pointsPerWeight points per healthy host, each at the hash
// of "<id>#<i>". Points with equal hashes keep host insertion order.
func NewRing(hosts []Host, pointsPerWeight int) *Ring {
	if pointsPerWeight <= 0 {
		pointsPerWeight = DefaultPointsPerWeight
	}
	r := &Ring{}
	for _, h := range hosts {
		if !h.Healthy {
			continue
		}
		w := h.Weight
		if w <= 0 {
			w = 1
		}
		idx := len(r.hosts)
		r.hosts = append(r.hosts, h)
		for i := 0; i < w*pointsPerWeight; i++ {
			r.points = append(r.points, point{hash: Hash(h.ID + "#" + strconv.Itoa(i)), host: idx})
		}
	}
	sort.SliceStable(r.points, func(i, j int) bool { return r.points[i].hash < r.points[j].hash })
	return r
}

// Empty reports whether the ring has no healthy host.
func (r *Ring) Empty() bool { return r == nil || len(r.points) == 0 }

// Hosts lists the hosts on the ring.
func (r *Ring) Hosts() []Host {
	if r == nil {
		return nil
	}
	return append([]Host(nil), r.hosts...)
}

// Lookup returns the host owning the first point at or after the key hash, wrapping around.
func (r *Ring) Lookup(key string) (Host, bool) {
	if r.Empty() {
		return Host{}, false
	}
	h := Hash(key)
	i := sort.Search(len(r.points), func(i int) bool { return r.points[i].hash >= h })
	if i == len(r.points) {
		i = 0
	}
	return r.hosts[r.points[i].host], true
}
