package partition

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
)

// Snapshot is an immutable view of a service's partitions and hosts.
type Snapshot struct {
	Service         string
	Accessor        Accessor
	Version         int64
	PointsPerWeight int

	hosts map[int][]Host
	rings map[int]*Ring
}

// NewSnapshot builds rings for every partition of accessor from hosts.
func NewSnapshot(service string, accessor Accessor, hosts map[int][]Host, pointsPerWeight int) (*Snapshot, error) {
	if accessor == nil {
		accessor = Unpartitioned{}
	}
	valid := map[int]bool{}
	for _, p := range accessor.Partitions() {
		valid[p] = true
	}
	for p := range hosts {
		if !valid[p] {
			return nil, fmt.Errorf("service %s: hosts assigned to unknown partition %d", service, p)
		}
	}
	s := &Snapshot{
		Service:         service,
		Accessor:        accessor,
		PointsPerWeight: pointsPerWeight,
		hosts:           make(map[int][]Host, len(hosts)),
	}
	for p, hs := range hosts {
		s.hosts[p] = append([]Host(nil), hs...)
	}
	s.build()
	return s, nil
}

func (s *Snapshot) build() {
	s.rings = make(map[int]*Ring, len(s.hosts))
	for _, p := range s.Accessor.Partitions() {
		s.rings[p] = NewRing(s.hosts[p], s.PointsPerWeight)
	}
}

// Partitions lists partition ids.
func (s *Snapshot) Partitions() []int { return s.Accessor.Partitions() }

// Hosts lists every host assigned to a partition, healthy or not.
func (s *Snapshot) Hosts(partition int) []Host {
	return append([]Host(nil), s.hosts[partition]...)
}

// Ring returns the ring of a partition.
func (s *Snapshot) Ring(partition int) *Ring { return s.rings[partition] }

// AllHosts lists distinct hosts across partitions ordered by id.
func (s *Snapshot) AllHosts() []Host {
	seen := map[string]Host{}
	for _, hs := range s.hosts {
		for _, h := range hs {
			seen[h.ID] = h
		}
	}
	out := make([]Host, 0, len(seen))
	for _, h := range seen {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// UnmappedKey is a key that could not be placed, with the reason.
type UnmappedKey struct {
	Key string
	Err error
}

// MapKeysToPartitions groups keys by partition, preserving input order per partition.
func (s *Snapshot) MapKeysToPartitions(keys []string) (map[int][]string, []UnmappedKey) {
	out := map[int][]string{}
	var unmapped []UnmappedKey
	for _, k := range keys {
		p, err := s.Accessor.PartitionFor(k)
		if err != nil {
			unmapped = append(unmapped, UnmappedKey{Key: k, Err: err})
			continue
		}
		out[p] = append(out[p], k)
	}
	return out, unmapped
}

// MapToHost picks the host for key within partition.
func (s *Snapshot) MapToHost(partition int, key string) (Host, error) {
	r, ok := s.rings[partition]
	if !ok {
		return Host{}, fmt.Errorf("%w: service %s has no partition %d", ErrPartitionAccess, s.Service, partition)
	}
	h, ok := r.Lookup(key)
	if !ok {
		return Host{}, fmt.Errorf("%w: service %s partition %d has no healthy host", ErrServiceUnavailable, s.Service, partition)
	}
	return h, nil
}

// MapKey resolves a single key to partition and host.
func (s *Snapshot) MapKey(key string) (Target, error) {
	p, err := s.Accessor.PartitionFor(key)
	if err != nil {
		return Target{}, err
	}
	h, err := s.MapToHost(p, key)
	if err != nil {
		return Target{}, err
	}
	return Target{Partition: p, Host: h}, nil
}

// Target is one partition served by one host.
type Target struct {
	Partition int
	Host      Host
}

// Mapping is the result of scattering keys over hosts.
type Mapping struct {
	// Keys holds keys per host id, in input order.
	Keys     map[string][]string
	Hosts    map[string]Host
	Unmapped []UnmappedKey
}

// HostIDs lists mapped hosts in id order.
func (m *Mapping) HostIDs() []string {
	out := make([]string, 0, len(m.Keys))
	for id := range m.Keys {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// MapKeysToHosts maps keys to partitions, then each partition's keys to hosts.
func (s *Snapshot) MapKeysToHosts(keys []string) *Mapping {
	byPartition, unmapped := s.MapKeysToPartitions(keys)
	m := &Mapping{Keys: map[string][]string{}, Hosts: map[string]Host{}, Unmapped: unmapped}
	parts := make([]int, 0, len(byPartition))
	for p := range byPartition {
		parts = append(parts, p)
	}
	sort.Ints(parts)
	for _, p := range parts {
		for _, k := range byPartition[p] {
			h, err := s.MapToHost(p, k)
			if err != nil {
				m.Unmapped = append(m.Unmapped, UnmappedKey{Key: k, Err: err})
				continue
			}
			m.Keys[h.ID] = append(m.Keys[h.ID], k)
			m.Hosts[h.ID] = h
		}
	}
	return m
}

// AllPartitionsFanout returns one target per partition with a healthy host.
// The host is chosen by hashing stickyKey, or "partition-<id>" when stickyKey is empty.
// Partitions without healthy hosts are reported in the error, which wraps
// ErrServiceUnavailable, alongside the targets that could be resolved.
func (s *Snapshot) AllPartitionsFanout(stickyKey string) ([]Target, error) {
	var targets []Target
	var errs []error
	for _, p := range s.Accessor.Partitions() {
		key := stickyKey
		if key == "" {
			key = "partition-" + strconv.Itoa(p)
		}
		h, err := s.MapToHost(p, key)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		targets = append(targets, Target{Partition: p, Host: h})
	}
	return targets, errors.Join(errs...)
}

// WithHostHealth returns a copy with the host's health flag changed in every partition.
// The receiver is returned unchanged when nothing differs.
func (s *Snapshot) WithHostHealth(hostID string, healthy bool) *Snapshot {
	changed := false
	hosts := make(map[int][]Host, len(s.hosts))
	for p, hs := range s.hosts {
		cp := append([]Host(nil), hs...)
		for i := range cp {
			if cp[i].ID == hostID && cp[i].Healthy != healthy {
				cp[i].Healthy = healthy
				changed = true
			}
		}
		hosts[p] = cp
	}
	if !changed {
		return s
	}
	next := &Snapshot{
		Service:         s.Service,
		Accessor:        s.Accessor,
		Version:         s.Version + 1,
		PointsPerWeight: s.PointsPerWeight,
		hosts:           hosts,
	}
	next.build()
	return next
}

// WithHosts returns a copy with a partition's host list replaced.
func (s *Snapshot) WithHosts(partition int, hs []Host) *Snapshot {
	hosts := make(map[int][]Host, len(s.hosts)+1)
	for p, v := range s.hosts {
		hosts[p] = v
	}
	hosts[partition] = append([]Host(nil), hs...)
	next := &Snapshot{
		Service:         s.Service,
		Accessor:        s.Accessor,
		Version:         s.Version + 1,
		PointsPerWeight: s.PointsPerWeight,
		hosts:           hosts,
	}
	next.build()
	return next
}
