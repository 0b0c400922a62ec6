// Package partition maps resource keys to partitions and partitions to hosts
// through point-based consistent hash rings held in an atomically swapped snapshot.
package partition

import (
	"crypto/md5"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
)

var (
	// ErrServiceUnavailable means a partition has no healthy host.
	ErrServiceUnavailable = errors.New("service unavailable")
	// ErrPartitionAccess means the accessor could not place a key.
	ErrPartitionAccess = errors.New("partition access")
)

// Accessor places a key into a partition.
type Accessor interface {
	PartitionFor(key string) (int, error)
	// Partitions lists every partition id in ascending order.
	Partitions() []int
}

// Unpartitioned puts every key into partition 0.
type Unpartitioned struct{}

func (Unpartitioned) PartitionFor(string) (int, error) { return 0, nil }
func (Unpartitioned) Partitions() []int                { return []int{0} }

// HashAlgorithm selects how HashAccessor turns a key into a number.
type HashAlgorithm string

const (
	HashMD5    HashAlgorithm = "md5"
	HashModulo HashAlgorithm = "modulo"
)

// HashAccessor assigns partition hash(key) mod Count.
type HashAccessor struct {
	Count     int
	Algorithm HashAlgorithm
}

func (a HashAccessor) PartitionFor(key string) (int, error) {
	if a.Count <= 0 {
		return 0, fmt.Errorf("%w: partition count %d", ErrPartitionAccess, a.Count)
	}
	if a.Algorithm == HashModulo {
		n, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: modulo hashing needs a numeric key, got %q", ErrPartitionAccess, key)
		}
		if n < 0 {
			n = -n
		}
		return int(n % int64(a.Count)), nil
	}
	return int(Hash(key) % uint64(a.Count)), nil
}

func (a HashAccessor) Partitions() []int { return seq(a.Count) }

// RangeAccessor assigns partition (key-Start)/Size for numeric keys.
type RangeAccessor struct {
	Start int64
	Size  int64
	Count int
}

func (a RangeAccessor) PartitionFor(key string) (int, error) {
	n, err := strconv.ParseInt(key, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: range partitioning needs a numeric key, got %q", ErrPartitionAccess, key)
	}
	if a.Size <= 0 {
		return 0, fmt.Errorf("%w: partition size %d", ErrPartitionAccess, a.Size)
	}
	if n < a.Start {
		return 0, fmt.Errorf("%w: key %d is below range start %d", ErrPartitionAccess, n, a.Start)
	}
	p := (n - a.Start) / a.Size
	if p >= int64(a.Count) {
		return 0, fmt.Errorf("%w: key %d is beyond the last partition", ErrPartitionAccess, n)
	}
	return int(p), nil
}

func (a RangeAccessor) Partitions() []int { return seq(a.Count) }

func seq(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

// Hash is the 64-bit key hash used by rings and the md5 accessor.
func Hash(s string) uint64 {
	sum := md5.Sum([]byte(s))
	return binary.BigEndian.Uint64(sum[:8])
}
