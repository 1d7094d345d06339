package algorithm

import (
	"crypto/md5"
	"encoding/binary"
	"errors"
)

// ErrNoHealthyNodes is returned when every node is marked dead
var ErrNoHealthyNodes = errors.New("no healthy storage nodes")

// Hash returns the partition hash of a canonical date: the first 8 bytes of
// its MD5 digest read as a big-endian integer
func Hash(date string) uint64 {
	sum := md5.Sum([]byte(date))
	return binary.BigEndian.Uint64(sum[:8])
}

// Candidate returns the node a date maps to when every node is healthy
func Candidate(date string, n int) int {
	return int(Hash(date) % uint64(n))
}

// Pair returns the (primary, replica) a date maps to on a fully healthy
// cluster
func Pair(date string, n int) (int, int) {
	p := Candidate(date, n)
	return p, ReplicaOf(p, n)
}

// ReplicaOf returns the replica paired with primary. The replica is
// assigned regardless of its health.
func ReplicaOf(primary, n int) int {
	return (primary + 1) % n
}

// Place chooses the primary for date given per-node health. It starts at
// hash mod N, probes hash+1, hash+2, ... for up to N attempts and finally
// scans linearly from the candidate. Placement is not stable under health
// changes: a date written while its candidate was down lands elsewhere.
func Place(date string, health []bool) (int, error) {
	n := len(health)
	if n == 0 {
		return 0, ErrNoHealthyNodes
	}

	h := Hash(date)
	candidate := int(h % uint64(n))
	if health[candidate] {
		return candidate, nil
	}

	for i := 1; i <= n; i++ {
		probe := int((h + uint64(i)) % uint64(n))
		if health[probe] {
			return probe, nil
		}
	}

	for i := 0; i < n; i++ {
		idx := (candidate + i) % n
		if health[idx] {
			return idx, nil
		}
	}

	return 0, ErrNoHealthyNodes
}

// ClosestHealthy returns the healthy node numerically closest to failed.
// At equal distance the lower id wins.
func ClosestHealthy(failed int, health []bool) (int, bool) {
	n := len(health)
	for d := 1; d < n; d++ {
		if lo := failed - d; lo >= 0 && health[lo] {
			return lo, true
		}
		if hi := failed + d; hi < n && health[hi] {
			return hi, true
		}
	}
	return 0, false
}

// NextHealthy returns the first healthy node cyclically after from, skipping
// exclude
func NextHealthy(from int, health []bool, exclude int) (int, bool) {
	n := len(health)
	for i := 1; i < n; i++ {
		idx := (from + i) % n
		if idx != exclude && health[idx] {
			return idx, true
		}
	}
	return 0, false
}

// HealthyCount counts healthy nodes
func HealthyCount(health []bool) int {
	count := 0
	for _, ok := range health {
		if ok {
			count++
		}
	}
	return count
}
