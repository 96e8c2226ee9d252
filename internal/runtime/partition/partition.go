// Package partition maps stream keys onto partition numbers. The mapping is a
// pure function with no per-process seed, so every instance of a service
// resolves the same key to the same partition, today and after restarts.
package partition

import (
	errspkg "github.com/drblury/shardbus/internal/runtime/errors"
)

// FNV-1a 32-bit parameters. Fixed by contract: changing them would silently
// reshuffle every stream onto a different partition.
const (
	offsetBasis uint32 = 2166136261
	prime       uint32 = 16777619
)

// SelectPartition returns the partition index for streamKey given
// partitionCount partitions.
//
// partitionCount <= 0 is a configuration error. A single partition always
// resolves to 0 without hashing. An empty stream key routes to partition 0 as
// a defined fallback rather than an error, so callers that have no stream
// affinity still land somewhere deterministic.
func SelectPartition(streamKey string, partitionCount int) (int, error) {
	if partitionCount <= 0 {
		return 0, errspkg.ErrInvalidPartitionCount
	}
	if partitionCount == 1 || streamKey == "" {
		return 0, nil
	}

	h := offsetBasis
	for i := 0; i < len(streamKey); i++ {
		h ^= uint32(streamKey[i])
		h *= prime
	}

	idx := int(int32(h))
	if idx < 0 {
		idx = -idx
	}
	return idx % partitionCount, nil
}
