package common

import "github.com/cespare/xxhash/v2"

// ShardFor returns the shard index for key k out of numShards, used by the
// BundleLocker account map and the LatestVotes outer map to reduce
// contention on a single global mutex. numShards must be a power of two.
func ShardFor(k AccountKey, numShards int) int {
	h := xxhash.Sum64(k[:])
	return int(h & uint64(numShards-1))
}
