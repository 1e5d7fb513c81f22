package algorithm

import (
	"github.com/devrev/pairdb/docstore/internal/model"
)

// Compare classifies a remote vector against a local one.
// Replica ids missing on either side count as 0.
func Compare(remote, local model.VersionVector) model.ConflictStatus {
	remoteMap := remote.ToMap()
	localMap := local.ToMap()

	remoteHasGreater := false
	remoteHasLesser := false

	for id, remoteCounter := range remoteMap {
		localCounter := localMap[id]
		if remoteCounter > localCounter {
			remoteHasGreater = true
		} else if remoteCounter < localCounter {
			remoteHasLesser = true
		}
	}

	// Replica ids known only locally
	for id, localCounter := range localMap {
		if _, exists := remoteMap[id]; !exists && localCounter > 0 {
			remoteHasLesser = true
		}
	}

	if !remoteHasGreater {
		return model.AlreadyMerged
	}
	if !remoteHasLesser {
		return model.Update
	}
	return model.Conflict
}

// Merge takes the per-replica maximum across all vectors
func Merge(vectors ...model.VersionVector) model.VersionVector {
	merged := make(map[string]int64)

	for _, v := range vectors {
		for _, entry := range v.Entries {
			if existing, exists := merged[entry.ReplicaID]; !exists || entry.Counter > existing {
				merged[entry.ReplicaID] = entry.Counter
			}
		}
	}

	return model.NewVersionVector(merged).Canonical()
}

// Increment sets replicaID's counter to counter, or bumps it by one when counter <= current
func Increment(v model.VersionVector, replicaID string, counter int64) model.VersionVector {
	m := v.ToMap()
	if counter <= m[replicaID] {
		counter = m[replicaID] + 1
	}
	m[replicaID] = counter
	return model.NewVersionVector(m).Canonical()
}

// Equal reports whether two vectors carry the same counters
func Equal(a, b model.VersionVector) bool {
	return a.String() == b.String()
}

// MaxCounter returns the largest counter in the vector
func MaxCounter(v model.VersionVector) int64 {
	var max int64
	for _, entry := range v.Entries {
		if entry.Counter > max {
			max = entry.Counter
		}
	}
	return max
}
