package algorithm

import (
	"strings"

	"github.com/devrev/pairdb/docstore/internal/model"
)

// SinkPrefix marks a vector entry that was relabeled while crossing a hub/sink link
const SinkPrefix = "SINK@"

// IsSinkEntry reports whether replicaID carries the synthetic sink tag
func IsSinkEntry(replicaID string) bool {
	return strings.HasPrefix(replicaID, SinkPrefix)
}

// ToSinkID relabels a replica id with the sink tag
func ToSinkID(replicaID string) string {
	if IsSinkEntry(replicaID) {
		return replicaID
	}
	return SinkPrefix + replicaID
}

// TranslateSinkEntries rewrites a remote vector arriving over a hub/sink link.
// Sink-tagged entries the local vector already knows by their real id are renamed back;
// untagged entries the local vector has never seen are tagged so the lineage is not
// counted twice when it flows back.
func TranslateSinkEntries(remote, local model.VersionVector) model.VersionVector {
	translated := make(map[string]int64, len(remote.Entries))

	for _, entry := range remote.Entries {
		id := entry.ReplicaID
		if IsSinkEntry(id) {
			realID := strings.TrimPrefix(id, SinkPrefix)
			if local.Has(realID) {
				id = realID
			}
		} else if !local.Has(id) {
			id = ToSinkID(id)
		}

		if existing, ok := translated[id]; !ok || entry.Counter > existing {
			translated[id] = entry.Counter
		}
	}

	return model.NewVersionVector(translated).Canonical()
}
