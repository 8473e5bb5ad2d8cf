package scheduler

import "github.com/bastion-backup/bastion/shared/types"

func toSnapshotMode(s string) types.SnapshotMode {
	return types.SnapshotMode(s)
}

func toConsistencyPolicy(s string) types.ConsistencyPolicy {
	return types.ConsistencyPolicy(s)
}

func toDestinationType(s string) types.DestinationType {
	return types.DestinationType(s)
}
