package model

import "time"

// Snapshot is one timestamped capture of a world map update.
// The payload is kept serialized until the engine decodes it.
type Snapshot struct {
	Timestamp time.Time
	Payload   []byte
}

// SnapshotIterator provides a forward-only view over snapshots,
// ascending by timestamp.
type SnapshotIterator interface {
	Next() bool
	Snapshot() Snapshot
	Error() error
	Close() error
}

// EntityRecord is a single player position decoded from a snapshot payload.
type EntityRecord struct {
	Name  string `json:"name"`
	World string `json:"world"`
	X     int    `json:"x"`
	Y     int    `json:"y"`
	Z     int    `json:"z"`
}
