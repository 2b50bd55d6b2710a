package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coffersTech/mapwatch/internal/model"
)

// MemorySource keeps snapshots in memory. It serves tests and small
// imports that do not need a database.
type MemorySource struct {
	mu    sync.RWMutex
	snaps map[string][]model.Snapshot
}

func NewMemorySource() *MemorySource {
	return &MemorySource{snaps: make(map[string][]model.Snapshot)}
}

// Add inserts a snapshot, keeping each server's list ordered by time.
func (m *MemorySource) Add(server string, ts time.Time, payload []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := strings.ToLower(server)
	list := m.snaps[key]
	i := sort.Search(len(list), func(i int) bool { return list[i].Timestamp.After(ts) })
	list = append(list, model.Snapshot{})
	copy(list[i+1:], list[i:])
	list[i] = model.Snapshot{Timestamp: ts, Payload: payload}
	m.snaps[key] = list
}

// OpenSnapshots implements engine.Source. The returned iterator works on a
// copy of the matching range.
func (m *MemorySource) OpenSnapshots(_ context.Context, server string, start, end time.Time) (model.SnapshotIterator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.Snapshot
	for _, s := range m.snaps[strings.ToLower(server)] {
		if s.Timestamp.Before(start) || s.Timestamp.After(end) {
			continue
		}
		out = append(out, s)
	}
	return &sliceIterator{snaps: out, cursor: -1}, nil
}

type sliceIterator struct {
	snaps  []model.Snapshot
	cursor int
}

func (it *sliceIterator) Next() bool {
	if it.cursor+1 >= len(it.snaps) {
		return false
	}
	it.cursor++
	return true
}

func (it *sliceIterator) Snapshot() model.Snapshot { return it.snaps[it.cursor] }
func (it *sliceIterator) Error() error             { return nil }
func (it *sliceIterator) Close() error             { return nil }

// Append implements Appender.
func (m *MemorySource) Append(_ context.Context, server, _ string, ts time.Time, payload []byte) error {
	m.Add(server, ts, payload)
	return nil
}
