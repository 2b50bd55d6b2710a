package registry

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Feed is the collection status of one server/world map feed.
type Feed struct {
	Server         string `json:"server"`
	World          string `json:"world"`
	RegisteredAt   int64  `json:"registered_at"`
	LastAttemptAt  int64  `json:"last_attempt_at"`
	LastSuccessAt  int64  `json:"last_success_at"`
	LastSnapshotAt int64  `json:"last_snapshot_at"`
	LastError      string `json:"last_error,omitempty"`
	Snapshots      int64  `json:"snapshots"`
	Failures       int64  `json:"failures"`
	Stale          bool   `json:"stale"`
}

// Store tracks feeds in memory.
type Store struct {
	mu    sync.RWMutex
	feeds map[string]*Feed
	now   func() time.Time
}

// NewStore creates a new feed registry.
func NewStore() *Store {
	return &Store{
		feeds: make(map[string]*Feed),
		now:   time.Now,
	}
}

func feedKey(server, world string) string {
	return strings.ToLower(server) + "/" + strings.ToLower(world)
}

// feedLocked returns the feed, registering it on first use.
func (s *Store) feedLocked(server, world string) *Feed {
	key := feedKey(server, world)
	f, ok := s.feeds[key]
	if !ok {
		f = &Feed{Server: server, World: world, RegisteredAt: s.now().Unix()}
		s.feeds[key] = f
	}
	return f
}

// RecordSuccess notes a stored snapshot taken at snapshotTs.
func (s *Store) RecordSuccess(server, world string, snapshotTs time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f := s.feedLocked(server, world)
	now := s.now().Unix()
	f.LastAttemptAt = now
	f.LastSuccessAt = now
	f.LastSnapshotAt = snapshotTs.Unix()
	f.LastError = ""
	f.Snapshots++
	f.Stale = false
}

// RecordFailure notes a failed collection attempt.
func (s *Store) RecordFailure(server, world string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f := s.feedLocked(server, world)
	f.LastAttemptAt = s.now().Unix()
	f.Failures++
	if err != nil {
		f.LastError = err.Error()
	}
}

// GetFeed returns a copy of one feed.
func (s *Store) GetFeed(server, world string) (Feed, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.feeds[feedKey(server, world)]
	if !ok {
		return Feed{}, false
	}
	return *f, true
}

// ListFeeds returns all feeds ordered by server, then world.
func (s *Store) ListFeeds() []Feed {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := make([]Feed, 0, len(s.feeds))
	for _, f := range s.feeds {
		list = append(list, *f)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].Server != list[j].Server {
			return list[i].Server < list[j].Server
		}
		return list[i].World < list[j].World
	})
	return list
}

// MarkStale flags feeds without a success within timeout and returns how
// many changed state. A feed that never succeeded counts from registration.
func (s *Store) MarkStale(timeout time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().Unix()
	timeoutSec := int64(timeout.Seconds())
	count := 0

	for _, f := range s.feeds {
		last := f.LastSuccessAt
		if last == 0 {
			last = f.RegisteredAt
		}
		stale := now-last > timeoutSec
		if stale != f.Stale {
			f.Stale = stale
			count++
		}
	}
	return count
}

// StartCleanupLoop starts a background goroutine that marks stale feeds.
func (s *Store) StartCleanupLoop(ctx context.Context, interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.MarkStale(timeout)
			case <-ctx.Done():
				return
			}
		}
	}()
}
