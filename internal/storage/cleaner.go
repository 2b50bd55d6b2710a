package storage

import (
	"context"
	"time"
)

const (
	logMsgCleanerStarted = "retention cleaner started"
	logMsgCleanerFailed  = "retention purge failed"
	logAttrRetention     = "retention"
	logAttrInterval      = "interval"
	logAttrError         = "error"
)

// RunCleaner purges snapshots older than retention every interval until
// ctx is cancelled. A non-positive retention disables purging.
func (s *Store) RunCleaner(ctx context.Context, retention, interval time.Duration) {
	if retention <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info(logMsgCleanerStarted, logAttrRetention, retention.String(), logAttrInterval, interval.String())

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.purgeExpired(ctx, retention)
		}
	}
}

func (s *Store) purgeExpired(ctx context.Context, retention time.Duration) {
	cutoff := time.Now().Add(-retention)
	if _, err := s.DeleteBefore(ctx, cutoff); err != nil && ctx.Err() == nil {
		s.logger.Error(logMsgCleanerFailed, logAttrError, err)
	}
}
