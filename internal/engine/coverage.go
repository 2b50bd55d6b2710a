package engine

import (
	"context"
	"sort"
	"time"

	"github.com/coffersTech/mapwatch/internal/model"
)

// CoveragePoint is the number of snapshots in the bucket starting at Time
// (unix seconds).
type CoveragePoint struct {
	Time  int64 `json:"time"`
	Count int   `json:"count"`
}

// Coverage counts the snapshots of server in [start, end] per interval
// bucket. Buckets without snapshots are omitted. Payloads are not decoded.
func Coverage(ctx context.Context, src Source, server string, start, end time.Time, interval time.Duration) ([]CoveragePoint, error) {
	if server == "" || end.Before(start) {
		return nil, model.ErrInvalidQuery
	}
	step := int64(interval / time.Second)
	if step <= 0 {
		return nil, model.ErrInvalidQuery
	}

	it, err := src.OpenSnapshots(ctx, server, start, end)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	buckets := make(map[int64]int)
	for it.Next() {
		ts := it.Snapshot().Timestamp.Unix()
		bucket := floorDiv(ts, step) * step
		buckets[bucket]++
	}
	if err := it.Error(); err != nil {
		return nil, err
	}

	points := make([]CoveragePoint, 0, len(buckets))
	for t, c := range buckets {
		points = append(points, CoveragePoint{Time: t, Count: c})
	}
	sort.Slice(points, func(i, j int) bool {
		return points[i].Time < points[j].Time
	})
	return points, nil
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && a < 0 {
		q--
	}
	return q
}
