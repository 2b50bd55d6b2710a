package engine

import (
	"time"

	"github.com/coffersTech/mapwatch/internal/model"
)

// boundaryOffset is added to the start of every gap that follows a snapshot,
// so the instant of that snapshot is not reported as missing.
const boundaryOffset = time.Minute

// gapDetector tracks the last covered instant of a forward scan.
type gapDetector struct {
	threshold time.Duration
	prev      time.Time
	advanced  bool // at least one snapshot observed
}

func newGapDetector(q model.Query) gapDetector {
	return gapDetector{threshold: q.Threshold(), prev: q.Start}
}

// observe records a snapshot at ts and returns the gap preceding it, if any.
func (g *gapDetector) observe(ts time.Time) (model.Gap, bool) {
	gap, ok := g.check(ts, ts.Add(-time.Second))
	g.prev = ts
	g.advanced = true
	return gap, ok
}

// finish returns the trailing gap up to end. A scan that saw no snapshot
// always reports the whole range.
func (g *gapDetector) finish(end time.Time) (model.Gap, bool) {
	if !g.advanced {
		return model.Gap{MissingStart: g.prev, MissingEnd: end}, true
	}
	return g.check(end, end)
}

func (g *gapDetector) check(ts, missingEnd time.Time) (model.Gap, bool) {
	if ts.Sub(g.prev) <= g.threshold {
		return model.Gap{}, false
	}

	missingStart := g.prev
	if g.advanced {
		missingStart = g.prev.Add(boundaryOffset)
		if missingStart.After(missingEnd) {
			missingStart = missingEnd
		}
	} else if missingEnd.Before(missingStart) {
		missingEnd = missingStart
	}
	return model.Gap{MissingStart: missingStart, MissingEnd: missingEnd}, true
}
