package model

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DefaultGapThreshold is the largest spacing between snapshots that is
// still treated as continuous coverage.
const DefaultGapThreshold = 180 * time.Second

var coordinatePattern = regexp.MustCompile(`^-?\d+$`)

// BoundingBox is a rectangle on the x/z plane given by two opposite corners
// in any order.
type BoundingBox struct {
	X1 int `json:"x1"`
	Z1 int `json:"z1"`
	X2 int `json:"x2"`
	Z2 int `json:"z2"`
}

// Normalize returns the box with X1/Z1 as the minimum corner.
func (b BoundingBox) Normalize() BoundingBox {
	return BoundingBox{
		X1: min(b.X1, b.X2),
		Z1: min(b.Z1, b.Z2),
		X2: max(b.X1, b.X2),
		Z2: max(b.Z1, b.Z2),
	}
}

// Contains reports whether (x, z) lies inside the box, edges included.
func (b BoundingBox) Contains(x, z int) bool {
	n := b.Normalize()
	return n.X1 <= x && x <= n.X2 && n.Z1 <= z && z <= n.Z2
}

// ParseBoundingBox builds a box from raw coordinate strings. All four empty
// means no box.
func ParseBoundingBox(x1, z1, x2, z2 string) (*BoundingBox, error) {
	raw := []string{x1, z1, x2, z2}
	supplied := 0
	for i := range raw {
		raw[i] = strings.TrimSpace(raw[i])
		if raw[i] != "" {
			supplied++
		}
	}
	if supplied == 0 {
		return nil, nil
	}
	if supplied < len(raw) {
		return nil, invalidQuery("bounding box needs 4 coordinates, got %d", supplied)
	}

	var vals [4]int
	for i, s := range raw {
		if !coordinatePattern.MatchString(s) {
			return nil, invalidQuery("coordinate %q is not an integer", s)
		}
		v, err := strconv.Atoi(s)
		if err != nil {
			return nil, invalidQuery("coordinate %q: %v", s, err)
		}
		vals[i] = v
	}
	return &BoundingBox{X1: vals[0], Z1: vals[1], X2: vals[2], Z2: vals[3]}, nil
}

// Query selects snapshots of one server between Start and End inclusive.
type Query struct {
	Server       string
	World        string // empty matches every world
	Start        time.Time
	End          time.Time
	GapThreshold time.Duration // zero means DefaultGapThreshold
	Box          *BoundingBox
	Names        []string // case-insensitive substrings; empty matches all
}

// Threshold returns the effective gap threshold.
func (q Query) Threshold() time.Duration {
	if q.GapThreshold == 0 {
		return DefaultGapThreshold
	}
	return q.GapThreshold
}

// Validate checks the invariants that must hold before any snapshot is read.
func (q Query) Validate() error {
	if q.Server == "" {
		return invalidQuery("server is required")
	}
	if q.Start.IsZero() || q.End.IsZero() {
		return invalidQuery("start and end are required")
	}
	if q.Start.After(q.End) {
		return invalidQuery("start %s is after end %s", q.Start.UTC().Format(time.RFC3339), q.End.UTC().Format(time.RFC3339))
	}
	if q.GapThreshold < 0 {
		return invalidQuery("gap threshold must not be negative")
	}
	return nil
}
