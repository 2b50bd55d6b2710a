package model

import "time"

// Kind names the variant of a Result.
type Kind string

const (
	KindReading Kind = "reading"
	KindGap     Kind = "gap"
)

// Result is implemented by Reading and Gap only.
type Result interface {
	Kind() Kind
	result() // marker method
}

// Reading holds the matched entities of one snapshot. Entities is never empty.
type Reading struct {
	Timestamp time.Time
	Entities  []EntityRecord
}

func (Reading) Kind() Kind { return KindReading }
func (Reading) result()    {}

// Gap marks a span of the query range with no covering snapshot.
type Gap struct {
	MissingStart time.Time
	MissingEnd   time.Time
}

func (Gap) Kind() Kind { return KindGap }
func (Gap) result()    {}
