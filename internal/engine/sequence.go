package engine

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/coffersTech/mapwatch/internal/model"
	"golang.org/x/text/cases"
)

// ErrOutOfOrder is returned when a source yields a snapshot older than its predecessor.
var ErrOutOfOrder = errors.New("snapshot source out of order")

// Source opens an ascending stream of snapshots for one server, inclusive
// of both bounds. Unreachable stores fail with model.ErrSourceUnavailable.
type Source interface {
	OpenSnapshots(ctx context.Context, server string, start, end time.Time) (model.SnapshotIterator, error)
}

// Sequence is the lazy result stream of one query. It reads one snapshot
// at a time and never holds more than two undelivered results.
type Sequence struct {
	query   model.Query
	it      model.SnapshotIterator
	dec     *decoder
	filter  *entityFilter
	gaps    gapDetector
	pending []model.Result
	current model.Result
	err     error
	done    bool
	closed  bool
}

// Reconstruct validates q and opens the snapshot stream behind the returned
// Sequence. Validation errors are returned before the source is touched.
func Reconstruct(ctx context.Context, src Source, q model.Query) (*Sequence, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	it, err := src.OpenSnapshots(ctx, q.Server, q.Start, q.End)
	if err != nil {
		return nil, err
	}

	fold := cases.Fold()
	return &Sequence{
		query:   q,
		it:      it,
		dec:     newDecoder(q.World, fold),
		filter:  newEntityFilter(q, fold),
		gaps:    newGapDetector(q),
		pending: make([]model.Result, 0, 2),
	}, nil
}

// Next advances to the next result. It returns false at the end of the
// range or after an error; check Error afterwards.
func (s *Sequence) Next() bool {
	for len(s.pending) == 0 {
		if s.done {
			s.current = nil
			return false
		}
		s.step()
	}
	s.current = s.pending[0]
	s.pending = append(s.pending[:0], s.pending[1:]...)
	return true
}

// Result returns the result loaded by the last call to Next.
func (s *Sequence) Result() model.Result {
	return s.current
}

// Error returns the error that ended the sequence, if any.
func (s *Sequence) Error() error {
	return s.err
}

// Close releases the snapshot stream. It is safe to call at any point and
// more than once.
func (s *Sequence) Close() error {
	s.done = true
	if s.closed {
		return nil
	}
	s.closed = true
	return s.it.Close()
}

// All adapts the sequence to a range-over-func iterator. The error, if
// any, is yielded last with a nil result. The sequence is closed when the
// loop ends.
func (s *Sequence) All() iter.Seq2[model.Result, error] {
	return func(yield func(model.Result, error) bool) {
		defer s.Close()
		for s.Next() {
			if !yield(s.Result(), nil) {
				return
			}
		}
		if err := s.Error(); err != nil {
			yield(nil, err)
		}
	}
}

// step consumes one snapshot, queueing at most one gap and one reading.
func (s *Sequence) step() {
	if !s.it.Next() {
		if err := s.it.Error(); err != nil {
			s.fail(err)
			return
		}
		if gap, ok := s.gaps.finish(s.query.End); ok {
			s.pending = append(s.pending, gap)
		}
		s.done = true
		s.Close()
		return
	}

	snap := s.it.Snapshot()
	ts := snap.Timestamp
	if ts.Before(s.query.Start) || ts.After(s.query.End) {
		return
	}
	if s.gaps.advanced && ts.Before(s.gaps.prev) {
		s.fail(fmt.Errorf("%w: %s follows %s", ErrOutOfOrder,
			ts.UTC().Format(time.RFC3339), s.gaps.prev.UTC().Format(time.RFC3339)))
		return
	}

	if gap, ok := s.gaps.observe(ts); ok {
		s.pending = append(s.pending, gap)
	}

	records, err := s.dec.decode(snap)
	if err != nil {
		s.fail(err)
		return
	}
	if matched := s.filter.apply(records); len(matched) > 0 {
		s.pending = append(s.pending, model.Reading{Timestamp: ts, Entities: matched})
	}
}

func (s *Sequence) fail(err error) {
	s.err = err
	s.done = true
	s.Close()
}

// Collect drains a sequence. On error it returns the results delivered
// before the failure together with the error.
func Collect(seq *Sequence) ([]model.Result, error) {
	defer seq.Close()
	var out []model.Result
	for seq.Next() {
		out = append(out, seq.Result())
	}
	return out, seq.Error()
}
