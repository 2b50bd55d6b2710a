package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/coffersTech/mapwatch/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(sec int64) time.Time { return time.Unix(sec, 0).UTC() }

func player(name, world string, x, z int) string {
	return fmt.Sprintf(`{"type":"player","name":%q,"world":%q,"x":%d.5,"y":64.0,"z":%d.0}`, name, world, x, z)
}

func update(players ...string) []byte {
	return []byte(`{"currentcount":2,"players":[` + strings.Join(players, ",") + `],"updates":[]}`)
}

type fakeSource struct {
	snaps   []model.Snapshot
	openErr error
	iterErr error // returned after all snapshots are consumed

	opened bool
	iter   *fakeIterator
}

func (f *fakeSource) OpenSnapshots(_ context.Context, _ string, _, _ time.Time) (model.SnapshotIterator, error) {
	f.opened = true
	if f.openErr != nil {
		return nil, f.openErr
	}
	f.iter = &fakeIterator{snaps: f.snaps, err: f.iterErr, cursor: -1}
	return f.iter, nil
}

type fakeIterator struct {
	snaps  []model.Snapshot
	err    error
	cursor int
	closed bool
}

func (it *fakeIterator) Next() bool {
	if it.cursor+1 >= len(it.snaps) {
		it.cursor = len(it.snaps)
		return false
	}
	it.cursor++
	return true
}

func (it *fakeIterator) Snapshot() model.Snapshot { return it.snaps[it.cursor] }

func (it *fakeIterator) Error() error {
	if it.cursor >= len(it.snaps) {
		return it.err
	}
	return nil
}

func (it *fakeIterator) Close() error {
	it.closed = true
	return nil
}

func alice(x, z int) string { return player("Alice", "world", x, z) }

func snapshotsAt(secs ...int64) []model.Snapshot {
	out := make([]model.Snapshot, 0, len(secs))
	for _, s := range secs {
		out = append(out, model.Snapshot{Timestamp: at(s), Payload: update(alice(1, 1))})
	}
	return out
}

func reading(sec int64) model.Reading {
	return model.Reading{
		Timestamp: at(sec),
		Entities:  []model.EntityRecord{{Name: "Alice", World: "world", X: 1, Y: 64, Z: 1}},
	}
}

func gap(start, end int64) model.Gap {
	return model.Gap{MissingStart: at(start), MissingEnd: at(end)}
}

func query(start, end int64) model.Query {
	return model.Query{Server: "smp7", World: "world", Start: at(start), End: at(end)}
}

func run(t *testing.T, src Source, q model.Query) ([]model.Result, error) {
	t.Helper()
	seq, err := Reconstruct(context.Background(), src, q)
	require.NoError(t, err)
	return Collect(seq)
}

func TestReconstruct_GapDetection(t *testing.T) {
	tests := []struct {
		name      string
		snapshots []int64
		start     int64
		end       int64
		threshold time.Duration
		want      []model.Result
	}{
		{
			name:      "gap between sparse snapshots",
			snapshots: []int64{0, 60, 300},
			start:     0, end: 300,
			want: []model.Result{reading(0), reading(60), gap(120, 299), reading(300)},
		},
		{
			name:  "no snapshots",
			start: 0, end: 300,
			want: []model.Result{gap(0, 300)},
		},
		{
			name:  "no snapshots in a span shorter than the threshold",
			start: 0, end: 30,
			want: []model.Result{gap(0, 30)},
		},
		{
			name:      "delta equal to threshold is covered",
			snapshots: []int64{0, 180, 360},
			start:     0, end: 360,
			want: []model.Result{reading(0), reading(180), reading(360)},
		},
		{
			name:      "delta one second over threshold",
			snapshots: []int64{0, 181},
			start:     0, end: 181,
			want: []model.Result{reading(0), gap(60, 180), reading(181)},
		},
		{
			name:      "leading gap keeps the query start",
			snapshots: []int64{200},
			start:     0, end: 300,
			want: []model.Result{gap(0, 199), reading(200)},
		},
		{
			name:      "trailing gap ends at the query end",
			snapshots: []int64{0},
			start:     0, end: 600,
			want: []model.Result{reading(0), gap(60, 600)},
		},
		{
			name:      "leading and trailing gaps",
			snapshots: []int64{1000},
			start:     0, end: 2000,
			want: []model.Result{gap(0, 999), reading(1000), gap(1060, 2000)},
		},
		{
			name:      "offset clamped to gap end",
			snapshots: []int64{0, 30},
			start:     0, end: 30,
			threshold: 10 * time.Second,
			want:      []model.Result{reading(0), gap(29, 29), reading(30)},
		},
		{
			name:      "duplicate timestamps",
			snapshots: []int64{0, 0, 60},
			start:     0, end: 60,
			want: []model.Result{reading(0), reading(0), reading(60)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := query(tt.start, tt.end)
			q.GapThreshold = tt.threshold
			got, err := run(t, &fakeSource{snaps: snapshotsAt(tt.snapshots...)}, q)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReconstruct_WorldMismatchStillCovers(t *testing.T) {
	src := &fakeSource{snaps: []model.Snapshot{
		{Timestamp: at(0), Payload: update(player("Alice", "wild", 5, 5))},
		{Timestamp: at(150), Payload: update(player("Alice", "wild", 5, 5))},
	}}
	q := query(0, 150)
	q.World = "nether"

	got, err := run(t, src, q)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestReconstruct_EmptyPlayersStillCovers(t *testing.T) {
	src := &fakeSource{snaps: []model.Snapshot{
		{Timestamp: at(0), Payload: []byte(`{"timestamp":0}`)},
		{Timestamp: at(100), Payload: update()},
		{Timestamp: at(200), Payload: update(alice(1, 1))},
	}}

	got, err := run(t, src, query(0, 200))
	require.NoError(t, err)
	assert.Equal(t, []model.Result{reading(200)}, got)
}

func TestReconstruct_MalformedSnapshotStopsSequence(t *testing.T) {
	src := &fakeSource{snaps: []model.Snapshot{
		{Timestamp: at(0), Payload: update(alice(1, 1))},
		{Timestamp: at(400), Payload: []byte(`{"players":[{"name":`)},
		{Timestamp: at(460), Payload: update(alice(1, 1))},
	}}

	got, err := run(t, src, query(0, 500))
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrMalformedSnapshot)

	var mse *model.MalformedSnapshotError
	require.ErrorAs(t, err, &mse)
	assert.Equal(t, at(400), mse.Timestamp)

	assert.Equal(t, []model.Result{reading(0), gap(60, 399)}, got)
	assert.True(t, src.iter.closed)
}

func TestReconstruct_NoFiltersReproducesInput(t *testing.T) {
	src := &fakeSource{snaps: []model.Snapshot{
		{Timestamp: at(0), Payload: update(player("Alice", "world", 1, 2), player("bob", "world", -3, 4))},
		{Timestamp: at(60), Payload: update(player("Carol", "world", 100, -100))},
	}}

	got, err := run(t, src, query(0, 60))
	require.NoError(t, err)
	assert.Equal(t, []model.Result{
		model.Reading{Timestamp: at(0), Entities: []model.EntityRecord{
			{Name: "Alice", World: "world", X: 1, Y: 64, Z: 2},
			{Name: "bob", World: "world", X: -4, Y: 64, Z: 4},
		}},
		model.Reading{Timestamp: at(60), Entities: []model.EntityRecord{
			{Name: "Carol", World: "world", X: 100, Y: 64, Z: -100},
		}},
	}, got)
}

func TestReconstruct_FiltersEntities(t *testing.T) {
	src := &fakeSource{snaps: []model.Snapshot{
		{Timestamp: at(0), Payload: update(player("Bobby", "World", 5, 5), player("Alice", "world", 5, 5), player("BOB99", "world", 50, 50))},
		{Timestamp: at(60), Payload: update(player("Alice", "world", 5, 5))},
	}}
	q := query(0, 60)
	q.Box = &model.BoundingBox{X1: 10, Z1: 10, X2: -5, Z2: -5}
	q.Names = []string{"bob"}

	got, err := run(t, src, q)
	require.NoError(t, err)
	assert.Equal(t, []model.Result{
		model.Reading{Timestamp: at(0), Entities: []model.EntityRecord{
			{Name: "Bobby", World: "World", X: 5, Y: 64, Z: 5},
		}},
	}, got)
}

func TestReconstruct_SourceErrors(t *testing.T) {
	unavailable := errors.Join(model.ErrSourceUnavailable, errors.New("connection refused"))

	t.Run("open", func(t *testing.T) {
		seq, err := Reconstruct(context.Background(), &fakeSource{openErr: unavailable}, query(0, 60))
		assert.Nil(t, seq)
		assert.ErrorIs(t, err, model.ErrSourceUnavailable)
	})

	t.Run("mid stream", func(t *testing.T) {
		src := &fakeSource{snaps: snapshotsAt(0, 60), iterErr: unavailable}
		got, err := run(t, src, query(0, 600))
		assert.ErrorIs(t, err, model.ErrSourceUnavailable)
		assert.Equal(t, []model.Result{reading(0), reading(60)}, got)
	})

	t.Run("out of order", func(t *testing.T) {
		src := &fakeSource{snaps: snapshotsAt(60, 0)}
		got, err := run(t, src, query(0, 60))
		assert.ErrorIs(t, err, ErrOutOfOrder)
		assert.Equal(t, []model.Result{reading(60)}, got)
	})
}

func TestReconstruct_InvalidQueryDoesNotOpenSource(t *testing.T) {
	tests := []struct {
		name string
		q    model.Query
	}{
		{"start after end", query(100, 0)},
		{"missing server", model.Query{Start: at(0), End: at(10)}},
		{"negative threshold", model.Query{Server: "smp7", Start: at(0), End: at(10), GapThreshold: -time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &fakeSource{}
			_, err := Reconstruct(context.Background(), src, tt.q)
			assert.ErrorIs(t, err, model.ErrInvalidQuery)
			assert.False(t, src.opened)
		})
	}
}

func TestSequence_EarlyClose(t *testing.T) {
	src := &fakeSource{snaps: snapshotsAt(0, 60, 120)}
	seq, err := Reconstruct(context.Background(), src, query(0, 120))
	require.NoError(t, err)

	require.True(t, seq.Next())
	assert.Equal(t, reading(0), seq.Result())
	require.NoError(t, seq.Close())
	require.NoError(t, seq.Close())

	assert.True(t, src.iter.closed)
	assert.Equal(t, 0, src.iter.cursor)
}

func TestSequence_All(t *testing.T) {
	src := &fakeSource{snaps: snapshotsAt(0, 300)}
	seq, err := Reconstruct(context.Background(), src, query(0, 300))
	require.NoError(t, err)

	var kinds []model.Kind
	for res, err := range seq.All() {
		require.NoError(t, err)
		kinds = append(kinds, res.Kind())
	}
	assert.Equal(t, []model.Kind{model.KindReading, model.KindGap, model.KindReading}, kinds)
	assert.True(t, src.iter.closed)
}

func TestReconstruct_OutputIsOrderedPartition(t *testing.T) {
	layouts := [][]int64{
		{},
		{5},
		{0, 1000, 1100, 1200, 4000},
		{100, 200, 700, 701, 702, 3599},
		{0, 3600},
	}
	for _, snaps := range layouts {
		t.Run(fmt.Sprint(snaps), func(t *testing.T) {
			got, err := run(t, &fakeSource{snaps: snapshotsAt(snaps...)}, query(0, 3600))
			require.NoError(t, err)

			var last time.Time
			var lastGapEnd time.Time
			for _, res := range got {
				switch r := res.(type) {
				case model.Reading:
					assert.False(t, r.Timestamp.Before(last))
					assert.True(t, r.Timestamp.After(lastGapEnd) || lastGapEnd.IsZero())
					last = r.Timestamp
				case model.Gap:
					assert.False(t, r.MissingStart.After(r.MissingEnd))
					assert.False(t, r.MissingStart.Before(last))
					assert.False(t, r.MissingEnd.After(at(3600)))
					last = r.MissingStart
					lastGapEnd = r.MissingEnd
				}
			}
		})
	}
}
