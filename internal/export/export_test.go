package export

import (
	"bytes"
	"errors"
	"iter"
	"testing"
	"time"

	"github.com/coffersTech/mapwatch/internal/model"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func sampleResults() []model.Result {
	return []model.Result{
		model.Reading{Timestamp: base, Entities: []model.EntityRecord{
			{Name: "Alice", World: "town", X: 10, Y: 64, Z: -20},
			{Name: "Bob:The:Builder", World: "town", X: -5, Y: 70, Z: 3},
		}},
		model.Gap{MissingStart: base.Add(time.Minute), MissingEnd: base.Add(10*time.Minute - time.Second)},
		model.Reading{Timestamp: base.Add(10 * time.Minute), Entities: []model.EntityRecord{
			{Name: "Alice", World: "town", X: 12, Y: 64, Z: -18},
		}},
	}
}

func seqOf(results []model.Result, tail error) iter.Seq2[model.Result, error] {
	return func(yield func(model.Result, error) bool) {
		for _, r := range results {
			if !yield(r, nil) {
				return
			}
		}
		if tail != nil {
			yield(nil, tail)
		}
	}
}

func newGoldie(t *testing.T) *goldie.Goldie {
	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
}

func TestWriteWaypoints(t *testing.T) {
	var buf bytes.Buffer
	n, err := WriteWaypoints(&buf, seqOf(sampleResults(), nil))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	newGoldie(t).Assert(t, "waypoints", buf.Bytes())
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, seqOf(sampleResults(), nil)))

	newGoldie(t).Assert(t, "readings_csv", buf.Bytes())
}

func TestWritersStopOnError(t *testing.T) {
	boom := errors.New("malformed")

	var wp bytes.Buffer
	n, err := WriteWaypoints(&wp, seqOf(sampleResults()[:1], boom))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, bytes.Count(wp.Bytes(), []byte("\n")))

	var c bytes.Buffer
	err = WriteCSV(&c, seqOf(sampleResults()[:2], boom))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 4, bytes.Count(c.Bytes(), []byte("\n")))
}

func TestWaypointFilename(t *testing.T) {
	tests := map[string]string{
		"town":              "smp7.empire.us.DIM0.points",
		"wilderness":        "smp7.empire.us.DIM0.points",
		"wilderness_nether": "smp7.empire.us.DIM-1.points",
		"world_the_end":     "smp7.empire.us.DIM1.points",
	}
	for world, want := range tests {
		assert.Equal(t, want, WaypointFilename("smp7.empire.us", world), world)
	}
}

func TestWriteText(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteText(&buf, seqOf(sampleResults(), nil)))

	newGoldie(t).Assert(t, "readings_text", buf.Bytes())
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	n, err := WriteJSON(&buf, seqOf(sampleResults()[1:], nil))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.JSONEq(t, `[
		{"type":"gap","missing_start":"2024-05-01T12:01:00Z","missing_end":"2024-05-01T12:09:59Z"},
		{"type":"reading","timestamp":"2024-05-01T12:10:00Z","entities":[{"name":"Alice","world":"town","x":12,"y":64,"z":-18}]}
	]`, buf.String())
}

func TestWriteJSON_EmptyAndFailed(t *testing.T) {
	var empty bytes.Buffer
	n, err := WriteJSON(&empty, seqOf(nil, nil))
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.JSONEq(t, `[]`, empty.String())

	boom := errors.New("source went away")
	var failed bytes.Buffer
	n, err = WriteJSON(&failed, seqOf(sampleResults()[1:2], boom))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, n)
	assert.JSONEq(t, `[
		{"type":"gap","missing_start":"2024-05-01T12:01:00Z","missing_end":"2024-05-01T12:09:59Z"},
		{"type":"error","error":"source went away"}
	]`, failed.String())
}

func TestMessages(t *testing.T) {
	raw, err := MarshalMessage(EndMessage(3))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"end","count":3}`, string(raw))
}
