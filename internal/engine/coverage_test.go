package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/coffersTech/mapwatch/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoverage(t *testing.T) {
	src := &fakeSource{snaps: snapshotsAt(0, 60, 120, 3600, 3660, 7300)}

	points, err := Coverage(context.Background(), src, "smp7", at(0), at(7300), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []CoveragePoint{
		{Time: 0, Count: 3},
		{Time: 3600, Count: 2},
		{Time: 7200, Count: 1},
	}, points)
	assert.True(t, src.iter.closed)
}

func TestCoverage_Empty(t *testing.T) {
	points, err := Coverage(context.Background(), &fakeSource{}, "smp7", at(0), at(60), time.Minute)
	require.NoError(t, err)
	assert.Empty(t, points)
}

func TestCoverage_Errors(t *testing.T) {
	ctx := context.Background()

	_, err := Coverage(ctx, &fakeSource{}, "", at(0), at(60), time.Minute)
	assert.ErrorIs(t, err, model.ErrInvalidQuery)
	_, err = Coverage(ctx, &fakeSource{}, "smp7", at(60), at(0), time.Minute)
	assert.ErrorIs(t, err, model.ErrInvalidQuery)
	_, err = Coverage(ctx, &fakeSource{}, "smp7", at(0), at(60), time.Millisecond)
	assert.ErrorIs(t, err, model.ErrInvalidQuery)

	down := errors.Join(model.ErrSourceUnavailable, errors.New("refused"))
	_, err = Coverage(ctx, &fakeSource{openErr: down}, "smp7", at(0), at(60), time.Minute)
	assert.ErrorIs(t, err, model.ErrSourceUnavailable)

	broken := errors.New("stream broke")
	_, err = Coverage(ctx, &fakeSource{snaps: snapshotsAt(0), iterErr: broken}, "smp7", at(0), at(60), time.Minute)
	assert.ErrorIs(t, err, broken)
}

func TestFloorDiv(t *testing.T) {
	assert.EqualValues(t, -1, floorDiv(-1, 60))
	assert.EqualValues(t, 0, floorDiv(59, 60))
	assert.EqualValues(t, -2, floorDiv(-61, 60))
	assert.EqualValues(t, -1, floorDiv(-60, 60))
}
