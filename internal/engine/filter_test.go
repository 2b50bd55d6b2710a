package engine

import (
	"testing"

	"github.com/coffersTech/mapwatch/internal/model"
	"github.com/stretchr/testify/assert"
	"golang.org/x/text/cases"
)

var filterInput = []model.EntityRecord{
	{Name: "Bobby", World: "world", X: 0, Z: 0},
	{Name: "BOB99", World: "world", X: 10, Z: -5},
	{Name: "alice", World: "world", X: -5, Z: 10},
	{Name: "Carol", World: "world", X: 11, Z: 0},
	{Name: "dave", World: "world", X: 0, Z: -6},
}

func names(recs []model.EntityRecord) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Name)
	}
	return out
}

func TestEntityFilter(t *testing.T) {
	tests := []struct {
		name  string
		box   *model.BoundingBox
		names []string
		want  []string
	}{
		{
			name: "no constraints",
			want: []string{"Bobby", "BOB99", "alice", "Carol", "dave"},
		},
		{
			name: "box edges are inclusive",
			box:  &model.BoundingBox{X1: -5, Z1: -5, X2: 10, Z2: 10},
			want: []string{"Bobby", "BOB99", "alice"},
		},
		{
			name: "box corners reversed",
			box:  &model.BoundingBox{X1: 10, Z1: 10, X2: -5, Z2: -5},
			want: []string{"Bobby", "BOB99", "alice"},
		},
		{
			name: "box corners mixed",
			box:  &model.BoundingBox{X1: -5, Z1: 10, X2: 10, Z2: -5},
			want: []string{"Bobby", "BOB99", "alice"},
		},
		{
			name:  "name substring ignores case",
			names: []string{"bob"},
			want:  []string{"Bobby", "BOB99"},
		},
		{
			name:  "any name matches",
			names: []string{"ALI", "rol"},
			want:  []string{"alice", "Carol"},
		},
		{
			name:  "box and names combined",
			box:   &model.BoundingBox{X1: 0, Z1: 0, X2: 20, Z2: 20},
			names: []string{"o"},
			want:  []string{"Bobby", "Carol"},
		},
		{
			name:  "nothing matches",
			names: []string{"zed"},
			want:  []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newEntityFilter(model.Query{Box: tt.box, Names: tt.names}, cases.Fold())

			once := f.apply(append([]model.EntityRecord(nil), filterInput...))
			assert.Equal(t, tt.want, names(once))

			twice := f.apply(once)
			assert.Equal(t, once, twice)
		})
	}
}

func TestEntityFilter_UnicodeFolding(t *testing.T) {
	f := newEntityFilter(model.Query{Names: []string{"STRASSE"}}, cases.Fold())
	assert.True(t, f.match(model.EntityRecord{Name: "Straße_Builder"}))
}
