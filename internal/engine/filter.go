package engine

import (
	"strings"

	"github.com/coffersTech/mapwatch/internal/model"
	"golang.org/x/text/cases"
)

// entityFilter applies the spatial and name predicates of a query.
type entityFilter struct {
	box   *model.BoundingBox
	names []string
	fold  cases.Caser
}

func newEntityFilter(q model.Query, fold cases.Caser) *entityFilter {
	f := &entityFilter{fold: fold}
	if q.Box != nil {
		box := q.Box.Normalize()
		f.box = &box
	}
	for _, n := range q.Names {
		f.names = append(f.names, fold.String(n))
	}
	return f
}

func (f *entityFilter) match(rec model.EntityRecord) bool {
	if f.box != nil && !f.box.Contains(rec.X, rec.Z) {
		return false
	}
	if len(f.names) == 0 {
		return true
	}
	name := f.fold.String(rec.Name)
	for _, n := range f.names {
		if strings.Contains(name, n) {
			return true
		}
	}
	return false
}

// apply keeps the matching records. The input order is preserved.
func (f *entityFilter) apply(recs []model.EntityRecord) []model.EntityRecord {
	if f.box == nil && len(f.names) == 0 {
		return recs
	}
	var out []model.EntityRecord
	for _, rec := range recs {
		if f.match(rec) {
			out = append(out, rec)
		}
	}
	return out
}
