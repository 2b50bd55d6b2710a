package export

import (
	"encoding/csv"
	"io"
	"iter"
	"strconv"
	"time"

	"github.com/coffersTech/mapwatch/internal/model"
)

var csvHeader = []string{"type", "timestamp", "name", "world", "x", "y", "z", "missing_start", "missing_end"}

// WriteCSV writes a header and then one row per entity of each reading and
// one row per gap, in result order.
func WriteCSV(w io.Writer, results iter.Seq2[model.Result, error]) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}

	for res, err := range results {
		if err != nil {
			cw.Flush()
			return err
		}
		switch r := res.(type) {
		case model.Reading:
			ts := formatTime(r.Timestamp)
			for _, e := range r.Entities {
				row := []string{string(model.KindReading), ts, e.Name, e.World,
					strconv.Itoa(e.X), strconv.Itoa(e.Y), strconv.Itoa(e.Z), "", ""}
				if err := cw.Write(row); err != nil {
					return err
				}
			}
		case model.Gap:
			row := []string{string(model.KindGap), "", "", "", "", "", "",
				formatTime(r.MissingStart), formatTime(r.MissingEnd)}
			if err := cw.Write(row); err != nil {
				return err
			}
		}
	}

	cw.Flush()
	return cw.Error()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
