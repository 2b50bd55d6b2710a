package export

import (
	"bufio"
	"fmt"
	"io"
	"iter"

	"github.com/coffersTech/mapwatch/internal/model"
)

const textTimeLayout = "2006-01-02 15:04:05"

// WriteText prints one line per entity and one line per gap.
func WriteText(w io.Writer, results iter.Seq2[model.Result, error]) error {
	bw := bufio.NewWriter(w)
	for res, err := range results {
		if err != nil {
			bw.Flush()
			return err
		}
		switch r := res.(type) {
		case model.Reading:
			ts := r.Timestamp.UTC().Format(textTimeLayout)
			for _, e := range r.Entities {
				fmt.Fprintf(bw, "%s  %s  %s  %d,%d,%d\n", ts, e.Name, e.World, e.X, e.Y, e.Z)
			}
		case model.Gap:
			fmt.Fprintf(bw, "-- no data %s to %s --\n",
				r.MissingStart.UTC().Format(textTimeLayout), r.MissingEnd.UTC().Format(textTimeLayout))
		}
	}
	return bw.Flush()
}
