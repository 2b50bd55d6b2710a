package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	logMsgImportDay  = "archive day imported"
	logMsgImportSkip = "archive day already imported"
	logAttrDay       = "day"
)

// Appender stores a single snapshot.
type Appender interface {
	Append(ctx context.Context, server, world string, ts time.Time, payload []byte) error
}

// ImportResult summarizes an ImportArchives run.
type ImportResult struct {
	Days      int
	Snapshots int
	LastDay   time.Time
}

// importState is the resume position: records of Day that were already
// imported. Days before Day are complete.
type importState struct {
	Day     time.Time
	Records int
}

// ImportArchives copies archived snapshots into dst, oldest day first.
// The state file at statePath records the last day touched and how many
// of its records were copied, so a later run resumes inside that day and
// picks up records appended to it since. An empty statePath imports
// everything and records nothing.
func ImportArchives(ctx context.Context, src *ArchiveSource, dst Appender, statePath string, logger Logger) (ImportResult, error) {
	if logger == nil {
		logger = nopLogger{}
	}

	var res ImportResult
	state, err := readImportState(statePath)
	if err != nil {
		return res, err
	}

	days, err := src.Days()
	if err != nil {
		return res, err
	}

	for _, day := range days {
		if day.Before(state.Day) {
			logger.Debug(logMsgImportSkip, logAttrDay, day.Format(dayLayout))
			continue
		}
		skip := 0
		if day.Equal(state.Day) {
			skip = state.Records
		}

		n, err := importDay(ctx, src, dst, day, skip)
		res.Snapshots += n
		if n > 0 || skip == 0 {
			if serr := writeImportState(statePath, importState{Day: day, Records: skip + n}); serr != nil {
				return res, errors.Join(err, serr)
			}
		}
		if err != nil {
			return res, fmt.Errorf("import %s: %w", day.Format(dayLayout), err)
		}
		if n == 0 && skip > 0 {
			logger.Debug(logMsgImportSkip, logAttrDay, day.Format(dayLayout))
			continue
		}

		res.Days++
		res.LastDay = day
		logger.Info(logMsgImportDay, logAttrDay, day.Format(dayLayout), logAttrCount, n)
	}
	return res, nil
}

// importDay appends the records of day after the first skip ones and
// returns how many it appended.
func importDay(ctx context.Context, src *ArchiveSource, dst Appender, day time.Time, skip int) (int, error) {
	rr, err := src.OpenDay(ctx, day)
	if err != nil {
		return 0, err
	}
	defer rr.Close()

	n := 0
	for seen := 0; rr.Next(); seen++ {
		if seen < skip {
			continue
		}
		rec := rr.Record()
		if err := dst.Append(ctx, rec.Server, rec.World, rec.Timestamp, rec.Payload); err != nil {
			return n, err
		}
		n++
	}
	return n, rr.Error()
}

// readImportState parses "YYYYMMDD COUNT". A bare day, as written by older
// versions, counts as fully imported.
func readImportState(path string) (importState, error) {
	if path == "" {
		return importState{}, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return importState{}, nil
	}
	if err != nil {
		return importState{}, err
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return importState{}, nil
	}
	day, err := time.Parse(dayLayout, fields[0])
	if err != nil {
		return importState{}, fmt.Errorf("import state %s: %w", path, err)
	}
	if len(fields) == 1 {
		return importState{Day: day.Add(24 * time.Hour)}, nil
	}
	records, err := strconv.Atoi(fields[1])
	if err != nil || records < 0 {
		return importState{}, fmt.Errorf("import state %s: bad record count %q", path, fields[1])
	}
	return importState{Day: day, Records: records}, nil
}

// writeImportState replaces the state file atomically.
func writeImportState(path string, state importState) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	line := fmt.Sprintf("%s %d\n", state.Day.Format(dayLayout), state.Records)
	if err := os.WriteFile(tmp, []byte(line), 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
