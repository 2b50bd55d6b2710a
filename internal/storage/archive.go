package storage

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coffersTech/mapwatch/internal/model"
	"github.com/klauspost/compress/zstd"
	"github.com/valyala/fastjson"
)

const (
	archivePrefix = "snapshots-"
	archiveSuffix = ".jsonl.zst"
	dayLayout     = "20060102"

	maxArchiveLine = 16 << 20
)

var ErrCorruptArchive = errors.New("corrupt archive record")

// ArchiveRecord is one line of a daily archive.
type ArchiveRecord struct {
	Server    string
	World     string
	Timestamp time.Time
	Payload   []byte
}

// ArchivePath returns the archive file holding snapshots of day (UTC).
func ArchivePath(dir string, day time.Time) string {
	return filepath.Join(dir, archivePrefix+day.UTC().Format(dayLayout)+archiveSuffix)
}

// ArchiveWriter appends snapshots to daily zstd-compressed JSON-lines files.
// Every write is a self-contained zstd frame, so a file stays readable up to
// the last complete write.
type ArchiveWriter struct {
	dir     string
	encoder *zstd.Encoder
	arena   fastjson.Arena
	parser  fastjson.Parser
	mu      sync.Mutex
}

func NewArchiveWriter(dir string) (*ArchiveWriter, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return nil, err
	}
	return &ArchiveWriter{dir: dir, encoder: enc}, nil
}

// Write appends one snapshot to the archive of its UTC day. The payload
// must be a JSON document.
func (w *ArchiveWriter) Write(server, world string, ts time.Time, payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	pv, err := w.parser.ParseBytes(payload)
	if err != nil {
		return fmt.Errorf("archive payload: %w", err)
	}

	w.arena.Reset()
	obj := w.arena.NewObject()
	obj.Set("server", w.arena.NewString(normalizeServer(server)))
	obj.Set("world", w.arena.NewString(world))
	obj.Set("ts", w.arena.NewNumberInt(int(ts.Unix())))
	obj.Set("payload", pv)

	line := obj.MarshalTo(nil)
	line = append(line, '\n')
	frame := w.encoder.EncodeAll(line, make([]byte, 0, len(line)/2))

	f, err := os.OpenFile(ArchivePath(w.dir, ts), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(frame); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Append implements Appender.
func (w *ArchiveWriter) Append(_ context.Context, server, world string, ts time.Time, payload []byte) error {
	return w.Write(server, world, ts, payload)
}

// Close releases the encoder.
func (w *ArchiveWriter) Close() error {
	return w.encoder.Close()
}

// ArchiveSource reads daily archives back as snapshot streams.
type ArchiveSource struct {
	dir string
}

func NewArchiveSource(dir string) *ArchiveSource {
	return &ArchiveSource{dir: dir}
}

// Days lists the archived days in ascending order.
func (a *ArchiveSource) Days() ([]time.Time, error) {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		return nil, errors.Join(model.ErrSourceUnavailable, err)
	}

	var days []time.Time
	for _, entry := range entries {
		if day, ok := parseArchiveName(entry.Name()); ok && !entry.IsDir() {
			days = append(days, day)
		}
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
	return days, nil
}

// OpenSnapshots implements engine.Source. Day files entirely outside
// [start, end] are never opened.
func (a *ArchiveSource) OpenSnapshots(ctx context.Context, server string, start, end time.Time) (model.SnapshotIterator, error) {
	days, err := a.Days()
	if err != nil {
		return nil, err
	}

	var files []string
	for _, day := range days {
		if !day.Add(24*time.Hour).After(start) || day.After(end) {
			continue
		}
		files = append(files, ArchivePath(a.dir, day))
	}

	rr, err := newRecordReader(ctx, files)
	if err != nil {
		return nil, err
	}
	return &archiveIterator{records: rr, server: normalizeServer(server), start: start, end: end}, nil
}

// OpenDay returns a reader over every record of one archived day.
func (a *ArchiveSource) OpenDay(ctx context.Context, day time.Time) (*RecordReader, error) {
	return newRecordReader(ctx, []string{ArchivePath(a.dir, day)})
}

func parseArchiveName(name string) (time.Time, bool) {
	if !strings.HasPrefix(name, archivePrefix) || !strings.HasSuffix(name, archiveSuffix) {
		return time.Time{}, false
	}
	stamp := strings.TrimSuffix(strings.TrimPrefix(name, archivePrefix), archiveSuffix)
	day, err := time.Parse(dayLayout, stamp)
	if err != nil {
		return time.Time{}, false
	}
	return day, true
}

// RecordReader walks the records of a list of archive files in order,
// opening one file at a time.
type RecordReader struct {
	ctx     context.Context
	files   []string
	dec     *zstd.Decoder
	file    *os.File
	scanner *bufio.Scanner
	parser  fastjson.Parser
	curr    ArchiveRecord
	err     error
}

func newRecordReader(ctx context.Context, files []string) (*RecordReader, error) {
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	return &RecordReader{ctx: ctx, files: files, dec: dec}, nil
}

func (r *RecordReader) Next() bool {
	for r.err == nil {
		if r.scanner == nil {
			if len(r.files) == 0 {
				return false
			}
			if err := r.openNext(); err != nil {
				r.err = errors.Join(model.ErrSourceUnavailable, err)
				return false
			}
		}

		if r.scanner.Scan() {
			line := r.scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			if err := r.parse(line); err != nil {
				r.err = fmt.Errorf("%w in %s: %v", ErrCorruptArchive, r.file.Name(), err)
				return false
			}
			return true
		}
		if err := r.scanner.Err(); err != nil {
			r.err = fmt.Errorf("%w in %s: %v", ErrCorruptArchive, r.file.Name(), err)
			return false
		}
		r.closeFile()
	}
	return false
}

func (r *RecordReader) openNext() error {
	if err := r.ctx.Err(); err != nil {
		return err
	}
	f, err := os.Open(r.files[0])
	if err != nil {
		return err
	}
	r.files = r.files[1:]
	if err := r.dec.Reset(f); err != nil {
		f.Close()
		return err
	}
	r.file = f
	r.scanner = bufio.NewScanner(io.Reader(r.dec))
	r.scanner.Buffer(make([]byte, 0, 64*1024), maxArchiveLine)
	return nil
}

func (r *RecordReader) parse(line []byte) error {
	v, err := r.parser.ParseBytes(line)
	if err != nil {
		return err
	}
	pv := v.Get("payload")
	if pv == nil {
		return errors.New("missing payload")
	}
	ts := v.Get("ts")
	if ts == nil {
		return errors.New("missing ts")
	}
	sec, err := ts.Int64()
	if err != nil {
		return fmt.Errorf("ts: %w", err)
	}
	r.curr = ArchiveRecord{
		Server:    string(v.GetStringBytes("server")),
		World:     string(v.GetStringBytes("world")),
		Timestamp: time.Unix(sec, 0).UTC(),
		Payload:   pv.MarshalTo(nil),
	}
	return nil
}

func (r *RecordReader) closeFile() {
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
	r.scanner = nil
}

func (r *RecordReader) Record() ArchiveRecord { return r.curr }
func (r *RecordReader) Error() error          { return r.err }

func (r *RecordReader) Close() error {
	r.closeFile()
	r.files = nil
	r.dec.Close()
	return nil
}

// archiveIterator narrows a RecordReader to one server and time range.
type archiveIterator struct {
	records    *RecordReader
	server     string
	start, end time.Time
	curr       model.Snapshot
}

func (it *archiveIterator) Next() bool {
	for it.records.Next() {
		rec := it.records.Record()
		if normalizeServer(rec.Server) != it.server {
			continue
		}
		if rec.Timestamp.Before(it.start) || rec.Timestamp.After(it.end) {
			continue
		}
		it.curr = model.Snapshot{Timestamp: rec.Timestamp, Payload: rec.Payload}
		return true
	}
	return false
}

func (it *archiveIterator) Snapshot() model.Snapshot { return it.curr }
func (it *archiveIterator) Error() error             { return it.records.Error() }
func (it *archiveIterator) Close() error             { return it.records.Close() }
