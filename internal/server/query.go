package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coffersTech/mapwatch/internal/engine"
	"github.com/coffersTech/mapwatch/internal/export"
	"github.com/coffersTech/mapwatch/internal/model"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const wsWriteTimeout = 10 * time.Second

// parseQuery reads a query from URL parameters:
// server, world, start, end, gap, name (repeatable or comma separated)
// and x1, z1, x2, z2 for the bounding box.
func (s *QueryServer) parseQuery(r *http.Request) (model.Query, error) {
	params := r.URL.Query()

	start, err := model.ParseTime(params.Get("start"))
	if err != nil {
		return model.Query{}, err
	}
	end, err := model.ParseTime(params.Get("end"))
	if err != nil {
		return model.Query{}, err
	}

	threshold, err := model.ParseGapThreshold(params.Get("gap"))
	if err != nil {
		return model.Query{}, err
	}
	if threshold == 0 {
		threshold = s.gapThreshold
	}

	box, err := model.ParseBoundingBox(params.Get("x1"), params.Get("z1"), params.Get("x2"), params.Get("z2"))
	if err != nil {
		return model.Query{}, err
	}

	q := model.Query{
		Server:       strings.TrimSpace(params.Get("server")),
		World:        strings.TrimSpace(params.Get("world")),
		Start:        start,
		End:          end,
		GapThreshold: threshold,
		Box:          box,
		Names:        model.ParseNames(params["name"]),
	}
	if err := q.Validate(); err != nil {
		return model.Query{}, err
	}
	if s.maxSpan > 0 && q.End.Sub(q.Start) > s.maxSpan {
		return model.Query{}, fmt.Errorf("%w: range exceeds %s", model.ErrInvalidQuery, s.maxSpan)
	}
	return q, nil
}

func (s *QueryServer) startSpan(ctx context.Context, name string, q model.Query) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("mapwatch.server", q.Server),
		attribute.String("mapwatch.world", q.World),
		attribute.String("mapwatch.start", q.Start.Format(time.RFC3339)),
		attribute.String("mapwatch.end", q.End.Format(time.RFC3339)),
		attribute.Int("mapwatch.names", len(q.Names)),
		attribute.Bool("mapwatch.box", q.Box != nil),
	))
}

func (s *QueryServer) reconstruct(ctx context.Context, q model.Query) (*engine.Sequence, error) {
	atomic.AddInt64(&s.queryCounter, 1)
	return engine.Reconstruct(ctx, s.source, q)
}

func recordFailure(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// handleReadings streams the result sequence as a JSON array. Errors after
// the status line is sent become a trailing {"type":"error"} element.
func (s *QueryServer) handleReadings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q, err := s.parseQuery(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	ctx, span := s.startSpan(r.Context(), "readings", q)
	defer span.End()

	seq, err := s.reconstruct(ctx, q)
	if err != nil {
		recordFailure(span, err)
		s.writeError(w, err)
		return
	}
	defer seq.Close()

	w.Header().Set("Content-Type", "application/json")
	count, err := export.WriteJSON(w, seq.All())
	if err != nil {
		recordFailure(span, err)
		s.logger.Warn("reconstruction ended early", "server", q.Server, "count", count, "error", err)
	}
	span.SetAttributes(attribute.Int("mapwatch.results", count))
}

// handleReadingsSocket sends one result per websocket text message and
// finishes with an end or error message.
func (s *QueryServer) handleReadingsSocket(w http.ResponseWriter, r *http.Request) {
	q, err := s.parseQuery(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	ctx, span := s.startSpan(ctx, "readings.ws", q)
	defer span.End()

	seq, err := s.reconstruct(ctx, q)
	if err != nil {
		recordFailure(span, err)
		s.writeError(w, err)
		return
	}
	defer seq.Close()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// Drain client frames so a close from the peer cancels the query.
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				cancel()
				return
			}
		}
	}()

	count := 0
	for seq.Next() {
		if err := writeSocket(conn, export.Message(seq.Result())); err != nil {
			s.logger.Debug("websocket write failed", "error", err)
			return
		}
		count++
	}

	final := export.EndMessage(count)
	if err := seq.Error(); err != nil {
		recordFailure(span, err)
		final = export.ErrorMessage(err)
	}
	if err := writeSocket(conn, final); err != nil {
		return
	}
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))

	span.SetAttributes(attribute.Int("mapwatch.results", count))
}

func writeSocket(conn *websocket.Conn, v any) error {
	payload, err := export.MarshalMessage(v)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// handleWaypoints renders readings as a minimap points file. The body is
// buffered so a failed reconstruction still gets a proper status.
func (s *QueryServer) handleWaypoints(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q, err := s.parseQuery(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	ctx, span := s.startSpan(r.Context(), "waypoints", q)
	defer span.End()

	seq, err := s.reconstruct(ctx, q)
	if err != nil {
		recordFailure(span, err)
		s.writeError(w, err)
		return
	}

	var buf bytes.Buffer
	n, err := export.WriteWaypoints(&buf, seq.All())
	if err != nil {
		recordFailure(span, err)
		s.writeError(w, err)
		return
	}

	host := strings.ReplaceAll(s.mapHost, "{server}", strings.ToLower(q.Server))
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", export.WaypointFilename(host, q.World)))
	w.Header().Set("X-Waypoint-Count", strconv.Itoa(n))
	w.Write(buf.Bytes())
}

func (s *QueryServer) handleCSV(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q, err := s.parseQuery(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	ctx, span := s.startSpan(r.Context(), "export.csv", q)
	defer span.End()

	seq, err := s.reconstruct(ctx, q)
	if err != nil {
		recordFailure(span, err)
		s.writeError(w, err)
		return
	}

	var buf bytes.Buffer
	if err := export.WriteCSV(&buf, seq.All()); err != nil {
		recordFailure(span, err)
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q",
		fmt.Sprintf("%s-%s.csv", strings.ToLower(q.Server), q.Start.Format("20060102T1504"))))
	w.Write(buf.Bytes())
}

// handleCoverage returns snapshot counts per bucket, one hour by default.
// GET /api/coverage?server=smp7&start=...&end=...&interval=15m
func (s *QueryServer) handleCoverage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	params := r.URL.Query()
	start, err := model.ParseTime(params.Get("start"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	end, err := model.ParseTime(params.Get("end"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if s.maxSpan > 0 && end.Sub(start) > s.maxSpan {
		s.writeError(w, fmt.Errorf("%w: range exceeds %s", model.ErrInvalidQuery, s.maxSpan))
		return
	}
	interval, err := model.ParseGapThreshold(params.Get("interval"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if interval == 0 {
		interval = time.Hour
	}

	server := strings.TrimSpace(params.Get("server"))
	ctx, span := s.tracer.Start(r.Context(), "coverage", trace.WithAttributes(
		attribute.String("mapwatch.server", server),
		attribute.String("mapwatch.interval", interval.String()),
	))
	defer span.End()

	points, err := engine.Coverage(ctx, s.source, server, start, end, interval)
	if err != nil {
		recordFailure(span, err)
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(points)
}
