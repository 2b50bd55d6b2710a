package ingest

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/coffersTech/mapwatch/internal/model"
	"github.com/coffersTech/mapwatch/internal/registry"
	"github.com/coffersTech/mapwatch/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleUpdate = `{"timestamp":1714521600000,"currentcount":1,"hasStorm":false,
"players":[{"type":"player","name":"Alice","account":"Alice","world":"wilderness","x":10.5,"y":64.0,"z":-3.2,"health":20,"armor":0}],
"updates":[{"type":"tile","name":"t_0_0.png","timestamp":1714521599000}]}`

type mapServer struct {
	mu     sync.Mutex
	paths  []string
	bodies []string
	status []int
}

func (m *mapServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paths = append(m.paths, r.URL.Path)

	i := len(m.paths) - 1
	status := http.StatusOK
	if i < len(m.status) && m.status[i] != 0 {
		status = m.status[i]
	}
	body := sampleUpdate
	if i < len(m.bodies) && m.bodies[i] != "" {
		body = m.bodies[i]
	}
	w.WriteHeader(status)
	io.WriteString(w, body)
}

func newTestCollector(t *testing.T, h http.Handler, opts ...Option) (*Collector, *storage.MemorySource) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	mem := storage.NewMemorySource()
	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	c, err := New(Config{Server: "smp7", World: "wilderness", BaseURL: srv.URL}, []storage.Appender{mem}, opts...)
	require.NoError(t, err)
	return c, mem
}

func stored(t *testing.T, mem *storage.MemorySource) []model.Snapshot {
	t.Helper()
	it, err := mem.OpenSnapshots(context.Background(), "smp7", time.Unix(0, 0), time.Now().Add(time.Hour))
	require.NoError(t, err)
	var out []model.Snapshot
	for it.Next() {
		out = append(out, it.Snapshot())
	}
	return out
}

func TestCollector_Once(t *testing.T) {
	ms := &mapServer{}
	c, mem := newTestCollector(t, ms)

	ts, err := c.Once(context.Background())
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), ts)

	snaps := stored(t, mem)
	require.Len(t, snaps, 1)
	assert.Equal(t, ts, snaps[0].Timestamp)
	assert.NotContains(t, string(snaps[0].Payload), `"updates"`)
	assert.Contains(t, string(snaps[0].Payload), `"name":"Alice"`)

	_, err = c.Once(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"/up/world/wilderness/0", "/up/world/wilderness/1714521600000"}, ms.paths)
}

func TestCollector_UpdateURL(t *testing.T) {
	c, err := New(Config{Server: "smp7", World: "wilderness_nether"}, []storage.Appender{storage.NewMemorySource()})
	require.NoError(t, err)
	assert.Equal(t, "http://smp7.empire.us:8880/up/world/wilderness_nether/0", c.UpdateURL())
}

func TestCollector_MissingTimestampUsesClock(t *testing.T) {
	ms := &mapServer{bodies: []string{`{"players":[]}`}}
	c, _ := newTestCollector(t, ms)
	c.now = func() time.Time { return time.Date(2024, 6, 1, 12, 0, 0, 700, time.UTC) }

	ts, err := c.Once(context.Background())
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC), ts)
}

func TestCollector_Failures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"server error", http.StatusInternalServerError, "oops", ErrFetchFailed},
		{"not json", http.StatusOK, "<html>", ErrInvalidUpdate},
		{"players not a list", http.StatusOK, `{"players":{"name":"a"}}`, ErrInvalidUpdate},
		{"player without world", http.StatusOK, `{"players":[{"name":"a","x":1,"z":1}]}`, ErrInvalidUpdate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			feeds := registry.NewStore()
			ms := &mapServer{status: []int{tt.status}, bodies: []string{tt.body}}
			c, mem := newTestCollector(t, ms, WithRegistry(feeds))

			_, err := c.Once(context.Background())
			assert.ErrorIs(t, err, tt.want)
			assert.Empty(t, stored(t, mem))

			f, ok := feeds.GetFeed("smp7", "wilderness")
			require.True(t, ok)
			assert.Equal(t, int64(1), f.Failures)
			assert.NotEmpty(t, f.LastError)
		})
	}
}

func TestCollector_RunContinuesAfterFailure(t *testing.T) {
	feeds := registry.NewStore()
	ms := &mapServer{status: []int{http.StatusBadGateway}}
	c, mem := newTestCollector(t, ms, WithRegistry(feeds))

	c.Run(context.Background(), 3, time.Millisecond)

	assert.Len(t, ms.paths, 3)
	assert.Len(t, stored(t, mem), 2)

	f, _ := feeds.GetFeed("smp7", "wilderness")
	assert.Equal(t, int64(2), f.Snapshots)
	assert.Equal(t, int64(1), f.Failures)
}

func TestCollector_RunStopsWithContext(t *testing.T) {
	c, _ := newTestCollector(t, &mapServer{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx, 0, time.Hour)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("collector did not stop")
	}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{World: "town"}, []storage.Appender{storage.NewMemorySource()})
	assert.Error(t, err)
	_, err = New(Config{Server: "smp7", World: "town"}, nil)
	assert.Error(t, err)
}
