package ingest

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coffersTech/mapwatch/internal/registry"
	"github.com/coffersTech/mapwatch/internal/storage"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/valyala/fastjson"
)

// DefaultBaseURL is the map server address pattern; {server} is replaced
// by the configured server name.
const DefaultBaseURL = "http://{server}.empire.us:8880"

const maxUpdateSize = 32 << 20

//go:embed update.schema.json
var updateSchema string

var (
	ErrFetchFailed   = errors.New("fetching map update failed")
	ErrInvalidUpdate = errors.New("invalid map update")
)

// Config selects the feed a Collector polls.
type Config struct {
	Server  string
	World   string
	BaseURL string
	Timeout time.Duration
}

// Option configures a Collector.
type Option func(*Collector)

// WithLogger sets the logger for fetch failures and progress.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Collector) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithRegistry reports every attempt to the feed registry.
func WithRegistry(feeds *registry.Store) Option {
	return func(c *Collector) { c.feeds = feeds }
}

// WithHTTPClient replaces the default client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Collector) { c.client = client }
}

// Collector fetches world updates from a live map and stores them as
// snapshots. It is not safe for concurrent use.
type Collector struct {
	cfg    Config
	sinks  []storage.Appender
	client *http.Client
	schema *jsonschema.Schema
	parser fastjson.Parser
	feeds  *registry.Store
	logger *slog.Logger
	lastMs int64
	now    func() time.Time
}

// New builds a collector writing to every sink.
func New(cfg Config, sinks []storage.Appender, opts ...Option) (*Collector, error) {
	if cfg.Server == "" || cfg.World == "" {
		return nil, errors.New("collector needs a server and a world")
	}
	if len(sinks) == 0 {
		return nil, errors.New("collector needs at least one sink")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	schema, err := jsonschema.CompileString("update.schema.json", updateSchema)
	if err != nil {
		return nil, fmt.Errorf("compile update schema: %w", err)
	}

	c := &Collector{
		cfg:    cfg,
		sinks:  sinks,
		client: &http.Client{Timeout: cfg.Timeout},
		schema: schema,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// UpdateURL returns the address of the next update request.
func (c *Collector) UpdateURL() string {
	base := strings.TrimRight(strings.ReplaceAll(c.cfg.BaseURL, "{server}", c.cfg.Server), "/")
	return fmt.Sprintf("%s/up/world/%s/%d", base, url.PathEscape(c.cfg.World), c.lastMs)
}

// Once fetches a single update and hands it to every sink. It returns the
// snapshot timestamp.
func (c *Collector) Once(ctx context.Context) (time.Time, error) {
	ts, err := c.collect(ctx)
	if c.feeds != nil {
		if err != nil {
			c.feeds.RecordFailure(c.cfg.Server, c.cfg.World, err)
		} else {
			c.feeds.RecordSuccess(c.cfg.Server, c.cfg.World, ts)
		}
	}
	return ts, err
}

// Run calls Once count times, waiting interval between attempts. A count
// of zero or less polls until ctx is done. Failed attempts are logged and
// do not stop the loop.
func (c *Collector) Run(ctx context.Context, count int, interval time.Duration) {
	log := c.logger.With("server", c.cfg.Server, "world", c.cfg.World)
	log.Info("collector started", "count", count, "interval", interval.String())

	for i := 0; count <= 0 || i < count; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(interval):
			}
		}

		ts, err := c.Once(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("collect failed", "error", err)
			continue
		}
		log.Info("snapshot collected", "ts", ts.UTC().Format(time.RFC3339))
	}
}

func (c *Collector) collect(ctx context.Context) (time.Time, error) {
	body, err := c.fetch(ctx)
	if err != nil {
		return time.Time{}, err
	}

	payload, ts, err := c.prepare(body)
	if err != nil {
		return time.Time{}, err
	}

	for _, sink := range c.sinks {
		if err := sink.Append(ctx, c.cfg.Server, c.cfg.World, ts, payload); err != nil {
			return time.Time{}, fmt.Errorf("store snapshot: %w", err)
		}
	}
	c.lastMs = ts.UnixMilli()
	return ts, nil
}

func (c *Collector) fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.UpdateURL(), nil)
	if err != nil {
		return nil, errors.Join(ErrFetchFailed, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.Join(ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s", ErrFetchFailed, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUpdateSize))
	if err != nil {
		return nil, errors.Join(ErrFetchFailed, err)
	}
	return body, nil
}

// prepare validates an update, drops its incremental "updates" list and
// extracts the snapshot time.
func (c *Collector) prepare(body []byte) ([]byte, time.Time, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, time.Time{}, errors.Join(ErrInvalidUpdate, err)
	}
	if err := c.schema.Validate(doc); err != nil {
		return nil, time.Time{}, errors.Join(ErrInvalidUpdate, err)
	}

	v, err := c.parser.ParseBytes(body)
	if err != nil {
		return nil, time.Time{}, errors.Join(ErrInvalidUpdate, err)
	}

	ts := c.now()
	if ms := v.GetInt64("timestamp"); ms > 0 {
		ts = time.UnixMilli(ms)
	}
	v.Del("updates")

	return v.MarshalTo(nil), ts.UTC().Truncate(time.Second), nil
}
