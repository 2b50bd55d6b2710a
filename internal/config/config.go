package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the full mapwatch configuration. Values are layered as
// defaults, then the YAML file, then environment variables; command flags
// are applied last by the caller.
type Config struct {
	Database  Database      `yaml:"database"`
	Server    Server        `yaml:"server"`
	Query     Query         `yaml:"query"`
	Collector Collector     `yaml:"collector"`
	Retention time.Duration `yaml:"retention" env:"MAPWATCH_RETENTION"`
}

type Database struct {
	Driver   string `yaml:"driver" env:"DB_DRIVER"`
	DSN      string `yaml:"dsn" env:"DB_DSN"`
	Path     string `yaml:"path" env:"DB_PATH"`
	Host     string `yaml:"host" env:"DB_HOST"`
	Port     int    `yaml:"port" env:"DB_PORT"`
	Name     string `yaml:"name" env:"DB_NAME"`
	User     string `yaml:"user" env:"DB_USER"`
	Password string `yaml:"password" env:"DB_PASS"`
}

type Server struct {
	Addr          string        `yaml:"addr" env:"MAPWATCH_ADDR"`
	KeysFile      string        `yaml:"keys_file" env:"MAPWATCH_KEYS_FILE"`
	MasterKeyFile string        `yaml:"master_key_file" env:"MAPWATCH_MASTER_KEY_FILE"`
	MaxQuerySpan  time.Duration `yaml:"max_query_span" env:"MAPWATCH_MAX_SPAN"`
	// Hostname used in waypoint file names; {server} is replaced.
	MapHost string `yaml:"map_host" env:"MAPWATCH_MAP_HOST"`
}

type Query struct {
	GapThreshold time.Duration `yaml:"gap_threshold" env:"MAPWATCH_GAP"`
}

type Collector struct {
	BaseURL    string        `yaml:"base_url" env:"MAPWATCH_MAP_URL"`
	Timeout    time.Duration `yaml:"timeout" env:"MAPWATCH_FETCH_TIMEOUT"`
	Interval   time.Duration `yaml:"interval" env:"MAPWATCH_FETCH_INTERVAL"`
	ArchiveDir string        `yaml:"archive_dir" env:"MAPWATCH_ARCHIVE_DIR"`
	Feeds      []Feed        `yaml:"feeds"`
}

// Feed is one server/world pair polled by serve.
type Feed struct {
	Server string `yaml:"server"`
	World  string `yaml:"world"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Database: Database{
			Driver: "sqlite",
			Path:   "mapwatch.db",
			Port:   5432,
		},
		Server: Server{
			Addr:          ":8088",
			KeysFile:      "keys.json",
			MasterKeyFile: "master.key",
			MaxQuerySpan:  7 * 24 * time.Hour,
			MapHost:       "{server}.empire.us",
		},
		Query: Query{
			GapThreshold: 180 * time.Second,
		},
		Collector: Collector{
			BaseURL:  "http://{server}.empire.us:8880",
			Timeout:  30 * time.Second,
			Interval: time.Minute,
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file at
// path and the environment.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}

	return cfg, cfg.Validate()
}

// Validate rejects settings no command can run with.
func (c Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "pgx", "pq":
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	if c.Database.DataSource() == "" {
		return fmt.Errorf("database %s needs a dsn or host", c.Database.Driver)
	}
	if c.Server.MaxQuerySpan <= 0 {
		return errors.New("max_query_span must be positive")
	}
	if c.Retention < 0 {
		return errors.New("retention must not be negative")
	}
	if c.Query.GapThreshold < 0 {
		return errors.New("gap_threshold must not be negative")
	}
	// Snapshots are stored per server, so two feeds of one server would
	// interleave in every query.
	seen := make(map[string]bool, len(c.Collector.Feeds))
	for _, f := range c.Collector.Feeds {
		if f.Server == "" || f.World == "" {
			return errors.New("every collector feed needs a server and a world")
		}
		server := strings.ToLower(strings.TrimSpace(f.Server))
		if seen[server] {
			return fmt.Errorf("server %q has more than one collector feed", f.Server)
		}
		seen[server] = true
	}
	if len(c.Collector.Feeds) > 0 && c.Collector.Interval <= 0 {
		return errors.New("collector interval must be positive")
	}
	return nil
}

// DataSource returns the driver specific connection string. For Postgres
// without an explicit DSN it is assembled from the host settings.
func (d Database) DataSource() string {
	if d.Driver == "sqlite" {
		return d.Path
	}
	if d.DSN != "" || d.Host == "" {
		return d.DSN
	}

	u := url.URL{
		Scheme:   "postgres",
		Host:     net.JoinHostPort(d.Host, strconv.Itoa(d.Port)),
		Path:     "/" + d.Name,
		RawQuery: "sslmode=disable",
	}
	switch {
	case d.User != "" && d.Password != "":
		u.User = url.UserPassword(d.User, d.Password)
	case d.User != "":
		u.User = url.User(d.User)
	}
	return u.String()
}
