package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/withObsrvr/obsrvr-tile-clipper/internal/clipper"
	"github.com/withObsrvr/obsrvr-tile-clipper/internal/fetcher"
	"github.com/withObsrvr/obsrvr-tile-clipper/internal/geo"
	"github.com/withObsrvr/obsrvr-tile-clipper/internal/logging"
	"github.com/withObsrvr/obsrvr-tile-clipper/internal/storage"
)

// ErrInvalidConfig wraps every configuration problem found by Validate.
var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	Source  SourceConfig  `yaml:"source"`
	Area    AreaConfig    `yaml:"area"`
	Storage StorageConfig `yaml:"storage"`
	Perf    PerfConfig    `yaml:"perf"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
	Report  ReportConfig  `yaml:"report"`
}

type SourceConfig struct {
	Template   string        `yaml:"template"`
	Subdomains []string      `yaml:"subdomains"`
	UserAgent  string        `yaml:"user_agent"`
	Timeout    time.Duration `yaml:"timeout"`
	DecodeGzip bool          `yaml:"decode_gzip"`
}

type AreaConfig struct {
	BBox string `yaml:"bbox"` // "minx,miny,maxx,maxy", EPSG:4326 or EPSG:3857
	Zoom string `yaml:"zoom"` // "start-end" or "z"
}

type StorageConfig struct {
	Backend    string `yaml:"backend"` // "local" | "s3" | "gcs" | "mem"; empty infers from the destination
	LocalDir   string `yaml:"output_dir"`
	Bucket     string `yaml:"bucket"`
	Layer      string `yaml:"layer"`
	S3Region   string `yaml:"s3_region"`
	S3Endpoint string `yaml:"s3_endpoint"`
	AccessKey  string `yaml:"access_key"`
	SecretKey  string `yaml:"secret_key"`
}

type PerfConfig struct {
	Workers int `yaml:"workers"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Address string `yaml:"address"` // empty disables the metrics server
}

type ReportConfig struct {
	Path string `yaml:"path"` // empty disables the JSON report
}

// Default returns a Config with sensible defaults. No destination is set.
func Default() Config {
	return Config{
		Source: SourceConfig{
			Timeout: 30 * time.Second,
		},
		Perf: PerfConfig{
			Workers: clipper.DefaultWorkers,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file and the
// environment, in that order of precedence (later wins).
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.LoadFromEnv(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// loadFile overlays values from a YAML file. Keys absent from the file keep
// their current values.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	return nil
}

// LoadFromEnv overlays values from environment variables.
func (c *Config) LoadFromEnv() error {
	c.Source.Template = getenvDefault("TILE_SOURCE", c.Source.Template)
	c.Source.UserAgent = getenvDefault("USER_AGENT", c.Source.UserAgent)
	if v := os.Getenv("SUBDOMAINS"); v != "" {
		c.Source.Subdomains = splitList(v)
	}
	if v := os.Getenv("FETCH_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse FETCH_TIMEOUT: %w", err)
		}
		c.Source.Timeout = d
	}
	if v := os.Getenv("DECODE_GZIP"); v != "" {
		c.Source.DecodeGzip = v == "true" || v == "1"
	}

	c.Area.BBox = getenvDefault("BBOX", c.Area.BBox)
	c.Area.Zoom = getenvDefault("ZOOM", c.Area.Zoom)

	c.Storage.Backend = getenvDefault("STORAGE_BACKEND", c.Storage.Backend)
	c.Storage.LocalDir = getenvDefault("OUTPUT_DIR", c.Storage.LocalDir)
	c.Storage.Bucket = getenvDefault("STORAGE_BUCKET", c.Storage.Bucket)
	c.Storage.Layer = getenvDefault("STORAGE_LAYER", c.Storage.Layer)
	c.Storage.S3Region = getenvDefault("S3_REGION", c.Storage.S3Region)
	c.Storage.S3Endpoint = getenvDefault("S3_ENDPOINT", c.Storage.S3Endpoint)
	c.Storage.AccessKey = getenvDefault("AWS_ACCESS_KEY_ID", c.Storage.AccessKey)
	c.Storage.SecretKey = getenvDefault("AWS_SECRET_ACCESS_KEY", c.Storage.SecretKey)

	if v := os.Getenv("WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse WORKERS: %w", err)
		}
		c.Perf.Workers = n
	}

	c.Log.Level = getenvDefault("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getenvDefault("LOG_FORMAT", c.Log.Format)
	c.Metrics.Address = getenvDefault("METRICS_ADDR", c.Metrics.Address)
	c.Report.Path = getenvDefault("REPORT_PATH", c.Report.Path)

	return nil
}

// Validate checks the configuration and reports every problem at once,
// wrapped in ErrInvalidConfig. An unset (zero) worker count is replaced by
// clipper.DefaultWorkers.
func (c *Config) Validate() error {
	var problems []error

	if strings.TrimSpace(c.Source.Template) == "" {
		problems = append(problems, errors.New("tile source template is required"))
	}

	if c.Area.BBox == "" {
		problems = append(problems, errors.New("bounding box is required"))
	} else if b, err := geo.ParseBoundingBox(c.Area.BBox); err != nil {
		problems = append(problems, err)
	} else if !b.Valid() {
		problems = append(problems, fmt.Errorf("bounding box %s: min exceeds max", b))
	}

	if c.Area.Zoom == "" {
		problems = append(problems, errors.New("zoom range is required"))
	} else if _, _, err := ParseZoomRange(c.Area.Zoom); err != nil {
		problems = append(problems, err)
	}

	if err := c.validateStorage(); err != nil {
		problems = append(problems, err)
	}

	switch {
	case c.Perf.Workers < 0:
		problems = append(problems, fmt.Errorf("workers must be positive, got %d", c.Perf.Workers))
	case c.Perf.Workers == 0:
		c.Perf.Workers = clipper.DefaultWorkers
	}

	if c.Source.Timeout < 0 {
		problems = append(problems, fmt.Errorf("fetch timeout must not be negative, got %s", c.Source.Timeout))
	}

	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(problems...))
}

func (c *Config) validateStorage() error {
	s := c.Storage
	switch s.Backend {
	case "":
		if s.LocalDir == "" && s.Bucket == "" {
			return storage.ErrMissingDestination
		}
	case "local":
		if s.LocalDir == "" {
			return fmt.Errorf("%w: output_dir required for local backend", storage.ErrMissingDestination)
		}
	case "s3", "gcs":
		if s.Bucket == "" {
			return fmt.Errorf("%w: bucket required for %s backend", storage.ErrMissingDestination, s.Backend)
		}
	case "mem":
	default:
		return fmt.Errorf("unknown storage backend %q", s.Backend)
	}
	return nil
}

// ParseZoomRange parses "start-end" or a single "z". Both ends are inclusive.
func ParseZoomRange(s string) (start, end int, err error) {
	s = strings.TrimSpace(s)
	lo, hi, found := strings.Cut(s, "-")
	if !found {
		hi = lo
	}

	start, err = strconv.Atoi(strings.TrimSpace(lo))
	if err != nil {
		return 0, 0, fmt.Errorf("zoom range %q: invalid start: %w", s, err)
	}
	end, err = strconv.Atoi(strings.TrimSpace(hi))
	if err != nil {
		return 0, 0, fmt.Errorf("zoom range %q: invalid end: %w", s, err)
	}

	if start < 0 || end > clipper.MaxZoom {
		return 0, 0, fmt.Errorf("zoom range %q: levels must be within 0-%d", s, clipper.MaxZoom)
	}
	if start > end {
		return 0, 0, fmt.Errorf("zoom range %q: start %d greater than end %d", s, start, end)
	}

	return start, end, nil
}

// BoundingBox returns the parsed bounding box.
func (c Config) BoundingBox() (geo.BoundingBox, error) {
	return geo.ParseBoundingBox(c.Area.BBox)
}

// ZoomRange returns the parsed zoom range.
func (c Config) ZoomRange() (int, int, error) {
	return ParseZoomRange(c.Area.Zoom)
}

// StorageConfig maps the storage section onto storage.Config.
func (c Config) StorageConfig() storage.Config {
	return storage.Config{
		Backend:    c.Storage.Backend,
		LocalDir:   c.Storage.LocalDir,
		Bucket:     c.Storage.Bucket,
		Layer:      c.Storage.Layer,
		S3Region:   c.Storage.S3Region,
		S3Endpoint: c.Storage.S3Endpoint,
		AccessKey:  c.Storage.AccessKey,
		SecretKey:  c.Storage.SecretKey,
	}
}

// FetcherOptions maps the source section onto fetcher.Options.
func (c Config) FetcherOptions() fetcher.Options {
	opts := fetcher.DefaultOptions()
	if c.Source.Timeout > 0 {
		opts.Timeout = c.Source.Timeout
	}
	opts.UserAgent = c.Source.UserAgent
	opts.DecodeGzip = c.Source.DecodeGzip
	if c.Perf.Workers > 0 {
		opts.MaxConnsPerHost = c.Perf.Workers
	}
	opts.Buckets = fetcher.BucketOptions{
		S3Region:   c.Storage.S3Region,
		S3Endpoint: c.Storage.S3Endpoint,
	}
	return opts
}

// LoggingConfig maps the log section onto logging.Config.
func (c Config) LoggingConfig() logging.Config {
	return logging.Config{Level: c.Log.Level, Format: c.Log.Format}
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
