// Package fetcher retrieves single map tiles over HTTP, from the local
// filesystem or from object storage. Every tile gets exactly one attempt.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/paulmach/orb/maptile"
)

// Common errors.
var (
	ErrNotFound         = errors.New("fetcher: tile not found")
	ErrUnexpectedStatus = errors.New("fetcher: unexpected status")
)

// Error is a failed retrieval of a single tile. It is recorded by the caller
// and never aborts a batch.
type Error struct {
	Tile       maptile.Tile
	URL        string
	StatusCode int // 0 for transport and filesystem errors
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("fetch tile %d/%d/%d from %s: %v", e.Tile.Z, e.Tile.X, e.Tile.Y, e.URL, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Fetcher retrieves the bytes of one tile from a resolved URL.
type Fetcher interface {
	Fetch(ctx context.Context, tile maptile.Tile, url string) ([]byte, error)
}

// Options configures the HTTP client.
type Options struct {
	// Timeout for a single request.
	// Default: 30s
	Timeout time.Duration

	// UserAgent is sent with every request when set.
	UserAgent string

	// MaxConnsPerHost caps concurrent connections to the tile server.
	// Usually the worker count.
	MaxConnsPerHost int

	// DecodeGzip decompresses bodies served with Content-Encoding: gzip.
	// When false the bytes are kept exactly as served.
	DecodeGzip bool

	// Buckets configures s3:// sources.
	Buckets BucketOptions
}

// DefaultOptions returns options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		Timeout:         30 * time.Second,
		MaxConnsPerHost: 10,
	}
}

// Client fetches tiles over http(s), from disk for file:// URLs and from
// buckets for s3://, gs:// and mem:// URLs.
type Client struct {
	client  *http.Client
	buckets *BucketReader
	opts    Options
}

// NewClient creates a new tile client with the given options.
func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConnsPerHost: opts.MaxConnsPerHost,
		MaxConnsPerHost:     opts.MaxConnsPerHost,
		IdleConnTimeout:     90 * time.Second,
		DisableCompression:  true, // store tiles byte-for-byte
	}

	return &Client{
		client: &http.Client{
			Transport: transport,
			Timeout:   opts.Timeout,
		},
		buckets: NewBucketReader(opts.Buckets),
		opts:    opts,
	}
}

// Fetch retrieves a tile. Success is exactly HTTP 200, or an existing file for
// file:// URLs. Any other outcome is returned as *Error.
func (c *Client) Fetch(ctx context.Context, tile maptile.Tile, url string) ([]byte, error) {
	if IsLocal(url) {
		return fetchLocal(tile, url)
	}
	if IsBucketURL(url) {
		return c.buckets.Fetch(ctx, tile, url)
	}

	data, status, err := c.get(ctx, url)
	if err != nil {
		return nil, &Error{Tile: tile, URL: url, StatusCode: status, Err: err}
	}
	return data, nil
}

// Buckets returns the reader used for object-storage sources.
func (c *Client) Buckets() *BucketReader {
	return c.buckets
}

// Close releases any opened source buckets.
func (c *Client) Close() error {
	c.client.CloseIdleConnections()
	return c.buckets.Close()
}

func (c *Client) get(ctx context.Context, url string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	if c.opts.UserAgent != "" {
		req.Header.Set("User-Agent", c.opts.UserAgent)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return nil, resp.StatusCode, ErrNotFound
	default:
		return nil, resp.StatusCode, fmt.Errorf("%w: %s", ErrUnexpectedStatus, resp.Status)
	}

	var body io.Reader = resp.Body
	if c.opts.DecodeGzip && resp.Header.Get("Content-Encoding") == "gzip" {
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, resp.StatusCode, fmt.Errorf("open gzip body: %w", err)
		}
		defer zr.Close()
		body = zr
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read body: %w", err)
	}
	return data, resp.StatusCode, nil
}

func fetchLocal(tile maptile.Tile, url string) ([]byte, error) {
	data, err := os.ReadFile(LocalPath(url))
	if err != nil {
		if os.IsNotExist(err) {
			err = fmt.Errorf("%w: %v", ErrNotFound, err)
		}
		return nil, &Error{Tile: tile, URL: url, Err: err}
	}
	return data, nil
}
