package clipper

import (
	"errors"
	"time"

	"github.com/paulmach/orb/maptile"

	"github.com/withObsrvr/obsrvr-tile-clipper/internal/fetcher"
	"github.com/withObsrvr/obsrvr-tile-clipper/internal/geo"
)

// Version information (set via ldflags)
var (
	Version = "dev"
	GitSHA  = "unknown"
)

// DefaultWorkers is the worker pool size used when none is configured.
const DefaultWorkers = 10

// MaxZoom is the deepest zoom level accepted.
const MaxZoom = 30

// ErrInvalidOptions is returned by New for unusable options.
var ErrInvalidOptions = errors.New("clipper: invalid options")

// Options configures a download run. Read-only once the run starts.
type Options struct {
	Template  *fetcher.Template
	BBox      geo.BoundingBox
	ZoomStart int
	ZoomEnd   int
	Workers   int
}

// TileJob is one unit of work, consumed exactly once by a worker.
type TileJob struct {
	Tile     maptile.Tile
	URL      string
	Filename string
}

// TileResult is the outcome of processing a TileJob.
type TileResult struct {
	Job        TileJob
	WorkerID   int
	Bytes      int
	URI        string
	Stage      string // failure stage, empty on success
	StatusCode int
	Err        error
	FetchTime  time.Duration
	StoreTime  time.Duration
}
