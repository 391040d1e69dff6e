// Package clipper downloads every tile covering a bounding box across a zoom
// range and hands each one to a storage sink.
package clipper

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/withObsrvr/obsrvr-tile-clipper/internal/fetcher"
	"github.com/withObsrvr/obsrvr-tile-clipper/internal/geo"
	"github.com/withObsrvr/obsrvr-tile-clipper/internal/logging"
	"github.com/withObsrvr/obsrvr-tile-clipper/internal/metrics"
	"github.com/withObsrvr/obsrvr-tile-clipper/internal/progress"
	"github.com/withObsrvr/obsrvr-tile-clipper/internal/report"
	"github.com/withObsrvr/obsrvr-tile-clipper/internal/storage"
)

// Clipper orchestrates one download run: per zoom level it computes the tile
// range, dispatches the jobs to a bounded worker pool and waits for all of
// them before moving on.
type Clipper struct {
	opts     Options
	fetch    fetcher.Fetcher
	sink     storage.Sink
	observer progress.Observer

	// Serializes accumulator updates with observer calls so progress stays
	// monotonic.
	mu sync.Mutex
}

// New creates a Clipper. A nil observer discards progress.
func New(opts Options, f fetcher.Fetcher, sink storage.Sink, observer progress.Observer) (*Clipper, error) {
	if opts.Template == nil || opts.Template.String() == "" {
		return nil, fmt.Errorf("%w: empty URL template", ErrInvalidOptions)
	}
	if opts.ZoomStart < 0 || opts.ZoomEnd > MaxZoom || opts.ZoomStart > opts.ZoomEnd {
		return nil, fmt.Errorf("%w: zoom range %d-%d", ErrInvalidOptions, opts.ZoomStart, opts.ZoomEnd)
	}
	if f == nil {
		return nil, fmt.Errorf("%w: nil fetcher", ErrInvalidOptions)
	}
	if sink == nil {
		return nil, fmt.Errorf("%w: nil sink", ErrInvalidOptions)
	}
	if opts.Workers < 1 {
		opts.Workers = DefaultWorkers
	}
	if observer == nil {
		observer = progress.Nop
	}

	return &Clipper{
		opts:     opts,
		fetch:    f,
		sink:     sink,
		observer: observer,
	}, nil
}

// Workers returns the effective pool size.
func (c *Clipper) Workers() int {
	return c.opts.Workers
}

// Run downloads all zoom levels in ascending order. Per-tile failures are
// recorded in the report and never abort the run. On cancellation no further
// tiles are dispatched, in-flight tiles finish, and the partial report is
// returned together with the context error.
func (c *Clipper) Run(ctx context.Context) (*report.Report, error) {
	runID := logging.RunID(ctx)
	if runID == "" {
		runID = logging.NewRunID()
		ctx = logging.WithRunID(ctx, runID)
	}

	bbox := geo.Normalize(c.opts.BBox)
	log := logging.RunLogger(runID, c.opts.Template.String(), c.opts.ZoomStart, c.opts.ZoomEnd).
		With("component", "clipper")
	if bbox != c.opts.BBox {
		log.Info("reprojected bounding box from EPSG:3857", "input", c.opts.BBox.String(), "bbox", bbox.String())
	}

	acc := report.NewAccumulator(runID, c.opts.Template.String(), bbox, c.opts.ZoomStart, c.opts.ZoomEnd)

	log.Info("starting run", "bbox", bbox.String(), "workers", c.opts.Workers)

	start := time.Now()
	for zoom := c.opts.ZoomStart; zoom <= c.opts.ZoomEnd; zoom++ {
		if err := ctx.Err(); err != nil {
			log.Warn("run cancelled", "next_zoom", zoom)
			return acc.Finish(true), err
		}

		if err := c.runZoom(ctx, log, acc, zoom, bbox); err != nil {
			log.Warn("run cancelled", "zoom", zoom, "error", err)
			return acc.Finish(true), err
		}
	}

	rep := acc.Finish(false)
	log.Info("run complete",
		"tiles", rep.Total(),
		"succeeded", len(rep.Succeeded),
		"failed", len(rep.Failed),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return rep, nil
}

// runZoom processes one zoom level and returns only after every dispatched
// job has finished.
func (c *Clipper) runZoom(ctx context.Context, log *slog.Logger, acc *report.Accumulator, zoom int, bbox geo.BoundingBox) error {
	r := geo.TileRange(zoom, bbox)
	jobs := c.expandJobs(r)
	zoomLabel := strconv.Itoa(zoom)

	log.Debug("computed tile range", "range", r.String(), "tiles", len(jobs))

	c.mu.Lock()
	begun := acc.BeginZoom(r)
	c.observer.Observe(progress.Event{Kind: progress.ZoomStarted, Zoom: zoom, Total: len(jobs)})
	c.mu.Unlock()

	if begun.Warning != "" {
		log.Warn("tile range exceeds the Web Mercator pyramid",
			"zoom", zoom,
			"range", r.String(),
			"requested", len(jobs),
			"out_of_range", begun.OutOfRange,
			"max_latitude", geo.MaxLatitude,
		)
	}

	if m := metrics.Get(); m != nil {
		m.SetCurrentZoom(zoom)
		m.AddTilesPlanned(zoomLabel, len(jobs))
	}

	start := time.Now()
	p := newPool(c, zoom, len(jobs), acc)
	dispatchErr := p.run(ctx, jobs)
	elapsed := time.Since(start)

	c.mu.Lock()
	summary := acc.EndZoom(elapsed)
	c.observer.Observe(progress.Event{
		Kind:      progress.ZoomDone,
		Zoom:      zoom,
		Completed: summary.Succeeded + summary.Failed,
		Total:     summary.Total,
		Failed:    summary.Failed,
	})
	c.mu.Unlock()

	if m := metrics.Get(); m != nil {
		m.ObserveZoomDuration(zoomLabel, elapsed.Seconds())
		if dispatchErr == nil {
			m.IncZoomLevelsCompleted()
		}
	}

	return dispatchErr
}

// expandJobs builds one job per tile in the range.
func (c *Clipper) expandJobs(r geo.IndexRange) []TileJob {
	tiles := r.Tiles()
	jobs := make([]TileJob, 0, len(tiles))
	for _, t := range tiles {
		u := c.opts.Template.Resolve(t)
		jobs = append(jobs, TileJob{
			Tile:     t,
			URL:      u,
			Filename: c.opts.Template.FileName(u, t),
		})
	}
	return jobs
}
