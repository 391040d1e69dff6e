package clipper

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/withObsrvr/obsrvr-tile-clipper/internal/fetcher"
	"github.com/withObsrvr/obsrvr-tile-clipper/internal/logging"
	"github.com/withObsrvr/obsrvr-tile-clipper/internal/metrics"
	"github.com/withObsrvr/obsrvr-tile-clipper/internal/progress"
	"github.com/withObsrvr/obsrvr-tile-clipper/internal/report"
)

// pool implements the dispatcher → workers flow for one zoom level.
// Workers fetch and store tiles in parallel; results are folded into the
// report as they complete.
type pool struct {
	c         *Clipper
	zoom      int
	zoomLabel string
	total     int
	acc       *report.Accumulator
	log       *slog.Logger

	workQueue chan TileJob
	wg        sync.WaitGroup
}

func newPool(c *Clipper, zoom, total int, acc *report.Accumulator) *pool {
	return &pool{
		c:         c,
		zoom:      zoom,
		zoomLabel: strconv.Itoa(zoom),
		total:     total,
		acc:       acc,
		log:       slog.With("component", "pipeline", "zoom", zoom),
		// Unbuffered: a dispatched job is always picked up by a worker, so
		// nothing sits queued when the dispatcher stops.
		workQueue: make(chan TileJob),
	}
}

// run starts the workers, dispatches every job and waits for the pool to
// drain. It returns the context error if dispatch was cut short.
func (p *pool) run(ctx context.Context, jobs []TileJob) error {
	workers := p.c.opts.Workers
	if workers > len(jobs) {
		workers = len(jobs)
	}

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.workerLoop(ctx, i)
	}

	err := p.dispatcherLoop(ctx, jobs)
	p.wg.Wait()
	return err
}

// dispatcherLoop sends jobs to workers, checking for cancellation before each.
func (p *pool) dispatcherLoop(ctx context.Context, jobs []TileJob) error {
	defer close(p.workQueue)

	for i, job := range jobs {
		if err := ctx.Err(); err != nil {
			p.log.Info("dispatch stopped", "dispatched", i, "total", len(jobs))
			return err
		}

		select {
		case <-ctx.Done():
			p.log.Info("dispatch stopped", "dispatched", i, "total", len(jobs))
			return ctx.Err()
		case p.workQueue <- job:
		}

		if m := metrics.Get(); m != nil {
			m.SetWorkerQueueDepth(len(jobs) - i - 1)
		}
	}

	return nil
}

// workerLoop processes jobs until the queue is closed.
func (p *pool) workerLoop(ctx context.Context, workerID int) {
	defer p.wg.Done()

	for job := range p.workQueue {
		result := p.processJob(ctx, workerID, job)
		p.record(result)
	}
}

// processJob fetches one tile and stores it. Exactly one attempt is made.
func (p *pool) processJob(ctx context.Context, workerID int, job TileJob) TileResult {
	m := metrics.Get()
	if m != nil {
		m.IncInFlight()
		defer m.DecInFlight()
	}

	result := TileResult{Job: job, WorkerID: workerID}

	fetchStart := time.Now()
	data, err := p.c.fetch.Fetch(ctx, job.Tile, job.URL)
	result.FetchTime = time.Since(fetchStart)
	if err != nil {
		result.Stage = report.StageFetch
		result.Err = err
		var fe *fetcher.Error
		if errors.As(err, &fe) {
			result.StatusCode = fe.StatusCode
		}
		return result
	}
	result.Bytes = len(data)

	if m != nil {
		m.IncTilesFetched(p.zoomLabel)
		m.ObserveFetchDuration(p.zoomLabel, result.FetchTime.Seconds())
		m.ObserveTileBytes(p.zoomLabel, len(data))
	}

	storeStart := time.Now()
	err = p.c.sink.Store(ctx, job.Tile, job.Filename, data)
	result.StoreTime = time.Since(storeStart)
	if err != nil {
		result.Stage = report.StageStore
		result.Err = err
		return result
	}

	if m != nil {
		m.IncTilesStored(p.zoomLabel)
		m.ObserveStoreDuration(p.zoomLabel, result.StoreTime.Seconds())
	}

	result.URI = p.c.sink.URI(p.c.sink.Key(job.Tile, job.Filename))
	return result
}

// record folds a result into the report and notifies the observer.
func (p *pool) record(r TileResult) {
	log := logging.TileLogger(logging.WorkerLogger(r.WorkerID), r.Job.Tile)

	p.c.mu.Lock()
	var completed, failed int
	if r.Err != nil {
		completed, failed = p.acc.Failure(report.Failure{
			Tile:       report.FromTile(r.Job.Tile),
			URL:        r.Job.URL,
			Stage:      r.Stage,
			StatusCode: r.StatusCode,
			Error:      r.Err.Error(),
		})
	} else {
		completed, failed = p.acc.Success(report.Success{
			Tile:  report.FromTile(r.Job.Tile),
			URI:   r.URI,
			Bytes: r.Bytes,
		})
	}
	p.c.observer.Observe(progress.Event{
		Kind:      progress.TileDone,
		Zoom:      p.zoom,
		Completed: completed,
		Total:     p.total,
		Failed:    failed,
		Tile:      r.Job.Tile,
		Err:       r.Err,
	})
	p.c.mu.Unlock()

	if r.Err != nil {
		if m := metrics.Get(); m != nil {
			m.IncTilesFailed(p.zoomLabel, r.Stage)
		}
		log.Warn("tile skipped", "stage", r.Stage, "url", r.Job.URL, "error", r.Err)
		return
	}

	log.Debug("tile stored",
		"bytes", r.Bytes,
		"uri", r.URI,
		"fetch_ms", r.FetchTime.Milliseconds(),
		"store_ms", r.StoreTime.Milliseconds(),
	)
}
