// Package metrics provides Prometheus metrics for the tile clipper.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the tile clipper.
type Metrics struct {
	// Tile metrics
	TilesPlanned *prometheus.CounterVec
	TilesFetched *prometheus.CounterVec
	TilesStored  *prometheus.CounterVec
	TilesFailed  *prometheus.CounterVec

	// Timing metrics
	FetchDuration *prometheus.HistogramVec
	StoreDuration *prometheus.HistogramVec
	ZoomDuration  *prometheus.HistogramVec

	// Size metrics
	TileBytes *prometheus.HistogramVec

	// Pipeline metrics
	WorkerQueueDepth prometheus.Gauge
	InFlightTiles    prometheus.Gauge
	CurrentZoom      prometheus.Gauge

	ZoomLevelsCompleted prometheus.Counter
}

var defaultMetrics *Metrics

// Init initializes the metrics package with global metrics.
// Call this once at startup.
func Init(namespace string) *Metrics {
	m := New(namespace, prometheus.DefaultRegisterer)
	defaultMetrics = m
	return m
}

// New creates metrics registered with reg. Passing a fresh registry keeps
// repeated construction from colliding.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "tile_clipper"
	}
	f := promauto.With(reg)

	return &Metrics{
		TilesPlanned: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tiles_planned_total",
				Help:      "Total number of tiles enumerated for download",
			},
			[]string{"zoom"},
		),
		TilesFetched: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tiles_fetched_total",
				Help:      "Total number of tiles fetched from the source",
			},
			[]string{"zoom"},
		),
		TilesStored: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tiles_stored_total",
				Help:      "Total number of tiles written to the destination",
			},
			[]string{"zoom"},
		),
		TilesFailed: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tiles_failed_total",
				Help:      "Total number of tiles that failed",
			},
			[]string{"zoom", "stage"},
		),
		FetchDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tile_fetch_duration_seconds",
				Help:      "Time to fetch a single tile",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
			},
			[]string{"zoom"},
		),
		StoreDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tile_store_duration_seconds",
				Help:      "Time to store a single tile",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~2s
			},
			[]string{"zoom"},
		),
		ZoomDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "zoom_level_duration_seconds",
				Help:      "Time to process a complete zoom level",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14), // 0.1s to ~800s
			},
			[]string{"zoom"},
		),
		TileBytes: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tile_bytes",
				Help:      "Size of fetched tiles in bytes",
				Buckets:   prometheus.ExponentialBuckets(256, 2, 14), // 256B to ~2MB
			},
			[]string{"zoom"},
		),
		WorkerQueueDepth: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_queue_depth",
				Help:      "Current number of tiles waiting in the worker queue",
			},
		),
		InFlightTiles: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "in_flight_tiles",
				Help:      "Number of tiles currently being fetched or stored",
			},
		),
		CurrentZoom: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "current_zoom",
				Help:      "Zoom level currently being processed",
			},
		),
		ZoomLevelsCompleted: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "zoom_levels_completed_total",
				Help:      "Total number of zoom levels fully processed",
			},
		),
	}
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called.
func Get() *Metrics {
	return defaultMetrics
}

// Handler returns the HTTP handler serving /metrics and /health.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return mux
}

// StartServer starts an HTTP server for Prometheus metrics scraping.
// Blocks until the server exits.
func StartServer(address string) error {
	return http.ListenAndServe(address, Handler())
}

// AddTilesPlanned adds to the planned tiles counter.
func (m *Metrics) AddTilesPlanned(zoom string, count int) {
	m.TilesPlanned.WithLabelValues(zoom).Add(float64(count))
}

// IncTilesFetched increments the fetched tiles counter.
func (m *Metrics) IncTilesFetched(zoom string) {
	m.TilesFetched.WithLabelValues(zoom).Inc()
}

// IncTilesStored increments the stored tiles counter.
func (m *Metrics) IncTilesStored(zoom string) {
	m.TilesStored.WithLabelValues(zoom).Inc()
}

// IncTilesFailed increments the failed tiles counter for a stage.
func (m *Metrics) IncTilesFailed(zoom, stage string) {
	m.TilesFailed.WithLabelValues(zoom, stage).Inc()
}

// ObserveFetchDuration records the fetch time of one tile.
func (m *Metrics) ObserveFetchDuration(zoom string, seconds float64) {
	m.FetchDuration.WithLabelValues(zoom).Observe(seconds)
}

// ObserveStoreDuration records the store time of one tile.
func (m *Metrics) ObserveStoreDuration(zoom string, seconds float64) {
	m.StoreDuration.WithLabelValues(zoom).Observe(seconds)
}

// ObserveZoomDuration records the time to complete a zoom level.
func (m *Metrics) ObserveZoomDuration(zoom string, seconds float64) {
	m.ZoomDuration.WithLabelValues(zoom).Observe(seconds)
}

// ObserveTileBytes records the size of a tile.
func (m *Metrics) ObserveTileBytes(zoom string, bytes int) {
	m.TileBytes.WithLabelValues(zoom).Observe(float64(bytes))
}

// SetWorkerQueueDepth sets the current worker queue depth.
func (m *Metrics) SetWorkerQueueDepth(depth int) {
	m.WorkerQueueDepth.Set(float64(depth))
}

// IncInFlight marks a tile as in flight.
func (m *Metrics) IncInFlight() {
	m.InFlightTiles.Inc()
}

// DecInFlight marks a tile as done.
func (m *Metrics) DecInFlight() {
	m.InFlightTiles.Dec()
}

// SetCurrentZoom sets the zoom level being processed.
func (m *Metrics) SetCurrentZoom(zoom int) {
	m.CurrentZoom.Set(float64(zoom))
}

// IncZoomLevelsCompleted increments the completed zoom levels counter.
func (m *Metrics) IncZoomLevelsCompleted() {
	m.ZoomLevelsCompleted.Inc()
}
