package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/withObsrvr/obsrvr-tile-clipper/internal/clipper"
	"github.com/withObsrvr/obsrvr-tile-clipper/internal/config"
	"github.com/withObsrvr/obsrvr-tile-clipper/internal/fetcher"
	"github.com/withObsrvr/obsrvr-tile-clipper/internal/logging"
	"github.com/withObsrvr/obsrvr-tile-clipper/internal/metrics"
	"github.com/withObsrvr/obsrvr-tile-clipper/internal/progress"
	"github.com/withObsrvr/obsrvr-tile-clipper/internal/report"
	"github.com/withObsrvr/obsrvr-tile-clipper/internal/storage"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tile-clipper",
		Short: "Download slippy-map tiles covering a bounding box",
		Long: `tile-clipper downloads every raster tile covering a bounding box across a
range of zoom levels and stores them in a local directory or an object
storage bucket.

Examples:
  tile-clipper --source 'https://tile.openstreetmap.org/{z}/{x}/{y}.png' \
    --bbox 21.49147,65.31016,21.5,65.31688 --zoom 10-14 --output ./tiles
  tile-clipper --source ./mbtiles-export/{z}/{x}/{y}.png --bbox 2392000,9700000,2393000,9701000 \
    --zoom 12 --backend s3 --bucket tiles --layer osm

The bounding box may be given in EPSG:4326 or EPSG:3857; it is detected
automatically. Configuration can also come from a YAML file (--config) or
environment variables; flags win.`,
		Version:       fmt.Sprintf("%s (%s)", clipper.Version, clipper.GitSHA),
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE:          runClip,
	}

	f := cmd.Flags()
	f.String("config", "", "YAML configuration file")
	f.StringP("source", "s", "", "Tile URL template with {z}, {x}, {y} ({-y} for TMS, {s} for subdomains) or a local directory pattern")
	f.StringP("bbox", "b", "", "Bounding box minx,miny,maxx,maxy (EPSG:4326 or EPSG:3857)")
	f.StringP("zoom", "z", "", "Zoom level or inclusive range, e.g. 14 or 10-15")
	f.StringP("output", "o", "", "Output directory for the local backend")
	f.IntP("workers", "w", clipper.DefaultWorkers, "Number of concurrent downloads")
	f.String("backend", "", "Storage backend: local, s3, gcs or mem (default: inferred)")
	f.String("bucket", "", "Object storage bucket")
	f.String("layer", "", "Key prefix inside the bucket")
	f.String("s3-region", "", "S3 region")
	f.String("s3-endpoint", "", "Custom S3 endpoint (MinIO, R2, B2)")
	f.String("aws-key", "", "AWS access key ID")
	f.String("aws-secret", "", "AWS secret access key")
	f.String("subdomains", "", "Comma-separated subdomains for {s}")
	f.String("user-agent", "", "User-Agent header sent to the tile server")
	f.Bool("decode-gzip", false, "Decompress gzip-encoded tile bodies")
	f.String("log-level", "", "Log level: debug, info, warn, error")
	f.String("log-format", "", "Log format: text or json")
	f.String("metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")
	f.String("report", "", "Write a JSON run report to this path")
	f.Bool("progress", true, "Show a progress bar on stderr")

	return cmd
}

// loadConfig layers flags over the file and environment configuration.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	f := cmd.Flags()
	path, _ := f.GetString("config")

	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("%w: %w", config.ErrInvalidConfig, err)
	}

	str := func(name string, dst *string) {
		if f.Changed(name) {
			*dst, _ = f.GetString(name)
		}
	}
	str("source", &cfg.Source.Template)
	str("bbox", &cfg.Area.BBox)
	str("zoom", &cfg.Area.Zoom)
	str("output", &cfg.Storage.LocalDir)
	str("backend", &cfg.Storage.Backend)
	str("bucket", &cfg.Storage.Bucket)
	str("layer", &cfg.Storage.Layer)
	str("s3-region", &cfg.Storage.S3Region)
	str("s3-endpoint", &cfg.Storage.S3Endpoint)
	str("aws-key", &cfg.Storage.AccessKey)
	str("aws-secret", &cfg.Storage.SecretKey)
	str("user-agent", &cfg.Source.UserAgent)
	str("log-level", &cfg.Log.Level)
	str("log-format", &cfg.Log.Format)
	str("metrics-addr", &cfg.Metrics.Address)
	str("report", &cfg.Report.Path)

	if f.Changed("subdomains") {
		v, _ := f.GetString("subdomains")
		cfg.Source.Subdomains = splitComma(v)
	}
	if f.Changed("workers") {
		cfg.Perf.Workers, _ = f.GetInt("workers")
	}
	if f.Changed("decode-gzip") {
		cfg.Source.DecodeGzip, _ = f.GetBool("decode-gzip")
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}

	tmpl, err := fetcher.NormalizeTemplate(cfg.Source.Template)
	if err != nil {
		return config.Config{}, fmt.Errorf("%w: %w", config.ErrInvalidConfig, err)
	}
	cfg.Source.Template = tmpl

	return cfg, nil
}

func runClip(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logging.Setup(cfg.LoggingConfig())
	log := logging.Component("main")
	log.Info("tile clipper starting", "version", clipper.Version, "git_sha", clipper.GitSHA)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// Graceful shutdown handler
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-ch:
			log.Warn("received signal, stopping dispatch", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(ch)
	}()

	if cfg.Metrics.Address != "" {
		metrics.Init("tile_clipper")
		go func() {
			log.Info("metrics server listening", "address", cfg.Metrics.Address)
			if err := metrics.StartServer(cfg.Metrics.Address); err != nil {
				log.Error("metrics server stopped", "error", err)
			}
		}()
	}

	// Values were validated above; parse errors cannot occur here.
	bbox, _ := cfg.BoundingBox()
	zoomStart, zoomEnd, _ := cfg.ZoomRange()

	sink, err := storage.NewSink(ctx, cfg.StorageConfig())
	if err != nil {
		return fmt.Errorf("%w: open storage: %w", config.ErrInvalidConfig, err)
	}
	defer sink.Close()

	writer, err := report.NewWriter(cfg.Report.Path)
	if err != nil {
		return fmt.Errorf("%w: %w", config.ErrInvalidConfig, err)
	}

	observers := []progress.Observer{progress.NewLogObserver(logging.Component("progress"))}
	if show, _ := cmd.Flags().GetBool("progress"); show {
		observers = append(observers, progress.NewBarObserver(os.Stderr))
	}

	client := fetcher.NewClient(cfg.FetcherOptions())
	defer client.Close()

	c, err := clipper.New(clipper.Options{
		Template:  fetcher.NewTemplate(cfg.Source.Template, cfg.Source.Subdomains),
		BBox:      bbox,
		ZoomStart: zoomStart,
		ZoomEnd:   zoomEnd,
		Workers:   cfg.Perf.Workers,
	}, client, sink, progress.Multi(observers...))
	if err != nil {
		return fmt.Errorf("%w: %w", config.ErrInvalidConfig, err)
	}

	runID := logging.NewRunID()
	rep, runErr := c.Run(logging.WithRunID(ctx, runID))

	if rep != nil {
		if err := writer.Save(context.Background(), rep); err != nil {
			log.Error("failed to write report", "path", cfg.Report.Path, "error", err)
		} else if cfg.Report.Path != "" {
			log.Info("report written", "path", cfg.Report.Path)
		}
	}

	if runErr != nil {
		if ctx.Err() != nil {
			log.Info("shutdown complete", "run_id", runID)
		}
		return runErr
	}

	log.Info("tile clipper finished",
		"run_id", runID,
		"succeeded", len(rep.Succeeded),
		"failed", len(rep.Failed),
	)

	if rep.Total() == 0 {
		log.Warn("no tiles were requested; the bounding box lies outside the tile pyramid", "bbox", bbox.String())
	}
	if rep.TotalLoss() {
		return fmt.Errorf("%w: %d tiles attempted", errTotalLoss, rep.Total())
	}
	if len(rep.Failed) > 0 {
		log.Warn("some tiles were skipped", "failed", len(rep.Failed))
	}
	return nil
}

func splitComma(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	return out
}
