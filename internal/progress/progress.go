// Package progress delivers download progress to pluggable observers.
package progress

import (
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/paulmach/orb/maptile"
	"github.com/schollz/progressbar/v3"
)

// Kind identifies the progress event type.
type Kind int

const (
	// ZoomStarted is sent once per zoom level before any tile is dispatched.
	ZoomStarted Kind = iota
	// TileDone is sent after each tile finishes, successfully or not.
	TileDone
	// ZoomDone is sent after every tile of the zoom level has finished.
	ZoomDone
)

func (k Kind) String() string {
	switch k {
	case ZoomStarted:
		return "zoom_started"
	case TileDone:
		return "tile_done"
	case ZoomDone:
		return "zoom_done"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Event is a single progress notification. Completed never decreases within
// a zoom level.
type Event struct {
	Kind      Kind
	Zoom      int
	Completed int
	Total     int
	Failed    int

	// Set for TileDone only.
	Tile maptile.Tile
	Err  error
}

// Observer receives progress events. The orchestrator calls Observe serially.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(Event)

// Observe calls f(e).
func (f ObserverFunc) Observe(e Event) { f(e) }

// Nop discards all events.
var Nop Observer = ObserverFunc(func(Event) {})

// Multi fans events out to several observers in order.
func Multi(observers ...Observer) Observer {
	var list []Observer
	for _, o := range observers {
		if o != nil {
			list = append(list, o)
		}
	}
	return ObserverFunc(func(e Event) {
		for _, o := range list {
			o.Observe(e)
		}
	})
}

// LogObserver writes progress to a slog logger. Tile results are logged at
// debug level, zoom boundaries at info.
type LogObserver struct {
	logger *slog.Logger
}

// NewLogObserver creates a LogObserver. A nil logger uses slog.Default().
func NewLogObserver(logger *slog.Logger) *LogObserver {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogObserver{logger: logger}
}

// Observe logs the event.
func (o *LogObserver) Observe(e Event) {
	switch e.Kind {
	case ZoomStarted:
		o.logger.Info("zoom level started", "zoom", e.Zoom, "tiles", e.Total)
	case TileDone:
		if e.Err != nil {
			o.logger.Warn("tile failed",
				"zoom", e.Zoom, "x", e.Tile.X, "y", e.Tile.Y,
				"completed", e.Completed, "total", e.Total,
				"error", e.Err)
			return
		}
		o.logger.Debug("tile done",
			"zoom", e.Zoom, "x", e.Tile.X, "y", e.Tile.Y,
			"completed", e.Completed, "total", e.Total)
	case ZoomDone:
		o.logger.Info("zoom level complete",
			"zoom", e.Zoom,
			"completed", e.Completed,
			"failed", e.Failed,
			"total", e.Total)
	}
}

// BarObserver renders one terminal progress bar per zoom level.
type BarObserver struct {
	mu  sync.Mutex
	w   io.Writer
	bar *progressbar.ProgressBar
}

// NewBarObserver creates a BarObserver writing to w.
func NewBarObserver(w io.Writer) *BarObserver {
	return &BarObserver{w: w}
}

// Observe advances the bar for the current zoom level.
func (o *BarObserver) Observe(e Event) {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch e.Kind {
	case ZoomStarted:
		o.bar = progressbar.NewOptions(e.Total,
			progressbar.OptionSetWriter(o.w),
			progressbar.OptionSetDescription(fmt.Sprintf("zoom %d", e.Zoom)),
			progressbar.OptionShowCount(),
			progressbar.OptionSetItsString("tiles"),
			progressbar.OptionShowIts(),
			progressbar.OptionOnCompletion(func() { fmt.Fprintln(o.w) }),
		)
	case TileDone:
		if o.bar != nil {
			_ = o.bar.Set(e.Completed)
		}
	case ZoomDone:
		if o.bar != nil {
			_ = o.bar.Finish()
			o.bar = nil
		}
	}
}

// Recorder keeps every event it receives. Safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Observe records the event.
func (r *Recorder) Observe(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}
