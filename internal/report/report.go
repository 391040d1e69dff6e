// Package report records the outcome of a download run.
package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/paulmach/orb/maptile"

	"github.com/withObsrvr/obsrvr-tile-clipper/internal/geo"
)

// Failure stages.
const (
	StageFetch = "fetch"
	StageStore = "store"
)

// ErrNoReport is returned when no report file exists.
var ErrNoReport = errors.New("no report found")

// Tile identifies a tile in the report.
type Tile struct {
	Z uint32 `json:"z"`
	X uint32 `json:"x"`
	Y uint32 `json:"y"`
}

// FromTile converts a maptile.Tile.
func FromTile(t maptile.Tile) Tile {
	return Tile{Z: uint32(t.Z), X: t.X, Y: t.Y}
}

// MapTile converts back to a maptile.Tile.
func (t Tile) MapTile() maptile.Tile {
	return maptile.New(t.X, t.Y, maptile.Zoom(t.Z))
}

// Success is a tile that was fetched and stored.
type Success struct {
	Tile  Tile   `json:"tile"`
	URI   string `json:"uri,omitempty"`
	Bytes int    `json:"bytes"`
}

// Failure is a tile that was skipped.
type Failure struct {
	Tile       Tile   `json:"tile"`
	URL        string `json:"url"`
	Stage      string `json:"stage"` // "fetch" | "store"
	StatusCode int    `json:"status_code,omitempty"`
	Error      string `json:"error"`
}

// ZoomSummary aggregates one zoom level. Total counts the tiles requested;
// OutOfRange counts indices of the computed range that do not exist in the
// tile pyramid and were never requested.
type ZoomSummary struct {
	Zoom       int           `json:"zoom"`
	Range      string        `json:"range"`
	Total      int           `json:"total"`
	OutOfRange int           `json:"out_of_range,omitempty"`
	Warning    string        `json:"warning,omitempty"`
	Succeeded  int           `json:"succeeded"`
	Failed     int           `json:"failed"`
	Duration   time.Duration `json:"duration_ns"`
}

// Report is the result of a run.
type Report struct {
	RunID      string          `json:"run_id"`
	Template   string          `json:"template"`
	BBox       geo.BoundingBox `json:"bbox"`
	ZoomStart  int             `json:"zoom_start"`
	ZoomEnd    int             `json:"zoom_end"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Cancelled  bool            `json:"cancelled,omitempty"`
	Zooms      []ZoomSummary   `json:"zooms"`
	Succeeded  []Success       `json:"succeeded"`
	Failed     []Failure       `json:"failed"`
}

// Total returns the number of tiles attempted.
func (r *Report) Total() int {
	return len(r.Succeeded) + len(r.Failed)
}

// TotalLoss reports whether tiles were attempted and none succeeded.
func (r *Report) TotalLoss() bool {
	return len(r.Failed) > 0 && len(r.Succeeded) == 0
}

// Sort orders the tile lists by z, x, y. Completion order is otherwise
// arbitrary.
func (r *Report) Sort() {
	sort.Slice(r.Succeeded, func(i, j int) bool { return less(r.Succeeded[i].Tile, r.Succeeded[j].Tile) })
	sort.Slice(r.Failed, func(i, j int) bool { return less(r.Failed[i].Tile, r.Failed[j].Tile) })
}

func less(a, b Tile) bool {
	if a.Z != b.Z {
		return a.Z < b.Z
	}
	if a.X != b.X {
		return a.X < b.X
	}
	return a.Y < b.Y
}

// Accumulator collects results from concurrent workers.
type Accumulator struct {
	mu     sync.Mutex
	report *Report
	zoom   *ZoomSummary
}

// NewAccumulator starts a report.
func NewAccumulator(runID, template string, bbox geo.BoundingBox, zoomStart, zoomEnd int) *Accumulator {
	return &Accumulator{
		report: &Report{
			RunID:     runID,
			Template:  template,
			BBox:      bbox,
			ZoomStart: zoomStart,
			ZoomEnd:   zoomEnd,
			StartedAt: time.Now().UTC(),
			Succeeded: []Success{},
			Failed:    []Failure{},
		},
	}
}

// BeginZoom opens the summary for a zoom level and returns it. Ranges that
// are empty or reach beyond the pyramid carry a warning.
func (a *Accumulator) BeginZoom(r geo.IndexRange) ZoomSummary {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.report.Zooms = append(a.report.Zooms, ZoomSummary{
		Zoom:       r.Zoom,
		Range:      r.String(),
		Total:      r.Clip().Count(),
		OutOfRange: r.Outside(),
		Warning:    rangeWarning(r),
	})
	a.zoom = &a.report.Zooms[len(a.report.Zooms)-1]
	return *a.zoom
}

func rangeWarning(r geo.IndexRange) string {
	switch {
	case r.Clip().Count() == 0:
		return fmt.Sprintf("no tiles in range %s; latitudes must lie within ±%.5f", r, geo.MaxLatitude)
	case !r.InPyramid():
		return fmt.Sprintf("%d indices of range %s lie outside the tile pyramid and were skipped", r.Outside(), r)
	}
	return ""
}

// EndZoom closes the current zoom summary.
func (a *Accumulator) EndZoom(d time.Duration) ZoomSummary {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.zoom == nil {
		return ZoomSummary{}
	}
	a.zoom.Duration = d
	s := *a.zoom
	a.zoom = nil
	return s
}

// Success records a stored tile and returns the zoom-level counts after it.
func (a *Accumulator) Success(s Success) (completed, failed int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.report.Succeeded = append(a.report.Succeeded, s)
	if a.zoom != nil {
		a.zoom.Succeeded++
		return a.zoom.Succeeded + a.zoom.Failed, a.zoom.Failed
	}
	return len(a.report.Succeeded) + len(a.report.Failed), len(a.report.Failed)
}

// Failure records a skipped tile and returns the zoom-level counts after it.
func (a *Accumulator) Failure(f Failure) (completed, failed int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.report.Failed = append(a.report.Failed, f)
	if a.zoom != nil {
		a.zoom.Failed++
		return a.zoom.Succeeded + a.zoom.Failed, a.zoom.Failed
	}
	return len(a.report.Succeeded) + len(a.report.Failed), len(a.report.Failed)
}

// Finish seals and returns the report.
func (a *Accumulator) Finish(cancelled bool) *Report {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.report.FinishedAt = time.Now().UTC()
	a.report.Cancelled = cancelled
	a.report.Sort()
	return a.report
}

// Writer persists reports.
type Writer interface {
	Save(ctx context.Context, r *Report) error
}

// NewWriter creates a report writer. An empty path disables persistence.
func NewWriter(path string) (Writer, error) {
	if path == "" {
		return noopWriter{}, nil
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create report directory %s: %w", dir, err)
		}
	}

	return &fileWriter{path: path}, nil
}

// fileWriter persists reports to a local JSON file.
type fileWriter struct {
	path string
}

// Save writes the report atomically.
func (w *fileWriter) Save(ctx context.Context, r *Report) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	tempPath := w.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write report temp file: %w", err)
	}

	if err := os.Rename(tempPath, w.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename report file: %w", err)
	}

	return nil
}

// Load reads a report from file.
func Load(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoReport
		}
		return nil, fmt.Errorf("read report file: %w", err)
	}

	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse report file: %w", err)
	}

	return &r, nil
}

// noopWriter is used when no report path is configured.
type noopWriter struct{}

func (noopWriter) Save(ctx context.Context, r *Report) error {
	return nil
}
