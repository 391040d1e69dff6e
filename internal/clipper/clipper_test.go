package clipper

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/paulmach/orb/maptile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/obsrvr-tile-clipper/internal/fetcher"
	"github.com/withObsrvr/obsrvr-tile-clipper/internal/geo"
	"github.com/withObsrvr/obsrvr-tile-clipper/internal/progress"
	"github.com/withObsrvr/obsrvr-tile-clipper/internal/report"
	"github.com/withObsrvr/obsrvr-tile-clipper/internal/storage"
)

var knownBox = geo.BoundingBox{MinX: 21.49147, MinY: 65.31016, MaxX: 21.5, MaxY: 65.31688}

// recordingSink keeps stored tiles in memory.
type recordingSink struct {
	mu    sync.Mutex
	tiles map[string][]byte
	fail  func(maptile.Tile) error
}

func newRecordingSink() *recordingSink {
	return &recordingSink{tiles: make(map[string][]byte)}
}

func (s *recordingSink) Store(ctx context.Context, tile maptile.Tile, filename string, data []byte) error {
	key := s.Key(tile, filename)
	if s.fail != nil {
		if err := s.fail(tile); err != nil {
			return &storage.Error{Tile: tile, Key: key, Err: err}
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tiles[key] = append([]byte(nil), data...)
	return nil
}

func (s *recordingSink) Key(tile maptile.Tile, filename string) string {
	return storage.TileKey("", tile, filename)
}

func (s *recordingSink) URI(key string) string { return "mem://" + key }

func (s *recordingSink) Close() error { return nil }

func (s *recordingSink) keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.tiles))
	for k := range s.tiles {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// fakeFetcher returns "z/x/y" as the tile body.
type fakeFetcher struct {
	calls   atomic.Int64
	fail    func(maptile.Tile) error
	onFetch func(maptile.Tile)
}

func (f *fakeFetcher) Fetch(ctx context.Context, tile maptile.Tile, url string) ([]byte, error) {
	f.calls.Add(1)
	if f.onFetch != nil {
		f.onFetch(tile)
	}
	if err := ctx.Err(); err != nil {
		return nil, &fetcher.Error{Tile: tile, URL: url, Err: err}
	}
	if f.fail != nil {
		if err := f.fail(tile); err != nil {
			return nil, &fetcher.Error{Tile: tile, URL: url, Err: err}
		}
	}
	return []byte(fmt.Sprintf("%d/%d/%d", tile.Z, tile.X, tile.Y)), nil
}

// tileServer serves "z/x/y" for every tile, 404 for the listed paths.
func tileServer(t *testing.T, missing ...string) *httptest.Server {
	t.Helper()
	notFound := make(map[string]bool)
	for _, m := range missing {
		notFound[m] = true
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if notFound[r.URL.Path] {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("tile:" + r.URL.Path))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newClipper(t *testing.T, opts Options, f fetcher.Fetcher, sink storage.Sink, obs progress.Observer) *Clipper {
	t.Helper()
	c, err := New(opts, f, sink, obs)
	require.NoError(t, err)
	return c
}

func TestRunKnownBoxToLocalDir(t *testing.T) {
	srv := tileServer(t)
	root := t.TempDir()

	sink, err := storage.NewLocalSink(root)
	require.NoError(t, err)

	c := newClipper(t, Options{
		Template:  fetcher.NewTemplate(srv.URL+"/{z}/{x}/{y}.png", nil),
		BBox:      knownBox,
		ZoomStart: 14,
		ZoomEnd:   14,
	}, fetcher.NewClient(fetcher.DefaultOptions()), sink, nil)

	rep, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Len(t, rep.Succeeded, 2)
	assert.Empty(t, rep.Failed)
	require.Len(t, rep.Zooms, 1)
	assert.Equal(t, 2, rep.Zooms[0].Total)

	for _, y := range []int{4229, 4230} {
		data, err := os.ReadFile(filepath.Join(root, "14", "9170", fmt.Sprintf("%d.png", y)))
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("tile:/14/9170/%d.png", y), string(data))
	}
}

func TestRunPartialFailure(t *testing.T) {
	srv := tileServer(t, "/14/9170/4230.png")
	sink := newRecordingSink()

	c := newClipper(t, Options{
		Template:  fetcher.NewTemplate(srv.URL+"/{z}/{x}/{y}.png", nil),
		BBox:      knownBox,
		ZoomStart: 14,
		ZoomEnd:   14,
	}, fetcher.NewClient(fetcher.DefaultOptions()), sink, nil)

	rep, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"14/9170/4229.png"}, sink.keys())

	require.Len(t, rep.Failed, 1)
	f := rep.Failed[0]
	assert.Equal(t, report.Tile{Z: 14, X: 9170, Y: 4230}, f.Tile)
	assert.Equal(t, report.StageFetch, f.Stage)
	assert.Equal(t, http.StatusNotFound, f.StatusCode)
	assert.Equal(t, srv.URL+"/14/9170/4230.png", f.URL)
	assert.False(t, rep.TotalLoss())
}

func TestRunPoolSizeDoesNotChangeResult(t *testing.T) {
	box := geo.BoundingBox{MinX: 21.0, MinY: 65.0, MaxX: 22.0, MaxY: 65.5}

	run := func(workers int) []string {
		sink := newRecordingSink()
		c := newClipper(t, Options{
			Template:  fetcher.NewTemplate("http://tiles.test/{z}/{x}/{y}.png", nil),
			BBox:      box,
			ZoomStart: 8,
			ZoomEnd:   11,
			Workers:   workers,
		}, &fakeFetcher{}, sink, nil)

		rep, err := c.Run(context.Background())
		require.NoError(t, err)
		assert.Empty(t, rep.Failed)
		return sink.keys()
	}

	one := run(1)
	ten := run(10)
	require.NotEmpty(t, one)
	assert.Equal(t, one, ten)
}

func TestRunIdempotentLocalWrites(t *testing.T) {
	root := t.TempDir()
	sink, err := storage.NewLocalSink(root)
	require.NoError(t, err)

	opts := Options{
		Template:  fetcher.NewTemplate("http://tiles.test/{z}/{x}/{y}.png", nil),
		BBox:      knownBox,
		ZoomStart: 12,
		ZoomEnd:   14,
	}

	snapshot := func() map[string]string {
		out := make(map[string]string)
		err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			rel, _ := filepath.Rel(root, path)
			out[filepath.ToSlash(rel)] = string(data)
			return nil
		})
		require.NoError(t, err)
		return out
	}

	_, err = newClipper(t, opts, &fakeFetcher{}, sink, nil).Run(context.Background())
	require.NoError(t, err)
	first := snapshot()

	_, err = newClipper(t, opts, &fakeFetcher{}, sink, nil).Run(context.Background())
	require.NoError(t, err)
	second := snapshot()

	require.NotEmpty(t, first)
	assert.Equal(t, first, second)
	assert.Equal(t, "14/9170/4229", first["14/9170/4229.png"])
}

func TestRunZoomBarrierAndMonotonicProgress(t *testing.T) {
	var rec progress.Recorder
	box := geo.BoundingBox{MinX: -10, MinY: -10, MaxX: 10, MaxY: 10}

	c := newClipper(t, Options{
		Template:  fetcher.NewTemplate("http://tiles.test/{z}/{x}/{y}.png", nil),
		BBox:      box,
		ZoomStart: 3,
		ZoomEnd:   6,
		Workers:   4,
	}, &fakeFetcher{}, newRecordingSink(), &rec)

	rep, err := c.Run(context.Background())
	require.NoError(t, err)

	events := rec.Events()
	require.NotEmpty(t, events)

	zoom := -1
	completed := 0
	open := false
	for _, e := range events {
		switch e.Kind {
		case progress.ZoomStarted:
			require.False(t, open, "zoom %d started before previous finished", e.Zoom)
			require.Greater(t, e.Zoom, zoom)
			zoom, completed, open = e.Zoom, 0, true
		case progress.TileDone:
			require.True(t, open)
			require.Equal(t, zoom, e.Zoom)
			require.Equal(t, int(e.Tile.Z), zoom)
			require.Equal(t, completed+1, e.Completed)
			completed = e.Completed
		case progress.ZoomDone:
			require.True(t, open)
			require.Equal(t, e.Total, e.Completed)
			require.Equal(t, completed, e.Completed)
			open = false
		}
	}
	assert.Equal(t, 6, zoom)
	assert.False(t, open)
	assert.Len(t, rep.Zooms, 4)
}

func TestRunCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := &fakeFetcher{onFetch: func(maptile.Tile) { cancel() }}
	sink := newRecordingSink()

	c := newClipper(t, Options{
		Template:  fetcher.NewTemplate("http://tiles.test/{z}/{x}/{y}.png", nil),
		BBox:      geo.BoundingBox{MinX: -170, MinY: -80, MaxX: 170, MaxY: 80},
		ZoomStart: 3,
		ZoomEnd:   5,
		Workers:   1,
	}, f, sink, nil)

	rep, err := c.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, rep)

	assert.True(t, rep.Cancelled)
	assert.LessOrEqual(t, f.calls.Load(), int64(2))
	assert.Equal(t, int(f.calls.Load()), rep.Total())
	require.Len(t, rep.Zooms, 1)
	assert.Equal(t, 3, rep.Zooms[0].Zoom)
	assert.Less(t, rep.Total(), rep.Zooms[0].Total)
}

func TestRunStoreFailureIsRecorded(t *testing.T) {
	sink := newRecordingSink()
	sink.fail = func(maptile.Tile) error { return errors.New("disk full") }

	c := newClipper(t, Options{
		Template:  fetcher.NewTemplate("http://tiles.test/{z}/{x}/{y}.png", nil),
		BBox:      knownBox,
		ZoomStart: 13,
		ZoomEnd:   14,
	}, &fakeFetcher{}, sink, nil)

	rep, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Empty(t, rep.Succeeded)
	require.NotEmpty(t, rep.Failed)
	for _, f := range rep.Failed {
		assert.Equal(t, report.StageStore, f.Stage)
		assert.Contains(t, f.Error, "disk full")
	}
	assert.True(t, rep.TotalLoss())
	assert.Len(t, rep.Zooms, 2)
}

func TestRunFetchFailureDoesNotStopSiblings(t *testing.T) {
	box := geo.BoundingBox{MinX: -10, MinY: -10, MaxX: 10, MaxY: 10}
	f := &fakeFetcher{fail: func(tile maptile.Tile) error {
		if tile.X%2 == 0 {
			return fetcher.ErrUnexpectedStatus
		}
		return nil
	}}

	c := newClipper(t, Options{
		Template:  fetcher.NewTemplate("http://tiles.test/{z}/{x}/{y}.png", nil),
		BBox:      box,
		ZoomStart: 5,
		ZoomEnd:   5,
		Workers:   3,
	}, f, newRecordingSink(), nil)

	rep, err := c.Run(context.Background())
	require.NoError(t, err)

	r := geo.TileRange(5, box)
	assert.Equal(t, r.Count(), rep.Total())
	assert.Equal(t, int64(r.Count()), f.calls.Load())
	assert.NotEmpty(t, rep.Succeeded)
	assert.NotEmpty(t, rep.Failed)
	for _, fl := range rep.Failed {
		assert.Zero(t, fl.Tile.X%2)
	}
}

func TestRunNormalizesWebMercatorInput(t *testing.T) {
	merc := geo.BoundingBox{MinX: 2392000, MinY: 9700000, MaxX: 2393000, MaxY: 9701000}
	sink := newRecordingSink()

	c := newClipper(t, Options{
		Template:  fetcher.NewTemplate("http://tiles.test/{z}/{x}/{y}.png", nil),
		BBox:      merc,
		ZoomStart: 10,
		ZoomEnd:   10,
	}, &fakeFetcher{}, sink, nil)

	rep, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, geo.IsGeographic(rep.BBox))
	assert.Equal(t, geo.Normalize(merc), rep.BBox)
	assert.NotEmpty(t, sink.keys())
}

func TestRunLocalTemplate(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "14", "9170"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "14", "9170", "4229.png"), []byte("a"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "14", "9170", "4230.png"), []byte("b"), 0644))

	sink := newRecordingSink()
	c := newClipper(t, Options{
		Template:  fetcher.NewTemplate(fetcher.FileScheme+filepath.ToSlash(src)+"/{z}/{x}/{y}.png", nil),
		BBox:      knownBox,
		ZoomStart: 14,
		ZoomEnd:   14,
	}, fetcher.NewClient(fetcher.DefaultOptions()), sink, nil)

	rep, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rep.Failed)
	assert.Equal(t, []string{"14/9170/9170_4229_14.png", "14/9170/9170_4230_14.png"}, sink.keys())
}

func TestNewValidatesOptions(t *testing.T) {
	tmpl := fetcher.NewTemplate("http://tiles.test/{z}/{x}/{y}.png", nil)
	sink := newRecordingSink()
	f := &fakeFetcher{}

	tests := []struct {
		name string
		opts Options
	}{
		{"nil template", Options{ZoomStart: 1, ZoomEnd: 2}},
		{"empty template", Options{Template: fetcher.NewTemplate("", nil)}},
		{"start after end", Options{Template: tmpl, ZoomStart: 5, ZoomEnd: 4}},
		{"negative zoom", Options{Template: tmpl, ZoomStart: -1, ZoomEnd: 4}},
		{"zoom too deep", Options{Template: tmpl, ZoomStart: 1, ZoomEnd: MaxZoom + 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.opts, f, sink, nil)
			assert.ErrorIs(t, err, ErrInvalidOptions)
		})
	}

	c, err := New(Options{Template: tmpl, ZoomStart: 0, ZoomEnd: 0}, f, sink, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultWorkers, c.Workers())

	_, err = New(Options{Template: tmpl}, nil, sink, nil)
	assert.ErrorIs(t, err, ErrInvalidOptions)
	_, err = New(Options{Template: tmpl}, f, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidOptions)
}

// peakFetcher tracks how many fetches run at the same time.
type peakFetcher struct {
	inFlight atomic.Int64
	peak     atomic.Int64
}

func (f *peakFetcher) Fetch(ctx context.Context, tile maptile.Tile, url string) ([]byte, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	return []byte("tile"), nil
}

func TestRunWorkersBoundConcurrentFetches(t *testing.T) {
	for _, workers := range []int{1, 3, 8} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			f := &peakFetcher{}
			c := newClipper(t, Options{
				Template:  fetcher.NewTemplate("http://tiles.test/{z}/{x}/{y}.png", nil),
				BBox:      geo.BoundingBox{MinX: -90, MinY: -60, MaxX: 90, MaxY: 60},
				ZoomStart: 3,
				ZoomEnd:   3,
				Workers:   workers,
			}, f, newRecordingSink(), nil)

			rep, err := c.Run(context.Background())
			require.NoError(t, err)
			require.Greater(t, len(rep.Succeeded), workers)

			assert.LessOrEqual(t, f.peak.Load(), int64(workers))
			assert.GreaterOrEqual(t, f.peak.Load(), int64(1))
		})
	}
}

func TestRunWholeWorldBox(t *testing.T) {
	sink := newRecordingSink()
	c := newClipper(t, Options{
		Template:  fetcher.NewTemplate("http://tiles.test/{z}/{x}/{y}.png", nil),
		BBox:      geo.BoundingBox{MinX: -180, MinY: -90, MaxX: 180, MaxY: 90},
		ZoomStart: 0,
		ZoomEnd:   1,
	}, &fakeFetcher{}, sink, nil)

	rep, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"0/0/0.png", "1/0/0.png", "1/0/1.png", "1/1/0.png", "1/1/1.png"}, sink.keys())
	assert.Len(t, rep.Succeeded, 5)
	assert.Empty(t, rep.Failed)

	require.Len(t, rep.Zooms, 2)
	assert.Equal(t, 1, rep.Zooms[0].Total)
	assert.Equal(t, 5, rep.Zooms[0].OutOfRange)
	assert.NotEmpty(t, rep.Zooms[0].Warning)
	assert.Equal(t, 4, rep.Zooms[1].Total)
	assert.Equal(t, 8, rep.Zooms[1].OutOfRange)
}

func TestRunPolarBoxRecordsEmptyZoom(t *testing.T) {
	f := &fakeFetcher{}
	c := newClipper(t, Options{
		Template:  fetcher.NewTemplate("http://tiles.test/{z}/{x}/{y}.png", nil),
		BBox:      geo.BoundingBox{MinX: 10, MinY: 85.2, MaxX: 11, MaxY: 86},
		ZoomStart: 3,
		ZoomEnd:   3,
	}, f, newRecordingSink(), nil)

	rep, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Zero(t, f.calls.Load())
	assert.Zero(t, rep.Total())
	require.Len(t, rep.Zooms, 1)
	assert.Zero(t, rep.Zooms[0].Total)
	assert.Contains(t, rep.Zooms[0].Warning, "no tiles in range")
}

func TestRunQueryTemplateKeepsRowsApart(t *testing.T) {
	root := t.TempDir()
	sink, err := storage.NewLocalSink(root)
	require.NoError(t, err)

	c := newClipper(t, Options{
		Template:  fetcher.NewTemplate("http://tiles.test/tile?z={z}&x={x}&y={y}", nil),
		BBox:      geo.BoundingBox{MinX: 21.0, MinY: 60.0, MaxX: 21.1, MaxY: 70.0},
		ZoomStart: 10,
		ZoomEnd:   10,
		Workers:   10,
	}, &fakeFetcher{}, sink, nil)

	rep, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Greater(t, len(rep.Succeeded), 1)

	uris := make(map[string]bool)
	for _, s := range rep.Succeeded {
		uris[s.URI] = true
	}
	assert.Len(t, uris, len(rep.Succeeded))

	var files int
	require.NoError(t, filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			files++
		}
		return err
	}))
	assert.Equal(t, len(rep.Succeeded), files)

	first := rep.Succeeded[0].Tile
	data, err := os.ReadFile(filepath.Join(root, "10", fmt.Sprint(first.X), fmt.Sprintf("%d_%d_10", first.X, first.Y)))
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("10/%d/%d", first.X, first.Y), string(data))
}
