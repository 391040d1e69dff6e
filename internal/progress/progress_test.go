package progress

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/paulmach/orb/maptile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sequence(zoom, total int, failAt int) []Event {
	events := []Event{{Kind: ZoomStarted, Zoom: zoom, Total: total}}
	failed := 0
	for i := 1; i <= total; i++ {
		var err error
		if i == failAt {
			err = errors.New("boom")
			failed++
		}
		events = append(events, Event{
			Kind:      TileDone,
			Zoom:      zoom,
			Completed: i,
			Total:     total,
			Failed:    failed,
			Tile:      maptile.New(uint32(i), 0, maptile.Zoom(zoom)),
			Err:       err,
		})
	}
	return append(events, Event{Kind: ZoomDone, Zoom: zoom, Completed: total, Total: total, Failed: failed})
}

func TestMultiFansOut(t *testing.T) {
	var a, b Recorder
	var calls int
	obs := Multi(&a, nil, &b, ObserverFunc(func(Event) { calls++ }))

	for _, e := range sequence(3, 4, 0) {
		obs.Observe(e)
	}

	assert.Len(t, a.Events(), 6)
	assert.Equal(t, a.Events(), b.Events())
	assert.Equal(t, 6, calls)
}

func TestLogObserver(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	obs := NewLogObserver(logger)

	for _, e := range sequence(5, 3, 2) {
		obs.Observe(e)
	}

	out := buf.String()
	assert.Contains(t, out, "zoom level started")
	assert.Contains(t, out, "tile failed")
	assert.Contains(t, out, "zoom level complete")
	assert.NotContains(t, out, "tile done")
	assert.Contains(t, out, "failed=1")
}

func TestBarObserver(t *testing.T) {
	var buf bytes.Buffer
	obs := NewBarObserver(&buf)

	for _, e := range sequence(7, 5, 0) {
		obs.Observe(e)
	}

	out := buf.String()
	require.NotEmpty(t, out)
	assert.True(t, strings.Contains(out, "zoom 7"))
	assert.Nil(t, obs.bar)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "zoom_started", ZoomStarted.String())
	assert.Equal(t, "tile_done", TileDone.String())
	assert.Equal(t, "zoom_done", ZoomDone.String())
	assert.Equal(t, "kind(9)", Kind(9).String())
}
