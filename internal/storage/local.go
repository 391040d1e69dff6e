package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/paulmach/orb/maptile"
)

// LocalSink writes tiles to <root>/<z>/<x>/<filename>.
type LocalSink struct {
	baseDir string
}

// NewLocalSink creates a new local filesystem sink.
func NewLocalSink(baseDir string) (*LocalSink, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("create base directory %s: %w", baseDir, err)
	}

	return &LocalSink{baseDir: baseDir}, nil
}

// Store writes tile bytes, replacing any previous file with the same name.
func (s *LocalSink) Store(ctx context.Context, tile maptile.Tile, filename string, data []byte) error {
	key := s.Key(tile, filename)
	path := filepath.Join(s.baseDir, filepath.FromSlash(key))

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return &Error{Tile: tile, Key: key, Err: fmt.Errorf("create directory %s: %w", dir, err)}
	}

	// Write atomically using temp file + rename.
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return &Error{Tile: tile, Key: key, Err: fmt.Errorf("create temp file in %s: %w", dir, err)}
	}
	tempPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tempPath)
		return &Error{Tile: tile, Key: key, Err: fmt.Errorf("write temp file %s: %w", tempPath, err)}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tempPath)
		return &Error{Tile: tile, Key: key, Err: fmt.Errorf("close temp file %s: %w", tempPath, err)}
	}
	if err := os.Chmod(tempPath, 0644); err != nil {
		os.Remove(tempPath)
		return &Error{Tile: tile, Key: key, Err: fmt.Errorf("chmod temp file %s: %w", tempPath, err)}
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return &Error{Tile: tile, Key: key, Err: fmt.Errorf("rename %s to %s: %w", tempPath, path, err)}
	}

	return nil
}

// Key returns "<z>/<x>/<filename>".
func (s *LocalSink) Key(tile maptile.Tile, filename string) string {
	return TileKey("", tile, filename)
}

// URI returns the canonical URI for the given key.
func (s *LocalSink) URI(key string) string {
	absPath, err := filepath.Abs(filepath.Join(s.baseDir, filepath.FromSlash(key)))
	if err != nil {
		absPath = filepath.Join(s.baseDir, filepath.FromSlash(key))
	}
	return "file://" + filepath.ToSlash(absPath)
}

// Close is a no-op for local storage.
func (s *LocalSink) Close() error {
	return nil
}

var _ Sink = (*LocalSink)(nil)
