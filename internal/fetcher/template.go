package fetcher

import (
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/paulmach/orb/maptile"

	"github.com/withObsrvr/obsrvr-tile-clipper/internal/geo"
)

// FileScheme prefixes templates that point at a local tile directory.
const FileScheme = "file://"

// Template is a tile URL template with {z}, {x} and {y} placeholders.
// {-y} expands to the TMS (flipped) row and {s} to the next configured
// subdomain in round-robin order.
type Template struct {
	raw        string
	subdomains []string
	next       atomic.Uint64
}

// NewTemplate creates a template. Subdomains are only used when the template
// contains {s}.
func NewTemplate(raw string, subdomains []string) *Template {
	return &Template{raw: raw, subdomains: subdomains}
}

// String returns the unresolved template.
func (t *Template) String() string { return t.raw }

// IsLocal reports whether the template resolves to files on disk.
func (t *Template) IsLocal() bool { return IsLocal(t.raw) }

// Resolve substitutes the tile coordinates (and a subdomain) into the template.
func (t *Template) Resolve(tile maptile.Tile) string {
	u := ResolveURL(t.raw, tile)
	if len(t.subdomains) > 0 && strings.Contains(u, "{s}") {
		i := t.next.Add(1) - 1
		u = strings.ReplaceAll(u, "{s}", t.subdomains[i%uint64(len(t.subdomains))])
	}
	return u
}

// ResolveURL substitutes {z}, {x}, {y} and {-y} literally. No other part of
// the template is encoded or altered.
func ResolveURL(template string, tile maptile.Tile) string {
	r := strings.NewReplacer(
		"{z}", strconv.Itoa(int(tile.Z)),
		"{x}", strconv.FormatUint(uint64(tile.X), 10),
		"{-y}", strconv.FormatUint(uint64(geo.FlipY(tile)), 10),
		"{y}", strconv.FormatUint(uint64(tile.Y), 10),
	)
	return r.Replace(template)
}

// NormalizeTemplate turns a bare filesystem path into an absolute file://
// template. Templates that already carry a scheme are returned unchanged.
func NormalizeTemplate(raw string) (string, error) {
	if raw == "" || strings.Contains(raw, "://") {
		return raw, nil
	}
	abs, err := filepath.Abs(raw)
	if err != nil {
		return "", fmt.Errorf("resolve template path %s: %w", raw, err)
	}
	return FileScheme + filepath.ToSlash(abs), nil
}

// IsLocal reports whether a template or resolved URL uses the file scheme.
func IsLocal(s string) bool {
	return strings.HasPrefix(s, FileScheme)
}

// LocalPath strips the file scheme from a resolved URL.
func LocalPath(s string) string {
	return strings.TrimPrefix(s, FileScheme)
}

// FileName returns the name a tile resolved from this template is stored
// under. Tiles share a <z>/<x> directory, so the last path segment is only
// used when it varies with the row; otherwise the name is synthesized as for
// local sources.
func (t *Template) FileName(resolved string, tile maptile.Tile) string {
	if t.IsLocal() || !rowInLastSegment(t.raw) {
		return synthesizedName(tile, path.Ext(lastSegment(resolved)))
	}
	return FileName(resolved, tile)
}

// rowInLastSegment reports whether the last path segment of a template
// contains a row placeholder. The query and fragment are ignored.
func rowInLastSegment(template string) bool {
	base := path.Base(stripQuery(template))
	return strings.Contains(base, "{y}") || strings.Contains(base, "{-y}")
}

func stripQuery(s string) string {
	s, _, _ = strings.Cut(s, "#")
	s, _, _ = strings.Cut(s, "?")
	return s
}

func lastSegment(resolved string) string {
	if IsLocal(resolved) {
		return filepath.Base(LocalPath(resolved))
	}
	u, err := url.Parse(resolved)
	if err != nil {
		return ""
	}
	base := path.Base(u.Path)
	if base == "." || base == "/" {
		return ""
	}
	return base
}

// FileName returns the name a fetched tile is stored under: the last path
// segment of the resolved URL, or "x_y_z" plus the source extension for local
// sources and URLs without a usable last segment.
func FileName(resolved string, tile maptile.Tile) string {
	if IsLocal(resolved) {
		return synthesizedName(tile, filepath.Ext(LocalPath(resolved)))
	}

	base := lastSegment(resolved)
	if base == "" {
		return synthesizedName(tile, "")
	}
	return base
}

func synthesizedName(tile maptile.Tile, ext string) string {
	return fmt.Sprintf("%d_%d_%d%s", tile.X, tile.Y, tile.Z, ext)
}
