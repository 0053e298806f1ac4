// Package zoomify implements the Zoomify tile-pyramid addressing model:
// zoom-level geometry, global tile ordinals, tile groups and retrieval URLs.
// Everything here is pure computation, no I/O.
package zoomify

import "fmt"

// ComputeLevels builds the pyramid for an image of the given full-resolution
// dimensions. Each level is obtained by halving the previous level's pixel
// dimensions (integer division) and re-tiling; the coarsest level is the one
// that fits in a single tile.
func ComputeLevels(maxWidth, maxHeight, tileSize int) (Pyramid, error) {
	if maxWidth <= 0 || maxHeight <= 0 || tileSize <= 0 {
		return Pyramid{}, fmt.Errorf("invalid pyramid dimensions %dx%d tile size %d", maxWidth, maxHeight, tileSize)
	}

	w, h := maxWidth, maxHeight
	var levels []Level
	for {
		levels = append(levels, Level{
			WidthInTiles:  ceilDiv(w, tileSize),
			HeightInTiles: ceilDiv(h, tileSize),
		})
		if levels[len(levels)-1] == (Level{1, 1}) {
			break
		}
		// A dimension never shrinks below one pixel, so a thin image cannot
		// halve its short side to a zero-tile level.
		w = max(w/2, 1)
		h = max(h/2, 1)
	}

	// The loop produces finest-first, the pyramid stores coarsest-first.
	for i, j := 0, len(levels)-1; i < j; i, j = i+1, j-1 {
		levels[i], levels[j] = levels[j], levels[i]
	}

	return Pyramid{
		MaxWidth:  maxWidth,
		MaxHeight: maxHeight,
		TileSize:  tileSize,
		Levels:    levels,
	}, nil
}

// ResolveZoomLevel clamps a requested zoom level to the pyramid. Out-of-range
// requests fall back to the maximum level; the second return value reports
// whether a fallback occurred so the caller can warn.
func ResolveZoomLevel(requested, maxZoom int) (int, bool) {
	if requested >= 0 && requested < maxZoom {
		return requested, false
	}
	return maxZoom - 1, true
}

// Select pins the pyramid to one zoom level. The level must already be
// resolved via ResolveZoomLevel.
func Select(p Pyramid, zoomLevel int) Selection {
	shift := uint(p.MaxZoom() - zoomLevel - 1)
	return Selection{
		Pyramid:   p,
		ZoomLevel: zoomLevel,
		Width:     p.MaxWidth >> shift,
		Height:    p.MaxHeight >> shift,
	}
}

// TileOrdinal returns the global Zoomify index of a tile at the selected
// level. Ordinals are assigned in one ascending sequence across the whole
// pyramid: the row-major index within the level, plus the tile counts of
// every level below it, both computed from the selection's pixel dimensions.
func (s Selection) TileOrdinal(col, row int) int {
	maxZoom := s.MaxZoom()

	index := col + row*ceilDiv(s.Width>>uint(maxZoom-s.ZoomLevel-1), s.TileSize)
	for i := 1; i <= s.ZoomLevel; i++ {
		index += ceilDiv(s.Width>>uint(maxZoom-i), s.TileSize) *
			ceilDiv(s.Height>>uint(maxZoom-i), s.TileSize)
	}
	return index
}

// TileGroup returns the Zoomify storage bucket holding the given ordinal.
// Groups only affect retrieval addresses, never tile geometry.
func TileGroup(ordinal, tileSize int) int {
	return ordinal / tileSize
}

// TileURL builds the retrieval address of a tile relative to the pyramid
// root directory (which must end in a slash).
func (s Selection) TileURL(baseDir string, col, row int) string {
	group := TileGroup(s.TileOrdinal(col, row), s.TileSize)
	return fmt.Sprintf("%sTileGroup%d/%d-%d-%d.%s", baseDir, group, s.ZoomLevel, col, row, TileExt)
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
