package zoomify

// TileExt is the only tile format the Zoomify layout uses.
const TileExt = "jpg"

// Level is the tile-grid size of one zoom level.
type Level struct {
	WidthInTiles  int
	HeightInTiles int
}

// Pyramid describes the complete tile pyramid of one image. Built once from
// the ImageProperties document, immutable afterwards.
type Pyramid struct {
	MaxWidth  int
	MaxHeight int
	TileSize  int
	// Levels is ordered by ascending resolution: Levels[0] is always (1,1)
	// and the last entry is the grid of the full-resolution image.
	Levels []Level
}

// MaxZoom returns the number of zoom levels.
func (p Pyramid) MaxZoom() int {
	return len(p.Levels)
}

// TileCoord addresses one tile within a zoom level.
type TileCoord struct {
	Level int
	Col   int
	Row   int
}

// Selection is a pyramid pinned to one zoom level, with the pixel dimensions
// of the image at that level.
type Selection struct {
	Pyramid
	ZoomLevel int
	Width     int
	Height    int
}

// Grid returns the tile grid of the selected level.
func (s Selection) Grid() Level {
	return s.Levels[s.ZoomLevel]
}

// TileCount returns how many tiles the selected level holds.
func (s Selection) TileCount() int {
	g := s.Grid()
	return g.WidthInTiles * g.HeightInTiles
}

// Properties is the parsed ImageProperties.xml document.
type Properties struct {
	Width    int
	Height   int
	TileSize int
}
