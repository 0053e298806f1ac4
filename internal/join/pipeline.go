// Package join assembles fetched tiles into the final image through an
// ordered sequence of lossless composition operations. The pipeline is the
// sole consumer of the fetch outcome stream and the sole owner of all join
// state; composition runs strictly one invocation at a time.
package join

import (
	"context"
	"errors"
	"fmt"

	"github.com/kiesman99/untile/internal/fetch"
	"github.com/kiesman99/untile/internal/logger"
	"github.com/kiesman99/untile/internal/progress"
	"github.com/kiesman99/untile/pkg/zoomify"
)

// Compositor is the lossless region-composition surface the pipeline drives.
// All three operations must preserve embedded metadata and orientation.
type Compositor interface {
	// Crop produces a new image of exactly width x height from a source tile
	// anchored at the origin. Used only to initialize a canvas or column.
	Crop(ctx context.Context, src string, width, height int, out string) error
	// Drop pastes a region at an absolute offset onto a base image,
	// producing a new image.
	Drop(ctx context.Context, region string, x, y int, base, out string) error
	// Optimize repacks a final image losslessly. Called exactly once per
	// output image.
	Optimize(ctx context.Context, src, out string) error
}

// Join strategies.
const (
	// StrategyClassic keeps one full-size canvas and drops every tile into
	// it. Each drop touches the whole accumulated canvas, so cost grows with
	// the output size; fine for small images.
	StrategyClassic = "classic"
	// StrategyColumn assembles each tile column into a column-sized buffer
	// first and drops whole columns into the accumulator, bounding the cost
	// of the repeated full-size operations. Requires outcomes in raster
	// order.
	StrategyColumn = "column"
)

// ErrNoTiles means not a single tile could be joined, leaving nothing to
// write.
var ErrNoTiles = errors.New("no tiles could be joined")

// Result is the accounting of one completed join.
type Result struct {
	Expected int
	Joined   int
	Missing  int
}

// Pipeline consumes fetch outcomes and incrementally builds the final image.
type Pipeline struct {
	Comp     Compositor
	TileDir  string
	Strategy string
	Log      logger.ILogger
	Reporter progress.Reporter
}

// Run drains the outcome stream into the destination file. Absent tiles are
// skipped and leave gaps; any compositor failure or cancellation aborts the
// image and removes all temporary state.
func (p *Pipeline) Run(ctx context.Context, sel zoomify.Selection, outcomes <-chan fetch.Outcome, dest string) (Result, error) {
	var joined int
	var err error

	switch p.Strategy {
	case StrategyColumn:
		joined, err = p.runColumn(ctx, sel, outcomes, dest)
	case StrategyClassic:
		joined, err = p.runClassic(ctx, sel, outcomes, dest)
	default:
		return Result{}, fmt.Errorf("unknown join strategy %q", p.Strategy)
	}

	res := Result{
		Expected: sel.TileCount(),
		Joined:   joined,
	}
	if err != nil {
		return res, err
	}

	res.Missing = res.Expected - res.Joined
	if res.Missing > 0 {
		plural := ""
		if res.Missing != 1 {
			plural = "s"
		}
		p.Log.Warnf("Image '%s' is missing %d tile%s. "+
			"You might want to download the image at a different zoom level (currently %d) to get the missing part%s.",
			dest, res.Missing, plural, sel.ZoomLevel, plural)
	}
	return res, nil
}

// runClassic maintains a single full-size canvas. The first present tile
// initializes it at the true output dimensions, every tile (including the
// first) is then dropped at its absolute pixel offset.
func (p *Pipeline) runClassic(ctx context.Context, sel zoomify.Selection, outcomes <-chan fetch.Outcome, dest string) (int, error) {
	canvas, err := newSlotPair(p.TileDir, "tmp_", p.Log)
	if err != nil {
		return 0, err
	}
	defer canvas.remove()

	joined := 0
	initialized := false

	for o := range outcomes {
		if err := ctx.Err(); err != nil {
			return joined, err
		}
		if !o.Present {
			continue
		}

		p.Log.Debugf("Adding tile (row %3d, col %3d) to the image", o.Coord.Row, o.Coord.Col)

		if !initialized {
			if err := p.Comp.Crop(ctx, o.Path, sel.Width, sel.Height, canvas.current()); err != nil {
				return joined, err
			}
			initialized = true
		}

		x := o.Coord.Col * sel.TileSize
		y := o.Coord.Row * sel.TileSize
		if err := p.Comp.Drop(ctx, o.Path, x, y, canvas.current(), canvas.next()); err != nil {
			return joined, err
		}
		canvas.flip()

		joined++
		p.Reporter.Joined(joined)
	}

	if err := ctx.Err(); err != nil {
		return joined, err
	}
	if !initialized {
		return joined, ErrNoTiles
	}

	return joined, p.Comp.Optimize(ctx, canvas.current(), dest)
}

// runColumn assembles one column at a time in a column-sized buffer and
// merges completed columns into the full-size accumulator. Outcomes must
// arrive in ascending (col,row) order; the state machine is driven by the
// coordinates themselves, so absent tiles advance the bookkeeping without
// stalling column completion.
func (p *Pipeline) runColumn(ctx context.Context, sel zoomify.Selection, outcomes <-chan fetch.Outcome, dest string) (int, error) {
	colBuf, err := newSlotPair(p.TileDir, "tmp_", p.Log)
	if err != nil {
		return 0, err
	}
	defer colBuf.remove()

	acc, err := newSlotPair(p.TileDir, "final_", p.Log)
	if err != nil {
		return 0, err
	}
	defer acc.remove()

	grid := sel.Grid()
	joined := 0
	colStarted := false
	accStarted := false

	for o := range outcomes {
		if err := ctx.Err(); err != nil {
			return joined, err
		}

		if o.Present {
			p.Log.Debugf("Adding tile (row %3d, col %3d) to column %d", o.Coord.Row, o.Coord.Col, o.Coord.Col)

			if !colStarted {
				// The initializing tile only sets the buffer geometry: full
				// output height and the column's true width, which is
				// narrower for the last column. Its content is placed by the
				// drop below, like every other tile, so a tile after a gap
				// still lands at its own row offset.
				if err := p.Comp.Crop(ctx, o.Path, p.columnWidth(sel, o.Coord.Col), sel.Height, colBuf.current()); err != nil {
					return joined, err
				}
				colStarted = true
			}
			if err := p.Comp.Drop(ctx, o.Path, 0, o.Coord.Row*sel.TileSize, colBuf.current(), colBuf.next()); err != nil {
				return joined, err
			}
			colBuf.flip()

			joined++
			p.Reporter.Joined(joined)
		}

		// Column boundary: merge whatever the column buffer holds into the
		// accumulator, then start over for the next column. A fully absent
		// column contributes nothing. The accumulator-initializing crop also
		// sets geometry only; every completed column is dropped at its own
		// horizontal offset, so a missing column 0 cannot shift its
		// successors.
		if o.Coord.Row == grid.HeightInTiles-1 {
			if colStarted {
				if !accStarted {
					if err := p.Comp.Crop(ctx, colBuf.current(), sel.Width, sel.Height, acc.current()); err != nil {
						return joined, err
					}
					accStarted = true
				}
				if err := p.Comp.Drop(ctx, colBuf.current(), o.Coord.Col*sel.TileSize, 0, acc.current(), acc.next()); err != nil {
					return joined, err
				}
				acc.flip()
			}
			colStarted = false
		}
	}

	if err := ctx.Err(); err != nil {
		return joined, err
	}
	if !accStarted {
		return joined, ErrNoTiles
	}

	return joined, p.Comp.Optimize(ctx, acc.current(), dest)
}

// columnWidth is the pixel width of a tile column: nominal tile size except
// for the last column, which takes whatever the output width leaves over.
func (p *Pipeline) columnWidth(sel zoomify.Selection, col int) int {
	grid := sel.Grid()
	if col == grid.WidthInTiles-1 {
		return sel.Width - (grid.WidthInTiles-1)*sel.TileSize
	}
	return sel.TileSize
}
