package join

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiesman99/untile/internal/fetch"
	"github.com/kiesman99/untile/internal/logger"
	"github.com/kiesman99/untile/internal/progress"
	"github.com/kiesman99/untile/pkg/zoomify"
)

type op struct {
	kind          string // crop, drop, optimize
	src           string
	base          string
	out           string
	width, height int
	x, y          int
}

// recordingComp captures the operation sequence without touching pixels.
type recordingComp struct {
	ops      []op
	failKind string
}

func (c *recordingComp) Crop(ctx context.Context, src string, width, height int, out string) error {
	c.ops = append(c.ops, op{kind: "crop", src: src, width: width, height: height, out: out})
	if c.failKind == "crop" {
		return fmt.Errorf("crop failed")
	}
	return nil
}

func (c *recordingComp) Drop(ctx context.Context, region string, x, y int, base, out string) error {
	c.ops = append(c.ops, op{kind: "drop", src: region, x: x, y: y, base: base, out: out})
	if c.failKind == "drop" {
		return fmt.Errorf("drop failed")
	}
	return nil
}

func (c *recordingComp) Optimize(ctx context.Context, src, out string) error {
	c.ops = append(c.ops, op{kind: "optimize", src: src, out: out})
	if c.failKind == "optimize" {
		return fmt.Errorf("optimize failed")
	}
	return nil
}

// 1000x500 at 256px tiles: finest level is a 4x2 grid, 8 tiles, with the
// last column only 232px wide.
func testSelection(t *testing.T) zoomify.Selection {
	t.Helper()
	pyr, err := zoomify.ComputeLevels(1000, 500, 256)
	require.NoError(t, err)
	return zoomify.Select(pyr, pyr.MaxZoom()-1)
}

// outcomeStream emits every coordinate of the selection in raster order,
// flagging coordinates in missing as absent.
func outcomeStream(sel zoomify.Selection, missing map[zoomify.TileCoord]bool) <-chan fetch.Outcome {
	ch := make(chan fetch.Outcome)
	go func() {
		defer close(ch)
		grid := sel.Grid()
		for col := 0; col < grid.WidthInTiles; col++ {
			for row := 0; row < grid.HeightInTiles; row++ {
				coord := zoomify.TileCoord{Level: sel.ZoomLevel, Col: col, Row: row}
				o := fetch.Outcome{Coord: coord}
				if !missing[coord] {
					o.Present = true
					o.Path = fmt.Sprintf("tiles/%d_%d.jpg", col, row)
				}
				ch <- o
			}
		}
	}()
	return ch
}

func newPipeline(t *testing.T, comp Compositor, strategy string) *Pipeline {
	t.Helper()
	return &Pipeline{
		Comp:     comp,
		TileDir:  t.TempDir(),
		Strategy: strategy,
		Log:      &logger.NullLogger{},
		Reporter: progress.Nop{},
	}
}

func TestClassicCompleteGrid(t *testing.T) {
	sel := testSelection(t)
	comp := &recordingComp{}
	p := newPipeline(t, comp, StrategyClassic)

	res, err := p.Run(context.Background(), sel, outcomeStream(sel, nil), "out.jpg")
	require.NoError(t, err)

	assert.Equal(t, Result{Expected: 8, Joined: 8, Missing: 0}, res)

	// One canvas init, one drop per tile, one final optimize.
	require.Len(t, comp.ops, 1+8+1)

	init := comp.ops[0]
	assert.Equal(t, "crop", init.kind)
	assert.Equal(t, 1000, init.width)
	assert.Equal(t, 500, init.height)
	assert.Equal(t, "tiles/0_0.jpg", init.src)

	// Drops land at absolute pixel offsets in raster order.
	wantOffsets := [][2]int{
		{0, 0}, {0, 256},
		{256, 0}, {256, 256},
		{512, 0}, {512, 256},
		{768, 0}, {768, 256},
	}
	for i, want := range wantOffsets {
		d := comp.ops[1+i]
		assert.Equal(t, "drop", d.kind)
		assert.Equal(t, want[0], d.x, "drop %d x offset", i)
		assert.Equal(t, want[1], d.y, "drop %d y offset", i)
	}

	final := comp.ops[len(comp.ops)-1]
	assert.Equal(t, "optimize", final.kind)
	assert.Equal(t, "out.jpg", final.out)
	assert.Equal(t, comp.ops[len(comp.ops)-2].out, final.src,
		"optimize must read the last drop's output")
}

func TestClassicDoubleBuffering(t *testing.T) {
	sel := testSelection(t)
	comp := &recordingComp{}
	p := newPipeline(t, comp, StrategyClassic)

	_, err := p.Run(context.Background(), sel, outcomeStream(sel, nil), "out.jpg")
	require.NoError(t, err)

	// The first drop reads the freshly cropped canvas; every later drop
	// reads its predecessor's output and never writes the file it reads.
	assert.Equal(t, comp.ops[0].out, comp.ops[1].base)
	for i := 2; i < 9; i++ {
		d := comp.ops[i]
		assert.Equal(t, comp.ops[i-1].out, d.base, "drop %d must read the previous output", i)
		assert.NotEqual(t, d.base, d.out, "drop %d reads and writes the same file", i)
	}
}

func TestClassicFirstTileMissing(t *testing.T) {
	sel := testSelection(t)
	comp := &recordingComp{}
	p := newPipeline(t, comp, StrategyClassic)

	missing := map[zoomify.TileCoord]bool{{Level: 2, Col: 0, Row: 0}: true}
	res, err := p.Run(context.Background(), sel, outcomeStream(sel, missing), "out.jpg")
	require.NoError(t, err)

	assert.Equal(t, 7, res.Joined)
	assert.Equal(t, 1, res.Missing)

	// The first *present* tile initializes the canvas.
	assert.Equal(t, "crop", comp.ops[0].kind)
	assert.Equal(t, "tiles/0_1.jpg", comp.ops[0].src)
	assert.Equal(t, "drop", comp.ops[1].kind)
	assert.Equal(t, 256, comp.ops[1].y)
}

func TestColumnCompleteGrid(t *testing.T) {
	sel := testSelection(t)
	comp := &recordingComp{}
	p := newPipeline(t, comp, StrategyColumn)

	res, err := p.Run(context.Background(), sel, outcomeStream(sel, nil), "out.jpg")
	require.NoError(t, err)
	assert.Equal(t, Result{Expected: 8, Joined: 8, Missing: 0}, res)

	// Per column: geometry crop + one drop per tile, then the column merge
	// (the first merge preceded by the accumulator's geometry crop). Finally
	// one optimize: 4*(1+2) + 5 + 1 operations.
	require.Len(t, comp.ops, 18)

	// Column 0: full-height buffer at nominal tile width; both tiles dropped
	// at their row offsets, the initializer included.
	assert.Equal(t, op{kind: "crop", src: "tiles/0_0.jpg", width: 256, height: 500, out: comp.ops[0].out}, comp.ops[0])
	assert.Equal(t, "drop", comp.ops[1].kind)
	assert.Equal(t, "tiles/0_0.jpg", comp.ops[1].src)
	assert.Equal(t, 0, comp.ops[1].y)
	assert.Equal(t, "drop", comp.ops[2].kind)
	assert.Equal(t, 256, comp.ops[2].y)

	// Accumulator init at the full output size, then column 0 merged at its
	// own offset.
	assert.Equal(t, "crop", comp.ops[3].kind)
	assert.Equal(t, 1000, comp.ops[3].width)
	assert.Equal(t, 500, comp.ops[3].height)
	assert.Equal(t, "drop", comp.ops[4].kind)
	assert.Equal(t, 0, comp.ops[4].x)
	assert.Equal(t, 0, comp.ops[4].y)

	// Columns 1 and 2 merge by dropping at their horizontal offsets.
	assert.Equal(t, "drop", comp.ops[8].kind)
	assert.Equal(t, 256, comp.ops[8].x)
	assert.Equal(t, 0, comp.ops[8].y)
	assert.Equal(t, "drop", comp.ops[12].kind)
	assert.Equal(t, 512, comp.ops[12].x)

	// The last column's buffer takes the true leftover width.
	assert.Equal(t, "crop", comp.ops[13].kind)
	assert.Equal(t, 1000-3*256, comp.ops[13].width)
	assert.Equal(t, 500, comp.ops[13].height)
	assert.Equal(t, "drop", comp.ops[16].kind)
	assert.Equal(t, 768, comp.ops[16].x)

	assert.Equal(t, "optimize", comp.ops[17].kind)
	assert.Equal(t, "out.jpg", comp.ops[17].out)
}

func TestColumnLeadingGapKeepsRowOffset(t *testing.T) {
	sel := testSelection(t)
	comp := &recordingComp{}
	p := newPipeline(t, comp, StrategyColumn)

	missing := map[zoomify.TileCoord]bool{{Level: 2, Col: 0, Row: 0}: true}
	res, err := p.Run(context.Background(), sel, outcomeStream(sel, missing), "out.jpg")
	require.NoError(t, err)
	assert.Equal(t, 7, res.Joined)

	// The tile that initializes the column buffer is still dropped at its
	// true row offset, never left anchored at the origin.
	require.Equal(t, "crop", comp.ops[0].kind)
	assert.Equal(t, "tiles/0_1.jpg", comp.ops[0].src)
	require.Equal(t, "drop", comp.ops[1].kind)
	assert.Equal(t, "tiles/0_1.jpg", comp.ops[1].src)
	assert.Equal(t, 0, comp.ops[1].x)
	assert.Equal(t, 256, comp.ops[1].y)
}

func TestColumnFirstColumnMissing(t *testing.T) {
	sel := testSelection(t)
	comp := &recordingComp{}
	p := newPipeline(t, comp, StrategyColumn)

	missing := map[zoomify.TileCoord]bool{
		{Level: 2, Col: 0, Row: 0}: true,
		{Level: 2, Col: 0, Row: 1}: true,
	}
	res, err := p.Run(context.Background(), sel, outcomeStream(sel, missing), "out.jpg")
	require.NoError(t, err)
	assert.Equal(t, 6, res.Joined)

	// Column 1 initializes the accumulator and is still merged at x=256, so
	// the gap at column 0 does not shift its successors left. Column-internal
	// drops all carry x=0; the merges are the only drops with x>0.
	var mergeXs []int
	for _, o := range comp.ops {
		if o.kind == "drop" && o.x > 0 {
			mergeXs = append(mergeXs, o.x)
		}
	}
	assert.Equal(t, []int{256, 512, 768}, mergeXs)
}

func TestColumnEntireColumnMissing(t *testing.T) {
	sel := testSelection(t)
	comp := &recordingComp{}
	p := newPipeline(t, comp, StrategyColumn)

	missing := map[zoomify.TileCoord]bool{
		{Level: 2, Col: 2, Row: 0}: true,
		{Level: 2, Col: 2, Row: 1}: true,
	}
	res, err := p.Run(context.Background(), sel, outcomeStream(sel, missing), "out.jpg")
	require.NoError(t, err)

	assert.Equal(t, 6, res.Joined)
	assert.Equal(t, 2, res.Missing)

	// The gap column issues no operations and later columns still land at
	// their own offsets.
	var mergeOffsets []int
	for _, o := range comp.ops {
		if o.kind == "drop" && o.y == 0 && o.x%256 == 0 && o.x > 0 {
			mergeOffsets = append(mergeOffsets, o.x)
		}
	}
	assert.Contains(t, mergeOffsets, 768, "column after the gap must merge at its own offset")
	assert.NotContains(t, mergeOffsets, 512, "missing column must not be merged")
}

func TestColumnPartialGapKeepsAdvancing(t *testing.T) {
	sel := testSelection(t)
	comp := &recordingComp{}
	p := newPipeline(t, comp, StrategyColumn)

	// A gap in the middle of a column must not stall its completion.
	missing := map[zoomify.TileCoord]bool{
		{Level: 2, Col: 1, Row: 1}: true,
	}
	res, err := p.Run(context.Background(), sel, outcomeStream(sel, missing), "out.jpg")
	require.NoError(t, err)

	assert.Equal(t, 7, res.Joined)
	assert.Equal(t, 1, res.Missing)
	assert.Equal(t, "optimize", comp.ops[len(comp.ops)-1].kind)
}

func TestMissingAccounting(t *testing.T) {
	sel := testSelection(t)
	missing := map[zoomify.TileCoord]bool{
		{Level: 2, Col: 0, Row: 1}: true,
		{Level: 2, Col: 2, Row: 0}: true,
		{Level: 2, Col: 3, Row: 1}: true,
	}

	for _, strategy := range []string{StrategyClassic, StrategyColumn} {
		comp := &recordingComp{}
		p := newPipeline(t, comp, strategy)

		res, err := p.Run(context.Background(), sel, outcomeStream(sel, missing), "out.jpg")
		require.NoError(t, err, strategy)
		assert.Equal(t, 3, res.Missing, strategy)
		assert.Equal(t, res.Expected-res.Joined, res.Missing, strategy)
	}
}

func TestAllTilesMissing(t *testing.T) {
	sel := testSelection(t)
	missing := map[zoomify.TileCoord]bool{}
	grid := sel.Grid()
	for col := 0; col < grid.WidthInTiles; col++ {
		for row := 0; row < grid.HeightInTiles; row++ {
			missing[zoomify.TileCoord{Level: sel.ZoomLevel, Col: col, Row: row}] = true
		}
	}

	for _, strategy := range []string{StrategyClassic, StrategyColumn} {
		p := newPipeline(t, &recordingComp{}, strategy)
		_, err := p.Run(context.Background(), sel, outcomeStream(sel, missing), "out.jpg")
		assert.ErrorIs(t, err, ErrNoTiles, strategy)
	}
}

func TestCompositorFailureAborts(t *testing.T) {
	sel := testSelection(t)
	for _, strategy := range []string{StrategyClassic, StrategyColumn} {
		comp := &recordingComp{failKind: "drop"}
		p := newPipeline(t, comp, strategy)

		ch := outcomeStream(sel, nil)
		_, err := p.Run(context.Background(), sel, ch, "out.jpg")
		assert.Error(t, err, strategy)

		for range ch {
		}
	}
}

func TestUnknownStrategy(t *testing.T) {
	sel := testSelection(t)
	p := newPipeline(t, &recordingComp{}, "mosaic")

	ch := outcomeStream(sel, nil)
	_, err := p.Run(context.Background(), sel, ch, "out.jpg")
	assert.Error(t, err)

	for range ch {
	}
}

func TestCancelledContext(t *testing.T) {
	sel := testSelection(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := newPipeline(t, &recordingComp{}, StrategyClassic)
	ch := outcomeStream(sel, nil)
	_, err := p.Run(ctx, sel, ch, "out.jpg")
	assert.ErrorIs(t, err, context.Canceled)

	for range ch {
	}
}
