package fetch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/kiesman99/untile/internal/logger"
	"github.com/kiesman99/untile/internal/progress"
	"github.com/kiesman99/untile/pkg/zoomify"
)

// DefaultWorkers is the fetch concurrency used when none is configured.
const DefaultWorkers = 16

// Outcome is the result of fetching one tile coordinate. Exactly one Outcome
// is produced per coordinate of the selected level. When Present is true the
// tile bytes have been written to Path.
type Outcome struct {
	Coord   zoomify.TileCoord
	Path    string
	Present bool
}

// TilePath returns the local file a tile is stored under.
func TilePath(tileDir string, coord zoomify.TileCoord) string {
	return filepath.Join(tileDir, fmt.Sprintf("%d_%d.%s", coord.Col, coord.Row, zoomify.TileExt))
}

// Scheduler drains the coordinate set of a zoom level through a bounded pool
// of fetch workers. Outcomes are always delivered in ascending (col,row)
// raster order regardless of download completion order; the column join
// strategy is only correct under that ordering, so the scheduler never
// offers an unordered mode.
type Scheduler struct {
	Source     TileSource
	TileDir    string
	Workers    int
	NoDownload bool
	Log        logger.ILogger
	Reporter   progress.Reporter
}

type indexedCoord struct {
	seq   int
	coord zoomify.TileCoord
}

type indexedOutcome struct {
	seq     int
	outcome Outcome
}

// Run fetches every tile of the selection and returns the ordered outcome
// stream. The channel is closed once all coordinates have been delivered or
// the context is cancelled; on cancellation the stream ends early and the
// consumer must not treat it as complete.
func (s *Scheduler) Run(ctx context.Context, sel zoomify.Selection) <-chan Outcome {
	out := make(chan Outcome)

	if s.NoDownload {
		go s.replayStored(ctx, sel, out)
		return out
	}

	workers := s.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}

	grid := sel.Grid()

	jobs := make(chan indexedCoord)
	results := make(chan indexedOutcome, workers)

	go func() {
		defer close(jobs)
		seq := 0
		for col := 0; col < grid.WidthInTiles; col++ {
			for row := 0; row < grid.HeightInTiles; row++ {
				coord := zoomify.TileCoord{Level: sel.ZoomLevel, Col: col, Row: row}
				select {
				case jobs <- indexedCoord{seq: seq, coord: coord}:
				case <-ctx.Done():
					return
				}
				seq++
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				o := s.fetchOne(ctx, job.coord)
				select {
				case results <- indexedOutcome{seq: job.seq, outcome: o}:
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	// Reorder buffer: completions arrive in arbitrary order, consumers get
	// raster order.
	go func() {
		defer close(out)
		pending := map[int]Outcome{}
		next := 0
		fetched := 0
		for r := range results {
			fetched++
			s.Reporter.Fetched(fetched)
			pending[r.seq] = r.outcome
			for {
				o, ok := pending[next]
				if !ok {
					break
				}
				delete(pending, next)
				select {
				case out <- o:
				case <-ctx.Done():
					return
				}
				next++
			}
		}
	}()

	return out
}

// fetchOne downloads a single tile to the tile directory. Failures degrade
// to an absent outcome: a missing tile is expected at the pyramid fringes,
// while transport errors are always warned about.
func (s *Scheduler) fetchOne(ctx context.Context, coord zoomify.TileCoord) Outcome {
	absent := Outcome{Coord: coord}

	data, err := s.Source.FetchTile(ctx, coord)
	if err != nil {
		if errors.Is(err, ErrTileNotFound) {
			s.Log.Infof("Tile (row %3d, col %3d) does not exist on the server: %v", coord.Row, coord.Col, err)
		} else {
			s.Log.Warnf("Fetching tile (row %3d, col %3d) failed: %v", coord.Row, coord.Col, err)
		}
		return absent
	}

	path := TilePath(s.TileDir, coord)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		s.Log.Warnf("Storing tile (row %3d, col %3d) failed: %v", coord.Row, coord.Col, err)
		return absent
	}

	s.Log.Debugf("Downloaded tile (row %3d, col %3d)", coord.Row, coord.Col)
	return Outcome{Coord: coord, Path: path, Present: true}
}

// replayStored synthesizes present outcomes from a previously populated tile
// directory without touching the network.
func (s *Scheduler) replayStored(ctx context.Context, sel zoomify.Selection, out chan<- Outcome) {
	defer close(out)
	grid := sel.Grid()
	emitted := 0
	for col := 0; col < grid.WidthInTiles; col++ {
		for row := 0; row < grid.HeightInTiles; row++ {
			coord := zoomify.TileCoord{Level: sel.ZoomLevel, Col: col, Row: row}
			o := Outcome{Coord: coord, Path: TilePath(s.TileDir, coord), Present: true}
			select {
			case out <- o:
			case <-ctx.Done():
				return
			}
			emitted++
			s.Reporter.Fetched(emitted)
		}
	}
}
