// Package untiler orchestrates one or more dezoomify jobs: locating the
// pyramid, reading its properties, then running the fetch scheduler and the
// join pipeline concurrently until the reconstructed image is written.
package untiler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kiesman99/untile/internal/fetch"
	"github.com/kiesman99/untile/internal/join"
	"github.com/kiesman99/untile/internal/jpegtran"
	"github.com/kiesman99/untile/internal/logger"
	"github.com/kiesman99/untile/internal/progress"
	"github.com/kiesman99/untile/pkg/zoomify"
)

// Options mirrors the CLI surface.
type Options struct {
	// Source is a page URL, a pyramid root (Base) or a list file (List).
	Source string
	// Output is the destination image path; in list mode it also seeds the
	// derived output names.
	Output string

	Base       bool
	List       bool
	Store      bool
	NoDownload bool

	// ZoomLevel is only honored when ZoomSet is true; otherwise the maximum
	// level is used.
	ZoomLevel int
	ZoomSet   bool

	Threads  int
	Jpegtran string
	Strategy string

	Verbosity int
}

// Job is one source/destination pair.
type Job struct {
	Source string
	Dest   string
}

// Untiler runs dezoomify jobs against a verified jpegtran executable.
type Untiler struct {
	opts   *Options
	client *fetch.Client
	comp   join.Compositor
	log    logger.ILogger
}

// New builds an Untiler and verifies all startup preconditions. The
// compositor must exist, be executable and support lossless drop before any
// network activity begins.
func New(opts *Options) (*Untiler, error) {
	if opts.Strategy == "" {
		opts.Strategy = join.StrategyColumn
	}
	if opts.NoDownload {
		// Joining from a previous run only works against kept tiles.
		opts.Store = true
	}

	path, err := jpegtran.Locate(opts.Jpegtran)
	if err != nil {
		return nil, err
	}
	tool, err := jpegtran.New(path)
	if err != nil {
		return nil, err
	}

	return &Untiler{
		opts:   opts,
		client: fetch.NewClient(),
		comp:   tool,
		log:    logger.NewStdErrLogger(logger.LevelForVerbosity(opts.Verbosity)),
	}, nil
}

// Run executes every job. Per-image failures are logged and the batch moves
// on; cancellation stops the whole run.
func (u *Untiler) Run(ctx context.Context) error {
	jobs, err := u.BuildJobs()
	if err != nil {
		return err
	}

	var failed int
	for i, job := range jobs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(jobs) > 1 {
			fmt.Fprintf(os.Stderr, "Processing image %s (%d/%d)...\n", job.Dest, i+1, len(jobs))
		}
		if _, err := u.RunJob(ctx, job); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			u.log.Errorf("Image %s failed: %v", job.Dest, err)
			failed++
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d images failed", failed, len(jobs))
	}
	return nil
}

// RunJob reconstructs a single image.
func (u *Untiler) RunJob(ctx context.Context, job Job) (join.Result, error) {
	baseDir, err := u.resolveRoot(ctx, job.Source)
	if err != nil {
		return join.Result{}, err
	}

	props, err := fetch.FetchProperties(ctx, u.client, baseDir)
	if err != nil {
		return join.Result{}, err
	}

	pyr, err := zoomify.ComputeLevels(props.Width, props.Height, props.TileSize)
	if err != nil {
		return join.Result{}, fmt.Errorf("%w: %v", zoomify.ErrPropertiesUnavailable, err)
	}
	u.log.Debugf("levels = %v", pyr.Levels)

	sel := u.selectZoom(pyr)
	u.logGeometry(sel)

	tileDir, cleanup, err := u.setupTileDir(job.Dest)
	if err != nil {
		return join.Result{}, err
	}
	defer cleanup()

	return u.untile(ctx, baseDir, sel, tileDir, job.Dest)
}

// untile runs the fetch scheduler and the join pipeline concurrently. The
// join consumer is the only reader of the outcome stream and the only owner
// of the temp buffers.
func (u *Untiler) untile(parent context.Context, baseDir string, sel zoomify.Selection, tileDir, dest string) (join.Result, error) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	var reporter progress.Reporter = progress.Nop{}
	var textReporter *progress.Text
	if u.opts.Verbosity == 0 {
		textReporter = progress.NewText(os.Stderr, sel.TileCount())
		reporter = textReporter
	}

	sched := &fetch.Scheduler{
		Source:     &fetch.ZoomifySource{Client: u.client, BaseDir: baseDir, Sel: sel},
		TileDir:    tileDir,
		Workers:    u.opts.Threads,
		NoDownload: u.opts.NoDownload,
		Log:        u.log,
		Reporter:   reporter,
	}
	pipe := &join.Pipeline{
		Comp:     u.comp,
		TileDir:  tileDir,
		Strategy: u.opts.Strategy,
		Log:      u.log,
		Reporter: reporter,
	}

	outcomes := sched.Run(ctx, sel)
	res, err := pipe.Run(ctx, sel, outcomes, dest)

	// Unblock any workers still in flight before reporting.
	cancel()
	for range outcomes {
	}

	if textReporter != nil {
		textReporter.Finish()
	}
	if err != nil {
		// Never leave a partially joined output behind.
		os.Remove(dest)
		return res, err
	}

	u.log.Infof("Dezoomified image created and saved to %s", dest)
	return res, nil
}

func (u *Untiler) resolveRoot(ctx context.Context, source string) (string, error) {
	if u.opts.Base {
		return fetch.NormalizeRoot(source), nil
	}
	root, err := fetch.DiscoverRoot(ctx, u.client, source)
	if err != nil {
		return "", err
	}
	u.log.Infof("Found Zoomify image path: %s", root)
	return root, nil
}

func (u *Untiler) selectZoom(pyr zoomify.Pyramid) zoomify.Selection {
	maxZoom := pyr.MaxZoom()
	level := maxZoom - 1
	if u.opts.ZoomSet {
		var fellBack bool
		level, fellBack = zoomify.ResolveZoomLevel(u.opts.ZoomLevel, maxZoom)
		if fellBack {
			u.log.Warnf("The requested zoom level is not available, defaulting to maximum (%d)", level)
		}
	}
	return zoomify.Select(pyr, level)
}

func (u *Untiler) logGeometry(sel zoomify.Selection) {
	grid := sel.Grid()
	top := sel.Levels[sel.MaxZoom()-1]
	u.log.Infof("Max zoom level:    %d (working zoom level: %d)", sel.MaxZoom()-1, sel.ZoomLevel)
	u.log.Infof("Width (overall):   %d (at given zoom level: %d)", sel.MaxWidth, sel.Width)
	u.log.Infof("Height (overall):  %d (at given zoom level: %d)", sel.MaxHeight, sel.Height)
	u.log.Infof("Tile size:         %d", sel.TileSize)
	u.log.Infof("Width (in tiles):  %d (at given level: %d)", top.WidthInTiles, grid.WidthInTiles)
	u.log.Infof("Height (in tiles): %d (at given level: %d)", top.HeightInTiles, grid.HeightInTiles)
	u.log.Infof("Total tiles:       %d (to be retrieved: %d)", top.WidthInTiles*top.HeightInTiles, sel.TileCount())
	u.log.Infof("Using %s joining strategy.", u.opts.Strategy)
}

// setupTileDir prepares the directory tiles are downloaded to and joined in.
// With Store the directory is named after the output file's stem and kept;
// otherwise a temp directory is created and removed when the job ends.
func (u *Untiler) setupTileDir(dest string) (string, func(), error) {
	if u.opts.Store {
		root := strings.TrimSuffix(dest, filepath.Ext(dest))
		if err := os.MkdirAll(root, 0o755); err != nil {
			return "", nil, err
		}
		u.log.Infof("Using image storage directory: %s", root)
		return root, func() {}, nil
	}

	dir, err := os.MkdirTemp("", "untile_")
	if err != nil {
		return "", nil, err
	}
	u.log.Infof("Created temporary image storage directory: %s", dir)
	return dir, func() {
		os.RemoveAll(dir)
		u.log.Infof("Erased the temporary directory and its contents")
	}, nil
}
