package untiler

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kiesman99/untile/pkg/zoomify"
)

// BuildJobs expands the configured source into the list of jobs to run. In
// list mode the source is a local file with one `source [filename]` pair per
// line (tab or space separated); entries without a filename get the base
// output name with a numeric suffix derived from their position in the file,
// and filenames lacking an extension get one appended.
func (u *Untiler) BuildJobs() ([]Job, error) {
	if !u.opts.List {
		return []Job{{Source: u.opts.Source, Dest: u.opts.Output}}, nil
	}

	f, err := os.Open(u.opts.Source)
	if err != nil {
		return nil, fmt.Errorf("opening list file: %w", err)
	}
	defer f.Close()

	outDir := filepath.Dir(u.opts.Output)
	stem := strings.TrimSuffix(u.opts.Output, filepath.Ext(u.opts.Output))
	ext := filepath.Ext(u.opts.Output)
	if ext == "" {
		ext = "." + zoomify.TileExt
	}

	var jobs []Job
	pos := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		pos++

		job := Job{Source: fields[0]}
		if len(fields) >= 2 {
			name := fields[1]
			if filepath.Ext(name) == "" {
				name += "." + zoomify.TileExt
			}
			job.Dest = filepath.Join(outDir, name)
		} else {
			job.Dest = fmt.Sprintf("%s_%03d%s", stem, pos, ext)
		}
		jobs = append(jobs, job)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading list file: %w", err)
	}
	if len(jobs) == 0 {
		return nil, fmt.Errorf("list file %s contains no jobs", u.opts.Source)
	}

	return jobs, nil
}
