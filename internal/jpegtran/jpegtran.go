// Package jpegtran drives the jpegtran executable for lossless JPEG region
// composition. Only builds with the "lossless crop 'n' drop" patch
// (http://jpegclub.org/jpegtran/) support the -drop operation this tool
// depends on; availability is verified before any network activity starts.
package jpegtran

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

var (
	// ErrUnavailable means no usable jpegtran executable was found.
	ErrUnavailable = errors.New("jpegtran executable unavailable")

	// ErrIncapable means the executable lacks the lossless -drop feature.
	ErrIncapable = errors.New("jpegtran executable does not support -drop")

	// ErrInvocation wraps a failed jpegtran run. Fatal for the affected image.
	ErrInvocation = errors.New("jpegtran invocation failed")
)

// How long a killed jpegtran gets to release its file handles before the
// process tree is torn down.
const killGracePeriod = 2 * time.Second

// Tool invokes a verified jpegtran executable. Invocations are synchronous
// and must never overlap against the same output file; the join pipeline's
// single consumer guarantees that.
type Tool struct {
	path string
}

// Locate resolves the jpegtran executable path. An empty path falls back to
// a jpegtran binary next to the running executable.
func Locate(path string) (string, error) {
	if path != "" {
		return path, nil
	}

	self, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("%w: cannot locate own executable: %v", ErrUnavailable, err)
	}
	name := "jpegtran"
	if runtime.GOOS == "windows" {
		name = "jpegtran.exe"
	}
	candidate := filepath.Join(filepath.Dir(self), name)
	if _, err := os.Stat(candidate); err != nil {
		return "", fmt.Errorf("%w: no executable at %s, use -j to set its location", ErrUnavailable, candidate)
	}
	return candidate, nil
}

// New verifies the executable exists, is executable and advertises the
// -drop capability, then returns a ready Tool.
func New(path string) (*Tool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, path, err)
	}
	if runtime.GOOS != "windows" && info.Mode().Perm()&0o111 == 0 {
		return nil, fmt.Errorf("%w: %s does not have execute permission", ErrUnavailable, path)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// jpegtran prints its usage (and exits non-zero) when asked for help;
	// only the text matters here.
	cmd := exec.CommandContext(ctx, path, "--help")
	help, _ := cmd.CombinedOutput()
	if !strings.Contains(string(help), "-drop") {
		return nil, fmt.Errorf("%w: %s (get a build from http://jpegclub.org/jpegtran/)", ErrIncapable, path)
	}

	return &Tool{path: path}, nil
}

// Path returns the verified executable location.
func (t *Tool) Path() string {
	return t.path
}

// Crop initializes a canvas of exactly width x height pixels from a source
// tile, anchored at the origin. Embedded metadata is preserved; -perfect
// refuses any extension that would not be lossless, same as Drop.
func (t *Tool) Crop(ctx context.Context, src string, width, height int, out string) error {
	return t.run(ctx,
		"-perfect",
		"-copy", "all",
		"-crop", fmt.Sprintf("%dx%d+0+0", width, height),
		"-outfile", out,
		src,
	)
}

// Drop losslessly pastes a region at the given absolute offset onto a base
// image, producing a new image. -perfect refuses drops that would not be
// MCU-aligned and therefore lossy.
func (t *Tool) Drop(ctx context.Context, region string, x, y int, base, out string) error {
	return t.run(ctx,
		"-perfect",
		"-copy", "all",
		"-drop", fmt.Sprintf("+%d+%d", x, y), region,
		"-outfile", out,
		base,
	)
}

// Optimize repacks the final image losslessly without cropping.
func (t *Tool) Optimize(ctx context.Context, src, out string) error {
	return t.run(ctx,
		"-copy", "all",
		"-optimize",
		"-outfile", out,
		src,
	)
}

func (t *Tool) run(ctx context.Context, args ...string) error {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, t.path, args...)
	cmd.Stderr = &stderr
	cmd.WaitDelay = killGracePeriod

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return fmt.Errorf("%w: jpegtran %s: %s", ErrInvocation, strings.Join(args, " "), msg)
	}
	return nil
}
