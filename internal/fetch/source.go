// Package fetch locates a Zoomify tile pyramid, retrieves its tiles over
// HTTP and schedules bounded-concurrency downloads for the join pipeline.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/kiesman99/untile/pkg/zoomify"
)

// ErrTileNotFound marks a tile that legitimately does not exist on the
// server, such as the partial last row/column of a level. Expected, silent
// at low verbosity, never aborts a job.
var ErrTileNotFound = errors.New("tile not found")

// ErrRootNotFound means the host page did not reference a Zoomify pyramid.
var ErrRootNotFound = errors.New("zoomify pyramid root not found")

// TileSource returns the bytes of one tile, ErrTileNotFound when the tile
// does not exist, or any other error for transport failures.
type TileSource interface {
	FetchTile(ctx context.Context, coord zoomify.TileCoord) ([]byte, error)
}

// ZoomifySource fetches tiles from a pyramid root directory over HTTP.
type ZoomifySource struct {
	Client  *Client
	BaseDir string
	Sel     zoomify.Selection
}

func (z *ZoomifySource) FetchTile(ctx context.Context, coord zoomify.TileCoord) ([]byte, error) {
	data, err := z.Client.Get(ctx, z.Sel.TileURL(z.BaseDir, coord.Col, coord.Row))
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrTileNotFound, statusErr.URL)
	}
	return data, err
}

// The known markup variants that carry the pyramid location: the classic
// zoomifyImagePath parameter, ZoomifyCache paths, HTML5 viewers referencing
// TileGroup0 and the v1.8 showImage() JavaScript call.
var rootPatterns = []struct {
	re    *regexp.Regexp
	group int
}{
	{regexp.MustCompile(`zoomifyImagePath=([^'"&]*)['"&]`), 1},
	{regexp.MustCompile(`ZoomifyCache/[^'"&.]+\.\d+x\d+`), 0},
	{regexp.MustCompile(`(["'])([^"']+)/TileGroup0[^"']*["']`), 2},
	{regexp.MustCompile(`showImage\([^,]+, *(["'])([^"']+)`), 2},
}

// scrapeRoot extracts the pyramid path from a host page's markup.
func scrapeRoot(content string) (string, bool) {
	for _, p := range rootPatterns {
		if m := p.re.FindStringSubmatch(content); m != nil {
			return m[p.group], true
		}
	}
	return "", false
}

// DiscoverRoot downloads a host page and locates the pyramid root directory
// referenced by it. The returned root is absolute and ends in a slash.
func DiscoverRoot(ctx context.Context, client *Client, pageURL string) (string, error) {
	content, err := client.Get(ctx, pageURL)
	if err != nil {
		return "", fmt.Errorf("%w: fetching page %s: %v", ErrRootNotFound, pageURL, err)
	}

	imagePath, ok := scrapeRoot(string(content))
	if !ok {
		return "", fmt.Errorf("%w: no Zoomify object on page %s", ErrRootNotFound, pageURL)
	}

	if unescaped, err := url.QueryUnescape(imagePath); err == nil {
		imagePath = unescaped
	}

	page, err := url.Parse(pageURL)
	if err != nil {
		return "", fmt.Errorf("%w: bad page URL %s", ErrRootNotFound, pageURL)
	}
	ref, err := url.Parse(imagePath)
	if err != nil {
		return "", fmt.Errorf("%w: bad image path %q", ErrRootNotFound, imagePath)
	}

	return strings.TrimRight(page.ResolveReference(ref).String(), "/") + "/", nil
}

// NormalizeRoot cleans up a user-supplied pyramid root: a trailing
// ImageProperties.xml component is dropped and a trailing slash enforced.
func NormalizeRoot(baseURL string) string {
	baseURL = strings.TrimSuffix(baseURL, "ImageProperties.xml")
	return strings.TrimRight(baseURL, "/") + "/"
}

// FetchProperties retrieves and parses the ImageProperties document of a
// pyramid. Any failure is an ErrPropertiesUnavailable, fatal for the image.
func FetchProperties(ctx context.Context, client *Client, baseDir string) (zoomify.Properties, error) {
	propsURL := baseDir + "ImageProperties.xml"
	content, err := client.Get(ctx, propsURL)
	if err != nil {
		return zoomify.Properties{}, fmt.Errorf("%w: %s: %v", zoomify.ErrPropertiesUnavailable, propsURL, err)
	}
	return zoomify.ParseProperties(string(content))
}
