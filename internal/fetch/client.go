package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Some tile hosts refuse requests that do not look like a browser.
const (
	spoofedUserAgent = "Mozilla/5.0 (Windows NT 6.2; WOW64; rv:24.0) Gecko/20100101 Firefox/24.0"
	spoofedReferrer  = "http://google.com"
)

// HTTPStatusError is returned by Client.Get for any non-200 response.
type HTTPStatusError struct {
	URL        string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("HTTP %d fetching %s", e.StatusCode, e.URL)
}

// Client fetches Zoomify resources with spoofed browser headers and
// percent-escaped paths.
type Client struct {
	client *http.Client
}

func NewClient() *Client {
	return &Client{
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// Get retrieves a URL and returns the response body. Non-200 responses are
// reported as *HTTPStatusError.
func (c *Client) Get(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, escapeURL(rawURL), nil)
	if err != nil {
		return nil, err
	}

	req.Header.Set("User-Agent", spoofedUserAgent)
	req.Header.Set("Referer", spoofedReferrer)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &HTTPStatusError{URL: rawURL, StatusCode: resp.StatusCode}
	}

	return io.ReadAll(resp.Body)
}

// escapeURL percent-escapes the path of a URL so spaces and similar
// characters in tile directory names do not confuse the server. Already
// escaped sequences are preserved.
func escapeURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	// Forces String() to re-encode Path instead of echoing the raw form.
	u.RawPath = ""
	return u.String()
}
