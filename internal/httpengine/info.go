package httpengine

import (
	"context"
	"net/http"
	"net/url"
	"path"

	"github.com/accelara/clidm/internal/clidmerr"
	"github.com/accelara/clidm/internal/httpclient"
)

// Info is the result of a standalone HEAD probe, independent of any Engine
// run — the CLI's `--http-info` mode uses this instead of starting a
// download.
type Info struct {
	FileName     string `json:"fileName"`
	TotalSize    int64  `json:"totalSize"`
	ContentType  string `json:"contentType"`
	AcceptRanges bool   `json:"acceptRanges"`
}

// ProbeInfo issues a single HEAD request against sourceURL and reports the
// name, size, type and range support it shows, without committing to a
// download. Only a 200 or 206 answer is accepted; there is no ranged-GET
// fallback.
func ProbeInfo(ctx context.Context, sourceURL string, opts Options) (Info, error) {
	client := httpclient.New(
		httpclient.WithTimeout(opts.ConnectTimeout),
		httpclient.WithProxy(opts.Proxy),
		httpclient.WithUserAgent(opts.UserAgent),
	)

	resp, err := client.Head(ctx, sourceURL)
	if err != nil {
		return Info{}, clidmerr.Wrap(clidmerr.KindUnreachable, "HEAD request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return Info{}, clidmerr.NewBadStatus(resp.StatusCode)
	}

	return Info{
		FileName:     fileNameFromURL(sourceURL),
		TotalSize:    httpclient.ContentLength(resp),
		ContentType:  resp.Header.Get("Content-Type"),
		AcceptRanges: httpclient.AcceptsRanges(resp),
	}, nil
}

// fileNameFromURL takes the last path segment of sourceURL as the file
// name; a Content-Disposition header is not consulted.
func fileNameFromURL(sourceURL string) string {
	u, err := url.Parse(sourceURL)
	if err != nil {
		return path.Base(sourceURL)
	}
	base := path.Base(u.Path)
	if base == "." || base == "/" {
		return ""
	}
	return base
}
