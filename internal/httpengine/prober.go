package httpengine

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/accelara/clidm/internal/clidmerr"
	"github.com/accelara/clidm/internal/httpclient"
)

const maxRedirects = 10

// probe resolves e.sourceURL to its final URL, total size and Range support,
// following redirects manually (the underlying client never follows them on
// its own) so the loop-detection bound applies uniformly whether the probe
// uses HEAD or a ranged GET.
func (e *Engine) probe(ctx context.Context) error {
	current := e.sourceURL
	seen := make(map[string]bool)

	for i := 0; ; i++ {
		if i > maxRedirects {
			return clidmerr.New(clidmerr.KindRedirectLoop, fmt.Sprintf("exceeded %d redirects starting from %s", maxRedirects, e.sourceURL))
		}
		if seen[current] {
			return clidmerr.New(clidmerr.KindRedirectLoop, fmt.Sprintf("redirect loop detected at %s", current))
		}
		seen[current] = true

		resp, err := e.client.Head(ctx, current)
		if err != nil {
			return clidmerr.Wrap(clidmerr.KindUnreachable, "HEAD request failed", err)
		}

		if loc, ok := redirectLocation(resp); ok {
			resp.Body.Close()
			next, err := resolveRedirect(current, loc)
			if err != nil {
				return clidmerr.Wrap(clidmerr.KindUnreachable, "invalid redirect location", err)
			}
			current = next
			continue
		}

		if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusPartialContent {
			e.sourceURL = current
			e.totalSize = httpclient.ContentLength(resp)
			e.acceptRanges = httpclient.AcceptsRanges(resp)
			resp.Body.Close()
			return e.probeRangeSupport(ctx)
		}

		resp.Body.Close()
		// HEAD rejected outright: some servers reject HEAD altogether (405,
		// 501) or simply misbehave on it (403, 500, 502, ...). Any non-2xx,
		// non-redirect status falls through to a ranged GET probe before
		// giving up.
		e.sourceURL = current
		return e.probeViaRangeGet(ctx, current)
	}
}

// probeRangeSupport issues a confirming `Range: bytes=0-0` request when HEAD
// claimed Accept-Ranges, since some servers advertise range support but
// reject an actual ranged request.
func (e *Engine) probeRangeSupport(ctx context.Context) error {
	if !e.acceptRanges {
		return nil
	}
	resp, err := e.client.GetRange(ctx, e.sourceURL, 0, 0)
	if err != nil {
		return clidmerr.Wrap(clidmerr.KindUnreachable, "range confirmation request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent {
		e.acceptRanges = false
		return nil
	}
	if e.totalSize <= 0 {
		if _, total, ok := parseContentRangeTotal(resp.Header.Get("Content-Range")); ok {
			e.totalSize = total
		}
	}
	return nil
}

// probeViaRangeGet is the fallback path for servers that refuse HEAD
// entirely: it issues `Range: bytes=0-0` and reads size/range support off
// the response instead.
func (e *Engine) probeViaRangeGet(ctx context.Context, current string) error {
	resp, err := e.client.GetRange(ctx, current, 0, 0)
	if err != nil {
		return clidmerr.Wrap(clidmerr.KindUnreachable, "GET range probe failed", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
		e.acceptRanges = true
		if _, total, ok := parseContentRangeTotal(resp.Header.Get("Content-Range")); ok {
			e.totalSize = total
		}
	case http.StatusOK:
		e.acceptRanges = false
		e.totalSize = httpclient.ContentLength(resp)
	default:
		return clidmerr.NewBadStatus(resp.StatusCode)
	}
	return nil
}

func redirectLocation(resp *http.Response) (string, bool) {
	switch resp.StatusCode {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		loc := resp.Header.Get("Location")
		return loc, loc != ""
	default:
		return "", false
	}
}

func resolveRedirect(base, location string) (string, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	locURL, err := url.Parse(location)
	if err != nil {
		return "", err
	}
	return baseURL.ResolveReference(locURL).String(), nil
}

// parseContentRangeTotal extracts the total size from a `Content-Range:
// bytes 0-0/12345` header, returning ok=false when the total is unknown
// ("*").
func parseContentRangeTotal(cr string) (end, total int64, ok bool) {
	var start int64
	n, err := fmt.Sscanf(cr, "bytes %d-%d/%d", &start, &end, &total)
	if err != nil || n != 3 {
		return 0, 0, false
	}
	return end, total, true
}
