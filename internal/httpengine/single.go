package httpengine

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"

	"github.com/accelara/clidm/internal/clidmerr"
	"github.com/accelara/clidm/internal/ratelimit"
	"github.com/accelara/clidm/internal/reporter"
	"github.com/accelara/clidm/internal/storage"
)

// downloadSingle streams the whole body to outPath in one GET. It's used
// whenever the source doesn't support Range requests, or reported no
// Content-Length, so chunking would gain nothing.
func (e *Engine) downloadSingle(ctx context.Context) error {
	tmpPath := e.outPath + ".part"

	var fw *storage.FileWriter
	var startAt int64
	if info, err := os.Stat(tmpPath); err == nil {
		startAt = info.Size()
		w, err := storage.OpenFileWriter(tmpPath, e.totalSize)
		if err != nil {
			return fmt.Errorf("reopening partial download: %w", err)
		}
		fw = w
	} else {
		w, err := storage.NewFileWriter(tmpPath, 0)
		if err != nil {
			return fmt.Errorf("creating output file: %w", err)
		}
		fw = w
	}
	defer fw.Close()

	if err := e.streamSingle(ctx, fw, startAt); err != nil {
		return err
	}

	if err := fw.Sync(); err != nil {
		return fmt.Errorf("syncing output file: %w", err)
	}
	if err := fw.Close(); err != nil {
		return fmt.Errorf("closing output file: %w", err)
	}

	return e.finishSingle(tmpPath)
}

// streamSingle performs the actual GET and copy loop. Unlike a segmented
// chunk worker, it cannot resume mid-stream: any classified connection
// failure pauses the download with a reason instead of retrying, since
// there's no chunk boundary to restart from.
func (e *Engine) streamSingle(ctx context.Context, fw *storage.FileWriter, startAt int64) error {
	if e.isPaused() {
		return e.pausedError()
	}

	attemptCtx, cancel := e.readSafetyNet(ctx)
	defer cancel()

	cc := &connCapture{}
	traceCtx := withConnCapture(attemptCtx, cc)

	var resp *http.Response
	var err error
	if startAt > 0 && e.acceptRanges {
		resp, err = e.client.GetRange(traceCtx, e.sourceURL, startAt, -1)
	} else {
		resp, err = e.client.Get(traceCtx, e.sourceURL)
	}
	if err != nil {
		if isConnectionFailure(err) {
			e.pauseWithReason(fmt.Sprintf("connection lost: %v", err), true)
			return e.pausedError()
		}
		return clidmerr.Wrap(clidmerr.KindConnectionLost, "GET request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return clidmerr.NewBadStatus(resp.StatusCode)
	}

	if looksLikeErrorPage(resp) {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return clidmerr.New(clidmerr.KindErrorPage, fmt.Sprintf("response looked like an error page: %q", truncate(string(body), 200)))
	}

	var body io.Reader = resp.Body
	if e.opts.ReadTimeout > 0 {
		dr := newDeadlineReader(resp.Body, cc.conn, e.opts.ReadTimeout)
		defer dr.stop()
		body = dr
	}

	_, err = e.copyWithProgress(ctx, fw, body, startAt)
	if err != nil {
		if isConnectionFailure(err) {
			e.pauseWithReason(fmt.Sprintf("connection lost: %v", err), true)
			return e.pausedError()
		}
		return clidmerr.Wrap(clidmerr.KindConnectionLost, "stream interrupted", err)
	}
	return nil
}

func (e *Engine) copyWithProgress(ctx context.Context, fw *storage.FileWriter, body io.Reader, offset int64) (int64, error) {
	r := ratelimit.NewReader(ctx, body, e.limiter)
	buf := make([]byte, readBufferSize)
	var written int64
	for {
		if e.isPaused() {
			return written, e.pausedError()
		}
		n, rerr := r.Read(buf)
		if n > 0 {
			if _, werr := fw.WriteAt(buf[:n], offset+written); werr != nil {
				return written, werr
			}
			written += int64(n)
			e.addDownloaded(int64(n))
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

func (e *Engine) finishSingle(tmpPath string) error {
	size, err := storage.FileSize(tmpPath)
	if err != nil {
		return fmt.Errorf("stat temp file: %w", err)
	}
	if e.totalSize > 0 && size != e.totalSize {
		return clidmerr.NewIncomplete(nil, size, e.totalSize)
	}

	if err := e.verifier.VerifyFile(tmpPath, e.opts.SHA256, size); err != nil {
		return err
	}

	if err := os.Rename(tmpPath, e.outPath); err != nil {
		return fmt.Errorf("renaming completed download: %w", err)
	}

	verifyStatus := "size_verified"
	if e.opts.SHA256 != "" {
		verifyStatus = "checksum_verified"
	}
	e.report(reporter.Record{
		Type: "http", Status: "completed", Progress: 1,
		Downloaded: size, Total: size, VerifyStatus: verifyStatus, Verified: true,
	})
	return nil
}

// looksLikeErrorPage flags a response with no Content-Length whose
// Content-Type is text/html or application/json, which usually means an
// upstream proxy or CDN served an error page instead of the real payload.
// It judges by that header alone; the body bytes are not inspected.
func looksLikeErrorPage(resp *http.Response) bool {
	if resp.ContentLength > 0 {
		return false
	}
	ct := resp.Header.Get("Content-Type")
	mt, _, _ := mime.ParseMediaType(ct)
	return mt == "text/html" || mt == "application/json"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
