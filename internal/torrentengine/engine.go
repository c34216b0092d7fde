// Package torrentengine adapts anacrolix/torrent to the reporting and
// control surface the other engines share: the adapter decides ingest,
// rate limits, metadata wait, preflight verification, and the periodic
// progress tick; anacrolix/torrent does the protocol work.
package torrentengine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/accelara/clidm/internal/clidmerr"
	"github.com/accelara/clidm/internal/reporter"
)

// Options configures one Engine run.
type Options struct {
	ListenPort    int
	NoDHT         bool
	UploadLimit   int64
	DownloadLimit int64
	Sequential    bool
	KeepSeeding   bool
	UserAgent     string
}

// DefaultOptions returns the adapter's out-of-the-box flag defaults.
func DefaultOptions() Options {
	return Options{
		ListenPort: 0,
		UserAgent:  "clidm/1.0",
	}
}

const tickInterval = 200 * time.Millisecond

// speedWindow is the number of instantaneous-rate samples averaged into the
// reported speed/upload_rate, smoothing out the per-tick jitter anacrolix's
// own byte counters show.
const speedWindow = 10

// Engine drives one torrent download (or magnet) from ingest through
// seeding, emitting Records through a reporter.Reporter as it goes.
type Engine struct {
	source string
	output string
	opts   Options

	client *torrent.Client
	log    *logrus.Entry
	rep    *reporter.Reporter

	downloadRateLimiter *rate.Limiter
	uploadRateLimiter   *rate.Limiter

	pauseMu sync.Mutex
	paused  bool

	ownsClient bool
}

// New creates an Engine. log may be nil. cl lets a caller share one
// anacrolix/torrent client across downloads (the supervisor does this);
// pass nil to have the Engine build and own its own client.
func New(source, output string, opts Options, rep *reporter.Reporter, log *logrus.Entry, cl *torrent.Client) (*Engine, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	e := &Engine{
		source: source,
		output: output,
		opts:   opts,
		log:    log.WithField("component", "torrent-engine"),
		rep:    rep,
	}

	if opts.DownloadLimit > 0 {
		e.downloadRateLimiter = rate.NewLimiter(rate.Limit(opts.DownloadLimit), int(opts.DownloadLimit))
	}
	if opts.UploadLimit > 0 {
		e.uploadRateLimiter = rate.NewLimiter(rate.Limit(opts.UploadLimit), int(opts.UploadLimit))
	}

	if cl != nil {
		e.client = cl
		return e, nil
	}

	cfg := torrent.NewDefaultClientConfig()
	cfg.DataDir = e.dataDir()
	cfg.NoDHT = opts.NoDHT
	if opts.ListenPort > 0 {
		cfg.ListenPort = opts.ListenPort
	}
	if e.downloadRateLimiter != nil {
		cfg.DownloadRateLimiter = e.downloadRateLimiter
	}
	if e.uploadRateLimiter != nil {
		cfg.UploadRateLimiter = e.uploadRateLimiter
	}

	client, err := torrent.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating torrent client: %w", err)
	}
	e.client = client
	e.ownsClient = true
	return e, nil
}

// IsTorrentSource reports whether source should be routed to this adapter:
// a magnet URI or a path/URL ending in ".torrent". Everything else is an
// HTTP download.
func IsTorrentSource(source string) bool {
	if strings.HasPrefix(source, "magnet:") {
		return true
	}
	return strings.HasSuffix(strings.ToLower(source), ".torrent")
}

// dataDir resolves the data directory per the adapter's rule: if output
// already exists as a directory, use it as-is; otherwise use its parent.
// anacrolix/torrent names the top-level artifact under this directory
// itself.
func (e *Engine) dataDir() string {
	if info, err := os.Stat(e.output); err == nil && info.IsDir() {
		return e.output
	}
	dir := filepath.Dir(e.output)
	if dir == "" {
		dir = "."
	}
	return dir
}

// Close releases the underlying torrent client if this Engine created it.
func (e *Engine) Close() error {
	if !e.ownsClient || e.client == nil {
		return nil
	}
	errs := e.client.Close()
	if len(errs) > 0 {
		return fmt.Errorf("closing torrent client: %v", errs[0])
	}
	return nil
}

// Pause sets the cooperative pause flag checked between ticker events.
func (e *Engine) Pause() {
	e.pauseMu.Lock()
	e.paused = true
	e.pauseMu.Unlock()
}

// Resume clears the pause flag.
func (e *Engine) Resume() {
	e.pauseMu.Lock()
	e.paused = false
	e.pauseMu.Unlock()
}

func (e *Engine) isPaused() bool {
	e.pauseMu.Lock()
	defer e.pauseMu.Unlock()
	return e.paused
}

func (e *Engine) report(rec reporter.Record) {
	if e.rep == nil {
		return
	}
	e.rep.Report(rec)
}

func (e *Engine) reportNow(rec reporter.Record) {
	if e.rep == nil {
		return
	}
	e.rep.ReportNow(rec)
}

// Run ingests the source, waits for metadata, runs preflight verification,
// then ticks progress every 200ms until the torrent completes and
// (optionally) seeds. It blocks until ctx is cancelled or the download (plus
// any seeding) finishes.
func (e *Engine) Run(ctx context.Context) error {
	t, err := e.ingest(ctx)
	if err != nil {
		return err
	}

	e.reportNow(reporter.Record{Type: "torrent", Status: "getting_metadata", Progress: 0})

	select {
	case <-t.GotInfo():
	case <-ctx.Done():
		t.Drop()
		return clidmerr.New(clidmerr.KindCancelled, "cancelled while waiting for metadata")
	}

	e.applyFilePriorities(t)

	if err := e.preflight(ctx, t); err != nil {
		return err
	}

	t.DownloadAll()

	return e.runTicks(ctx, t)
}

// ingest adds the torrent from a magnet URI, an http(s) metainfo URL, or a
// local .torrent file, per the three source forms the adapter accepts.
func (e *Engine) ingest(ctx context.Context) (*torrent.Torrent, error) {
	switch {
	case strings.HasPrefix(e.source, "magnet:"):
		t, err := e.client.AddMagnet(e.source)
		if err != nil {
			return nil, clidmerr.Wrap(clidmerr.KindBadMetainfo, "adding magnet", err)
		}
		return t, nil

	case strings.HasPrefix(e.source, "http://") || strings.HasPrefix(e.source, "https://"):
		mi, err := e.fetchMetainfo(ctx, e.source)
		if err != nil {
			return nil, clidmerr.Wrap(clidmerr.KindBadMetainfo, "fetching metainfo", err)
		}
		t, err := e.client.AddTorrent(mi)
		if err != nil {
			return nil, clidmerr.Wrap(clidmerr.KindBadMetainfo, "adding torrent", err)
		}
		return t, nil

	default:
		mi, err := metainfo.LoadFromFile(e.source)
		if err != nil {
			return nil, clidmerr.Wrap(clidmerr.KindBadMetainfo, "loading .torrent file", err)
		}
		t, err := e.client.AddTorrent(mi)
		if err != nil {
			return nil, clidmerr.Wrap(clidmerr.KindBadMetainfo, "adding torrent", err)
		}
		return t, nil
	}
}

func (e *Engine) fetchMetainfo(ctx context.Context, url string) (*metainfo.MetaInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d fetching metainfo", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024*1024))
	if err != nil {
		return nil, err
	}
	return metainfo.Load(bytes.NewReader(body))
}

// applyFilePriorities sets every file's priority according to Sequential:
// immediate priority lets anacrolix pipeline piece requests in file order,
// while normal priority leaves it free to request rarest-first.
func (e *Engine) applyFilePriorities(t *torrent.Torrent) {
	prio := torrent.PiecePriorityNormal
	if e.opts.Sequential {
		prio = torrent.PiecePriorityNow
	}
	for _, f := range t.Files() {
		f.SetPriority(prio)
	}
}

// preflight asks anacrolix to hash-verify any on-disk pieces matching the
// torrent's layout and reports the verifying_pieces sub-status until at
// least one tick of that verification has been observed.
func (e *Engine) preflight(ctx context.Context, t *torrent.Torrent) error {
	if !hasExistingData(t, e.dataDir()) {
		return nil
	}

	e.reportNow(reporter.Record{Type: "torrent", Status: "verifying", VerifyStatus: "verifying_pieces"})
	t.VerifyData()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	select {
	case <-ticker.C:
	case <-ctx.Done():
		return clidmerr.New(clidmerr.KindCancelled, "cancelled during piece verification")
	}
	return nil
}

// hasExistingData reports whether any file the torrent describes already
// exists under dir, which is the adapter's signal to re-verify before
// trusting on-disk pieces.
func hasExistingData(t *torrent.Torrent, dir string) bool {
	info := t.Info()
	if info == nil {
		return false
	}
	for _, f := range info.UpvertedFiles() {
		parts := append([]string{dir, info.Name}, f.Path...)
		if _, err := os.Stat(filepath.Join(parts...)); err == nil {
			return true
		}
	}
	return false
}
