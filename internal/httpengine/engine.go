// Package httpengine drives one HTTP download end to end: probing the
// source, choosing between a segmented or single-stream transfer, and
// verifying the result. One file per concern instead of one large method
// set.
package httpengine

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/accelara/clidm/internal/clidmerr"
	"github.com/accelara/clidm/internal/config"
	"github.com/accelara/clidm/internal/httpclient"
	"github.com/accelara/clidm/internal/ratelimit"
	"github.com/accelara/clidm/internal/reporter"
	"github.com/accelara/clidm/internal/storage"
)

// Options configures one Engine run.
type Options struct {
	Concurrency    int
	ChunkSize      int64
	RateLimit      int64
	Proxy          string
	Retries        int
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	SHA256         string
	UserAgent      string
}

// DefaultOptions returns the engine's out-of-the-box flag defaults.
func DefaultOptions() Options {
	return Options{
		Concurrency:    8,
		ChunkSize:      4 * 1024 * 1024,
		Retries:        5,
		ConnectTimeout: 15 * time.Second,
		ReadTimeout:    60 * time.Second,
	}
}

const readBufferSize = 64 * 1024

// netrcEntryFor looks up credentials for sourceURL's host in the user's
// ~/.netrc, the same lookup curl and wget perform before a protected
// download. A missing or unparsable netrc file is not an error here — it
// just means no entry is applied.
func netrcEntryFor(sourceURL string) *config.NetrcEntry {
	netrc, err := config.LoadNetrc()
	if err != nil {
		return nil
	}
	return netrc.FindEntryForURL(sourceURL)
}

// chunk is one contiguous byte range of the target, using inclusive
// start/end offsets.
type chunk struct {
	index int
	start int64
	end   int64
}

func (c chunk) size() int64 { return c.end - c.start + 1 }

// Engine runs one HTTP download (segmented or single-stream) to completion,
// emitting Records through a reporter.Reporter as it goes.
type Engine struct {
	sourceURL string
	outPath   string
	tempDir   string
	opts      Options

	client   *httpclient.Client
	limiter  *ratelimit.Limiter
	reporter *reporter.Reporter
	verifier *Verifier
	log      *logrus.Entry

	totalSize    int64
	acceptRanges bool
	chunks       []chunk

	downloaded    int64
	chunkProgress []int64
	downloadedMu  sync.Mutex
	chunkMu       sync.Mutex

	lastReportedDownloaded int64
	lastReportedAt         time.Time
	speedMu                sync.Mutex

	multiConnectionFailed bool
	multiConnectionMu     sync.Mutex

	connectionFailures    int
	maxConnectionFailures int
	lastFailureAt         time.Time
	connectionFailureMu   sync.Mutex

	paused      bool
	pauseReason string
	autoPaused  bool
	pauseMu     sync.Mutex
}

// New creates an Engine for one download. log may be nil.
func New(sourceURL, outPath string, opts Options, rep *reporter.Reporter, log *logrus.Entry) *Engine {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	clientOpts := []httpclient.Option{
		httpclient.WithTimeout(0),
		httpclient.WithDialTimeout(opts.ConnectTimeout),
		httpclient.WithProxy(opts.Proxy),
		httpclient.WithUserAgent(opts.UserAgent),
	}
	if entry := netrcEntryFor(sourceURL); entry != nil {
		clientOpts = append(clientOpts, httpclient.WithBasicAuth(entry.Login, entry.Password))
	}
	client := httpclient.New(clientOpts...)
	e := &Engine{
		sourceURL:             sourceURL,
		outPath:               outPath,
		opts:                  opts,
		client:                client,
		limiter:               ratelimit.New(opts.RateLimit),
		reporter:              rep,
		log:                   log.WithField("component", "http-engine"),
		lastReportedAt:        time.Now(),
		maxConnectionFailures: 10,
	}
	e.verifier = NewVerifier(e.report)
	return e
}

// Run executes the full preflight → probe → download → verify sequence.
func (e *Engine) Run(ctx context.Context) (err error) {
	if done, err := e.preflight(); done || err != nil {
		return err
	}

	tempDir, err := storage.EnsureTempDir(e.outPath)
	if err != nil {
		return err
	}
	e.tempDir = tempDir
	defer func() {
		if err == nil {
			os.RemoveAll(e.tempDir)
			return
		}
		// Only an empty temp dir is removed; PartFiles stay for a later resume.
		os.Remove(e.tempDir)
	}()

	if err := e.probe(ctx); err != nil {
		return err
	}

	if done, err := e.postProbeShortCircuit(); done || err != nil {
		return err
	}

	e.report(reporter.Record{
		Type:   "http",
		Status: "downloading",
		Total:  e.totalSize,
	})

	if !e.acceptRanges || e.totalSize == 0 {
		return e.downloadSingle(ctx)
	}
	return e.downloadSegmented(ctx)
}

// preflight checks whether outPath already exists: if so it either confirms
// the existing file (SHA-256 if configured, else size once probed) or
// removes it and proceeds. Returns done=true if the download is already
// satisfied.
func (e *Engine) preflight() (bool, error) {
	info, err := os.Stat(e.outPath)
	if err != nil {
		return false, nil
	}
	existingSize := info.Size()

	if e.opts.SHA256 == "" {
		e.report(reporter.Record{Type: "http", Status: "verifying", VerifyStatus: "checking_existing_file", Downloaded: existingSize})
		return false, nil
	}

	if err := e.verifier.VerifyFile(e.outPath, e.opts.SHA256, 0); err != nil {
		os.Remove(e.outPath)
		return false, nil
	}
	e.report(reporter.Record{Type: "http", Status: "completed", Progress: 1, Downloaded: existingSize, Total: existingSize, VerifyStatus: "checksum_verified", Verified: true})
	return true, nil
}

// postProbeShortCircuit re-checks an existing file against the now-known
// total size, since preflight above runs before total_size is known when no
// SHA-256 was supplied.
func (e *Engine) postProbeShortCircuit() (bool, error) {
	info, err := os.Stat(e.outPath)
	if err != nil || e.totalSize <= 0 || info.Size() != e.totalSize {
		return false, nil
	}

	if err := e.verifier.VerifyFile(e.outPath, e.opts.SHA256, e.totalSize); err != nil {
		if e.opts.SHA256 != "" {
			os.Remove(e.outPath)
		}
		return false, nil
	}

	verifyStatus := "size_verified"
	if e.opts.SHA256 != "" {
		verifyStatus = "checksum_verified"
	}
	e.report(reporter.Record{Type: "http", Status: "completed", Progress: 1, Downloaded: e.totalSize, Total: e.totalSize, VerifyStatus: verifyStatus, Verified: true})
	return true, nil
}

// readSafetyNet bounds one GET-and-read attempt with a generous ceiling on
// top of the per-read deadline deadlineReader enforces: read_timeout×100,
// so a connection that somehow keeps renewing its per-read deadline forever
// (a pathological server trickling one byte at a time) still can't hang a
// chunk indefinitely. Returns ctx unchanged, with a no-op cancel, when no
// read timeout is configured.
func (e *Engine) readSafetyNet(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.opts.ReadTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, e.opts.ReadTimeout*100)
}

func (e *Engine) report(rec reporter.Record) {
	if e.reporter == nil {
		return
	}
	e.reporter.Report(rec)
}

func (e *Engine) reportNow(rec reporter.Record) {
	if e.reporter == nil {
		return
	}
	e.reporter.ReportNow(rec)
}

// isPaused reports the cooperative pause flag checked on every read
// iteration.
func (e *Engine) isPaused() bool {
	e.pauseMu.Lock()
	defer e.pauseMu.Unlock()
	return e.paused
}

// pauseWithReason sets the sticky pause flag and reports it. auto marks
// whether this pause came from the connection-failure handler rather than
// an explicit user request: only an explicit resume clears an auto-paused
// flag.
func (e *Engine) pauseWithReason(reason string, auto bool) {
	e.pauseMu.Lock()
	e.paused = true
	e.pauseReason = reason
	e.autoPaused = auto
	e.pauseMu.Unlock()

	e.log.WithField("reason", reason).Warn("download paused")
	e.reportNow(reporter.Record{Type: "http", Status: "paused", Message: reason, PauseReason: reason})
}

func (e *Engine) pausedError() error {
	e.pauseMu.Lock()
	reason := e.pauseReason
	e.pauseMu.Unlock()
	return clidmerr.New(clidmerr.KindPaused, reason)
}

// Pause requests a user-initiated pause: every worker observes the flag at
// its next suspension point and Run eventually returns a non-terminal
// Paused error. There is no in-process Resume — the caller starts a fresh
// Engine for the same outPath, which resumes from the on-disk PartFiles or
// partial single-stream temp file.
func (e *Engine) Pause(reason string) {
	e.pauseWithReason(reason, false)
}
