// Package supervisor decides whether a source is routed to the HTTP or
// torrent engine, owns the Download's lifecycle in the state store, and
// never starts a transfer until the caller explicitly resumes it.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/anacrolix/torrent"

	"github.com/accelara/clidm/internal/clidmerr"
	"github.com/accelara/clidm/internal/httpengine"
	"github.com/accelara/clidm/internal/metrics"
	"github.com/accelara/clidm/internal/reporter"
	"github.com/accelara/clidm/internal/storage"
	"github.com/accelara/clidm/internal/store"
	"github.com/accelara/clidm/internal/torrentengine"
)

// pausedReason is the reason recorded on a newly created Download: the
// supervisor never auto-starts a transfer.
const pausedReason = "Paused - click resume to start"

// CreateOptions carries the per-download knobs a caller supplies at
// creation time, mirroring store.Options.
type CreateOptions struct {
	// ID lets a caller pin the Download's ID (the CLI's `--download-id`);
	// a random UUID is generated when left empty.
	ID                    string
	Concurrency           int
	ChunkSize             int64
	RateLimit             int64
	Proxy                 string
	Retries               int
	ConnectTimeoutSeconds int
	ReadTimeoutSeconds    int
	SHA256                string

	BTUploadLimit   int64
	BTDownloadLimit int64
	BTSequential    bool
	BTKeepSeeding   bool
	BTPort          int
	BTNoDHT         bool
}

// Supervisor owns the store and dispatches running downloads to the
// appropriate engine.
type Supervisor struct {
	st        store.Interface
	log       *logrus.Entry
	torrentCl *torrent.Client
	sink      reporter.Sink
	metrics   *metrics.Metrics

	mu      sync.Mutex
	running map[string]*runningDownload
}

type runningDownload struct {
	cancel     context.CancelFunc
	httpEngine httpengineController
	btEngine   *torrentengine.Engine
}

// httpengineController narrows *httpengine.Engine down to the one call the
// supervisor needs, so a future alternate HTTP engine implementation can
// satisfy this interface without changing this file. There is no Resume:
// a paused HTTP engine's Run returns a non-terminal Paused error and the
// supervisor resumes by starting a fresh Engine, which picks up the
// on-disk PartFiles where the previous run left off.
type httpengineController interface {
	Pause(reason string)
}

// New creates a Supervisor backed by st. log may be nil. A shared torrent
// client is created lazily on first torrent dispatch and reused across
// downloads, exactly as anacrolix/torrent expects one client per process.
func New(st store.Interface, log *logrus.Entry) *Supervisor {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Supervisor{
		st:      st,
		log:     log.WithField("component", "supervisor"),
		running: make(map[string]*runningDownload),
		metrics: metrics.New(),
	}
}

// Kind classifies source per the same rule the torrent adapter uses.
func Kind(source string) store.Kind {
	if torrentengine.IsTorrentSource(source) {
		return store.KindTorrent
	}
	return store.KindHTTP
}

// Metrics returns the supervisor's metrics collector, for mounting at
// /metrics alongside the rest of a long-running process's HTTP surface.
func (s *Supervisor) Metrics() *metrics.Metrics {
	return s.metrics
}

// Create registers a new Download in the paused state and returns its ID.
// It never starts the transfer — Resume does that.
func (s *Supervisor) Create(source, output string, opts CreateOptions) (*store.Download, error) {
	if strings.TrimSpace(source) == "" {
		return nil, clidmerr.New(clidmerr.KindSourceInvalid, "empty source")
	}

	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	d := &store.Download{
		ID:     id,
		Source: source,
		Output: output,
		Kind:   Kind(source),
		Status: store.StatusPaused,
		Options: store.Options{
			Concurrency:     opts.Concurrency,
			ChunkSize:       opts.ChunkSize,
			Limit:           opts.RateLimit,
			BTUploadLimit:   opts.BTUploadLimit,
			BTDownloadLimit: opts.BTDownloadLimit,
			BTSequential:    opts.BTSequential,
			BTKeepSeeding:   opts.BTKeepSeeding,
			BTPort:          opts.BTPort,
			BTNoDHT:         opts.BTNoDHT,
			ConnectTimeout:  opts.ConnectTimeoutSeconds,
			ReadTimeout:     opts.ReadTimeoutSeconds,
			Retries:         opts.Retries,
			SHA256:          opts.SHA256,
			Proxy:           opts.Proxy,
		},
		Metadata: store.Metadata{PauseReason: pausedReason},
	}

	if err := s.st.Upsert(d); err != nil {
		return nil, fmt.Errorf("creating download record: %w", err)
	}
	s.metrics.IncDownloadsTotal()
	return d, nil
}

// SetSink installs the Sink every Resume call's reporter.Reporter delivers
// to. Must be called before the first Resume.
func (s *Supervisor) SetSink(sink reporter.Sink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = sink
}

// Resume loads id's persisted options and dispatches to the HTTP or torrent
// engine in a new goroutine, returning immediately. Resuming an
// already-running download is a no-op.
func (s *Supervisor) Resume(ctx context.Context, id string) error {
	d, ok, err := s.st.Load(id)
	if err != nil {
		return fmt.Errorf("loading download %s: %w", id, err)
	}
	if !ok {
		return fmt.Errorf("download %s not found", id)
	}

	s.mu.Lock()
	if _, alreadyRunning := s.running[id]; alreadyRunning {
		s.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	rd := &runningDownload{cancel: cancel}
	s.running[id] = rd
	sink := s.sink
	s.mu.Unlock()

	rep := reporter.New(id, &storeForwardingSink{inner: sink, st: s.st, id: id, metrics: s.metrics}, 0)

	go s.run(runCtx, d, rep, rd)
	return nil
}

// Pause sets the cooperative pause flag on the running engine for id,
// without cancelling its context — the engine itself decides when to
// observe the flag and report `paused`.
func (s *Supervisor) Pause(id string) error {
	s.mu.Lock()
	rd, ok := s.running[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("download %s is not running", id)
	}

	if rd.httpEngine != nil {
		rd.httpEngine.Pause("paused by user")
	}
	if rd.btEngine != nil {
		rd.btEngine.Pause()
	}
	return nil
}

// Cancel cancels id's run context; the engine observes it at its next
// suspension point and stops. run() treats an engine error that follows a
// cancelled context like a Cancelled error: non-terminal, with no failure
// recorded and partial state left on disk.
func (s *Supervisor) Cancel(id string) error {
	s.mu.Lock()
	rd, ok := s.running[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("download %s is not running", id)
	}
	rd.cancel()
	return nil
}

// run dispatches to the HTTP or torrent engine, then records the outcome
// and clears the running entry. On failure it clears partial state per
// kind: chunk files for HTTP, piece state preserved for torrent (the
// torrent engine re-verifies on the next resume).
func (s *Supervisor) run(ctx context.Context, d *store.Download, rep *reporter.Reporter, rd *runningDownload) {
	start := time.Now()
	s.metrics.IncActiveDownloads()
	defer func() {
		s.metrics.DecActiveDownloads()
		s.mu.Lock()
		delete(s.running, d.ID)
		s.mu.Unlock()
	}()

	var err error
	switch d.Kind {
	case store.KindTorrent:
		err = s.runTorrent(ctx, d, rep, rd)
	default:
		err = s.runHTTP(ctx, d, rep, rd)
	}

	if err == nil {
		s.metrics.IncDownloadsCompleted()
		s.metrics.RecordDownloadDuration(time.Since(start))
		return
	}

	if clidmerr.Is(err, clidmerr.KindPaused) || clidmerr.Is(err, clidmerr.KindCancelled) || ctx.Err() != nil {
		return
	}

	s.metrics.IncDownloadsFailed()
	s.metrics.RecordDownloadDuration(time.Since(start))

	s.log.WithError(err).WithField("download_id", d.ID).Warn("download failed")
	_ = s.st.UpdateProgress(d.ID, store.StatusFailed, d.Progress, d.Downloaded, d.Total, 0, store.Metadata{
		Messages: []string{err.Error()},
	})

	if d.Kind == store.KindHTTP {
		s.clearHTTPPartialState(d)
	}
	// Torrent piece state is left on disk deliberately: the torrent engine
	// re-verifies existing pieces on the next resume.
}

func (s *Supervisor) runHTTP(ctx context.Context, d *store.Download, rep *reporter.Reporter, rd *runningDownload) error {
	opts := httpengine.DefaultOptions()
	if d.Options.Concurrency > 0 {
		opts.Concurrency = d.Options.Concurrency
	}
	if d.Options.ChunkSize > 0 {
		opts.ChunkSize = d.Options.ChunkSize
	}
	opts.RateLimit = d.Options.Limit
	opts.Proxy = d.Options.Proxy
	if d.Options.Retries > 0 {
		opts.Retries = d.Options.Retries
	}
	if d.Options.ConnectTimeout > 0 {
		opts.ConnectTimeout = time.Duration(d.Options.ConnectTimeout) * time.Second
	}
	if d.Options.ReadTimeout > 0 {
		opts.ReadTimeout = time.Duration(d.Options.ReadTimeout) * time.Second
	}
	opts.SHA256 = d.Options.SHA256

	eng := httpengine.New(d.Source, d.Output, opts, rep, s.log)

	s.mu.Lock()
	rd.httpEngine = eng
	s.mu.Unlock()

	return eng.Run(ctx)
}

func (s *Supervisor) runTorrent(ctx context.Context, d *store.Download, rep *reporter.Reporter, rd *runningDownload) error {
	cl, err := s.sharedTorrentClient(d)
	if err != nil {
		return err
	}

	opts := torrentengine.DefaultOptions()
	opts.DownloadLimit = d.Options.BTDownloadLimit
	opts.UploadLimit = d.Options.BTUploadLimit
	opts.Sequential = d.Options.BTSequential
	opts.KeepSeeding = d.Options.BTKeepSeeding
	opts.NoDHT = d.Options.BTNoDHT
	if d.Options.BTPort > 0 {
		opts.ListenPort = d.Options.BTPort
	}

	eng, err := torrentengine.New(d.Source, d.Output, opts, rep, s.log, cl)
	if err != nil {
		return err
	}

	s.mu.Lock()
	rd.btEngine = eng
	s.mu.Unlock()

	return eng.Run(ctx)
}

// sharedTorrentClient lazily builds the one anacrolix/torrent client this
// process shares across all torrent downloads. The listen port, DHT toggle
// and BitTorrent rate limits come from the download that first builds it.
func (s *Supervisor) sharedTorrentClient(d *store.Download) (*torrent.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.torrentCl != nil {
		return s.torrentCl, nil
	}

	cfg := torrent.NewDefaultClientConfig()
	cfg.NoDHT = d.Options.BTNoDHT
	if d.Options.BTPort > 0 {
		cfg.ListenPort = d.Options.BTPort
	}
	if d.Options.BTDownloadLimit > 0 {
		cfg.DownloadRateLimiter = rate.NewLimiter(rate.Limit(d.Options.BTDownloadLimit), int(d.Options.BTDownloadLimit))
	}
	if d.Options.BTUploadLimit > 0 {
		cfg.UploadRateLimiter = rate.NewLimiter(rate.Limit(d.Options.BTUploadLimit), int(d.Options.BTUploadLimit))
	}
	cl, err := torrent.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating shared torrent client: %w", err)
	}
	s.torrentCl = cl
	return cl, nil
}

// clearHTTPPartialState removes the hidden temp directory (chunk part
// files) left behind by a failed HTTP download, and clears its resume
// record from the store.
func (s *Supervisor) clearHTTPPartialState(d *store.Download) {
	tempDir := filepath.Join(filepath.Dir(d.Output), storage.TempDirName(filepath.Base(d.Output)))
	if err := os.RemoveAll(tempDir); err != nil && !os.IsNotExist(err) {
		s.log.WithError(err).WithField("download_id", d.ID).Warn("failed to clear chunk files after failure")
	}
	if err := s.st.ClearResume(d.ID); err != nil {
		s.log.WithError(err).WithField("download_id", d.ID).Warn("failed to clear resume record after failure")
	}
}

// Close releases the shared torrent client, if one was created.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	cl := s.torrentCl
	s.mu.Unlock()
	if cl == nil {
		return nil
	}
	errs := cl.Close()
	if len(errs) > 0 {
		return fmt.Errorf("closing shared torrent client: %v", errs[0])
	}
	return nil
}

// storeForwardingSink relays every Record both to the caller's sink (e.g.
// the CLI's stdout writer) and into the state store's progress/resume
// records, so persistence never depends on the caller remembering to do it.
type storeForwardingSink struct {
	inner   reporter.Sink
	st      store.Interface
	id      string
	metrics *metrics.Metrics
}

func (f *storeForwardingSink) Report(rec reporter.Record) {
	if f.inner != nil {
		f.inner.Report(rec)
	}

	if f.metrics != nil {
		f.metrics.SetCurrentSpeed(rec.Speed)
		if store.Status(rec.Status) == store.StatusCompleted {
			f.metrics.AddBytesDownloaded(rec.Total)
		}
	}

	status := store.Status(rec.Status)
	if status == "" {
		return
	}
	meta := store.Metadata{
		PauseReason: rec.PauseReason,
	}
	_ = f.st.UpdateProgress(f.id, status, rec.Progress, rec.Downloaded, rec.Total, rec.Speed, meta)

	if rec.Type == "http" && len(rec.ChunkProgress) > 0 {
		chunks := make([]store.ChunkProgress, len(rec.ChunkProgress))
		for i, c := range rec.ChunkProgress {
			chunks[i] = store.ChunkProgress{Index: c.Index, Start: c.Start, End: c.End, Downloaded: c.Downloaded}
		}
		_ = f.st.SaveHTTPResume(store.HTTPResumeRecord{
			DownloadID:    f.id,
			FilePath:      "", // the download record already carries Output
			TotalSize:     rec.Total,
			ChunkCount:    rec.ChunkCount,
			ChunkProgress: chunks,
		})
	}

	if rec.Type == "torrent" && len(rec.PieceStates) > 0 {
		_ = f.st.SaveTorrentResume(store.TorrentResumeRecord{
			DownloadID:  f.id,
			InfoHash:    rec.InfoHash,
			PieceCount:  rec.PieceCount,
			PieceStates: rec.PieceStates,
		})
	}
}
