// Command clidm is a JSON-speaking adapter meant to be driven by another
// process, not typed at interactively. It wraps internal/supervisor with a
// cobra/pflag CLI surface for downloading, inspecting, and probing HTTP and
// BitTorrent sources.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/accelara/clidm/internal/config"
	"github.com/accelara/clidm/internal/hooks"
	"github.com/accelara/clidm/internal/httpengine"
	"github.com/accelara/clidm/internal/metrics"
	"github.com/accelara/clidm/internal/reporter"
	"github.com/accelara/clidm/internal/store"
	"github.com/accelara/clidm/internal/supervisor"
	"github.com/accelara/clidm/internal/torrentengine"
	"github.com/accelara/clidm/internal/version"
)

var flags struct {
	source     string
	output     string
	downloadID string

	inspect   bool
	httpInfo  bool
	speedtest bool
	testType  string

	concurrency     int
	chunkSize       string
	limit           string
	btUploadLimit   string
	btDownloadLimit string
	btSequential    bool
	btKeepSeeding   bool
	btPort          int
	btNoDHT         bool
	connectTimeout  int
	readTimeout     int
	retries         int
	sha256          string
	proxy           string
	verbose         bool
	metricsAddr     string
	hookCmd         []string
	webhookURL      []string
}

func main() {
	// Config supplies engine-level defaults (concurrency, timeouts, proxy,
	// BitTorrent listen port/DHT); the flags below always take precedence
	// when the caller sets them explicitly.
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	root := &cobra.Command{
		Use:          "clidm",
		Short:        "dual-protocol HTTP/BitTorrent download engine adapter",
		Version:      version.Full(),
		SilenceUsage: true,
		RunE:         run,
	}

	fl := root.Flags()
	fl.StringVar(&flags.source, "source", "", "source URL, magnet URI, or .torrent path")
	fl.StringVar(&flags.output, "output", "", "output file or directory")
	fl.StringVar(&flags.downloadID, "download-id", "", "download ID (generated if omitted)")

	fl.BoolVar(&flags.inspect, "inspect", false, "parse torrent/metainfo and report its layout, then exit")
	fl.BoolVar(&flags.httpInfo, "http-info", false, "HEAD-probe an HTTP source and report what's known, then exit")
	fl.BoolVar(&flags.speedtest, "speedtest", false, "run a network speed test and stream progress, then exit")
	fl.StringVar(&flags.testType, "test-type", "full", "speed test type: full, latency, download, upload")

	fl.IntVar(&flags.concurrency, "concurrency", cfg.General.Concurrency, "number of concurrent chunk workers (1-8)")
	fl.StringVar(&flags.chunkSize, "chunk-size", cfg.General.ChunkSize, "chunk size, e.g. 4MB")
	fl.StringVar(&flags.limit, "limit", "", "download rate limit, e.g. 2M")
	fl.StringVar(&flags.btUploadLimit, "bt-upload-limit", "", "BitTorrent upload rate limit, e.g. 500K")
	fl.StringVar(&flags.btDownloadLimit, "bt-download-limit", "", "BitTorrent download rate limit, e.g. 2M")
	fl.BoolVar(&flags.btSequential, "bt-sequential", false, "download torrent pieces in sequential order")
	fl.BoolVar(&flags.btKeepSeeding, "bt-keep-seeding", false, "keep seeding after the torrent completes")
	fl.IntVar(&flags.btPort, "bt-port", cfg.BitTorrent.ListenPort, "BitTorrent listen port (0 = auto)")
	fl.BoolVar(&flags.btNoDHT, "bt-no-dht", cfg.BitTorrent.NoDHT, "disable the BitTorrent DHT")
	fl.IntVar(&flags.connectTimeout, "connect-timeout", int(cfg.General.ConnectTimeout.Seconds()), "connect timeout in seconds")
	fl.IntVar(&flags.readTimeout, "read-timeout", int(cfg.General.ReadTimeout.Seconds()), "read timeout in seconds")
	fl.IntVar(&flags.retries, "retries", cfg.General.Retries, "per-chunk retry count")
	fl.StringVar(&flags.sha256, "sha256", "", "expected SHA-256 digest, for post-download verification")
	fl.StringVar(&flags.proxy, "proxy", cfg.Proxy.HTTP, "HTTP/HTTPS proxy URL")
	fl.BoolVarP(&flags.verbose, "verbose", "v", false, "mirror terminal records to stderr as human-readable log lines")
	fl.StringVar(&flags.metricsAddr, "metrics-addr", "", "serve Prometheus metrics at this address (e.g. :9090), disabled if empty")
	fl.StringArrayVar(&flags.hookCmd, "hook-cmd", nil, "shell command to run on lifecycle events (repeatable); reads CLIDM_EVENT etc. from its environment")
	fl.StringArrayVar(&flags.webhookURL, "webhook-url", nil, "URL to POST a JSON event payload to on completion/error (repeatable)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	log := logrus.New()
	if flags.verbose {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.WarnLevel)
	}
	entry := logrus.NewEntry(log)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	installSignalHandler(cancel, entry)

	switch {
	case flags.speedtest:
		return runSpeedtest(ctx, flags.testType)
	case flags.inspect:
		return runInspect(ctx)
	case flags.httpInfo:
		return runHTTPInfo(ctx)
	default:
		return runDownload(ctx, entry)
	}
}

// installSignalHandler cancels ctx on SIGINT/SIGTERM so a running download
// gets the cooperative-cancellation path rather than being killed.
func installSignalHandler(cancel context.CancelFunc, log *logrus.Entry) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.WithField("signal", sig).Warn("shutting down gracefully")
		cancel()
	}()
}

func runInspect(ctx context.Context) error {
	if flags.source == "" {
		return fmt.Errorf("--inspect requires --source")
	}
	result, err := torrentengine.Inspect(ctx, flags.source)
	if err != nil {
		return err
	}
	return printJSONLine(result)
}

func runHTTPInfo(ctx context.Context) error {
	if flags.source == "" {
		return fmt.Errorf("--http-info requires --source")
	}
	opts := httpengine.DefaultOptions()
	opts.Proxy = flags.proxy
	info, err := httpengine.ProbeInfo(ctx, flags.source, opts)
	if err != nil {
		return err
	}
	return printJSONLine(info)
}

func runDownload(ctx context.Context, log *logrus.Entry) error {
	if flags.source == "" || flags.output == "" {
		return fmt.Errorf("download mode requires --source and --output")
	}

	output, err := resolveOutput(flags.output)
	if err != nil {
		return err
	}

	stateDir, err := defaultStateDir()
	if err != nil {
		return err
	}
	st, err := store.NewJSONStore(stateDir)
	if err != nil {
		return err
	}

	sup := supervisor.New(st, log)
	defer sup.Close()

	if flags.metricsAddr != "" {
		metricsSrv := metrics.NewServer(flags.metricsAddr, sup.Metrics())
		if err := metricsSrv.Start(); err != nil {
			return fmt.Errorf("starting metrics server: %w", err)
		}
		defer metricsSrv.Stop()
	}

	chunkSize, _ := humanize.ParseBytes(orDefault(flags.chunkSize, "4MB"))
	var limit, btUpload, btDownload uint64
	if flags.limit != "" {
		limit, _ = humanize.ParseBytes(flags.limit)
	}
	if flags.btUploadLimit != "" {
		btUpload, _ = humanize.ParseBytes(flags.btUploadLimit)
	}
	if flags.btDownloadLimit != "" {
		btDownload, _ = humanize.ParseBytes(flags.btDownloadLimit)
	}

	id := flags.downloadID
	if id == "" {
		id = uuid.NewString()
	}

	d, err := sup.Create(flags.source, output, supervisor.CreateOptions{
		ID:                    id,
		Concurrency:           flags.concurrency,
		ChunkSize:             int64(chunkSize),
		RateLimit:             int64(limit),
		Proxy:                 flags.proxy,
		Retries:               flags.retries,
		ConnectTimeoutSeconds: flags.connectTimeout,
		ReadTimeoutSeconds:    flags.readTimeout,
		SHA256:                flags.sha256,
		BTUploadLimit:         int64(btUpload),
		BTDownloadLimit:       int64(btDownload),
		BTSequential:          flags.btSequential,
		BTKeepSeeding:         flags.btKeepSeeding,
		BTPort:                flags.btPort,
		BTNoDHT:               flags.btNoDHT,
	})
	if err != nil {
		return err
	}

	hookMgr := hooks.NewManager()
	for _, cmdStr := range flags.hookCmd {
		hookMgr.AddCommand(cmdStr)
	}
	for _, url := range flags.webhookURL {
		hookMgr.AddWebhook(url)
	}

	done := make(chan struct{})
	var once sync.Once
	sink := reporter.SinkFunc(func(rec reporter.Record) {
		emitRecord(d.ID, rec, log)
		if hookMgr.Count() > 0 {
			hookMgr.ExecuteAsync(ctx, recordToHookPayload(d, output, rec))
		}
		if rec.Terminal() {
			once.Do(func() { close(done) })
		}
	})
	sup.SetSink(sink)

	if err := sup.Resume(ctx, d.ID); err != nil {
		return err
	}

	select {
	case <-done:
	case <-ctx.Done():
		_ = sup.Cancel(d.ID)
		// The engine treats Cancelled as a non-terminal control signal and
		// reports nothing further itself; the CLI emits the terminal record
		// the caller's JSON stream needs, with a bounded wait for a cleaner
		// in-flight completion race.
		timer := time.NewTimer(2 * time.Second)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
			emitRecord(d.ID, reporter.Record{Type: string(d.Kind), Status: "cancelled", Message: "cancelled by signal"}, log)
		}
	}
	return nil
}

// resolveOutput applies the "download.tmp fallback" rule: an HTTP download
// is always a file, so an --output that already exists as a directory gets
// a fallback file name underneath it instead of being rejected.
func resolveOutput(output string) (string, error) {
	abs, err := filepath.Abs(output)
	if err != nil {
		return "", err
	}
	if supervisor.Kind(flags.source) == store.KindTorrent {
		return abs, nil
	}
	if info, err := os.Stat(abs); err == nil && info.IsDir() {
		return filepath.Join(abs, "download.tmp"), nil
	}
	return abs, nil
}

func defaultStateDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		home, herr := os.UserHomeDir()
		if herr != nil {
			return "", fmt.Errorf("resolving state directory: %w", err)
		}
		base = home
	}
	return filepath.Join(base, "clidm", "downloads"), nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// recordToHookPayload maps a reporter.Record onto the hooks package's event
// model, which predates this record shape and carries the download ID
// alongside URL/filename fields.
func recordToHookPayload(d *store.Download, output string, rec reporter.Record) *hooks.Payload {
	var event hooks.Event
	switch rec.Status {
	case "completed":
		event = hooks.EventComplete
	case "failed":
		event = hooks.EventError
	case "cancelled":
		event = hooks.EventCancel
	case "running", "downloading", "seeding":
		event = hooks.EventProgress
	default:
		event = hooks.EventProgress
	}

	payload := hooks.CreatePayload(event, d.ID, d.Source, filepath.Base(output), output).
		WithProgress(rec.Downloaded, rec.Total, rec.Speed, rec.Progress*100)
	if rec.Message != "" && event == hooks.EventError {
		payload = payload.WithError(fmt.Errorf("%s", rec.Message))
	}
	return payload
}

func emitRecord(downloadID string, rec reporter.Record, log *logrus.Entry) {
	w := toWireRecord(downloadID, rec)
	_ = printJSONLine(w)
	if log != nil && rec.Terminal() {
		log.WithFields(logrus.Fields{
			"download_id": downloadID,
			"status":      rec.Status,
		}).Info(rec.Message)
	}
}

func printJSONLine(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = os.Stdout.Write(data)
	return err
}
