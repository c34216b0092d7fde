package httpengine

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/accelara/clidm/internal/checksum"
	"github.com/accelara/clidm/internal/clidmerr"
	"github.com/accelara/clidm/internal/ratelimit"
	"github.com/accelara/clidm/internal/reporter"
	"github.com/accelara/clidm/internal/storage"
)

const maxChunks = 8

// planChunks divides totalSize into at most concurrency (capped at 8)
// contiguous ranges, sorted by start. The configured chunk size is a floor:
// a small totalSize with a large configured chunk size yields fewer,
// larger chunks.
func planChunks(totalSize, configuredChunkSize int64, concurrency int) []chunk {
	n := concurrency
	if n > maxChunks {
		n = maxChunks
	}
	if n < 1 {
		n = 1
	}

	chunkSize := int64(math.Ceil(float64(totalSize) / float64(n)))
	if configuredChunkSize > chunkSize {
		chunkSize = configuredChunkSize
	}
	if chunkSize < 1 {
		chunkSize = totalSize
	}

	var chunks []chunk
	var start int64
	idx := 0
	for start < totalSize {
		end := start + chunkSize - 1
		if end > totalSize-1 {
			end = totalSize - 1
		}
		chunks = append(chunks, chunk{index: idx, start: start, end: end})
		start = end + 1
		idx++
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].start < chunks[j].start })
	return chunks
}

// downloadSegmented runs the worker pool, falling back to the single-stream
// engine when the server turns out not to cooperate with concurrent range
// requests.
func (e *Engine) downloadSegmented(ctx context.Context) error {
	e.chunks = planChunks(e.totalSize, e.opts.ChunkSize, e.opts.Concurrency)
	e.chunkProgress = make([]int64, len(e.chunks))

	outBase := baseName(e.outPath)
	e.seedResumeProgress(outBase)

	failedChunks := make([]bool, len(e.chunks))
	sem := make(chan struct{}, clamp(e.opts.Concurrency, 1, maxChunks))
	var wg sync.WaitGroup

	for i, c := range e.chunks {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, c chunk) {
			defer wg.Done()
			defer func() { <-sem }()

			if err := e.runChunkWithRetries(ctx, outBase, c); err != nil {
				failedChunks[i] = true
				e.log.WithError(err).WithField("chunk", c.index).Warn("chunk failed")
			}
		}(i, c)
	}
	wg.Wait()

	anyFailed := false
	for _, f := range failedChunks {
		if f {
			anyFailed = true
			break
		}
	}

	if e.degraded() && anyFailed {
		e.log.Warn("server degraded concurrent range requests, falling back to single-stream engine")
		e.cleanupPartFiles(outBase)
		e.chunks = nil
		e.acceptRanges = false
		return e.downloadSingle(ctx)
	}

	if anyFailed {
		return e.incompleteError()
	}

	return e.assemble(outBase)
}

// seedResumeProgress accounts for PartFile bytes already on disk from a
// prior run before any worker starts. Without this, downloaded and each
// chunk's progress snapshot understate reality until a chunk's worker
// happens to touch it, and a chunk that is already complete on disk never
// gets counted at all since runChunk returns before reading anything.
func (e *Engine) seedResumeProgress(outBase string) {
	var resumed int64
	for i, c := range e.chunks {
		partPath := storage.PartFilePath(e.tempDir, outBase, c.start, c.end)
		info, err := os.Stat(partPath)
		if err != nil {
			continue
		}
		onDisk := info.Size()
		if onDisk > c.size() {
			onDisk = c.size()
		}
		e.chunkProgress[i] = onDisk
		resumed += onDisk
	}
	if resumed > 0 {
		e.addDownloaded(resumed)
	}
}

// runChunkWithRetries retries one chunk up to opts.Retries times with linear
// backoff, propagating a Paused error immediately without retrying.
func (e *Engine) runChunkWithRetries(ctx context.Context, outBase string, c chunk) error {
	retries := e.opts.Retries
	if retries < 1 {
		retries = 1
	}

	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		if e.isPaused() {
			return e.pausedError()
		}
		err := e.runChunk(ctx, outBase, c)
		if err == nil {
			return nil
		}
		if clidmerr.Is(err, clidmerr.KindPaused) || clidmerr.Is(err, clidmerr.KindCancelled) {
			return err
		}
		lastErr = err
		time.Sleep(500 * time.Millisecond * time.Duration(attempt+1))
	}
	return lastErr
}

// runChunk downloads one chunk into its PartFile, resuming from any bytes
// already present.
func (e *Engine) runChunk(ctx context.Context, outBase string, c chunk) error {
	partPath := storage.PartFilePath(e.tempDir, outBase, c.start, c.end)
	expected := c.size()

	var offset int64
	if info, err := os.Stat(partPath); err == nil {
		offset = info.Size()
		if offset >= expected {
			e.setChunkProgress(c.index, expected)
			return nil
		}
	}

	fw, err := openOrCreatePartFile(partPath, offset)
	if err != nil {
		return fmt.Errorf("opening part file: %w", err)
	}
	defer fw.Close()

	attemptCtx, cancel := e.readSafetyNet(ctx)
	defer cancel()

	cc := &connCapture{}
	resp, err := e.client.GetRange(withConnCapture(attemptCtx, cc), e.sourceURL, c.start+offset, c.end)
	if err != nil {
		if retry, werr := e.handleConnectionFailure(ctx, err); retry {
			return e.runChunk(ctx, outBase, c)
		} else if werr != nil {
			return werr
		}
		return clidmerr.Wrap(clidmerr.KindConnectionLost, "chunk GET failed", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case 200:
		e.markDegraded("server returned 200 to a ranged request")
	case 206:
		// expected
	case 400, 403, 429, 503:
		e.markDegraded(fmt.Sprintf("server returned %d to a ranged request", resp.StatusCode))
		return clidmerr.NewBadStatus(resp.StatusCode)
	default:
		return clidmerr.NewBadStatus(resp.StatusCode)
	}

	var body io.Reader = resp.Body
	if e.opts.ReadTimeout > 0 {
		dr := newDeadlineReader(resp.Body, cc.conn, e.opts.ReadTimeout)
		defer dr.stop()
		body = dr
	}
	r := ratelimit.NewReader(ctx, body, e.limiter)
	buf := make([]byte, readBufferSize)
	written := offset // bytes written so far, relative to the chunk's own start
	lastProgressReport := time.Now()

	for written < expected {
		if e.isPaused() {
			return e.pausedError()
		}
		n, rerr := r.Read(buf)
		if n > 0 {
			if _, werr := fw.WriteAt(buf[:n], written); werr != nil {
				return fmt.Errorf("writing part file: %w", werr)
			}
			written += int64(n)
			e.addDownloaded(int64(n))
			e.setChunkProgress(c.index, written)

			if time.Since(lastProgressReport) >= 200*time.Millisecond {
				e.reportProgress()
				lastProgressReport = time.Now()
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				break
			}
			if retry, werr := e.handleConnectionFailure(ctx, rerr); retry {
				return e.runChunk(ctx, outBase, c)
			} else if werr != nil {
				return werr
			}
			return clidmerr.Wrap(clidmerr.KindConnectionLost, "chunk read failed", rerr)
		}
	}

	if written < expected {
		return clidmerr.New(clidmerr.KindIncomplete, fmt.Sprintf("chunk %d short: got %d of %d", c.index, written, expected))
	}
	return nil
}

func openOrCreatePartFile(path string, existingSize int64) (*storage.FileWriter, error) {
	if existingSize > 0 {
		return storage.OpenFileWriter(path, 0)
	}
	return storage.NewFileWriter(path, 0)
}

// assemble merges every chunk's PartFile into the final output in ascending
// start order, verifying each chunk's on-disk size before copying it in.
func (e *Engine) assemble(outBase string) error {
	e.report(reporter.Record{Type: "http", Status: "merging", MergeTotal: len(e.chunks)})

	tmpOut := filepath.Join(e.tempDir, outBase)
	fw, err := storage.NewFileWriter(tmpOut, e.totalSize)
	if err != nil {
		return fmt.Errorf("creating merge file: %w", err)
	}

	var indices []int
	for _, c := range e.chunks {
		partPath := storage.PartFilePath(e.tempDir, outBase, c.start, c.end)
		info, statErr := os.Stat(partPath)
		if statErr != nil || info.Size() != c.size() {
			indices = append(indices, c.index)
			continue
		}

		if err := copyPartFile(fw, partPath, c.start); err != nil {
			fw.Close()
			return fmt.Errorf("merging chunk %d: %w", c.index, err)
		}
		os.Remove(partPath)
		e.report(reporter.Record{Type: "http", Status: "merging", MergeChunk: c.index + 1, MergeTotal: len(e.chunks)})
	}

	if len(indices) > 0 {
		fw.Close()
		return clidmerr.NewIncomplete(indices, e.downloadedBytes(), e.totalSize)
	}

	if err := fw.Sync(); err != nil {
		fw.Close()
		return fmt.Errorf("syncing merged file: %w", err)
	}
	if err := fw.Close(); err != nil {
		return fmt.Errorf("closing merged file: %w", err)
	}

	size, err := storage.FileSize(tmpOut)
	if err != nil {
		return fmt.Errorf("stat merged file: %w", err)
	}
	if e.totalSize > 0 && size != e.totalSize {
		return clidmerr.NewIncomplete(nil, size, e.totalSize)
	}

	e.report(reporter.Record{Type: "http", Status: "verifying", Progress: 1, VerifyStatus: "chunks_verified"})

	if e.opts.SHA256 != "" {
		e.report(reporter.Record{Type: "http", Status: "verifying", VerifyStatus: "checksum_verifying"})
		ok, _, err := verifyChecksum(tmpOut, e.opts.SHA256)
		if err != nil {
			return fmt.Errorf("computing checksum: %w", err)
		}
		if !ok {
			os.Remove(tmpOut)
			return clidmerr.New(clidmerr.KindIntegrity, "checksum mismatch")
		}
	}

	if err := os.Rename(tmpOut, e.outPath); err != nil {
		return fmt.Errorf("moving merged file to destination: %w", err)
	}
	os.RemoveAll(e.tempDir)

	e.report(reporter.Record{
		Type: "http", Status: "completed", Progress: 1,
		Downloaded: size, Total: size, VerifyStatus: "verified", Verified: true,
	})
	return nil
}

func copyPartFile(dst *storage.FileWriter, partPath string, offset int64) error {
	src, err := os.Open(partPath)
	if err != nil {
		return err
	}
	defer src.Close()

	buf := make([]byte, readBufferSize)
	var written int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.WriteAt(buf[:n], offset+written); werr != nil {
				return werr
			}
			written += int64(n)
		}
		if rerr != nil {
			if rerr == io.EOF {
				return nil
			}
			return rerr
		}
	}
}

func (e *Engine) cleanupPartFiles(outBase string) {
	for _, c := range e.chunks {
		os.Remove(storage.PartFilePath(e.tempDir, outBase, c.start, c.end))
	}
}

func (e *Engine) incompleteError() error {
	var indices []int
	for i, c := range e.chunks {
		if e.chunkProgress[i] < c.size() {
			indices = append(indices, c.index)
		}
	}
	return clidmerr.NewIncomplete(indices, e.downloadedBytes(), e.totalSize)
}

// --- shared mutable state: downloaded counter, chunk progress, speed,
// pause flag, connection-failure counter, degradation flag — each behind
// its own mutex, mirroring the independent locks a worker pool like this
// naturally accumulates. ---

func (e *Engine) addDownloaded(n int64) {
	e.downloadedMu.Lock()
	e.downloaded += n
	e.downloadedMu.Unlock()
}

func (e *Engine) downloadedBytes() int64 {
	e.downloadedMu.Lock()
	defer e.downloadedMu.Unlock()
	return e.downloaded
}

func (e *Engine) setChunkProgress(index int, progress int64) {
	e.chunkMu.Lock()
	e.chunkProgress[index] = progress
	e.chunkMu.Unlock()
}

func (e *Engine) chunkSnapshots() []reporter.ChunkSnapshot {
	e.chunkMu.Lock()
	defer e.chunkMu.Unlock()
	snaps := make([]reporter.ChunkSnapshot, len(e.chunks))
	for i, c := range e.chunks {
		snaps[i] = reporter.ChunkSnapshot{Index: c.index, Start: c.start, End: c.end, Downloaded: e.chunkProgress[i], Total: c.size()}
	}
	return snaps
}

// speed computes Δbytes/Δt across the whole download using the single
// shared counter, not per chunk — many concurrent writers all feed the same
// aggregate rate.
func (e *Engine) speed() int64 {
	e.speedMu.Lock()
	defer e.speedMu.Unlock()

	now := time.Now()
	downloaded := e.downloadedBytes()
	elapsed := now.Sub(e.lastReportedAt).Seconds()
	if elapsed <= 0 {
		return 0
	}
	rate := int64(float64(downloaded-e.lastReportedDownloaded) / elapsed)
	e.lastReportedDownloaded = downloaded
	e.lastReportedAt = now
	return rate
}

func (e *Engine) reportProgress() {
	downloaded := e.downloadedBytes()
	var progress float64
	if e.totalSize > 0 {
		progress = float64(downloaded) / float64(e.totalSize)
	}
	e.report(reporter.Record{
		Type: "http", Status: "downloading",
		Progress: progress, Downloaded: downloaded, Total: e.totalSize,
		Speed: e.speed(), ChunkProgress: e.chunkSnapshots(), ChunkCount: len(e.chunks),
	})
}

func (e *Engine) markDegraded(reason string) {
	e.multiConnectionMu.Lock()
	if !e.multiConnectionFailed {
		e.log.WithField("reason", reason).Info("marking server as degraded for concurrent range requests")
	}
	e.multiConnectionFailed = true
	e.multiConnectionMu.Unlock()
}

func (e *Engine) degraded() bool {
	e.multiConnectionMu.Lock()
	defer e.multiConnectionMu.Unlock()
	return e.multiConnectionFailed
}

var connFailureSentinels = []string{
	"connection reset", "connection refused", "connection timed out",
	"timeout", "no such host", "network is unreachable", "i/o timeout",
	"context deadline exceeded",
}

func isConnectionFailure(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range connFailureSentinels {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// handleConnectionFailure classifies err; on a recognized transient failure
// it backs off and reports retry=true, unless the failure counter has hit
// max_connection_failures, in which case it auto-pauses the download and
// returns a non-terminal Paused error instead (or ctx's error if cancelled
// during backoff). Non-matching errors are left to the caller.
func (e *Engine) handleConnectionFailure(ctx context.Context, err error) (retry bool, terminalErr error) {
	if !isConnectionFailure(err) {
		return false, nil
	}

	e.connectionFailureMu.Lock()
	now := time.Now()
	if !e.lastFailureAt.IsZero() && now.Sub(e.lastFailureAt) >= 30*time.Second {
		e.connectionFailures = 0
	}
	e.connectionFailures++
	e.lastFailureAt = now
	n := e.connectionFailures
	limit := e.maxConnectionFailures
	e.connectionFailureMu.Unlock()

	if limit > 0 && len(e.chunks) > 0 && n >= maxInt(1, len(e.chunks)/2) {
		e.markDegraded("connection/timeout failures crossed half the chunk count")
	}

	if n >= limit {
		e.pauseWithReason(fmt.Sprintf("too many connection failures (%d): %v", n, err), true)
		return false, e.pausedError()
	}

	backoff := time.Duration(math.Min(math.Pow(2, float64(n-1)), 30)) * time.Second
	jitter := time.Duration(rand.Int63n(int64(200 * time.Millisecond)))
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-time.After(backoff + jitter):
	}
	return true, nil
}

func verifyChecksum(path, expected string) (bool, string, error) {
	return checksum.Verify(path, expected)
}

func baseName(path string) string {
	return filepath.Base(path)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
