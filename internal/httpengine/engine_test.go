package httpengine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/accelara/clidm/internal/reporter"
)

// newRangeServer serves content and honors Range requests.
func newRangeServer(t *testing.T, content []byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", fmt.Sprintf("%d", len(content)))
			w.Header().Set("Accept-Ranges", "bytes")
			w.WriteHeader(http.StatusOK)
			return
		}

		rangeHeader := r.Header.Get("Range")
		if rangeHeader == "" {
			w.Header().Set("Content-Length", fmt.Sprintf("%d", len(content)))
			w.Header().Set("Accept-Ranges", "bytes")
			w.WriteHeader(http.StatusOK)
			w.Write(content)
			return
		}

		var start, end int64
		if _, err := fmt.Sscanf(rangeHeader, "bytes=%d-%d", &start, &end); err != nil {
			if _, err := fmt.Sscanf(rangeHeader, "bytes=%d-", &start); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			end = int64(len(content)) - 1
		}
		if start < 0 || start >= int64(len(content)) || end >= int64(len(content)) {
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}

		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(content)))
		w.Header().Set("Content-Length", fmt.Sprintf("%d", end-start+1))
		w.Header().Set("Accept-Ranges", "bytes")
		w.WriteHeader(http.StatusPartialContent)
		w.Write(content[start : end+1])
	}))
}

func collectRecords(t *testing.T) (*reporter.Reporter, func() []reporter.Record) {
	t.Helper()
	var recs []reporter.Record
	sink := reporter.SinkFunc(func(r reporter.Record) { recs = append(recs, r) })
	rep := reporter.New("test-download", sink, 0)
	return rep, func() []reporter.Record { return recs }
}

func TestEngine_SegmentedDownload(t *testing.T) {
	content := make([]byte, 2*1024*1024+17)
	for i := range content {
		content[i] = byte(i % 251)
	}
	server := newRangeServer(t, content)
	defer server.Close()

	tmpDir := t.TempDir()
	outPath := filepath.Join(tmpDir, "out.bin")

	opts := DefaultOptions()
	opts.Concurrency = 4
	opts.ChunkSize = 256 * 1024

	rep, records := collectRecords(t)
	e := New(server.URL+"/file.bin", outPath, opts, rep, nil)

	if err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	got, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if len(got) != len(content) {
		t.Fatalf("output size = %d, want %d", len(got), len(content))
	}
	for i := range content {
		if got[i] != content[i] {
			t.Fatalf("output differs at byte %d", i)
		}
	}

	recs := records()
	if len(recs) == 0 {
		t.Fatal("expected at least one status record")
	}
	last := recs[len(recs)-1]
	if last.Status != "completed" {
		t.Errorf("last record status = %q, want completed", last.Status)
	}
}

func TestEngine_SingleStreamWhenRangesUnsupported(t *testing.T) {
	content := []byte("a small file with no range support at all")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", fmt.Sprintf("%d", len(content)))
		w.WriteHeader(http.StatusOK)
		if r.Method != http.MethodHead {
			w.Write(content)
		}
	}))
	defer server.Close()

	tmpDir := t.TempDir()
	outPath := filepath.Join(tmpDir, "out.txt")

	rep, _ := collectRecords(t)
	e := New(server.URL, outPath, DefaultOptions(), rep, nil)

	if err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	got, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("output = %q, want %q", got, content)
	}
}

func TestEngine_ChecksumVerification(t *testing.T) {
	content := []byte("verify me please")
	sum := sha256.Sum256(content)
	hexSum := hex.EncodeToString(sum[:])

	server := newRangeServer(t, content)
	defer server.Close()

	tmpDir := t.TempDir()
	outPath := filepath.Join(tmpDir, "out.bin")

	opts := DefaultOptions()
	opts.SHA256 = hexSum
	rep, _ := collectRecords(t)
	e := New(server.URL+"/f", outPath, opts, rep, nil)

	if err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if _, err := os.Stat(outPath); err != nil {
		t.Fatalf("expected output file to exist: %v", err)
	}
}

func TestEngine_PreflightSkipsCompletedFile(t *testing.T) {
	content := []byte("already on disk")
	sum := sha256.Sum256(content)
	hexSum := hex.EncodeToString(sum[:])

	tmpDir := t.TempDir()
	outPath := filepath.Join(tmpDir, "out.bin")
	if err := os.WriteFile(outPath, content, 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	opts := DefaultOptions()
	opts.SHA256 = hexSum
	rep, records := collectRecords(t)
	e := New("http://example.invalid/should-not-be-fetched", outPath, opts, rep, nil)

	if err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	recs := records()
	if len(recs) == 0 || recs[len(recs)-1].Status != "completed" {
		t.Fatalf("expected a completed record from preflight short-circuit, got %+v", recs)
	}
}

func TestPlanChunks(t *testing.T) {
	chunks := planChunks(1000, 100, 4)
	if len(chunks) == 0 {
		t.Fatal("expected at least one chunk")
	}
	var total int64
	for i, c := range chunks {
		if c.start != total {
			t.Fatalf("chunk %d start = %d, want %d", i, c.start, total)
		}
		total = c.end + 1
	}
	if total != 1000 {
		t.Fatalf("chunks cover %d bytes, want 1000", total)
	}
}

func TestEngine_DegradedServerFallsBackToSingleStream(t *testing.T) {
	// Accepts ranges at probe time (HEAD, and the 0-0 confirmation GET) but
	// rejects every real chunk request with 403 — simulating a CDN that
	// advertises range support yet throttles concurrent range fetches.
	content := []byte("content that a rate-limiting CDN only serves to full GETs")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", fmt.Sprintf("%d", len(content)))
			w.Header().Set("Accept-Ranges", "bytes")
			w.WriteHeader(http.StatusOK)
			return
		}

		rangeHeader := r.Header.Get("Range")
		if rangeHeader == "bytes=0-0" {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes 0-0/%d", len(content)))
			w.Header().Set("Content-Length", "1")
			w.WriteHeader(http.StatusPartialContent)
			w.Write(content[:1])
			return
		}
		if rangeHeader != "" {
			w.WriteHeader(http.StatusForbidden)
			return
		}

		w.Header().Set("Content-Length", fmt.Sprintf("%d", len(content)))
		w.WriteHeader(http.StatusOK)
		w.Write(content)
	}))
	defer server.Close()

	tmpDir := t.TempDir()
	outPath := filepath.Join(tmpDir, "out.bin")

	opts := DefaultOptions()
	opts.Concurrency = 4
	opts.ChunkSize = 8
	opts.Retries = 1

	rep, _ := collectRecords(t)
	e := New(server.URL, outPath, opts, rep, nil)

	if err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	got, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("output = %q, want %q", got, content)
	}
}

func TestIsConnectionFailure(t *testing.T) {
	cases := map[string]bool{
		"dial tcp: connection refused":     true,
		"read tcp: i/o timeout":            true,
		"lookup example.com: no such host": true,
		"unexpected EOF":                   false,
		"checksum mismatch":                false,
	}
	for msg, want := range cases {
		got := isConnectionFailure(errors.New(msg))
		if got != want {
			t.Errorf("isConnectionFailure(%q) = %v, want %v", msg, got, want)
		}
	}
}
