package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// speedtestTarget is the endpoint used for latency/download/upload
// measurement when --source isn't supplied. Cloudflare's speed-test edge
// responds to both GET (arbitrary byte counts via /__down) and POST
// (/__up) without authentication, which is what the latency/download/
// upload phases below need.
const speedtestTarget = "https://speed.cloudflare.com"

const (
	speedtestDownloadBytes = 25 * 1024 * 1024
	speedtestUploadBytes   = 10 * 1024 * 1024
)

type speedtestRecord struct {
	Type      string  `json:"type"`
	Status    string  `json:"status"`
	Phase     string  `json:"phase"`
	Progress  float64 `json:"progress"`
	Mbps      float64 `json:"mbps,omitempty"`
	LatencyMS float64 `json:"latency_ms,omitempty"`
}

// runSpeedtest streams JSON progress lines for the requested test type. It
// reports on stdout as each phase finishes; failures abort the remaining
// phases but still report what was measured.
func runSpeedtest(ctx context.Context, testType string) error {
	target := speedtestTarget
	if flags.source != "" {
		target = flags.source
	}

	runLatency := testType == "full" || testType == "latency"
	runDownload := testType == "full" || testType == "download"
	runUpload := testType == "full" || testType == "upload"

	if err := printJSONLine(speedtestRecord{Type: "speedtest", Status: "running", Phase: "start", Progress: 0}); err != nil {
		return err
	}

	if runLatency {
		latency, err := measureLatency(ctx, target)
		if err != nil {
			return printJSONLine(speedtestRecord{Type: "speedtest", Status: "failed", Phase: "latency"})
		}
		if err := printJSONLine(speedtestRecord{Type: "speedtest", Status: "running", Phase: "latency", Progress: 0.33, LatencyMS: latency}); err != nil {
			return err
		}
	}

	if runDownload {
		mbps, err := measureDownload(ctx, target)
		if err != nil {
			return printJSONLine(speedtestRecord{Type: "speedtest", Status: "failed", Phase: "download"})
		}
		if err := printJSONLine(speedtestRecord{Type: "speedtest", Status: "running", Phase: "download", Progress: 0.66, Mbps: mbps}); err != nil {
			return err
		}
	}

	if runUpload {
		mbps, err := measureUpload(ctx, target)
		if err != nil {
			return printJSONLine(speedtestRecord{Type: "speedtest", Status: "failed", Phase: "upload"})
		}
		if err := printJSONLine(speedtestRecord{Type: "speedtest", Status: "running", Phase: "upload", Progress: 0.99, Mbps: mbps}); err != nil {
			return err
		}
	}

	return printJSONLine(speedtestRecord{Type: "speedtest", Status: "completed", Phase: "done", Progress: 1})
}

// measureLatency times a single GET's time-to-first-byte.
func measureLatency(ctx context.Context, target string) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	elapsed := time.Since(start)
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1))
	return float64(elapsed.Microseconds()) / 1000.0, nil
}

// measureDownload reads a bounded byte count from target (or its
// /__down?bytes=N Cloudflare-style endpoint when target is the default) and
// reports the achieved throughput in megabits/second.
func measureDownload(ctx context.Context, target string) (float64, error) {
	url := target
	if target == speedtestTarget {
		url = fmt.Sprintf("%s/__down?bytes=%d", speedtestTarget, speedtestDownloadBytes)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	n, err := io.Copy(io.Discard, io.LimitReader(resp.Body, speedtestDownloadBytes))
	if err != nil {
		return 0, err
	}
	return bytesToMbps(n, time.Since(start)), nil
}

// measureUpload posts a bounded random-ish payload and reports throughput.
// Against an arbitrary --source this may fail if the server rejects POST;
// the caller treats that as a failed upload phase rather than aborting the
// whole run.
func measureUpload(ctx context.Context, target string) (float64, error) {
	url := target
	if target == speedtestTarget {
		url = speedtestTarget + "/__up"
	}
	payload := bytes.Repeat([]byte{0xA5}, speedtestUploadBytes)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	start := time.Now()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return bytesToMbps(int64(len(payload)), time.Since(start)), nil
}

func bytesToMbps(n int64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	bits := float64(n) * 8
	return bits / elapsed.Seconds() / 1_000_000
}
