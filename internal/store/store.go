// Package store implements the narrow, synchronous persistence contract the
// core consumes, backed here by atomic JSON-file writes.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Kind distinguishes an HTTP download from a torrent one.
type Kind string

const (
	KindHTTP    Kind = "http"
	KindTorrent Kind = "torrent"
)

// Status is the Download state-machine value.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusDownloading  Status = "downloading"
	StatusPaused       Status = "paused"
	StatusVerifying    Status = "verifying"
	StatusMerging      Status = "merging"
	StatusSeeding      Status = "seeding"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
)

// Metadata is the opaque per-kind extras bag.
type Metadata struct {
	PauseReason string            `json:"pause_reason,omitempty"`
	AutoPaused  bool              `json:"auto_paused,omitempty"`
	Messages    []string          `json:"messages,omitempty"`
	Extra       map[string]string `json:"extra,omitempty"`
}

// Options holds the per-download settings chosen at creation time.
type Options struct {
	Concurrency     int    `json:"concurrency"`
	ChunkSize       int64  `json:"chunk_size"`
	Limit           int64  `json:"limit,omitempty"`
	BTUploadLimit   int64  `json:"bt_upload_limit,omitempty"`
	BTDownloadLimit int64  `json:"bt_download_limit,omitempty"`
	BTSequential    bool   `json:"bt_sequential,omitempty"`
	BTKeepSeeding   bool   `json:"bt_keep_seeding,omitempty"`
	BTPort          int    `json:"bt_port,omitempty"`
	BTNoDHT         bool   `json:"bt_no_dht,omitempty"`
	ConnectTimeout  int    `json:"connect_timeout"`
	ReadTimeout     int    `json:"read_timeout"`
	Retries         int    `json:"retries"`
	SHA256          string `json:"sha256,omitempty"`
	Proxy           string `json:"proxy,omitempty"`
}

// Download is the root entity tracked by the store: one record per download,
// keyed by ID.
type Download struct {
	ID         string   `json:"id"`
	Source     string   `json:"source"`
	Output     string   `json:"output"`
	Kind       Kind     `json:"kind"`
	Status     Status   `json:"status"`
	Progress   float64  `json:"progress"`
	Downloaded int64    `json:"downloaded"`
	Total      int64    `json:"total"`
	Speed      int64    `json:"speed"`
	Options    Options  `json:"options"`
	Metadata   Metadata `json:"metadata"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ChunkProgress is one entry of an HTTPResumeRecord's chunk_progress[].
type ChunkProgress struct {
	Index      int   `json:"index"`
	Start      int64 `json:"start"`
	End        int64 `json:"end"`
	Downloaded int64 `json:"downloaded"`
}

// HTTPResumeRecord is written on every throttled status tick during an HTTP
// download.
type HTTPResumeRecord struct {
	DownloadID    string          `json:"download_id"`
	SourceURL     string          `json:"source_url"`
	FilePath      string          `json:"file_path"`
	TotalSize     int64           `json:"total_size"`
	ChunkCount    int             `json:"chunk_count"`
	ChunkProgress []ChunkProgress `json:"chunk_progress"`
	SHA256        string          `json:"sha256,omitempty"`
	VerifiedAt    *time.Time      `json:"verified_at,omitempty"`
}

// TorrentResumeRecord is written periodically (>=5s) and on state changes
// for a torrent download.
type TorrentResumeRecord struct {
	DownloadID  string     `json:"download_id"`
	InfoHash    string     `json:"info_hash"`
	PieceCount  int        `json:"piece_count"`
	PieceStates []bool     `json:"piece_states"`
	VerifiedAt  *time.Time `json:"verified_at,omitempty"`
}

// Interface is the narrow set of operations the core consumes.
// All calls are synchronous from the core's perspective.
type Interface interface {
	Load(downloadID string) (*Download, bool, error)
	SaveHTTPResume(rec HTTPResumeRecord) error
	SaveTorrentResume(rec TorrentResumeRecord) error
	UpdateProgress(id string, status Status, progress float64, downloaded, total, speed int64, meta Metadata) error
	ClearResume(id string) error
	Upsert(d *Download) error
}

const fileMode = 0o644

// JSONStore is a filesystem-backed Interface implementation. Each download
// gets its own directory `<dir>/<id>/` holding `download.json` plus an
// optional `http-resume.json` or `torrent-resume.json`, written atomically
// via a temp-file-then-rename.
type JSONStore struct {
	dir string
	mu  sync.Mutex
}

// NewJSONStore creates a store rooted at dir, creating it if necessary.
func NewJSONStore(dir string) (*JSONStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &JSONStore{dir: dir}, nil
}

func (s *JSONStore) downloadDir(id string) string {
	return filepath.Join(s.dir, id)
}

func (s *JSONStore) downloadFile(id string) string {
	return filepath.Join(s.downloadDir(id), "download.json")
}

func (s *JSONStore) httpResumeFile(id string) string {
	return filepath.Join(s.downloadDir(id), "http-resume.json")
}

func (s *JSONStore) torrentResumeFile(id string) string {
	return filepath.Join(s.downloadDir(id), "torrent-resume.json")
}

// writeAtomic marshals v as indented JSON and writes it to path via a
// temp-file-then-rename so a load can never observe a partial write.
func writeAtomic(path string, v interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, fileMode); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

func readJSON(path string, v interface{}) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("unmarshal %s: %w", path, err)
	}
	return true, nil
}

// Load returns the persisted Download for id, or (nil, false, nil) if none exists.
func (s *JSONStore) Load(id string) (*Download, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var d Download
	ok, err := readJSON(s.downloadFile(id), &d)
	if err != nil || !ok {
		return nil, false, err
	}
	return &d, true, nil
}

// Upsert writes the Download record in full, keyed by its ID.
func (s *JSONStore) Upsert(d *Download) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d.UpdatedAt = time.Now()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = d.UpdatedAt
	}
	return writeAtomic(s.downloadFile(d.ID), d)
}

// SaveHTTPResume persists an HTTPResumeRecord atomically.
func (s *JSONStore) SaveHTTPResume(rec HTTPResumeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeAtomic(s.httpResumeFile(rec.DownloadID), rec)
}

// SaveTorrentResume persists a TorrentResumeRecord atomically.
func (s *JSONStore) SaveTorrentResume(rec TorrentResumeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeAtomic(s.torrentResumeFile(rec.DownloadID), rec)
}

// UpdateProgress mutates the persisted Download's progress fields in place.
// A missing Download is reported as a not-found error: callers create the
// Download with Upsert before any progress update can land.
func (s *JSONStore) UpdateProgress(id string, status Status, progress float64, downloaded, total, speed int64, meta Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var d Download
	ok, err := readJSON(s.downloadFile(id), &d)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("update progress: download %q not found", id)
	}

	d.Status = status
	d.Progress = progress
	d.Downloaded = downloaded
	d.Total = total
	d.Speed = speed
	d.Metadata = meta
	d.UpdatedAt = time.Now()

	return writeAtomic(s.downloadFile(id), &d)
}

// ClearResume removes any resume records for id, leaving the Download record
// itself untouched.
func (s *JSONStore) ClearResume(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range []string{s.httpResumeFile(id), s.torrentResumeFile(id)} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("clear resume %s: %w", p, err)
		}
	}
	return nil
}

// Remove deletes a download's entire on-disk record, including resume data.
func (s *JSONStore) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.RemoveAll(s.downloadDir(id)); err != nil {
		return fmt.Errorf("remove download %s: %w", id, err)
	}
	return nil
}

// List returns the IDs of every download with a persisted record.
func (s *JSONStore) List() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list store dir: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

var _ Interface = (*JSONStore)(nil)
