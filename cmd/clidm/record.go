package main

import (
	"time"

	"github.com/accelara/clidm/internal/reporter"
)

// wireChunk is one chunk_progress[] entry on the wire.
type wireChunk struct {
	Index      int     `json:"index"`
	Start      int64   `json:"start"`
	End        int64   `json:"end"`
	Downloaded int64   `json:"downloaded"`
	Total      int64   `json:"total"`
	Progress   float64 `json:"progress"`
}

// wireFile is one file_progress[] entry on the wire.
type wireFile struct {
	Index      int     `json:"index"`
	Path       string  `json:"path"`
	Name       string  `json:"name"`
	Progress   float64 `json:"progress"`
	Downloaded int64   `json:"downloaded"`
	Total      int64   `json:"total"`
}

// wireRecord is the stdout progress-stream shape: one JSON object per line,
// snake_case fields, download_id stamped in by the CLI since reporter.Record
// itself is download-agnostic.
type wireRecord struct {
	DownloadID string  `json:"download_id"`
	Timestamp  int64   `json:"timestamp"`
	Type       string  `json:"type"`
	Status     string  `json:"status"`
	Progress   float64 `json:"progress"`
	Downloaded int64   `json:"downloaded"`
	Total      int64   `json:"total"`

	Speed           int64       `json:"speed,omitempty"`
	UploadRate      int64       `json:"upload_rate,omitempty"`
	ChunkProgress   []wireChunk `json:"chunk_progress,omitempty"`
	ChunkCount      int         `json:"chunk_count,omitempty"`
	PieceStates     []bool      `json:"piece_states,omitempty"`
	PieceCount      int         `json:"piece_count,omitempty"`
	CompletedPieces int         `json:"completed_pieces,omitempty"`
	Peers           int         `json:"peers,omitempty"`
	Seeds           int         `json:"seeds,omitempty"`
	ETA             float64     `json:"eta,omitempty"`
	Message         string      `json:"message,omitempty"`
	PauseReason     string      `json:"pause_reason,omitempty"`
	InfoHash        string      `json:"info_hash,omitempty"`
	TorrentName     string      `json:"torrent_name,omitempty"`
	FileProgress    []wireFile  `json:"file_progress,omitempty"`
	VerifyStatus    string      `json:"verify_status,omitempty"`
	SHA256          string      `json:"sha256,omitempty"`
	MergeProgress   float64     `json:"merge_progress,omitempty"`
	MergeChunk      int         `json:"merge_chunk,omitempty"`
	MergeTotal      int         `json:"merge_total,omitempty"`
}

func toWireRecord(downloadID string, rec reporter.Record) wireRecord {
	w := wireRecord{
		DownloadID:      downloadID,
		Timestamp:       time.Now().Unix(),
		Type:            rec.Type,
		Status:          rec.Status,
		Progress:        rec.Progress,
		Downloaded:      rec.Downloaded,
		Total:           rec.Total,
		Speed:           rec.Speed,
		UploadRate:      rec.UploadRate,
		ChunkCount:      rec.ChunkCount,
		PieceStates:     rec.PieceStates,
		PieceCount:      rec.PieceCount,
		CompletedPieces: rec.CompletedPieces,
		Peers:           rec.Peers,
		Seeds:           rec.Seeds,
		ETA:             rec.ETA,
		Message:         rec.Message,
		PauseReason:     rec.PauseReason,
		InfoHash:        rec.InfoHash,
		VerifyStatus:    rec.VerifyStatus,
		SHA256:          rec.SHA256,
		MergeProgress:   rec.MergeProgress,
		MergeChunk:      rec.MergeChunk,
		MergeTotal:      rec.MergeTotal,
		TorrentName:     rec.TorrentName,
	}

	for _, c := range rec.ChunkProgress {
		w.ChunkProgress = append(w.ChunkProgress, wireChunk{
			Index: c.Index, Start: c.Start, End: c.End, Downloaded: c.Downloaded, Total: c.Total, Progress: c.Progress,
		})
	}
	for _, f := range rec.FileProgress {
		w.FileProgress = append(w.FileProgress, wireFile{
			Index: f.Index, Path: f.Path, Name: f.Name, Progress: f.Progress, Downloaded: f.Downloaded, Total: f.Total,
		})
	}
	return w
}
