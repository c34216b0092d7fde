// Package storage is the on-disk half of a resumable HTTP download: a
// random-access FileWriter that many chunk workers can write into
// concurrently, and the PartFile naming convention that lets a later run
// find and resume bytes a previous run already wrote
// (`.accelara-temp-<basename>/<basename>.part.<start>.<end>`).
package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// FileWriter is a concurrency-safe random-access file: callers may share
// one instance across goroutines, each writing at its own offset. The HTTP
// engine opens one per PartFile, owned by that chunk's worker.
type FileWriter struct {
	file   *os.File
	path   string
	size   int64
	mu     sync.Mutex
	closed bool
}

// NewFileWriter creates path (and any missing parent directories), and if
// size > 0 pre-allocates it as a sparse file so concurrent WriteAt calls
// never race on file growth.
func NewFileWriter(path string, size int64) (*FileWriter, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening file %s: %w", path, err)
	}

	fw := &FileWriter{file: file, path: path, size: size}

	if size > 0 {
		if err := fw.preallocate(size); err != nil {
			file.Close()
			return nil, fmt.Errorf("preallocating file: %w", err)
		}
	}

	return fw, nil
}

// OpenFileWriter reopens an existing PartFile or merged-output temp file to
// resume a download, without truncating whatever bytes are already there.
func OpenFileWriter(path string, size int64) (*FileWriter, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening file %s: %w", path, err)
	}

	if _, err := file.Stat(); err != nil {
		file.Close()
		return nil, fmt.Errorf("getting file info: %w", err)
	}

	return &FileWriter{file: file, path: path, size: size}, nil
}

// preallocate sets the file size without writing zeros, keeping the file
// sparse until real data lands at each offset.
func (w *FileWriter) preallocate(size int64) error {
	if _, err := w.file.Seek(size-1, io.SeekStart); err != nil {
		return err
	}
	if _, err := w.file.Write([]byte{0}); err != nil {
		return err
	}
	_, err := w.file.Seek(0, io.SeekStart)
	return err
}

// WriteAt writes p at offset. Writers sharing one FileWriter each own a
// disjoint byte range, so no caller-side locking is needed beyond what
// WriteAt itself does to guard w.closed.
func (w *FileWriter) WriteAt(p []byte, offset int64) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, fmt.Errorf("writer is closed")
	}

	return w.file.WriteAt(p, offset)
}

// Sync flushes the file to disk; called once after a chunk set or
// single-stream body finishes, not per write.
func (w *FileWriter) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("writer is closed")
	}

	return w.file.Sync()
}

// Close closes the underlying file. Safe to call more than once.
func (w *FileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}

	w.closed = true
	return w.file.Close()
}

// FileSize stats path and returns its size, used after assembly to confirm
// the merged output (or single-stream temp file) matches the expected
// total before it's renamed into place.
func FileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// TempDirName returns the hidden temp directory name for a given output
// basename.
func TempDirName(outputBasename string) string {
	return ".accelara-temp-" + outputBasename
}

// PartFileName returns the PartFile name for one chunk of outputBasename:
// `<basename>.part.<start>.<end>`.
func PartFileName(outputBasename string, start, end int64) string {
	return fmt.Sprintf("%s.part.%d.%d", outputBasename, start, end)
}

// PartFilePath joins tempDir with the PartFile name for [start, end].
func PartFilePath(tempDir, outputBasename string, start, end int64) string {
	return filepath.Join(tempDir, PartFileName(outputBasename, start, end))
}

// EnsureTempDir creates the hidden temp directory for outputPath and returns
// its path.
func EnsureTempDir(outputPath string) (string, error) {
	dir := filepath.Dir(outputPath)
	base := filepath.Base(outputPath)
	tempDir := filepath.Join(dir, TempDirName(base))
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return "", fmt.Errorf("creating temp dir %s: %w", tempDir, err)
	}
	return tempDir, nil
}
