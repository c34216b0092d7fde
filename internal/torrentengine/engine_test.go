package torrentengine

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()
	assert.Equal(t, 0, opts.ListenPort)
	assert.NotEmpty(t, opts.UserAgent)
}

func TestIsTorrentSource(t *testing.T) {
	tests := []struct {
		source string
		want   bool
	}{
		{"magnet:?xt=urn:btih:abc123", true},
		{"magnet:?xt=urn:btih:ABC123&dn=filename", true},
		{"file.torrent", true},
		{"path/to/file.torrent", true},
		{"FILE.TORRENT", true},
		{"http://example.com/file.iso", false},
		{"https://example.com/file.zip", false},
		{"file.txt", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.source, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTorrentSource(tt.source))
		})
	}
}

func TestEngine_DataDirResolution(t *testing.T) {
	tmpDir := t.TempDir()

	e := &Engine{output: tmpDir}
	require.Equal(t, tmpDir, e.dataDir())

	filePath := filepath.Join(tmpDir, "movie.mkv")
	e2 := &Engine{output: filePath}
	assert.Equal(t, tmpDir, e2.dataDir(), "dataDir() with file output should be the parent directory")
}

func TestRateSampler_HoldsLastPositiveOnZero(t *testing.T) {
	var s rateSampler

	s.sample(0, time.Second) // seeds haveBytes, returns 0

	got := s.sample(1000, time.Second)
	require.Greater(t, got, int64(0), "expected a positive rate after 1000 bytes over 1s")

	held := s.sample(1000, time.Second) // no new bytes: instantaneous rate is 0
	assert.Equal(t, got, held, "sample() on a zero-delta tick should hold the last value")
}

func TestRateSampler_NegativeDeltaClampedToZero(t *testing.T) {
	var s rateSampler
	s.sample(1000, time.Second)
	got := s.sample(500, time.Second) // cumulative counter went backwards
	assert.GreaterOrEqual(t, got, int64(0))
}
