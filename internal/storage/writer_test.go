package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFileWriter(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "test.bin")

	w, err := NewFileWriter(path, 1024)
	require.NoError(t, err)
	defer w.Close()

	size, err := FileSize(path)
	require.NoError(t, err)
	assert.Equal(t, int64(1024), size, "NewFileWriter should pre-allocate a sparse file of the requested size")
}

func TestNewFileWriter_WithDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "subdir", "nested", "test.bin")

	w, err := NewFileWriter(path, 100)
	require.NoError(t, err)
	defer w.Close()

	_, err = os.Stat(path)
	assert.NoError(t, err, "NewFileWriter should create missing parent directories")
}

func TestFileWriter_WriteAt(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "test.bin")

	w, err := NewFileWriter(path, 20)
	require.NoError(t, err)

	// Write at disjoint offsets, simulating concurrent chunk workers sharing
	// one merged-output FileWriter.
	chunks := []struct {
		data   []byte
		offset int64
	}{
		{[]byte("AAAAA"), 0},
		{[]byte("BBBBB"), 5},
		{[]byte("CCCCC"), 10},
		{[]byte("DDDDD"), 15},
	}

	for _, c := range chunks {
		n, err := w.WriteAt(c.data, c.offset)
		require.NoError(t, err)
		assert.Equal(t, len(c.data), n)
	}

	require.NoError(t, w.Close())

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "AAAAABBBBBCCCCCDDDDD", string(content))
}

func TestFileWriter_Sync(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "test.bin")

	w, err := NewFileWriter(path, 10)
	require.NoError(t, err)
	defer w.Close()

	_, err = w.WriteAt([]byte("clidm"), 0)
	require.NoError(t, err)
	assert.NoError(t, w.Sync())
}

func TestFileWriter_ClosedOperations(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "test.bin")

	w, err := NewFileWriter(path, 0)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, err = w.WriteAt([]byte("test"), 0)
	assert.Error(t, err, "WriteAt on a closed writer should fail")

	assert.Error(t, w.Sync(), "Sync on a closed writer should fail")

	assert.NoError(t, w.Close(), "double Close should not error")
}

func TestOpenFileWriter_ResumesIntoExistingFile(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "test.bin")

	require.NoError(t, os.WriteFile(path, []byte("initial content"), 0644))

	w, err := OpenFileWriter(path, 100)
	require.NoError(t, err)
	defer w.Close()

	_, err = w.WriteAt([]byte("more"), 15)
	require.NoError(t, err)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "initial contentmore", string(content))
}

func TestFileSize(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "test.bin")
	require.NoError(t, os.WriteFile(path, []byte("12345"), 0644))

	size, err := FileSize(path)
	require.NoError(t, err)
	assert.Equal(t, int64(5), size)

	_, err = FileSize(filepath.Join(tmpDir, "missing.bin"))
	assert.Error(t, err)
}

func TestPartFileNaming(t *testing.T) {
	assert.Equal(t, ".accelara-temp-movie.mkv", TempDirName("movie.mkv"))
	assert.Equal(t, "movie.mkv.part.0.1023", PartFileName("movie.mkv", 0, 1023))
	assert.Equal(t,
		filepath.Join("/tmp/.accelara-temp-movie.mkv", "movie.mkv.part.1024.2047"),
		PartFilePath("/tmp/.accelara-temp-movie.mkv", "movie.mkv", 1024, 2047),
	)
}

func TestEnsureTempDir(t *testing.T) {
	tmpDir := t.TempDir()
	outPath := filepath.Join(tmpDir, "movie.mkv")

	dir, err := EnsureTempDir(outPath)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(tmpDir, ".accelara-temp-movie.mkv"), dir)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

// BenchmarkWriteAt benchmarks the concurrent-chunk write path.
func BenchmarkWriteAt(b *testing.B) {
	tmpDir := b.TempDir()
	path := filepath.Join(tmpDir, "bench.bin")

	w, err := NewFileWriter(path, int64(b.N*1024))
	if err != nil {
		b.Fatalf("NewFileWriter() error = %v", err)
	}
	defer w.Close()

	data := make([]byte, 1024)
	for i := range data {
		data[i] = byte(i % 256)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		w.WriteAt(data, int64(i*1024))
	}
}
