package torrentengine

import (
	"context"
	"time"

	"github.com/anacrolix/torrent"

	"github.com/accelara/clidm/internal/reporter"
)

// rateSampler smooths an instantaneous byte rate into a moving average over
// speedWindow samples, holding the last positive value when the
// instantaneous rate is briefly zero so the UI doesn't flap between a real
// rate and 0 while the transport idles between pieces.
type rateSampler struct {
	samples    [speedWindow]int64
	idx        int
	filled     int
	lastValue  int64
	lastBytes  int64
	haveBytes  bool
}

func (s *rateSampler) sample(cumulative int64, elapsed time.Duration) int64 {
	if !s.haveBytes {
		s.haveBytes = true
		s.lastBytes = cumulative
		return 0
	}
	delta := cumulative - s.lastBytes
	s.lastBytes = cumulative
	if delta < 0 {
		delta = 0
	}

	var instantaneous int64
	if elapsed > 0 {
		instantaneous = int64(float64(delta) / elapsed.Seconds())
	}

	s.samples[s.idx] = instantaneous
	s.idx = (s.idx + 1) % speedWindow
	if s.filled < speedWindow {
		s.filled++
	}

	var sum int64
	for i := 0; i < s.filled; i++ {
		sum += s.samples[i]
	}
	avg := sum / int64(s.filled)

	if instantaneous == 0 && s.lastValue > 0 {
		return s.lastValue
	}
	if avg > 0 {
		s.lastValue = avg
	}
	return avg
}

// runTicks emits a progress Record every tickInterval until the torrent
// finishes downloading, then switches to the seeding phase.
func (e *Engine) runTicks(ctx context.Context, t *torrent.Torrent) error {
	var downSampler, upSampler rateSampler
	lastTick := time.Now()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if e.isPaused() {
				lastTick = now
				continue
			}

			elapsed := now.Sub(lastTick)
			lastTick = now

			stats := t.Stats()
			downloaded := t.BytesCompleted()
			total := t.Length()

			speed := downSampler.sample(stats.BytesReadUsefulData.Int64(), elapsed)
			uploadRate := upSampler.sample(stats.BytesWrittenData.Int64(), elapsed)

			rec := e.buildTick(t, downloaded, total, speed, uploadRate, stats)
			e.report(rec)

			if total > 0 && downloaded >= total {
				return e.seed(ctx, t)
			}
		}
	}
}

// buildTick assembles one downloading-phase Record from the torrent's
// current state: progress, piece states, and per-file breakdown for
// multi-file torrents.
func (e *Engine) buildTick(t *torrent.Torrent, downloaded, total int64, speed, uploadRate int64, stats torrent.TorrentStats) reporter.Record {
	var progress float64
	if total > 0 {
		progress = float64(downloaded) / float64(total)
	}

	var eta float64
	if speed > 0 && total > downloaded {
		eta = float64(total-downloaded) / float64(speed)
	}

	pieceStates, completedPieces := pieceBitfield(t)

	rec := reporter.Record{
		Type:            "torrent",
		Status:          "downloading",
		Progress:        progress,
		Downloaded:      downloaded,
		Total:           total,
		Speed:           speed,
		UploadRate:      uploadRate,
		Peers:           stats.ActivePeers,
		Seeds:           stats.ConnectedSeeders,
		ETA:             eta,
		PieceStates:     pieceStates,
		PieceCount:      len(pieceStates),
		CompletedPieces: completedPieces,
		InfoHash:        t.InfoHash().HexString(),
		TorrentName:     t.Name(),
	}

	if files := t.Files(); len(files) > 1 {
		rec.FileProgress = fileSnapshots(files)
	}

	return rec
}

// pieceBitfield returns a full boolean vector across every piece plus the
// count of pieces currently complete.
func pieceBitfield(t *torrent.Torrent) ([]bool, int) {
	info := t.Info()
	if info == nil {
		return nil, 0
	}
	n := t.NumPieces()
	states := make([]bool, n)
	completed := 0
	for i := 0; i < n; i++ {
		if t.PieceState(i).Complete {
			states[i] = true
			completed++
		}
	}
	return states, completed
}

func fileSnapshots(files []*torrent.File) []reporter.FileSnapshot {
	out := make([]reporter.FileSnapshot, len(files))
	for i, f := range files {
		length := f.Length()
		downloaded := f.BytesCompleted()
		var progress float64
		if length > 0 {
			progress = float64(downloaded) / float64(length)
		}
		out[i] = reporter.FileSnapshot{
			Index:      i,
			Path:       f.Path(),
			Name:       f.DisplayPath(),
			Progress:   progress,
			Downloaded: downloaded,
			Total:      length,
		}
	}
	return out
}

// seed reports the single seeding-phase transition record, then either
// returns immediately (KeepSeeding false) or keeps emitting seeding ticks
// until ctx is cancelled.
func (e *Engine) seed(ctx context.Context, t *torrent.Torrent) error {
	pieceStates, _ := pieceBitfield(t)
	e.reportNow(reporter.Record{
		Type:         "torrent",
		Status:       "seeding",
		Progress:     1,
		PieceStates:  pieceStates,
		PieceCount:   len(pieceStates),
		VerifyStatus: "verified",
		Verified:     true,
		InfoHash:     t.InfoHash().HexString(),
		TorrentName:  t.Name(),
	})

	if !e.opts.KeepSeeding {
		return nil
	}

	var upSampler rateSampler
	lastTick := time.Now()
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			elapsed := now.Sub(lastTick)
			lastTick = now
			stats := t.Stats()
			uploadRate := upSampler.sample(stats.BytesWrittenData.Int64(), elapsed)
			e.report(reporter.Record{
				Type:        "torrent",
				Status:      "seeding",
				Progress:    1,
				UploadRate:  uploadRate,
				Seeds:       stats.ConnectedSeeders,
				Peers:       stats.ActivePeers,
				InfoHash:    t.InfoHash().HexString(),
				TorrentName: t.Name(),
			})
		}
	}
}
