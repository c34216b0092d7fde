// Package reporter implements a best-effort, ordered sink for progress and
// state-transition records.
package reporter

import (
	"sync"
	"time"
)

// Record is the union shape emitted for both HTTP and torrent downloads.
// Fields that don't apply to a given event are left at their zero value and
// omitted by the JSON encoder in cmd/clidm via `omitempty` tags on the wire
// type.
type Record struct {
	Type       string // "http" | "torrent"
	Status     string
	Progress   float64
	Downloaded int64
	Total      int64

	Speed        int64
	UploadRate   int64
	ChunkProgress []ChunkSnapshot
	ChunkCount   int
	PieceStates  []bool
	PieceCount   int
	CompletedPieces int
	Peers        int
	Seeds        int
	ETA          float64
	Message      string
	PauseReason  string
	InfoHash     string
	TorrentName  string
	FileProgress []FileSnapshot
	VerifyStatus string
	SHA256       string
	MergeProgress float64
	MergeChunk   int
	MergeTotal   int
	Verified     bool

	terminal bool
}

// ChunkSnapshot is a point-in-time view of one HTTP chunk.
type ChunkSnapshot struct {
	Index      int
	Start      int64
	End        int64
	Downloaded int64
	Total      int64
	Progress   float64
}

// FileSnapshot is a per-file progress entry for multi-file torrents.
type FileSnapshot struct {
	Index      int
	Path       string
	Name       string
	Progress   float64
	Downloaded int64
	Total      int64
}

var terminalStatuses = map[string]bool{
	"completed": true,
	"failed":    true,
	"cancelled": true,
	"seeding":   true,
}

// Terminal reports whether the record is a terminal status record: its
// Status is completed/failed/cancelled/seeding, or the package-internal
// terminal flag is set. Reporter uses it to exempt the record from
// throttling.
func (r Record) Terminal() bool {
	return r.terminal || terminalStatuses[r.Status]
}

// Sink is the single-method contract the core consumes.
type Sink interface {
	Report(Record)
}

// SinkFunc adapts a plain function to Sink.
type SinkFunc func(Record)

func (f SinkFunc) Report(r Record) { f(r) }

// Reporter wraps a consumer Sink with at-most-once, in-order delivery:
// throttled progress records may coalesce and terminal records are never
// dropped. Delivery runs the sink synchronously on the producer's
// goroutine, so a sink that blocks also blocks the producer.
type Reporter struct {
	downloadID string
	sink       Sink
	interval   time.Duration

	mu       sync.Mutex
	lastSent time.Time
	messages []string // ring buffer of last 20 non-terminal diagnostic messages
}

const maxMessages = 20

// New creates a Reporter that throttles non-terminal records to at most one
// per interval.
func New(downloadID string, sink Sink, interval time.Duration) *Reporter {
	if sink == nil {
		sink = SinkFunc(func(Record) {})
	}
	return &Reporter{downloadID: downloadID, sink: sink, interval: interval}
}

// Report delivers r to the wrapped sink, coalescing throttled non-terminal
// records and never dropping terminal ones.
func (r *Reporter) Report(rec Record) {
	r.mu.Lock()
	if rec.Message != "" && !rec.Terminal() {
		r.messages = append(r.messages, rec.Message)
		if len(r.messages) > maxMessages {
			r.messages = r.messages[len(r.messages)-maxMessages:]
		}
	}

	if !rec.Terminal() {
		now := time.Now()
		if !r.lastSent.IsZero() && now.Sub(r.lastSent) < r.interval {
			r.mu.Unlock()
			return
		}
		r.lastSent = now
	}
	r.mu.Unlock()

	r.deliver(rec)
}

// ReportNow bypasses throttling; used for state-transition records, which
// are distinct from throttled progress ticks.
func (r *Reporter) ReportNow(rec Record) {
	r.mu.Lock()
	r.lastSent = time.Now()
	r.mu.Unlock()
	r.deliver(rec)
}

// deliver calls the sink on the caller's goroutine and recovers from a
// panic inside it. It does not guard against a sink that blocks: the
// producer waits for as long as the sink's Report call takes. The CLI's
// sink writes each record straight to os.Stdout.
func (r *Reporter) deliver(rec Record) {
	defer func() { _ = recover() }()
	r.sink.Report(rec)
}

// Messages returns a copy of the last N diagnostic messages.
func (r *Reporter) Messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.messages))
	copy(out, r.messages)
	return out
}

// DownloadID returns the id this reporter was created for.
func (r *Reporter) DownloadID() string {
	return r.downloadID
}
