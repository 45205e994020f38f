package persistence

import (
	"log/slog"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// ErrClosed is returned when writing to a closed LazyAOFWriter.
var ErrClosed = errors.New("AOF writer is closed")

// LazyAOFWriter batches commands in memory and hands them to the AOFWriter
// periodically, when the batch is full, or on an explicit Flush. A separate
// ticker fsyncs the file, bounding what a crash can lose to about one sync
// interval.
type LazyAOFWriter struct {
	underlying *AOFWriter

	mu      sync.Mutex
	pending [][]byte
	stopped bool

	flushInterval time.Duration
	syncInterval  time.Duration
	maxPending    int

	stopCh chan struct{}
	wg     sync.WaitGroup

	// OnFlush, if set, receives the number of bytes handed to the OS by each
	// non-empty flush.
	OnFlush func(bytes int)
}

const (
	DefaultLazyFlushInterval = 100 * time.Millisecond
	DefaultForceSyncInterval = 1 * time.Second
	DefaultMaxPending        = 1000
)

// NewLazyAOFWriter wraps underlying with the default intervals.
func NewLazyAOFWriter(underlying *AOFWriter) *LazyAOFWriter {
	return NewLazyAOFWriterWithConfig(underlying, DefaultLazyFlushInterval, DefaultForceSyncInterval, DefaultMaxPending)
}

// NewLazyAOFWriterWithConfig wraps underlying with explicit intervals. Zero
// values fall back to the defaults.
func NewLazyAOFWriterWithConfig(underlying *AOFWriter, flushInterval, syncInterval time.Duration, maxPending int) *LazyAOFWriter {
	if flushInterval <= 0 {
		flushInterval = DefaultLazyFlushInterval
	}
	if syncInterval <= 0 {
		syncInterval = DefaultForceSyncInterval
	}
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	lw := &LazyAOFWriter{
		underlying:    underlying,
		pending:       make([][]byte, 0, maxPending),
		flushInterval: flushInterval,
		syncInterval:  syncInterval,
		maxPending:    maxPending,
		stopCh:        make(chan struct{}),
	}
	lw.wg.Add(1)
	go lw.loop()

	slog.Debug("lazy AOF writer started",
		"path", underlying.Path(),
		"flush_interval", flushInterval,
		"sync_interval", syncInterval,
		"max_pending", maxPending,
	)
	return lw
}

// Write queues one encoded command. A full batch is flushed synchronously.
func (lw *LazyAOFWriter) Write(data []byte) error {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	if lw.stopped {
		return ErrClosed
	}
	lw.pending = append(lw.pending, data)
	if len(lw.pending) >= lw.maxPending {
		return lw.flushLocked()
	}
	return nil
}

// Flush hands every queued command to the OS.
func (lw *LazyAOFWriter) Flush() error {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.flushLocked()
}

func (lw *LazyAOFWriter) flushLocked() error {
	if len(lw.pending) == 0 {
		return nil
	}
	total := 0
	for i, data := range lw.pending {
		if err := lw.underlying.Write(data); err != nil {
			lw.pending = lw.pending[i:]
			return errors.Wrap(err, "AOF write")
		}
		total += len(data)
	}
	clear(lw.pending)
	lw.pending = lw.pending[:0]
	if err := lw.underlying.Flush(); err != nil {
		return errors.Wrap(err, "AOF flush")
	}
	if lw.OnFlush != nil {
		lw.OnFlush(total)
	}
	return nil
}

// Sync flushes and fsyncs.
func (lw *LazyAOFWriter) Sync() error {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	if err := lw.flushLocked(); err != nil {
		return err
	}
	return lw.underlying.Sync()
}

// Close stops the background loop and flushes, syncs and closes the file.
func (lw *LazyAOFWriter) Close() error {
	lw.mu.Lock()
	if lw.stopped {
		lw.mu.Unlock()
		return ErrClosed
	}
	lw.stopped = true
	lw.mu.Unlock()

	close(lw.stopCh)
	lw.wg.Wait()

	lw.mu.Lock()
	defer lw.mu.Unlock()
	if err := lw.flushLocked(); err != nil {
		slog.Error("AOF flush during close failed", "error", err)
	}
	return lw.underlying.Close()
}

// Truncate flushes queued commands and then empties the file.
func (lw *LazyAOFWriter) Truncate() error {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	if err := lw.flushLocked(); err != nil {
		return err
	}
	return lw.underlying.Truncate()
}

// ReplaceWith flushes and swaps in a rewritten AOF.
func (lw *LazyAOFWriter) ReplaceWith(newFilePath string) error {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	if err := lw.flushLocked(); err != nil {
		return err
	}
	return lw.underlying.ReplaceWith(newFilePath)
}

// Size returns the on-disk size of the AOF.
func (lw *LazyAOFWriter) Size() (int64, error) { return lw.underlying.Size() }

// Path returns the AOF path.
func (lw *LazyAOFWriter) Path() string { return lw.underlying.Path() }

func (lw *LazyAOFWriter) loop() {
	defer lw.wg.Done()
	flushTicker := time.NewTicker(lw.flushInterval)
	defer flushTicker.Stop()
	syncTicker := time.NewTicker(lw.syncInterval)
	defer syncTicker.Stop()

	for {
		select {
		case <-lw.stopCh:
			return
		case <-flushTicker.C:
			if err := lw.Flush(); err != nil {
				slog.Error("periodic AOF flush failed", "error", err)
			}
		case <-syncTicker.C:
			if err := lw.Sync(); err != nil {
				slog.Error("periodic AOF sync failed", "error", err)
			}
		}
	}
}
