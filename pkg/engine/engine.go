// Package engine provides the embedded KektorKV database.
//
// It owns the Keyspace, executes string commands one at a time on top of the
// value engine in pkg/core, and makes every effective write durable through
// the Append-Only File, with periodic snapshots and AOF rewrites.
//
// Basic usage:
//
//	db, err := engine.Open(engine.DefaultOptions("./data"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	n, err := db.Append("greeting", []byte("Hello"))
package engine

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/sanonone/kektorkv/pkg/core"
	"github.com/sanonone/kektorkv/pkg/metrics"
	"github.com/sanonone/kektorkv/pkg/persistence"
)

// Options configures persistence paths and background maintenance.
type Options struct {
	// DataDir holds the AOF and the snapshot. Created if missing.
	DataDir string

	// AofFilename is the AOF name inside DataDir. The snapshot uses the same
	// base name with a .kdb extension.
	AofFilename string

	// AutoSaveInterval and AutoSaveThreshold trigger a snapshot when both the
	// interval has elapsed since the last save and at least threshold
	// modifications happened. Zero in either disables autosave.
	AutoSaveInterval  time.Duration
	AutoSaveThreshold int64

	// AofRewritePercentage rewrites the AOF when it grows this many percent
	// over its size after the last rewrite (never below 1MiB). Zero disables.
	AofRewritePercentage int

	// ActiveExpireInterval is how often expired keys are reclaimed, at most
	// ActiveExpireBudget per run.
	ActiveExpireInterval time.Duration
	ActiveExpireBudget   int

	// MaintenanceInterval is how often autosave and rewrite policies run.
	MaintenanceInterval time.Duration

	// LazyFlushInterval and ForceSyncInterval tune the AOF writer.
	LazyFlushInterval time.Duration
	ForceSyncInterval time.Duration

	// Clock overrides the time source. Nil means time.Now.
	Clock func() time.Time
}

// DefaultOptions returns the standard configuration rooted at dataDir:
// snapshot every 60s when at least 1000 changes happened, rewrite the AOF at
// 100% growth, reclaim up to 200 expired keys every 100ms.
func DefaultOptions(dataDir string) Options {
	return Options{
		DataDir:              dataDir,
		AofFilename:          "kektorkv.aof",
		AutoSaveInterval:     60 * time.Second,
		AutoSaveThreshold:    1000,
		AofRewritePercentage: 100,
		ActiveExpireInterval: 100 * time.Millisecond,
		ActiveExpireBudget:   200,
		MaintenanceInterval:  time.Second,
		LazyFlushInterval:    persistence.DefaultLazyFlushInterval,
		ForceSyncInterval:    persistence.DefaultForceSyncInterval,
	}
}

// Engine is an open database. All methods are safe for concurrent use: the
// engine runs one command at a time to completion.
type Engine struct {
	// mu serializes command execution.
	mu sync.Mutex
	ks *core.Keyspace

	aof         *persistence.LazyAOFWriter
	aofPath     string
	snapPath    string
	aofBaseSize atomic.Int64

	opts  Options
	runID string

	savedDirty int64
	lastSave   time.Time
	replaying  bool

	// adminMu serializes snapshot and rewrite.
	adminMu sync.Mutex

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Open loads the snapshot and replays the AOF found in opts.DataDir, then
// starts background maintenance. It blocks until the data is loaded.
func Open(opts Options) (*Engine, error) {
	if opts.AofFilename == "" {
		opts.AofFilename = "kektorkv.aof"
	}
	if err := os.MkdirAll(opts.DataDir, 0755); err != nil {
		return nil, errors.Wrap(err, "create data directory")
	}

	aofPath := filepath.Join(opts.DataDir, opts.AofFilename)
	e := &Engine{
		ks:       core.NewKeyspace(),
		aofPath:  aofPath,
		snapPath: strings.TrimSuffix(aofPath, filepath.Ext(aofPath)) + ".kdb",
		opts:     opts,
		runID:    uuid.NewString(),
		closed:   make(chan struct{}),
	}
	if opts.Clock != nil {
		e.ks.SetClock(opts.Clock)
	}
	e.ks.OnExpired = e.onExpired
	e.lastSave = e.now()
	e.ks.OnCopied = func(string) { metrics.CopyOnWriteTotal.Inc() }

	start := time.Now()
	loaded, err := e.loadSnapshot()
	if err != nil {
		return nil, err
	}

	replayed, err := e.replayAOF()
	if err != nil {
		return nil, errors.Wrap(err, "replay AOF")
	}

	w, err := persistence.NewAOFWriter(aofPath)
	if err != nil {
		return nil, err
	}
	e.aof = persistence.NewLazyAOFWriterWithConfig(w, opts.LazyFlushInterval, opts.ForceSyncInterval, persistence.DefaultMaxPending)
	e.aof.OnFlush = func(n int) { metrics.AOFBytesTotal.Add(float64(n)) }
	e.savedDirty = e.ks.Dirty()
	if size, err := e.aof.Size(); err == nil {
		e.aofBaseSize.Store(size)
	}
	metrics.Keys.Set(float64(e.ks.Len()))

	slog.Info("engine opened",
		"data_dir", opts.DataDir,
		"run_id", e.runID,
		"snapshot_keys", loaded,
		"aof_commands", replayed,
		"keys", e.ks.Len(),
		"duration", time.Since(start).String(),
	)

	e.wg.Add(1)
	go e.backgroundTasks()
	return e, nil
}

// Close stops maintenance and closes the AOF. All acknowledged writes are
// already in the AOF, so no final snapshot is taken.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		close(e.closed)
		e.wg.Wait()

		e.mu.Lock()
		defer e.mu.Unlock()
		if e.aof != nil {
			err = e.aof.Close()
		}
	})
	return err
}

// RunID identifies this engine instance; it is written into snapshots.
func (e *Engine) RunID() string { return e.runID }

func (e *Engine) now() time.Time {
	if e.opts.Clock != nil {
		return e.opts.Clock()
	}
	return time.Now()
}

func (e *Engine) backgroundTasks() {
	defer e.wg.Done()

	maintInterval := e.opts.MaintenanceInterval
	if maintInterval <= 0 {
		maintInterval = time.Second
	}
	maintTicker := time.NewTicker(maintInterval)
	defer maintTicker.Stop()

	expireInterval := e.opts.ActiveExpireInterval
	if expireInterval <= 0 {
		expireInterval = 100 * time.Millisecond
	}
	expireTicker := time.NewTicker(expireInterval)
	defer expireTicker.Stop()

	for {
		select {
		case <-e.closed:
			return
		case <-expireTicker.C:
			e.activeExpire()
		case <-maintTicker.C:
			e.checkMaintenance()
		}
	}
}

func (e *Engine) activeExpire() {
	budget := e.opts.ActiveExpireBudget
	if budget <= 0 {
		budget = 200
	}
	e.mu.Lock()
	n := e.ks.ActiveExpire(budget)
	keys := e.ks.Len()
	e.mu.Unlock()

	if n > 0 {
		slog.Debug("active expire cycle", "removed", n)
	}
	metrics.Keys.Set(float64(keys))
}

// checkMaintenance applies the autosave and AOF rewrite policies.
func (e *Engine) checkMaintenance() {
	e.mu.Lock()
	dirty := e.ks.Dirty() - e.savedDirty
	sinceSave := e.now().Sub(e.lastSave)
	e.mu.Unlock()

	if e.opts.AutoSaveThreshold > 0 && e.opts.AutoSaveInterval > 0 &&
		dirty >= e.opts.AutoSaveThreshold && sinceSave >= e.opts.AutoSaveInterval {
		if err := e.SaveSnapshot(); err != nil {
			slog.Error("background snapshot failed", "error", err)
		}
	}

	if err := e.aof.Flush(); err != nil {
		slog.Error("background AOF flush failed", "error", err)
	}

	if e.opts.AofRewritePercentage > 0 {
		size, err := e.aof.Size()
		if err != nil {
			return
		}
		base := e.aofBaseSize.Load()
		threshold := base + base*int64(e.opts.AofRewritePercentage)/100
		if threshold < 1024*1024 {
			threshold = 1024 * 1024
		}
		if size > threshold {
			if err := e.RewriteAOF(); err != nil {
				slog.Error("background AOF rewrite failed", "error", err)
			}
		}
	}
}

// onExpired propagates the removal of an expired key as DEL.
func (e *Engine) onExpired(key string) {
	metrics.ExpiredKeysTotal.Inc()
	if e.replaying || e.aof == nil {
		return
	}
	if err := e.aof.Write(persistence.FormatCommand("DEL", []byte(key))); err != nil {
		slog.Error("AOF write of expired key failed", "key", key, "error", err)
	}
}
