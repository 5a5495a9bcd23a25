package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Tunables is the hot-reloadable subset of configuration: fusion weights and
// memory evolution rates. Connection settings and limits never reload.
type Tunables struct {
	Weights                WeightsConfig
	RRFK                   int
	DecayRates             DecayRatesConfig
	TauDelete              float64
	ReinforceBeta          float64
	ConsolidationThreshold float64
}

// Tunables extracts the reloadable subset from a full config.
func (c *Config) Tunables() Tunables {
	return Tunables{
		Weights:                c.Retrieval.Weights,
		RRFK:                   c.Retrieval.RRFK,
		DecayRates:             c.Memory.DecayRates,
		TauDelete:              c.Memory.TauDelete,
		ReinforceBeta:          c.Memory.ReinforceBeta,
		ConsolidationThreshold: c.Memory.ConsolidationThreshold,
	}
}

// Watcher watches the config file and delivers updated Tunables once writes
// settle. Reload waits for the debounce window to pass with no further
// events, so a truncate-then-write save is read only after the write.
type Watcher struct {
	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	path        string
	logger      *zap.Logger
	debounceDur time.Duration
	pending     bool
	lastEvent   time.Time
	onUpdate    func(Tunables)
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
}

// NewWatcher creates a watcher for the given config path. onUpdate is called
// from the watcher goroutine with the freshly loaded tunables.
func NewWatcher(path string, logger *zap.Logger, onUpdate func(Tunables)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher:     fw,
		path:        path,
		logger:      logger.Named("config"),
		debounceDur: 500 * time.Millisecond,
		onUpdate:    onUpdate,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start begins watching. Watches the parent directory so editors that
// replace the file (rename+create) are still observed.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	w.running = true
	go w.loop()
	w.logger.Info("watching config for tunable updates", zap.String("path", w.path))
	return nil
}

// Stop halts the watcher and waits for the loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh
	_ = w.watcher.Close()
}

func (w *Watcher) loop() {
	defer close(w.doneCh)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			w.mu.Lock()
			w.pending = true
			w.lastEvent = time.Now()
			w.mu.Unlock()
		case <-ticker.C:
			w.mu.Lock()
			settled := w.pending && time.Since(w.lastEvent) >= w.debounceDur
			if settled {
				w.pending = false
			}
			w.mu.Unlock()
			if settled {
				w.reload()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watch error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("config reload failed, keeping current tunables", zap.Error(err))
		return
	}
	if err := cfg.Validate(); err != nil {
		w.logger.Warn("reloaded config invalid, keeping current tunables", zap.Error(err))
		return
	}
	w.logger.Info("tunables reloaded",
		zap.Float64("w_dense", cfg.Retrieval.Weights.Dense),
		zap.Float64("w_sparse", cfg.Retrieval.Weights.Sparse),
		zap.Float64("w_multimodal", cfg.Retrieval.Weights.Multimodal),
		zap.Float64("w_credibility", cfg.Retrieval.Weights.Credibility))
	w.onUpdate(cfg.Tunables())
}
