package watcher

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"loopdrop/models"
)

// Defaults applied by Config when a field is zero.
const (
	// DefaultInterval is the pause between scans.
	DefaultInterval = 2 * time.Second

	// DefaultStabilityDelay is how long a file size must hold still.
	DefaultStabilityDelay = time.Second

	// DefaultErrorBackoff replaces the interval after a failed scan.
	DefaultErrorBackoff = 5 * time.Second
)

// State is the poller's current phase.
type State int32

const (
	StateIdle State = iota
	StateScanning
	StateDispatching
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StateDispatching:
		return "dispatching"
	case StateBackoff:
		return "backoff"
	default:
		return "unknown"
	}
}

// Sender transfers one file. A non-nil error makes the file eligible again on
// a later scan.
type Sender interface {
	Send(ctx context.Context, path, folderName string) error
}

// Config configures one poller.
type Config struct {
	Folder         models.WatchedFolder
	Interval       time.Duration
	StabilityDelay time.Duration
	ErrorBackoff   time.Duration
	// UseFsnotify lets filesystem events start a scan before Interval ends.
	UseFsnotify bool
	Logger      *slog.Logger
}

func (c Config) withDefaults() Config {
	out := c
	if out.Interval <= 0 {
		out.Interval = DefaultInterval
	}
	if out.StabilityDelay <= 0 {
		out.StabilityDelay = DefaultStabilityDelay
	}
	if out.ErrorBackoff <= 0 {
		out.ErrorBackoff = DefaultErrorBackoff
	}
	if out.Folder.Action == "" {
		out.Folder.Action = models.FileActionCopy
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// Poller watches one folder and hands every file whose size stays the same
// across the stability delay to its Sender.
type Poller struct {
	cfg        Config
	sender     Sender
	folderName string
	dispatched *DispatchedSet
	logger     *slog.Logger

	state    atomic.Int32
	inFlight sync.WaitGroup
}

// NewPoller builds a poller for cfg.Folder.
func NewPoller(cfg Config, sender Sender) (*Poller, error) {
	if sender == nil {
		return nil, errors.New("sender is required")
	}
	if cfg.Folder.Path == "" {
		return nil, errors.New("watched folder path is required")
	}
	switch cfg.Folder.Action {
	case "", models.FileActionCopy, models.FileActionMove:
	default:
		return nil, errors.New("unknown file action " + string(cfg.Folder.Action))
	}

	opts := cfg.withDefaults()
	abs, err := filepath.Abs(opts.Folder.Path)
	if err != nil {
		return nil, err
	}
	opts.Folder.Path = abs

	return &Poller{
		cfg:        opts,
		sender:     sender,
		folderName: opts.Folder.Name(),
		dispatched: NewDispatchedSet(),
		logger:     opts.Logger.With("folder", opts.Folder.Name()),
	}, nil
}

// Folder returns the watched folder.
func (p *Poller) Folder() models.WatchedFolder {
	return p.cfg.Folder
}

// Dispatched exposes the poller's dispatched set.
func (p *Poller) Dispatched() *DispatchedSet {
	return p.dispatched
}

// State reports the phase the poller is in right now.
func (p *Poller) State() State {
	return State(p.state.Load())
}

// Run scans until ctx is cancelled, then waits for in-flight sends to finish.
// Scan errors never stop the loop.
func (p *Poller) Run(ctx context.Context) error {
	defer p.inFlight.Wait()
	defer p.state.Store(int32(StateIdle))

	nudge := p.watchEvents(ctx)
	p.logger.Info("watching folder", "path", p.cfg.Folder.Path, "action", p.cfg.Folder.Action)

	for {
		if ctx.Err() != nil {
			return nil
		}

		wait := p.cfg.Interval
		if err := p.Scan(ctx); err != nil {
			var scanErr *ScanError
			if errors.As(err, &scanErr) {
				p.logger.Warn("scan failed; backing off", "error", err, "backoff", p.cfg.ErrorBackoff)
				p.state.Store(int32(StateBackoff))
				wait = p.cfg.ErrorBackoff
				// Events must not cut a back-off short.
				if !sleep(ctx, wait, nil) {
					return nil
				}
				continue
			}
		}

		p.state.Store(int32(StateIdle))
		if !sleep(ctx, wait, nudge) {
			return nil
		}
	}
}

// Scan runs one cycle: list candidates, check stability, mark and dispatch
// stable files. It returns a *ScanError when the folder cannot be read and
// ctx.Err() when cancelled during the stability wait.
func (p *Poller) Scan(ctx context.Context) error {
	p.state.Store(int32(StateScanning))

	if n, cleared := p.dispatched.clearIfOver(MaxDispatched); cleared {
		p.logger.Info("dispatched set over limit; cleared", "size", n, "limit", MaxDispatched)
	}

	candidates, err := p.candidates()
	if err != nil {
		return &ScanError{Folder: p.cfg.Folder.Path, Err: err}
	}
	if len(candidates) == 0 {
		return nil
	}

	before := make(map[string]int64, len(candidates))
	for _, path := range candidates {
		if size, ok := fileSize(path); ok {
			before[path] = size
		}
	}
	if len(before) == 0 {
		return nil
	}

	if !sleep(ctx, p.cfg.StabilityDelay, nil) {
		return ctx.Err()
	}

	for _, path := range candidates {
		first, ok := before[path]
		if !ok {
			continue
		}
		second, ok := fileSize(path)
		if !ok || first != second || second <= 0 {
			continue
		}
		if !p.dispatched.Add(path) {
			continue
		}
		p.state.Store(int32(StateDispatching))
		p.dispatch(ctx, path)
	}
	return nil
}

func (p *Poller) candidates() ([]string, error) {
	entries, err := os.ReadDir(p.cfg.Folder.Path)
	if err != nil {
		return nil, err
	}

	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(p.cfg.Folder.Path, entry.Name())
		if p.dispatched.Contains(path) {
			continue
		}
		// Stat follows symlinks so links to directories are skipped too.
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		out = append(out, path)
	}
	return out, nil
}

func (p *Poller) dispatch(ctx context.Context, path string) {
	p.inFlight.Add(1)
	go func() {
		defer p.inFlight.Done()

		if err := p.sender.Send(ctx, path, p.folderName); err != nil {
			p.dispatched.Remove(path)
			p.logger.Warn("send failed; will retry", "file", filepath.Base(path), "error", err)
			return
		}

		if p.cfg.Folder.Action == models.FileActionMove {
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				p.logger.Warn("remove moved source failed", "file", filepath.Base(path), "error", err)
				return
			}
			p.dispatched.Remove(path)
		}
	}()
}

func (p *Poller) watchEvents(ctx context.Context) <-chan struct{} {
	if !p.cfg.UseFsnotify {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		p.logger.Warn("fsnotify unavailable; polling only", "error", err)
		return nil
	}
	if err := w.Add(p.cfg.Folder.Path); err != nil {
		_ = w.Close()
		p.logger.Warn("fsnotify watch failed; polling only", "error", err)
		return nil
	}

	nudge := make(chan struct{}, 1)
	p.inFlight.Add(1)
	go func() {
		defer p.inFlight.Done()
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Rename) {
					select {
					case nudge <- struct{}{}:
					default:
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				p.logger.Debug("fsnotify error", "error", err)
			}
		}
	}()
	return nudge
}

func fileSize(path string) (int64, bool) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return 0, false
	}
	return info.Size(), true
}

// sleep waits for d, an early nudge, or cancellation. It reports false when
// ctx is done.
func sleep(ctx context.Context, d time.Duration, nudge <-chan struct{}) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	case <-nudge:
		return true
	}
}
