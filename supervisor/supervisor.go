package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"loopdrop/config"
	"loopdrop/models"
	"loopdrop/network"
	"loopdrop/registry"
	"loopdrop/watcher"
)

// ErrAlreadyRunning is returned by Start on a running supervisor.
var ErrAlreadyRunning = errors.New("supervisor: already running")

// Deps carries collaborators that outlive one session.
type Deps struct {
	Logger   *slog.Logger
	Recorder network.Recorder
}

// PollerStatus describes one watched folder.
type PollerStatus struct {
	Folder     models.WatchedFolder
	Channel    int
	State      watcher.State
	Dispatched int
}

// Status is a point-in-time view of the session.
type Status struct {
	Running    bool
	BoundPorts []int
	Pollers    []PollerStatus
}

// Supervisor owns one session: the channel registry, the receiver and one
// poller per enabled watched folder, all sharing a single cancellation.
type Supervisor struct {
	cfg    *config.Config
	logger *slog.Logger

	registry *registry.Registry
	server   *network.Server
	pollers  []*watcher.Poller

	mu       sync.Mutex
	running  bool
	stopped  bool
	cancel   context.CancelFunc
	group    *errgroup.Group
	stopOnce sync.Once
	stopErr  error
}

// New wires a session from cfg. Nothing is bound or started until Start.
func New(cfg *config.Config, deps Deps) (*Supervisor, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	reg, err := registry.New(
		registry.PortRange{BasePort: cfg.BasePort, TotalChannels: cfg.TotalChannels},
		cfg.Channels,
		registry.Options{
			DialTimeout: cfg.DialTimeout(),
			Logger:      logger.With("component", "registry"),
		},
	)
	if err != nil {
		return nil, fmt.Errorf("build channel registry: %w", err)
	}

	client := network.NewClient(reg, network.ClientOptions{
		ChunkSize:  cfg.ChunkSize,
		AckTimeout: cfg.ReadTimeout(),
		Recorder:   deps.Recorder,
		Logger:     logger.With("component", "client"),
	})
	server := network.NewServer(reg, network.ServerOptions{
		ReceivedRoot:  cfg.ReceivedRoot,
		AcceptTimeout: cfg.AcceptTimeout(),
		ReadTimeout:   cfg.ReadTimeout(),
		ChunkSize:     cfg.ChunkSize,
		Recorder:      deps.Recorder,
		Logger:        logger.With("component", "server"),
	})

	s := &Supervisor{
		cfg:      cfg,
		logger:   logger,
		registry: reg,
		server:   server,
	}

	if cfg.Watching() {
		for _, folder := range cfg.EnabledFolders() {
			poller, err := watcher.NewPoller(watcher.Config{
				Folder:         folder,
				Interval:       cfg.PollInterval(),
				StabilityDelay: cfg.StabilityDelay(),
				ErrorBackoff:   cfg.ErrorBackoff(),
				UseFsnotify:    cfg.UseFsnotify,
				Logger:         logger.With("component", "watcher"),
			}, client)
			if err != nil {
				return nil, fmt.Errorf("watch %q: %w", folder.Path, err)
			}
			s.pollers = append(s.pollers, poller)
		}
	}

	return s, nil
}

// Start binds the receiver ports (when receiving) and launches the pollers
// (when watching). A bind failure is returned as *registry.BindError and
// nothing is left running.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}
	if s.stopped {
		return errors.New("supervisor: stopped sessions cannot be restarted")
	}

	runCtx, cancel := context.WithCancel(ctx)
	if s.cfg.Receiving() {
		if err := s.server.Start(runCtx); err != nil {
			cancel()
			return err
		}
	}

	group, groupCtx := errgroup.WithContext(runCtx)
	if s.cfg.Receiving() {
		group.Go(func() error {
			s.server.Wait()
			return nil
		})
	}
	for _, poller := range s.pollers {
		poller := poller
		group.Go(func() error {
			return poller.Run(groupCtx)
		})
	}

	s.cancel = cancel
	s.group = group
	s.running = true
	s.logger.Info("session started",
		"instance_id", s.cfg.InstanceID,
		"receiving", s.cfg.Receiving(),
		"watched_folders", len(s.pollers),
		"base_port", s.cfg.BasePort,
		"channels", s.cfg.TotalChannels,
	)
	return nil
}

// Stop cancels the session, force-closes every socket the registry owns and
// waits for all loops and in-flight transfers to return. It is idempotent.
func (s *Supervisor) Stop() error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		cancel := s.cancel
		group := s.group
		s.stopped = true
		s.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		s.stopErr = s.registry.CloseAll()
		if group != nil {
			if err := group.Wait(); err != nil {
				s.stopErr = errors.Join(s.stopErr, err)
			}
		}
		s.server.Stop()

		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		s.logger.Info("session stopped")
	})
	return s.stopErr
}

// Wait blocks until every loop of a started session has returned.
func (s *Supervisor) Wait() error {
	s.mu.Lock()
	group := s.group
	s.mu.Unlock()
	if group == nil {
		return nil
	}
	return group.Wait()
}

// Status reports whether the session runs, which ports listen and what each
// poller is doing.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	status := Status{
		Running:    running,
		BoundPorts: s.registry.BoundPorts(),
	}
	for _, poller := range s.pollers {
		poller := poller
		folder := poller.Folder()
		status.Pollers = append(status.Pollers, PollerStatus{
			Folder:     folder,
			Channel:    s.registry.ChannelForFolder(folder.Name()),
			State:      poller.State(),
			Dispatched: poller.Dispatched().Len(),
		})
	}
	return status
}
