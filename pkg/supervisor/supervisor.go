// Package supervisor boots and runs the whole service: it resolves the
// registry location, guarantees a loadable model exists (training one if
// needed), serves the HTTP API, hot-reloads the model when the registry
// changes on disk, and babysits the auxiliary UI subprocesses.
package supervisor

import (
	"context"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mlopslab/taxi-predictor/pkg/api"
	"github.com/mlopslab/taxi-predictor/pkg/config"
	"github.com/mlopslab/taxi-predictor/pkg/features"
	"github.com/mlopslab/taxi-predictor/pkg/logging"
	"github.com/mlopslab/taxi-predictor/pkg/metrics"
	"github.com/mlopslab/taxi-predictor/pkg/predict"
	"github.com/mlopslab/taxi-predictor/pkg/registry"
	"github.com/mlopslab/taxi-predictor/pkg/training"
	"github.com/mlopslab/taxi-predictor/pkg/trips"
)

// reloadDebounce coalesces bursts of filesystem events (a publish writes
// several files) into one reload
const reloadDebounce = 500 * time.Millisecond

// Supervisor owns the long-running pieces of the service
type Supervisor struct {
	cfg     *config.Config
	logger  *logging.Logger
	metrics *metrics.Metrics

	scanner *registry.Scanner
	service *predict.Service
	server  *api.Server
	store   *trips.Store

	children []*Process
	stopper  *StopController

	wg sync.WaitGroup
}

// New wires the supervisor from validated configuration. The registry
// root is anchored to the executable's directory when relative, so the
// service finds its registry no matter where it is launched from.
func New(cfg *config.Config, logger *logging.Logger, m *metrics.Metrics) (*Supervisor, error) {
	root, err := registry.ResolveRoot(cfg.Registry.Root)
	if err != nil {
		return nil, err
	}

	box, err := config.ParseBoundingBox(cfg.Features.BoundingBox)
	if err != nil {
		return nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	scanner := registry.New(root, cfg.Registry.ExperimentID, cfg.Registry.ModelName, logger)
	builder := features.NewBuilder(box, loc)

	// Hand the service a nil interface, not a nil pointer, when metrics
	// are absent
	var recorder predict.Recorder
	if m != nil {
		recorder = m
	}
	service := predict.NewService(scanner, builder, logger, recorder)

	s := &Supervisor{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		scanner: scanner,
		service: service,
		stopper: NewStopController(StopConfig{StopFile: cfg.Processes.StopFile}, logger),
	}

	var stats trips.StatsProvider
	if cfg.Trips.DatabaseURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		store, err := trips.Connect(ctx, cfg.Trips.DatabaseURL)
		cancel()
		if err != nil {
			// The trip store is optional; the stats endpoint degrades
			logger.Warn("trip store unavailable", "error", err)
		} else {
			s.store = store
			stats = store
		}
	}

	s.server = api.NewServer(service, stats, m, logger, api.Config{
		Port:              cfg.API.Port,
		PredictionTimeout: cfg.API.PredictionTimeout.Std(),
		HealthTimeout:     cfg.API.HealthTimeout.Std(),
		Location:          loc,
	})

	return s, nil
}

// EnsureModel guarantees the registry holds at least one loadable run,
// training a bootstrap model when it does not. Returns
// registry.ErrNoModelAvailable only when bootstrap training also fails to
// produce a loadable artifact.
func (s *Supervisor) EnsureModel() error {
	// Probe with a full load rather than a metadata check, so a registry
	// whose candidates all have corrupt blobs still triggers bootstrap
	if _, err := s.scanner.SelectBest(); err == nil {
		return nil
	}

	s.logger.Warn("registry has no loadable model, bootstrapping",
		"experiment_dir", s.scanner.ExperimentDir())

	box, _ := config.ParseBoundingBox(s.cfg.Features.BoundingBox)
	loc, _ := s.cfg.Location()
	trainer := training.New(box, loc, s.logger)

	root, err := registry.ResolveRoot(s.cfg.Registry.Root)
	if err != nil {
		return err
	}
	if _, err := trainer.Train(root, s.cfg.Registry.ExperimentID, s.cfg.Registry.ModelName, training.Options{}); err != nil {
		s.logger.Error("bootstrap training failed", "error", err)
		return registry.ErrNoModelAvailable
	}

	if _, err := s.scanner.SelectBest(); err != nil {
		return registry.ErrNoModelAvailable
	}
	return nil
}

// Run brings the service up and blocks until shutdown. The model is
// loaded before the HTTP listener opens, so the surface never serves 503
// on startup with a populated registry.
func (s *Supervisor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := s.EnsureModel(); err != nil {
		return err
	}
	if _, err := s.service.Reload(); err != nil {
		return err
	}

	s.stopper.OnStop(cancel)
	s.stopper.Start(ctx)

	s.startWatcher(ctx)
	if !s.cfg.Processes.Disabled {
		s.startChildren(ctx)
	} else {
		s.logger.Info("auxiliary subprocesses disabled")
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- s.server.Start() }()

	var err error
	select {
	case <-ctx.Done():
	case err = <-serveErr:
		// Listener died on its own; fall through to cleanup
		cancel()
	}

	s.shutdown()
	s.wg.Wait()
	return err
}

// startWatcher hot-reloads the model when the experiment directory
// changes. Watcher failures are logged and degrade to manual reloads via
// the HTTP endpoint.
func (s *Supervisor) startWatcher(ctx context.Context) {
	dir := s.scanner.ExperimentDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		s.logger.Warn("cannot create registry dir for watching", "dir", dir, "error", err)
		return
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Warn("registry watcher unavailable", "error", err)
		return
	}
	if err := watcher.Add(dir); err != nil {
		s.logger.Warn("cannot watch registry dir", "dir", dir, "error", err)
		watcher.Close()
		return
	}

	s.logger.Info("watching registry for new runs", "dir", dir)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer watcher.Close()

		var debounce *time.Timer
		reload := func() {
			if _, err := s.service.Reload(); err != nil {
				s.logger.Warn("auto-reload failed", "error", err)
			}
		}

		for {
			select {
			case <-ctx.Done():
				if debounce != nil {
					debounce.Stop()
				}
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(reloadDebounce, reload)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("registry watcher error", "error", err)
			}
		}
	}()
}

// startChildren launches the dashboard and tracking UI under supervision
func (s *Supervisor) startChildren(ctx context.Context) {
	specs := []ProcessSpec{}
	if s.cfg.Processes.DashboardCmd != "" {
		specs = append(specs, ProcessSpec{
			Name:    "dashboard",
			Command: "sh",
			Args:    []string{"-c", s.cfg.Processes.DashboardCmd},
			Env:     []string{"DASHBOARD_PORT=" + strconv.Itoa(s.cfg.Processes.DashboardPort)},
		})
	}
	if s.cfg.Processes.TrackingUICmd != "" {
		specs = append(specs, ProcessSpec{
			Name:    "tracking-ui",
			Command: "sh",
			Args:    []string{"-c", s.cfg.Processes.TrackingUICmd},
			Env:     []string{"TRACKING_UI_PORT=" + strconv.Itoa(s.cfg.Processes.TrackingUIPort)},
		})
	}

	onRestart := func(name string) {
		if s.metrics != nil {
			s.metrics.SubprocessRestarts.WithLabelValues(name).Inc()
		}
	}

	for _, spec := range specs {
		p := NewProcess(spec, s.logger, onRestart)
		s.children = append(s.children, p)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			p.Run(ctx)
		}()
	}
}

// shutdown drains the HTTP server first so in-flight predictions finish,
// then takes down the children
func (s *Supervisor) shutdown() {
	s.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.API.ShutdownGrace.Std())
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("HTTP drain incomplete", "error", err)
	}

	var wg sync.WaitGroup
	for _, child := range s.children {
		wg.Add(1)
		go func(p *Process) {
			defer wg.Done()
			p.Stop()
		}(child)
	}
	wg.Wait()

	if s.store != nil {
		s.store.Close()
	}
	s.logger.Info("shutdown complete")
}
