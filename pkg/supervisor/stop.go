package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/mlopslab/taxi-predictor/pkg/logging"
)

// StopController turns SIGINT/SIGTERM or the appearance of a stop file
// into a single ordered shutdown. Callbacks run once, in registration
// order, on whichever trigger fires first.
type StopController struct {
	stopFile     string
	pollInterval time.Duration
	logger       *logging.Logger

	stopCh    chan struct{}
	mu        sync.Mutex
	stopped   bool
	callbacks []func()
}

// StopConfig configures shutdown triggers
type StopConfig struct {
	// StopFile is polled for existence; empty disables file watching
	StopFile     string
	PollInterval time.Duration
}

// NewStopController creates a controller; call Start to arm it
func NewStopController(cfg StopConfig, logger *logging.Logger) *StopController {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Second
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &StopController{
		stopFile:     cfg.StopFile,
		pollInterval: cfg.PollInterval,
		logger:       logger,
		stopCh:       make(chan struct{}),
	}
}

// Start arms the signal handler and, when configured, the stop file watch
func (c *StopController) Start(ctx context.Context) {
	go c.watchSignals(ctx)
	if c.stopFile != "" {
		go c.watchStopFile(ctx)
	}
}

func (c *StopController) watchSignals(ctx context.Context) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-ctx.Done():
	case sig := <-sigCh:
		c.Trigger(fmt.Sprintf("signal %v", sig))
	}
}

func (c *StopController) watchStopFile(ctx context.Context) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := os.Stat(c.stopFile); err == nil {
				c.Trigger("stop file " + c.stopFile)
				return
			}
		}
	}
}

// Trigger initiates shutdown. Idempotent.
func (c *StopController) Trigger(reason string) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	callbacks := c.callbacks
	close(c.stopCh)
	c.mu.Unlock()

	c.logger.Info("shutdown triggered", "reason", reason)
	for _, cb := range callbacks {
		cb()
	}
}

// OnStop registers a callback to run when shutdown triggers
func (c *StopController) OnStop(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks = append(c.callbacks, cb)
}

// Done returns a channel closed once shutdown has triggered
func (c *StopController) Done() <-chan struct{} {
	return c.stopCh
}

// Stopped reports whether shutdown has triggered
func (c *StopController) Stopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}
