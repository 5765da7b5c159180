// Package stager pushes a helper script to the device and runs it under a
// process named STAGER, which the locator then finds in kernel memory.
package stager

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yairfalse/emuroot/internal/device"
	"github.com/yairfalse/emuroot/pkg/resilience"
)

// ProcessName is the name the helper runs under
const ProcessName = "STAGER"

// ErrHelperNotRunning means the helper never showed up in ps
var ErrHelperNotRunning = errors.New("helper process is not running")

var errNotReady = errors.New("helper not visible yet")

// Config holds staging settings
type Config struct {
	// Dir is a writable, executable directory on the device
	Dir string
	// Shell is the binary the STAGER link points at
	Shell string
	// Settle is waited before the first readiness check
	Settle time.Duration
	// Attempts bounds the readiness poll
	Attempts int
	// MaxDelay caps the backoff between readiness checks
	MaxDelay time.Duration

	Clock  resilience.Clock
	Logger *zap.Logger
}

// DefaultConfig returns the staging settings for an emulator image
func DefaultConfig() *Config {
	return &Config{
		Dir:      "/data/local/tmp",
		Shell:    "/system/bin/sh",
		Settle:   5 * time.Second,
		Attempts: 10,
		MaxDelay: 10 * time.Second,
	}
}

// Validate fills unset fields with defaults and checks paths
func (c *Config) Validate() error {
	d := DefaultConfig()
	if c.Dir == "" {
		c.Dir = d.Dir
	}
	if c.Shell == "" {
		c.Shell = d.Shell
	}
	if c.Settle < 0 {
		c.Settle = d.Settle
	}
	if c.Attempts <= 0 {
		c.Attempts = d.Attempts
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.Clock == nil {
		c.Clock = resilience.SystemClock{}
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if err := ValidPath(c.Dir); err != nil {
		return err
	}
	return ValidPath(c.Shell)
}

// Stager stages one helper per run
type Stager struct {
	sh     device.Shell
	config Config
	script string
	link   string
	logger *zap.Logger
}

// New creates a stager with a fresh script name
func New(sh device.Shell, config *Config) (*Stager, error) {
	if config == nil {
		config = DefaultConfig()
	}
	c := *config
	if err := c.Validate(); err != nil {
		return nil, err
	}

	id := uuid.NewString()[:8]
	return &Stager{
		sh:     sh,
		config: c,
		script: path.Join(c.Dir, "load-"+id+".sh"),
		link:   path.Join(c.Dir, ProcessName),
		logger: c.Logger.With(zap.String("run", id)),
	}, nil
}

// ScriptPath is where the helper script is pushed
func (s *Stager) ScriptPath() string { return s.script }

// LinkPath is the STAGER link the script runs through
func (s *Stager) LinkPath() string { return s.link }

// Dir is the staging directory
func (s *Stager) Dir() string { return s.config.Dir }

// Run is a launched helper
type Run struct {
	group  *errgroup.Group
	cancel context.CancelFunc
}

// Start pushes and launches script on an auxiliary goroutine, then blocks
// until the helper is visible in ps. The first check happens only after
// the settle delay.
func (s *Stager) Start(ctx context.Context, script string) (*Run, error) {
	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		return s.pushAndLaunch(gctx, script)
	})

	if err := s.awaitReady(gctx); err != nil {
		cancel()
		if herr := g.Wait(); herr != nil && !errors.Is(herr, context.Canceled) {
			return nil, fmt.Errorf("helper failed: %w", herr)
		}
		return nil, err
	}

	return &Run{group: g, cancel: cancel}, nil
}

func (s *Stager) pushAndLaunch(ctx context.Context, script string) error {
	s.logger.Debug("pushing helper", zap.String("script", s.script), zap.String("link", s.link))

	steps := []string{
		fmt.Sprintf("echo '%s' > %s", script, s.script),
		"chmod 755 " + s.script,
		"rm -f " + s.link,
		fmt.Sprintf("ln -s %s %s", s.config.Shell, s.link),
	}
	for _, step := range steps {
		if _, err := s.sh.Execute(ctx, step); err != nil {
			return fmt.Errorf("failed to stage helper: %w", err)
		}
	}

	s.logger.Info("launching helper", zap.String("process", ProcessName))
	if _, err := s.sh.Execute(ctx, s.link+" "+s.script); err != nil {
		return fmt.Errorf("helper exited with error: %w", err)
	}
	s.logger.Debug("helper exited")
	return nil
}

func (s *Stager) awaitReady(ctx context.Context) error {
	if err := s.config.Clock.Sleep(ctx, s.config.Settle); err != nil {
		return err
	}

	retryer := resilience.NewRetryer(resilience.RetryConfig{
		MaxAttempts:  s.config.Attempts,
		InitialDelay: time.Second,
		MaxDelay:     s.config.MaxDelay,
		Multiplier:   2,
		Clock:        s.config.Clock,
		RetryableChecker: func(err error) bool {
			return errors.Is(err, errNotReady)
		},
		OnRetry: func(attempt int, delay time.Duration, err error) {
			s.logger.Debug("helper not visible yet", zap.Int("attempt", attempt), zap.Duration("next", delay))
		},
	})

	err := retryer.Execute(ctx, func(ctx context.Context) error {
		running, err := device.ProcessRunning(ctx, s.sh, ProcessName)
		if err != nil {
			return err
		}
		if !running {
			return errNotReady
		}
		return nil
	})
	switch {
	case err == nil:
		s.logger.Debug("helper is running")
		return nil
	case errors.Is(err, errNotReady):
		return fmt.Errorf("%w: %s", ErrHelperNotRunning, ProcessName)
	default:
		return err
	}
}

// Wait blocks until the helper exits or ctx is done. On ctx expiry the
// helper is abandoned, not killed.
func (r *Run) Wait(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- r.group.Wait() }()

	select {
	case err := <-done:
		r.cancel()
		return err
	case <-ctx.Done():
		r.cancel()
		return ctx.Err()
	}
}

// Stop abandons the helper goroutine
func (r *Run) Stop() {
	r.cancel()
}

// Cleanup removes the staged script and link
func (s *Stager) Cleanup(ctx context.Context) error {
	s.logger.Debug("removing staged helper")
	if _, err := s.sh.Execute(ctx, fmt.Sprintf("rm -f %s %s", s.script, s.link)); err != nil {
		return fmt.Errorf("failed to remove staged helper: %w", err)
	}
	return nil
}
