// Package emuroot sequences staging, descriptor lookup, ancestor walk and
// credential patching into the three escalation modes.
package emuroot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/yairfalse/emuroot/internal/device"
	"github.com/yairfalse/emuroot/internal/gdbstub"
	"github.com/yairfalse/emuroot/internal/kernel"
	"github.com/yairfalse/emuroot/internal/locator"
	"github.com/yairfalse/emuroot/internal/patcher"
	"github.com/yairfalse/emuroot/internal/stager"
	"github.com/yairfalse/emuroot/internal/walker"
)

// DaemonName is the ancestor whose credentials the staged modes patch
const DaemonName = "adbd"

// ErrProcessNotRunning means a process the mode depends on is absent
var ErrProcessNotRunning = errors.New("required process is not running")

// Channel is an attached debug session
type Channel interface {
	gdbstub.Reader
	gdbstub.Writer
	gdbstub.Searcher
	Disconnect() error
}

// Dialer opens a debug session
type Dialer func(ctx context.Context) (Channel, error)

// Config wires the orchestrator to its collaborators
type Config struct {
	Shell device.Shell
	Dial  Dialer

	// Profiles defaults to the built-in kernel table
	Profiles *kernel.Table
	Stager   *stager.Config

	LocatorPolicy        locator.Policy
	MaxHops              int
	EnforcementAddresses []uint32
	// HelperTimeout bounds the wait for the helper to exit after patching
	HelperTimeout time.Duration

	Logger *zap.Logger
}

// Orchestrator runs one mode invocation
type Orchestrator struct {
	config Config
	logger *zap.Logger

	mu      sync.Mutex
	mode    Mode
	state   State
	history []State

	profileOnce sync.Once
	profile     kernel.Profile
	profileErr  error
}

// New validates config and creates an orchestrator
func New(config *Config) (*Orchestrator, error) {
	if config == nil || config.Shell == nil || config.Dial == nil {
		return nil, errors.New("orchestrator needs a shell and a dialer")
	}
	c := *config
	if c.Profiles == nil {
		c.Profiles = kernel.DefaultTable()
	}
	if c.Stager == nil {
		c.Stager = stager.DefaultConfig()
	}
	if c.LocatorPolicy == "" {
		c.LocatorPolicy = locator.PolicyLast
	}
	if c.HelperTimeout <= 0 {
		c.HelperTimeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Stager.Logger == nil {
		sc := *c.Stager
		sc.Logger = c.Logger.Named("stager")
		c.Stager = &sc
	}

	return &Orchestrator{
		config:  c,
		logger:  c.Logger,
		state:   StateIdle,
		history: []State{StateIdle},
	}, nil
}

// State returns the current state
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// History returns every state entered, in order
func (o *Orchestrator) History() []State {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]State, len(o.history))
	copy(out, o.history)
	return out
}

func (o *Orchestrator) begin(mode Mode) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != StateIdle {
		return fmt.Errorf("orchestrator already ran (state %s)", o.state)
	}
	o.mode = mode
	return nil
}

func (o *Orchestrator) transition(to State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !canTransition(o.mode, o.state, to) {
		panic(fmt.Sprintf("invalid %s transition %s -> %s", o.mode, o.state, to))
	}
	o.logger.Debug("state transition",
		zap.String("mode", string(o.mode)),
		zap.Stringer("from", o.state),
		zap.Stringer("to", to))
	o.state = to
	o.history = append(o.history, to)
}

func (o *Orchestrator) fail(err error) error {
	o.transition(StateFailed)
	return err
}

// Profile resolves the kernel layout from the device's release string.
// The result is fixed for the lifetime of the orchestrator.
func (o *Orchestrator) Profile(ctx context.Context) (kernel.Profile, error) {
	o.profileOnce.Do(func() {
		release, err := device.KernelRelease(ctx, o.config.Shell)
		if err != nil {
			o.profileErr = err
			return
		}
		o.profile, o.profileErr = o.config.Profiles.Resolve(release)
		if o.profileErr == nil {
			o.logger.Info("kernel profile resolved",
				zap.String("release", release),
				zap.String("profile", o.profile.Name),
				zap.String("offset_to_name", fmt.Sprintf("%#x", o.profile.OffsetToName)),
				zap.String("offset_to_parent", fmt.Sprintf("%#x", o.profile.OffsetToParent)))
		}
	})
	return o.profile, o.profileErr
}

// session bundles the components bound to one channel and profile
type session struct {
	ch      Channel
	profile kernel.Profile
	locator *locator.Locator
	walker  *walker.Walker
	patcher *patcher.Patcher
}

func (o *Orchestrator) open(ctx context.Context, profile kernel.Profile) (*session, error) {
	o.logger.Info("attaching to debug stub")
	ch, err := o.config.Dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to attach to debug stub: %w", err)
	}
	return &session{
		ch:      ch,
		profile: profile,
		locator: locator.New(ch, profile, &locator.Config{
			Policy: o.config.LocatorPolicy,
			Logger: o.logger.Named("locator"),
		}),
		walker: walker.New(ch, profile, &walker.Config{
			MaxHops: o.config.MaxHops,
			Logger:  o.logger.Named("walker"),
		}),
		patcher: patcher.New(ch, &patcher.Config{
			EnforcementAddresses: o.config.EnforcementAddresses,
			Logger:               o.logger.Named("patcher"),
		}),
	}, nil
}

// ownCred reads the credential pointer of the descriptor at base
func (s *session) ownCred(ctx context.Context, base uint32) (uint32, error) {
	cred, err := s.ch.Read(ctx, base+s.profile.OffsetToName-8)
	if err != nil {
		return 0, fmt.Errorf("failed to read credential pointer: %w", err)
	}
	return cred, nil
}

func (s *session) rootAndCapabilities(ctx context.Context, cred uint32) error {
	if err := s.patcher.SetRootIDs(ctx, cred, true); err != nil {
		return err
	}
	return s.patcher.SetFullCapabilities(ctx, cred)
}

// Single elevates the process called name in place
func (o *Orchestrator) Single(ctx context.Context, name string) error {
	if err := o.begin(ModeSingle); err != nil {
		return err
	}
	logger := o.logger.With(zap.String("mode", string(ModeSingle)), zap.String("process", name))

	profile, err := o.Profile(ctx)
	if err != nil {
		return o.fail(err)
	}

	logger.Info("checking target process")
	running, err := device.ProcessRunning(ctx, o.config.Shell, name)
	if err != nil {
		return o.fail(err)
	}
	if !running {
		logger.Error("target process is not running")
		return o.fail(fmt.Errorf("%w: %s", ErrProcessNotRunning, name))
	}

	s, err := o.open(ctx, profile)
	if err != nil {
		return o.fail(err)
	}
	defer s.ch.Disconnect()

	logger.Info("locating process descriptor")
	base, err := s.locator.Locate(ctx, name)
	if err != nil {
		return o.fail(err)
	}
	o.transition(StateLocated)

	cred, err := s.ownCred(ctx, base)
	if err != nil {
		return o.fail(err)
	}
	logger.Info("patching credentials", zap.String("cred", fmt.Sprintf("0x%08x", cred)))
	if err := s.rootAndCapabilities(ctx, cred); err != nil {
		return o.fail(err)
	}
	o.transition(StatePatched)

	logger.Info("disabling SELinux enforcement")
	if err := s.patcher.DisableEnforcement(ctx); err != nil {
		return o.fail(err)
	}
	if err := s.ch.Disconnect(); err != nil {
		logger.Warn("detach failed", zap.Error(err))
	}
	o.transition(StateDisabled)
	return nil
}

// Setuid installs a setuid-root copy of the device shell at path,
// relative to the staging directory unless absolute
func (o *Orchestrator) Setuid(ctx context.Context, path string) error {
	if err := o.begin(ModeSetuid); err != nil {
		return err
	}

	target := stager.ResolvePath(o.config.Stager.Dir, path)
	if err := stager.ValidPath(target); err != nil {
		return o.fail(err)
	}
	o.logger.Info("installing setuid shell", zap.String("path", target))

	return o.staged(ctx, ModeSetuid, stager.SetuidScript(target), func(ctx context.Context, s *session, daemonCred uint32) error {
		return s.patcher.SetFullCapabilities(ctx, daemonCred)
	})
}

// Adbd elevates the adb daemon. With stealth its effective ids are left
// alone.
func (o *Orchestrator) Adbd(ctx context.Context, stealth bool) error {
	if err := o.begin(ModeAdbd); err != nil {
		return err
	}

	probe := stager.ResolvePath(o.config.Stager.Dir, "probe")
	o.logger.Info("elevating adbd", zap.Bool("stealth", stealth))

	return o.staged(ctx, ModeAdbd, stager.ProbeScript(probe), func(ctx context.Context, s *session, daemonCred uint32) error {
		if err := s.patcher.SetFullCapabilities(ctx, daemonCred); err != nil {
			return err
		}
		return s.patcher.SetRootIDs(ctx, daemonCred, !stealth)
	})
}

// staged runs the helper-based flow shared by setuid and adbd. patchDaemon
// applies the mode-specific patch to the daemon's credentials.
func (o *Orchestrator) staged(ctx context.Context, mode Mode, script string,
	patchDaemon func(ctx context.Context, s *session, daemonCred uint32) error) error {
	logger := o.logger.With(zap.String("mode", string(mode)))

	profile, err := o.Profile(ctx)
	if err != nil {
		return o.fail(err)
	}

	st, err := stager.New(o.config.Shell, o.config.Stager)
	if err != nil {
		return o.fail(err)
	}

	o.transition(StateStaging)
	logger.Info("staging helper", zap.String("script", st.ScriptPath()))
	run, err := st.Start(ctx, script)
	if err != nil {
		if errors.Is(err, stager.ErrHelperNotRunning) {
			logger.Error("helper process is not running")
			return o.fail(fmt.Errorf("%w: %v", ErrProcessNotRunning, err))
		}
		return o.fail(err)
	}
	defer run.Stop()

	abandon := func(err error) error {
		logger.Warn("run aborted; staged files left on device",
			zap.String("script", st.ScriptPath()),
			zap.String("link", st.LinkPath()))
		return o.fail(err)
	}

	s, err := o.open(ctx, profile)
	if err != nil {
		return abandon(err)
	}
	defer s.ch.Disconnect()

	logger.Info("locating helper descriptor")
	helper, err := s.locator.Locate(ctx, stager.ProcessName)
	if err != nil {
		return abandon(err)
	}
	o.transition(StateLocated)

	logger.Info("walking process hierarchy", zap.String("target", DaemonName))
	res, err := s.walker.FindAncestorByName(ctx, helper, DaemonName)
	if err != nil {
		return abandon(err)
	}
	if err := res.Err(); err != nil {
		return abandon(fmt.Errorf("%s from %s after %d hops: %w", DaemonName, stager.ProcessName, res.Hops, err))
	}
	logger.Info("daemon credentials found", zap.String("cred", fmt.Sprintf("0x%08x", res.Cred)))

	if err := patchDaemon(ctx, s, res.Cred); err != nil {
		return abandon(err)
	}

	helperCred, err := s.ownCred(ctx, helper)
	if err != nil {
		return abandon(err)
	}
	logger.Info("patching helper credentials", zap.String("cred", fmt.Sprintf("0x%08x", helperCred)))
	if err := s.rootAndCapabilities(ctx, helperCred); err != nil {
		return abandon(err)
	}

	logger.Info("disabling SELinux enforcement")
	if err := s.patcher.DisableEnforcement(ctx); err != nil {
		return abandon(err)
	}
	if err := s.ch.Disconnect(); err != nil {
		logger.Warn("detach failed", zap.Error(err))
	}
	o.transition(StatePatched)

	waitCtx, cancel := context.WithTimeout(ctx, o.config.HelperTimeout)
	defer cancel()
	if err := run.Wait(waitCtx); err != nil {
		logger.Warn("helper did not finish cleanly", zap.Error(err))
	}

	if err := st.Cleanup(ctx); err != nil {
		return o.fail(err)
	}
	o.transition(StateCleaned)
	logger.Info("done")
	return nil
}
