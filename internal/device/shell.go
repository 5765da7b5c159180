// Package device runs shell commands on the emulator through adb.
package device

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	adb "github.com/zach-klippenstein/goadb"
	"go.uber.org/zap"
)

// Shell executes one command on the device and returns its output
type Shell interface {
	Execute(ctx context.Context, command string) (string, error)
}

// ADBConfig locates the adb server and the emulator
type ADBConfig struct {
	// PathToAdb is the adb binary used to start the server; empty
	// means look it up in PATH
	PathToAdb string
	Host      string
	Port      int
	Serial    string
	Logger    *zap.Logger
}

// DefaultADBConfig returns the settings for the first local emulator
func DefaultADBConfig() *ADBConfig {
	return &ADBConfig{
		Host:   "127.0.0.1",
		Port:   adb.AdbPort,
		Serial: "emulator-5554",
	}
}

// ADBShell is a Shell backed by an adb server connection
type ADBShell struct {
	device *adb.Device
	serial string
	logger *zap.Logger
}

// NewADBShell connects to the adb server. The device itself is contacted
// on the first command.
func NewADBShell(config *ADBConfig) (*ADBShell, error) {
	if config == nil {
		config = DefaultADBConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := adb.NewWithConfig(adb.ServerConfig{
		PathToAdb: config.PathToAdb,
		Host:      config.Host,
		Port:      config.Port,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create adb client: %w", err)
	}

	return &ADBShell{
		device: client.Device(adb.DeviceWithSerial(config.Serial)),
		serial: config.Serial,
		logger: logger,
	}, nil
}

// Execute runs command through "adb shell". The adb client has no
// cancellation, so a cancelled call returns early and the command keeps
// running on the device.
func (s *ADBShell) Execute(ctx context.Context, command string) (string, error) {
	s.logger.Debug("adb shell", zap.String("serial", s.serial), zap.String("command", command))

	type reply struct {
		out string
		err error
	}
	done := make(chan reply, 1)
	go func() {
		out, err := s.device.RunCommand(command)
		done <- reply{out, err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-done:
		if r.err != nil {
			return r.out, fmt.Errorf("adb shell %q on %s: %w", command, s.serial, r.err)
		}
		return r.out, nil
	}
}

// ProcessRunning reports whether ps lists a process whose name, or the
// base name of its path, equals name
func ProcessRunning(ctx context.Context, sh Shell, name string) (bool, error) {
	out, err := sh.Execute(ctx, "ps")
	if err != nil {
		return false, fmt.Errorf("failed to list processes: %w", err)
	}

	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		last := fields[len(fields)-1]
		if last == name || path.Base(last) == name {
			return true, nil
		}
	}
	return false, nil
}

// KernelRelease returns uname -r of the device
func KernelRelease(ctx context.Context, sh Shell) (string, error) {
	out, err := sh.Execute(ctx, "uname -r")
	if err != nil {
		return "", fmt.Errorf("failed to read kernel release: %w", err)
	}
	release := strings.TrimSpace(out)
	if release == "" {
		return "", errors.New("device reported an empty kernel release")
	}
	return release, nil
}
