package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/yairfalse/emuroot/internal/config"
	"github.com/yairfalse/emuroot/internal/device"
	"github.com/yairfalse/emuroot/internal/emuroot"
	"github.com/yairfalse/emuroot/internal/gdbstub"
	"github.com/yairfalse/emuroot/internal/kernel"
	"github.com/yairfalse/emuroot/internal/locator"
	"github.com/yairfalse/emuroot/internal/stager"
)

var (
	magicName  string
	stealth    bool
	setuidPath string
)

var singleCmd = &cobra.Command{
	Use:   "single",
	Short: "Elevate the privileges of one running process",
	Long: `single finds the named process in kernel memory, gives it root ids and
every capability, and switches SELinux to permissive.`,
	Example: `  # Root the app process com.example.magic
  emuroot single --magic-name com.example.magic`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMode(cmd.Context(), func(ctx context.Context, o *emuroot.Orchestrator) error {
			return o.Single(ctx, magicName)
		})
	},
}

var adbdCmd = &cobra.Command{
	Use:   "adbd",
	Short: "Elevate the privileges of adbd",
	Long: `adbd stages a helper under adbd, walks up to the daemon's descriptor and
gives adbd root ids and every capability. With --stealth the effective ids
are left unchanged.`,
	Example: `  emuroot adbd
  emuroot adbd --stealth`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMode(cmd.Context(), func(ctx context.Context, o *emuroot.Orchestrator) error {
			return o.Adbd(ctx, stealth)
		})
	},
}

var setuidCmd = &cobra.Command{
	Use:   "setuid",
	Short: "Create a setuid-root shell on the device",
	Long: `setuid stages a helper that copies /system/bin/sh to PATH, elevates the
helper, and lets it chown the copy to root and set its setuid bit.
Relative paths are placed in the staging directory.`,
	Example: `  emuroot setuid --path rootsh
  adb shell /data/local/tmp/rootsh`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMode(cmd.Context(), func(ctx context.Context, o *emuroot.Orchestrator) error {
			return o.Setuid(ctx, setuidPath)
		})
	},
}

func init() {
	singleCmd.Flags().StringVar(&magicName, "magic-name", "", "name of the process to look for in memory")
	singleCmd.MarkFlagRequired("magic-name")

	adbdCmd.Flags().BoolVar(&stealth, "stealth", false, "leave adbd's effective ids unchanged")

	setuidCmd.Flags().StringVar(&setuidPath, "path", "", "path of the setuid shell to create")
	setuidCmd.MarkFlagRequired("path")
}

func runMode(ctx context.Context, run func(context.Context, *emuroot.Orchestrator) error) error {
	cfg, err := config.FromViper(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Verbose)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	orch, err := newOrchestrator(cfg, logger)
	if err != nil {
		return err
	}

	if err := run(ctx, orch); err != nil {
		logger.Error("emuroot stopped", zap.Error(err), zap.Stringer("state", orch.State()))
		return err
	}
	return nil
}

// newOrchestrator wires the adb shell, debug channel and kernel profiles
// described by cfg
func newOrchestrator(cfg *config.Config, logger *zap.Logger) (*emuroot.Orchestrator, error) {
	shell, err := device.NewADBShell(&device.ADBConfig{
		PathToAdb: cfg.ADB.Path,
		Host:      cfg.ADB.Host,
		Port:      cfg.ADB.Port,
		Serial:    cfg.ADB.Serial,
		Logger:    logger.Named("adb"),
	})
	if err != nil {
		return nil, err
	}

	profiles := kernel.DefaultTable()
	if cfg.Kernel.Profiles != "" {
		if profiles, err = kernel.LoadTable(cfg.Kernel.Profiles); err != nil {
			return nil, err
		}
	}

	policy, err := locator.ParsePolicy(cfg.Locator.Policy)
	if err != nil {
		return nil, err
	}
	addrs, err := cfg.EnforcementAddresses()
	if err != nil {
		return nil, err
	}

	gdbConfig := &gdbstub.Config{
		GDBPath:       cfg.GDB.Path,
		Target:        cfg.GDB.Target,
		SearchTimeout: cfg.SearchTimeout(),
		Logger:        logger.Named("gdb"),
	}

	return emuroot.New(&emuroot.Config{
		Shell: shell,
		Dial: func(ctx context.Context) (emuroot.Channel, error) {
			ch, err := gdbstub.Dial(ctx, gdbConfig)
			if err != nil {
				return nil, err
			}
			return ch, nil
		},
		Profiles: profiles,
		Stager: &stager.Config{
			Dir:      cfg.Staging.Dir,
			Settle:   cfg.Staging.Settle,
			Attempts: cfg.Staging.Attempts,
			MaxDelay: cfg.Staging.MaxDelay,
		},
		LocatorPolicy:        policy,
		MaxHops:              cfg.Walker.MaxHops,
		EnforcementAddresses: addrs,
		HelperTimeout:        cfg.Staging.HelperTimeout,
		Logger:               logger,
	})
}
