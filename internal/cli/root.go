package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/yairfalse/emuroot/internal/emuroot"
	"github.com/yairfalse/emuroot/pkg/version"
)

var (
	cfgFile string
	verbose int
	timeout int
)

var rootCmd = &cobra.Command{
	Use:   "emuroot",
	Short: "Root a running Android emulator through its gdb stub",
	Long: `emuroot patches kernel credentials of a running Android emulator through
the QEMU gdb stub, without touching the kernel image or needing root first.

Start the emulator with -qemu -s so the stub listens on localhost:1234, and
make sure adb can reach the device.`,
	Version:       version.Get().Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

// ExitCode maps a command error to the process exit status
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, emuroot.ErrProcessNotRunning):
		return 1
	default:
		return 2
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.emuroot.yaml)")
	rootCmd.PersistentFlags().CountVarP(&verbose, "verbose", "V", "increase verbosity (repeatable)")
	rootCmd.PersistentFlags().IntVarP(&timeout, "timeout", "t", 60, "memory search timeout in seconds")
	rootCmd.PersistentFlags().String("gdb", "gdb-multiarch", "gdb binary able to debug the emulator")
	rootCmd.PersistentFlags().String("target", "localhost:1234", "gdb stub endpoint")
	rootCmd.PersistentFlags().StringP("serial", "s", "emulator-5554", "adb serial of the emulator")

	// Bind flags to viper
	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	viper.BindPFlag("timeout", rootCmd.PersistentFlags().Lookup("timeout"))
	viper.BindPFlag("gdb.path", rootCmd.PersistentFlags().Lookup("gdb"))
	viper.BindPFlag("gdb.target", rootCmd.PersistentFlags().Lookup("target"))
	viper.BindPFlag("adb.serial", rootCmd.PersistentFlags().Lookup("serial"))

	// Add subcommands
	rootCmd.AddCommand(singleCmd)
	rootCmd.AddCommand(adbdCmd)
	rootCmd.AddCommand(setuidCmd)
	rootCmd.AddCommand(versionCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error getting home directory: %v\n", err)
			os.Exit(2)
		}

		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".emuroot")
	}

	bindEnv(viper.GetViper())

	if err := viper.ReadInConfig(); err == nil && verbose > 0 {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}

// bindEnv maps nested keys onto EMUROOT_ variables, e.g. gdb.path to
// EMUROOT_GDB_PATH
func bindEnv(v *viper.Viper) {
	v.SetEnvPrefix("EMUROOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}
