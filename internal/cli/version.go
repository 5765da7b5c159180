package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yairfalse/emuroot/pkg/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show emuroot version information",
	Run: func(cmd *cobra.Command, args []string) {
		info := version.Get()
		fmt.Fprintf(cmd.OutOrStdout(), "emuroot %s\n", info.Version)
		fmt.Fprintf(cmd.OutOrStdout(), "Git Commit: %s\n", info.GitCommit)
		fmt.Fprintf(cmd.OutOrStdout(), "Build Date: %s\n", info.BuildTime)
		fmt.Fprintf(cmd.OutOrStdout(), "Go: %s %s\n", info.GoVersion, info.Platform)
	},
}
