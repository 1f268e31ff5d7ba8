package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is injected at build time via -ldflags.
var Version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the papert-claw version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "papert-claw", Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
