package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/azharlabs/papert-claw/internal/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if _, err := os.Stat(cfgPath); err == nil && !initForce {
			return fmt.Errorf("%s already exists, use --force to overwrite", cfgPath)
		}

		defaults := config.Default()
		if err := config.Save(defaults, cfgPath); err != nil {
			return err
		}
		if err := os.MkdirAll(defaults.Workspaces.Root, 0755); err != nil {
			return fmt.Errorf("create workspaces root: %w", err)
		}

		fmt.Fprintln(cmd.OutOrStdout(), "wrote", cfgPath)
		fmt.Fprintln(cmd.OutOrStdout(), "workspaces root:", defaults.Workspaces.Root)
		return nil
	},
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config file")
	rootCmd.AddCommand(initCmd)
}
