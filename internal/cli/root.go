// Package cli implements the papert-claw command line interface.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/azharlabs/papert-claw/internal/config"
	"github.com/azharlabs/papert-claw/pkg/logger"
)

var (
	cfgPath string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "papert-claw",
	Short: "Supervisor daemon for conversational agent workspaces",
	Long: "papert-claw runs one agent workspace per chat channel: it serializes\n" +
		"interactive runs per channel, keeps a long-lived scheduler session per\n" +
		"workspace, and routes scheduled-job output back to the channel that\n" +
		"created each job.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if cfgPath == "" {
			p, err := config.DefaultConfigPath()
			if err != nil {
				return err
			}
			cfgPath = p
		}
		var err error
		if cfg, err = config.Load(cfgPath); err != nil {
			return err
		}
		return logger.Init(cfg.Log)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file path (default ~/.papert-claw/config.yaml)")
}

// Execute runs the CLI.
func Execute() error {
	defer logger.Close()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(rootCmd.ErrOrStderr(), "Error:", err)
		return err
	}
	return nil
}
