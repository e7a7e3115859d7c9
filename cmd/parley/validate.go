package main

import (
	"github.com/spf13/cobra"

	"github.com/aretw0/parley/internal/cli"
)

var validateCmd = &cobra.Command{
	Use:   "validate [dir]",
	Short: "Compile every agent definition",
	Long:  `Loads and compiles every definition in the agents directory and reports the ones that fail.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if len(args) > 0 {
			cfg.Agents.Dir = args[0]
		}

		rt, err := cli.NewRuntime(cfg, logger, false)
		if err != nil {
			return err
		}
		defer rt.Close()

		return cli.RunValidate(cmd.Context(), rt.Engine, cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
