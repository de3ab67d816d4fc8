package main

import (
	"github.com/spf13/cobra"
)

const defaultConfigPath = "singletond.toml"

func newRootCommand() *cobra.Command {
	var configFlag string

	rootCmd := &cobra.Command{
		Use:           "singletond",
		Short:         "Keep one instance of each singleton running across a cluster",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", defaultConfigPath, "Configuration file path")

	rootCmd.AddCommand(newRunCommand(&configFlag))
	rootCmd.AddCommand(newValidateCommand(&configFlag))
	rootCmd.AddCommand(newStatusCommand())

	return rootCmd
}
