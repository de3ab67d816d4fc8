package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/singletonkit/config"
)

func newValidateCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check a node configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Configuration valid: %d singleton(s), backend %s\n", len(cfg.Singletons), cfg.Backend.Kind)

			rows := make([][]string, 0, len(cfg.Singletons))
			for _, s := range cfg.Singletons {
				rows = append(rows, []string{s.Name, s.Kind, strings.Join(s.Args, " "), s.LocalIdentity})
			}
			fmt.Fprintln(out, renderTable([]string{"Name", "Kind", "Args", "Local identity"}, rows))
			return nil
		},
	}
}
