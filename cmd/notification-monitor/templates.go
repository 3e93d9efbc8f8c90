package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newTemplatesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "templates",
		Short: "Inspect message templates",
	}

	var dir string
	check := &cobra.Command{
		Use:   "check",
		Short: "Load every template and report the first load error",
		RunE: func(cmd *cobra.Command, _ []string) error {
			registry, err := loadRegistry(dir)
			if err != nil {
				return err
			}

			source := dir
			if source == "" {
				source = "embedded"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d templates OK (%s)\n", len(registry.Names()), source)
			for _, name := range registry.Names() {
				tmpl, _ := registry.Get(name)
				fmt.Fprintf(cmd.OutOrStdout(), "  %s@%s required=[%s]\n", name, tmpl.Version(), strings.Join(tmpl.Required(), ","))
			}
			return nil
		},
	}
	check.Flags().StringVar(&dir, "dir", "", "template directory (default: templates embedded in the binary)")

	cmd.AddCommand(check)
	return cmd
}
