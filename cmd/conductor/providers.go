package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/devhaven/conductor/internal/terminal"
)

func newProvidersCmd() *cobra.Command {
	var showModels bool

	cmd := &cobra.Command{
		Use:   "providers",
		Short: "Detect installed provider backends and list their models",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, name := range a.registry.Names() {
				p, err := a.registry.Get(name)
				if err != nil {
					return err
				}

				inst := p.DetectInstallation(cmd.Context())
				state := "not installed"
				switch {
				case inst.Installed && inst.Authenticated:
					state = "installed, authenticated"
				case inst.Installed && inst.HasAPIKey:
					state = "installed, API key set"
				case inst.Installed:
					state = "installed, not authenticated"
				}
				if !a.resolved.Enabled[name] {
					state += " (disabled in config)"
				}

				fmt.Fprintf(out, "%s%s%s: %s", terminal.Color(terminal.Bold), name, terminal.Color(terminal.Reset), state)
				if inst.Version != "" {
					fmt.Fprintf(out, " [%s]", inst.Version)
				}
				fmt.Fprintln(out)
				if inst.Error != "" {
					fmt.Fprintf(out, "  probe: %s\n", inst.Error)
				}

				if !showModels {
					continue
				}
				for _, model := range p.AvailableModels() {
					marker := " "
					if model.Default {
						marker = "*"
					}
					fmt.Fprintf(out, "  %s %s - %s\n", marker, model.ID, model.Label)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&showModels, "models", false, "List each provider's models")
	return cmd
}
