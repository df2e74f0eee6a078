package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/crosstalk-dev/crosstalk/internal/config"
	"github.com/crosstalk-dev/crosstalk/internal/typ"
)

// BackendCommand groups the backend management subcommands.
func BackendCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backend",
		Short: "Manage upstream backends",
	}
	cmd.AddCommand(backendAddCommand(cfg))
	cmd.AddCommand(backendListCommand(cfg))
	cmd.AddCommand(backendRemoveCommand(cfg))
	cmd.AddCommand(backendSetEnabledCommand(cfg, true))
	cmd.AddCommand(backendSetEnabledCommand(cfg, false))
	return cmd
}

func backendAddCommand(cfg *config.Config) *cobra.Command {
	var model string
	var images, noTools, disabled, makeDefault bool

	cmd := &cobra.Command{
		Use:   "add <name> <base-url> [token] [api-style]",
		Short: "Add a backend",
		Long: `Add an upstream backend. The API style is "openai" (requests are
translated) or "anthropic" (requests pass through); it defaults to openai.

Examples:
  crosstalk backend add local http://localhost:11434/v1
  crosstalk backend add claude https://api.anthropic.com sk-ant-xxx anthropic`,
		Args: cobra.RangeArgs(2, 4),
		RunE: func(cmd *cobra.Command, args []string) error {
			be := &typ.Backend{
				Name:         args[0],
				BaseURL:      args[1],
				Model:        model,
				Enabled:      !disabled,
				Capabilities: typ.DefaultCapabilities(),
			}
			if len(args) > 2 {
				be.Token = args[2]
			}
			if len(args) > 3 {
				style, err := parseAPIStyle(args[3])
				if err != nil {
					return err
				}
				be.APIStyle = style
			}
			be.Capabilities.SupportsImages = images
			if noTools {
				be.Capabilities.SupportsTools = false
			}

			if err := cfg.AddBackend(be); err != nil {
				return fmt.Errorf("failed to add backend: %w", err)
			}
			// The first backend becomes the default so a fresh install
			// routes somewhere.
			if makeDefault || cfg.GetDefaultBackend() == "" {
				if err := cfg.SetDefaultBackend(be.UUID); err != nil {
					return fmt.Errorf("failed to set default backend: %w", err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added backend %q (%s)\n", be.Name, be.Style())
			return nil
		},
	}

	cmd.Flags().StringVar(&model, "model", "", "Override the requested model for this backend")
	cmd.Flags().BoolVar(&images, "images", false, "Backend accepts image content")
	cmd.Flags().BoolVar(&noTools, "no-tools", false, "Strip tool definitions for this backend")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "Add the backend without enabling it")
	cmd.Flags().BoolVar(&makeDefault, "default", false, "Make this the default backend")
	return cmd
}

func backendListCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured backends",
		RunE: func(cmd *cobra.Command, args []string) error {
			backends := cfg.ListBackends()
			if len(backends) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No backends configured. Use 'crosstalk backend add' to add one.")
				return nil
			}

			defaultUUID := ""
			if ref := cfg.GetDefaultBackend(); ref != "" {
				if be, err := cfg.ResolveBackend(ref); err == nil {
					defaultUUID = be.UUID
				}
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tBASE URL\tSTYLE\tMODEL\tENABLED\tDEFAULT")
			for _, be := range backends {
				enabled := "no"
				if be.Enabled {
					enabled = "yes"
				}
				model := be.Model
				if model == "" {
					model = "-"
				}
				def := ""
				if be.UUID == defaultUUID {
					def = "*"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					be.Name, be.BaseURL, be.Style(), model, enabled, def)
			}
			return w.Flush()
		},
	}
}

func backendRemoveCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <name>",
		Short: "Remove a backend",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			be, err := cfg.ResolveBackend(args[0])
			if err != nil {
				return err
			}
			if err := cfg.DeleteBackend(be.UUID); err != nil {
				return fmt.Errorf("failed to remove backend: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed backend %q\n", be.Name)
			return nil
		},
	}
}

func backendSetEnabledCommand(cfg *config.Config, enable bool) *cobra.Command {
	verb, short := "enable", "Enable a backend"
	if !enable {
		verb, short = "disable", "Disable a backend"
	}
	return &cobra.Command{
		Use:   verb + " <name>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			be, err := cfg.ResolveBackend(args[0])
			if err != nil {
				return err
			}
			updated := *be
			updated.Enabled = enable
			if err := cfg.UpdateBackend(be.UUID, &updated); err != nil {
				return fmt.Errorf("failed to %s backend: %w", verb, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Backend %q %sd\n", updated.Name, verb)
			return nil
		},
	}
}

func parseAPIStyle(s string) (typ.APIStyle, error) {
	switch strings.ToLower(s) {
	case "openai":
		return typ.APIStyleOpenAI, nil
	case "anthropic":
		return typ.APIStyleAnthropic, nil
	default:
		return "", fmt.Errorf("invalid API style %q: expected openai or anthropic", s)
	}
}
