package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/gobwas/glob"
	"github.com/spf13/cobra"

	"github.com/crosstalk-dev/crosstalk/internal/config"
	"github.com/crosstalk-dev/crosstalk/internal/typ"
)

// RouteCommand groups the routing table subcommands.
func RouteCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "route",
		Short: "Manage model routing rules",
		Long: `Routing rules map requested model names onto backends. Patterns are
globs ("claude-*", "gpt-4?") checked in order; the first match wins and
unmatched models fall back to the default backend.`,
	}
	cmd.AddCommand(routeAddCommand(cfg))
	cmd.AddCommand(routeListCommand(cfg))
	cmd.AddCommand(routeRemoveCommand(cfg))
	cmd.AddCommand(routeDefaultCommand(cfg))
	return cmd
}

func routeAddCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "add <pattern> <backend>",
		Short: "Append a routing rule",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pattern := args[0]
			if _, err := glob.Compile(pattern); err != nil {
				return fmt.Errorf("invalid pattern %q: %w", pattern, err)
			}
			be, err := cfg.ResolveBackend(args[1])
			if err != nil {
				return err
			}

			routes := append(cfg.GetRoutes(), typ.Route{Pattern: pattern, BackendUUID: be.UUID})
			if err := cfg.SetRoutes(routes); err != nil {
				return fmt.Errorf("failed to save routes: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Route %q -> %q added\n", pattern, be.Name)
			return nil
		},
	}
}

func routeListCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List routing rules in evaluation order",
		RunE: func(cmd *cobra.Command, args []string) error {
			routes := cfg.GetRoutes()
			out := cmd.OutOrStdout()
			if len(routes) == 0 {
				fmt.Fprintln(out, "No routes configured; everything goes to the default backend.")
			} else {
				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "#\tPATTERN\tBACKEND")
				for i, route := range routes {
					name := route.BackendUUID
					if be, err := cfg.GetBackendByUUID(route.BackendUUID); err == nil {
						name = be.Name
					}
					fmt.Fprintf(w, "%d\t%s\t%s\n", i+1, route.Pattern, name)
				}
				w.Flush()
			}

			if ref := cfg.GetDefaultBackend(); ref != "" {
				name := ref
				if be, err := cfg.ResolveBackend(ref); err == nil {
					name = be.Name
				}
				fmt.Fprintf(out, "\nDefault backend: %s\n", name)
			} else {
				fmt.Fprintln(out, "\nNo default backend set.")
			}
			return nil
		},
	}
}

func routeRemoveCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <pattern>",
		Short: "Remove the first rule with the given pattern",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			routes := cfg.GetRoutes()
			for i, route := range routes {
				if route.Pattern != args[0] {
					continue
				}
				routes = append(routes[:i], routes[i+1:]...)
				if err := cfg.SetRoutes(routes); err != nil {
					return fmt.Errorf("failed to save routes: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Route %q removed\n", args[0])
				return nil
			}
			return fmt.Errorf("no route with pattern %q", args[0])
		},
	}
}

func routeDefaultCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "default <backend>",
		Short: "Set the default backend for unmatched models",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			be, err := cfg.ResolveBackend(args[0])
			if err != nil {
				return err
			}
			if err := cfg.SetDefaultBackend(be.UUID); err != nil {
				return fmt.Errorf("failed to set default backend: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Default backend is now %q\n", be.Name)
			return nil
		},
	}
}
