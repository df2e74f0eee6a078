package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/crosstalk-dev/crosstalk/internal/auth"
	"github.com/crosstalk-dev/crosstalk/internal/config"
)

// TokenCommand mints API keys for inbound authentication.
func TokenCommand(cfg *config.Config) *cobra.Command {
	var ttl time.Duration
	var enable, disable bool

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an API key for inbound authentication",
		Long: `Generate an API key clients use against this proxy. Keys carry the
"` + auth.KeyPrefix + `" prefix and are signed with the secret in the config file,
so they survive restarts. Pass a key in x-api-key or as
'Authorization: Bearer <key>'.

Keys are only checked while inbound auth is enabled; use --enable to
turn enforcement on.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			if enable && disable {
				return fmt.Errorf("--enable and --disable are mutually exclusive")
			}
			if disable {
				if err := cfg.SetAuthEnabled(false); err != nil {
					return fmt.Errorf("failed to disable auth: %w", err)
				}
				fmt.Fprintln(out, "Inbound auth disabled. Requests no longer need a key.")
				return nil
			}
			if enable {
				if err := cfg.SetAuthEnabled(true); err != nil {
					return fmt.Errorf("failed to enable auth: %w", err)
				}
			}

			key, err := auth.NewManager(cfg.JWTSecret()).GenerateAPIKey("cli", ttl)
			if err != nil {
				return fmt.Errorf("failed to generate API key: %w", err)
			}

			fmt.Fprintln(out, "Generated API key:")
			fmt.Fprintln(out, key)
			fmt.Fprintln(out)
			fmt.Fprintln(out, "Usage in requests:")
			fmt.Fprintln(out, "  x-api-key:", key)
			fmt.Fprintln(out, "  Authorization: Bearer", key)
			if !cfg.GetAuth().Enabled {
				fmt.Fprintln(out)
				fmt.Fprintln(out, "Note: inbound auth is currently off; keys are not checked.")
				fmt.Fprintln(out, "Run 'crosstalk token --enable' to enforce them.")
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Key lifetime (0 = no expiry)")
	cmd.Flags().BoolVar(&enable, "enable", false, "Also turn on inbound auth enforcement")
	cmd.Flags().BoolVar(&disable, "disable", false, "Turn off inbound auth enforcement (mints no key)")
	return cmd
}
