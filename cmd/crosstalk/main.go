package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/crosstalk-dev/crosstalk/internal/cli"
	"github.com/crosstalk-dev/crosstalk/internal/config"
)

// Build metadata, set by the linker:
//
//	-ldflags "-X main.version=v0.3.0 -X main.commit=abc1234 -X main.date=2026-08-25"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "crosstalk",
	Short: "Anthropic Messages proxy for OpenAI-compatible backends",
	Long: `Crosstalk is a local proxy that accepts Anthropic Messages API requests
and serves them from OpenAI-compatible backends. Requests, responses and
event streams are translated in both directions; backends that already
speak the Messages API are proxied through untouched.`,
}

func init() {
	cfg, err := config.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing config: %v\n", err)
		os.Exit(1)
	}

	rootCmd.AddCommand(cli.ServeCommand(cfg, version))
	rootCmd.AddCommand(cli.BackendCommand(cfg))
	rootCmd.AddCommand(cli.RouteCommand(cfg))
	rootCmd.AddCommand(cli.TokenCommand(cfg))
	rootCmd.AddCommand(cli.UsageCommand(cfg))
	rootCmd.AddCommand(cli.VersionCommand(version, commit, date))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
