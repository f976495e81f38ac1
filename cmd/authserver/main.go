// Command authserver runs the OAuth2 and OpenID Connect authorization server.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "authserver",
		Short: "OAuth2 and OpenID Connect authorization server",
		// errors are printed by cobra, usage on a runtime failure is noise.
		SilenceUsage: true,
	}
	root.PersistentFlags().String("config", "", "Path to a YAML config file")

	root.AddCommand(newServeCmd(), newKeygenCmd())
	return root
}

// newLogger returns a JSON logger at the named level.
func newLogger(level string) (*slog.Logger, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l})), nil
}
