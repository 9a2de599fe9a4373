// Command smartclient drives a SMART on FHIR authorization server from the
// command line, playing the part of the app under test.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"smartmock/client"
)

var (
	fhirBase     string
	clientID     string
	clientSecret string
	scopes       string
	verbose      bool
)

var rootCmd = &cobra.Command{
	Use:           "smartclient",
	Short:         "Exercise a SMART on FHIR authorization server",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&fhirBase, "fhir-base", envOr("SMARTCLIENT_FHIR_BASE", "http://127.0.0.1:8080/fhir"), "FHIR base URL")
	flags.StringVar(&clientID, "client-id", os.Getenv("SMARTCLIENT_CLIENT_ID"), "OAuth client ID")
	flags.StringVar(&clientSecret, "client-secret", os.Getenv("SMARTCLIENT_CLIENT_SECRET"), "Client secret for confidential symmetric clients")
	flags.StringVar(&scopes, "scope", "openid fhirUser launch/patient offline_access patient/*.rs", "Space separated scopes")
	flags.BoolVarP(&verbose, "verbose", "v", false, "Log debug output to stderr")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func baseConfig() client.Config {
	return client.Config{
		FHIRBaseURL:  fhirBase,
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Scopes:       strings.Fields(scopes),
		Logger:       newLogger(),
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
