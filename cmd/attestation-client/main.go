package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/DIMO-Network/tpm-attestation/pkg/client"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	url      string
	insecure bool
	user     string
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "attestation-client",
		Short:         "Command line client of the attestation daemon",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.url, "url", envOr("ATTESTATION_URL", "http://127.0.0.1:8080"), "attestation API base URL")
	cmd.PersistentFlags().BoolVar(&opts.insecure, "insecure", false, "skip TLS certificate verification")
	cmd.PersistentFlags().StringVar(&opts.user, "user", "", "key owner; empty selects device keys")

	newClient := func() *client.Client {
		return client.New(opts.url, client.NewHTTPClient(opts.insecure))
	}
	cmd.AddCommand(
		statusCommand(newClient),
		prepareCommand(newClient),
		enrollCommand(newClient),
		enrollRequestCommand(newClient),
		enrollFinishCommand(newClient),
		enrollmentIDCommand(newClient),
		certificateCommand(newClient, opts),
		certRequestCommand(newClient, opts),
		certFinishCommand(newClient, opts),
		keyInfoCommand(newClient, opts),
		setPayloadCommand(newClient, opts),
		deleteKeyCommand(newClient, opts),
		deleteKeysCommand(newClient, opts),
		registerCommand(newClient, opts),
		signSimpleCommand(newClient, opts),
		signEnterpriseCommand(newClient, opts),
		endorsementCommand(newClient),
		identityCommand(newClient),
		verifyCommand(newClient),
	)
	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// readInput reads path, or stdin for "-".
func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

// writeOutput writes data to path, or stdout for "-".
func writeOutput(cmd *cobra.Command, path string, data []byte) error {
	if path == "-" {
		_, err := cmd.OutOrStdout().Write(data)
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
