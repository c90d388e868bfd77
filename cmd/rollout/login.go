package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cuemby/rollout/pkg/registry"
)

var loginCmd = &cobra.Command{
	Use:   "registry-login",
	Short: "Store the registry password in the OS keyring",
	Long: `Read the registry password from stdin and store it in the OS keyring
under the configured keyring service. Later deploys use it when the secret
bundle does not carry the password.

Examples:
  echo "$GHCR_TOKEN" | rollout registry-login --username acme-bot`,
	RunE: runLogin,
}

func init() {
	loginCmd.Flags().StringP("username", "u", "", "Registry username (default from config)")

	rootCmd.AddCommand(loginCmd)
}

func runLogin(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	username, _ := cmd.Flags().GetString("username")
	if username == "" {
		username = cfg.Registry.Username
	}
	if username == "" {
		return errors.New("no username: pass --username or set registry.username")
	}

	password, err := readPassword(cmd.InOrStdin())
	if err != nil {
		return err
	}
	if err := registry.Store(cfg.Registry.KeyringService, username, password); err != nil {
		return err
	}

	creds := registry.Credentials{Server: cfg.Registry.Server, Username: username}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ Stored password for %s in keyring service %s\n", creds, cfg.Registry.KeyringService)
	return nil
}

// readPassword reads the first line of r
func readPassword(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return "", errors.New("empty password on stdin")
	}
	return password, nil
}
