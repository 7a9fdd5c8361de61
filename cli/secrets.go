package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/petal-labs/petalexec/tenant"
)

// NewSecretsCmd creates the "secrets" command group.
func NewSecretsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Manage tenant secrets in the encrypted capability store",
	}
	cmd.PersistentFlags().String("capability-db", "", "SQLite path for secrets (default: ~/.petalexec/capabilities.db)")
	cmd.PersistentFlags().String("env", "", "Tenant environment (default: local)")
	cmd.PersistentFlags().String("tenant", "", "Tenant id (default: default)")

	cmd.AddCommand(newSecretsSetCmd())
	cmd.AddCommand(newSecretsGetCmd())
	return cmd
}

func newSecretsSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <name> [value]",
		Short: "Store a secret for a tenant (reads stdin when value is omitted)",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runSecretsSet,
	}
}

func runSecretsSet(cmd *cobra.Command, args []string) error {
	name, err := secretName(args[0])
	if err != nil {
		return err
	}

	var value string
	if len(args) == 2 {
		value = args[1]
	} else {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return exitError(exitInputParse, "reading stdin: %v", err)
		}
		value = strings.TrimRight(string(data), "\r\n")
	}

	store, err := resolveCapabilityStore(cmd)
	if err != nil {
		return exitError(exitRuntime, "opening capability store: %v", err)
	}
	defer func() {
		_ = store.Close()
	}()

	key := secretsTenant(cmd).Namespace(name)
	if err := store.PutSecret(cmd.Context(), key, value); err != nil {
		return exitError(exitRuntime, "saving secret: %v", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Stored secret: %s\n", key)
	return nil
}

func newSecretsGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <name>",
		Short: "Check whether a tenant secret is set",
		Args:  cobra.ExactArgs(1),
		RunE:  runSecretsGet,
	}
	cmd.Flags().Bool("reveal", false, "Print the secret value")
	return cmd
}

func runSecretsGet(cmd *cobra.Command, args []string) error {
	name, err := secretName(args[0])
	if err != nil {
		return err
	}
	store, err := resolveCapabilityStore(cmd)
	if err != nil {
		return exitError(exitRuntime, "opening capability store: %v", err)
	}
	defer func() {
		_ = store.Close()
	}()

	key := secretsTenant(cmd).Namespace(name)
	value, ok, err := store.GetSecret(cmd.Context(), key)
	if err != nil {
		return exitError(exitRuntime, "reading secret: %v", err)
	}
	if !ok {
		return exitError(exitFileNotFound, "secret %s is not set", key)
	}
	reveal, _ := cmd.Flags().GetBool("reveal")
	if reveal {
		fmt.Fprintln(cmd.OutOrStdout(), value)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s is set (%d bytes)\n", key, len(value))
	return nil
}

func secretName(raw string) (string, error) {
	name := strings.TrimSpace(raw)
	if name == "" || strings.Contains(name, "/") {
		return "", exitError(exitValidation, "secret name must be non-empty and contain no '/'")
	}
	return name, nil
}

func secretsTenant(cmd *cobra.Command) tenant.Context {
	env, _ := cmd.Flags().GetString("env")
	id, _ := cmd.Flags().GetString("tenant")
	return tenant.Context{Env: env, Tenant: id}.Normalize()
}
