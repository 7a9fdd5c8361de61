package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/petal-labs/petalexec/loader"
	"github.com/petal-labs/petalexec/tool"
)

// NewToolsCmd creates the "tools" command group.
func NewToolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Manage the local tool store",
	}
	cmd.PersistentFlags().String("store-path", "", "Path to SQLite store (default: ~/.petalexec/petalexec.db)")

	cmd.AddCommand(newToolsListCmd())
	cmd.AddCommand(newToolsImportCmd())
	cmd.AddCommand(newToolsInspectCmd())
	cmd.AddCommand(newToolsRemoveCmd())

	return cmd
}

func newToolsListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored tools, or the tools of a registry file",
		Args:  cobra.NoArgs,
		RunE:  runToolsList,
	}
	cmd.Flags().String("registry", "", "List a registry file instead of the store")
	return cmd
}

func runToolsList(cmd *cobra.Command, _ []string) error {
	entries, err := listEntries(cmd)
	if err != nil {
		return err
	}

	writer := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
	fmt.Fprintln(writer, "NAME\tCOMPONENT\tENTRY\tTIMEOUT\tRETRIES\tDIGEST")
	for _, entry := range entries {
		digest := strings.TrimSpace(entry.Digest)
		if digest == "" {
			digest = "-"
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%d\t%s\n",
			entry.Name,
			entry.Component,
			entry.Entry,
			durationFlag(entry.Timeout),
			entry.MaxRetries,
			digest,
		)
	}
	return writer.Flush()
}

func listEntries(cmd *cobra.Command) ([]tool.Entry, error) {
	path, _ := cmd.Flags().GetString("registry")
	if strings.TrimSpace(path) != "" {
		reg, err := loader.LoadRegistry(path)
		if err != nil {
			return nil, registryLoadError(cmd, path, err)
		}
		return reg.List(), nil
	}

	store, err := resolveToolStore(cmd)
	if err != nil {
		return nil, exitError(exitRuntime, "opening tool store: %v", err)
	}
	defer func() {
		_ = store.Close()
	}()
	reg, err := tool.RegistryFromStore(cmd.Context(), store)
	if err != nil {
		return nil, exitError(exitRuntime, "listing tools: %v", err)
	}
	return reg.List(), nil
}

func newToolsImportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <registry-file>",
		Short: "Import the tools of a registry file into the store",
		Args:  cobra.ExactArgs(1),
		RunE:  runToolsImport,
	}
	cmd.Flags().Bool("replace", false, "Remove stored tools that the file does not declare")
	return cmd
}

func runToolsImport(cmd *cobra.Command, args []string) error {
	path := args[0]
	data, err := os.ReadFile(path) // #nosec G304 -- CLI path argument.
	if err != nil {
		return registryLoadError(cmd, path, err)
	}
	entries, err := loader.ParseEntries(data, path)
	if err != nil {
		return registryLoadError(cmd, path, err)
	}
	// Reject duplicates before touching the store.
	if _, err := tool.NewRegistry(entries...); err != nil {
		return exitError(exitValidation, "%v", err)
	}

	store, err := resolveToolStore(cmd)
	if err != nil {
		return exitError(exitRuntime, "opening tool store: %v", err)
	}
	defer func() {
		_ = store.Close()
	}()

	replace, _ := cmd.Flags().GetBool("replace")
	if replace {
		existing, err := store.List(cmd.Context())
		if err != nil {
			return exitError(exitRuntime, "listing tools: %v", err)
		}
		declared := make(map[string]struct{}, len(entries))
		for _, entry := range entries {
			declared[strings.TrimSpace(entry.Name)] = struct{}{}
		}
		for _, entry := range existing {
			if _, ok := declared[entry.Name]; ok {
				continue
			}
			if err := store.Delete(cmd.Context(), entry.Name); err != nil {
				return exitError(exitRuntime, "removing %q: %v", entry.Name, err)
			}
		}
	}

	for _, entry := range entries {
		if err := store.Upsert(cmd.Context(), entry); err != nil {
			return exitError(exitRuntime, "saving %q: %v", entry.Name, err)
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Imported %d tool(s) from %s\n", len(entries), path)
	return nil
}

func newToolsInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <name>",
		Short: "Print a stored tool entry",
		Args:  cobra.ExactArgs(1),
		RunE:  runToolsInspect,
	}
}

func runToolsInspect(cmd *cobra.Command, args []string) error {
	store, err := resolveToolStore(cmd)
	if err != nil {
		return exitError(exitRuntime, "opening tool store: %v", err)
	}
	defer func() {
		_ = store.Close()
	}()

	name := args[0]
	entry, found, err := store.Get(cmd.Context(), name)
	if err != nil {
		return exitError(exitRuntime, "loading tool: %v", err)
	}
	if !found {
		return exitError(exitFileNotFound, "tool %q is not registered", name)
	}

	data, err := json.MarshalIndent(entryView(entry), "", "  ")
	if err != nil {
		return exitError(exitRuntime, "encoding entry: %v", err)
	}
	_, _ = cmd.OutOrStdout().Write(append(data, '\n'))
	return nil
}

// entryView renders durations in the registry file's millisecond units.
func entryView(entry tool.Entry) map[string]any {
	view := map[string]any{
		"name":             entry.Name,
		"component":        entry.Component,
		"entry":            entry.Entry,
		"timeout_ms":       entry.Timeout.Milliseconds(),
		"max_retries":      entry.MaxRetries,
		"retry_backoff_ms": entry.RetryBackoff.Milliseconds(),
	}
	if entry.Digest != "" {
		view["digest"] = entry.Digest
	}
	if entry.Description != "" {
		view["description"] = entry.Description
	}
	return view
}

func newToolsRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "remove <name>",
		Aliases: []string{"rm"},
		Short:   "Remove a tool from the store",
		Args:    cobra.ExactArgs(1),
		RunE:    runToolsRemove,
	}
}

func runToolsRemove(cmd *cobra.Command, args []string) error {
	store, err := resolveToolStore(cmd)
	if err != nil {
		return exitError(exitRuntime, "opening tool store: %v", err)
	}
	defer func() {
		_ = store.Close()
	}()

	name := args[0]
	if err := store.Delete(cmd.Context(), name); err != nil {
		return exitError(exitRuntime, "removing %q: %v", name, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed tool: %s\n", name)
	return nil
}

func resolveToolStore(cmd *cobra.Command) (*tool.SQLiteStore, error) {
	storePath, _ := cmd.Flags().GetString("store-path")
	if strings.TrimSpace(storePath) == "" {
		storePath = os.Getenv("PETALEXEC_TOOLS_STORE_PATH")
	}
	if strings.TrimSpace(storePath) == "" {
		defaultPath, err := tool.DefaultSQLitePath()
		if err != nil {
			return nil, err
		}
		storePath = defaultPath
	}

	dsn := strings.TrimSpace(storePath)
	if !strings.HasPrefix(strings.ToLower(dsn), "file:") {
		dsn = filepath.Clean(dsn)
	}
	return tool.NewSQLiteStore(tool.SQLiteStoreConfig{DSN: dsn})
}
