// Package cli implements the petalexec command tree.
package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// NewRootCmd builds the petalexec command tree.
func NewRootCmd(version string) *cobra.Command {
	root := &cobra.Command{
		Use:   "petalexec",
		Short: "PetalExec WebAssembly tool executor",
		Long:  "PetalExec resolves, verifies, and runs WebAssembly tools inside a sandbox.",
		// SilenceUsage prevents printing usage on every error
		SilenceUsage:      true,
		PersistentPreRunE: setupRoot,
	}

	root.PersistentFlags().BoolP("verbose", "", false, "Enable verbose/debug logging")
	root.PersistentFlags().BoolP("quiet", "", false, "Suppress all output except errors")
	root.PersistentFlags().String("env-file", "", "Load environment variables from file (default: .env if present)")

	if version != "" {
		root.Version = version
		root.SetVersionTemplate(fmt.Sprintf("petalexec version %s\n", version))
	}

	root.AddCommand(NewRunCmd())
	root.AddCommand(NewDescribeCmd())
	root.AddCommand(NewDigestCmd())
	root.AddCommand(NewSignCmd())
	root.AddCommand(NewVerifyCmd())
	root.AddCommand(NewKeygenCmd())
	root.AddCommand(NewToolsCmd())
	root.AddCommand(NewSecretsCmd())
	root.AddCommand(NewCacheCmd())
	root.AddCommand(NewServeCmd())
	return root
}

func setupRoot(cmd *cobra.Command, _ []string) error {
	envFile, _ := cmd.Flags().GetString("env-file")
	if err := loadEnvFile(envFile); err != nil {
		return exitError(exitInputParse, "loading env file: %v", err)
	}

	verbose, _ := cmd.Flags().GetBool("verbose")
	quiet, _ := cmd.Flags().GetBool("quiet")
	level := slog.LevelWarn
	switch {
	case verbose:
		level = slog.LevelDebug
	case quiet:
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))
	return nil
}

// loadEnvFile loads path, or ".env" when path is empty. A missing default
// file is not an error; variables already set in the process win.
func loadEnvFile(path string) error {
	if strings.TrimSpace(path) != "" {
		return godotenv.Load(path)
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
