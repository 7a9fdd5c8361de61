package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// NewDescribeCmd creates the "describe" subcommand.
func NewDescribeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "describe <tool>",
		Short: "Print a tool's self-description",
		Args:  cobra.ExactArgs(1),
		RunE:  runDescribe,
	}
	cmd.Flags().Bool("raw", false, "Print only the guest document")
	addEngineFlags(cmd)
	return cmd
}

func runDescribe(cmd *cobra.Command, args []string) error {
	session, err := openEngine(cmd)
	if err != nil {
		return err
	}
	defer session.Close(context.Background())

	desc, err := session.Engine.Describe(cmd.Context(), args[0])
	if err != nil {
		writeToolError(cmd.ErrOrStderr(), err)
		return toolExitError(err)
	}

	raw, _ := cmd.Flags().GetBool("raw")
	if raw {
		fmt.Fprintln(cmd.OutOrStdout(), string(indentJSON(desc.Document)))
		return nil
	}
	b, err := json.MarshalIndent(desc, "", "  ")
	if err != nil {
		return exitError(exitRuntime, "encoding description: %v", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(b))
	return nil
}
