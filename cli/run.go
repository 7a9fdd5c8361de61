package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/petalexec/engine"
	petalotel "github.com/petal-labs/petalexec/otel"
	"github.com/petal-labs/petalexec/tenant"
	"github.com/petal-labs/petalexec/tool"
)

// NewRunCmd creates the "run" subcommand.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <tool>",
		Short: "Invoke a registered tool",
		Args:  cobra.ExactArgs(1),
		RunE:  runRun,
	}

	cmd.Flags().StringP("args", "a", "", "Arguments as inline JSON")
	cmd.Flags().StringP("args-file", "f", "", "Read arguments from a JSON file ('-' for stdin)")
	cmd.Flags().String("action", "", "Entry symbol override")
	cmd.Flags().StringP("output", "o", "", "Write the result to file (default: stdout)")
	cmd.Flags().String("format", "value", "Output format: value | json")
	cmd.Flags().Duration("timeout", 0, "Overall call deadline (0 = none)")

	cmd.Flags().String("env", "", "Tenant environment (default: local)")
	cmd.Flags().String("tenant", "", "Tenant id (default: default)")
	cmd.Flags().String("team", "", "Tenant team")
	cmd.Flags().String("user", "", "Tenant user")
	cmd.Flags().String("trace-id", "", "Trace id forwarded to the guest")
	cmd.Flags().String("correlation-id", "", "Correlation id forwarded to the guest")
	cmd.Flags().String("idempotency-key", "", "Idempotency key forwarded to the guest")

	addEngineFlags(cmd)
	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	arguments, err := readRunArguments(cmd)
	if err != nil {
		return err
	}
	action, _ := cmd.Flags().GetString("action")

	session, err := openEngine(cmd)
	if err != nil {
		return err
	}
	defer session.Close(context.Background())

	ctx, cancel := runContext(cmd)
	defer cancel()
	ctx, span := session.providers.Tracer().Start(ctx, "cli.run")
	defer span.End()

	tc := petalotel.EnrichTenant(ctx, runTenant(cmd))
	resp, err := session.Engine.Execute(ctx, engine.Request{
		Tool:      args[0],
		Action:    action,
		Arguments: arguments,
		Tenant:    &tc,
	})
	if err != nil {
		writeToolError(cmd.ErrOrStderr(), err)
		return toolExitError(err)
	}
	return writeRunOutput(cmd, resp)
}

func readRunArguments(cmd *cobra.Command) (json.RawMessage, error) {
	inline, _ := cmd.Flags().GetString("args")
	file, _ := cmd.Flags().GetString("args-file")
	if inline != "" && file != "" {
		return nil, exitError(exitInputParse, "--args and --args-file are mutually exclusive")
	}

	var data []byte
	switch {
	case file == "-":
		b, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, exitError(exitInputParse, "reading stdin: %v", err)
		}
		data = b
	case file != "":
		b, err := os.ReadFile(file) // #nosec G304 -- CLI path argument.
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, exitError(exitFileNotFound, "file not found: %s", file)
			}
			return nil, exitError(exitInputParse, "reading %s: %v", file, err)
		}
		data = b
	case inline != "":
		data = []byte(inline)
	default:
		return json.RawMessage(`{}`), nil
	}

	trimmed := strings.TrimSpace(string(data))
	if !json.Valid([]byte(trimmed)) {
		return nil, exitError(exitInputParse, "arguments are not valid JSON")
	}
	return json.RawMessage(trimmed), nil
}

func runTenant(cmd *cobra.Command) tenant.Context {
	get := func(name string) string {
		v, _ := cmd.Flags().GetString(name)
		return strings.TrimSpace(v)
	}
	return tenant.Context{
		Env:            get("env"),
		Tenant:         get("tenant"),
		Team:           get("team"),
		User:           get("user"),
		TraceID:        get("trace-id"),
		CorrelationID:  get("correlation-id"),
		IdempotencyKey: get("idempotency-key"),
	}.Normalize()
}

// runContext applies --timeout to the command context.
func runContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	timeout, _ := cmd.Flags().GetDuration("timeout")
	if timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return context.WithCancel(ctx)
}

type runEnvelope struct {
	InvocationID string                 `json:"invocation_id"`
	Tool         string                 `json:"tool"`
	Value        json.RawMessage        `json:"value"`
	Tier         string                 `json:"tier"`
	Digest       string                 `json:"digest"`
	Attempts     int                    `json:"attempts"`
	Records      []engine.AttemptRecord `json:"records"`
	DurationMS   int64                  `json:"duration_ms"`
}

func writeRunOutput(cmd *cobra.Command, resp *engine.Response) error {
	format, _ := cmd.Flags().GetString("format")
	var payload []byte
	switch format {
	case "", "value":
		payload = indentJSON(resp.Value)
	case "json":
		b, err := json.MarshalIndent(runEnvelope{
			InvocationID: resp.InvocationID,
			Tool:         resp.Tool,
			Value:        resp.Value,
			Tier:         string(resp.Tier),
			Digest:       resp.Digest,
			Attempts:     resp.Attempts,
			Records:      resp.Records,
			DurationMS:   resp.Duration.Milliseconds(),
		}, "", "  ")
		if err != nil {
			return exitError(exitRuntime, "encoding output: %v", err)
		}
		payload = b
	default:
		return exitError(exitValidation, "unknown --format %q (want value or json)", format)
	}

	outPath, _ := cmd.Flags().GetString("output")
	if outPath != "" {
		if err := os.WriteFile(outPath, append(payload, '\n'), 0o644); err != nil {
			return exitError(exitRuntime, "writing output: %v", err)
		}
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(payload))
	return nil
}

func indentJSON(raw json.RawMessage) []byte {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return raw
	}
	return buf.Bytes()
}

// writeToolError prints err as the structured JSON error callers receive.
func writeToolError(w io.Writer, err error) {
	toolErr, ok := tool.AsToolError(err)
	if !ok {
		fmt.Fprintf(w, "Error: %v\n", err)
		return
	}
	b, marshalErr := json.MarshalIndent(toolErr, "", "  ")
	if marshalErr != nil {
		fmt.Fprintf(w, "Error: %v\n", err)
		return
	}
	fmt.Fprintln(w, string(b))
}

// durationFlag formats d for human output.
func durationFlag(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return d.String()
}
