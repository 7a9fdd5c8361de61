package cli

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/petalexec/artifact"
)

// NewCacheCmd creates the "cache" command group.
func NewCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Maintain the on-disk artifact cache",
	}
	cmd.AddCommand(newCachePruneCmd())
	return cmd
}

func newCachePruneCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove expired or corrupt artifacts from the cache directory",
		Args:  cobra.NoArgs,
		RunE:  runCachePrune,
	}
	cmd.Flags().String("cache-dir", "", "Artifact cache directory (required)")
	cmd.Flags().String("schedule", "", "Keep running and prune on this cron schedule (e.g. \"@every 10m\")")
	return cmd
}

func runCachePrune(cmd *cobra.Command, _ []string) error {
	dir, _ := cmd.Flags().GetString("cache-dir")
	schedule, _ := cmd.Flags().GetString("schedule")
	if strings.TrimSpace(dir) == "" {
		return exitError(exitValidation, "--cache-dir is required")
	}

	cache, err := artifact.NewCache(artifact.CacheConfig{Dir: dir})
	if err != nil {
		return exitError(exitRuntime, "opening cache: %v", err)
	}

	out := cmd.OutOrStdout()
	sweeper, err := artifact.NewSweeper(artifact.SweeperConfig{
		Cache:    cache,
		Schedule: schedule,
		OnSweep: func(removed int) {
			fmt.Fprintf(out, "Pruned %d artifact(s)\n", removed)
		},
	})
	if err != nil {
		return exitError(exitValidation, "%v", err)
	}

	if strings.TrimSpace(schedule) == "" {
		sweeper.RunOnce()
		return nil
	}

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sweeper.Start(ctx); err != nil {
		return exitError(exitRuntime, "starting sweeper: %v", err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Pruning %s on schedule %q (next %s)\n", dir, schedule, sweeper.Next(time.Now()).Format(time.RFC3339))
	<-ctx.Done()
	return sweeper.Stop(context.Background())
}
