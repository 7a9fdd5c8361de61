package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/petal-labs/petalexec/bus"
	"github.com/petal-labs/petalexec/server"
	"github.com/petal-labs/petalexec/tool"
)

const defaultEventsDB = "events.db"

// NewServeCmd creates the "serve" subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP invocation server",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}

	cmd.Flags().IntP("port", "p", 8080, "Listen port")
	cmd.Flags().String("host", "0.0.0.0", "Listen host")
	cmd.Flags().String("cors-origin", "*", "Allowed CORS origin")
	cmd.Flags().String("tls-cert", "", "TLS certificate file")
	cmd.Flags().String("tls-key", "", "TLS key file")
	cmd.Flags().Duration("read-timeout", 30*time.Second, "HTTP read timeout")
	cmd.Flags().Duration("write-timeout", 0, "HTTP write timeout (0 keeps event streams open)")
	cmd.Flags().Int64("max-body", 1<<20, "Max request body size in bytes")

	cmd.Flags().String("events", "memory", "Invocation event store: memory | sqlite")
	cmd.Flags().String("events-db", "", "SQLite path for --events sqlite (default: ~/.petalexec/events.db)")
	cmd.Flags().Duration("event-retention", 7*24*time.Hour, "Drop stored events older than this (0 = keep)")
	cmd.Flags().Int("event-max-invocations", 1000, "Keep events for at most this many invocations (0 = unlimited)")

	addEngineFlags(cmd)
	return cmd
}

// serveStack is everything the serve command opens, in close order.
type serveStack struct {
	session *engineSession
	bus     *bus.MemBus
	events  bus.EventStore
	server  *server.Server
	closers []io.Closer
}

// Handler returns the API handler with HTTP spans and metrics recorded on
// the engine's providers.
func (s *serveStack) Handler() http.Handler {
	return otelhttp.NewHandler(s.server.Handler(), "petalexec.server",
		otelhttp.WithTracerProvider(s.session.providers.TracerProvider),
		otelhttp.WithMeterProvider(s.session.providers.MeterProvider),
	)
}

func (s *serveStack) Close(ctx context.Context) {
	if s.server != nil {
		_ = s.server.Shutdown(ctx)
	}
	if s.session != nil {
		s.session.Close(ctx)
	}
	if s.bus != nil {
		_ = s.bus.Close()
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		_ = s.closers[i].Close()
	}
}

func openServeStack(cmd *cobra.Command) (*serveStack, error) {
	logger := slog.Default()
	stack := &serveStack{bus: bus.NewMemBus(bus.MemBusConfig{})}

	events, err := openEventStore(cmd, stack)
	if err != nil {
		stack.Close(context.Background())
		return nil, err
	}
	stack.events = events

	session, err := openEngine(cmd, bus.Recorder(events, stack.bus, logger))
	if err != nil {
		stack.Close(context.Background())
		return nil, err
	}
	stack.session = session

	corsOrigin, _ := cmd.Flags().GetString("cors-origin")
	maxBody, _ := cmd.Flags().GetInt64("max-body")
	stack.server = server.NewServer(server.ServerConfig{
		Engine:     session.Engine,
		Bus:        stack.bus,
		EventStore: events,
		CORSOrigin: corsOrigin,
		MaxBody:    maxBody,
		Logger:     logger,
	})
	return stack, nil
}

func openEventStore(cmd *cobra.Command, stack *serveStack) (bus.EventStore, error) {
	mode, _ := cmd.Flags().GetString("events")
	maxInvocations, _ := cmd.Flags().GetInt("event-max-invocations")
	if maxInvocations < 0 {
		return nil, exitError(exitValidation, "--event-max-invocations must be >= 0")
	}

	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "memory":
		return bus.NewMemEventStore(maxInvocations), nil
	case "sqlite":
		path, err := resolveEventsDB(cmd)
		if err != nil {
			return nil, exitError(exitRuntime, "resolving events database: %v", err)
		}
		retention, _ := cmd.Flags().GetDuration("event-retention")
		store, err := bus.NewSQLiteEventStore(bus.SQLiteStoreConfig{
			DSN:            path,
			RetentionAge:   retention,
			MaxInvocations: maxInvocations,
		})
		if err != nil {
			return nil, exitError(exitRuntime, "opening sqlite event store: %v", err)
		}
		stack.closers = append(stack.closers, store)
		return store, nil
	default:
		return nil, exitError(exitValidation, "unknown --events store %q", mode)
	}
}

func resolveEventsDB(cmd *cobra.Command) (string, error) {
	path, _ := cmd.Flags().GetString("events-db")
	if strings.TrimSpace(path) == "" {
		path = os.Getenv("PETALEXEC_EVENTS_DB")
	}
	if strings.TrimSpace(path) == "" {
		defaultPath, err := tool.DefaultSQLitePath()
		if err != nil {
			return "", err
		}
		path = filepath.Join(filepath.Dir(defaultPath), defaultEventsDB)
	}
	if strings.HasPrefix(strings.ToLower(path), "file:") {
		return path, nil
	}
	return filepath.Clean(path), nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	host, _ := cmd.Flags().GetString("host")
	port, _ := cmd.Flags().GetInt("port")
	readTimeout, _ := cmd.Flags().GetDuration("read-timeout")
	writeTimeout, _ := cmd.Flags().GetDuration("write-timeout")
	tlsCert, _ := cmd.Flags().GetString("tls-cert")
	tlsKey, _ := cmd.Flags().GetString("tls-key")
	if (tlsCert == "") != (tlsKey == "") {
		return exitError(exitValidation, "--tls-cert and --tls-key must be set together")
	}

	stack, err := openServeStack(cmd)
	if err != nil {
		return err
	}
	defer stack.Close(context.Background())

	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      stack.Handler(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}

	// Signal handling
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(cmd.OutOrStdout(), "PetalExec server listening on %s (%d tool(s))\n", addr, stack.session.Engine.Registry().Len())
		if tlsCert != "" {
			errCh <- httpServer.ListenAndServeTLS(tlsCert, tlsKey)
		} else {
			errCh <- httpServer.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(cmd.OutOrStdout(), "Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return exitError(exitRuntime, "shutdown error: %v", err)
		}
		if err := stack.server.Shutdown(shutdownCtx); err != nil {
			return exitError(exitRuntime, "waiting for background invocations: %v", err)
		}
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return exitError(exitRuntime, "server error: %v", err)
		}
		return nil
	}
}
