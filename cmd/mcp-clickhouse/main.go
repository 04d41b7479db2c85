package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"

	mcpclickhouse "github.com/clickdesk/mcp-clickhouse"
	"github.com/clickdesk/mcp-clickhouse/observability"
	mcptools "github.com/clickdesk/mcp-clickhouse/tools"
	"go.opentelemetry.io/otel/semconv/v1.39.0/mcpconv"
)

const defaultEnabledTools = "clickhouse"

// clickhouseConfig holds the flag-settable parts of the server configuration
// that feed into mcpclickhouse.Config.
type clickhouseConfig struct {
	tlsCertFile             string
	tlsKeyFile              string
	tlsCAFile               string
	tlsSkipVerify           bool
	includeArgumentsInSpans bool
}

func (c *clickhouseConfig) addFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.tlsCertFile, "tls-cert-file", "", "Path to TLS client certificate file for ClickHouse connections")
	fs.StringVar(&c.tlsKeyFile, "tls-key-file", "", "Path to TLS client key file for ClickHouse connections")
	fs.StringVar(&c.tlsCAFile, "tls-ca-file", "", "Path to TLS CA certificate file for ClickHouse connections")
	fs.BoolVar(&c.tlsSkipVerify, "tls-skip-verify", false, "Skip TLS certificate verification (insecure)")
	fs.BoolVar(&c.includeArgumentsInSpans, "include-arguments-in-spans", false, "Record tool call arguments in trace spans (may expose credentials)")
}

func (c *clickhouseConfig) toConfig() mcpclickhouse.Config {
	cfg := mcpclickhouse.Config{
		IncludeArgumentsInSpans: c.includeArgumentsInSpans,
	}
	if c.tlsCertFile != "" || c.tlsKeyFile != "" || c.tlsCAFile != "" || c.tlsSkipVerify {
		cfg.TLSConfig = &mcpclickhouse.TLSConfig{
			CertFile:   c.tlsCertFile,
			KeyFile:    c.tlsKeyFile,
			CAFile:     c.tlsCAFile,
			SkipVerify: c.tlsSkipVerify,
		}
	}
	return cfg
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newMCPServer(obs *observability.Observability, enabledTools string) *server.MCPServer {
	srv := server.NewMCPServer(
		"mcp-clickhouse",
		mcpclickhouse.Version,
		server.WithHooks(obs.MCPHooks()),
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)
	mcptools.CollectAllTools(srv, strings.Split(enabledTools, ","))
	return srv
}

// serveMetrics exposes the Prometheus endpoint on its own address when
// metrics are enabled with a dedicated listener.
func serveMetrics(address string, handler http.Handler) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	slog.Info("Serving metrics", "address", address)
	if err := http.ListenAndServe(address, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("metrics server failed", "error", err)
	}
}

func run(transport, address string, cfg mcpclickhouse.Config, srv *server.MCPServer) error {
	switch transport {
	case "stdio":
		slog.Info("Starting ClickHouse MCP server using stdio transport")
		return server.ServeStdio(srv,
			server.WithStdioContextFunc(mcpclickhouse.ComposedStdioContextFunc(cfg)),
		)

	case "sse":
		sseServer := server.NewSSEServer(srv,
			server.WithSSEContextFunc(mcpclickhouse.ComposedSSEContextFunc(cfg)),
		)
		return serveHTTP(sseServer, address, "SSE")

	case "streamable-http":
		httpServer := server.NewStreamableHTTPServer(srv,
			server.WithHTTPContextFunc(mcpclickhouse.ComposedHTTPContextFunc(cfg)),
		)
		return serveHTTP(httpServer, address, "streamable HTTP")

	default:
		return fmt.Errorf("invalid transport type: %s. Must be one of: stdio, sse, streamable-http", transport)
	}
}

// startStopper is implemented by the mcp-go SSE and streamable HTTP servers.
type startStopper interface {
	Start(addr string) error
	Shutdown(ctx context.Context) error
}

func serveHTTP(s startStopper, address, name string) error {
	errC := make(chan error, 1)
	go func() {
		slog.Info("Starting ClickHouse MCP server", "transport", name, "address", address)
		errC <- s.Start(address)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errC:
		return err
	case <-stop:
		slog.Info("Shutting down server...")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.Shutdown(ctx)
	}
}

func main() {
	// "mcp-clickhouse cli <tool> [json]" invokes a tool once and exits.
	if len(os.Args) > 1 && os.Args[1] == "cli" {
		os.Exit(runCLI(os.Args[2:]))
	}

	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	var cc clickhouseConfig
	cc.addFlags(fs)

	var (
		transport      = fs.String("t", "stdio", "Transport type (stdio, sse or streamable-http)")
		address        = fs.String("address", "localhost:8000", "Host and port for the SSE and streamable HTTP transports")
		logLevel       = fs.String("log-level", "info", "Log level (debug, info, warn, error)")
		enabledTools   = fs.String("enabled-tools", defaultEnabledTools, "Comma-separated list of tool categories to enable")
		metricsEnabled = fs.Bool("metrics-enabled", false, "Expose Prometheus metrics")
		metricsAddress = fs.String("metrics-address", "localhost:9090", "Host and port for the metrics endpoint")
		configFile     = fs.String("config", "", "Path to an optional YAML config file; flags set on the command line take precedence")
	)
	_ = fs.Parse(os.Args[1:])

	if *configFile != "" {
		if err := applyFileConfig(fs, *configFile); err != nil {
			fmt.Fprintf(os.Stderr, "Error: reading config file: %v\n", err)
			os.Exit(1)
		}
	}

	// Stdio uses the terminal for the protocol, so logs go to stderr.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(*logLevel),
	})))

	networkTransport := mcpconv.NetworkTransportTCP
	if *transport == "stdio" {
		networkTransport = mcpconv.NetworkTransportPipe
	}

	obs, err := observability.Setup(observability.Config{
		MetricsEnabled:   *metricsEnabled,
		MetricsAddress:   *metricsAddress,
		NetworkTransport: networkTransport,
		ServerName:       "mcp-clickhouse",
		ServerVersion:    mcpclickhouse.Version,
	})
	if err != nil {
		slog.Error("Failed to set up observability", "error", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := obs.Shutdown(ctx); err != nil {
			slog.Error("Failed to shut down observability", "error", err)
		}
	}()

	if *metricsEnabled && obs.MetricsHandler() != nil {
		go serveMetrics(*metricsAddress, obs.MetricsHandler())
	}

	srv := newMCPServer(obs, *enabledTools)
	if err := run(*transport, *address, cc.toConfig(), srv); err != nil {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}
}
