// Package mcpclickhouse provides the plumbing for an MCP server that relays
// queries from a desktop client to a ClickHouse HTTP endpoint.
//
// Connection parameters travel with every tool call; the package-level
// configuration only supplies defaults (sourced from the environment or from
// per-request HTTP headers) that fill in fields a caller left blank.
package mcpclickhouse

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/mark3labs/mcp-go/server"
)

const (
	defaultClickHousePort = 8123

	clickhouseHostHeader     = "X-Clickhouse-Host"
	clickhousePortHeader     = "X-Clickhouse-Port"
	clickhouseUsernameHeader = "X-Clickhouse-Username"
	clickhousePasswordHeader = "X-Clickhouse-Password"
	clickhouseDatabaseHeader = "X-Clickhouse-Database"
	clickhouseSecureHeader   = "X-Clickhouse-Secure"
)

// Version is the server version reported to MCP clients and in the
// User-Agent header of outgoing ClickHouse requests.
const Version = "0.1.0"

// UserAgent returns the User-Agent string used for outgoing HTTP requests.
func UserAgent() string {
	return fmt.Sprintf("mcp-clickhouse/%s", Version)
}

// ConnectionDefaults holds a default ClickHouse connection descriptor.
// Blank fields of a per-call descriptor are filled from these values before
// validation; a fully specified per-call descriptor is left untouched.
type ConnectionDefaults struct {
	Host     string
	Port     uint16
	Username string
	Password string
	Database string
	Secure   bool
}

// TLSConfig holds optional TLS material for connections to ClickHouse.
type TLSConfig struct {
	CertFile   string
	KeyFile    string
	CAFile     string
	SkipVerify bool
}

// Config describes how the server talks to ClickHouse and how much request
// detail is recorded in traces.
type Config struct {
	// Defaults is the default connection descriptor, if any.
	Defaults ConnectionDefaults

	// TLSConfig configures TLS for outgoing ClickHouse connections.
	TLSConfig *TLSConfig

	// IncludeArgumentsInSpans enables recording tool call arguments in
	// OpenTelemetry spans. Disabled by default since arguments may contain
	// credentials.
	IncludeArgumentsInSpans bool
}

// HTTPTransport returns a clone of the given transport with this TLS
// configuration applied.
func (c *TLSConfig) HTTPTransport(base *http.Transport) (http.RoundTripper, error) {
	t := base.Clone()
	if t.TLSClientConfig == nil {
		t.TLSClientConfig = &tls.Config{}
	}
	t.TLSClientConfig.InsecureSkipVerify = c.SkipVerify

	if c.CertFile != "" || c.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		t.TLSClientConfig.Certificates = []tls.Certificate{cert}
	}

	if c.CAFile != "" {
		caCert, err := os.ReadFile(c.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificates from %s", c.CAFile)
		}
		t.TLSClientConfig.RootCAs = pool
	}

	return t, nil
}

type configKey struct{}

// WithConfig adds the given Config to the context.
func WithConfig(ctx context.Context, config Config) context.Context {
	return context.WithValue(ctx, configKey{}, config)
}

// ConfigFromContext extracts the Config from the context, returning the zero
// value if absent.
func ConfigFromContext(ctx context.Context) Config {
	if c, ok := ctx.Value(configKey{}).(Config); ok {
		return c
	}
	return Config{}
}

// connectionDefaultsFromEnv reads default connection parameters from
// CLICKHOUSE_* environment variables.
func connectionDefaultsFromEnv() ConnectionDefaults {
	d := ConnectionDefaults{
		Host:     os.Getenv("CLICKHOUSE_HOST"),
		Port:     defaultClickHousePort,
		Username: os.Getenv("CLICKHOUSE_USERNAME"),
		Password: os.Getenv("CLICKHOUSE_PASSWORD"),
		Database: os.Getenv("CLICKHOUSE_DATABASE"),
	}
	if p := os.Getenv("CLICKHOUSE_PORT"); p != "" {
		if port, err := strconv.ParseUint(p, 10, 16); err == nil {
			d.Port = uint16(port)
		}
	}
	if s := os.Getenv("CLICKHOUSE_SECURE"); s != "" {
		d.Secure, _ = strconv.ParseBool(s)
	}
	return d
}

// ExtractClickHouseInfoFromEnv is a StdioContextFunc that places default
// connection parameters from the environment into the context.
var ExtractClickHouseInfoFromEnv server.StdioContextFunc = func(ctx context.Context) context.Context {
	cfg := ConfigFromContext(ctx)
	cfg.Defaults = mergeDefaults(cfg.Defaults, connectionDefaultsFromEnv())
	return WithConfig(ctx, cfg)
}

// ExtractClickHouseInfoFromHeaders is an HTTPContextFunc that overrides
// default connection parameters with X-Clickhouse-* request headers, falling
// back to the environment for anything not provided.
var ExtractClickHouseInfoFromHeaders server.HTTPContextFunc = func(ctx context.Context, req *http.Request) context.Context {
	d := connectionDefaultsFromEnv()
	if h := req.Header.Get(clickhouseHostHeader); h != "" {
		d.Host = h
	}
	if p := req.Header.Get(clickhousePortHeader); p != "" {
		if port, err := strconv.ParseUint(p, 10, 16); err == nil {
			d.Port = uint16(port)
		}
	}
	if u := req.Header.Get(clickhouseUsernameHeader); u != "" {
		d.Username = u
	}
	if p := req.Header.Get(clickhousePasswordHeader); p != "" {
		d.Password = p
	}
	if db := req.Header.Get(clickhouseDatabaseHeader); db != "" {
		d.Database = db
	}
	if s := req.Header.Get(clickhouseSecureHeader); s != "" {
		d.Secure, _ = strconv.ParseBool(s)
	}

	cfg := ConfigFromContext(ctx)
	cfg.Defaults = mergeDefaults(cfg.Defaults, d)
	return WithConfig(ctx, cfg)
}

// mergeDefaults fills blank fields of base from fallback.
func mergeDefaults(base, fallback ConnectionDefaults) ConnectionDefaults {
	if strings.TrimSpace(base.Host) == "" {
		base.Host = fallback.Host
		base.Secure = fallback.Secure
	}
	if base.Port == 0 {
		base.Port = fallback.Port
	}
	if strings.TrimSpace(base.Username) == "" {
		base.Username = fallback.Username
		base.Password = fallback.Password
	}
	if strings.TrimSpace(base.Database) == "" {
		base.Database = fallback.Database
	}
	return base
}

// ComposedStdioContextFunc returns a StdioContextFunc that installs the given
// Config and then layers environment-derived connection defaults on top.
func ComposedStdioContextFunc(config Config) server.StdioContextFunc {
	return func(ctx context.Context) context.Context {
		ctx = WithConfig(ctx, config)
		return ExtractClickHouseInfoFromEnv(ctx)
	}
}

// ComposedHTTPContextFunc returns an HTTPContextFunc that installs the given
// Config and then layers header- and environment-derived connection defaults
// on top. Used by both the SSE and streamable HTTP transports.
func ComposedHTTPContextFunc(config Config) server.HTTPContextFunc {
	return func(ctx context.Context, req *http.Request) context.Context {
		ctx = WithConfig(ctx, config)
		return ExtractClickHouseInfoFromHeaders(ctx, req)
	}
}

// ComposedSSEContextFunc is an alias kept for symmetry with the transports
// exposed by the binary.
func ComposedSSEContextFunc(config Config) server.SSEContextFunc {
	return server.SSEContextFunc(ComposedHTTPContextFunc(config))
}

// userAgentTransport sets the User-Agent header on outgoing requests.
type userAgentTransport struct {
	rt        http.RoundTripper
	userAgent string
}

// NewUserAgentTransport wraps rt so that every request carries the
// mcp-clickhouse User-Agent.
func NewUserAgentTransport(rt http.RoundTripper) http.RoundTripper {
	if rt == nil {
		rt = http.DefaultTransport
	}
	return &userAgentTransport{rt: rt, userAgent: UserAgent()}
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.userAgent)
	return t.rt.RoundTrip(req)
}
