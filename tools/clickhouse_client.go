package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	mcpclickhouse "github.com/clickdesk/mcp-clickhouse"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// clickHouseRequestTimeout bounds every request to the ClickHouse HTTP
// interface. There is no retry; a timeout surfaces as a connectivity error.
const clickHouseRequestTimeout = 10 * time.Second

// maxResponseBodySize caps how much of a response body is read. 48MB.
const maxResponseBodySize = 1024 * 1024 * 48

// clickHouseClient sends SQL text to one ClickHouse HTTP endpoint with basic
// authentication. A client is built per call and discarded afterwards; no
// connection state is shared between calls.
type clickHouseClient struct {
	httpClient *http.Client
	endpoint   string
}

// basicAuthRoundTripper adds HTTP basic auth credentials to every request.
type basicAuthRoundTripper struct {
	rt       http.RoundTripper
	username string
	password string
}

func (t *basicAuthRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.SetBasicAuth(t.username, t.password)
	return t.rt.RoundTrip(req)
}

// newClickHouseClient validates the connection descriptor and builds a
// one-shot HTTP client for it. Host and username must be non-blank after
// trimming; violations fail here, before any network attempt.
func newClickHouseClient(ctx context.Context, conn ConnectionParams) (*clickHouseClient, error) {
	host := strings.TrimSpace(conn.Host)
	if host == "" {
		return nil, newValidationError("Host is required")
	}

	username := strings.TrimSpace(conn.Username)
	if username == "" {
		return nil, newValidationError("Username is required")
	}

	scheme := "http"
	if conn.Secure {
		scheme = "https"
	}
	endpoint := fmt.Sprintf("%s://%s:%d/", scheme, host, conn.Port)

	var transport http.RoundTripper = http.DefaultTransport
	if tlsConfig := mcpclickhouse.ConfigFromContext(ctx).TLSConfig; tlsConfig != nil {
		var err error
		transport, err = tlsConfig.HTTPTransport(transport.(*http.Transport))
		if err != nil {
			return nil, newConfigurationError(fmt.Sprintf("Could not initialize ClickHouse client: %v", err), err)
		}
	}

	transport = &basicAuthRoundTripper{rt: transport, username: username, password: conn.Password}
	transport = mcpclickhouse.NewUserAgentTransport(transport)
	transport = otelhttp.NewTransport(transport)

	return &clickHouseClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   clickHouseRequestTimeout,
		},
		endpoint: endpoint,
	}, nil
}

// execute POSTs the SQL text to the endpoint and returns the 2xx response
// with its body unconsumed, so callers choose between strict JSON decoding
// and best-effort text handling.
func (c *clickHouseClient) execute(ctx context.Context, query string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(query))
	if err != nil {
		return nil, newConfigurationError(fmt.Sprintf("Could not initialize ClickHouse client: %v", err), err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, newConnectivityError(fmt.Sprintf("Could not connect to ClickHouse: %v", err), err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close() //nolint:errcheck
		body := "Unable to read error body"
		if bodyBytes, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize)); readErr == nil {
			body = string(bodyBytes)
		}
		return nil, newServerError(resp.StatusCode, fmt.Sprintf("ClickHouse returned %s: %s", resp.Status, body))
	}

	return resp, nil
}

// previewResponse is ClickHouse's FORMAT JSON envelope. Only meta and data
// are consumed; rows, statistics etc. are ignored.
type previewResponse struct {
	Meta []struct {
		Name string `json:"name"`
	} `json:"meta"`
	Data []map[string]any `json:"data"`
}

// toPreview converts the envelope to the uniform columns+rows shape. Rows
// are the data array unchanged.
func (r *previewResponse) toPreview() *TablePreview {
	columns := make([]string, len(r.Meta))
	for i, col := range r.Meta {
		columns[i] = col.Name
	}
	rows := r.Data
	if rows == nil {
		rows = []map[string]any{}
	}
	return &TablePreview{Columns: columns, Rows: rows}
}

// decodePreview strictly decodes a FORMAT JSON body. Bodies that are not
// valid JSON or lack the meta/data envelope are a decoding error; callers on
// this path must not substitute empty results.
func decodePreview(body io.Reader) (*TablePreview, error) {
	bodyBytes, err := io.ReadAll(io.LimitReader(body, maxResponseBodySize))
	if err != nil {
		return nil, newDecodingError(fmt.Sprintf("Could not read ClickHouse response: %v", err), err)
	}

	var pr previewResponse
	if err := json.Unmarshal(bodyBytes, &pr); err != nil {
		return nil, newDecodingError(fmt.Sprintf("Could not parse ClickHouse response: %v", err), err)
	}
	if pr.Meta == nil || pr.Data == nil {
		err := fmt.Errorf("missing meta or data field")
		return nil, newDecodingError(fmt.Sprintf("Could not parse ClickHouse response: %v", err), err)
	}

	return pr.toPreview(), nil
}

// readResponseBody reads a successful response body in full for best-effort
// handling. Read failures on an already-successful response are decoding
// errors, not connectivity errors.
func readResponseBody(body io.Reader) ([]byte, error) {
	bodyBytes, err := io.ReadAll(io.LimitReader(body, maxResponseBodySize))
	if err != nil {
		return nil, newDecodingError(fmt.Sprintf("Could not read ClickHouse response: %v", err), err)
	}
	return bodyBytes, nil
}

// parsePreviewBody attempts the strict envelope shape, reporting whether it
// matched. Shape mismatches (DDL/DML output, plain text) are not errors on
// this path; the caller falls back to a single-cell result.
func parsePreviewBody(body []byte) (*TablePreview, bool) {
	var pr previewResponse
	if err := json.Unmarshal(body, &pr); err != nil || pr.Meta == nil || pr.Data == nil {
		return nil, false
	}
	return pr.toPreview(), true
}

// toString converts a decoded JSON value to a string, empty for nil and
// unsupported types.
func toString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case uint64:
		return strconv.FormatUint(val, 10)
	case bool:
		return strconv.FormatBool(val)
	case nil:
		return ""
	default:
		return ""
	}
}

// toUint64 converts a decoded JSON value to a uint64, tolerating the string
// encoding ClickHouse uses for 64-bit integers in FORMAT JSON. Returns 0 for
// anything unconvertible.
func toUint64(v any) uint64 {
	switch val := v.(type) {
	case float64:
		return uint64(val)
	case int:
		return uint64(val)
	case int64:
		return uint64(val)
	case uint64:
		return val
	case string:
		if n, err := strconv.ParseUint(val, 10, 64); err == nil {
			return n
		}
		return 0
	default:
		return 0
	}
}
