package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	mcpclickhouse "github.com/clickdesk/mcp-clickhouse"
	"github.com/mark3labs/mcp-go/mcp"
)

const (
	// DefaultQueryLimit is the default number of rows for run_query if not specified
	DefaultQueryLimit = 500

	// MaxQueryLimit is the maximum number of rows run_query can return
	MaxQueryLimit = 10000

	// DefaultPreviewLimit is the default number of rows for preview_table if not specified
	DefaultPreviewLimit = 200

	// MaxPreviewLimit is the maximum number of rows preview_table can return
	MaxPreviewLimit = 1000
)

// statusProbeQuery is the fixed statement used by connection_status.
const statusProbeQuery = "SELECT version() AS version, currentDatabase() AS current_database FORMAT JSON"

// systemSchemaExclusion filters the three system/information-schema databases
// (case variants included) out of an unscoped schema listing.
const systemSchemaExclusion = "database NOT IN ('INFORMATION_SCHEMA', 'information_schema', 'system')"

// ConnectionParams describes one ClickHouse HTTP endpoint and its credentials.
// Every tool call carries its own ConnectionParams; fields left blank are
// filled from the server's default connection before validation.
type ConnectionParams struct {
	Host     string `json:"host,omitempty" jsonschema:"description=ClickHouse host name or IP. Falls back to the server's default connection if omitted."`
	Port     uint16 `json:"port,omitempty" jsonschema:"description=ClickHouse HTTP interface port (commonly 8123\\, or 8443 with TLS)."`
	Username string `json:"username,omitempty" jsonschema:"description=User name for HTTP basic authentication."`
	Password string `json:"password,omitempty" jsonschema:"description=Password for HTTP basic authentication. May be empty."`
	Database string `json:"database,omitempty" jsonschema:"description=Database to scope schema listings to. Optional."`
	Secure   bool   `json:"secure,omitempty" jsonschema:"description=Use HTTPS instead of HTTP."`
}

// withDefaults fills blank connection fields from the default connection
// carried in the context, if any.
func (c ConnectionParams) withDefaults(ctx context.Context) ConnectionParams {
	d := mcpclickhouse.ConfigFromContext(ctx).Defaults
	if strings.TrimSpace(c.Host) == "" && d.Host != "" {
		c.Host = d.Host
		c.Secure = d.Secure
	}
	if c.Port == 0 {
		c.Port = d.Port
	}
	if strings.TrimSpace(c.Username) == "" && d.Username != "" {
		c.Username = d.Username
		c.Password = d.Password
	}
	if strings.TrimSpace(c.Database) == "" {
		c.Database = d.Database
	}
	return c
}

// SchemaTable is one table within a schema listing.
type SchemaTable struct {
	Name     string  `json:"name"`
	RowCount *uint64 `json:"rowCount,omitempty"`
}

// SchemaTables groups the tables of one database.
type SchemaTables struct {
	Schema string        `json:"schema"`
	Tables []SchemaTable `json:"tables"`
}

// TablePreview is the uniform tabular result shape: server-reported column
// order plus rows as opaque JSON objects, passed through without coercion.
// Non-tabular statements yield a single synthetic "result" column.
type TablePreview struct {
	Columns []string          `json:"columns"`
	Rows    []map[string]any  `json:"rows"`
	Hints   *EmptyResultHints `json:"hints,omitempty"`
}

// ConnectionStatus reports the outcome of a connection probe.
type ConnectionStatus struct {
	Connected       bool   `json:"connected"`
	LatencyMs       uint64 `json:"latencyMs"`
	Version         string `json:"version"`
	CurrentDatabase string `json:"currentDatabase"`
}

// escapeIdentifier doubles every backtick so the result is safe between a
// pair of backticks. Callers supply trimmed, non-empty names.
func escapeIdentifier(identifier string) string {
	return strings.ReplaceAll(identifier, "`", "``")
}

// escapeStringLiteral doubles every single quote for use inside a
// single-quoted SQL string literal.
func escapeStringLiteral(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

// clampLimit applies the default when no limit was requested and caps the
// requested value at max.
func clampLimit(requested, def, max int) int {
	if requested <= 0 {
		return def
	}
	if requested > max {
		return max
	}
	return requested
}

// buildSchemaTablesQuery builds the system.tables listing statement. A
// non-blank database narrows the listing to that database; otherwise the
// three system/information-schema databases are excluded.
func buildSchemaTablesQuery(database string) string {
	if db := strings.TrimSpace(database); db != "" {
		return fmt.Sprintf(
			"SELECT database, name, total_rows FROM system.tables WHERE database = '%s' ORDER BY database, name FORMAT JSON",
			escapeStringLiteral(db),
		)
	}
	return "SELECT database, name, total_rows FROM system.tables WHERE " + systemSchemaExclusion + " ORDER BY database, name FORMAT JSON"
}

// buildTablePreviewQuery builds the SELECT * preview statement. The ORDER BY
// clause is present only when a sort column was given; direction defaults to
// ascending unless "desc" is requested (case-insensitive).
func buildTablePreviewQuery(schema, table string, limit int, sortColumn, sortDirection string) (string, error) {
	schema = strings.TrimSpace(schema)
	if schema == "" {
		return "", newValidationError("Schema is required")
	}
	table = strings.TrimSpace(table)
	if table == "" {
		return "", newValidationError("Table is required")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT * FROM `%s`.`%s`", escapeIdentifier(schema), escapeIdentifier(table))

	if col := strings.TrimSpace(sortColumn); col != "" {
		direction := "ASC"
		if strings.EqualFold(strings.TrimSpace(sortDirection), "desc") {
			direction = "DESC"
		}
		fmt.Fprintf(&sb, " ORDER BY `%s` %s", escapeIdentifier(col), direction)
	}

	fmt.Fprintf(&sb, " LIMIT %d FORMAT JSON", clampLimit(limit, DefaultPreviewLimit, MaxPreviewLimit))
	return sb.String(), nil
}

// prepareRawQuery normalizes an arbitrary statement: trailing semicolons are
// stripped, and a LIMIT / FORMAT JSON clause is appended when the statement
// does not already carry one. The "already carries one" checks are substring
// tests on an uppercased copy, not SQL parsing, and deliberately stay that
// way; they can misfire on statements containing the literal text LIMIT or
// FORMAT inside string literals or comments.
func prepareRawQuery(rawQuery string, limit int) (string, error) {
	query := strings.TrimSpace(rawQuery)
	query = strings.TrimRight(query, ";")
	query = strings.TrimSpace(query)
	if query == "" {
		return "", newValidationError("Query is required")
	}

	// Heuristics look at the statement as supplied, before any clause is
	// appended.
	upper := strings.ToUpper(query)

	if strings.HasPrefix(upper, "SELECT ") && !strings.Contains(upper, " LIMIT ") {
		query += fmt.Sprintf(" LIMIT %d", clampLimit(limit, DefaultQueryLimit, MaxQueryLimit))
	}

	if !strings.Contains(upper, "FORMAT ") {
		query += " FORMAT JSON"
	}

	return query, nil
}

// ListSchemasParams defines the parameters for listing schemas and tables.
type ListSchemasParams struct {
	Connection ConnectionParams `json:"connection" jsonschema:"description=ClickHouse connection to use for this call."`
}

// listSchemas lists databases and their tables, with per-table row counts
// where ClickHouse reports them.
func listSchemas(ctx context.Context, args ListSchemasParams) ([]SchemaTables, error) {
	conn := args.Connection.withDefaults(ctx)
	client, err := newClickHouseClient(ctx, conn)
	if err != nil {
		return nil, err
	}

	resp, err := client.execute(ctx, buildSchemaTablesQuery(conn.Database))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	preview, err := decodePreview(resp.Body)
	if err != nil {
		return nil, err
	}

	// Group rows by database. Sorted grouping keeps schemas in lexicographic
	// order; rows within a schema keep the server's database,name ordering.
	grouped := make(map[string][]SchemaTable)
	for _, row := range preview.Rows {
		database := toString(row["database"])
		table := SchemaTable{Name: toString(row["name"])}
		if v, ok := row["total_rows"]; ok && v != nil {
			n := toUint64(v)
			table.RowCount = &n
		}
		grouped[database] = append(grouped[database], table)
	}

	names := make([]string, 0, len(grouped))
	for name := range grouped {
		names = append(names, name)
	}
	sort.Strings(names)

	schemas := make([]SchemaTables, 0, len(names))
	for _, name := range names {
		schemas = append(schemas, SchemaTables{Schema: name, Tables: grouped[name]})
	}
	return schemas, nil
}

// ListSchemas is a tool for listing ClickHouse databases and tables
var ListSchemas = mcpclickhouse.MustTool(
	"list_schemas",
	"START HERE: List ClickHouse databases and their tables with row counts. NEXT: Use preview_table to inspect a table's contents.",
	listSchemas,
	mcp.WithTitleAnnotation("List ClickHouse schemas"),
	mcp.WithIdempotentHintAnnotation(true),
	mcp.WithReadOnlyHintAnnotation(true),
)

// TablePreviewParams defines the parameters for previewing a table.
type TablePreviewParams struct {
	Connection    ConnectionParams `json:"connection" jsonschema:"description=ClickHouse connection to use for this call."`
	Schema        string           `json:"schema" jsonschema:"required,description=Database containing the table."`
	Table         string           `json:"table" jsonschema:"required,description=Table to preview."`
	Limit         int              `json:"limit,omitempty" jsonschema:"description=Maximum number of rows to return. Default: 200\\, Max: 1000."`
	SortColumn    string           `json:"sortColumn,omitempty" jsonschema:"description=Column to order the preview by. Unsorted if omitted."`
	SortDirection string           `json:"sortDirection,omitempty" jsonschema:"enum=asc,enum=desc,description=Sort direction. Defaults to asc."`
}

// previewTable returns the first rows of a table as a tabular preview.
func previewTable(ctx context.Context, args TablePreviewParams) (*TablePreview, error) {
	query, err := buildTablePreviewQuery(args.Schema, args.Table, args.Limit, args.SortColumn, args.SortDirection)
	if err != nil {
		return nil, err
	}

	client, err := newClickHouseClient(ctx, args.Connection.withDefaults(ctx))
	if err != nil {
		return nil, err
	}

	resp, err := client.execute(ctx, query)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	return decodePreview(resp.Body)
}

// PreviewTable is a tool for previewing the contents of a ClickHouse table
var PreviewTable = mcpclickhouse.MustTool(
	"preview_table",
	"Preview rows from a ClickHouse table, optionally ordered by one column. Pass the schema from list_schemas results.",
	previewTable,
	mcp.WithTitleAnnotation("Preview ClickHouse table"),
	mcp.WithIdempotentHintAnnotation(true),
	mcp.WithReadOnlyHintAnnotation(true),
)

// RunQueryParams defines the parameters for running an arbitrary query.
type RunQueryParams struct {
	Connection ConnectionParams `json:"connection" jsonschema:"description=ClickHouse connection to use for this call."`
	Query      string           `json:"query" jsonschema:"required,description=Raw SQL statement. SELECT statements without a LIMIT clause get one appended; FORMAT JSON is appended unless a FORMAT clause is present."`
	Limit      int              `json:"limit,omitempty" jsonschema:"description=Row limit appended to SELECT statements without one. Default: 500\\, Max: 10000."`
}

// runQuery executes an arbitrary statement. Tabular replies are decoded into
// columns and rows; anything else (DDL, DML, non-JSON output) becomes a
// single-cell result carrying the response text.
func runQuery(ctx context.Context, args RunQueryParams) (*TablePreview, error) {
	query, err := prepareRawQuery(args.Query, args.Limit)
	if err != nil {
		return nil, err
	}

	client, err := newClickHouseClient(ctx, args.Connection.withDefaults(ctx))
	if err != nil {
		return nil, err
	}

	resp, err := client.execute(ctx, query)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := readResponseBody(resp.Body)
	if err != nil {
		return nil, err
	}

	if preview, ok := parsePreviewBody(body); ok {
		if len(preview.Rows) == 0 {
			preview.Hints = generateEmptyResultHints(HintContext{Query: args.Query, ProcessedQuery: query})
		}
		return preview, nil
	}

	// Not the {meta,data} shape: surface the body as a one-cell result.
	text := strings.TrimSpace(string(body))
	if text == "" {
		text = "Query executed successfully"
	}
	return &TablePreview{
		Columns: []string{"result"},
		Rows:    []map[string]any{{"result": text}},
	}, nil
}

// RunQuery is a tool for running arbitrary SQL against ClickHouse
var RunQuery = mcpclickhouse.MustTool(
	"run_query",
	`Run an arbitrary SQL statement against ClickHouse. SELECT results come back as columns and rows; other statements return a single-cell status result.

Example: SELECT event, count() FROM analytics.events GROUP BY event`,
	runQuery,
	mcp.WithTitleAnnotation("Run ClickHouse query"),
)

// ConnectionStatusParams defines the parameters for probing a connection.
type ConnectionStatusParams struct {
	Connection ConnectionParams `json:"connection" jsonschema:"description=ClickHouse connection to probe."`
}

// connectionStatus probes the endpoint and reports server version, current
// database, and round-trip latency.
func connectionStatus(ctx context.Context, args ConnectionStatusParams) (*ConnectionStatus, error) {
	client, err := newClickHouseClient(ctx, args.Connection.withDefaults(ctx))
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := client.execute(ctx, statusProbeQuery)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck
	latency := time.Since(start)

	preview, err := decodePreview(resp.Body)
	if err != nil {
		return nil, err
	}
	if len(preview.Rows) == 0 {
		return nil, newProtocolError("ClickHouse status probe returned no rows")
	}

	row := preview.Rows[0]
	return &ConnectionStatus{
		Connected:       true,
		LatencyMs:       uint64(latency.Milliseconds()),
		Version:         toString(row["version"]),
		CurrentDatabase: toString(row["current_database"]),
	}, nil
}

// ConnectionStatusTool is a tool for probing a ClickHouse connection
var ConnectionStatusTool = mcpclickhouse.MustTool(
	"connection_status",
	"Probe a ClickHouse connection: reports server version, current database, and round-trip latency.",
	connectionStatus,
	mcp.WithTitleAnnotation("Check ClickHouse connection"),
	mcp.WithIdempotentHintAnnotation(true),
	mcp.WithReadOnlyHintAnnotation(true),
)

// AddClickHouseTools registers all ClickHouse tools with the given adder.
func AddClickHouseTools(adder mcpclickhouse.ToolAdder) {
	ListSchemas.Register(adder)
	PreviewTable.Register(adder)
	RunQuery.Register(adder)
	ConnectionStatusTool.Register(adder)
}
