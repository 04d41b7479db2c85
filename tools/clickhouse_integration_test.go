//go:build integration

// Integration tests against a live ClickHouse instance.
// Requires ClickHouse listening on localhost:8123 (docker compose up).
// Run with: go test -tags integration ./tools/...

package tools

import (
	"context"
	"os"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func integrationConnection(t *testing.T) ConnectionParams {
	t.Helper()
	conn := ConnectionParams{
		Host:     "localhost",
		Port:     8123,
		Username: "default",
	}
	if h := os.Getenv("CLICKHOUSE_HOST"); h != "" {
		conn.Host = h
	}
	if p := os.Getenv("CLICKHOUSE_PORT"); p != "" {
		port, err := strconv.ParseUint(p, 10, 16)
		require.NoError(t, err, "invalid CLICKHOUSE_PORT")
		conn.Port = uint16(port)
	}
	if u := os.Getenv("CLICKHOUSE_USERNAME"); u != "" {
		conn.Username = u
	}
	conn.Password = os.Getenv("CLICKHOUSE_PASSWORD")
	return conn
}

func TestConnectionStatusIntegration(t *testing.T) {
	status, err := connectionStatus(context.Background(), ConnectionStatusParams{
		Connection: integrationConnection(t),
	})
	require.NoError(t, err)

	assert.True(t, status.Connected)
	assert.NotEmpty(t, status.Version)
	assert.NotEmpty(t, status.CurrentDatabase)
}

func TestListSchemasIntegration(t *testing.T) {
	schemas, err := listSchemas(context.Background(), ListSchemasParams{
		Connection: integrationConnection(t),
	})
	require.NoError(t, err)

	// The three system databases must be excluded from an unscoped listing.
	for _, schema := range schemas {
		assert.NotEqual(t, "system", schema.Schema)
		assert.NotEqual(t, "INFORMATION_SCHEMA", schema.Schema)
		assert.NotEqual(t, "information_schema", schema.Schema)
	}
}

func TestRunQueryIntegration(t *testing.T) {
	t.Run("select", func(t *testing.T) {
		preview, err := runQuery(context.Background(), RunQueryParams{
			Connection: integrationConnection(t),
			Query:      "SELECT 1 AS one, 'a' AS letter",
		})
		require.NoError(t, err)

		assert.Equal(t, []string{"one", "letter"}, preview.Columns)
		require.Len(t, preview.Rows, 1)
		assert.Equal(t, "a", preview.Rows[0]["letter"])
	})

	t.Run("bad sql surfaces a server error", func(t *testing.T) {
		_, err := runQuery(context.Background(), RunQueryParams{
			Connection: integrationConnection(t),
			Query:      "SELEC 1",
		})
		require.Error(t, err)
		assert.True(t, IsServerError(err))
	})
}

func TestPreviewTableIntegration(t *testing.T) {
	preview, err := previewTable(context.Background(), TablePreviewParams{
		Connection: integrationConnection(t),
		Schema:     "system",
		Table:      "one",
		Limit:      1,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"dummy"}, preview.Columns)
	require.Len(t, preview.Rows, 1)
}
