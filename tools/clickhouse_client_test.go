package tools

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testConnection builds ConnectionParams pointing at the given test server.
func testConnection(t *testing.T, srv *httptest.Server) ConnectionParams {
	t.Helper()
	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.ParseUint(portStr, 10, 16)
	require.NoError(t, err)
	return ConnectionParams{
		Host:     host,
		Port:     uint16(port),
		Username: "default",
		Password: "secret",
	}
}

func TestNewClickHouseClientValidation(t *testing.T) {
	ctx := context.Background()

	t.Run("blank host", func(t *testing.T) {
		_, err := newClickHouseClient(ctx, ConnectionParams{Username: "default"})
		require.Error(t, err)
		assert.EqualError(t, err, "Host is required")
		assert.True(t, IsValidationError(err))
	})

	t.Run("whitespace host", func(t *testing.T) {
		_, err := newClickHouseClient(ctx, ConnectionParams{Host: "   ", Username: "default"})
		require.Error(t, err)
		assert.EqualError(t, err, "Host is required")
	})

	t.Run("blank username", func(t *testing.T) {
		_, err := newClickHouseClient(ctx, ConnectionParams{Host: "localhost"})
		require.Error(t, err)
		assert.EqualError(t, err, "Username is required")
		assert.True(t, IsValidationError(err))
	})

	t.Run("endpoint scheme follows secure flag", func(t *testing.T) {
		client, err := newClickHouseClient(ctx, ConnectionParams{Host: "ch.example.com", Port: 8123, Username: "u"})
		require.NoError(t, err)
		assert.Equal(t, "http://ch.example.com:8123/", client.endpoint)

		client, err = newClickHouseClient(ctx, ConnectionParams{Host: "ch.example.com", Port: 8443, Username: "u", Secure: true})
		require.NoError(t, err)
		assert.Equal(t, "https://ch.example.com:8443/", client.endpoint)
	})
}

func TestExecuteRequestShape(t *testing.T) {
	var (
		gotMethod   string
		gotBody     string
		gotUser     string
		gotPassword string
		gotAgent    string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		gotUser, gotPassword, _ = r.BasicAuth()
		gotAgent = r.Header.Get("User-Agent")
		w.Write([]byte(`{"meta":[{"name":"x"}],"data":[]}`))
	}))
	defer srv.Close()

	client, err := newClickHouseClient(context.Background(), testConnection(t, srv))
	require.NoError(t, err)

	resp, err := client.execute(context.Background(), "SELECT 1 FORMAT JSON")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "SELECT 1 FORMAT JSON", gotBody)
	assert.Equal(t, "default", gotUser)
	assert.Equal(t, "secret", gotPassword)
	assert.Contains(t, gotAgent, "mcp-clickhouse/")
}

func TestExecuteErrorClassification(t *testing.T) {
	t.Run("server error carries status and body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte("Code: 62. DB::Exception: Syntax error"))
		}))
		defer srv.Close()

		client, err := newClickHouseClient(context.Background(), testConnection(t, srv))
		require.NoError(t, err)

		_, err = client.execute(context.Background(), "SELEC 1")
		require.Error(t, err)
		assert.True(t, IsServerError(err))
		assert.Equal(t, http.StatusInternalServerError, HTTPStatusCode(err))
		assert.Contains(t, err.Error(), "ClickHouse returned 500")
		assert.Contains(t, err.Error(), "Code: 62")
	})

	t.Run("auth failure is a server error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte("Code: 516. DB::Exception: Authentication failed"))
		}))
		defer srv.Close()

		client, err := newClickHouseClient(context.Background(), testConnection(t, srv))
		require.NoError(t, err)

		_, err = client.execute(context.Background(), "SELECT 1")
		require.Error(t, err)
		assert.True(t, IsServerError(err))
		assert.Equal(t, http.StatusForbidden, HTTPStatusCode(err))
	})

	t.Run("unreachable server is a connectivity error", func(t *testing.T) {
		// Grab a port that is not listening.
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		conn := testConnection(t, srv)
		srv.Close()

		client, err := newClickHouseClient(context.Background(), conn)
		require.NoError(t, err)

		_, err = client.execute(context.Background(), "SELECT 1")
		require.Error(t, err)
		assert.True(t, IsConnectivityError(err))
		assert.Contains(t, err.Error(), "Could not connect to ClickHouse")
	})
}

func TestDecodePreview(t *testing.T) {
	t.Run("strict decode rejects non-envelope json", func(t *testing.T) {
		_, err := decodePreview(strings.NewReader(`{"rows":0}`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Could not parse ClickHouse response")
	})

	t.Run("strict decode rejects plain text", func(t *testing.T) {
		_, err := decodePreview(strings.NewReader("Ok."))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Could not parse ClickHouse response")
	})

	t.Run("decodes envelope preserving column order", func(t *testing.T) {
		preview, err := decodePreview(strings.NewReader(
			`{"meta":[{"name":"b"},{"name":"a"}],"data":[{"a":"1","b":"2"}]}`))
		require.NoError(t, err)
		assert.Equal(t, []string{"b", "a"}, preview.Columns)
		require.Len(t, preview.Rows, 1)
	})
}

func TestListSchemasHandler(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotQuery = string(body)
		w.Write([]byte(`{
			"meta":[{"name":"database"},{"name":"name"},{"name":"total_rows"}],
			"data":[
				{"database":"analytics","name":"events","total_rows":"1024"},
				{"database":"analytics","name":"sessions","total_rows":42},
				{"database":"app","name":"users","total_rows":null}
			]
		}`))
	}))
	defer srv.Close()

	result, err := listSchemas(context.Background(), ListSchemasParams{Connection: testConnection(t, srv)})
	require.NoError(t, err)

	assert.Contains(t, gotQuery, "FROM system.tables")
	assert.Contains(t, gotQuery, "NOT IN ('INFORMATION_SCHEMA', 'information_schema', 'system')")

	require.Len(t, result, 2)
	assert.Equal(t, "analytics", result[0].Schema)
	require.Len(t, result[0].Tables, 2)
	assert.Equal(t, "events", result[0].Tables[0].Name)
	require.NotNil(t, result[0].Tables[0].RowCount)
	assert.Equal(t, uint64(1024), *result[0].Tables[0].RowCount)
	require.NotNil(t, result[0].Tables[1].RowCount)
	assert.Equal(t, uint64(42), *result[0].Tables[1].RowCount)

	assert.Equal(t, "app", result[1].Schema)
	require.Len(t, result[1].Tables, 1)
	assert.Nil(t, result[1].Tables[0].RowCount)
}

func TestListSchemasScopedToDatabase(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotQuery = string(body)
		w.Write([]byte(`{"meta":[{"name":"database"},{"name":"name"},{"name":"total_rows"}],"data":[]}`))
	}))
	defer srv.Close()

	conn := testConnection(t, srv)
	conn.Database = "analytics"
	result, err := listSchemas(context.Background(), ListSchemasParams{Connection: conn})
	require.NoError(t, err)
	assert.Empty(t, result)
	assert.Contains(t, gotQuery, "WHERE database = 'analytics'")
}

func TestPreviewTableHandler(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotQuery = string(body)
		w.Write([]byte(`{"meta":[{"name":"id"},{"name":"name"}],"data":[{"id":"1","name":"alpha"}]}`))
	}))
	defer srv.Close()

	preview, err := previewTable(context.Background(), TablePreviewParams{
		Connection:    testConnection(t, srv),
		Schema:        "analytics",
		Table:         "events",
		Limit:         10,
		SortColumn:    "id",
		SortDirection: "desc",
	})
	require.NoError(t, err)

	assert.Equal(t, "SELECT * FROM `analytics`.`events` ORDER BY `id` DESC LIMIT 10 FORMAT JSON", gotQuery)
	assert.Equal(t, []string{"id", "name"}, preview.Columns)
	require.Len(t, preview.Rows, 1)
	assert.Equal(t, "alpha", preview.Rows[0]["name"])
	assert.Nil(t, preview.Hints)
}

func TestPreviewTableValidationBeforeNetwork(t *testing.T) {
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
	}))
	defer srv.Close()

	_, err := previewTable(context.Background(), TablePreviewParams{
		Connection: testConnection(t, srv),
		Schema:     "",
		Table:      "events",
	})
	require.Error(t, err)
	assert.EqualError(t, err, "Schema is required")
	assert.Zero(t, requests, "validation failures must not reach the network")
}

func TestRunQueryHandler(t *testing.T) {
	t.Run("tabular result passes values through untouched", func(t *testing.T) {
		var gotQuery string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, _ := io.ReadAll(r.Body)
			gotQuery = string(body)
			// 64-bit integers arrive as strings in FORMAT JSON output.
			w.Write([]byte(`{"meta":[{"name":"id"},{"name":"big"}],"data":[{"id":1,"big":"9007199254740993"}]}`))
		}))
		defer srv.Close()

		preview, err := runQuery(context.Background(), RunQueryParams{
			Connection: testConnection(t, srv),
			Query:      "select id, big from t",
		})
		require.NoError(t, err)

		assert.Equal(t, "select id, big from t LIMIT 500 FORMAT JSON", gotQuery)
		assert.Equal(t, []string{"id", "big"}, preview.Columns)
		require.Len(t, preview.Rows, 1)
		assert.Equal(t, "9007199254740993", preview.Rows[0]["big"])
		assert.Nil(t, preview.Hints)
	})

	t.Run("empty result carries hints", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"meta":[{"name":"id"}],"data":[]}`))
		}))
		defer srv.Close()

		preview, err := runQuery(context.Background(), RunQueryParams{
			Connection: testConnection(t, srv),
			Query:      "SELECT id FROM t WHERE 0",
		})
		require.NoError(t, err)

		assert.Empty(t, preview.Rows)
		require.NotNil(t, preview.Hints)
		assert.NotEmpty(t, preview.Hints.PossibleCauses)
		require.NotNil(t, preview.Hints.Debug)
		assert.Equal(t, "SELECT id FROM t WHERE 0 LIMIT 500 FORMAT JSON", preview.Hints.Debug.ProcessedQuery)
	})

	t.Run("plain text becomes single-cell result", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("Ok.\n"))
		}))
		defer srv.Close()

		preview, err := runQuery(context.Background(), RunQueryParams{
			Connection: testConnection(t, srv),
			Query:      "OPTIMIZE TABLE t",
		})
		require.NoError(t, err)

		assert.Equal(t, []string{"result"}, preview.Columns)
		require.Len(t, preview.Rows, 1)
		assert.Equal(t, "Ok.", preview.Rows[0]["result"])
	})

	t.Run("blank body becomes success message", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// DDL statements answer with an empty 200 body.
		}))
		defer srv.Close()

		preview, err := runQuery(context.Background(), RunQueryParams{
			Connection: testConnection(t, srv),
			Query:      "DROP TABLE IF EXISTS t",
		})
		require.NoError(t, err)

		assert.Equal(t, []string{"result"}, preview.Columns)
		require.Len(t, preview.Rows, 1)
		assert.Equal(t, "Query executed successfully", preview.Rows[0]["result"])
	})

	t.Run("blank query fails before the network", func(t *testing.T) {
		requests := 0
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requests++
		}))
		defer srv.Close()

		_, err := runQuery(context.Background(), RunQueryParams{
			Connection: testConnection(t, srv),
			Query:      "   ;  ",
		})
		require.Error(t, err)
		assert.EqualError(t, err, "Query is required")
		assert.Zero(t, requests)
	})
}

func TestConnectionStatusHandler(t *testing.T) {
	t.Run("reports version and database", func(t *testing.T) {
		var gotQuery string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, _ := io.ReadAll(r.Body)
			gotQuery = string(body)
			w.Write([]byte(`{
				"meta":[{"name":"version"},{"name":"current_database"}],
				"data":[{"version":"24.3.1.100","current_database":"default"}]
			}`))
		}))
		defer srv.Close()

		status, err := connectionStatus(context.Background(), ConnectionStatusParams{Connection: testConnection(t, srv)})
		require.NoError(t, err)

		assert.Contains(t, gotQuery, "version()")
		assert.Contains(t, gotQuery, "currentDatabase()")
		assert.True(t, status.Connected)
		assert.Equal(t, "24.3.1.100", status.Version)
		assert.Equal(t, "default", status.CurrentDatabase)
	})

	t.Run("zero rows is a protocol error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"meta":[{"name":"version"},{"name":"current_database"}],"data":[]}`))
		}))
		defer srv.Close()

		_, err := connectionStatus(context.Background(), ConnectionStatusParams{Connection: testConnection(t, srv)})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "status probe returned no rows")
	})
}
