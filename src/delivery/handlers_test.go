package delivery

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Blackdeer1524/HeapDB/src"
	"github.com/Blackdeer1524/HeapDB/src/bufferpool"
	"github.com/Blackdeer1524/HeapDB/src/config"
	"github.com/Blackdeer1524/HeapDB/src/engine"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	cfg := config.Defaults()
	cfg.PageSize = 512
	cfg.PoolCapacity = 4
	cfg.LockTimeout = 100 * time.Millisecond
	cfg.DataDir = "/data"

	e, err := engine.Open(afero.NewMemMapFs(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, e.Close()) })

	srv := httptest.NewServer(NewServer("localhost", 0, e, src.NopLogger()).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url string, body any) (*http.Response, []byte) {
	t.Helper()

	var payload bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&payload).Encode(body))
	}

	req, err := http.NewRequest(method, url, &payload)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)

	resp, body := do(t, http.MethodGet, srv.URL+"/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}

func TestTableLifecycle(t *testing.T) {
	srv := newTestServer(t)

	resp, body := do(t, http.MethodPost, srv.URL+"/tables", map[string]any{
		"name": "users",
		"columns": []map[string]string{
			{"name": "id", "type": "int64"},
			{"name": "name", "type": "string"},
		},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var created tableResponse
	require.NoError(t, json.Unmarshal(body, &created))
	assert.Equal(t, "users", created.Name)
	assert.Len(t, created.Columns, 2)

	resp, body = do(t, http.MethodPost, srv.URL+"/tables", map[string]any{
		"name":    "users",
		"columns": []map[string]string{{"name": "id", "type": "int64"}},
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode, string(body))

	for _, row := range [][]string{{"1", "ann"}, {"2", "bob"}} {
		resp, body = do(t, http.MethodPost, srv.URL+"/tables/users/rows", map[string]any{
			"values": row,
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	}

	resp, body = do(t, http.MethodPost, srv.URL+"/tables/users/rows", map[string]any{
		"values": []string{"three", "eve"},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, string(body))

	resp, body = do(t, http.MethodGet, srv.URL+"/tables/users/rows", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var rows []rowResponse
	require.NoError(t, json.Unmarshal(body, &rows))
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"1", "ann"}, rows[0].Values)
	assert.Equal(t, []string{"2", "bob"}, rows[1].Values)
	assert.NotEmpty(t, rows[0].RecordID)

	resp, body = do(t, http.MethodGet, srv.URL+"/tables/users/rows?limit=1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &rows))
	assert.Len(t, rows, 1)

	resp, _ = do(t, http.MethodGet, srv.URL+"/tables/users/rows?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = do(t, http.MethodGet, srv.URL+"/tables", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var tables []tableResponse
	require.NoError(t, json.Unmarshal(body, &tables))
	require.Len(t, tables, 1)
	assert.Equal(t, "/data/users.dat", tables[0].Path)

	resp, body = do(t, http.MethodGet, srv.URL+"/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats bufferpool.Stats
	require.NoError(t, json.Unmarshal(body, &stats))
	assert.Equal(t, 4, stats.Capacity)
	assert.Zero(t, stats.Dirty)
}

func TestUnknownTable(t *testing.T) {
	srv := newTestServer(t)

	resp, body := do(t, http.MethodGet, srv.URL+"/tables/ghosts/rows", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var e errorResponse
	require.NoError(t, json.Unmarshal(body, &e))
	assert.Equal(t, "NOT_FOUND", e.Code)

	resp, _ = do(t, http.MethodPost, srv.URL+"/tables/ghosts/rows", map[string]any{
		"values": []string{"1"},
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBadCreateRequests(t *testing.T) {
	srv := newTestServer(t)

	resp, _ := do(t, http.MethodPost, srv.URL+"/tables", map[string]any{"columns": []any{}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, srv.URL+"/tables", map[string]any{
		"name":    "bad",
		"columns": []map[string]string{{"name": "x", "type": "float"}},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
