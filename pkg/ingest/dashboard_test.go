package ingest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinyrum/pkg/storage"
	"github.com/nicktill/tinyrum/pkg/storage/memory"
)

func errRecord(app, session, hash, message string, count int64, received time.Time) storage.Record {
	return storage.Record{
		AppID:    app,
		Session:  session,
		Type:     "err",
		Received: received,
		Params:   map[string]any{"stackHash": hash, "exceptionClass": "Error", "message": message},
		Metrics:  map[string]storage.Metric{"time": {Count: count}},
	}
}

func seededHandler(t *testing.T) *Handler {
	t.Helper()
	store := memory.New()
	now := time.Now()
	require.NoError(t, store.Write(context.Background(), []storage.Record{
		errRecord("shop", "s1", "aaa", "boom", 3, now.Add(-30*time.Minute)),
		errRecord("shop", "s2", "aaa", "", 2, now.Add(-10*time.Minute)),
		errRecord("shop", "s1", "bbb", "bust", 1, now.Add(-5*time.Minute)),
		errRecord("admin", "s9", "ccc", "old", 7, now.Add(-3*time.Hour)),
		xhrRecord("shop", "https://api.example.com", "200", 4, 40),
	}))
	h, _ := newTestHandler(t, Config{Storage: store})
	return h
}

func get(h http.HandlerFunc, target string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h(rr, httptest.NewRequest(http.MethodGet, target, nil))
	return rr
}

func TestHandleErrors(t *testing.T) {
	h := seededHandler(t)

	rr := get(h.HandleErrors, "/v1/errors?app=shop&type=err")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp RecordsResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.Count)
	for _, r := range resp.Records {
		assert.Equal(t, "shop", r.AppID)
		assert.Equal(t, "err", r.Type)
	}

	rr = get(h.HandleErrors, "/v1/errors?since=4h&limit=2")
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)
	assert.Equal(t, "admin", resp.Records[0].AppID, "oldest first")
}

func TestHandleErrors_Empty(t *testing.T) {
	h, _ := newTestHandler(t, Config{})

	rr := get(h.HandleErrors, "/v1/errors?app=nobody")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"records":[]`)
}

func TestHandleErrors_BadParams(t *testing.T) {
	h := seededHandler(t)

	for _, target := range []string{
		"/v1/errors?limit=abc",
		"/v1/errors?limit=0",
		"/v1/errors?limit=999999",
		"/v1/errors?since=soon",
		"/v1/errors?type=spans",
		"/v1/errors?start=2024-01-02T00:00:00Z&end=2024-01-01T00:00:00Z",
		"/v1/errors?start=2000-01-01T00:00:00Z",
	} {
		rr := get(h.HandleErrors, target)
		assert.Equal(t, http.StatusBadRequest, rr.Code, target)
	}
}

func TestHandleGroups(t *testing.T) {
	h := seededHandler(t)

	rr := get(h.HandleGroups, "/v1/errors/groups?since=1h")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp GroupsResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, 2, resp.Count, "xhr and out-of-window records are skipped")

	top := resp.Groups[0]
	assert.Equal(t, "aaa", top.StackHash)
	assert.Equal(t, int64(5), top.Count)
	assert.Equal(t, 2, top.Sessions)
	assert.Equal(t, "boom", top.Message)
	assert.Equal(t, "Error", top.ExceptionClass)
	assert.True(t, top.FirstSeen.Before(top.LastSeen))

	assert.Equal(t, "bbb", resp.Groups[1].StackHash)
	assert.Equal(t, int64(1), resp.Groups[1].Count)
}

func TestHandleStats(t *testing.T) {
	h := seededHandler(t)
	h.cardinality.Record("shop", "aaa")

	rr := get(h.HandleStats, "/v1/stats")
	require.Equal(t, http.StatusOK, rr.Code)

	var resp StatsResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.NotNil(t, resp.Storage)
	assert.Equal(t, uint64(5), resp.Storage.TotalRecords)
	assert.Equal(t, uint64(2), resp.Storage.TotalApps)
	assert.Equal(t, 1, resp.Cardinality.TotalGroups)
}

func TestParseTimeParam(t *testing.T) {
	def := time.Unix(100, 0)

	assert.Equal(t, def, parseTimeParam("", def))
	assert.Equal(t, def, parseTimeParam("yesterday", def))
	assert.True(t, parseTimeParam("2024-05-01T10:00:00Z", def).Equal(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)))
	assert.True(t, parseTimeParam("1700000000000", def).Equal(time.UnixMilli(1700000000000)))
}
