package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pushchain/bridge-relayer/relayer/db"
	"github.com/pushchain/bridge-relayer/relayer/metrics"
	"github.com/pushchain/bridge-relayer/relayer/recordstore"
	"github.com/pushchain/bridge-relayer/relayer/store"
)

func newTestServer(t *testing.T, health HealthCheck) (*Server, *recordstore.Store) {
	t.Helper()
	database, err := db.OpenInMemoryDB(true)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	records := recordstore.New(database)
	m, err := metrics.New()
	require.NoError(t, err)
	return NewServer(zerolog.New(zerolog.NewTestWriter(t)), 0, records, m, health), records
}

func seed(t *testing.T, records *recordstore.Store, hash string, state store.State) *store.RelayRecord {
	t.Helper()
	rec, _, err := records.CreateIfAbsent(context.Background(), store.LockEvent{
		SourceChainID: "1",
		SourceTxHash:  hash,
		DestChainID:   "2",
		User:          "0xaa",
		Token:         "0xbb",
		Amount:        "42",
		BlockNumber:   7,
	}, state)
	require.NoError(t, err)
	return rec
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v))
}

func TestHandleHealth(t *testing.T) {
	t.Run("Health check returns OK", func(t *testing.T) {
		s, _ := newTestServer(t, func(context.Context) error { return nil })
		w := get(t, s, "/health")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "OK", w.Body.String())
	})

	t.Run("Failing check returns 503", func(t *testing.T) {
		s, _ := newTestServer(t, func(context.Context) error { return errors.New("database is closed") })
		w := get(t, s, "/health")
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Contains(t, w.Body.String(), "database is closed")
	})
}

func TestHandleRecords(t *testing.T) {
	s, records := newTestServer(t, nil)
	seed(t, records, "0x01", store.StateIgnored)
	seed(t, records, "0x02", store.StateIgnored)
	seed(t, records, "0x03", store.StateDetected)

	testCases := []struct {
		name      string
		path      string
		code      int
		count     int
		truncated bool
		errorMsg  string
	}{
		{name: "by state", path: "/api/v1/records?state=IGNORED", code: http.StatusOK, count: 2},
		{name: "lower case state", path: "/api/v1/records?state=detected", code: http.StatusOK, count: 1},
		{name: "limit truncates", path: "/api/v1/records?state=IGNORED&limit=1", code: http.StatusOK, count: 1, truncated: true},
		{name: "empty state", path: "/api/v1/records?state=dead_lettered", code: http.StatusOK, count: 0},
		{name: "missing state", path: "/api/v1/records", code: http.StatusBadRequest, errorMsg: "state parameter is required"},
		{name: "unknown state", path: "/api/v1/records?state=LOST", code: http.StatusBadRequest, errorMsg: "unknown state"},
		{name: "bad limit", path: "/api/v1/records?state=IGNORED&limit=0", code: http.StatusBadRequest, errorMsg: "limit"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			w := get(t, s, tc.path)
			require.Equal(t, tc.code, w.Code)
			if tc.errorMsg != "" {
				var resp ErrorResponse
				decode(t, w, &resp)
				assert.Contains(t, resp.Error, tc.errorMsg)
				return
			}

			var resp struct {
				Data      []store.RelayRecord `json:"data"`
				Count     int                 `json:"count"`
				Truncated bool                `json:"truncated"`
			}
			decode(t, w, &resp)
			assert.Len(t, resp.Data, tc.count)
			assert.Equal(t, tc.count, resp.Count)
			assert.Equal(t, tc.truncated, resp.Truncated)
		})
	}
}

func TestHandleRecord(t *testing.T) {
	s, records := newTestServer(t, nil)
	rec := seed(t, records, "0xABC", store.StateDetected)

	t.Run("found", func(t *testing.T) {
		w := get(t, s, "/api/v1/records/"+rec.Key().String())
		require.Equal(t, http.StatusOK, w.Code)

		var resp struct {
			Data store.RelayRecord `json:"data"`
		}
		decode(t, w, &resp)
		assert.Equal(t, "0xabc", resp.Data.SourceTxHash)
		assert.Equal(t, store.StateDetected, resp.Data.State)
		assert.Equal(t, "42", resp.Data.Amount)
	})

	t.Run("not found", func(t *testing.T) {
		w := get(t, s, "/api/v1/records/1:0xdef:0")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("malformed key", func(t *testing.T) {
		w := get(t, s, "/api/v1/records/not-a-key")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestHandleStatsAndMetrics(t *testing.T) {
	s, records := newTestServer(t, nil)
	seed(t, records, "0x01", store.StateIgnored)

	w := get(t, s, "/api/v1/stats")
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Data map[string]int64 `json:"data"`
	}
	decode(t, w, &resp)
	assert.Equal(t, int64(1), resp.Data["IGNORED"])
	assert.Equal(t, int64(0), resp.Data["CONFIRMED"])

	w = get(t, s, "/metrics")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	s, _ := newTestServer(t, nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/stats", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestServerRunStops(t *testing.T) {
	s, _ := newTestServer(t, nil)
	s.server.Addr = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()
	assert.NoError(t, <-done)
}
