package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func get(t *testing.T, status int, body string) *http.Response {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestDecodeQueryResponse(t *testing.T) {
	resp := get(t, http.StatusOK, `{"data":[{"state":"FAILED","attempts":2}],"count":1,"truncated":true,"queried_at":"2026-01-02T03:04:05Z"}`)

	output, err := decodeQueryResponse(resp)
	require.NoError(t, err)
	assert.Equal(t, 1, output.Count)
	assert.True(t, output.Truncated)

	var buf bytes.Buffer
	require.NoError(t, printOutput(&buf, output, OutputFormatYAML))
	assert.Contains(t, buf.String(), "state: FAILED")
	assert.Contains(t, buf.String(), "truncated: true")

	buf.Reset()
	require.NoError(t, printOutput(&buf, output, OutputFormatJSON))
	assert.Contains(t, buf.String(), `"state": "FAILED"`)
}

func TestDecodeQueryResponseError(t *testing.T) {
	_, err := decodeQueryResponse(get(t, http.StatusNotFound, `{"error":"record not found: 1:0xab:0"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "record not found")

	_, err = decodeQueryResponse(get(t, http.StatusBadGateway, `oops`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
}

func TestPrintOutputRejectsUnknownFormat(t *testing.T) {
	err := printOutput(&bytes.Buffer{}, map[string]int{"a": 1}, "toml")
	require.Error(t, err)
}
