package cloud

import (
	"compress/gzip"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushSendsGzippedJSONWithAPIKeyHeader(t *testing.T) {
	var gotPath, gotKey, gotEncoding string
	var gotBody pushRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("X-API-Key")
		gotEncoding = r.Header.Get("Content-Encoding")

		reader, err := gzip.NewReader(r.Body)
		require.NoError(t, err)
		raw, err := io.ReadAll(reader)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(raw, &gotBody))

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	client, err := New(strings.TrimPrefix(server.URL, "http://"), false, "secret-key", time.Second, "gw-1")
	require.NoError(t, err)

	resp, err := client.Push([]Measurement{{DeviceID: "dev-1", Data: map[string]any{"voltage": 230}}})
	require.NoError(t, err)

	assert.True(t, resp.Success)
	assert.Equal(t, "ok", resp.Text)
	assert.Equal(t, "/push/gw-1", gotPath)
	assert.Equal(t, "secret-key", gotKey)
	assert.Equal(t, "gzip", gotEncoding)
	require.Len(t, gotBody.Measurements, 1)
	assert.Equal(t, "dev-1", gotBody.Measurements[0].DeviceID)
}

func TestPushReportsFailureOnNon2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer server.Close()

	client, err := New(strings.TrimPrefix(server.URL, "http://"), false, "key", time.Second, "gw-1")
	require.NoError(t, err)

	resp, err := client.Push(nil)
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, "boom", resp.Text)
}

func TestUpdateHitsUpdateEndpoint(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client, err := New(strings.TrimPrefix(server.URL, "http://"), false, "key", time.Second, "gw-2")
	require.NoError(t, err)

	_, err = client.Update([]Health{{DeviceID: "gateway", Data: map[string]any{"temperature": 42.0}}})
	require.NoError(t, err)
	assert.Equal(t, "/update/gw-2", gotPath)
}
