package processor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTEEClientProcess(t *testing.T) {
	var received processRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/process_data", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"success","data":{"refined":true}}`))
	}))
	defer srv.Close()

	client := NewTEEClient(srv.URL)
	result, err := client.Process(context.Background(), Refs{
		BlobID:        "blob-1",
		OnchainFileID: "file-1",
		PolicyID:      "policy-1",
	}, 30*time.Second)
	require.NoError(t, err)

	assert.True(t, result.Succeeded())
	assert.JSONEq(t, `{"refined":true}`, string(result.Data))

	assert.Equal(t, "blob-1", received.Payload.BlobID)
	assert.Equal(t, "file-1", received.Payload.OnchainFileID)
	assert.Equal(t, "policy-1", received.Payload.PolicyID)
	assert.Equal(t, 30, received.Payload.TimeoutSecs)
}

func TestTEEClientErrorVerdict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"error","message":"policy check failed"}`))
	}))
	defer srv.Close()

	result, err := NewTEEClient(srv.URL).Process(context.Background(), Refs{BlobID: "b"}, time.Second)
	require.NoError(t, err)
	assert.False(t, result.Succeeded())
	assert.Equal(t, "policy check failed", result.Message)
}

func TestTEEClientNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "internal", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewTEEClient(srv.URL).Process(context.Background(), Refs{BlobID: "b"}, time.Second)
	assert.Error(t, err)
}

func TestTEEClientTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte(`{"status":"success"}`))
	}))
	defer srv.Close()

	_, err := NewTEEClient(srv.URL).Process(context.Background(), Refs{BlobID: "b"}, 20*time.Millisecond)
	assert.Error(t, err)
}
