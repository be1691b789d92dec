package registry_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"neuroseg-backend/internal/registry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchRejectsBadURLs(t *testing.T) {
	tests := []struct {
		name string
		url  string
	}{
		{"empty", ""},
		{"unknown scheme", "ftp://models.example.com/last.ckpt"},
		{"s3 without key", "s3://bucket-only"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fetcher := registry.NewFetcher(registry.Config{
				ArtifactURL: tt.url,
				OutputDir:   t.TempDir(),
			})
			_, err := fetcher.Fetch(context.Background())
			assert.Error(t, err)
		})
	}
}

func TestFetchHTTP(t *testing.T) {
	payload := []byte("checkpoint bytes")

	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write(payload)
	}))
	defer server.Close()

	outDir := filepath.Join(t.TempDir(), "models")
	fetcher := registry.NewFetcher(registry.Config{
		ArtifactURL: server.URL + "/artifacts/epoch42.ckpt",
		APIKey:      "secret-token",
		OutputDir:   outDir,
	})

	path, err := fetcher.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(outDir, "epoch42.ckpt"), path)
	assert.Equal(t, "Bearer secret-token", gotAuth)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestFetchHTTPRequiresAPIKey(t *testing.T) {
	var hits int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	outDir := t.TempDir()
	fetcher := registry.NewFetcher(registry.Config{
		ArtifactURL: server.URL + "/last.ckpt",
		OutputDir:   outDir,
	})
	_, err := fetcher.Fetch(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MODEL_REGISTRY_API_KEY")

	// Rejected before any request goes out or any file is written.
	assert.Zero(t, hits)
	entries, err := os.ReadDir(outDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFetchHTTPStreamsLargeArtifact(t *testing.T) {
	// Larger than the 1 MiB copy buffer so the download spans several reads.
	payload := make([]byte, 5<<20/2)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer server.Close()

	fetcher := registry.NewFetcher(registry.Config{
		ArtifactURL: server.URL + "/big.ckpt",
		APIKey:      "secret-token",
		OutputDir:   t.TempDir(),
	})
	path, err := fetcher.Fetch(context.Background())
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestFetchHTTPServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	}))
	defer server.Close()

	outDir := t.TempDir()
	fetcher := registry.NewFetcher(registry.Config{
		ArtifactURL: server.URL + "/missing.ckpt",
		APIKey:      "secret-token",
		OutputDir:   outDir,
	})
	_, err := fetcher.Fetch(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")

	// Nothing should be left behind on failure.
	entries, err := os.ReadDir(outDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFetchHTTPFallbackFilename(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	outDir := t.TempDir()
	fetcher := registry.NewFetcher(registry.Config{
		ArtifactURL: server.URL,
		APIKey:      "secret-token",
		OutputDir:   outDir,
	})
	path, err := fetcher.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(outDir, "last.ckpt"), path)
}
