package artifactserver

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phase-network/phase-daemon/pkg/artifactstore"
	"github.com/phase-network/phase-daemon/pkg/manifest"
)

func newTestServer(t *testing.T, body []byte) (*Server, ed25519.PublicKey) {
	t.Helper()
	base := t.TempDir()
	dir := filepath.Join(base, "stable", "arm64")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "vmlinuz"), body, 0o644))

	signingKey, verifyingKey, err := generateKey(t)
	require.NoError(t, err)

	store := artifactstore.New(base, nil)
	srv := New(store, signingKey, Config{Channel: "stable", Arch: "arm64", Version: "1.0.0"})
	return srv, verifyingKey
}

func generateKey(t *testing.T) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	return priv, pub, err
}

func TestHandleArtifactFullBody(t *testing.T) {
	body := []byte("hello world boot image")
	srv, _ := newTestServer(t, body)

	req := httptest.NewRequest(http.MethodGet, "/stable/arm64/kernel", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, fmt.Sprintf("%d", len(body)), rec.Header().Get("Content-Length"))
	assert.Equal(t, body, rec.Body.Bytes())
	assert.NotEmpty(t, rec.Header().Get("X-Artifact-Hash"))
}

func TestHandleArtifactRange(t *testing.T) {
	body := make([]byte, 4096)
	for i := range body {
		body[i] = byte(i % 256)
	}
	srv, _ := newTestServer(t, body)

	req := httptest.NewRequest(http.MethodGet, "/stable/arm64/kernel", nil)
	req.Header.Set("Range", "bytes=0-1023")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, fmt.Sprintf("bytes 0-1023/%d", len(body)), rec.Header().Get("Content-Range"))
	assert.Equal(t, 1024, rec.Body.Len())
	assert.Equal(t, body[:1024], rec.Body.Bytes())
}

func TestHandleArtifactRangeUnsatisfiable(t *testing.T) {
	body := make([]byte, 100)
	srv, _ := newTestServer(t, body)

	req := httptest.NewRequest(http.MethodGet, "/stable/arm64/kernel", nil)
	req.Header.Set("Range", "bytes=500-600")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, rec.Code)
	assert.Equal(t, "bytes */100", rec.Header().Get("Content-Range"))
	assert.Empty(t, rec.Body.Bytes())
}

func TestHandleArtifactNotFound(t *testing.T) {
	srv, _ := newTestServer(t, []byte("x"))

	req := httptest.NewRequest(http.MethodGet, "/stable/arm64/nonexistent", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleManifestSigned(t *testing.T) {
	body := []byte("kernel bytes")
	srv, verifyingKey := newTestServer(t, body)

	req := httptest.NewRequest(http.MethodGet, "/manifest.json", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var m manifest.BootManifest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	require.NoError(t, m.Validate())

	ok, err := manifest.Verify(&m, verifyingKey)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHandleManifestMissingChannel404(t *testing.T) {
	srv, _ := newTestServer(t, []byte("x"))

	req := httptest.NewRequest(http.MethodGet, "/edge/riscv64/manifest.json", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestManifestCachedAcrossRequests(t *testing.T) {
	srv, _ := newTestServer(t, []byte("kernel bytes"))

	first := httptest.NewRecorder()
	srv.Router().ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/manifest.json", nil))
	require.Equal(t, http.StatusOK, first.Code)

	second := httptest.NewRecorder()
	srv.Router().ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/manifest.json", nil))
	require.Equal(t, http.StatusOK, second.Code)

	// Byte-identical responses, signatures included: the second request
	// was served from the cache, not re-signed.
	assert.Equal(t, first.Body.Bytes(), second.Body.Bytes())
}

func TestManifestRebuiltWhenNearExpiry(t *testing.T) {
	srv, _ := newTestServer(t, []byte("kernel bytes"))

	first := httptest.NewRecorder()
	srv.Router().ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/manifest.json", nil))
	require.Equal(t, http.StatusOK, first.Code)

	// Age the cached manifest to within the revalidation window.
	srv.manifestMu.Lock()
	cached := srv.manifestCache["stable/arm64"]
	require.NotNil(t, cached)
	cached.ExpiresAt = time.Now().Add(30 * time.Minute).UTC().Format(time.RFC3339)
	srv.manifestMu.Unlock()

	second := httptest.NewRecorder()
	srv.Router().ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/manifest.json", nil))
	require.Equal(t, http.StatusOK, second.Code)

	var m manifest.BootManifest
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &m))
	expires, err := time.Parse(time.RFC3339, m.ExpiresAt)
	require.NoError(t, err)
	assert.Greater(t, time.Until(expires), manifestRevalidateWindow)
}

func TestMetricsCountBytesServed(t *testing.T) {
	body := make([]byte, 2048)
	srv, _ := newTestServer(t, body)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stable/arm64/kernel", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, uint64(1), srv.requestsTotalRaw.Load())
	assert.Equal(t, uint64(len(body)), srv.bytesServedRaw.Load())

	ranged := httptest.NewRequest(http.MethodGet, "/stable/arm64/kernel", nil)
	ranged.Header.Set("Range", "bytes=100-299")
	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, ranged)
	require.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, uint64(2), srv.requestsTotalRaw.Load())
	assert.Equal(t, uint64(len(body)+200), srv.bytesServedRaw.Load())
}

func TestHandleHealthOK(t *testing.T) {
	srv, _ := newTestServer(t, []byte("x"))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
