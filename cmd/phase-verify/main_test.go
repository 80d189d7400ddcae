package main

import (
	"encoding/hex"
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phase-network/phase-daemon/pkg/crypto"
	"github.com/phase-network/phase-daemon/pkg/manifest"
)

func signedTestManifest(t *testing.T) (*manifest.BootManifest, string) {
	t.Helper()
	signingKey, verifyingKey, err := crypto.Ed25519Generate()
	require.NoError(t, err)

	m, err := manifest.NewBuilder().
		Version("1.2.0").
		Channel("stable").
		Arch("arm64").
		WithArtifact(manifest.KernelArtifactKey, manifest.ArtifactInfo{
			Filename:  "vmlinuz",
			SizeBytes: 1024,
			Hash:      "sha256:" + hex.EncodeToString(make([]byte, 32)),
		}).
		Build()
	require.NoError(t, err)

	_, err = manifest.Sign(m, signingKey)
	require.NoError(t, err)
	return m, hex.EncodeToString(verifyingKey)
}

func serveManifest(t *testing.T, m *manifest.BootManifest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(m)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func quietLogger() *log.Logger {
	return log.New(os.Stderr, "[phase-verify-test] ", log.LstdFlags)
}

func TestRunVerifiesSignedManifest(t *testing.T) {
	m, pubkeyHex := signedTestManifest(t)
	srv := serveManifest(t, m)

	err := run(srv.URL, pubkeyHex, "", 5*time.Second, quietLogger())
	assert.NoError(t, err)
}

func TestRunRejectsWrongKey(t *testing.T) {
	m, _ := signedTestManifest(t)
	srv := serveManifest(t, m)

	_, otherKey, err := crypto.Ed25519Generate()
	require.NoError(t, err)

	err = run(srv.URL, hex.EncodeToString(otherKey), "", 5*time.Second, quietLogger())
	assert.Error(t, err)
}

func TestRunRejectsTamperedManifest(t *testing.T) {
	m, pubkeyHex := signedTestManifest(t)
	m.Version = "9.9.9" // breaks the canonical hash the signature covers
	srv := serveManifest(t, m)

	err := run(srv.URL, pubkeyHex, "", 5*time.Second, quietLogger())
	assert.Error(t, err)
}

func TestRunEnforcesRollbackCache(t *testing.T) {
	m, pubkeyHex := signedTestManifest(t)
	srv := serveManifest(t, m)

	cachePath := filepath.Join(t.TempDir(), "rollback.cache")
	require.NoError(t, os.WriteFile(cachePath, []byte("5"), 0o644))

	// Served manifest_version is 1, cached is 5: a rollback.
	err := run(srv.URL, pubkeyHex, cachePath, 5*time.Second, quietLogger())
	require.Error(t, err)

	var rollback *manifest.RollbackError
	assert.ErrorAs(t, err, &rollback)
}

func TestRunRejectsMalformedKey(t *testing.T) {
	err := run("http://127.0.0.1:0/manifest.json", "zz", "", time.Second, quietLogger())
	assert.Error(t, err)
}
