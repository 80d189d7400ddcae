// Command phase-verify is a host-process collaborator: it fetches a
// boot manifest over HTTP, checks its signature and freshness, and
// enforces rollback protection against a local cache before a caller
// trusts the manifest's artifacts.
package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/phase-network/phase-daemon/pkg/manifest"
)

func main() {
	manifestURL := flag.String("url", "", "manifest URL to fetch and verify")
	verifyingKeyHex := flag.String("pubkey", "", "hex-encoded Ed25519 verifying key")
	cachePath := flag.String("rollback-cache", "", "path to the rollback version cache file")
	timeout := flag.Duration("timeout", 10*time.Second, "HTTP fetch timeout")
	flag.Parse()

	logger := log.New(os.Stderr, "[phase-verify] ", log.LstdFlags)

	if *manifestURL == "" || *verifyingKeyHex == "" {
		logger.Println("usage: phase-verify -url <manifest-url> -pubkey <hex-key> [-rollback-cache <path>]")
		os.Exit(1)
	}

	if err := run(*manifestURL, *verifyingKeyHex, *cachePath, *timeout, logger); err != nil {
		logger.Printf("verification failed: %v", err)
		os.Exit(1)
	}
	os.Exit(0)
}

func run(manifestURL, verifyingKeyHex, cachePath string, timeout time.Duration, logger *log.Logger) error {
	verifyingKey, err := hex.DecodeString(verifyingKeyHex)
	if err != nil || len(verifyingKey) != ed25519.PublicKeySize {
		return fmt.Errorf("malformed verifying key")
	}

	m, err := fetchManifest(manifestURL, timeout, logger)
	if err != nil {
		return fmt.Errorf("fetch manifest: %w", err)
	}

	if err := m.Validate(); err != nil {
		return fmt.Errorf("manifest invalid: %w", err)
	}

	ok, err := manifest.Verify(m, ed25519.PublicKey(verifyingKey))
	if err != nil {
		return fmt.Errorf("signature check: %w", err)
	}
	if !ok {
		return fmt.Errorf("signature invalid")
	}

	if cachePath != "" {
		cache := manifest.NewRollbackCache(cachePath)
		if err := cache.CheckAndAdvance(m.ManifestVersion); err != nil {
			return fmt.Errorf("rollback check: %w", err)
		}
	}

	logger.Printf("manifest %s/%s version=%s verified ok", m.Channel, m.Arch, m.Version)
	return nil
}

// maxFetchAttempts bounds the retry loop for transient upstream
// failures; attempt n sleeps 2^n seconds before retrying.
const maxFetchAttempts = 3

func fetchManifest(url string, timeout time.Duration, logger *log.Logger) (*manifest.BootManifest, error) {
	client := &http.Client{Timeout: timeout}

	var lastErr error
	for attempt := 0; attempt < maxFetchAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt)) * time.Second
			logger.Printf("retrying in %s (attempt %d/%d): %v", backoff, attempt+1, maxFetchAttempts, lastErr)
			time.Sleep(backoff)
		}

		m, err := fetchOnce(client, url)
		if err == nil {
			return m, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func fetchOnce(client *http.Client, url string) (*manifest.BootManifest, error) {
	resp, err := client.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var m manifest.BootManifest
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &m, nil
}
