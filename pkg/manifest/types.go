// Package manifest implements the typed boot-manifest value, its
// invariants, canonical-form hashing, and Ed25519 signing/verification.
package manifest

import (
	"fmt"
	"time"
)

// ArtifactInfo describes one artifact entry inside a manifest.
type ArtifactInfo struct {
	Filename    string `json:"filename"`
	SizeBytes   uint64 `json:"size_bytes"`
	Hash        string `json:"hash"`
	DownloadURL string `json:"download_url,omitempty"`
}

// Signature is one Ed25519 endorsement of a manifest's canonical hash.
type Signature struct {
	Algorithm string `json:"algorithm"`
	KeyID     string `json:"key_id"`
	Signature string `json:"signature"`
	SignedAt  string `json:"signed_at"`
}

// ProviderInfo optionally names the HTTP surface serving this manifest.
type ProviderInfo struct {
	HTTPAddr string `json:"http_addr,omitempty"`
	PeerID   string `json:"peer_id,omitempty"`
}

// BootManifest is the signed value published by an artifact provider.
// Field order is pinned and must never be reordered: it is part of the
// canonical form used for hashing and signing.
type BootManifest struct {
	ManifestVersion int                     `json:"manifest_version"`
	Version         string                  `json:"version"`
	Channel         string                  `json:"channel"`
	Arch            string                  `json:"arch"`
	CreatedAt       string                  `json:"created_at"`
	ExpiresAt       string                  `json:"expires_at"`
	Artifacts       map[string]ArtifactInfo `json:"artifacts"`
	Signatures      []Signature             `json:"signatures"`
	Provider        *ProviderInfo           `json:"provider,omitempty"`
}

// KernelArtifactKey is the one artifact name every valid manifest must
// carry.
const KernelArtifactKey = "kernel"

// Validation errors. Each is returned as-is so callers can type-switch.

type MissingFieldError struct{ Field string }

func (e *MissingFieldError) Error() string { return fmt.Sprintf("manifest: missing field %q", e.Field) }

type InvalidHashError struct{ Value string }

func (e *InvalidHashError) Error() string { return fmt.Sprintf("manifest: invalid hash %q", e.Value) }

type InvalidArtifactError struct{ Reason string }

func (e *InvalidArtifactError) Error() string {
	return fmt.Sprintf("manifest: invalid artifact: %s", e.Reason)
}

type MissingArtifactError struct{ Name string }

func (e *MissingArtifactError) Error() string {
	return fmt.Sprintf("manifest: missing required artifact %q", e.Name)
}

type InvalidTimestampError struct{ Value string }

func (e *InvalidTimestampError) Error() string {
	return fmt.Sprintf("manifest: invalid timestamp %q", e.Value)
}

type ExpiredError struct{ ExpiresAt string }

func (e *ExpiredError) Error() string { return fmt.Sprintf("manifest: expired at %s", e.ExpiresAt) }

// RollbackError is a monotonicity violation: a manifest version older
// than the last accepted one for the same (channel, arch).
type RollbackError struct {
	Have   int
	Cached int
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("manifest: rollback detected: have version %d, cached version %d", e.Have, e.Cached)
}

// NoSignatureForKeyError is returned by Verify when no signature in the
// manifest matches the given key ID.
type NoSignatureForKeyError struct{ KeyID string }

func (e *NoSignatureForKeyError) Error() string {
	return fmt.Sprintf("manifest: no signature for key %q", e.KeyID)
}

func parseISO8601(value string) (time.Time, error) {
	return time.Parse(time.RFC3339, value)
}

func formatISO8601(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
