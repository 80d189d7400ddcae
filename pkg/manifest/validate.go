package manifest

import (
	"strings"
	"time"
)

// Validate runs the structural validity rules from the manifest
// specification: required fields non-empty, manifest_version == 1,
// "kernel" present, every artifact hash well-formed, every timestamp
// parseable ISO 8601, and expires_at strictly in the future.
func (m *BootManifest) Validate() error {
	if m.Version == "" {
		return &MissingFieldError{Field: "version"}
	}
	if m.Channel == "" {
		return &MissingFieldError{Field: "channel"}
	}
	if m.Arch == "" {
		return &MissingFieldError{Field: "arch"}
	}
	if m.ManifestVersion != 1 {
		return &InvalidArtifactError{Reason: "manifest_version must be 1"}
	}
	if _, ok := m.Artifacts[KernelArtifactKey]; !ok {
		return &MissingArtifactError{Name: KernelArtifactKey}
	}

	for name, artifact := range m.Artifacts {
		if artifact.Filename == "" {
			return &InvalidArtifactError{Reason: name + ": missing filename"}
		}
		if artifact.SizeBytes == 0 {
			return &InvalidArtifactError{Reason: name + ": size_bytes must be > 0"}
		}
		if !isWellFormedHash(artifact.Hash) {
			return &InvalidHashError{Value: artifact.Hash}
		}
	}

	created, err := parseISO8601(m.CreatedAt)
	if err != nil {
		return &InvalidTimestampError{Value: m.CreatedAt}
	}
	expires, err := parseISO8601(m.ExpiresAt)
	if err != nil {
		return &InvalidTimestampError{Value: m.ExpiresAt}
	}
	_ = created

	if !expires.After(time.Now()) {
		return &ExpiredError{ExpiresAt: m.ExpiresAt}
	}

	return nil
}

// isWellFormedHash checks the "<algo>:<hexdigest>" shape without
// verifying digest length for a specific algorithm, since new algorithms
// may be added later.
func isWellFormedHash(value string) bool {
	parts := strings.SplitN(value, ":", 2)
	if len(parts) != 2 {
		return false
	}
	algo, digest := parts[0], parts[1]
	if algo == "" || digest == "" {
		return false
	}
	for _, r := range digest {
		isHexDigit := (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')
		if !isHexDigit {
			return false
		}
	}
	return true
}
