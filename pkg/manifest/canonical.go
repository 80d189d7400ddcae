package manifest

import (
	"encoding/json"

	"github.com/phase-network/phase-daemon/pkg/crypto"
)

// canonicalJSON clones m with Signatures cleared and serializes it.
// Map key order and struct field order are both deterministic in Go's
// encoding/json (maps are sorted by key, structs follow declaration
// order), so this is stable across processes without extra bookkeeping.
func canonicalJSON(m *BootManifest) ([]byte, error) {
	clone := *m
	clone.Signatures = []Signature{}
	return json.Marshal(&clone)
}

// CanonicalHash returns SHA-256 of m's canonical JSON form (signatures
// cleared). It is independent of m.Signatures by construction.
func CanonicalHash(m *BootManifest) ([32]byte, error) {
	data, err := canonicalJSON(m)
	if err != nil {
		return [32]byte{}, err
	}
	return crypto.SHA256Bytes(data), nil
}
