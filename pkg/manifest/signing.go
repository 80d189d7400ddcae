package manifest

import (
	"crypto/ed25519"
	"time"

	"github.com/phase-network/phase-daemon/pkg/crypto"
)

// Sign appends a new Ed25519 signature over CanonicalHash(m) to m in
// place and returns the appended Signature.
func Sign(m *BootManifest, signingKey ed25519.PrivateKey) (*Signature, error) {
	digest, err := CanonicalHash(m)
	if err != nil {
		return nil, err
	}

	verifyingKey := signingKey.Public().(ed25519.PublicKey)
	sig := Signature{
		Algorithm: "ed25519",
		KeyID:     crypto.HexEncode(verifyingKey),
		Signature: crypto.HexEncode(crypto.Ed25519Sign(signingKey, digest[:])),
		SignedAt:  formatISO8601(time.Now()),
	}
	m.Signatures = append(m.Signatures, sig)
	return &sig, nil
}

// Verify locates the signature whose key_id matches verifyingKey and
// verifies it against CanonicalHash(m). Absence of a matching key_id is
// reported as *NoSignatureForKeyError, not treated as a structural error.
func Verify(m *BootManifest, verifyingKey ed25519.PublicKey) (bool, error) {
	keyID := crypto.HexEncode(verifyingKey)

	var match *Signature
	for i := range m.Signatures {
		if m.Signatures[i].KeyID == keyID {
			match = &m.Signatures[i]
			break
		}
	}
	if match == nil {
		return false, &NoSignatureForKeyError{KeyID: keyID}
	}

	digest, err := CanonicalHash(m)
	if err != nil {
		return false, err
	}
	sigBytes, err := crypto.HexDecode(match.Signature)
	if err != nil {
		return false, nil
	}
	return crypto.Ed25519Verify(verifyingKey, digest[:], sigBytes), nil
}
