// Package receipt implements the signed execution-receipt value: its
// canonical form, and Ed25519 signing/verification over the digest of
// that form.
package receipt

import (
	"crypto/ed25519"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/phase-network/phase-daemon/pkg/crypto"
)

// Version is the receipt schema version.
const Version = "0.1"

// Receipt attests that a node executed a specific module and observed a
// specific outcome.
type Receipt struct {
	Version    string `json:"version"`
	ModuleHash string `json:"module_hash"`
	ExitCode   uint32 `json:"exit_code"`
	WallTimeMs uint64 `json:"wall_time_ms"`
	Timestamp  uint64 `json:"timestamp"`
	NodePubkey string `json:"node_pubkey"`
	Signature  string `json:"signature"`
}

// New constructs an unsigned receipt with the current unix timestamp.
func New(moduleHash string, exitCode uint32, wallTimeMs uint64) *Receipt {
	return &Receipt{
		Version:    Version,
		ModuleHash: moduleHash,
		ExitCode:   exitCode,
		WallTimeMs: wallTimeMs,
		Timestamp:  uint64(time.Now().Unix()),
	}
}

// CanonicalForm returns the pipe-joined canonical string that is hashed
// and signed: "version|module_hash|exit_code|wall_time_ms|timestamp".
func (r *Receipt) CanonicalForm() string {
	return strings.Join([]string{
		r.Version,
		r.ModuleHash,
		strconv.FormatUint(uint64(r.ExitCode), 10),
		strconv.FormatUint(r.WallTimeMs, 10),
		strconv.FormatUint(r.Timestamp, 10),
	}, "|")
}

// Sign sets NodePubkey and Signature: the receipt's signature is Ed25519
// over SHA-256(CanonicalForm()), not over the raw canonical bytes.
// Verifiers must reproduce this pre-hash discipline.
func (r *Receipt) Sign(signingKey ed25519.PrivateKey) {
	verifyingKey := signingKey.Public().(ed25519.PublicKey)
	digest := crypto.SHA256Bytes([]byte(r.CanonicalForm()))
	r.NodePubkey = crypto.HexEncode(verifyingKey)
	r.Signature = crypto.HexEncode(crypto.Ed25519Sign(signingKey, digest[:]))
}

// SignatureFormatError is returned when the receipt's hex-encoded
// signature or public key cannot be decoded, or has the wrong length.
type SignatureFormatError struct {
	Reason string
}

func (e *SignatureFormatError) Error() string {
	return fmt.Sprintf("receipt: malformed signature: %s", e.Reason)
}

// SignatureInvalidError is returned when decoding succeeds but the
// cryptographic check fails.
type SignatureInvalidError struct{}

func (e *SignatureInvalidError) Error() string { return "receipt: signature verification failed" }

// Verify reports whether the receipt's signature is valid for
// verifyingKey. The caller-supplied key is the trust root; the
// receipt's own node_pubkey field is bookkeeping and is never used to
// check the signature, since it is chosen by whoever produced the
// receipt. Returns *SignatureFormatError for malformed hex or
// wrong-length fields and *SignatureInvalidError for a cryptographic
// mismatch.
func (r *Receipt) Verify(verifyingKey ed25519.PublicKey) (bool, error) {
	if len(verifyingKey) != ed25519.PublicKeySize {
		return false, &SignatureFormatError{Reason: "verifying key has wrong length"}
	}

	sigBytes, err := crypto.HexDecode(r.Signature)
	if err != nil {
		return false, &SignatureFormatError{Reason: err.Error()}
	}
	if len(sigBytes) != ed25519.SignatureSize {
		return false, &SignatureFormatError{Reason: "signature has wrong length"}
	}

	if pubBytes, err := crypto.HexDecode(r.NodePubkey); err != nil {
		return false, &SignatureFormatError{Reason: err.Error()}
	} else if len(pubBytes) != ed25519.PublicKeySize {
		return false, &SignatureFormatError{Reason: "node_pubkey has wrong length"}
	}

	digest := crypto.SHA256Bytes([]byte(r.CanonicalForm()))
	if !crypto.Ed25519Verify(verifyingKey, digest[:], sigBytes) {
		return false, &SignatureInvalidError{}
	}
	return true, nil
}
