// Package crypto provides the content-hashing and signing primitives shared
// by the manifest and receipt trust pipelines: SHA-256 digests rendered as
// "sha256:<hex>", Ed25519 key generation/sign/verify, and hex/base64 codecs.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// ChunkSize is the streaming read size used by SHA256File.
const ChunkSize = 8 * 1024

// InvalidEncodingError is returned when hex or base64 decoding fails.
type InvalidEncodingError struct {
	Encoding string
	Value    string
	Err      error
}

func (e *InvalidEncodingError) Error() string {
	return fmt.Sprintf("invalid %s encoding %q: %v", e.Encoding, e.Value, e.Err)
}

func (e *InvalidEncodingError) Unwrap() error { return e.Err }

// SHA256Bytes returns the 32-byte SHA-256 digest of data.
func SHA256Bytes(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// SHA256Hex returns the digest rendered as "sha256:<hex>".
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// SHA256File streams the file in ChunkSize pieces and returns its digest
// rendered as "sha256:<hex>".
func SHA256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, ChunkSize)
	// Hide *os.File's WriteTo so CopyBuffer reads through buf.
	if _, err := io.CopyBuffer(h, struct{ io.Reader }{f}, buf); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}

// Ed25519Generate creates a new signing/verifying key pair.
func Ed25519Generate() (ed25519.PrivateKey, ed25519.PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return priv, pub, nil
}

// Ed25519Sign signs msg with the given private key.
func Ed25519Sign(signingKey ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(signingKey, msg)
}

// Ed25519Verify reports whether sig is a valid signature of msg under
// verifyingKey. It never panics on malformed input; a bad key or signature
// length simply verifies false.
func Ed25519Verify(verifyingKey ed25519.PublicKey, msg, sig []byte) bool {
	if len(verifyingKey) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(verifyingKey, msg, sig)
}

// HexEncode renders data as lowercase hex.
func HexEncode(data []byte) string {
	return hex.EncodeToString(data)
}

// HexDecode parses a lowercase (or mixed-case) hex string.
func HexDecode(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, &InvalidEncodingError{Encoding: "hex", Value: s, Err: err}
	}
	return b, nil
}

// Base64Encode renders data as standard base64.
func Base64Encode(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// Base64Decode parses a standard base64 string.
func Base64Decode(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, &InvalidEncodingError{Encoding: "base64", Value: s, Err: err}
	}
	return b, nil
}
