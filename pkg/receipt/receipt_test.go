package receipt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phase-network/phase-daemon/pkg/crypto"
)

func signedReceipt(t *testing.T) (*Receipt, []byte) {
	t.Helper()
	signingKey, verifyingKey, err := crypto.Ed25519Generate()
	require.NoError(t, err)

	r := New("sha256:"+crypto.HexEncode(make([]byte, 32)), 0, 42)
	r.Sign(signingKey)
	return r, verifyingKey
}

func TestSignAndVerifyRoundTrip(t *testing.T) {
	r, verifyingKey := signedReceipt(t)
	ok, err := r.Verify(verifyingKey)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyFailsOnMutation(t *testing.T) {
	cases := []func(r *Receipt){
		func(r *Receipt) { r.Version = "0.2" },
		func(r *Receipt) { r.ModuleHash = "sha256:" + crypto.HexEncode(make([]byte, 32))[:63] + "1" },
		func(r *Receipt) { r.ExitCode = r.ExitCode + 1 },
		func(r *Receipt) { r.WallTimeMs = r.WallTimeMs + 1 },
		func(r *Receipt) { r.Timestamp = r.Timestamp + 1 },
	}
	for _, mutate := range cases {
		r, verifyingKey := signedReceipt(t)
		mutate(r)
		ok, err := r.Verify(verifyingKey)
		assert.False(t, ok)
		_ = err
	}
}

func TestVerifyMalformedSignature(t *testing.T) {
	r, verifyingKey := signedReceipt(t)
	r.Signature = "not-hex"
	_, err := r.Verify(verifyingKey)
	var formatErr *SignatureFormatError
	assert.ErrorAs(t, err, &formatErr)
}

func TestVerifyWrongKey(t *testing.T) {
	r, _ := signedReceipt(t)
	_, otherVerifyingKey, err := crypto.Ed25519Generate()
	require.NoError(t, err)

	ok, err := r.Verify(otherVerifyingKey)
	assert.False(t, ok)
	var invalidErr *SignatureInvalidError
	assert.ErrorAs(t, err, &invalidErr)
}

func TestVerifyIgnoresEmbeddedPubkeyAsTrustRoot(t *testing.T) {
	// A forger signs with their own key and embeds their own public key;
	// the receipt is self-consistent but must not verify under the
	// trusted key.
	forgerKey, _, err := crypto.Ed25519Generate()
	require.NoError(t, err)
	forged := New("sha256:"+crypto.HexEncode(make([]byte, 32)), 0, 42)
	forged.Sign(forgerKey)

	_, trustedKey, err := crypto.Ed25519Generate()
	require.NoError(t, err)

	ok, err := forged.Verify(trustedKey)
	assert.False(t, ok)
	var invalidErr *SignatureInvalidError
	assert.ErrorAs(t, err, &invalidErr)
}

func TestCanonicalFormShape(t *testing.T) {
	r := New("sha256:abc", 0, 10)
	r.Timestamp = 1700000000
	assert.Equal(t, "0.1|sha256:abc|0|10|1700000000", r.CanonicalForm())
}
