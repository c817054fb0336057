package provenance

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kneelinghorse/semantext-hub/pkg/errors"
)

const statement = `{
	"_type": "https://in-toto.io/Statement/v0.1",
	"subject": [{"name": "orders", "digest": {"sha256": "cafe01"}}],
	"predicateType": "https://slsa.dev/provenance/v0.2",
	"predicate": {
		"builder": {"id": "https://builder.example/ci"},
		"invocation": {"configSource": {"digest": {"sha1": "deadbeef"}}},
		"metadata": {"buildFinishedOn": "2026-08-01T12:00:00Z"},
		"materials": [
			{"uri": "git+https://example.com/acme/orders", "digest": {"sha1": "deadbeef"}},
			{"uri": "pkg:golang/github.com/acme/lib@v1.2.3"}
		]
	}
}`

type signer struct {
	keyID string
	pub   ed25519.PublicKey
	priv  ed25519.PrivateKey
}

func newSigner(t *testing.T, keyID string) signer {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return signer{keyID: keyID, pub: pub, priv: priv}
}

func (s signer) trustedKey() Key {
	return Key{
		KeyID:     s.keyID,
		Alg:       AlgEd25519,
		PublicKey: base64.StdEncoding.EncodeToString(s.pub),
	}
}

func (s signer) envelope(t *testing.T, payloadType string, payload []byte) []byte {
	t.Helper()
	sig := ed25519.Sign(s.priv, PAE(payloadType, payload))
	raw, err := json.Marshal(Envelope{
		PayloadType: payloadType,
		Payload:     base64.StdEncoding.EncodeToString(payload),
		Signatures: []Signature{
			{KeyID: s.keyID, Sig: base64.StdEncoding.EncodeToString(sig)},
		},
	})
	require.NoError(t, err)
	return raw
}

const payloadType = "application/vnd.in-toto+json"

func TestVerifyExtractsSummary(t *testing.T) {
	t.Parallel()

	s := newSigner(t, "ci-key")
	v, err := NewVerifier([]Key{s.trustedKey()})
	require.NoError(t, err)
	assert.Equal(t, 1, v.KeyCount())

	summary, err := v.Verify(s.envelope(t, payloadType, []byte(statement)))
	require.NoError(t, err)

	assert.True(t, summary.Verified)
	assert.Equal(t, "ci-key", summary.KeyID)
	assert.Equal(t, payloadType, summary.PayloadType)
	assert.Equal(t, "https://builder.example/ci", summary.Builder)
	assert.Equal(t, "deadbeef", summary.Commit)
	assert.Equal(t, "2026-08-01T12:00:00Z", summary.FinishedOn)
	assert.Equal(t, "cafe01", summary.SubjectSHA)
	assert.Equal(t, []string{
		"git+https://example.com/acme/orders",
		"pkg:golang/github.com/acme/lib@v1.2.3",
	}, summary.Materials)
}

func TestVerifyUnknownPayloadShape(t *testing.T) {
	t.Parallel()

	s := newSigner(t, "ci-key")
	v, err := NewVerifier([]Key{s.trustedKey()})
	require.NoError(t, err)

	summary, err := v.Verify(s.envelope(t, payloadType, []byte(`{"hello": "world"}`)))
	require.NoError(t, err)
	assert.True(t, summary.Verified)
	assert.Empty(t, summary.Builder)
	assert.Empty(t, summary.Materials)
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	t.Parallel()

	s := newSigner(t, "ci-key")
	v, err := NewVerifier([]Key{s.trustedKey()})
	require.NoError(t, err)

	raw := s.envelope(t, payloadType, []byte(statement))
	var env Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	env.Payload = base64.StdEncoding.EncodeToString([]byte(`{"tampered": true}`))
	tampered, err := json.Marshal(env)
	require.NoError(t, err)

	_, err = v.Verify(tampered)
	require.Error(t, err)
	assert.True(t, errors.IsProvenanceInvalid(err))
}

func TestVerifyRejectsUnknownKeyID(t *testing.T) {
	t.Parallel()

	signerA := newSigner(t, "a")
	signerB := newSigner(t, "b")
	v, err := NewVerifier([]Key{signerA.trustedKey()})
	require.NoError(t, err)

	_, err = v.Verify(signerB.envelope(t, payloadType, []byte(statement)))
	require.Error(t, err)
	assert.True(t, errors.IsProvenanceInvalid(err))
}

func TestVerifyAcceptsAnyTrustedSignature(t *testing.T) {
	t.Parallel()

	trusted := newSigner(t, "trusted")
	untrusted := newSigner(t, "untrusted")
	v, err := NewVerifier([]Key{trusted.trustedKey()})
	require.NoError(t, err)

	// Untrusted signature first; the trusted one still wins.
	payload := base64.StdEncoding.EncodeToString([]byte(statement))
	pae := PAE(payloadType, []byte(statement))
	raw, err := json.Marshal(Envelope{
		PayloadType: payloadType,
		Payload:     payload,
		Signatures: []Signature{
			{KeyID: untrusted.keyID, Sig: base64.StdEncoding.EncodeToString(ed25519.Sign(untrusted.priv, pae))},
			{KeyID: trusted.keyID, Sig: base64.StdEncoding.EncodeToString(ed25519.Sign(trusted.priv, pae))},
		},
	})
	require.NoError(t, err)

	summary, err := v.Verify(raw)
	require.NoError(t, err)
	assert.Equal(t, "trusted", summary.KeyID)
}

func TestParseRejectsMalformedEnvelopes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
	}{
		{name: "not json", raw: `{`},
		{name: "no payload", raw: `{"payloadType": "t", "signatures": [{"keyid": "k", "sig": "s"}]}`},
		{name: "no signatures", raw: `{"payloadType": "t", "payload": "cGF5bG9hZA=="}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse([]byte(tt.raw))
			require.Error(t, err)
			assert.True(t, errors.IsProvenanceInvalid(err))
		})
	}
}

func TestVerifyRejectsBadBase64Payload(t *testing.T) {
	t.Parallel()

	s := newSigner(t, "k")
	v, err := NewVerifier([]Key{s.trustedKey()})
	require.NoError(t, err)

	_, err = v.Verify([]byte(`{"payloadType": "t", "payload": "!!!", "signatures": [{"keyid": "k", "sig": "s"}]}`))
	require.Error(t, err)
	assert.True(t, errors.IsProvenanceInvalid(err))
}

func TestNewVerifierRejectsBadKeys(t *testing.T) {
	t.Parallel()

	_, err := NewVerifier([]Key{{KeyID: "k", Alg: "rsa", PublicKey: "x"}})
	assert.True(t, errors.IsValidation(err))

	_, err = NewVerifier([]Key{{KeyID: "k", PublicKey: "not-base64!!"}})
	assert.True(t, errors.IsValidation(err))

	_, err = NewVerifier([]Key{{KeyID: "k", PublicKey: base64.StdEncoding.EncodeToString([]byte("short"))}})
	assert.True(t, errors.IsValidation(err))
}

func TestPAEFormat(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []byte("DSSEv1 4 test 5 hello"), PAE("test", []byte("hello")))
}
