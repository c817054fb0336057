// Package provenance verifies DSSE-enveloped build attestations before a
// manifest is admitted into the registry.
package provenance

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/kneelinghorse/semantext-hub/pkg/errors"
)

// Envelope is a DSSE envelope. Payload and Signatures.Sig are base64.
type Envelope struct {
	PayloadType string      `json:"payloadType"`
	Payload     string      `json:"payload"`
	Signatures  []Signature `json:"signatures"`
}

// Signature is one signature over the envelope's PAE.
type Signature struct {
	KeyID string `json:"keyid"`
	Sig   string `json:"sig"`
}

// Key is a trusted verification key.
type Key struct {
	KeyID     string `json:"keyid" mapstructure:"keyid"`
	Alg       string `json:"alg" mapstructure:"alg"`
	PublicKey string `json:"pubkey" mapstructure:"pubkey"`
}

// Summary is the digest of an attestation that the registry persists and
// returns alongside the manifest.
type Summary struct {
	Verified    bool     `json:"verified"`
	KeyID       string   `json:"keyid,omitempty"`
	PayloadType string   `json:"payloadType,omitempty"`
	Builder     string   `json:"builder,omitempty"`
	Commit      string   `json:"commit,omitempty"`
	FinishedOn  string   `json:"buildFinishedOn,omitempty"`
	SubjectSHA  string   `json:"subjectDigest,omitempty"`
	Materials   []string `json:"materials,omitempty"`
}

// AlgEd25519 is the only signature algorithm currently supported.
const AlgEd25519 = "ed25519"

// Verifier checks DSSE envelopes against a fixed trusted key set.
type Verifier struct {
	keys map[string]ed25519.PublicKey
}

// NewVerifier decodes the configured keys. Keys with an unsupported
// algorithm or a malformed public key are rejected up front.
func NewVerifier(keys []Key) (*Verifier, error) {
	v := &Verifier{keys: make(map[string]ed25519.PublicKey, len(keys))}
	for _, k := range keys {
		if k.Alg != "" && k.Alg != AlgEd25519 {
			return nil, errors.NewValidationError(
				fmt.Sprintf("unsupported provenance key algorithm %q", k.Alg), nil)
		}
		raw, err := base64.StdEncoding.DecodeString(k.PublicKey)
		if err != nil {
			return nil, errors.NewValidationError(
				fmt.Sprintf("provenance key %q is not valid base64", k.KeyID), err)
		}
		if len(raw) != ed25519.PublicKeySize {
			return nil, errors.NewValidationError(
				fmt.Sprintf("provenance key %q has wrong length %d", k.KeyID, len(raw)), nil)
		}
		v.keys[k.KeyID] = ed25519.PublicKey(raw)
	}
	return v, nil
}

// KeyCount returns the number of trusted keys.
func (v *Verifier) KeyCount() int {
	return len(v.keys)
}

// Parse decodes a raw DSSE envelope.
func Parse(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, errors.NewProvenanceInvalidError("attestation envelope is not valid JSON", err)
	}
	if env.Payload == "" {
		return nil, errors.NewProvenanceInvalidError("attestation envelope has no payload", nil)
	}
	if len(env.Signatures) == 0 {
		return nil, errors.NewProvenanceInvalidError("attestation envelope has no signatures", nil)
	}
	return &env, nil
}

// PAE computes the DSSE pre-authentication encoding that signatures cover.
func PAE(payloadType string, payload []byte) []byte {
	return fmt.Appendf(nil, "DSSEv1 %d %s %d %s",
		len(payloadType), payloadType, len(payload), payload)
}

// Verify checks every signature path until one validates against a trusted
// key, then extracts the attestation summary from the decoded payload.
func (v *Verifier) Verify(raw []byte) (*Summary, error) {
	env, err := Parse(raw)
	if err != nil {
		return nil, err
	}

	payload, err := base64.StdEncoding.DecodeString(env.Payload)
	if err != nil {
		return nil, errors.NewProvenanceInvalidError("attestation payload is not valid base64", err)
	}
	pae := PAE(env.PayloadType, payload)

	for _, sig := range env.Signatures {
		pub, ok := v.keys[sig.KeyID]
		if !ok {
			continue
		}
		sigBytes, err := base64.StdEncoding.DecodeString(sig.Sig)
		if err != nil {
			continue
		}
		if ed25519.Verify(pub, pae, sigBytes) {
			summary := summarize(payload)
			summary.Verified = true
			summary.KeyID = sig.KeyID
			summary.PayloadType = env.PayloadType
			return summary, nil
		}
	}
	return nil, errors.NewProvenanceInvalidError("no signature verified against a trusted key", nil)
}

// summarize pulls the fields worth persisting out of an in-toto statement.
// Unknown payload shapes simply yield an empty summary.
func summarize(payload []byte) *Summary {
	body := string(payload)
	s := &Summary{
		Builder:    gjson.Get(body, "predicate.builder.id").String(),
		FinishedOn: gjson.Get(body, "predicate.metadata.buildFinishedOn").String(),
		SubjectSHA: gjson.Get(body, "subject.0.digest.sha256").String(),
	}
	if s.FinishedOn == "" {
		s.FinishedOn = gjson.Get(body, "predicate.runDetails.metadata.finishedOn").String()
	}

	commit := gjson.Get(body, "predicate.invocation.configSource.digest.sha1")
	if !commit.Exists() {
		commit = gjson.Get(body, "predicate.materials.0.digest.sha1")
	}
	s.Commit = commit.String()

	gjson.Get(body, "predicate.materials.#.uri").ForEach(func(_, value gjson.Result) bool {
		if value.String() != "" {
			s.Materials = append(s.Materials, value.String())
		}
		return true
	})
	return s
}
