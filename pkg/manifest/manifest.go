// Package manifest defines the unit of registration: a structured
// description of an API, dataset, event, workflow, agent, or semantic model,
// keyed by URN. Manifests are immutable once registered.
package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/kneelinghorse/semantext-hub/pkg/errors"
)

// Type is the manifest kind.
type Type string

// Manifest types
const (
	TypeAPI      Type = "api"
	TypeData     Type = "data"
	TypeEvent    Type = "event"
	TypeWorkflow Type = "workflow"
	TypeAgent    Type = "agent"
	TypeSemantic Type = "semantic"
)

// ValidTypes lists the accepted manifest types.
func ValidTypes() []Type {
	return []Type{TypeAPI, TypeData, TypeEvent, TypeWorkflow, TypeAgent, TypeSemantic}
}

// Governance describes ownership and data-handling attributes.
type Governance struct {
	Owner          string `json:"owner,omitempty"`
	Classification string `json:"classification,omitempty"`
	PII            bool   `json:"pii,omitempty"`
}

// Metadata is the common metadata block of every manifest.
type Metadata struct {
	// Tags is an ordered sequence; duplicates are permitted here and
	// de-duplicated at indexing time.
	Tags       []string   `json:"tags,omitempty"`
	Governance Governance `json:"governance,omitempty"`
}

// Endpoint is one operation exposed by an api-typed manifest.
type Endpoint struct {
	ID          string `json:"id,omitempty"`
	Method      string `json:"method,omitempty"`
	Path        string `json:"path,omitempty"`
	Description string `json:"description,omitempty"`
}

// AgentCapabilities lists what an agent-typed manifest can do.
type AgentCapabilities struct {
	Tools     []string `json:"tools,omitempty"`
	Resources []string `json:"resources,omitempty"`
	Workflows []string `json:"workflows,omitempty"`
	APIs      []string `json:"apis,omitempty"`
}

// Manifest is the authoritative description of one catalog entity.
type Manifest struct {
	URN       string   `json:"urn"`
	Type      Type     `json:"type"`
	Namespace string   `json:"namespace,omitempty"`
	Metadata  Metadata `json:"metadata"`

	// Dependencies is the ordered sequence of URNs this manifest depends on.
	Dependencies []string `json:"dependencies,omitempty"`

	// Endpoints is populated for api-typed manifests.
	Endpoints []Endpoint `json:"endpoints,omitempty"`

	// Capabilities is populated for agent-typed manifests.
	Capabilities *AgentCapabilities `json:"capabilities,omitempty"`
}

// Parse validates raw JSON against the manifest schema and decodes it.
func Parse(data []byte) (*Manifest, error) {
	if err := ValidateBytes(data); err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.NewValidationError("failed to decode manifest", err)
	}
	return &m, nil
}

// Validate checks a decoded manifest by round-tripping it through the schema.
func Validate(m *Manifest) error {
	if m == nil {
		return errors.NewValidationError("manifest is required", nil)
	}
	data, err := json.Marshal(m)
	if err != nil {
		return errors.NewValidationError("failed to encode manifest", err)
	}
	return ValidateBytes(data)
}

// Canonical returns the compact JSON encoding of the manifest body used for
// digest computation. On-disk snapshots use the pretty form; digests always
// use this one.
func Canonical(data []byte) ([]byte, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, errors.NewValidationError("invalid manifest JSON", err)
	}
	return json.Marshal(v)
}

// Digest computes the sha256 digest of the canonical form of data,
// returned as "sha256:<hex>".
func Digest(data []byte) (string, error) {
	canonical, err := Canonical(data)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}
