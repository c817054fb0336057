// Package catalog is the authoritative in-memory index of registered
// manifests: a primary URN map plus inverted indexes over namespace, tag,
// owner, type, classification, and the PII flag, with capability indexes
// for agent discovery. The whole structure is guarded by one RWMutex; after
// Add returns, Has observes the URN from any goroutine.
package catalog

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/kneelinghorse/semantext-hub/pkg/errors"
	"github.com/kneelinghorse/semantext-hub/pkg/manifest"
)

type urnSet map[string]struct{}

// Catalog indexes registered manifests by URN.
type Catalog struct {
	mu sync.RWMutex

	manifests map[string]*manifest.Manifest
	// raw holds the compact JSON of each manifest for textual reference
	// scans.
	raw map[string]string

	byNamespace      map[string]urnSet
	byTag            map[string]urnSet
	byOwner          map[string]urnSet
	byType           map[string]urnSet
	byClassification map[string]urnSet
	pii              urnSet

	agentsByTool     map[string]urnSet
	agentsByResource map[string]urnSet
	agentsByWorkflow map[string]urnSet
	agentsByAPI      map[string]urnSet
}

// New creates an empty catalog.
func New() *Catalog {
	return &Catalog{
		manifests:        make(map[string]*manifest.Manifest),
		raw:              make(map[string]string),
		byNamespace:      make(map[string]urnSet),
		byTag:            make(map[string]urnSet),
		byOwner:          make(map[string]urnSet),
		byType:           make(map[string]urnSet),
		byClassification: make(map[string]urnSet),
		pii:              make(urnSet),
		agentsByTool:     make(map[string]urnSet),
		agentsByResource: make(map[string]urnSet),
		agentsByWorkflow: make(map[string]urnSet),
		agentsByAPI:      make(map[string]urnSet),
	}
}

// Add inserts a manifest into the primary map and every secondary index.
// Inserting a URN that is already present is a conflict; the registry
// writer's conflict check is expected to run first.
func (c *Catalog) Add(m *manifest.Manifest) error {
	if m == nil || m.URN == "" {
		return errors.NewValidationError("manifest with a non-empty urn required", nil)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.manifests[m.URN]; ok {
		return errors.NewConflictError(
			fmt.Sprintf("urn %s is already in the catalog", m.URN), nil).
			WithContext("urn", m.URN)
	}

	c.manifests[m.URN] = m
	if data, err := json.Marshal(m); err == nil {
		c.raw[m.URN] = string(data)
	}

	if m.Namespace != "" {
		addToIndex(c.byNamespace, m.Namespace, m.URN)
	}
	for _, tag := range m.Metadata.Tags {
		addToIndex(c.byTag, tag, m.URN)
	}
	if owner := m.Metadata.Governance.Owner; owner != "" {
		addToIndex(c.byOwner, owner, m.URN)
	}
	addToIndex(c.byType, string(m.Type), m.URN)
	if cls := m.Metadata.Governance.Classification; cls != "" {
		addToIndex(c.byClassification, cls, m.URN)
	}
	if m.Metadata.Governance.PII {
		c.pii[m.URN] = struct{}{}
	}

	if m.Type == manifest.TypeAgent {
		c.indexAgentCapabilities(m)
	}
	return nil
}

// indexAgentCapabilities populates the four agent indexes from the
// manifest's capability arrays. Caller holds the write lock.
func (c *Catalog) indexAgentCapabilities(m *manifest.Manifest) {
	caps := m.Capabilities
	if caps == nil {
		return
	}
	for _, tool := range caps.Tools {
		addToIndex(c.agentsByTool, tool, m.URN)
	}
	for _, res := range caps.Resources {
		addToIndex(c.agentsByResource, res, m.URN)
	}
	for _, wf := range caps.Workflows {
		addToIndex(c.agentsByWorkflow, wf, m.URN)
	}
	for _, api := range caps.APIs {
		addToIndex(c.agentsByAPI, api, m.URN)
	}
}

// Remove deletes a manifest from the primary map and every index. It
// returns false when the URN was not present. Empty index entries may
// remain but never report the URN.
func (c *Catalog) Remove(urn string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.manifests[urn]
	if !ok {
		return false
	}
	delete(c.manifests, urn)
	delete(c.raw, urn)

	if m.Namespace != "" {
		delete(c.byNamespace[m.Namespace], urn)
	}
	for _, tag := range m.Metadata.Tags {
		delete(c.byTag[tag], urn)
	}
	if owner := m.Metadata.Governance.Owner; owner != "" {
		delete(c.byOwner[owner], urn)
	}
	delete(c.byType[string(m.Type)], urn)
	if cls := m.Metadata.Governance.Classification; cls != "" {
		delete(c.byClassification[cls], urn)
	}
	delete(c.pii, urn)

	if caps := m.Capabilities; caps != nil {
		for _, tool := range caps.Tools {
			delete(c.agentsByTool[tool], urn)
		}
		for _, res := range caps.Resources {
			delete(c.agentsByResource[res], urn)
		}
		for _, wf := range caps.Workflows {
			delete(c.agentsByWorkflow[wf], urn)
		}
		for _, api := range caps.APIs {
			delete(c.agentsByAPI[api], urn)
		}
	}
	return true
}

// Has reports whether the URN is in the catalog.
func (c *Catalog) Has(urn string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.manifests[urn]
	return ok
}

// Get returns the manifest for a URN, or nil when absent.
func (c *Catalog) Get(urn string) *manifest.Manifest {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.manifests[urn]
}

// Size returns the number of manifests in the catalog.
func (c *Catalog) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.manifests)
}

// URNs returns every catalog key in unspecified order.
func (c *Catalog) URNs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.manifests))
	for urn := range c.manifests {
		out = append(out, urn)
	}
	return out
}

func addToIndex(idx map[string]urnSet, key, urn string) {
	set, ok := idx[key]
	if !ok {
		set = make(urnSet)
		idx[key] = set
	}
	set[urn] = struct{}{}
}
