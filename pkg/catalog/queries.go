package catalog

import (
	"sort"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/kneelinghorse/semantext-hub/pkg/manifest"
)

// QueryResult carries the matching manifests and the measured latency of
// the query.
type QueryResult struct {
	Results []*manifest.Manifest `json:"results"`
	Count   int                  `json:"count"`
	TookMS  float64              `json:"took_ms"`
}

// AgentResult carries matching agent URNs and the measured latency.
type AgentResult struct {
	Agents []string `json:"agents"`
	Count  int      `json:"count"`
	TookMS float64  `json:"took_ms"`
}

// GovernanceCriteria filters manifests by governance attributes. Nil/empty
// fields match everything.
type GovernanceCriteria struct {
	Owner          string
	Classification string
	PII            *bool
}

func took(start time.Time) float64 {
	return float64(time.Since(start)) / float64(time.Millisecond)
}

func (c *Catalog) collect(set urnSet) []*manifest.Manifest {
	out := make([]*manifest.Manifest, 0, len(set))
	for urn := range set {
		if m, ok := c.manifests[urn]; ok {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URN < out[j].URN })
	return out
}

func (c *Catalog) queryIndex(idx map[string]urnSet, key string) QueryResult {
	start := time.Now()
	c.mu.RLock()
	results := c.collect(idx[key])
	c.mu.RUnlock()
	return QueryResult{Results: results, Count: len(results), TookMS: took(start)}
}

// FindByTag returns manifests carrying the tag.
func (c *Catalog) FindByTag(tag string) QueryResult {
	return c.queryIndex(c.byTag, tag)
}

// FindByNamespace returns manifests in the namespace.
func (c *Catalog) FindByNamespace(ns string) QueryResult {
	return c.queryIndex(c.byNamespace, ns)
}

// FindByOwner returns manifests owned by the given owner.
func (c *Catalog) FindByOwner(owner string) QueryResult {
	return c.queryIndex(c.byOwner, owner)
}

// FindByType returns manifests of the given type.
func (c *Catalog) FindByType(t manifest.Type) QueryResult {
	return c.queryIndex(c.byType, string(t))
}

// FindByClassification returns manifests with the given classification.
func (c *Catalog) FindByClassification(cls string) QueryResult {
	return c.queryIndex(c.byClassification, cls)
}

// FindByPII returns manifests whose PII flag matches want.
func (c *Catalog) FindByPII(want bool) QueryResult {
	start := time.Now()
	c.mu.RLock()
	var results []*manifest.Manifest
	if want {
		results = c.collect(c.pii)
	} else {
		for urn, m := range c.manifests {
			if _, flagged := c.pii[urn]; !flagged {
				results = append(results, m)
			}
		}
		sort.Slice(results, func(i, j int) bool { return results[i].URN < results[j].URN })
	}
	c.mu.RUnlock()
	return QueryResult{Results: results, Count: len(results), TookMS: took(start)}
}

// FindByGovernance intersects the indexes selected by the criteria,
// scanning the smallest matching set.
func (c *Catalog) FindByGovernance(criteria GovernanceCriteria) QueryResult {
	start := time.Now()
	c.mu.RLock()
	defer c.mu.RUnlock()

	var sets []urnSet
	if criteria.Owner != "" {
		sets = append(sets, c.byOwner[criteria.Owner])
	}
	if criteria.Classification != "" {
		sets = append(sets, c.byClassification[criteria.Classification])
	}
	if criteria.PII != nil && *criteria.PII {
		sets = append(sets, c.pii)
	}

	var results []*manifest.Manifest
	switch {
	case len(sets) == 0:
		// Only a possible PII=false filter; scan everything.
		for urn, m := range c.manifests {
			if criteria.PII != nil && !*criteria.PII {
				if _, flagged := c.pii[urn]; flagged {
					continue
				}
			}
			results = append(results, m)
		}
	default:
		sort.Slice(sets, func(i, j int) bool { return len(sets[i]) < len(sets[j]) })
		smallest := sets[0]
		for urn := range smallest {
			ok := true
			for _, other := range sets[1:] {
				if _, in := other[urn]; !in {
					ok = false
					break
				}
			}
			if ok && criteria.PII != nil && !*criteria.PII {
				if _, flagged := c.pii[urn]; flagged {
					ok = false
				}
			}
			if ok {
				if m, in := c.manifests[urn]; in {
					results = append(results, m)
				}
			}
		}
	}

	sort.Slice(results, func(i, j int) bool { return results[i].URN < results[j].URN })
	return QueryResult{Results: results, Count: len(results), TookMS: took(start)}
}

// FindByTagsOR unions the manifests carrying any of the tags.
func (c *Catalog) FindByTagsOR(tags []string) QueryResult {
	start := time.Now()
	c.mu.RLock()
	union := make(urnSet)
	for _, tag := range tags {
		for urn := range c.byTag[tag] {
			union[urn] = struct{}{}
		}
	}
	results := c.collect(union)
	c.mu.RUnlock()
	return QueryResult{Results: results, Count: len(results), TookMS: took(start)}
}

// FindByURNPattern scans all URNs for a substring match.
func (c *Catalog) FindByURNPattern(substr string) QueryResult {
	start := time.Now()
	c.mu.RLock()
	var results []*manifest.Manifest
	for urn, m := range c.manifests {
		if strings.Contains(urn, substr) {
			results = append(results, m)
		}
	}
	c.mu.RUnlock()
	sort.Slice(results, func(i, j int) bool { return results[i].URN < results[j].URN })
	return QueryResult{Results: results, Count: len(results), TookMS: took(start)}
}

// FindReferences scans every manifest for textual occurrences of the URN in
// its JSON values. The scan walks values rather than the raw string so key
// names never produce false positives; substring hits inside unrelated text
// still count, matching the historical behavior.
func (c *Catalog) FindReferences(urn string) QueryResult {
	start := time.Now()
	c.mu.RLock()
	var results []*manifest.Manifest
	for candidate, raw := range c.raw {
		if candidate == urn {
			continue
		}
		if jsonValuesContain(raw, urn) {
			results = append(results, c.manifests[candidate])
		}
	}
	c.mu.RUnlock()
	sort.Slice(results, func(i, j int) bool { return results[i].URN < results[j].URN })
	return QueryResult{Results: results, Count: len(results), TookMS: took(start)}
}

func jsonValuesContain(raw, needle string) bool {
	found := false
	var walk func(gjson.Result) bool
	walk = func(value gjson.Result) bool {
		if found {
			return false
		}
		switch value.Type {
		case gjson.String:
			if strings.Contains(value.String(), needle) {
				found = true
				return false
			}
		case gjson.JSON:
			value.ForEach(func(_, child gjson.Result) bool {
				return walk(child)
			})
		default:
		}
		return !found
	}
	walk(gjson.Parse(raw))
	return found
}

func (c *Catalog) queryAgents(idx map[string]urnSet, key string) AgentResult {
	start := time.Now()
	c.mu.RLock()
	set := idx[key]
	agents := make([]string, 0, len(set))
	for urn := range set {
		agents = append(agents, urn)
	}
	c.mu.RUnlock()
	sort.Strings(agents)
	return AgentResult{Agents: agents, Count: len(agents), TookMS: took(start)}
}

// FindAgentsByTool returns agents offering the tool.
func (c *Catalog) FindAgentsByTool(tool string) AgentResult {
	return c.queryAgents(c.agentsByTool, tool)
}

// FindAgentsByResource returns agents bound to the resource URI.
func (c *Catalog) FindAgentsByResource(uri string) AgentResult {
	return c.queryAgents(c.agentsByResource, uri)
}

// FindAgentsByWorkflow returns agents participating in the workflow.
func (c *Catalog) FindAgentsByWorkflow(workflowURN string) AgentResult {
	return c.queryAgents(c.agentsByWorkflow, workflowURN)
}

// FindAgentsByAPI returns agents directly indexed against the API URN.
func (c *Catalog) FindAgentsByAPI(apiURN string) AgentResult {
	return c.queryAgents(c.agentsByAPI, apiURN)
}

// FindAgentsForAPI discovers agents reachable through workflow traversal:
// the intersection of the API's consumers (supplied by the dependency
// graph) with the workflow-indexed agents.
func (c *Catalog) FindAgentsForAPI(apiURN string, consumers []string) AgentResult {
	start := time.Now()
	c.mu.RLock()
	union := make(urnSet)
	for _, wf := range consumers {
		for urn := range c.agentsByWorkflow[wf] {
			union[urn] = struct{}{}
		}
	}
	// Direct capability declarations count as well.
	for urn := range c.agentsByAPI[apiURN] {
		union[urn] = struct{}{}
	}
	c.mu.RUnlock()

	agents := make([]string, 0, len(union))
	for urn := range union {
		agents = append(agents, urn)
	}
	sort.Strings(agents)
	return AgentResult{Agents: agents, Count: len(agents), TookMS: took(start)}
}
