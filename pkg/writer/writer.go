// Package writer performs the cross-cutting fan-out at registration time:
// URN conflict check, catalog insertion, graph batch update, cycle
// post-check, and event emission, with per-phase latency tracking.
package writer

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kneelinghorse/semantext-hub/pkg/catalog"
	"github.com/kneelinghorse/semantext-hub/pkg/errors"
	"github.com/kneelinghorse/semantext-hub/pkg/events"
	"github.com/kneelinghorse/semantext-hub/pkg/graph"
	"github.com/kneelinghorse/semantext-hub/pkg/logger"
	"github.com/kneelinghorse/semantext-hub/pkg/manifest"
	"github.com/kneelinghorse/semantext-hub/pkg/persist"
	"github.com/kneelinghorse/semantext-hub/pkg/telemetry"
)

// EndpointNodeKind is the node kind of the child entities exposed by
// api-typed manifests.
const EndpointNodeKind = "api_endpoint"

// Result reports one registration write with per-phase timings in
// milliseconds and the resulting graph statistics.
type Result struct {
	ManifestID  string             `json:"manifestId"`
	URN         string             `json:"urn"`
	Timings     map[string]float64 `json:"timings"`
	Batch       graph.BatchResult  `json:"batch"`
	GraphStats  graph.Stats        `json:"graphStats"`
	CatalogSize int                `json:"catalogSize"`
	Warnings    []string           `json:"warnings,omitempty"`
}

// UnregisterResult reports both halves of an unregister; both are attempted
// even when one fails.
type UnregisterResult struct {
	URN            string             `json:"urn"`
	CatalogRemoved bool               `json:"catalogRemoved"`
	Graph          graph.RemoveResult `json:"graph"`
	Errors         []string           `json:"errors,omitempty"`
}

// OpStats aggregates writer operations for observability.
type OpStats struct {
	Registrations int     `json:"registrations"`
	Conflicts     int     `json:"conflicts"`
	Errors        int     `json:"errors"`
	AvgTotalMS    float64 `json:"avgTotalMs"`
	LastResult    *Result `json:"lastResult,omitempty"`
}

// Writer orchestrates catalog and graph updates for registrations.
type Writer struct {
	catalog  *catalog.Catalog
	graph    *graph.Graph
	store    *persist.Store
	metrics  *telemetry.Metrics
	notifier *events.Notifier

	mu            sync.Mutex
	registrations int
	conflicts     int
	errorCount    int
	totalMS       float64
	last          *Result
}

// New creates a registry writer over the shared catalog and graph. store
// receives the registration.completed events; metrics may be nil.
func New(cat *catalog.Catalog, g *graph.Graph, store *persist.Store, metrics *telemetry.Metrics) *Writer {
	return &Writer{
		catalog:  cat,
		graph:    g,
		store:    store,
		metrics:  metrics,
		notifier: events.NewNotifier(),
	}
}

// Subscribe registers a handler for writer notifications.
func (w *Writer) Subscribe(kind events.Type, h events.Handler) {
	w.notifier.Subscribe(kind, h)
}

// CheckURNConflict reports whether the URN is already registered.
func (w *Writer) CheckURNConflict(urn string) bool {
	return w.catalog.Has(urn)
}

// Register fans a registered manifest out to the catalog and the graph.
func (w *Writer) Register(
	ctx context.Context,
	manifestID string,
	m *manifest.Manifest,
	metadata map[string]any,
) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, errors.NewCancelledError("register cancelled", err)
	}

	res := Result{
		ManifestID: manifestID,
		URN:        m.URN,
		Timings:    make(map[string]float64),
	}
	start := time.Now()

	// Phase 1: conflict check.
	phase := time.Now()
	conflict := w.catalog.Has(m.URN)
	res.Timings["conflict_check"] = msSince(phase)
	if conflict {
		w.recordConflict()
		return res, errors.NewConflictError(
			fmt.Sprintf("urn %s is already registered", m.URN), nil).
			WithContext("reason", "urn_conflict").
			WithContext("urn", m.URN)
	}

	// Phase 2: batch preparation.
	phase = time.Now()
	batch := prepareBatch(m)
	res.Timings["prepare"] = msSince(phase)

	// Phase 3: catalog add.
	phase = time.Now()
	if err := w.catalog.Add(m); err != nil {
		// The conflict check was expected to catch this; anything here is
		// a logic error.
		w.recordError()
		return res, errors.NewInternalError("catalog insert failed after conflict check", err).
			WithContext("urn", m.URN)
	}
	res.Timings["catalog_add"] = msSince(phase)

	// Phase 4: graph batch. Item errors are surfaced, never fatal.
	phase = time.Now()
	res.Batch = w.graph.ApplyBatch(batch)
	res.Timings["graph_apply"] = msSince(phase)
	if len(res.Batch.Errors) > 0 {
		w.recordError()
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("graph batch reported %d error(s): %s",
				len(res.Batch.Errors), strings.Join(res.Batch.Errors, "; ")))
	}

	// Phase 5: cycle post-check. A new cycle is a warning, not a rollback.
	phase = time.Now()
	if report := w.graph.DetectCyclesFrom([]string{m.URN}); report.Count > 0 {
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("registration introduced a cycle: %s", strings.Join(report.First(), " -> ")))
		logger.Warnw("dependency cycle detected after registration",
			"urn", m.URN, "cycle", report.First())
	}
	res.Timings["cycle_check"] = msSince(phase)

	res.GraphStats = w.graph.Stats()
	res.CatalogSize = w.catalog.Size()
	res.Timings["total"] = msSince(start)

	// Phase 6: event emission.
	payload := map[string]any{
		"urn":         m.URN,
		"timings":     res.Timings,
		"catalogSize": res.CatalogSize,
		"graph":       res.GraphStats,
	}
	ev := events.New(events.RegistrationCompleted, manifestID, payload, metadata)
	if err := w.store.AppendEvent(ctx, manifestID, ev); err != nil {
		return res, err
	}

	w.recordSuccess(&res)
	w.notifier.Emit(ev)
	return res, nil
}

// Unregister removes the URN from the catalog and its primary node from the
// graph. Both sub-steps are attempted regardless of individual failures.
func (w *Writer) Unregister(ctx context.Context, manifestID, urn string) (UnregisterResult, error) {
	res := UnregisterResult{URN: urn}
	if err := ctx.Err(); err != nil {
		return res, errors.NewCancelledError("unregister cancelled", err)
	}

	res.CatalogRemoved = w.catalog.Remove(urn)
	if !res.CatalogRemoved {
		res.Errors = append(res.Errors, fmt.Sprintf("urn %s was not in the catalog", urn))
	}

	res.Graph = w.graph.RemoveNode(urn)
	if !res.Graph.Removed && !res.Graph.Downgraded {
		res.Errors = append(res.Errors, fmt.Sprintf("urn %s had no graph node", urn))
	}

	if w.metrics != nil && (res.CatalogRemoved || res.Graph.Removed || res.Graph.Downgraded) {
		w.metrics.Unregistrations.Inc()
	}

	if res.CatalogRemoved || res.Graph.Removed || res.Graph.Downgraded {
		return res, nil
	}
	return res, errors.NewNotFoundError(
		fmt.Sprintf("urn %s is not registered", urn), nil).
		WithContext("manifestId", manifestID)
}

// Stats returns the aggregated writer statistics.
func (w *Writer) Stats() OpStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	stats := OpStats{
		Registrations: w.registrations,
		Conflicts:     w.conflicts,
		Errors:        w.errorCount,
		LastResult:    w.last,
	}
	if w.registrations > 0 {
		stats.AvgTotalMS = w.totalMS / float64(w.registrations)
	}
	return stats
}

func (w *Writer) recordConflict() {
	w.mu.Lock()
	w.conflicts++
	w.mu.Unlock()
	if w.metrics != nil {
		w.metrics.URNConflicts.Inc()
	}
}

func (w *Writer) recordError() {
	w.mu.Lock()
	w.errorCount++
	w.mu.Unlock()
	if w.metrics != nil {
		w.metrics.WriterErrors.Inc()
	}
}

func (w *Writer) recordSuccess(res *Result) {
	w.mu.Lock()
	w.registrations++
	w.totalMS += res.Timings["total"]
	w.last = res
	w.mu.Unlock()
	if w.metrics != nil {
		w.metrics.Registrations.Inc()
	}
}

// prepareBatch builds the primary node, a depends_on edge per declared
// dependency, and for api manifests an exposed child node per endpoint.
func prepareBatch(m *manifest.Manifest) graph.Batch {
	batch := graph.Batch{
		Nodes: []graph.Node{{
			URN:      m.URN,
			Kind:     string(m.Type),
			Manifest: m,
		}},
	}

	for _, dep := range m.Dependencies {
		batch.Edges = append(batch.Edges, graph.Edge{
			From: m.URN,
			Kind: graph.EdgeDependsOn,
			To:   dep,
		})
	}

	if m.Type == manifest.TypeAPI {
		for _, ep := range m.Endpoints {
			childURN := endpointURN(m.URN, ep)
			batch.Nodes = append(batch.Nodes, graph.Node{
				URN:  childURN,
				Kind: EndpointNodeKind,
			})
			batch.Edges = append(batch.Edges, graph.Edge{
				From: m.URN,
				Kind: graph.EdgeExposes,
				To:   childURN,
				Metadata: map[string]string{
					"method": ep.Method,
					"path":   ep.Path,
				},
			})
		}
	}
	return batch
}

func endpointURN(base string, ep manifest.Endpoint) string {
	if ep.ID != "" {
		return base + "#" + ep.ID
	}
	return base + "#" + strings.ToLower(ep.Method) + ":" + ep.Path
}

func msSince(t time.Time) float64 {
	return float64(time.Since(t)) / float64(time.Millisecond)
}
