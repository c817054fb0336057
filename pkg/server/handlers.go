package server

import (
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kneelinghorse/semantext-hub/pkg/errors"
	"github.com/kneelinghorse/semantext-hub/pkg/lifecycle"
	"github.com/kneelinghorse/semantext-hub/pkg/manifest"
	"github.com/kneelinghorse/semantext-hub/pkg/provenance"
	"github.com/kneelinghorse/semantext-hub/pkg/storage"
)

const defaultReviewer = "registry-api"

type putRequest struct {
	Manifest   json.RawMessage `json:"manifest"`
	Issuer     string          `json:"issuer,omitempty"`
	Signature  json.RawMessage `json:"signature,omitempty"`
	Provenance json.RawMessage `json:"provenance,omitempty"`
}

type putResponse struct {
	Status     string              `json:"status"`
	URN        string              `json:"urn"`
	Digest     string              `json:"digest"`
	Provenance *provenance.Summary `json:"provenance"`
}

type manifestResponse struct {
	URN        string          `json:"urn"`
	Manifest   json.RawMessage `json:"manifest"`
	Digest     string          `json:"digest"`
	Issuer     string          `json:"issuer,omitempty"`
	Signature  json.RawMessage `json:"signature,omitempty"`
	CreatedAt  string          `json:"createdAt,omitempty"`
	UpdatedAt  string          `json:"updatedAt,omitempty"`
	Provenance *provenanceInfo `json:"provenance"`
}

type provenanceInfo struct {
	Builder     string `json:"builder,omitempty"`
	Commit      string `json:"commit,omitempty"`
	Digest      string `json:"digest"`
	PayloadType string `json:"payloadType,omitempty"`
	CommittedAt string `json:"committedAt,omitempty"`
}

func (s *Server) handleWellKnown(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": serviceName,
		"version": serviceVersion,
		"auth":    "api-key",
		"endpoints": []string{
			"GET /health",
			"GET /metrics",
			"GET /v1/registry",
			"GET /v1/registry/{urn}",
			"PUT /v1/registry/{urn}",
			"DELETE /v1/registry/{urn}",
			"GET /v1/resolve?urn=",
			"POST /v1/query",
			"GET /v1/graph/tree?urn=",
			"GET /v1/graph/consumers?urn=",
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	info, err := s.db.Health(r.Context())
	if err != nil {
		writeError(w, r, errors.NewInternalError("health check failed", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"registry": info,
		"rateLimit": map[string]int{
			"windowMs": s.cfg.RateLimit.WindowMS,
			"max":      s.cfg.RateLimit.Max,
		},
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	offset := queryInt(r, "offset", 0)

	urns, err := s.db.ListURNs(r.Context(), limit, offset)
	if err != nil {
		writeError(w, r, errors.NewInternalError("listing registry", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"urns":   urns,
		"count":  len(urns),
		"limit":  limit,
		"offset": offset,
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	urn, err := urnFromPath(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	rec, err := s.db.GetManifest(r.Context(), urn)
	if err != nil {
		writeError(w, r, mapStorageErr(err, urn))
		return
	}

	resp := manifestResponse{
		URN:       rec.URN,
		Manifest:  json.RawMessage(rec.Body),
		Digest:    rec.Digest,
		Issuer:    rec.Issuer,
		CreatedAt: rec.CreatedAt.Format("2006-01-02T15:04:05.000Z07:00"),
		UpdatedAt: rec.UpdatedAt.Format("2006-01-02T15:04:05.000Z07:00"),
	}
	if rec.Signature != "" {
		resp.Signature = json.RawMessage(rec.Signature)
	}
	if prov, err := s.db.GetProvenance(r.Context(), urn); err == nil {
		resp.Provenance = &provenanceInfo{
			Builder:     prov.Builder,
			Commit:      prov.Commit,
			Digest:      prov.Digest,
			PayloadType: prov.PayloadType,
			CommittedAt: prov.CommittedAt.Format("2006-01-02T15:04:05.000Z07:00"),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	urn, err := urnFromPath(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, r, errors.NewValidationError("failed to read request body", err))
		return
	}
	var req putRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, r, errors.NewValidationError("request body is not valid JSON", err))
		return
	}
	if len(req.Manifest) == 0 {
		writeError(w, r, errors.NewValidationError("request has no manifest", nil))
		return
	}

	m, err := manifest.Parse(req.Manifest)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if m.URN != urn {
		writeError(w, r, errors.NewValidationError(
			"manifest urn does not match request path", nil).
			WithContext("path_urn", urn).WithContext("manifest_urn", m.URN))
		return
	}

	digest, err := manifest.Digest(req.Manifest)
	if err != nil {
		writeError(w, r, err)
		return
	}

	summary, err := s.verifyProvenance(req.Provenance)
	if err != nil {
		writeError(w, r, err)
		return
	}

	ctx := r.Context()
	existing, err := s.db.GetManifest(ctx, urn)
	switch {
	case err == nil && existing.Digest == digest:
		// Idempotent re-publish.
		if err := s.recordProvenance(r, urn, digest, &req, summary); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, putResponse{
			Status: "ok", URN: urn, Digest: digest, Provenance: summary,
		})
		return
	case err == nil:
		writeError(w, r, errors.NewConflictError(
			"urn is already registered with different content", nil).
			WithContext("urn", urn).
			WithContext("stored_digest", existing.Digest).
			WithContext("digest", digest))
		return
	case !stderrors.Is(err, storage.ErrNotFound):
		writeError(w, r, errors.NewInternalError("reading registry", err))
		return
	}

	issuer := req.Issuer
	if issuer == "" {
		issuer = defaultReviewer
	}
	if err := s.publish(r, urn, m, issuer); err != nil {
		writeError(w, r, err)
		return
	}

	canonical, err := manifest.Canonical(req.Manifest)
	if err != nil {
		writeError(w, r, err)
		return
	}
	rec := storage.ManifestRecord{
		URN:       urn,
		Body:      canonical,
		Digest:    digest,
		Issuer:    req.Issuer,
		Signature: string(req.Signature),
	}
	if err := s.db.UpsertManifest(ctx, rec); err != nil {
		writeError(w, r, errors.NewInternalError("persisting manifest", err))
		return
	}
	caps := manifest.ExtractCapabilities(req.Manifest)
	if err := s.db.ReplaceCapabilities(ctx, urn, caps); err != nil {
		writeError(w, r, errors.NewInternalError("persisting capabilities", err))
		return
	}
	if err := s.recordProvenance(r, urn, digest, &req, summary); err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, putResponse{
		Status: "ok", URN: urn, Digest: digest, Provenance: summary,
	})
}

// verifyProvenance enforces the attestation policy on a PUT.
func (s *Server) verifyProvenance(envelope json.RawMessage) (*provenance.Summary, error) {
	if len(envelope) == 0 {
		if s.cfg.RequireProvenance {
			return nil, errors.NewProvenanceInvalidError("provenance attestation is required", nil)
		}
		return nil, nil
	}
	if s.verifier == nil {
		if s.cfg.RequireProvenance {
			return nil, errors.NewProvenanceInvalidError("no provenance keys configured", nil)
		}
		// Attestation supplied but verification not configured; ignore it.
		return nil, nil
	}
	return s.verifier.Verify(envelope)
}

func (s *Server) recordProvenance(
	r *http.Request, urn, digest string, req *putRequest, summary *provenance.Summary,
) error {
	if summary == nil {
		return nil
	}
	rec := storage.ProvenanceRecord{
		URN:         urn,
		Envelope:    req.Provenance,
		PayloadType: summary.PayloadType,
		Digest:      digest,
		Issuer:      req.Issuer,
		Builder:     summary.Builder,
		Commit:      summary.Commit,
	}
	if err := s.db.RecordProvenance(r.Context(), rec); err != nil {
		return errors.NewInternalError("persisting provenance", err)
	}
	return nil
}

// publish drives a new manifest through the lifecycle to REGISTERED. The
// network surface publishes directly, so review transitions are
// auto-approved with the issuer as reviewer.
func (s *Server) publish(r *http.Request, urn string, m *manifest.Manifest, issuer string) error {
	ctx := r.Context()
	id := manifestIDFor(urn)

	if !s.files.Exists(id) {
		if _, err := s.orch.Initialize(ctx, id, m); err != nil {
			return err
		}
	}

	for range len(lifecycle.States()) {
		current, err := s.files.LoadStateWithRecovery(ctx, id)
		if err != nil {
			return err
		}
		switch current.State.CurrentState {
		case lifecycle.StateDraft:
			if _, err := s.orch.SubmitForReview(ctx, id); err != nil {
				return err
			}
		case lifecycle.StateReviewed:
			if _, err := s.orch.Approve(ctx, id, issuer, "published via registry api"); err != nil {
				return err
			}
		case lifecycle.StateApproved:
			if _, err := s.orch.Register(ctx, id); err != nil {
				return err
			}
		case lifecycle.StateRejected:
			if _, err := s.orch.RevertToDraft(ctx, id); err != nil {
				return err
			}
		case lifecycle.StateRegistered:
			if s.catalog.Has(m.URN) {
				return nil
			}
			// The snapshot is ahead of the in-memory registry. The transition
			// short-circuits as already applied and only the registry write
			// runs.
			if _, err := s.orch.Register(ctx, id); err != nil {
				return err
			}
			return nil
		}
	}
	return errors.NewInternalError("lifecycle did not reach REGISTERED", nil).
		WithContext("urn", urn)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	urn, err := urnFromPath(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	ctx := r.Context()

	if _, err := s.db.GetManifest(ctx, urn); err != nil {
		writeError(w, r, mapStorageErr(err, urn))
		return
	}

	id := manifestIDFor(urn)
	if _, err := s.orch.Unregister(ctx, id, urn); err != nil && !errors.IsNotFound(err) {
		writeError(w, r, err)
		return
	}
	if err := s.db.DeleteManifest(ctx, urn); err != nil {
		writeError(w, r, mapStorageErr(err, urn))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "urn": urn})
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	urn := r.URL.Query().Get("urn")
	if urn == "" {
		writeError(w, r, errors.NewValidationError("urn query parameter is required", nil))
		return
	}

	rec, err := s.db.GetManifest(r.Context(), urn)
	if err != nil {
		writeError(w, r, mapStorageErr(err, urn))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"urn":          rec.URN,
		"manifest":     json.RawMessage(rec.Body),
		"digest":       rec.Digest,
		"capabilities": manifest.ExtractCapabilities(rec.Body),
	})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Capability string `json:"capability"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, errors.NewValidationError("request body is not valid JSON", err))
		return
	}
	if req.Capability == "" {
		writeError(w, r, errors.NewValidationError("capability is required", nil))
		return
	}

	urns, err := s.db.FindByCapability(r.Context(), req.Capability)
	if err != nil {
		writeError(w, r, errors.NewInternalError("querying capabilities", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"capability": req.Capability,
		"urns":       urns,
		"count":      len(urns),
	})
}

func (s *Server) handleGraphTree(w http.ResponseWriter, r *http.Request) {
	s.handleGraphQuery(w, r, "dependencies", s.graph.DependencyTree)
}

func (s *Server) handleGraphConsumers(w http.ResponseWriter, r *http.Request) {
	s.handleGraphQuery(w, r, "consumers", s.graph.Consumers)
}

func (s *Server) handleGraphQuery(
	w http.ResponseWriter, r *http.Request, field string, query func(string) []string,
) {
	urn := r.URL.Query().Get("urn")
	if urn == "" {
		writeError(w, r, errors.NewValidationError("urn query parameter is required", nil))
		return
	}
	if !s.catalog.Has(urn) {
		writeError(w, r, errors.NewNotFoundError("urn is not registered", nil).
			WithContext("urn", urn))
		return
	}
	result := query(urn)
	writeJSON(w, http.StatusOK, map[string]any{
		"urn":   urn,
		field:   result,
		"count": len(result),
	})
}

func urnFromPath(r *http.Request) (string, error) {
	raw := chi.URLParam(r, "*")
	urn, err := url.PathUnescape(raw)
	if err != nil || urn == "" {
		return "", errors.NewValidationError("invalid urn in path", err)
	}
	return urn, nil
}

// manifestIDFor derives the file-store directory name for a URN.
func manifestIDFor(urn string) string {
	return strings.Map(func(c rune) rune {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			return c
		case c == '.', c == '_', c == '-':
			return c
		default:
			return '-'
		}
	}, urn)
}

func mapStorageErr(err error, urn string) error {
	if stderrors.Is(err, storage.ErrNotFound) {
		return errors.NewNotFoundError("urn is not registered", nil).WithContext("urn", urn)
	}
	return errors.NewInternalError("registry storage failure", err)
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
