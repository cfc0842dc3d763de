// Package httpapi exposes the engine over JSON/HTTP. It owns request
// decoding, the error-to-status mapping, and per-client rate limiting;
// all semantics live in the service layer.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gatewarden/gatewarden/internal/zerotrust/policy"
	"github.com/gatewarden/gatewarden/internal/zerotrust/registry"
	"github.com/gatewarden/gatewarden/internal/zerotrust/service"
	"github.com/gatewarden/gatewarden/internal/zerotrust/store"
	"github.com/gatewarden/gatewarden/internal/zerotrust/types"
	"github.com/gatewarden/gatewarden/internal/zerotrust/zterr"
)

// maxRequestBody caps the request body size. Policy documents are the
// largest payload and stay well under this.
const maxRequestBody = 64 << 10

type Dependencies struct {
	Logger    *slog.Logger
	Addr      string
	Registry  *registry.Registry
	Verifier  *service.Verifier
	Decisions *service.DecisionService
	Policies  *policy.Manager

	// RateLimitRPS/Burst tune the per-client limiter; zero disables it.
	RateLimitRPS   int
	RateLimitBurst int
}

type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	mux        *http.ServeMux
	registry   *registry.Registry
	verifier   *service.Verifier
	decisions  *service.DecisionService
	policies   *policy.Manager
}

func NewServer(d Dependencies) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	mux := http.NewServeMux()

	s := &Server{
		logger:    d.Logger,
		mux:       mux,
		registry:  d.Registry,
		verifier:  d.Verifier,
		decisions: d.Decisions,
		policies:  d.Policies,
	}

	mux.HandleFunc("POST /v1/identities", s.handleUpsertIdentity)
	mux.HandleFunc("GET /v1/identities/{id}", s.handleGetIdentity)
	mux.HandleFunc("DELETE /v1/identities/{id}", s.handleDeprovisionIdentity)

	mux.HandleFunc("POST /v1/devices", s.handleRegisterDevice)
	mux.HandleFunc("PUT /v1/devices/{id}/trust", s.handleDeviceTrust)
	mux.HandleFunc("POST /v1/devices/{id}/reinstate", s.handleDeviceReinstate)
	mux.HandleFunc("PUT /v1/devices/{id}/posture", s.handleDevicePosture)

	mux.HandleFunc("POST /v1/verify", s.handleVerify)
	mux.HandleFunc("POST /v1/sessions/{id}/revoke", s.handleRevokeSession)

	mux.HandleFunc("POST /v1/access/grant", s.handleGrant)
	mux.HandleFunc("POST /v1/access/check", s.handleCheck)

	mux.HandleFunc("POST /v1/policies", s.handleCreatePolicy)
	mux.HandleFunc("GET /v1/policies", s.handleListPolicies)
	mux.HandleFunc("GET /v1/policies/{name}", s.handleLatestPolicy)
	mux.HandleFunc("PUT /v1/policies/{name}", s.handleUpdatePolicy)
	mux.HandleFunc("DELETE /v1/policies/{name}", s.handleDeletePolicy)

	mux.HandleFunc("GET /v1/decisions", s.handleQueryDecisions)
	mux.HandleFunc("GET /v1/violations", s.handleQueryViolations)
	mux.HandleFunc("PUT /v1/violations/{id}/status", s.handleViolationStatus)

	handler := loggingMiddleware(d.Logger, mux)
	if d.RateLimitRPS > 0 {
		handler = rateLimitMiddleware(d.RateLimitRPS, d.RateLimitBurst, handler)
	}

	s.httpServer = &http.Server{
		Addr:              d.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ── Registry ─────────────────────────────────────────────────────────────────

type identityRequest struct {
	ID         string            `json:"id"`
	Attributes map[string]string `json:"attributes"`
}

func (s *Server) handleUpsertIdentity(w http.ResponseWriter, r *http.Request) {
	var req identityRequest
	if !s.decode(w, r, &req) {
		return
	}
	ident, err := s.registry.UpsertIdentity(r.Context(), req.ID, req.Attributes)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ident)
}

func (s *Server) handleGetIdentity(w http.ResponseWriter, r *http.Request) {
	ident, err := s.registry.GetIdentity(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ident)
}

func (s *Server) handleDeprovisionIdentity(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.DeprovisionIdentity(r.Context(), r.PathValue("id")); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type deviceRequest struct {
	ID              string            `json:"id"`
	OwnerIdentityID string            `json:"owner_identity_id"`
	Posture         map[string]string `json:"posture"`
}

func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req deviceRequest
	if !s.decode(w, r, &req) {
		return
	}
	dev, err := s.registry.RegisterDevice(r.Context(), req.ID, req.OwnerIdentityID, req.Posture)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dev)
}

func (s *Server) handleDeviceTrust(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TrustLevel string `json:"trust_level"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	dev, err := s.registry.UpdateDeviceTrustLevel(r.Context(), r.PathValue("id"), types.TrustLevel(req.TrustLevel))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dev)
}

func (s *Server) handleDeviceReinstate(w http.ResponseWriter, r *http.Request) {
	dev, err := s.registry.ReinstateDevice(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dev)
}

func (s *Server) handleDevicePosture(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Posture map[string]string `json:"posture"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	dev, err := s.registry.UpdateDevicePosture(r.Context(), r.PathValue("id"), req.Posture)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dev)
}

// ── Verification and sessions ────────────────────────────────────────────────

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req service.VerifyRequest
	if !s.decode(w, r, &req) {
		return
	}
	resp, err := s.verifier.Verify(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	// A failed verification is a 200 with verified=false, not an error.
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	sess, err := s.registry.RevokeSession(r.Context(), r.PathValue("id"), req.Reason)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// ── Access decisions ─────────────────────────────────────────────────────────

func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request) {
	var req service.GrantRequest
	if !s.decode(w, r, &req) {
		return
	}
	d, err := s.decisions.DecideGrant(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	// Denials are successful decisions: 200 with outcome=denied.
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req service.CheckRequest
	if !s.decode(w, r, &req) {
		return
	}
	d, err := s.decisions.DecideCheck(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// ── Policies ─────────────────────────────────────────────────────────────────

func (s *Server) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	var d policy.Draft
	if !s.decode(w, r, &d) {
		return
	}
	p, err := s.policies.Create(r.Context(), d)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	var d policy.Draft
	if !s.decode(w, r, &d) {
		return
	}
	p, err := s.policies.Update(r.Context(), r.PathValue("name"), d)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	ps, err := s.policies.List(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ps)
}

func (s *Server) handleLatestPolicy(w http.ResponseWriter, r *http.Request) {
	p, err := s.policies.Latest(r.Context(), r.PathValue("name"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	if err := s.policies.Delete(r.Context(), r.PathValue("name")); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── Audit ────────────────────────────────────────────────────────────────────

func (s *Server) handleQueryDecisions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.DecisionFilter{
		IdentityID: q.Get("identity_id"),
		ResourceID: q.Get("resource_id"),
		Outcome:    types.Outcome(q.Get("outcome")),
		Limit:      queryInt(q.Get("limit")),
	}
	var ok bool
	if f.From, ok = queryTime(w, q.Get("from")); !ok {
		return
	}
	if f.To, ok = queryTime(w, q.Get("to")); !ok {
		return
	}

	ds, err := s.decisions.Decisions(r.Context(), f)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ds)
}

func (s *Server) handleQueryViolations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.ViolationFilter{
		SubjectID:   q.Get("subject_id"),
		SubjectType: types.SubjectType(q.Get("subject_type")),
		Severity:    types.Severity(q.Get("severity")),
		Status:      types.ViolationStatus(q.Get("status")),
		Limit:       queryInt(q.Get("limit")),
	}
	var ok bool
	if f.From, ok = queryTime(w, q.Get("from")); !ok {
		return
	}
	if f.To, ok = queryTime(w, q.Get("to")); !ok {
		return
	}

	vs, err := s.decisions.Violations(r.Context(), f)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, vs)
}

func (s *Server) handleViolationStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	v, err := s.decisions.UpdateViolationStatus(r.Context(), r.PathValue("id"), types.ViolationStatus(req.Status))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// ── Helpers ──────────────────────────────────────────────────────────────────

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "invalid JSON body")
		return false
	}
	return true
}

// writeServiceError maps the engine's error taxonomy onto HTTP statuses.
// Anything unclassified is a 500, logged with the request path.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, zterr.ErrValidation):
		writeError(w, http.StatusBadRequest, "validation", err.Error())
	case errors.Is(err, zterr.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, zterr.ErrPolicyConflict):
		writeError(w, http.StatusConflict, "policy_conflict", err.Error())
	case errors.Is(err, zterr.ErrTransient):
		s.logger.Warn("transient failure", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusServiceUnavailable, "transient", "temporarily unavailable, retry")
	default:
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "unexpected server error")
	}
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: code, Message: msg})
}

func queryInt(v string) int {
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func queryTime(w http.ResponseWriter, v string) (time.Time, bool) {
	if v == "" {
		return time.Time{}, true
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation", "timestamps must be RFC 3339")
		return time.Time{}, false
	}
	return t, true
}
