package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/civicmesh/bridgegate/pkg/audit"
	"github.com/civicmesh/bridgegate/pkg/bridge"
	"github.com/civicmesh/bridgegate/pkg/classification"
	"github.com/civicmesh/bridgegate/pkg/gate"
	"github.com/civicmesh/bridgegate/pkg/observability"
	"github.com/civicmesh/bridgegate/pkg/policy"
)

const maxBodyBytes = 1 << 20

// Server exposes the mediation core over HTTP.
type Server struct {
	engine   *gate.Engine
	trail    *audit.Trail
	registry *bridge.Registry
	policies *policy.Store
	obs      *observability.Provider
	logger   *slog.Logger
}

// New builds the HTTP surface. obs may be nil when telemetry is
// disabled.
func New(engine *gate.Engine, trail *audit.Trail, registry *bridge.Registry, policies *policy.Store, obs *observability.Provider) *Server {
	return &Server{
		engine:   engine,
		trail:    trail,
		registry: registry,
		policies: policies,
		obs:      obs,
		logger:   slog.Default().With("component", "server"),
	}
}

// Handler returns the routed handler wrapped in the rate limiter.
func (s *Server) Handler(limiter *GlobalRateLimiter) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/actions", s.handleSubmit)
	mux.HandleFunc("POST /v1/approvals/{id}/decision", s.handleDecide)
	mux.HandleFunc("GET /v1/approvals", s.handlePending)
	mux.HandleFunc("GET /v1/approvals/{id}", s.handleGetApproval)
	mux.HandleFunc("GET /v1/audit", s.handleAudit)
	mux.HandleFunc("GET /v1/audit/verify", s.handleVerify)
	mux.HandleFunc("GET /v1/adapters", s.handleAdapters)
	mux.HandleFunc("GET /v1/gates", s.handleGates)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	if limiter == nil {
		return mux
	}
	return limiter.Middleware(mux)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var action gate.ActionRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&action); err != nil {
		WriteBadRequest(w, "malformed JSON body")
		return
	}

	ctx, done := s.track(r.Context(), "submit_action")
	outcome, err := s.engine.Submit(ctx, action)
	done(err)
	if err != nil {
		s.writeGateError(w, err)
		return
	}
	if s.obs != nil {
		s.obs.RecordSubmission(ctx, action.ActionType, string(outcome.Kind))
		if outcome.Result != nil {
			s.obs.RecordBridgeCall(ctx, action.Adapter, string(outcome.Result.Status))
		}
	}

	status := http.StatusOK
	if outcome.Kind == gate.OutcomePending {
		status = http.StatusAccepted
	}
	writeJSON(w, status, outcome)
}

type decisionBody struct {
	Role          string       `json:"role"`
	Identity      string       `json:"identity"`
	Verdict       gate.Verdict `json:"verdict"`
	Justification string       `json:"justification"`
}

func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body decisionBody
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteBadRequest(w, "malformed JSON body")
		return
	}

	ctx, done := s.track(r.Context(), "record_decision")
	req, err := s.engine.Decide(ctx, id, body.Role, body.Identity, body.Verdict, body.Justification)
	done(err)
	if err != nil {
		s.writeGateError(w, err)
		return
	}
	if s.obs != nil {
		s.obs.RecordDecision(ctx, string(body.Verdict), string(req.State))
		if req.Result != nil {
			adapter := req.Gate.Adapter
			if adapter == "" {
				adapter = req.Action.Adapter
			}
			s.obs.RecordBridgeCall(ctx, adapter, string(req.Result.Status))
		}
	}
	writeJSON(w, http.StatusOK, req)
}

// track opens an operation span when telemetry is wired.
func (s *Server) track(ctx context.Context, name string) (context.Context, func(error)) {
	if s.obs == nil {
		return ctx, func(error) {}
	}
	return s.obs.TrackOperation(ctx, name)
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	pending, err := s.engine.Pending()
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"approvals": pending,
		"count":     len(pending),
	})
}

func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	req, err := s.engine.Get(r.PathValue("id"))
	if err != nil {
		s.writeGateError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	filter, err := parseAuditFilter(r)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	entries, err := s.trail.Query(filter)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries":    entries,
		"count":      len(entries),
		"chain_head": s.trail.ChainHead(),
	})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	from, err := parseUint(r.URL.Query().Get("from_seq"))
	if err != nil {
		WriteBadRequest(w, "from_seq must be an unsigned integer")
		return
	}
	to, err := parseUint(r.URL.Query().Get("to_seq"))
	if err != nil {
		WriteBadRequest(w, "to_seq must be an unsigned integer")
		return
	}
	if verr := s.trail.Verify(from, to); verr != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"intact": false,
			"detail": verr.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"intact":   true,
		"sequence": s.trail.Sequence(),
	})
}

type adapterView struct {
	bridge.AdapterSchema
	Health    *bridge.HealthStatus `json:"health,omitempty"`
	CheckedAt *time.Time           `json:"checked_at,omitempty"`
}

func (s *Server) handleAdapters(w http.ResponseWriter, r *http.Request) {
	schemas := s.registry.List()
	views := make([]adapterView, 0, len(schemas))
	for _, schema := range schemas {
		v := adapterView{AdapterSchema: schema}
		if status, checkedAt, ok := s.registry.LastHealth(schema.Name); ok {
			v.Health = &status
			v.CheckedAt = &checkedAt
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"adapters": views,
		"count":    len(views),
	})
}

func (s *Server) handleGates(w http.ResponseWriter, r *http.Request) {
	gates := s.policies.List()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"schema_version": s.policies.Version(),
		"gates":          gates,
		"count":          len(gates),
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"sequence": s.trail.Sequence(),
	})
}

// writeGateError maps engine errors to HTTP statuses without leaking
// payload or classification detail.
func (s *Server) writeGateError(w http.ResponseWriter, err error) {
	var verr *gate.ValidationError
	switch {
	case errors.As(err, &verr):
		WriteBadRequest(w, verr.Error())
	case errors.Is(err, gate.ErrNotFound):
		WriteNotFound(w, "approval request not found")
	case errors.Is(err, gate.ErrNotAuthorized):
		WriteForbidden(w, "approver role not permitted for this request")
	case errors.Is(err, gate.ErrAlreadyTerminal):
		WriteConflict(w, "approval request already resolved")
	case errors.Is(err, gate.ErrKeyInFlight):
		WriteConflict(w, "an action with this idempotency key is already executing")
	default:
		WriteInternal(w, err)
	}
}

func parseAuditFilter(r *http.Request) (audit.Filter, error) {
	q := r.URL.Query()
	f := audit.Filter{
		Actor:    q.Get("actor"),
		Action:   q.Get("action"),
		Resource: q.Get("resource"),
	}
	if v := q.Get("classification"); v != "" {
		level := classification.Level(v)
		if !level.Valid() {
			return f, errors.New("unknown classification level")
		}
		f.Classification = level
	}
	if v := q.Get("after"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, errors.New("after must be RFC 3339")
		}
		f.After = &t
	}
	if v := q.Get("before"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, errors.New("before must be RFC 3339")
		}
		f.Before = &t
	}
	var err error
	if f.FromSeq, err = parseUint(q.Get("from_seq")); err != nil {
		return f, errors.New("from_seq must be an unsigned integer")
	}
	if f.ToSeq, err = parseUint(q.Get("to_seq")); err != nil {
		return f, errors.New("to_seq must be an unsigned integer")
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, errors.New("limit must be a non-negative integer")
		}
		f.Limit = n
	}
	return f, nil
}

func parseUint(v string) (uint64, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.ParseUint(v, 10, 64)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
