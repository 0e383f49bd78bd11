// Package http provides the HTTP transport adapter for the authorization
// gateway.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/mcp-guard/mcp-guard/internal/domain/authz"
	"github.com/mcp-guard/mcp-guard/internal/domain/decision"
)

// maxRequestBodySize bounds the decoded request body (1 MiB), matching the
// teacher's JSON-RPC body limit.
const maxRequestBodySize = 1 << 20

// Coordinator is the subset of *service.Coordinator the HTTP transport
// depends on.
type Coordinator interface {
	Authorize(ctx context.Context, in authz.AuthorizationInput) (authz.Decision, error)
}

// principalDTO, resourceDTO, etc. are the wire shapes for AuthorizationInput.
// Kept separate from the domain type so the JSON contract can evolve
// without touching the hexagonal core.
type principalDTO struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Role        string         `json:"role"`
	Teams       []string       `json:"teams,omitempty"`
	Attributes  map[string]any `json:"attributes,omitempty"`
	MFAVerified bool           `json:"mfa_verified"`
}

type resourceDTO struct {
	Kind        string   `json:"kind"`
	ID          string   `json:"id"`
	Name        string   `json:"name,omitempty"`
	Description string   `json:"description,omitempty"`
	Sensitivity string   `json:"sensitivity,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	OwnerID     string   `json:"owner_id,omitempty"`
	TeamOwners  []string `json:"team_owners,omitempty"`
	Environment string   `json:"environment,omitempty"`
}

type geoDTO struct {
	Country string `json:"country,omitempty"`
	Region  string `json:"region,omitempty"`
}

type requestContextDTO struct {
	ClientIP  string  `json:"client_ip,omitempty"`
	SessionID string  `json:"session_id,omitempty"`
	RequestID string  `json:"request_id,omitempty"`
	Geo       *geoDTO `json:"geo,omitempty"`
}

// authorizeRequest is the wire shape of POST /v1/authorize.
type authorizeRequest struct {
	Principal     principalDTO      `json:"principal"`
	Action        string            `json:"action"`
	Resource      resourceDTO       `json:"resource"`
	Parameters    map[string]any    `json:"parameters,omitempty"`
	Context       requestContextDTO `json:"context,omitempty"`
	PolicyVersion string            `json:"policy_version,omitempty"`
}

// decisionDTO is the wire shape of an authz.Decision.
type decisionDTO struct {
	Allow              bool           `json:"allow"`
	Reason             string         `json:"reason,omitempty"`
	Obligations        []string       `json:"obligations,omitempty"`
	FilteredParameters map[string]any `json:"filtered_parameters,omitempty"`
	Violations         []violationDTO `json:"violations,omitempty"`
	PolicyVersion      string         `json:"policy_version"`
	EvaluatedAt        time.Time      `json:"evaluated_at"`
	Error              bool           `json:"error,omitempty"`
	RequestID          string         `json:"request_id"`
	Fingerprint        string         `json:"fingerprint,omitempty"`
}

type violationDTO struct {
	RuleID  string `json:"rule_id"`
	Message string `json:"message"`
}

func (req authorizeRequest) toInput(realIP string) authz.AuthorizationInput {
	now := time.Now().UTC()
	requestID := req.Context.RequestID
	if requestID == "" {
		requestID = uuid.New().String()
	}
	clientIP := req.Context.ClientIP
	if clientIP == "" {
		clientIP = realIP
	}

	in := authz.AuthorizationInput{
		Principal: authz.Principal{
			ID:          req.Principal.ID,
			Name:        req.Principal.Name,
			Role:        authz.Role(req.Principal.Role),
			Teams:       req.Principal.Teams,
			Attributes:  req.Principal.Attributes,
			MFAVerified: req.Principal.MFAVerified,
		},
		Action: authz.Action(req.Action),
		Resource: authz.Resource{
			Kind:        authz.ResourceKind(req.Resource.Kind),
			ID:          req.Resource.ID,
			Name:        req.Resource.Name,
			Description: req.Resource.Description,
			Sensitivity: authz.Sensitivity(req.Resource.Sensitivity),
			Tags:        req.Resource.Tags,
			OwnerID:     req.Resource.OwnerID,
			TeamOwners:  req.Resource.TeamOwners,
			Environment: authz.Environment(req.Resource.Environment),
		},
		Parameters: req.Parameters,
		Context: authz.RequestContext{
			Timestamp: now,
			ClientIP:  clientIP,
			SessionID: req.Context.SessionID,
			RequestID: requestID,
		},
		PolicyVersion: req.PolicyVersion,
	}
	if req.Context.Geo != nil {
		in.Context.Geo = &authz.GeoHints{
			Country: req.Context.Geo.Country,
			Region:  req.Context.Geo.Region,
		}
	}
	return in
}

func toDecisionDTO(requestID string, fp string, d authz.Decision) decisionDTO {
	obligations := make([]string, 0, len(d.Obligations))
	for _, o := range d.Obligations {
		obligations = append(obligations, string(o))
	}
	violations := make([]violationDTO, 0, len(d.Violations))
	for _, v := range d.Violations {
		violations = append(violations, violationDTO{RuleID: v.RuleID, Message: v.Message})
	}
	return decisionDTO{
		Allow:              d.Allow,
		Reason:             d.Reason,
		Obligations:        obligations,
		FilteredParameters: d.FilteredParameters,
		Violations:         violations,
		PolicyVersion:      d.PolicyVersion,
		EvaluatedAt:        d.EvaluatedAt,
		Error:              d.Error,
		RequestID:          requestID,
		Fingerprint:        fp,
	}
}

// Handler serves the authorization gateway's HTTP surface: the authorize
// RPC, the policy-evaluate dry-run endpoint, and the decision audit query
// endpoint.
type Handler struct {
	coordinator Coordinator
	queryStore  decision.QueryStore
	reloader    Reloader
	invalidator CacheInvalidator
	logger      *slog.Logger
}

// NewHandler constructs a Handler. queryStore may be nil, in which case
// the audit query endpoint responds 503. reloader/invalidator are set
// separately via the Handler's unexported fields by Transport when a bundle
// reloader is wired in (see WithReloader).
func NewHandler(coordinator Coordinator, queryStore decision.QueryStore, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{coordinator: coordinator, queryStore: queryStore, logger: logger}
}

func (h *Handler) readJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	return json.NewDecoder(r.Body).Decode(v)
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode JSON response", "error", err)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}

// HandleAuthorize processes POST /v1/authorize: the hot-path RPC (§6).
func (h *Handler) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	var req authorizeRequest
	if err := h.readJSON(w, r, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	realIP, _ := r.Context().Value(IPAddressKey).(string)
	in := req.toInput(realIP)

	d, err := h.coordinator.Authorize(r.Context(), in)
	if err != nil {
		switch {
		case errors.Is(err, authz.ErrInvalidInput):
			h.respondError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, authz.ErrEngineDegraded):
			h.respondError(w, http.StatusServiceUnavailable, err.Error())
		default:
			h.logger.Error("authorize failed", "error", err)
			h.respondError(w, http.StatusInternalServerError, "authorization failed")
		}
		return
	}

	h.respondJSON(w, http.StatusOK, toDecisionDTO(in.Context.RequestID, "", d))
}

// HandleEvaluate processes POST /api/v1/policy/evaluate: the admin-only
// dry-run endpoint (§12). It runs the same Authorize path as the hot RPC
// (the coordinator's cache-put is the only thing a dry run cannot opt out
// of without its own code path — see DESIGN.md for why that tradeoff was
// accepted rather than threading a bypass flag through the coordinator).
func (h *Handler) HandleEvaluate(w http.ResponseWriter, r *http.Request) {
	h.HandleAuthorize(w, r)
}

// HandleAuditQuery processes GET /api/v1/audit/decisions: the compliance
// query surface (§12), bounded date range + cursor pagination.
func (h *Handler) HandleAuditQuery(w http.ResponseWriter, r *http.Request) {
	if h.queryStore == nil {
		h.respondError(w, http.StatusServiceUnavailable, "audit query store not configured")
		return
	}

	q := r.URL.Query()
	filter := decision.Filter{
		PrincipalID: q.Get("principal_id"),
		ResourceID:  q.Get("resource_id"),
		Cursor:      q.Get("cursor"),
	}

	if v := q.Get("start_time"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			h.respondError(w, http.StatusBadRequest, "start_time must be RFC3339")
			return
		}
		filter.StartTime = t
	}
	if v := q.Get("end_time"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			h.respondError(w, http.StatusBadRequest, "end_time must be RFC3339")
			return
		}
		filter.EndTime = t
	}
	if v := q.Get("allow"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			h.respondError(w, http.StatusBadRequest, "allow must be a bool")
			return
		}
		filter.Allow = &b
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.respondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}

	records, cursor, err := h.queryStore.Query(r.Context(), filter)
	if err != nil {
		if errors.Is(err, decision.ErrDateRangeExceeded) {
			h.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("audit query failed", "error", err)
		h.respondError(w, http.StatusInternalServerError, "audit query failed")
		return
	}

	h.respondJSON(w, http.StatusOK, auditQueryResponse{
		Records: records,
		Cursor:  cursor,
	})
}

type auditQueryResponse struct {
	Records []decision.Record `json:"records"`
	Cursor  string            `json:"cursor,omitempty"`
}
