package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/orchlabs/orch/internal/breaker"
	"github.com/orchlabs/orch/internal/flags"
	"github.com/orchlabs/orch/internal/orchestrator"
	"github.com/orchlabs/orch/internal/statestore"
	"github.com/orchlabs/orch/pkg/models"
)

// orchestrateRequest is the JSON body of POST /v1/orchestrate.
type orchestrateRequest struct {
	Message        string           `json:"message"`
	UserID         string           `json:"user_id"`
	ConversationID string           `json:"conversation_id,omitempty"`
	Pattern        string           `json:"pattern,omitempty"`
	AgentID        string           `json:"agent_id,omitempty"`
	Participants   []string         `json:"participants,omitempty"`
	Context        map[string]any   `json:"context,omitempty"`
	Workflow       *workflowPayload `json:"workflow,omitempty"`
	ApprovalID     string           `json:"approval_id,omitempty"`
	ModelOverride  string           `json:"model_override,omitempty"`
}

type workflowPayload struct {
	Steps       []workflowStepPayload `json:"steps"`
	MaxParallel int                   `json:"max_parallel,omitempty"`
}

type workflowStepPayload struct {
	ID        string                `json:"id"`
	AgentID   string                `json:"agent_id"`
	Prompt    string                `json:"prompt,omitempty"`
	DependsOn []string              `json:"depends_on,omitempty"`
	OnlyIf    *stepConditionPayload `json:"only_if,omitempty"`
}

type stepConditionPayload struct {
	StepID   string `json:"step_id"`
	Contains string `json:"contains"`
}

type orchestrateResponse struct {
	Kind           string                  `json:"kind"`
	Reason         string                  `json:"reason,omitempty"`
	ConversationID string                  `json:"conversation_id,omitempty"`
	Status         string                  `json:"status,omitempty"`
	Turns          []*models.Turn          `json:"turns,omitempty"`
	FinalText      string                  `json:"final_text,omitempty"`
	Approval       *models.ApprovalRequest `json:"approval,omitempty"`
}

// statusFor maps an orchestration outcome to an HTTP status code.
func statusFor(kind orchestrator.Kind) int {
	switch kind {
	case orchestrator.KindOK:
		return http.StatusOK
	case orchestrator.KindApprovalRequired:
		return http.StatusAccepted
	case orchestrator.KindInvalidInput:
		return http.StatusBadRequest
	case orchestrator.KindCircuitOpen, orchestrator.KindBudgetExceeded:
		return http.StatusTooManyRequests
	case orchestrator.KindCancelled:
		// 499 is the de facto client-closed-request status.
		return 499
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleOrchestrate(w http.ResponseWriter, r *http.Request) {
	var body orchestrateRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	req := orchestrator.Request{
		Message:        body.Message,
		UserID:         body.UserID,
		ConversationID: body.ConversationID,
		Pattern:        models.CoordinationPattern(body.Pattern),
		AgentID:        body.AgentID,
		Participants:   body.Participants,
		Context:        body.Context,
		ApprovalID:     body.ApprovalID,
		ModelOverride:  body.ModelOverride,
	}
	if body.Workflow != nil {
		wf := &orchestrator.Workflow{MaxParallel: body.Workflow.MaxParallel}
		for _, step := range body.Workflow.Steps {
			ws := orchestrator.WorkflowStep{
				ID:        step.ID,
				AgentID:   step.AgentID,
				Prompt:    step.Prompt,
				DependsOn: step.DependsOn,
			}
			if step.OnlyIf != nil {
				ws.OnlyIf = &orchestrator.StepCondition{
					StepID:   step.OnlyIf.StepID,
					Contains: step.OnlyIf.Contains,
				}
			}
			wf.Steps = append(wf.Steps, ws)
		}
		req.Workflow = wf
	}

	res, err := s.deps.Orchestrator.Orchestrate(r.Context(), req)
	if res == nil {
		s.logger.Error(r.Context(), "orchestrate failed", "error", err)
		writeError(w, http.StatusInternalServerError, "orchestration failed")
		return
	}

	resp := orchestrateResponse{
		Kind:      string(res.Kind),
		Reason:    res.Reason,
		Turns:     res.Turns,
		FinalText: res.FinalText,
		Approval:  res.Approval,
	}
	if res.Conversation != nil {
		resp.ConversationID = res.Conversation.ID
		resp.Status = string(res.Conversation.Status)
	}
	writeJSON(w, statusFor(res.Kind), resp)
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	conv, err := s.deps.Store.GetConversation(r.Context(), id)
	if err != nil {
		if errors.Is(err, statestore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "load conversation failed")
		return
	}
	turns, err := s.deps.Store.ListTurns(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "load turns failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversation": conv,
		"turns":        turns,
	})
}

func (s *Server) handleConversationCost(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.deps.Ledger == nil {
		writeError(w, http.StatusNotImplemented, "cost ledger disabled")
		return
	}
	if _, err := s.deps.Store.GetConversation(r.Context(), id); err != nil {
		if errors.Is(err, statestore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "load conversation failed")
		return
	}
	analytics, err := s.deps.Ledger.ConversationAnalytics(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "cost analytics failed")
		return
	}
	writeJSON(w, http.StatusOK, analytics)
}

type approvalDecision struct {
	Approve bool `json:"approve"`
}

func (s *Server) handleApproval(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body approvalDecision
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req, err := s.deps.Orchestrator.ResolveApproval(r.Context(), id, body.Approve)
	if err != nil {
		if errors.Is(err, statestore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "approval not found")
			return
		}
		// Already settled approvals cannot flip.
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Registry == nil {
		writeError(w, http.StatusNotImplemented, "agent registry disabled")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agents":    s.deps.Registry.List(),
		"loaded_at": s.deps.Registry.LoadedAt().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleAgentsReload(w http.ResponseWriter, r *http.Request) {
	if s.deps.Registry == nil {
		writeError(w, http.StatusNotImplemented, "agent registry disabled")
		return
	}
	if err := s.deps.Registry.Reload(r.Context()); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agents":    len(s.deps.Registry.List()),
		"loaded_at": s.deps.Registry.LoadedAt().UTC().Format(time.RFC3339),
	})
}

// flagPayload is the wire form of one feature flag.
type flagPayload struct {
	Name       string         `json:"name"`
	Enabled    bool           `json:"enabled"`
	Strategy   string         `json:"strategy"`
	Percentage float64        `json:"percentage,omitempty"`
	Users      []string       `json:"users,omitempty"`
	Groups     []string       `json:"groups,omitempty"`
	Variants   map[string]int `json:"variants,omitempty"`
	Usage      *flags.Usage   `json:"usage,omitempty"`
}

func flagToPayload(f *flags.Flag, usage map[string]flags.Usage) flagPayload {
	p := flagPayload{
		Name:       f.Name,
		Enabled:    f.Enabled,
		Strategy:   string(f.Strategy),
		Percentage: f.Percentage,
		Users:      f.Users,
		Groups:     f.Groups,
		Variants:   f.Variants,
	}
	if u, ok := usage[f.Name]; ok {
		p.Usage = &u
	}
	return p
}

func (s *Server) handleFlagsList(w http.ResponseWriter, r *http.Request) {
	if s.deps.Flags == nil {
		writeError(w, http.StatusNotImplemented, "feature flags disabled")
		return
	}
	usage := s.deps.Flags.UsageSnapshot()
	var out []flagPayload
	for _, name := range s.deps.Flags.List() {
		if f, ok := s.deps.Flags.Get(name); ok {
			out = append(out, flagToPayload(f, usage))
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"flags": out})
}

func (s *Server) handleFlagSet(w http.ResponseWriter, r *http.Request) {
	if s.deps.Flags == nil {
		writeError(w, http.StatusNotImplemented, "feature flags disabled")
		return
	}
	name := r.PathValue("name")
	var body flagPayload
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	strategy, err := flags.ParseStrategy(body.Strategy)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	f := &flags.Flag{
		Name:       name,
		Enabled:    body.Enabled,
		Strategy:   strategy,
		Percentage: body.Percentage,
		Users:      body.Users,
		Groups:     body.Groups,
		Variants:   body.Variants,
	}
	s.deps.Flags.Set(f)
	s.logger.Info(r.Context(), "flag updated", "flag", name, "strategy", body.Strategy, "enabled", body.Enabled)
	writeJSON(w, http.StatusOK, flagToPayload(f, nil))
}

func (s *Server) handleBreakerState(w http.ResponseWriter, r *http.Request) {
	if s.deps.Breaker == nil {
		writeError(w, http.StatusNotImplemented, "circuit breaker disabled")
		return
	}
	suspensions := map[string]string{}
	for scope, until := range s.deps.Breaker.Suspensions() {
		suspensions[scope] = until.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"state":       string(s.deps.Breaker.State()),
		"suspensions": suspensions,
	})
}

type overrideRequest struct {
	Code string `json:"code"`

	// Duration bounds how long the override forces the circuit closed.
	Duration string `json:"duration,omitempty"`
}

func (s *Server) handleBreakerOverride(w http.ResponseWriter, r *http.Request) {
	if s.deps.Breaker == nil {
		writeError(w, http.StatusNotImplemented, "circuit breaker disabled")
		return
	}
	var body overrideRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var d time.Duration
	if body.Duration != "" {
		var err error
		d, err = time.ParseDuration(body.Duration)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "duration must be a positive Go duration")
			return
		}
	}
	if err := s.deps.Breaker.Override(r.Context(), body.Code, d); err != nil {
		if errors.Is(err, breaker.ErrBadOverride) {
			writeError(w, http.StatusForbidden, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "override failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"state": string(s.deps.Breaker.State()),
	})
}

type suspendRequest struct {
	Scope string `json:"scope"`

	// Until is an RFC3339 deadline; Duration ("30m") is the alternative.
	Until    string `json:"until,omitempty"`
	Duration string `json:"duration,omitempty"`
}

func (s *Server) handleBreakerSuspend(w http.ResponseWriter, r *http.Request) {
	if s.deps.Breaker == nil {
		writeError(w, http.StatusNotImplemented, "circuit breaker disabled")
		return
	}
	var body suspendRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	scope, err := breaker.ParseScope(body.Scope)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var until time.Time
	switch {
	case body.Until != "":
		until, err = time.Parse(time.RFC3339, body.Until)
		if err != nil {
			writeError(w, http.StatusBadRequest, "until: "+err.Error())
			return
		}
	case body.Duration != "":
		d, err := time.ParseDuration(body.Duration)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "duration must be a positive Go duration")
			return
		}
		until = time.Now().Add(d)
	default:
		writeError(w, http.StatusBadRequest, "one of until or duration is required")
		return
	}
	s.deps.Breaker.Suspend(r.Context(), scope, until)
	writeJSON(w, http.StatusOK, map[string]any{
		"scope": scope,
		"until": until.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleDailyCost(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ledger == nil {
		writeError(w, http.StatusNotImplemented, "cost ledger disabled")
		return
	}
	date := r.URL.Query().Get("date")
	if date != "" {
		if _, err := time.Parse("2006-01-02", date); err != nil {
			writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}
	}
	state, agg, err := s.deps.Ledger.DailyBudget(r.Context(), date)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "daily budget read failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"date":      agg.Date,
		"total_usd": state.TotalCostUSD,
		"limit_usd": state.LimitUSD,
		"status":    string(state.Status),
		"turns":     agg.Turns,
		"tokens":    agg.Tokens,
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// decodeJSON reads a JSON body, capped at 1 MiB.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid JSON body: " + err.Error())
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
