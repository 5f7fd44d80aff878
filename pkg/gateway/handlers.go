package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/patchbay/patchbay/internal/tracing"
	"github.com/patchbay/patchbay/pkg/executor"
	"github.com/patchbay/patchbay/pkg/plugin"
)

// errorResponse is the uniform error body for the REST surface.
type errorResponse struct {
	Error string `json:"error"`
}

// invokeRequest is the body of a tool invocation.
type invokeRequest struct {
	Arguments map[string]any `json:"arguments"`
}

// decisionRequest is the body of an approval decision.
type decisionRequest struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// statusForError maps runtime and executor failures onto HTTP statuses.
func statusForError(err error) int {
	switch {
	case errors.Is(err, plugin.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, plugin.ErrRegistryEmpty):
		return http.StatusServiceUnavailable
	case errors.Is(err, plugin.ErrAmbiguousName),
		errors.Is(err, plugin.ErrAlreadyTransitioning),
		errors.Is(err, plugin.ErrInvalidTransition),
		errors.Is(err, plugin.ErrDependencyNotActive),
		errors.Is(err, plugin.ErrPluginExists),
		errors.Is(err, plugin.ErrDuplicateToolName),
		errors.Is(err, plugin.ErrCyclicDependency),
		errors.Is(err, plugin.ErrUnresolvedDependency):
		return http.StatusConflict
	case errors.Is(err, plugin.ErrValidation),
		errors.Is(err, plugin.ErrIncompatibleVersion):
		return http.StatusBadRequest
	case errors.Is(err, executor.ErrApprovalDenied):
		return http.StatusForbidden
	case errors.Is(err, executor.ErrApprovalTimeout):
		return http.StatusRequestTimeout
	case errors.Is(err, executor.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, executor.ErrExecution):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeErr(w http.ResponseWriter, err error) {
	writeError(w, statusForError(err), err.Error())
}

func (s *Server) handlePluginList(w http.ResponseWriter, r *http.Request) {
	state := plugin.State(r.URL.Query().Get("state"))
	switch state {
	case "", plugin.StateUnloaded, plugin.StateLoaded, plugin.StateActive,
		plugin.StateInactive, plugin.StateError:
	default:
		writeError(w, http.StatusBadRequest, "unknown state filter: "+string(state))
		return
	}

	plugins := s.runtime.Plugins(state)
	writeJSON(w, http.StatusOK, map[string]any{
		"plugins": plugins,
		"count":   len(plugins),
	})
}

func (s *Server) handlePluginDetail(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	info, ok := s.runtime.Plugin(id)
	if !ok {
		writeError(w, http.StatusNotFound, "plugin not found: "+id)
		return
	}

	writeJSON(w, http.StatusOK, struct {
		plugin.InstanceInfo
		ToolCount int `json:"tool_count"`
	}{
		InstanceInfo: info,
		ToolCount:    len(info.Manifest.Tools),
	})
}

func (s *Server) handlePluginTools(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.runtime.Plugin(id); !ok {
		writeError(w, http.StatusNotFound, "plugin not found: "+id)
		return
	}

	listings := s.runtime.Tools(id, false)
	names := make([]string, 0, len(listings))
	for _, listing := range listings {
		names = append(names, listing.FullName)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"plugin_id": id,
		"tools":     names,
		"count":     len(names),
	})
}

func (s *Server) handlePluginActivate(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, s.runtime.Activate)
}

func (s *Server) handlePluginDeactivate(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, s.runtime.Deactivate)
}

func (s *Server) handlePluginReload(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, s.runtime.Reload)
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request, transition func(ctx context.Context, id string) error) {
	id := r.PathValue("id")
	if err := transition(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}

	info, _ := s.runtime.Plugin(id)
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleToolList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	activeOnly := true
	if raw := q.Get("active_only"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid active_only value: "+raw)
			return
		}
		activeOnly = parsed
	}

	listings := s.runtime.Tools(q.Get("plugin_id"), activeOnly)
	writeJSON(w, http.StatusOK, map[string]any{
		"tools": listings,
		"count": len(listings),
	})
}

func (s *Server) handleToolDetail(w http.ResponseWriter, r *http.Request) {
	listing, err := s.runtime.FindTool(r.PathValue("name"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

func (s *Server) handleToolResolve(w http.ResponseWriter, r *http.Request) {
	entry, err := s.runtime.Resolve(r.PathValue("name"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"full_name": entry.FullName,
		"plugin_id": entry.PluginID,
	})
}

func (s *Server) handleToolInvoke(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	var req invokeRequest
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
			return
		}
	}

	logger := tracing.LoggerFromContext(r.Context(), s.logger)
	logger.Info().Str("tool", name).Msg("Invoke requested")

	inv, err := s.executor.Invoke(r.Context(), name, req.Arguments)
	if err != nil {
		status := statusForError(err)
		if inv == nil {
			writeError(w, status, err.Error())
			return
		}
		writeJSON(w, status, struct {
			Error      string               `json:"error"`
			Invocation *executor.Invocation `json:"invocation"`
		}{
			Error:      err.Error(),
			Invocation: inv,
		})
		return
	}

	writeJSON(w, http.StatusOK, inv)
}

func (s *Server) handleSystemStatus(w http.ResponseWriter, _ *http.Request) {
	counts := s.runtime.Counts()

	uptime := time.Duration(0)
	if !s.startedAt.IsZero() {
		uptime = time.Since(s.startedAt)
	}

	writeJSON(w, http.StatusOK, struct {
		plugin.Counts
		UptimeSeconds int64  `json:"uptime_seconds"`
		APIVersion    string `json:"api_version"`
	}{
		Counts:        counts,
		UptimeSeconds: int64(uptime.Seconds()),
		APIVersion:    APIVersion,
	})
}

func (s *Server) handleInvocationList(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "invocation history is disabled")
		return
	}

	q := r.URL.Query()
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit value: "+raw)
			return
		}
		limit = parsed
	}

	records, err := s.history.Recent(r.Context(), limit, q.Get("tool"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"invocations": records,
		"count":       len(records),
	})
}

func (s *Server) handleApprovalList(w http.ResponseWriter, _ *http.Request) {
	var pending []PendingApproval
	if s.approvals != nil {
		pending = s.approvals.Pending()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"approvals": pending,
		"count":     len(pending),
	})
}

func (s *Server) handleApprovalDecision(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return
	}

	err := s.resolveApproval(id, executor.ApprovalDecision{
		Approved: req.Approved,
		Reason:   req.Reason,
	}, r.RemoteAddr)
	if err != nil {
		writeErr(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"approval_id": id,
		"approved":    req.Approved,
		"status":      "resolved",
	})
}
