package controlapi

import (
	"encoding/json"
	"net/http"
	"sort"

	"kalshibot/internal/kalshitypes"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func parseIntParam(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n := 0
	for _, c := range v {
		if c < '0' || c > '9' {
			return def
		}
		n = n*10 + int(c-'0')
	}
	return n
}

// resolveEnv looks up the environment named by the "environment" query
// parameter, writing a 400 if absent and a 404 if unknown. Returns
// ok=false on failure with the error already written.
func (s *Server) resolveEnv(w http.ResponseWriter, r *http.Request) (EnvResources, kalshitypes.Environment, bool) {
	name := r.URL.Query().Get("environment")
	if name == "" {
		writeError(w, http.StatusBadRequest, "missing environment query parameter")
		return EnvResources{}, "", false
	}
	env := kalshitypes.Environment(name)
	res, ok := s.envs[name]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown environment: "+name)
		return EnvResources{}, "", false
	}
	return res, env, true
}

func (s *Server) resolveAgent(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("id")
	if _, ok := s.agents[id]; !ok {
		writeError(w, http.StatusNotFound, "unknown agent: "+id)
		return "", false
	}
	return id, true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Agent commands and queries ---

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	records := make([]kalshitypes.AgentRecord, 0, len(s.agents))
	for _, a := range s.agents {
		records = append(records, a.Record())
	}
	sort.Slice(records, func(i, j int) bool { return records[i].AgentID < records[j].AgentID })
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleAgentStart(w http.ResponseWriter, r *http.Request) {
	id, ok := s.resolveAgent(w, r)
	if !ok {
		return
	}
	s.agents[id].Enable()
	s.publishAgentState(s.agents[id].Record())
	writeJSON(w, http.StatusOK, s.agents[id].Record())
}

func (s *Server) handleAgentStop(w http.ResponseWriter, r *http.Request) {
	id, ok := s.resolveAgent(w, r)
	if !ok {
		return
	}
	s.agents[id].Disable()
	s.publishAgentState(s.agents[id].Record())
	writeJSON(w, http.StatusOK, s.agents[id].Record())
}

func (s *Server) handleAgentPause(w http.ResponseWriter, r *http.Request) {
	id, ok := s.resolveAgent(w, r)
	if !ok {
		return
	}
	s.agents[id].Pause()
	s.publishAgentState(s.agents[id].Record())
	writeJSON(w, http.StatusOK, s.agents[id].Record())
}

func (s *Server) handleAgentResume(w http.ResponseWriter, r *http.Request) {
	id, ok := s.resolveAgent(w, r)
	if !ok {
		return
	}
	s.agents[id].Resume()
	s.publishAgentState(s.agents[id].Record())
	writeJSON(w, http.StatusOK, s.agents[id].Record())
}

type agentModeRequest struct {
	Mode kalshitypes.AgentMode `json:"mode"`
}

func (s *Server) handleAgentMode(w http.ResponseWriter, r *http.Request) {
	id, ok := s.resolveAgent(w, r)
	if !ok {
		return
	}
	var req agentModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	switch req.Mode {
	case kalshitypes.ModeAuto, kalshitypes.ModeSemiAuto, kalshitypes.ModeFullStop:
	default:
		writeError(w, http.StatusBadRequest, "unknown agent mode: "+string(req.Mode))
		return
	}
	s.agents[id].SetMode(req.Mode)
	s.gate.SetAgentMode(id, req.Mode)
	s.publishAgentState(s.agents[id].Record())
	writeJSON(w, http.StatusOK, s.agents[id].Record())
}

// --- Global trading / environment commands ---

type globalTradingRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleSetGlobalTrading(w http.ResponseWriter, r *http.Request) {
	var req globalTradingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.gate.SetGlobalEnabled(req.Enabled)
	s.publishSystemStatus(s.gate.Status())
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": req.Enabled})
}

type activeEnvironmentRequest struct {
	Environment kalshitypes.Environment `json:"environment"`
}

func (s *Server) handleSetActiveEnvironment(w http.ResponseWriter, r *http.Request) {
	var req activeEnvironmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if _, ok := s.envs[string(req.Environment)]; !ok {
		writeError(w, http.StatusNotFound, "unknown environment: "+string(req.Environment))
		return
	}
	s.gate.SetActiveEnvironment(req.Environment)
	s.publishSystemStatus(s.gate.Status())
	writeJSON(w, http.StatusOK, map[string]string{"active_environment": string(req.Environment)})
}

type credentialsRequest struct {
	Loaded bool `json:"loaded"`
}

func (s *Server) handleSetCredentialsLoaded(w http.ResponseWriter, r *http.Request) {
	env := kalshitypes.Environment(r.PathValue("env"))
	if _, ok := s.envs[string(env)]; !ok {
		writeError(w, http.StatusNotFound, "unknown environment: "+string(env))
		return
	}
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.gate.SetEnvCredentialsLoaded(env, req.Loaded)
	s.publishSystemStatus(s.gate.Status())
	writeJSON(w, http.StatusOK, map[string]bool{"loaded": req.Loaded})
}

// --- Portfolio and market queries ---

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	res, _, ok := s.resolveEnv(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, res.Engine.OpenOrders())
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	res, _, ok := s.resolveEnv(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, res.Engine.AllPositions())
}

func (s *Server) handleFills(w http.ResponseWriter, r *http.Request) {
	_, _, ok := s.resolveEnv(w, r)
	if !ok {
		return
	}
	ticker := r.URL.Query().Get("ticker")
	limit := parseIntParam(r, "limit", 100)
	fills, err := s.store.RecentFills(r.Context(), ticker, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, fills)
}

func (s *Server) handleMarkets(w http.ResponseWriter, r *http.Request) {
	res, _, ok := s.resolveEnv(w, r)
	if !ok {
		return
	}
	statusFilter := r.URL.Query().Get("status")
	limit := parseIntParam(r, "limit", 0)

	all := res.Cache.GetAll()
	out := make([]kalshitypes.MarketState, 0, len(all))
	for _, m := range all {
		if statusFilter != "" && string(m.Status) != statusFilter {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpportunityScore > out[j].OpportunityScore })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	res, _, ok := s.resolveEnv(w, r)
	if !ok {
		return
	}
	balance, err := res.Client.GetBalance(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"balance_cents": balance})
}

func (s *Server) handleSystem(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.gate.Status())
}

func (s *Server) handleRisk(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.risk.GetRiskSnapshot())
}
