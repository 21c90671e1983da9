package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "mindloom/internal/errors"
	"mindloom/internal/runnable"
)

// createAgentRequest 是 Agent 目录创建接口的请求体。
type createAgentRequest struct {
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	Provider     string `json:"provider,omitempty"`
	Model        string `json:"model"`
	Instructions string `json:"instructions"`
}

type createTeamRequest struct {
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	Instructions string   `json:"instructions"`
	MemberIDs    []string `json:"member_ids"`
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	if s.catalog == nil {
		writeError(w, http.StatusServiceUnavailable, string(xerrors.CodeInitializationFailure), "目录存储未初始化")
		return
	}

	var req createAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, string(xerrors.CodeInvalidArgument), "请求体解析失败")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, string(xerrors.CodeInvalidArgument), "name 不能为空")
		return
	}
	if strings.TrimSpace(req.Model) == "" {
		writeError(w, http.StatusBadRequest, string(xerrors.CodeInvalidArgument), "model 不能为空")
		return
	}

	provider := req.Provider
	if provider == "" {
		provider = "openai"
	}
	record := &runnable.AgentRecord{
		ID:           uuid.NewString(),
		Name:         req.Name,
		Description:  req.Description,
		Provider:     provider,
		Model:        req.Model,
		Instructions: req.Instructions,
		CreatedAt:    time.Now().Unix(),
	}
	if err := s.catalog.CreateAgent(r.Context(), record); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, record)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	record, err := s.catalog.GetAgent(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	records, err := s.catalog.ListAgents(r.Context(), listLimit(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": records, "count": len(records)})
}

func (s *Server) handleCreateTeam(w http.ResponseWriter, r *http.Request) {
	if s.catalog == nil {
		writeError(w, http.StatusServiceUnavailable, string(xerrors.CodeInitializationFailure), "目录存储未初始化")
		return
	}

	var req createTeamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, string(xerrors.CodeInvalidArgument), "请求体解析失败")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, string(xerrors.CodeInvalidArgument), "name 不能为空")
		return
	}
	if len(req.MemberIDs) == 0 {
		writeError(w, http.StatusBadRequest, string(xerrors.CodeInvalidArgument), "member_ids 不能为空")
		return
	}

	record := &runnable.TeamRecord{
		ID:           uuid.NewString(),
		Name:         req.Name,
		Description:  req.Description,
		Instructions: req.Instructions,
		MemberIDs:    req.MemberIDs,
		CreatedAt:    time.Now().Unix(),
	}
	if err := s.catalog.CreateTeam(r.Context(), record); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, record)
}

func (s *Server) handleGetTeam(w http.ResponseWriter, r *http.Request) {
	record, err := s.catalog.GetTeam(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleListTeams(w http.ResponseWriter, r *http.Request) {
	records, err := s.catalog.ListTeams(r.Context(), listLimit(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"teams": records, "count": len(records)})
}

func listLimit(r *http.Request) int {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	return limit
}
