package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	xerrors "mindloom/internal/errors"
	"mindloom/internal/pubsub"
	"mindloom/internal/run"
	"mindloom/pkg/logger"
)

// handleCreateRun 创建运行并以 SSE 流的形式返回执行结果。
// 订阅必须发生在作业提交之前，否则执行器先发的结果块会丢失。
func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, http.StatusServiceUnavailable, string(xerrors.CodeInitializationFailure), "运行服务未初始化")
		return
	}

	var req run.StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, string(run.CodeRunValidation), "请求体解析失败")
		return
	}

	ctx := r.Context()
	record, err := s.runs.Create(ctx, req)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	// 先订阅结果频道，再提交作业，保证不漏掉任何结果块。
	sub, err := s.broker.Subscribe(ctx, pubsub.ResultsChannel(record.ID))
	if err != nil {
		logger.L().Error("订阅结果频道失败",
			slog.String("run_id", record.ID),
			slog.Any("error", err),
		)
		wrapped := xerrors.Wrap(xerrors.CodeBrokerFailure, err, "消息代理不可用")
		s.markLaunchFailure(r, record.ID, wrapped)
		writeServiceError(w, wrapped)
		return
	}
	defer sub.Close()

	if err := s.runs.Launch(ctx, record); err != nil {
		writeServiceError(w, err)
		return
	}

	s.streamResults(w, r, record, sub)
}

// markLaunchFailure 在运行还没有机会执行时将其落为 FAILED。
func (s *Server) markLaunchFailure(r *http.Request, runID string, cause error) {
	if _, err := s.runs.MarkFailed(r.Context(), runID, cause.Error()); err != nil {
		logger.L().Error("标记运行失败状态未成功",
			slog.String("run_id", runID),
			slog.Any("error", err),
		)
	}
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	record, err := s.runs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	opts := make([]run.ListOption, 0, 4)
	if raw := query.Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			opts = append(opts, run.WithLimit(parsed))
		}
	}
	if raw := query.Get("skip"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			opts = append(opts, run.WithSkip(parsed))
		}
	}
	if raw := query.Get("status"); raw != "" {
		statuses := make([]run.Status, 0, 2)
		for _, part := range strings.Split(raw, ",") {
			status := run.Status(strings.TrimSpace(part))
			if !run.IsValidStatus(status) {
				writeError(w, http.StatusBadRequest, string(run.CodeRunValidation), "status 过滤值不合法: "+part)
				return
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, run.WithStatuses(statuses...))
	}
	if raw := query.Get("runnable_id"); raw != "" {
		opts = append(opts, run.WithRunnableID(raw))
	}

	records, err := s.runs.List(r.Context(), opts...)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": records, "count": len(records)})
}

func (s *Server) handleRunStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.runs.Stats(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleRunLogs 返回持久化的历史日志。实时日志走 WebSocket 接口。
func (s *Server) handleRunLogs(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		writeError(w, http.StatusNotFound, string(xerrors.CodeNotFound), "日志存储未启用")
		return
	}
	runID := r.PathValue("id")
	if _, err := s.runs.Get(r.Context(), runID); err != nil {
		writeServiceError(w, err)
		return
	}

	limit := 200
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	records, err := s.logs.ListLogs(r.Context(), runID, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": records, "count": len(records)})
}
