package api

import (
	"bufio"
	"context"
	"encoding/json"
	stdErrors "errors"
	"net"
	"net/http"
	"time"

	xerrors "mindloom/internal/errors"
	"mindloom/internal/observability/metrics"
	"mindloom/internal/pubsub"
	"mindloom/internal/run"
	"mindloom/internal/runnable"
)

// Server 负责暴露控制面 REST 接口：运行的创建与流式消费、
// 智能体与团队目录的维护，以及健康检查与指标端点。
type Server struct {
	addr    string
	runs    *run.Service
	catalog runnable.Catalog
	broker  pubsub.Broker
	logs    run.LogStore
}

// NewServer 构造 API 服务实例。logs 可以为 nil，此时日志查询接口返回 404。
func NewServer(addr string, runs *run.Service, catalog runnable.Catalog, broker pubsub.Broker, logs run.LogStore) *Server {
	return &Server{addr: addr, runs: runs, catalog: catalog, broker: broker, logs: logs}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:    s.addr,
		Handler: withContext(ctx, s.Routes()),
		// 流式接口会长时间占用连接，这里只限制请求头的读取时间。
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !stdErrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Routes 返回完整的路由表，测试可以直接挂到 httptest.Server 上。
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("POST /api/v1/runs", s.instrument("runs_create", s.handleCreateRun))
	mux.Handle("GET /api/v1/runs", s.instrument("runs_list", s.handleListRuns))
	mux.Handle("GET /api/v1/runs/stats", s.instrument("runs_stats", s.handleRunStats))
	mux.Handle("GET /api/v1/runs/{id}", s.instrument("runs_get", s.handleGetRun))
	mux.Handle("GET /api/v1/runs/{id}/logs", s.instrument("runs_logs", s.handleRunLogs))
	mux.Handle("GET /api/v1/ws/runs/{id}/logs", http.HandlerFunc(s.handleLogSocket))

	mux.Handle("POST /api/v1/agents", s.instrument("agents_create", s.handleCreateAgent))
	mux.Handle("GET /api/v1/agents", s.instrument("agents_list", s.handleListAgents))
	mux.Handle("GET /api/v1/agents/{id}", s.instrument("agents_get", s.handleGetAgent))
	mux.Handle("POST /api/v1/teams", s.instrument("teams_create", s.handleCreateTeam))
	mux.Handle("GET /api/v1/teams", s.instrument("teams_list", s.handleListTeams))
	mux.Handle("GET /api/v1/teams/{id}", s.instrument("teams_get", s.handleGetTeam))

	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /healthz", s.handleHealth)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// instrument 包装处理器，记录请求计数与耗时指标。
func (s *Server) instrument(name string, handler http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		handler(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(start))
	})
}

// statusRecorder 捕获响应状态码，同时透传流式接口依赖的 Flusher 与 Hijacker。
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, xerrors.New(xerrors.CodeUnknown, "底层连接不支持 Hijack")
	}
	return hijacker.Hijack()
}

// errorBody 是所有错误响应的统一结构。
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func mustMarshal(value any) []byte {
	payload, err := json.Marshal(value)
	if err != nil {
		return []byte("{}")
	}
	return payload
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}

// writeServiceError 把领域错误码映射为 HTTP 状态码。
func writeServiceError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case run.CodeRunValidation, xerrors.CodeInvalidArgument, xerrors.CodeRunnableConfig:
		status = http.StatusBadRequest
	case xerrors.CodeNotFound, run.CodeRunNotFound:
		status = http.StatusNotFound
	case xerrors.CodeConflict, run.CodeRunConflict, run.CodeRunTerminal:
		status = http.StatusConflict
	case xerrors.CodeLaunchFailure:
		status = http.StatusBadGateway
	case xerrors.CodeBrokerFailure:
		status = http.StatusServiceUnavailable
	}
	writeError(w, status, string(code), xerrors.Message(err))
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			writeError(w, http.StatusServiceUnavailable, string(xerrors.CodeUnknown), "服务已关闭")
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
