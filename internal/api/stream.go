package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	xerrors "mindloom/internal/errors"
	"mindloom/internal/pubsub"
	"mindloom/internal/run"
	"mindloom/pkg/logger"
)

const socketWriteTimeout = 10 * time.Second

// streamResults 把结果频道上的消息以 SSE 形式转发给客户端。
// 第一帧是刚创建的运行记录，之后逐帧转发结果块，终止标记转发后关闭流。
func (s *Server) streamResults(w http.ResponseWriter, r *http.Request, record *run.Run, sub pubsub.Subscription) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, string(xerrors.CodeUnknown), "底层连接不支持流式响应")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if !writeSSE(w, flusher, mustMarshal(record)) {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			// 客户端断开。执行器照常跑完，结果可以事后查询。
			return
		case payload, open := <-sub.Messages():
			if !open {
				// 订阅在终止标记之前中断，尽力补发一帧错误事件再关闭。
				writeSSE(w, flusher, []byte(`{"event":"error","message":"stream interrupted"}`))
				return
			}
			if !writeSSE(w, flusher, payload) {
				return
			}
			if pubsub.IsEndMarker(payload) {
				return
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, payload []byte) bool {
	if _, err := w.Write([]byte("data: ")); err != nil {
		return false
	}
	if _, err := w.Write(payload); err != nil {
		return false
	}
	if _, err := w.Write([]byte("\n\n")); err != nil {
		return false
	}
	flusher.Flush()
	return true
}

var socketUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// 控制面假定由边缘网关做来源校验。
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// handleLogSocket 通过 WebSocket 实时转发运行的日志频道。
// 日志流没有终止标记，连接由任意一侧断开时结束。
func (s *Server) handleLogSocket(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if _, err := s.runs.Get(r.Context(), runID); err != nil {
		writeServiceError(w, err)
		return
	}

	sub, err := s.broker.Subscribe(r.Context(), pubsub.LogsChannel(runID))
	if err != nil {
		logger.L().Error("订阅日志频道失败",
			slog.String("run_id", runID),
			slog.Any("error", err),
		)
		writeServiceError(w, xerrors.Wrap(xerrors.CodeBrokerFailure, err, "消息代理不可用"))
		return
	}
	defer sub.Close()

	conn, err := socketUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade 已经写了错误响应。
		logger.L().Warn("WebSocket 升级失败",
			slog.String("run_id", runID),
			slog.Any("error", err),
		)
		return
	}
	defer conn.Close()

	// 读泵只用于探测客户端断开，任何到站帧都被丢弃。
	disconnected := make(chan struct{})
	go func() {
		defer close(disconnected)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-disconnected:
			return
		case <-r.Context().Done():
			return
		case payload, open := <-sub.Messages():
			if !open {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(socketWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}
}
