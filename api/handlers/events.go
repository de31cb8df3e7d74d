package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/BaSui01/gateflow/internal/eventbus"
	"github.com/BaSui01/gateflow/types"
)

// EventsHandler 请求状态事件流。订阅某个 trace 的步骤状态帧，
// 以 SSE 或 websocket 推给调用方；主题关闭即流结束。
type EventsHandler struct {
	bus    *eventbus.Bus
	logger *zap.Logger
}

// NewEventsHandler 创建事件流处理器
func NewEventsHandler(bus *eventbus.Bus, logger *zap.Logger) *EventsHandler {
	return &EventsHandler{
		bus:    bus,
		logger: logger.With(zap.String("component", "events")),
	}
}

// HandleSSE SSE 事件流
// @Router /v1/events/{trace_id} [get]
func (h *EventsHandler) HandleSSE(w http.ResponseWriter, r *http.Request) {
	traceID := r.PathValue("trace_id")
	if traceID == "" {
		WriteError(w, "", types.NewError(types.SourceClient, types.ErrBadRequest, "trace_id is required").
			WithHTTPStatus(http.StatusBadRequest), h.logger)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, traceID, types.NewError(types.SourceGateway, types.ErrInternal,
			"streaming not supported by transport").WithHTTPStatus(http.StatusInternalServerError), h.logger)
		return
	}

	frames, cancel := h.bus.Subscribe(traceID)
	defer cancel()

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case frame, ok := <-frames:
			if !ok {
				fmt.Fprint(w, "event: done\ndata: {}\n\n")
				flusher.Flush()
				return
			}
			payload, err := json.Marshal(frame)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: status\ndata: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

// HandleWebSocket websocket 事件流
// @Router /v1/events/{trace_id}/ws [get]
func (h *EventsHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	traceID := r.PathValue("trace_id")
	if traceID == "" {
		WriteError(w, "", types.NewError(types.SourceClient, types.ErrBadRequest, "trace_id is required").
			WithHTTPStatus(http.StatusBadRequest), h.logger)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket accept failed",
			zap.String("trace_id", traceID), zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closed")

	frames, cancel := h.bus.Subscribe(traceID)
	defer cancel()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusGoingAway, "client gone")
			return
		case frame, ok := <-frames:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "stream ended")
				return
			}
			if err := wsjson.Write(ctx, conn, frame); err != nil {
				h.logger.Debug("websocket write failed",
					zap.String("trace_id", traceID), zap.Error(err))
				return
			}
		}
	}
}
