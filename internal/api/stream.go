package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	xerrors "Crew-Relay/internal/errors"
	"Crew-Relay/internal/logrelay"
)

type logEvent struct {
	Log string `json:"log"`
}

// handleTaskLogs 以 Server-Sent Events 推送任务日志，客户端断开只结束本次消费。
func (s *Server) handleTaskLogs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("task_id")
	if s.relay == nil {
		s.writeError(w, r, xerrors.New(xerrors.CodeInitializationFailure, "日志中继未初始化"))
		return
	}
	ch, err := s.relay.Lookup(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, r, xerrors.New(xerrors.CodeStreamingUnsupported, ""))
		return
	}
	consumer, err := ch.Acquire()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer consumer.Release()

	s.metrics.StreamOpened()
	defer s.metrics.StreamClosed()

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		line, ok, err := consumer.Next(ctx, s.keepalive)
		if errors.Is(err, logrelay.ErrChannelRemoved) {
			s.logger.Debug("日志通道已清理，结束日志流", slog.String("task_id", id))
			return
		}
		if err != nil {
			s.logger.Debug("日志流已断开", slog.String("task_id", id))
			return
		}
		if !ok {
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
			continue
		}
		payload, err := json.Marshal(logEvent{Log: line})
		if err != nil {
			continue
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return
		}
		flusher.Flush()
	}
}
