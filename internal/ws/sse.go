package ws

import (
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/feedline/feedline-backend/internal/cache"
)

// SSEHandler is the polyfill for clients that cannot hold a WebSocket.
// It streams the same schedule events as text/event-stream.
type SSEHandler struct {
	cache          *cache.Cache
	allowedOrigins map[string]bool
	logger         *zap.SugaredLogger
}

func NewSSEHandler(c *cache.Cache, allowedOrigins []string, logger *zap.SugaredLogger) *SSEHandler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	origins := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = true
	}
	return &SSEHandler{cache: c, allowedOrigins: origins, logger: logger}
}

func (h *SSEHandler) HandleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	if origin := r.Header.Get("Origin"); h.allowedOrigins[origin] {
		w.Header().Set("Access-Control-Allow-Origin", origin)
	}

	ctx := r.Context()
	sub := h.cache.Subscribe(ctx, cache.ChannelScheduleEvents)
	defer sub.Close()

	fmt.Fprint(w, "event: connected\ndata: {}\n\n")
	flusher.Flush()

	keepalive := time.NewTicker(25 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Channel():
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: schedule_event\ndata: %s\n\n", msg.Payload)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}
