package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/seqora/cadence/internal/events"
	"github.com/seqora/cadence/model"
)

const (
	// sseBuffer bounds how far a slow consumer may lag before events are
	// dropped. Delivery across the boundary is best-effort.
	sseBuffer = 64

	sseKeepalive = 15 * time.Second
)

// handleEvents streams broker events to the client as Server-Sent Events.
// The subscription lives for the duration of the request.
func handleEvents(broker *events.Broker, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			WriteError(w, model.NewBadRequestError("streaming is not supported by this connection"))
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		sub := events.NewChanSubscriber(sseBuffer)
		unsubscribe := broker.Subscribe(sub)
		defer unsubscribe()

		keepalive := time.NewTicker(sseKeepalive)
		defer keepalive.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-keepalive.C:
				fmt.Fprint(w, ": keepalive\n\n")
				flusher.Flush()
			case evt := <-sub.Events():
				data, err := json.Marshal(evt)
				if err != nil {
					logger.Warn("sse: event marshal failed", zap.Error(err))
					continue
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.EventType, data)
				flusher.Flush()
			}
		}
	}
}
