package http

import (
	"errors"
	"log/slog"
	"net/http"

	"keygate/internal/docstore"
	obsmw "keygate/internal/observability/middleware"
	"keygate/internal/service"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// watchHandler upgrades to a websocket and streams change events for one key.
// The first frame is always a snapshot of the current document state so the
// client never has to race a separate GET against the subscription.
func watchHandler(svc *service.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		keyID, ok := keyIDParam(w, r)
		if !ok {
			return
		}
		reqID := obsmw.RequestIDFromContext(r.Context())

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			CompressionMode: websocket.CompressionDisabled,
		})
		if err != nil {
			slog.Warn("watch accept failed", "error", err, "key_id", keyID, "request_id", reqID)
			return
		}
		defer conn.Close(websocket.StatusInternalError, "watch aborted")

		ctx := r.Context()

		snapshot := docstore.Event{}
		doc, err := svc.GetKey(ctx, keyID)
		switch {
		case err == nil:
			snapshot = docstore.Event{Exists: true, Key: doc}
		case errors.Is(err, service.ErrKeyNotFound):
			// exists:false snapshot; the stream stays open in case the
			// key is created later
		default:
			slog.Warn("watch snapshot failed", "error", err, "key_id", keyID, "request_id", reqID)
			conn.Close(websocket.StatusInternalError, "snapshot failed")
			return
		}

		events, cancel := svc.Hub().Subscribe(keyID)
		defer cancel()

		if err := wsjson.Write(ctx, conn, snapshot); err != nil {
			return
		}
		slog.Info("watch started", "key_id", keyID, "request_id", reqID)

		for {
			select {
			case <-ctx.Done():
				conn.Close(websocket.StatusNormalClosure, "")
				return
			case ev, ok := <-events:
				if !ok {
					conn.Close(websocket.StatusNormalClosure, "")
					return
				}
				if err := wsjson.Write(ctx, conn, ev); err != nil {
					slog.Debug("watch write failed", "error", err, "key_id", keyID, "request_id", reqID)
					return
				}
			}
		}
	}
}
