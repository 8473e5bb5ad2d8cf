package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bastion-backup/bastion/hub/internal/websocket"
)

// newConnectHandler returns the HTTP handler agents hit to open their
// persistent websocket stream. The node ID and enrollment token are carried
// as query parameters since the handshake happens before any JSON frame can
// be exchanged. chi's Recoverer middleware wraps this handler: a panic in
// this goroutine (including Client.Run's readPump) is recovered instead of
// crashing the hub. Once the connection is upgraded no 500 reaches the
// agent, and a panic in writePump's own goroutine is not recovered.
func newConnectHandler(cfg RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		nodeIDStr := r.URL.Query().Get("node_id")
		if nodeIDStr == "" {
			http.Error(w, "missing node_id", http.StatusBadRequest)
			return
		}
		if cfg.EnrollToken != "" && r.URL.Query().Get("token") != cfg.EnrollToken {
			http.Error(w, "invalid enrollment token", http.StatusUnauthorized)
			return
		}

		client, err := websocket.NewClient(cfg.Hub, w, r, nodeIDStr, cfg.NodeMgr, cfg.Logger)
		if err != nil {
			cfg.Logger.Warn("websocket upgrade failed", zap.String("node_id", nodeIDStr), zap.Error(err))
			return
		}

		nodeID, err := uuid.Parse(nodeIDStr)
		if err == nil {
			_ = cfg.Nodes.UpdateStatus(r.Context(), nodeID, "online", time.Now().UTC())
			pushConfigSnapshotOnConnect(cfg, nodeID)
		}

		client.Run()
	}
}

// pushConfigSnapshotOnConnect gives the agent's offline scheduler a current
// job cache the moment it reconnects, rather than waiting for its next job
// change to trigger a push. Runs in the background so it never delays the
// upgrade response.
func pushConfigSnapshotOnConnect(cfg RouterConfig, nodeID uuid.UUID) {
	if cfg.Scheduler == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := cfg.Scheduler.PushConfigSnapshot(ctx, nodeID); err != nil {
			cfg.Logger.Warn("failed to push config snapshot on connect", zap.String("node_id", nodeID.String()), zap.Error(err))
		}
	}()
}
