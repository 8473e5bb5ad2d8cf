// Package nodemanager dispatches tasks and config snapshots to connected
// agent nodes over the websocket hub, and routes inbound agent messages
// (ack, task_result, run_event, config_ack, fs_list_result) to the
// repository layer. It is the websocket.Dispatcher implementation wired
// into the hub's HTTP upgrade handler.
//
// All connection bookkeeping (which node is currently online) lives in
// websocket.Hub; Manager only knows how to interpret envelopes once a
// connection exists.
package nodemanager

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/bastion-backup/bastion/hub/internal/repositories"
	"github.com/bastion-backup/bastion/hub/internal/websocket"
)

// Manager wires the websocket hub to the repository layer.
type Manager struct {
	hub   *websocket.Hub
	nodes repositories.NodeRepository
	jobs  repositories.JobRepository
	log   *zap.Logger
}

// New creates a Manager. Call it once at startup and pass it to the
// websocket upgrade handler as the Dispatcher.
func New(hub *websocket.Hub, nodes repositories.NodeRepository, jobs repositories.JobRepository, logger *zap.Logger) *Manager {
	return &Manager{hub: hub, nodes: nodes, jobs: jobs, log: logger.Named("nodemanager")}
}

// Dispatch implements websocket.Dispatcher.
func (m *Manager) Dispatch(nodeID string, env *websocket.Envelope) {
	ctx := context.Background()

	switch env.Type {
	case websocket.MsgAck:
		// No persisted state change — acks only matter for the agent's own
		// retry bookkeeping. Logged for observability.
		m.log.Debug("ack received", zap.String("node_id", nodeID))

	case websocket.MsgTaskResult:
		var res websocket.TaskResult
		if err := json.Unmarshal(env.Payload, &res); err != nil {
			m.log.Warn("malformed task_result", zap.String("node_id", nodeID), zap.Error(err))
			return
		}
		m.handleTaskResult(ctx, res)

	case websocket.MsgRunEvent:
		var ev websocket.RunEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			m.log.Warn("malformed run_event", zap.String("node_id", nodeID), zap.Error(err))
			return
		}
		if err := m.jobs.AppendEvent(ctx, ev.RunID, ev.Level, ev.Kind, ev.Message, string(ev.Fields)); err != nil {
			m.log.Warn("failed to append run event", zap.String("run_id", ev.RunID), zap.Error(err))
		}

	case websocket.MsgConfigAck:
		var ack websocket.ConfigAck
		if err := json.Unmarshal(env.Payload, &ack); err != nil {
			m.log.Warn("malformed config_ack", zap.String("node_id", nodeID), zap.Error(err))
			return
		}
		if id, err := parseUUID(nodeID); err == nil {
			if err := m.nodes.AckManagedConfig(ctx, id, ack.SnapshotID); err != nil {
				m.log.Warn("failed to record config ack", zap.String("node_id", nodeID), zap.Error(err))
			}
		}

	case websocket.MsgFSListResult:
		// Routed to whatever browse session requested it; left to the API
		// layer (out of the engine's scope) to correlate by request_id.
		m.log.Debug("fs_list_result received", zap.String("node_id", nodeID))

	default:
		m.log.Warn("unknown message type from node", zap.String("node_id", nodeID), zap.String("type", string(env.Type)))
	}
}

func (m *Manager) handleTaskResult(ctx context.Context, res websocket.TaskResult) {
	id, err := parseUUID(res.RunID)
	if err != nil {
		m.log.Warn("task_result with invalid run_id", zap.String("run_id", res.RunID))
		return
	}
	now := time.Now().UTC()
	if err := m.jobs.UpdateRunStatus(ctx, id, res.Status, &now, string(res.Summary), res.Error); err != nil {
		m.log.Warn("failed to update run status", zap.String("run_id", res.RunID), zap.Error(err))
	}
}

// SendTask pushes a task assignment to nodeID. Returns false if the node is
// not currently connected.
func (m *Manager) SendTask(nodeID string, task websocket.Task) (bool, error) {
	env, err := websocket.Encode(websocket.MsgTask, task)
	if err != nil {
		return false, fmt.Errorf("nodemanager: encode task: %w", err)
	}
	return m.hub.SendTo(nodeID, env), nil
}

// SendConfigSnapshot pushes a config_snapshot to nodeID.
func (m *Manager) SendConfigSnapshot(nodeID string, snap websocket.ConfigSnapshot) (bool, error) {
	env, err := websocket.Encode(websocket.MsgConfigSnapshot, snap)
	if err != nil {
		return false, fmt.Errorf("nodemanager: encode config_snapshot: %w", err)
	}
	return m.hub.SendTo(nodeID, env), nil
}

// IsConnected reports whether nodeID currently has an active connection.
func (m *Manager) IsConnected(nodeID string) bool {
	return m.hub.Connected(nodeID)
}
