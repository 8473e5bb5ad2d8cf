// Package connection manages the persistent websocket connection between
// the agent and the hub (§6.3). It handles:
//   - Dial + enrollment-token handshake against /v1/nodes/connect
//   - readPump/writePump (decoding inbound Envelopes, serialising outbound ones)
//   - Dispatch of hub -> agent messages (task, config_snapshot, fs_list) to
//     the executor, managedconfig, and filesystem lister respectively
//   - Forwarding of agent -> hub messages (ack, task_result, run_event,
//     config_ack, fs_list_result)
//   - Automatic reconnection with exponential backoff + jitter on any failure
//   - Replay of offline run results cached in the run journal once the
//     connection comes back up
//
// The Manager implements executor.EventSink and executor.ResultSink so the
// executor can report progress and results without knowing about the
// websocket transport underneath.
//
// State persistence: the agent's own identity is a stable node ID, supplied
// at enrollment time and written to <state-dir>/agent-state.json so restarts
// reuse it instead of asking the hub to enroll a new node.
package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/bastion-backup/bastion/agent/internal/executor"
	"github.com/bastion-backup/bastion/agent/internal/fslist"
	"github.com/bastion-backup/bastion/engine/events"
	"github.com/bastion-backup/bastion/engine/journal"
	"github.com/bastion-backup/bastion/engine/managedconfig"
	"github.com/bastion-backup/bastion/shared/wire"
)

func newNodeID() string {
	return uuid.NewString()
}

const (
	backoffInitial = 1 * time.Second
	backoffMax     = 60 * time.Second
	backoffFactor  = 2.0
	// jitterFraction adds up to ±20% random jitter to each backoff interval
	// to prevent thundering herd when many agents reconnect simultaneously.
	jitterFraction = 0.2

	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20

	sendBufferSize = 64
)

// agentState is persisted to disk the first time a node ID is minted, before
// the first dial. It lets the agent present its stable node ID on every
// reconnect so the hub
// matches it to the existing record instead of enrolling a duplicate.
type agentState struct {
	NodeID string `json:"node_id"`
}

func stateFilePath(stateDir string) string {
	return filepath.Join(stateDir, "agent-state.json")
}

func loadState(stateDir string) (agentState, error) {
	data, err := os.ReadFile(stateFilePath(stateDir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return agentState{}, nil
		}
		return agentState{}, fmt.Errorf("connection: read state file: %w", err)
	}
	var s agentState
	if err := json.Unmarshal(data, &s); err != nil {
		return agentState{}, fmt.Errorf("connection: corrupted state file: %w", err)
	}
	return s, nil
}

func saveState(stateDir string, s agentState) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("connection: marshal state: %w", err)
	}
	if err := os.MkdirAll(stateDir, 0o750); err != nil {
		return fmt.Errorf("connection: create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(stateDir, "agent-state.*.tmp")
	if err != nil {
		return fmt.Errorf("connection: create temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("connection: write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("connection: close temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, stateFilePath(stateDir)); err != nil {
		return fmt.Errorf("connection: rename state file: %w", err)
	}
	ok = true
	return nil
}

// Config holds everything needed to connect to the hub.
type Config struct {
	// HubAddr is the hub's host:port (or host:port with scheme), e.g.
	// "hub.example.com:8443" or "ws://localhost:8080".
	HubAddr string
	// EnrollToken authenticates this node to the hub on connect; checked
	// against the hub's configured enrollment token before upgrade.
	EnrollToken string
	// NodeID is this agent's stable identity. If empty, the persisted
	// value from StateDir is used, or a fresh UUID is minted and saved.
	NodeID  string
	TLS     bool
	StateDir string
	DataDir  string
	EncryptionKey []byte
}

// Manager maintains the persistent websocket connection to the hub and
// implements executor.EventSink and executor.ResultSink so the executor can
// forward progress and results without knowing about the transport.
type Manager struct {
	cfg    Config
	exec   *executor.Executor
	fsl    *fslist.Lister
	logger *zap.Logger

	mu     sync.RWMutex
	conn   *websocket.Conn
	send   chan *wire.Envelope
	nodeID string
}

// New creates a Manager. Call Run to start the connection loop.
func New(cfg Config, exec *executor.Executor, fsl *fslist.Lister, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		exec:   exec,
		fsl:    fsl,
		logger: logger.Named("connection"),
	}
}

// Run starts the connection loop. It dials the hub, and on any error
// reconnects with exponential backoff. Blocks until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	backoff := backoffInitial

	for {
		if ctx.Err() != nil {
			m.logger.Info("connection manager stopped")
			return
		}

		m.logger.Info("connecting to hub", zap.String("addr", m.cfg.HubAddr))

		if err := m.connect(ctx); err != nil {
			m.logger.Warn("connection failed, retrying", zap.Error(err), zap.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return
			case <-time.After(jitter(backoff)):
			}
			backoff = nextBackoff(backoff)
			continue
		}

		backoff = backoffInitial
	}
}

// IsConnected reports whether the agent currently has a live websocket
// session with the hub. The offline scheduler uses this to decide whether
// a cron tick should fire locally or wait for the hub to dispatch it.
func (m *Manager) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conn != nil
}

func (m *Manager) resolveNodeID() string {
	if m.cfg.NodeID != "" {
		return m.cfg.NodeID
	}
	state, err := loadState(m.cfg.StateDir)
	if err != nil {
		m.logger.Warn("failed to load agent state, minting a new node id", zap.Error(err))
	}
	if state.NodeID != "" {
		return state.NodeID
	}
	id := newNodeID()
	if err := saveState(m.cfg.StateDir, agentState{NodeID: id}); err != nil {
		m.logger.Warn("failed to persist agent state", zap.Error(err))
	}
	return id
}

// connect establishes one websocket session: dial -> run pumps -> replay
// offline results. Returns when the session ends.
func (m *Manager) connect(ctx context.Context) error {
	id := m.resolveNodeID()

	u, err := dialURL(m.cfg.HubAddr, m.cfg.TLS, id, m.cfg.EnrollToken)
	if err != nil {
		return fmt.Errorf("build dial url: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	m.mu.Lock()
	m.conn = conn
	m.send = make(chan *wire.Envelope, sendBufferSize)
	m.nodeID = id
	m.mu.Unlock()

	m.logger.Info("connected to hub", zap.String("node_id", id))

	defer func() {
		conn.Close()
		m.mu.Lock()
		m.conn = nil
		m.mu.Unlock()
	}()

	go m.replayOffline(ctx)

	errCh := make(chan error, 2)
	go func() { errCh <- m.writePump(ctx) }()
	go func() { errCh <- m.readPump(ctx) }()

	err = <-errCh
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func dialURL(hubAddr string, useTLS bool, nodeID, token string) (string, error) {
	scheme := "ws"
	if useTLS {
		scheme = "wss"
	}
	host := hubAddr
	// A bare "host:port" parses with "host" as its scheme, so only an
	// explicit ws/wss scheme is taken as a full URL.
	if u, err := url.Parse(hubAddr); err == nil && (u.Scheme == "ws" || u.Scheme == "wss") {
		// Caller already supplied a full ws(s):// URL; honor it and just
		// append the path + query.
		scheme = u.Scheme
		host = u.Host
	}
	q := url.Values{}
	q.Set("node_id", nodeID)
	q.Set("token", token)
	out := url.URL{Scheme: scheme, Host: host, Path: "/v1/nodes/connect", RawQuery: q.Encode()}
	return out.String(), nil
}

// readPump reads and dispatches incoming Envelopes (task, config_snapshot,
// fs_list) until the connection closes.
func (m *Manager) readPump(ctx context.Context) error {
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()

	conn.SetReadLimit(maxMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return fmt.Errorf("set read deadline: %w", err)
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var env wire.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return fmt.Errorf("read: %w", err)
		}
		m.dispatch(ctx, &env)
	}
}

// writePump serialises outgoing Envelopes onto the wire, plus periodic ping
// frames so the hub can detect a stale connection. It is the only goroutine
// that writes to conn — gorilla/websocket connections are not safe for
// concurrent writes.
func (m *Manager) writePump(ctx context.Context) error {
	m.mu.RLock()
	conn := m.conn
	send := m.send
	m.mu.RUnlock()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-send:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return fmt.Errorf("set write deadline: %w", err)
			}
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return nil
			}
			if err := conn.WriteJSON(env); err != nil {
				return fmt.Errorf("write: %w", err)
			}
		case <-ticker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return fmt.Errorf("set write deadline: %w", err)
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}

// dispatch routes one inbound Envelope by type.
func (m *Manager) dispatch(ctx context.Context, env *wire.Envelope) {
	switch env.Type {
	case wire.MsgTask:
		var task wire.Task
		if err := json.Unmarshal(env.Payload, &task); err != nil {
			m.logger.Error("malformed task envelope", zap.Error(err))
			return
		}
		m.enqueueTask(ctx, task)

	case wire.MsgConfigSnapshot:
		var snap wire.ConfigSnapshot
		if err := json.Unmarshal(env.Payload, &snap); err != nil {
			m.logger.Error("malformed config_snapshot envelope", zap.Error(err))
			return
		}
		m.applyConfigSnapshot(snap)

	case wire.MsgFSList:
		var req wire.FSList
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			m.logger.Error("malformed fs_list envelope", zap.Error(err))
			return
		}
		m.handleFSList(req)

	default:
		m.logger.Warn("unhandled envelope type", zap.String("type", string(env.Type)))
	}
}

func (m *Manager) enqueueTask(ctx context.Context, task wire.Task) {
	if err := m.exec.Enqueue(task); err != nil {
		m.logger.Error("failed to enqueue task", zap.String("run_id", task.RunID), zap.Error(err))
		m.SendResult(wire.TaskResult{TaskID: task.RunID, RunID: task.RunID, Status: "rejected", Error: err.Error()})
		return
	}
	m.sendEnvelope(wire.MsgAck, wire.Ack{TaskID: task.RunID})
}

func (m *Manager) applyConfigSnapshot(snap wire.ConfigSnapshot) {
	cached := managedconfig.Snapshot{Version: snap.SnapshotID, UpdatedAt: time.Now().UTC(), Jobs: snap.Jobs}
	if err := managedconfig.Save(m.cfg.DataDir, cached, m.cfg.EncryptionKey); err != nil {
		m.logger.Error("failed to persist config snapshot", zap.Int64("version", snap.SnapshotID), zap.Error(err))
		return
	}
	m.logger.Info("applied config snapshot", zap.Int64("version", snap.SnapshotID))
	m.sendEnvelope(wire.MsgConfigAck, wire.ConfigAck{SnapshotID: snap.SnapshotID})
}

func (m *Manager) handleFSList(req wire.FSList) {
	entries, err := m.fsl.List(req.Path)
	result := wire.FSListResult{RequestID: req.RequestID}
	if err != nil {
		result.Error = err.Error()
	} else {
		result.Entries = entries
	}
	m.sendEnvelope(wire.MsgFSListResult, result)
}

// AppendEvent implements executor.EventSink: it forwards one emitted event
// to the hub as a run_event message.
func (m *Manager) AppendEvent(_ context.Context, runID string, level events.Level, kind, message string, fields json.RawMessage) error {
	m.sendEnvelope(wire.MsgRunEvent, wire.RunEvent{RunID: runID, Level: string(level), Kind: kind, Message: message, Fields: fields})
	return nil
}

// SendResult implements executor.ResultSink: it forwards the final task
// outcome to the hub, or drops it with a logged warning if disconnected — the offline
// journal entry written by the executor is the durable record, replayed on
// the next reconnect via replayOffline.
func (m *Manager) SendResult(result wire.TaskResult) {
	m.sendEnvelope(wire.MsgTaskResult, result)
}

// sendEnvelope encodes payload and pushes it onto the outbound buffer. If
// no connection is active the message is dropped; callers that need
// durability (task results) rely on the offline journal instead.
func (m *Manager) sendEnvelope(t wire.MessageType, payload any) {
	env, err := wire.Encode(t, payload)
	if err != nil {
		m.logger.Error("failed to encode envelope", zap.String("type", string(t)), zap.Error(err))
		return
	}

	m.mu.RLock()
	send := m.send
	m.mu.RUnlock()

	if send == nil {
		m.logger.Warn("dropping message, not connected", zap.String("type", string(t)))
		return
	}
	select {
	case send <- env:
	default:
		m.logger.Warn("outbound buffer full, dropping message", zap.String("type", string(t)))
	}
}

// replayOffline ingests every run the executor journaled while disconnected
// and forwards its final result and events to the hub, then removes the
// journal entry as soon as those messages are queued on the outbound
// buffer. No acknowledgement from the hub is awaited, and a message that
// sendEnvelope drops (buffer full or connection gone) is not retried.
func (m *Manager) replayOffline(ctx context.Context) {
	ids, err := journal.ListPending(m.cfg.DataDir)
	if err != nil {
		m.logger.Warn("failed to list pending offline runs", zap.Error(err))
		return
	}
	for _, runID := range ids {
		run, runEvents, err := journal.Ingest(m.cfg.DataDir, runID)
		if err != nil {
			m.logger.Warn("failed to ingest offline run", zap.String("run_id", runID), zap.Error(err))
			continue
		}
		for _, ev := range runEvents {
			m.sendEnvelope(wire.MsgRunEvent, wire.RunEvent{RunID: runID, Level: string(ev.Level), Kind: ev.Kind, Message: ev.Message, Fields: ev.Fields})
		}
		result := wire.TaskResult{TaskID: runID, RunID: runID, Status: string(run.Status), Summary: run.Summary}
		if run.Error != nil {
			result.Error = *run.Error
		}
		m.sendEnvelope(wire.MsgTaskResult, result)
		if err := journal.Remove(m.cfg.DataDir, runID); err != nil {
			m.logger.Warn("failed to remove replayed journal entry", zap.String("run_id", runID), zap.Error(err))
		}
	}
}

// nextBackoff returns the next backoff duration, capped at backoffMax.
func nextBackoff(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * backoffFactor)
	if next > backoffMax {
		return backoffMax
	}
	return next
}

// jitter adds a random ±jitterFraction perturbation to d to avoid
// thundering herd on reconnect.
func jitter(d time.Duration) time.Duration {
	delta := float64(d) * jitterFraction
	offset := (rand.Float64()*2 - 1) * delta
	return time.Duration(float64(d) + offset)
}
