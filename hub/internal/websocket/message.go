// Package websocket implements the hub<->agent transport (§6.3): a
// persistent, agent-initiated websocket stream carrying JSON messages in
// both directions, replacing a polled REST API so the hub can push task
// assignments the moment a job comes due.
//
// The wire shapes themselves live in shared/wire so the agent module can
// depend on them without reaching into this package's hub-only transport
// plumbing (connection registry, upgrade handling, dispatch).
package websocket

import "github.com/bastion-backup/bastion/shared/wire"

const ProtocolVersion = wire.ProtocolVersion

type MessageType = wire.MessageType

const (
	MsgTask           = wire.MsgTask
	MsgAck            = wire.MsgAck
	MsgTaskResult     = wire.MsgTaskResult
	MsgRunEvent       = wire.MsgRunEvent
	MsgConfigSnapshot = wire.MsgConfigSnapshot
	MsgConfigAck      = wire.MsgConfigAck
	MsgFSList         = wire.MsgFSList
	MsgFSListResult   = wire.MsgFSListResult
)

type (
	Envelope       = wire.Envelope
	JobSpec        = wire.JobSpec
	Task           = wire.Task
	Ack            = wire.Ack
	TaskResult     = wire.TaskResult
	RunEvent       = wire.RunEvent
	ConfigSnapshot = wire.ConfigSnapshot
	ConfigAck      = wire.ConfigAck
	ManagedJob     = wire.ManagedJob
	FSList         = wire.FSList
	FSEntry        = wire.FSEntry
	FSListResult   = wire.FSListResult
)

// Encode wraps a typed payload into an Envelope ready for
// gorilla/websocket's WriteJSON.
func Encode(t MessageType, payload any) (*Envelope, error) {
	return wire.Encode(t, payload)
}
