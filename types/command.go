package types

import (
	"encoding/json"
	"fmt"
)

// CommandType discriminates replicated state machine commands.
type CommandType uint8

const (
	// CommandNoOp is appended by a new leader to commit an entry of its
	// own term immediately after winning an election.
	CommandNoOp CommandType = iota + 1

	// CommandAcquire requests a shared or exclusive lock on a resource.
	CommandAcquire

	// CommandRelease releases a held lock.
	CommandRelease

	// CommandAbortWaiter removes a queued waiter, either as a deadlock
	// victim or because the client cancelled the pending acquire.
	CommandAbortWaiter

	// CommandRegisterSession creates or refreshes a client session.
	CommandRegisterSession

	// CommandExpireSession releases every lock the client holds or waits
	// on. Proposed by the leader when a lease passes its deadline.
	CommandExpireSession
)

// String makes command types readable in logs.
func (t CommandType) String() string {
	switch t {
	case CommandNoOp:
		return "NoOp"
	case CommandAcquire:
		return "Acquire"
	case CommandRelease:
		return "Release"
	case CommandAbortWaiter:
		return "AbortWaiter"
	case CommandRegisterSession:
		return "RegisterSession"
	case CommandExpireSession:
		return "ExpireSession"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(t))
	}
}

// Command is the envelope replicated through the log. Exactly the fields
// relevant to Type are populated; the whole envelope is JSON so replicas
// decode identically.
type Command struct {
	Type     CommandType `json:"type"`
	ClientID ClientID    `json:"client_id,omitempty"`
	Resource ResourceID  `json:"resource,omitempty"`
	Mode     LockMode    `json:"mode,omitempty"`

	// Token identifies a specific grant on release.
	Token string `json:"token,omitempty"`

	// LeaseMillis is the session lease duration for RegisterSession.
	LeaseMillis int64 `json:"lease_millis,omitempty"`

	// Reason records why an AbortWaiter was proposed: deadlock victim
	// selection, client cancellation, or a wait deadline.
	Reason string `json:"reason,omitempty"`
}

// Encode marshals the command for inclusion in a log entry.
func (c Command) Encode() ([]byte, error) {
	return json.Marshal(c)
}

// DecodeCommand unmarshals a log entry payload back into a Command.
func DecodeCommand(data []byte) (Command, error) {
	var c Command
	if err := json.Unmarshal(data, &c); err != nil {
		return Command{}, fmt.Errorf("decode command: %w", err)
	}
	if c.Type == 0 {
		return Command{}, fmt.Errorf("decode command: missing type")
	}
	return c, nil
}

// MustEncode marshals the command and panics on failure. Commands are
// plain structs, so failure indicates a programming error.
func (c Command) MustEncode() []byte {
	data, err := c.Encode()
	if err != nil {
		panic(fmt.Sprintf("types: encode command: %v", err))
	}
	return data
}
