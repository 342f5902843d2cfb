package models

import "time"

// CommandStatus 远程命令执行状态
type CommandStatus string

const (
	CommandExecuted CommandStatus = "EXECUTED"
	CommandRunning  CommandStatus = "RUNNING"
	CommandUnknown  CommandStatus = "UNKNOWN"
)

// PendingCommand 待执行的远程命令
type PendingCommand struct {
	VIN      string    `json:"vin"`
	Command  string    `json:"command"`
	Action   string    `json:"action,omitempty"`
	IssuedAt time.Time `json:"issued_at"`
}
