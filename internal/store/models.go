package store

import "time"

// Agent is the durable inventory record for one registered agent identity.
// Created once per new identifier; Hostname and Address are overwritten in
// place on re-registration. Never deleted except by an explicit operator
// delete, which also cascades to CommandEvent rows for the same id.
type Agent struct {
	ID        string `gorm:"type:text;primaryKey"`
	Hostname  string `gorm:"not null"`
	Address   string `gorm:"not null;default:''"`
	OS        string `gorm:"not null;default:''"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CommandEvent is one row of the append-only event log. Count is assigned by
// the store on insert and is the wire-level cmd_id used to correlate a reply
// back to this row. Response and ExitCode are nil until the Correlator joins
// a reply; ExitCode is stored as text because the wire protocol allows it to
// be either an integer or the literal false (unknown-executable case).
type CommandEvent struct {
	Count       int64  `gorm:"primaryKey;autoIncrement"`
	Time        time.Time `gorm:"not null;index"`
	AgentID     string    `gorm:"type:text;not null;index"`
	Event       string    `gorm:"not null"` // "exeCommand" | "exeScript"
	EventDetail string    `gorm:"type:text;not null"`
	Response    *string   `gorm:"type:text"`
	ExitCode    *string   `gorm:"type:text"`
}

// TableName pins the table name so it matches the name used throughout
// the original schema, independent of GORM's pluralization.
func (Agent) TableName() string { return "bot_agents" }

// TableName pins the table name for CommandEvent.
func (CommandEvent) TableName() string { return "command_history" }
