package models

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// OpType classifies a queued mutation.
type OpType string

const (
	OpCreate OpType = "create"
	OpUpdate OpType = "update"
	OpDelete OpType = "delete"
	OpInvoke OpType = "invoke"
)

// QueuedOperation is one entry of the durable offline mutation log.
// Seq is the global FIFO order; entries are removed only after the
// gateway confirms successful application.
type QueuedOperation struct {
	Seq        uint64         `gorm:"primaryKey;autoIncrement" json:"seq"`
	Type       OpType         `gorm:"type:varchar(16);not null" json:"type"`
	EntityType string         `gorm:"type:varchar(50);not null;index" json:"entityType"`
	Model      string         `gorm:"type:varchar(100);not null" json:"model"`
	TargetID   int64          `gorm:"index" json:"targetId,omitempty"`
	Method     string         `gorm:"type:varchar(100)" json:"method,omitempty"`
	Payload    datatypes.JSON `json:"payload,omitempty"`
	Args       datatypes.JSON `json:"args,omitempty"`
	ClientRef  string         `gorm:"type:varchar(64)" json:"clientRef,omitempty"`
	EnqueuedAt time.Time      `gorm:"not null" json:"enqueuedAt"`
	Attempts   int            `gorm:"default:0" json:"attempts"`
	LastError  string         `gorm:"type:text" json:"lastError,omitempty"`
}

// TableName specifies the table name
func (QueuedOperation) TableName() string {
	return "queued_operations"
}

// DecodePayload unmarshals the stored payload map.
func (op *QueuedOperation) DecodePayload() (map[string]any, error) {
	if len(op.Payload) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(op.Payload, &m); err != nil {
		return nil, fmt.Errorf("failed to decode payload of op %d: %w", op.Seq, err)
	}
	return m, nil
}

// DecodeArgs unmarshals the stored positional args for Invoke ops.
func (op *QueuedOperation) DecodeArgs() ([]any, error) {
	if len(op.Args) == 0 {
		return nil, nil
	}
	var args []any
	if err := json.Unmarshal(op.Args, &args); err != nil {
		return nil, fmt.Errorf("failed to decode args of op %d: %w", op.Seq, err)
	}
	return args, nil
}

// QueueState is a single-row table carrying the placeholder id counter.
// Placeholder ids are negative and never reused, so a record created
// offline keeps a stable local identity until the server confirms it.
type QueueState struct {
	ID              uint  `gorm:"primaryKey"`
	NextPlaceholder int64 `gorm:"default:-1"`
}

// TableName specifies the table name
func (QueueState) TableName() string {
	return "queue_state"
}
