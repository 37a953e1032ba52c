package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Operation is the row-level mutation kind carried by a change event.
// It is decided once at ingestion and never re-parsed downstream.
type Operation string

const (
	OpInsert Operation = "INSERT"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// ParseOperation validates the stringly-typed operation emitted by the
// database trigger.
func ParseOperation(s string) (Operation, bool) {
	switch Operation(s) {
	case OpInsert, OpUpdate, OpDelete:
		return Operation(s), true
	default:
		return "", false
	}
}

// RecordIDColumn is the database column holding the remote-assigned record
// identifier. It is the conflict key for every upsert in both directions.
const RecordIDColumn = "record_id"

// PrimaryKeyColumn is the reserved database primary key. It is never written
// from remote data and is the echo key for insert write-back.
const PrimaryKeyColumn = "id"

// ChangeEvent represents one row-level mutation observed by the database and
// delivered through the message queue.
type ChangeEvent struct {
	MessageID int64          `json:"message_id"`
	QueueName string         `json:"queue_name"`
	Schema    string         `json:"schema"`
	Table     string         `json:"table"`
	Type      Operation      `json:"type"`
	NewState  map[string]any `json:"NEW,omitempty"`
	OldState  map[string]any `json:"OLD,omitempty"`
}

// Valid reports whether the event carries the identifying fields required to
// process and later delete it from the queue.
func (e ChangeEvent) Valid() bool {
	if e.MessageID == 0 || e.QueueName == "" || e.Schema == "" || e.Table == "" {
		return false
	}
	_, ok := ParseOperation(string(e.Type))
	return ok
}

// Normalize makes NewState the authoritative "state to act on". Delete events
// arrive with only OLD populated, so OLD is substituted in.
func (e *ChangeEvent) Normalize() {
	if e.Type == OpDelete && e.NewState == nil {
		e.NewState = e.OldState
	}
}

// DestinationKey identifies the target table for grouping.
func (e ChangeEvent) DestinationKey() string {
	return e.Schema + "." + e.Table
}

// RecordID returns the remote record identifier from the normalized state, or
// "" when the row has never been synchronized.
func (e ChangeEvent) RecordID() string {
	if e.NewState == nil {
		return ""
	}
	if id, ok := e.NewState[RecordIDColumn].(string); ok {
		return id
	}
	return ""
}

// DecodeChangeEvents parses a queue delivery that may contain either a single
// change event object or an array of them.
func DecodeChangeEvents(body []byte) ([]ChangeEvent, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty message body")
	}

	if trimmed[0] == '[' {
		var events []ChangeEvent
		if err := json.Unmarshal(trimmed, &events); err != nil {
			return nil, fmt.Errorf("invalid change event array: %v", err)
		}
		return events, nil
	}

	var event ChangeEvent
	if err := json.Unmarshal(trimmed, &event); err != nil {
		return nil, fmt.Errorf("invalid change event: %v", err)
	}
	return []ChangeEvent{event}, nil
}
