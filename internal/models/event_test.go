package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeChangeEventsSingleObject(t *testing.T) {
	body := []byte(`{
		"message_id": 42,
		"queue_name": "db_to_remote",
		"schema": "public",
		"table": "products",
		"type": "UPDATE",
		"NEW": {"id": 1, "name": "alpha", "record_id": "r1"},
		"OLD": {"id": 1, "name": "old", "record_id": "r1"}
	}`)

	events, err := DecodeChangeEvents(body)
	require.NoError(t, err)
	require.Len(t, events, 1)

	e := events[0]
	assert.Equal(t, int64(42), e.MessageID)
	assert.Equal(t, "db_to_remote", e.QueueName)
	assert.Equal(t, OpUpdate, e.Type)
	assert.Equal(t, "alpha", e.NewState["name"])
	assert.Equal(t, "old", e.OldState["name"])
}

func TestDecodeChangeEventsArray(t *testing.T) {
	body := []byte(` [
		{"message_id": 1, "queue_name": "q", "schema": "s", "table": "t", "type": "INSERT", "NEW": {"id": 1}},
		{"message_id": 2, "queue_name": "q", "schema": "s", "table": "t", "type": "DELETE", "OLD": {"id": 2}}
	]`)

	events, err := DecodeChangeEvents(body)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, OpInsert, events[0].Type)
	assert.Equal(t, OpDelete, events[1].Type)
}

func TestDecodeChangeEventsRejectsGarbage(t *testing.T) {
	_, err := DecodeChangeEvents([]byte(""))
	assert.Error(t, err)

	_, err = DecodeChangeEvents([]byte("   "))
	assert.Error(t, err)

	_, err = DecodeChangeEvents([]byte("{broken"))
	assert.Error(t, err)

	_, err = DecodeChangeEvents([]byte("[{broken"))
	assert.Error(t, err)
}

func TestChangeEventValid(t *testing.T) {
	valid := ChangeEvent{MessageID: 1, QueueName: "q", Schema: "s", Table: "t", Type: OpInsert}
	assert.True(t, valid.Valid())

	cases := map[string]ChangeEvent{
		"missing message id": {QueueName: "q", Schema: "s", Table: "t", Type: OpInsert},
		"missing queue":      {MessageID: 1, Schema: "s", Table: "t", Type: OpInsert},
		"missing schema":     {MessageID: 1, QueueName: "q", Table: "t", Type: OpInsert},
		"missing table":      {MessageID: 1, QueueName: "q", Schema: "s", Type: OpInsert},
		"bad operation":      {MessageID: 1, QueueName: "q", Schema: "s", Table: "t", Type: "TRUNCATE"},
	}
	for name, e := range cases {
		t.Run(name, func(t *testing.T) {
			assert.False(t, e.Valid())
		})
	}
}

func TestNormalizeSubstitutesOldStateForDeletes(t *testing.T) {
	e := ChangeEvent{Type: OpDelete, OldState: map[string]any{"id": 1, "record_id": "r1"}}
	e.Normalize()
	assert.Equal(t, e.OldState, e.NewState)

	// A delete that already carries NEW keeps it
	both := ChangeEvent{Type: OpDelete,
		NewState: map[string]any{"id": 2},
		OldState: map[string]any{"id": 3}}
	both.Normalize()
	assert.Equal(t, map[string]any{"id": 2}, both.NewState)

	// Non-deletes are untouched
	upd := ChangeEvent{Type: OpUpdate, OldState: map[string]any{"id": 4}}
	upd.Normalize()
	assert.Nil(t, upd.NewState)
}

func TestRecordID(t *testing.T) {
	assert.Equal(t, "r1", ChangeEvent{NewState: map[string]any{"record_id": "r1"}}.RecordID())
	assert.Equal(t, "", ChangeEvent{NewState: map[string]any{"record_id": nil}}.RecordID())
	assert.Equal(t, "", ChangeEvent{NewState: map[string]any{}}.RecordID())
	assert.Equal(t, "", ChangeEvent{}.RecordID())
	// Non-string values are treated as unset
	assert.Equal(t, "", ChangeEvent{NewState: map[string]any{"record_id": float64(5)}}.RecordID())
}

func TestParseOperation(t *testing.T) {
	for _, s := range []string{"INSERT", "UPDATE", "DELETE"} {
		op, ok := ParseOperation(s)
		assert.True(t, ok)
		assert.Equal(t, Operation(s), op)
	}

	for _, s := range []string{"insert", "TRUNCATE", "", "MERGE"} {
		_, ok := ParseOperation(s)
		assert.False(t, ok, s)
	}
}

func TestDestinationKey(t *testing.T) {
	e := ChangeEvent{Schema: "public", Table: "orders"}
	assert.Equal(t, "public.orders", e.DestinationKey())
}
