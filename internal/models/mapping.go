package models

// Remote field type codes as exposed by the remote table service.
const (
	FieldTypeText         = 1
	FieldTypeNumber       = 2
	FieldTypeSingleSelect = 3
	FieldTypeMultiSelect  = 4
	FieldTypeDateTime     = 5
	FieldTypeCheckbox     = 7
	FieldTypeUser         = 11
	FieldTypePhone        = 13
	FieldTypeURL          = 15
	FieldTypeAttachment   = 17
	FieldTypeLink         = 18
	FieldTypeLookup       = 19
	FieldTypeFormula      = 20
	FieldTypeCreatedTime  = 1001
	FieldTypeModifiedTime = 1002
	FieldTypeCreatedUser  = 1003
	FieldTypeModifiedUser = 1004
	FieldTypeAutoNumber   = 1005
)

// readOnlyFieldTypes are system-computed on the remote side and must never be
// pushed from the database, regardless of direction.
var readOnlyFieldTypes = map[int]struct{}{
	FieldTypeLookup:       {},
	FieldTypeFormula:      {},
	FieldTypeCreatedTime:  {},
	FieldTypeModifiedTime: {},
	FieldTypeCreatedUser:  {},
	FieldTypeModifiedUser: {},
	FieldTypeAutoNumber:   {},
}

// IsReadOnlyFieldType reports whether the remote field type is system-computed.
func IsReadOnlyFieldType(t int) bool {
	_, ok := readOnlyFieldTypes[t]
	return ok
}

// FieldMapping correlates one database column with one remote field, scoped to
// a (db schema, db table) <-> (app token, table id) pair. Externally
// administered configuration, read-only to the sync core.
type FieldMapping struct {
	DBSchema        string `db:"db_schema"`
	DBTable         string `db:"db_table"`
	AppToken        string `db:"app_token"`
	TableID         string `db:"table_id"`
	DBFieldName     string `db:"db_field_name"`
	RemoteFieldName string `db:"remote_field_name"`
	RemoteFieldType int    `db:"remote_field_type"`
}

// TableMapping is the full mapping descriptor for one table pair: everything
// needed to reach the other side plus the field correspondence list.
type TableMapping struct {
	DBSchema string
	DBTable  string
	AppToken string
	TableID  string
	Fields   []FieldMapping
}

// WritableFields returns the mappings eligible for outbound payloads, i.e.
// with read-only remote field types excluded.
func (m *TableMapping) WritableFields() []FieldMapping {
	writable := make([]FieldMapping, 0, len(m.Fields))
	for _, f := range m.Fields {
		if IsReadOnlyFieldType(f.RemoteFieldType) {
			continue
		}
		writable = append(writable, f)
	}
	return writable
}

// RemoteFieldFor returns the remote field name mapped to a database column, or
// "" when the column is not mapped.
func (m *TableMapping) RemoteFieldFor(dbField string) string {
	for _, f := range m.Fields {
		if f.DBFieldName == dbField {
			return f.RemoteFieldName
		}
	}
	return ""
}
