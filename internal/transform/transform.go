// Package transform translates remote table service field values into
// database-storable values. All functions are pure and total: unrecognized
// shapes pass through unchanged.
package transform

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/gridsync/gridsync/internal/models"
)

// msTimestampFloor is the sanity threshold above which a bare number is
// treated as a millisecond Unix timestamp (anything later than 2001).
const msTimestampFloor = 1_000_000_000_000

// Transform converts a single remote field value without knowing its remote
// field type. Rules are tried in priority order: formula envelope unwrap,
// text-run flattening, millisecond timestamp normalization, identity.
func Transform(v any) any {
	if v == nil {
		return nil
	}

	if inner, ok := formulaEnvelope(v); ok {
		return Transform(inner)
	}

	if text, ok := flattenTextRuns(v); ok {
		return text
	}

	if ms, ok := asMillis(v); ok {
		return isoTimestamp(ms)
	}

	return v
}

// TransformByType applies the conversion rule for a known remote field type
// directly. Prefer this over Transform when the field mapping is available.
func TransformByType(v any, fieldType int) any {
	if v == nil {
		return nil
	}

	switch fieldType {
	case models.FieldTypeText:
		if text, ok := flattenTextRuns(v); ok {
			return text
		}
		return v
	case models.FieldTypeDateTime, models.FieldTypeCreatedTime, models.FieldTypeModifiedTime:
		if ms, ok := asMillis(v); ok {
			return isoTimestamp(ms)
		}
		return v
	case models.FieldTypeFormula, models.FieldTypeLookup:
		if inner, ok := formulaEnvelope(v); ok {
			return Transform(inner)
		}
		return Transform(v)
	case models.FieldTypeNumber, models.FieldTypeCheckbox, models.FieldTypeSingleSelect,
		models.FieldTypeMultiSelect, models.FieldTypePhone, models.FieldTypeURL:
		return v
	default:
		// Attachments, links, users, geo and group references pass through
		// verbatim; anything unknown falls back to the generic rules.
		return Transform(v)
	}
}

// formulaEnvelope detects the remote service's formula-result wrapper: an
// object with a numeric discriminant tag and a nested payload.
func formulaEnvelope(v any) (any, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	inner, hasValue := m["value"]
	if _, hasType := m["type"]; !hasType || !hasValue {
		return nil, false
	}
	return inner, true
}

// flattenTextRuns concatenates the multi-paragraph rich-text representation
// (a sequence of objects each carrying a "text" run) into one string. An
// empty run list flattens to the empty string.
func flattenTextRuns(v any) (string, bool) {
	runs, ok := v.([]any)
	if !ok {
		return "", false
	}

	var b strings.Builder
	for _, run := range runs {
		m, ok := run.(map[string]any)
		if !ok {
			return "", false
		}
		text, ok := m["text"].(string)
		if !ok {
			return "", false
		}
		b.WriteString(text)
	}
	return b.String(), true
}

// asMillis reports whether v is a number above the millisecond timestamp
// sanity floor.
func asMillis(v any) (int64, bool) {
	var ms int64
	switch n := v.(type) {
	case float64:
		ms = int64(n)
	case int64:
		ms = n
	case int:
		ms = int64(n)
	case json.Number:
		parsed, err := n.Int64()
		if err != nil {
			return 0, false
		}
		ms = parsed
	default:
		return 0, false
	}

	if ms <= msTimestampFloor {
		return 0, false
	}
	return ms, true
}

func isoTimestamp(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}
