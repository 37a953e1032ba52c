package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// RecordRef points at one remote record by identifier.
type RecordRef struct {
	RecordID string `json:"record_id"`
}

// FetchJob asks the remote->DB handler to pull a set of records from the
// remote service and upsert them into the database. Jobs originate either
// from the webhook ingress (EventID set, no queue metadata) or from the
// Postgres queue (MessageID/QueueName set for post-success deletion).
type FetchJob struct {
	EventID   string      `json:"event_id,omitempty"`
	AppToken  string      `json:"app_token"`
	TableID   string      `json:"table_id"`
	Records   []RecordRef `json:"records"`
	MessageID int64       `json:"message_id,omitempty"`
	QueueName string      `json:"queue_name,omitempty"`
}

// Valid reports whether the job carries everything needed to fetch.
func (j FetchJob) Valid() bool {
	return j.AppToken != "" && j.TableID != "" && len(j.Records) > 0
}

// DecodeFetchJobs parses a delivery that may contain a single job or an array.
func DecodeFetchJobs(body []byte) ([]FetchJob, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty job body")
	}

	if trimmed[0] == '[' {
		var jobs []FetchJob
		if err := json.Unmarshal(trimmed, &jobs); err != nil {
			return nil, fmt.Errorf("invalid fetch job array: %v", err)
		}
		return jobs, nil
	}

	var job FetchJob
	if err := json.Unmarshal(trimmed, &job); err != nil {
		return nil, fmt.Errorf("invalid fetch job: %v", err)
	}
	return []FetchJob{job}, nil
}

// GroupResult reports the outcome of one (app token, table id) group in a
// remote->DB invocation.
type GroupResult struct {
	GroupIndex       int    `json:"group_index"`
	AppToken         string `json:"app_token"`
	TableID          string `json:"table_id"`
	DBSchema         string `json:"db_schema,omitempty"`
	DBTable          string `json:"db_table,omitempty"`
	ProcessedRecords int    `json:"processed_records"`
	UpsertResult     string `json:"upsert_result,omitempty"`
	Error            string `json:"error,omitempty"`

	// Retry marks a transient failure (fetch, config lookup, upsert) whose
	// queue messages were kept. The delivery must be requeued so the group
	// is attempted again; permanent drops (mapping misses) leave it false.
	Retry bool `json:"-"`
}

// SyncResult is the overall remote->DB invocation outcome. Success stays true
// on per-group failures; only a malformed invocation fails the whole call.
type SyncResult struct {
	Success     bool          `json:"success"`
	TotalGroups int           `json:"total_groups"`
	Results     []GroupResult `json:"results"`
}
