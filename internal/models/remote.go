package models

// RemoteRecord is the remote table service's representation of one row: an
// opaque record identifier plus remote field name -> remote-typed value.
// RecordID is empty on create payloads (the service assigns it).
type RemoteRecord struct {
	RecordID string         `json:"record_id,omitempty"`
	Fields   map[string]any `json:"fields"`
}

// APIResponse is the remote service's batch operation envelope. Code zero
// means success; anything else carries a human-readable Msg.
type APIResponse struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data APIResponseData `json:"data"`
}

// APIResponseData holds the records echoed or returned by a batch call.
type APIResponseData struct {
	Records []RemoteRecordResult `json:"records"`
}

// RemoteRecordResult is one record in a batch response. Create responses carry
// the newly assigned record id plus the echoed fields.
type RemoteRecordResult struct {
	RecordID    string         `json:"record_id"`
	Fields      map[string]any `json:"fields"`
	CreatedTime int64          `json:"created_time,omitempty"`
}
