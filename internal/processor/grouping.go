package processor

import (
	"log/slog"

	"github.com/gridsync/gridsync/internal/models"
)

// Batch ceilings imposed by the remote service's APIs.
const (
	// RemoteWriteChunkSize caps create/update/delete payloads.
	RemoteWriteChunkSize = 500
	// RemoteFetchChunkSize caps batch-get requests.
	RemoteFetchChunkSize = 100
)

// GroupedEvents partitions change events by destination table, then by
// operation kind.
type GroupedEvents map[string]map[models.Operation][]models.ChangeEvent

// GroupEvents partitions a batch of change events for dispatch. Events
// missing identifying fields are logged and dropped, Delete events are
// normalized so NewState always holds the state to act on, and an Update
// whose row has never been synchronized (no record id yet) is reclassified as
// an Insert. The mirror reclassification, Insert-with-record-id to Update,
// happens per record at dispatch time because identifier presence can only be
// trusted right before the API call.
func GroupEvents(events []models.ChangeEvent, logger *slog.Logger) GroupedEvents {
	groups := make(GroupedEvents)

	for _, e := range events {
		if !e.Valid() {
			logger.Warn("Dropping change event with missing identity",
				"msg_id", e.MessageID, "queue", e.QueueName, "schema", e.Schema, "table", e.Table, "type", e.Type)
			continue
		}

		e.Normalize()
		if e.NewState == nil {
			logger.Warn("Dropping change event with no state",
				"msg_id", e.MessageID, "table", e.Table, "type", e.Type)
			continue
		}

		op := e.Type
		if op == models.OpUpdate && e.RecordID() == "" {
			// First sync of this row: there is nothing remote to update yet
			op = models.OpInsert
		}

		key := e.DestinationKey()
		if groups[key] == nil {
			groups[key] = make(map[models.Operation][]models.ChangeEvent)
		}
		groups[key][op] = append(groups[key][op], e)
	}

	return groups
}

// chunk splits items into consecutive sub-slices of at most size elements,
// preserving order.
func chunk[T any](items []T, size int) [][]T {
	if len(items) == 0 {
		return nil
	}
	var chunks [][]T
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		chunks = append(chunks, items[start:end])
	}
	return chunks
}
