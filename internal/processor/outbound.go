package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gridsync/gridsync/internal/mapping"
	"github.com/gridsync/gridsync/internal/models"
	"github.com/gridsync/gridsync/internal/transform"
	"github.com/gridsync/gridsync/pkg/metrics"
)

// MappingResolver looks up field-mapping configuration by either side of a
// table pair.
type MappingResolver interface {
	ResolveByDBTable(ctx context.Context, schema, table string) (*models.TableMapping, error)
	ResolveByRemoteTable(ctx context.Context, appToken, tableID string) (*models.TableMapping, error)
}

// RemoteAPI is the remote table service's batch record surface.
type RemoteAPI interface {
	BatchCreate(ctx context.Context, appToken, tableID string, records []models.RemoteRecord) (*models.APIResponse, error)
	BatchUpdate(ctx context.Context, appToken, tableID string, records []models.RemoteRecord) (*models.APIResponse, error)
	BatchDelete(ctx context.Context, appToken, tableID string, recordIDs []string) (*models.APIResponse, error)
	BatchGet(ctx context.Context, appToken, tableID string, recordIDs []string) ([]models.RemoteRecordResult, error)
}

// RowStore is the database surface the handlers write through.
type RowStore interface {
	UpsertRows(ctx context.Context, schema, table string, rows []map[string]any) (int, error)
	WriteBackRecordID(ctx context.Context, schema, table string, pkValue any, recordID string) error
}

// MessageQueue deletes processed messages from the Postgres queue.
type MessageQueue interface {
	Delete(ctx context.Context, queueName string, msgID int64) error
}

// OutboundHandler pushes database change events to the remote table service:
// group, resolve mapping, map fields, call the batch API, write back assigned
// record ids, and delete the consumed queue messages.
type OutboundHandler struct {
	resolver MappingResolver
	remote   RemoteAPI
	rows     RowStore
	queue    MessageQueue
	logger   *slog.Logger
}

func NewOutboundHandler(resolver MappingResolver, remote RemoteAPI, rows RowStore, queue MessageQueue, logger *slog.Logger) *OutboundHandler {
	return &OutboundHandler{
		resolver: resolver,
		remote:   remote,
		rows:     rows,
		queue:    queue,
		logger:   logger,
	}
}

// Handle implements the broker consumer contract. A delivery carries a single
// change event or an array of them; unmarshal failures are poison.
func (h *OutboundHandler) Handle(ctx context.Context, body []byte) error {
	events, err := models.DecodeChangeEvents(body)
	if err != nil {
		return fmt.Errorf("FATAL: %v", err)
	}

	h.Process(ctx, events)
	return nil
}

// Process runs one batch invocation and returns the raw remote responses, one
// per dispatched chunk. Remote failures are logged, never returned: the queue
// messages are deleted regardless of API outcome, trading silent loss on
// transient failure for bounded queue growth.
func (h *OutboundHandler) Process(ctx context.Context, events []models.ChangeEvent) []*models.APIResponse {
	start := time.Now()
	defer func() {
		metrics.BatchDuration.WithLabelValues("db_to_remote").Observe(time.Since(start).Seconds())
	}()

	groups := GroupEvents(events, h.logger)

	var responses []*models.APIResponse
	for key, ops := range groups {
		sample := firstEvent(ops)
		l := h.logger.With("destination", key)

		tm, err := h.resolver.ResolveByDBTable(ctx, sample.Schema, sample.Table)
		if errors.Is(err, mapping.ErrMappingNotFound) {
			// Expected for unconfigured tables: retrying will never succeed,
			// so the messages are dropped. The counter is the operator's only
			// signal that configuration gaps are eating events.
			metrics.MappingMisses.WithLabelValues(key).Inc()
			l.Warn("No field mapping configured, dropping messages", "events", countEvents(ops))
			for _, evts := range ops {
				h.deleteMessages(ctx, evts)
			}
			continue
		}
		if err != nil {
			// Infrastructure failure resolving config: leave the messages in
			// the queue so they reappear after the visibility timeout
			l.Error("Mapping resolution failed, leaving messages for redelivery", "error", err)
			continue
		}

		for op, evts := range ops {
			chunks := chunk(evts, RemoteWriteChunkSize)
			metrics.ChunksDispatched.Observe(float64(len(chunks)))

			for _, c := range chunks {
				responses = append(responses, h.dispatchChunk(ctx, tm, op, c)...)
				h.deleteMessages(ctx, c)
			}
		}
	}

	return responses
}

// dispatchChunk issues the remote API call(s) for one operation chunk. Inside
// a chunk each record is reclassified by record-id presence: rows already
// joined to a remote record go out as updates even if the event said Insert.
// Creates and updates are never merged into one call.
func (h *OutboundHandler) dispatchChunk(ctx context.Context, tm *models.TableMapping, op models.Operation, events []models.ChangeEvent) []*models.APIResponse {
	l := h.logger.With("app_token", tm.AppToken, "table_id", tm.TableID, "operation", string(op))

	if op == models.OpDelete {
		var recordIDs []string
		for _, e := range events {
			id := e.RecordID()
			if id == "" {
				l.Warn("Delete event without record id, nothing to remove remotely", "msg_id", e.MessageID)
				metrics.EventsProcessed.WithLabelValues("skipped", e.Table, string(op)).Inc()
				continue
			}
			recordIDs = append(recordIDs, id)
		}
		if len(recordIDs) == 0 {
			return nil
		}

		resp, err := h.remote.BatchDelete(ctx, tm.AppToken, tm.TableID, recordIDs)
		h.observeCall("delete", tm.DBTable, len(recordIDs), err, l)
		if err != nil {
			return nil
		}
		return []*models.APIResponse{resp}
	}

	var creates, updates []models.RemoteRecord
	for _, e := range events {
		record := models.RemoteRecord{Fields: h.mapFields(e, tm)}
		if id := e.RecordID(); id != "" {
			record.RecordID = id
			updates = append(updates, record)
		} else {
			creates = append(creates, record)
		}
	}

	var responses []*models.APIResponse

	if len(creates) > 0 {
		resp, err := h.remote.BatchCreate(ctx, tm.AppToken, tm.TableID, creates)
		h.observeCall("create", tm.DBTable, len(creates), err, l)
		if err == nil {
			responses = append(responses, resp)
			h.writeBack(ctx, tm, resp)
		}
	}

	if len(updates) > 0 {
		resp, err := h.remote.BatchUpdate(ctx, tm.AppToken, tm.TableID, updates)
		h.observeCall("update", tm.DBTable, len(updates), err, l)
		if err == nil {
			responses = append(responses, resp)
		}
	}

	return responses
}

// mapFields builds the outbound field payload for one event. Read-only remote
// field types are excluded; a transformation failure on one field substitutes
// null instead of aborting the batch.
func (h *OutboundHandler) mapFields(e models.ChangeEvent, tm *models.TableMapping) map[string]any {
	fields := make(map[string]any)
	for _, fm := range tm.WritableFields() {
		if fm.DBFieldName == models.RecordIDColumn {
			continue
		}
		v, ok := e.NewState[fm.DBFieldName]
		if !ok {
			continue
		}
		fields[fm.RemoteFieldName] = h.safeTransform(v, fm.RemoteFieldType, fm.DBFieldName)
	}
	return fields
}

func (h *OutboundHandler) safeTransform(v any, fieldType int, field string) (out any) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Warn("Field transformation failed, substituting null", "field", field, "panic", r)
			out = nil
		}
	}()
	return transform.TransformByType(v, fieldType)
}

// writeBack persists remote-assigned record ids after a create call, matching
// response records to database rows by the echoed primary key. Response
// records missing either piece are skipped with a warning, not treated as
// fatal.
func (h *OutboundHandler) writeBack(ctx context.Context, tm *models.TableMapping, resp *models.APIResponse) {
	echoField := tm.RemoteFieldFor(models.PrimaryKeyColumn)
	if echoField == "" {
		echoField = models.PrimaryKeyColumn
	}

	for _, rec := range resp.Data.Records {
		pkValue, ok := rec.Fields[echoField]
		if rec.RecordID == "" || !ok || pkValue == nil {
			h.logger.Warn("Create response record missing id echo, skipping write-back",
				"table", tm.DBTable, "record_id", rec.RecordID)
			continue
		}
		if err := h.rows.WriteBackRecordID(ctx, tm.DBSchema, tm.DBTable, pkValue, rec.RecordID); err != nil {
			h.logger.Error("record_id write-back failed", "table", tm.DBTable, "pk", pkValue, "error", err)
		}
	}
}

// deleteMessages acks a chunk by deleting its queue messages. Failures are
// logged only; at worst the message reappears and is processed again.
func (h *OutboundHandler) deleteMessages(ctx context.Context, events []models.ChangeEvent) {
	for _, e := range events {
		if err := h.queue.Delete(ctx, e.QueueName, e.MessageID); err != nil {
			h.logger.Error("Failed to delete queue message", "queue", e.QueueName, "msg_id", e.MessageID, "error", err)
			continue
		}
		metrics.QueueDeletes.WithLabelValues(e.QueueName).Inc()
	}
}

func (h *OutboundHandler) observeCall(op, table string, count int, err error, l *slog.Logger) {
	if err != nil {
		metrics.RemoteAPICalls.WithLabelValues(op, "error").Inc()
		metrics.EventsProcessed.WithLabelValues("error", table, op).Add(float64(count))
		l.Error("Remote batch call failed", "count", count, "error", err)
		return
	}
	metrics.RemoteAPICalls.WithLabelValues(op, "success").Inc()
	metrics.EventsProcessed.WithLabelValues("synced", table, op).Add(float64(count))
}

func firstEvent(ops map[models.Operation][]models.ChangeEvent) models.ChangeEvent {
	for _, evts := range ops {
		if len(evts) > 0 {
			return evts[0]
		}
	}
	return models.ChangeEvent{}
}

func countEvents(ops map[models.Operation][]models.ChangeEvent) int {
	n := 0
	for _, evts := range ops {
		n += len(evts)
	}
	return n
}
