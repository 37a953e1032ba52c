package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gridsync/gridsync/internal/mapping"
	"github.com/gridsync/gridsync/internal/models"
	"github.com/gridsync/gridsync/internal/remote"
	"github.com/gridsync/gridsync/internal/transform"
	"github.com/gridsync/gridsync/pkg/metrics"
)

// InboundHandler pulls remote records into the database: fetch full records
// in chunks, resolve the mapping for the remote table pair, build rows, and
// upsert keyed on record_id. Queue messages are deleted only after a
// successful upsert, unlike the outbound path.
type InboundHandler struct {
	resolver MappingResolver
	remote   RemoteAPI
	rows     RowStore
	queue    MessageQueue
	logger   *slog.Logger
}

func NewInboundHandler(resolver MappingResolver, remote RemoteAPI, rows RowStore, queue MessageQueue, logger *slog.Logger) *InboundHandler {
	return &InboundHandler{
		resolver: resolver,
		remote:   remote,
		rows:     rows,
		queue:    queue,
		logger:   logger,
	}
}

// Handle implements the broker consumer contract for batch-fetch jobs. A
// transiently failed group keeps its queue messages, so the delivery must be
// requeued for another attempt; returning a non-FATAL error does that.
func (h *InboundHandler) Handle(ctx context.Context, body []byte) error {
	jobs, err := models.DecodeFetchJobs(body)
	if err != nil {
		return fmt.Errorf("FATAL: %v", err)
	}

	result := h.Process(ctx, jobs)
	for _, r := range result.Results {
		if r.Retry {
			return fmt.Errorf("fetch group %s:%s failed, requeueing delivery: %s", r.AppToken, r.TableID, r.Error)
		}
	}
	return nil
}

type inboundGroup struct {
	appToken  string
	tableID   string
	jobs      []models.FetchJob
	recordIDs []string
}

// Process runs one remote->DB invocation. Jobs are validated, record ids
// deduplicated per table pair, and each group fetched and upserted
// independently: a failing group reports its error in the result without
// failing the call.
func (h *InboundHandler) Process(ctx context.Context, jobs []models.FetchJob) *models.SyncResult {
	start := time.Now()
	defer func() {
		metrics.BatchDuration.WithLabelValues("remote_to_db").Observe(time.Since(start).Seconds())
	}()

	groups, order := groupJobs(jobs, h.logger)

	result := &models.SyncResult{Success: true, TotalGroups: len(order)}
	for i, key := range order {
		g := groups[key]
		result.Results = append(result.Results, h.processGroup(ctx, i+1, g))
	}
	return result
}

func (h *InboundHandler) processGroup(ctx context.Context, index int, g *inboundGroup) models.GroupResult {
	res := models.GroupResult{
		GroupIndex: index,
		AppToken:   g.appToken,
		TableID:    g.tableID,
	}
	l := h.logger.With("app_token", g.appToken, "table_id", g.tableID)

	fetched, err := h.fetchRecords(ctx, g, l)
	if err != nil {
		res.Error = err.Error()
		res.Retry = true
		return res
	}

	tm, err := h.resolver.ResolveByRemoteTable(ctx, g.appToken, g.tableID)
	if errors.Is(err, mapping.ErrMappingNotFound) {
		// Unconfigured pair: drop the messages, a retry can never succeed
		metrics.MappingMisses.WithLabelValues(g.appToken + ":" + g.tableID).Inc()
		l.Warn("No field mapping configured for remote table, dropping jobs", "records", len(g.recordIDs))
		h.deleteJobMessages(ctx, g.jobs)
		res.Error = mapping.ErrMappingNotFound.Error()
		return res
	}
	if err != nil {
		l.Error("Mapping resolution failed", "error", err)
		res.Error = err.Error()
		res.Retry = true
		return res
	}

	res.DBSchema = tm.DBSchema
	res.DBTable = tm.DBTable

	rows := make([]map[string]any, 0, len(fetched))
	for _, rec := range fetched {
		rows = append(rows, h.buildRow(rec, tm))
	}

	written, err := h.rows.UpsertRows(ctx, tm.DBSchema, tm.DBTable, rows)
	if err != nil {
		metrics.UpsertRows.WithLabelValues(tm.DBTable, "error").Add(float64(len(rows) - written))
		l.Error("Upsert failed, messages kept for redelivery", "written", written, "error", err)
		res.Error = err.Error()
		res.Retry = true
		return res
	}

	metrics.UpsertRows.WithLabelValues(tm.DBTable, "success").Add(float64(written))
	res.ProcessedRecords = written
	res.UpsertResult = "success"

	// The upsert reported success, so the originating messages can go
	h.deleteJobMessages(ctx, g.jobs)

	return res
}

// fetchRecords pulls full records from the remote service in chunks. A
// permission error skips the chunk and continues: partial sync is preferred
// over total failure. Any other error aborts the group.
func (h *InboundHandler) fetchRecords(ctx context.Context, g *inboundGroup, l *slog.Logger) ([]models.RemoteRecordResult, error) {
	var fetched []models.RemoteRecordResult
	for _, ids := range chunk(g.recordIDs, RemoteFetchChunkSize) {
		records, err := h.remote.BatchGet(ctx, g.appToken, g.tableID, ids)
		if err != nil {
			if remote.IsPermissionDenied(err) {
				metrics.RemoteAPICalls.WithLabelValues("get", "permission_denied").Inc()
				l.Warn("Permission denied on batch get, skipping chunk", "count", len(ids))
				continue
			}
			metrics.RemoteAPICalls.WithLabelValues("get", "error").Inc()
			l.Error("Batch get failed", "count", len(ids), "error", err)
			return nil, err
		}
		metrics.RemoteAPICalls.WithLabelValues("get", "success").Inc()
		fetched = append(fetched, records...)
	}
	return fetched, nil
}

// buildRow maps one fetched remote record onto database columns. The reserved
// primary key column is never written; remote fields absent from the record
// set their column to null so stale values do not survive an edit.
func (h *InboundHandler) buildRow(rec models.RemoteRecordResult, tm *models.TableMapping) map[string]any {
	row := map[string]any{models.RecordIDColumn: rec.RecordID}
	for _, fm := range tm.Fields {
		if fm.DBFieldName == models.PrimaryKeyColumn || fm.DBFieldName == models.RecordIDColumn {
			continue
		}
		v, ok := rec.Fields[fm.RemoteFieldName]
		if !ok {
			row[fm.DBFieldName] = nil
			continue
		}
		row[fm.DBFieldName] = h.safeTransform(v, fm.DBFieldName)
	}
	return row
}

func (h *InboundHandler) safeTransform(v any, field string) (out any) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Warn("Field transformation failed, substituting null", "field", field, "panic", r)
			out = nil
		}
	}()
	return transform.Transform(v)
}

func (h *InboundHandler) deleteJobMessages(ctx context.Context, jobs []models.FetchJob) {
	for _, j := range jobs {
		if j.MessageID == 0 || j.QueueName == "" {
			// Webhook-origin jobs have no underlying queue message
			continue
		}
		if err := h.queue.Delete(ctx, j.QueueName, j.MessageID); err != nil {
			h.logger.Error("Failed to delete queue message", "queue", j.QueueName, "msg_id", j.MessageID, "error", err)
			continue
		}
		metrics.QueueDeletes.WithLabelValues(j.QueueName).Inc()
	}
}

// groupJobs validates jobs, groups them by (app token, table id), and
// deduplicates record ids per group while preserving first-seen order.
func groupJobs(jobs []models.FetchJob, logger *slog.Logger) (map[string]*inboundGroup, []string) {
	groups := make(map[string]*inboundGroup)
	seen := make(map[string]map[string]struct{})
	var order []string

	for _, j := range jobs {
		if !j.Valid() {
			logger.Warn("Dropping invalid fetch job",
				"app_token", j.AppToken, "table_id", j.TableID, "records", len(j.Records))
			continue
		}

		key := j.AppToken + ":" + j.TableID
		g, ok := groups[key]
		if !ok {
			g = &inboundGroup{appToken: j.AppToken, tableID: j.TableID}
			groups[key] = g
			seen[key] = make(map[string]struct{})
			order = append(order, key)
		}
		g.jobs = append(g.jobs, j)

		for _, ref := range j.Records {
			if ref.RecordID == "" {
				continue
			}
			if _, dup := seen[key][ref.RecordID]; dup {
				continue
			}
			seen[key][ref.RecordID] = struct{}{}
			g.recordIDs = append(g.recordIDs, ref.RecordID)
		}
	}

	return groups, order
}
