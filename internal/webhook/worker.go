package webhook

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gridsync/gridsync/internal/mapping"
	"github.com/gridsync/gridsync/internal/models"
	"github.com/gridsync/gridsync/pkg/infra"
	"github.com/gridsync/gridsync/pkg/metrics"
)

// DeleteTask asks for one database row to be removed because its remote
// record was deleted.
type DeleteTask struct {
	TaskID   string
	AppToken string
	TableID  string
	RecordID string
}

// TableResolver resolves the database side of a remote table pair.
type TableResolver interface {
	ResolveByRemoteTable(ctx context.Context, appToken, tableID string) (*models.TableMapping, error)
}

// RowDeleter removes rows joined to remote records.
type RowDeleter interface {
	DeleteByRecordID(ctx context.Context, schema, table, recordID string) error
}

const deleteMaxAttempts = 3

// DeleteWorker processes webhook-origin deletes off the response path. The
// webhook answers before the database work runs; the worker supervises the
// tasks with bounded retry so failures are counted instead of vanishing with
// an unawaited goroutine.
type DeleteWorker struct {
	tasks    chan DeleteTask
	resolver TableResolver
	rows     RowDeleter
	logger   *slog.Logger
}

func NewDeleteWorker(resolver TableResolver, rows RowDeleter, buffer int, logger *slog.Logger) *DeleteWorker {
	return &DeleteWorker{
		tasks:    make(chan DeleteTask, buffer),
		resolver: resolver,
		rows:     rows,
		logger:   logger,
	}
}

// Enqueue hands a task to the worker without blocking the caller. A full
// buffer drops the task (counted), preserving the low-latency ack contract.
func (w *DeleteWorker) Enqueue(task DeleteTask) bool {
	select {
	case w.tasks <- task:
		return true
	default:
		metrics.DeleteTasks.WithLabelValues("dropped").Inc()
		w.logger.Error("Delete worker buffer full, task dropped",
			"task_id", task.TaskID, "record_id", task.RecordID)
		return false
	}
}

// Run consumes tasks until the context is canceled, then drains whatever is
// already buffered before returning.
func (w *DeleteWorker) Run(ctx context.Context) {
	w.logger.Info("Delete worker started", "buffer", cap(w.tasks))
	for {
		select {
		case <-ctx.Done():
			w.drain()
			return
		case task := <-w.tasks:
			w.process(ctx, task)
		}
	}
}

func (w *DeleteWorker) drain() {
	drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for {
		select {
		case task := <-w.tasks:
			w.process(drainCtx, task)
		default:
			w.logger.Info("Delete worker drained")
			return
		}
	}
}

func (w *DeleteWorker) process(ctx context.Context, task DeleteTask) {
	l := w.logger.With("task_id", task.TaskID, "app_token", task.AppToken,
		"table_id", task.TableID, "record_id", task.RecordID)

	tm, err := w.resolver.ResolveByRemoteTable(ctx, task.AppToken, task.TableID)
	if errors.Is(err, mapping.ErrMappingNotFound) {
		metrics.DeleteTasks.WithLabelValues("unmapped").Inc()
		l.Warn("No field mapping for deleted record, dropping task")
		return
	}
	if err != nil {
		metrics.DeleteTasks.WithLabelValues("failed").Inc()
		l.Error("Mapping resolution failed for delete task", "error", err)
		return
	}

	backoff := infra.NewBackoff(200*time.Millisecond, 2*time.Second, 2.0)
	for attempt := 1; attempt <= deleteMaxAttempts; attempt++ {
		err = w.rows.DeleteByRecordID(ctx, tm.DBSchema, tm.DBTable, task.RecordID)
		if err == nil {
			metrics.DeleteTasks.WithLabelValues("success").Inc()
			l.Info("Deleted row for removed remote record", "table", tm.DBTable)
			return
		}

		if attempt == deleteMaxAttempts {
			break
		}

		l.Warn("Row delete failed, retrying", "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			metrics.DeleteTasks.WithLabelValues("failed").Inc()
			return
		case <-time.After(backoff.Next()):
		}
	}

	metrics.DeleteTasks.WithLabelValues("failed").Inc()
	l.Error("Delete task exhausted retries", "attempts", deleteMaxAttempts, "error", err)
}
