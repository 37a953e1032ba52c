package processor

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridsync/gridsync/internal/models"
	"github.com/gridsync/gridsync/internal/remote"
)

func permissionDeniedErr() error {
	return &remote.APIError{Code: 1254302, Msg: "Permission denied"}
}

func ordersMapping() *models.TableMapping {
	return &models.TableMapping{
		DBSchema: "public",
		DBTable:  "orders",
		AppToken: "appTok",
		TableID:  "tbl2",
		Fields: []models.FieldMapping{
			{DBFieldName: "id", RemoteFieldName: "RowID", RemoteFieldType: models.FieldTypeNumber},
			{DBFieldName: "customer", RemoteFieldName: "Customer", RemoteFieldType: models.FieldTypeText},
			{DBFieldName: "amount", RemoteFieldName: "Amount", RemoteFieldType: models.FieldTypeNumber},
		},
	}
}

func newInbound(resolver *fakeResolver, rem *fakeRemote, rows *fakeRows, q *fakeQueue) *InboundHandler {
	return NewInboundHandler(resolver, rem, rows, q, discardLogger())
}

func remoteRecords(ids ...string) []models.RemoteRecordResult {
	var out []models.RemoteRecordResult
	for _, id := range ids {
		out = append(out, models.RemoteRecordResult{
			RecordID: id,
			Fields:   map[string]any{"Customer": "c-" + id, "Amount": 10.0},
		})
	}
	return out
}

func TestInboundUpsertIsIdempotent(t *testing.T) {
	resolver := &fakeResolver{byRemote: map[string]*models.TableMapping{"appTok:tbl2": ordersMapping()}}
	rem := &fakeRemote{getFn: func(ids []string) ([]models.RemoteRecordResult, error) {
		return remoteRecords(ids...), nil
	}}
	rows := newFakeRows()
	h := newInbound(resolver, rem, rows, &fakeQueue{})

	job := models.FetchJob{
		AppToken: "appTok",
		TableID:  "tbl2",
		Records:  []models.RecordRef{{RecordID: "rec1"}, {RecordID: "rec2"}},
	}

	first := h.Process(context.Background(), []models.FetchJob{job})
	stateAfterFirst := fmt.Sprintf("%v", rows.tables["public.orders"])

	second := h.Process(context.Background(), []models.FetchJob{job})

	assert.True(t, first.Success)
	assert.True(t, second.Success)
	assert.Len(t, rows.tables["public.orders"], 2, "no duplicate rows on re-run")
	assert.Equal(t, stateAfterFirst, fmt.Sprintf("%v", rows.tables["public.orders"]))
	assert.Equal(t, 2, second.Results[0].ProcessedRecords)
}

func TestInboundFetchesInChunksOf100(t *testing.T) {
	resolver := &fakeResolver{byRemote: map[string]*models.TableMapping{"appTok:tbl2": ordersMapping()}}
	rem := &fakeRemote{getFn: func(ids []string) ([]models.RemoteRecordResult, error) {
		return remoteRecords(ids...), nil
	}}
	h := newInbound(resolver, rem, newFakeRows(), &fakeQueue{})

	var refs []models.RecordRef
	for i := 0; i < 250; i++ {
		refs = append(refs, models.RecordRef{RecordID: fmt.Sprintf("rec%03d", i)})
	}

	result := h.Process(context.Background(), []models.FetchJob{
		{AppToken: "appTok", TableID: "tbl2", Records: refs},
	})

	gets := rem.callsOf("get")
	require.Len(t, gets, 3)
	assert.Len(t, gets[0].recordIDs, 100)
	assert.Len(t, gets[1].recordIDs, 100)
	assert.Len(t, gets[2].recordIDs, 50)
	assert.Equal(t, 250, result.Results[0].ProcessedRecords)
}

func TestInboundDeduplicatesRecordIDs(t *testing.T) {
	resolver := &fakeResolver{byRemote: map[string]*models.TableMapping{"appTok:tbl2": ordersMapping()}}
	rem := &fakeRemote{getFn: func(ids []string) ([]models.RemoteRecordResult, error) {
		return remoteRecords(ids...), nil
	}}
	h := newInbound(resolver, rem, newFakeRows(), &fakeQueue{})

	h.Process(context.Background(), []models.FetchJob{
		{AppToken: "appTok", TableID: "tbl2", Records: []models.RecordRef{
			{RecordID: "rec1"}, {RecordID: "rec2"}, {RecordID: "rec1"},
		}},
		{AppToken: "appTok", TableID: "tbl2", Records: []models.RecordRef{
			{RecordID: "rec2"}, {RecordID: "rec3"},
		}},
	})

	gets := rem.callsOf("get")
	require.Len(t, gets, 1)
	assert.Equal(t, []string{"rec1", "rec2", "rec3"}, gets[0].recordIDs)
}

func TestInboundPermissionDeniedSkipsChunkOnly(t *testing.T) {
	resolver := &fakeResolver{byRemote: map[string]*models.TableMapping{"appTok:tbl2": ordersMapping()}}
	call := 0
	rem := &fakeRemote{getFn: func(ids []string) ([]models.RemoteRecordResult, error) {
		call++
		if call == 1 {
			return nil, permissionDeniedErr()
		}
		return remoteRecords(ids...), nil
	}}
	rows := newFakeRows()
	h := newInbound(resolver, rem, rows, &fakeQueue{})

	var refs []models.RecordRef
	for i := 0; i < 150; i++ {
		refs = append(refs, models.RecordRef{RecordID: fmt.Sprintf("rec%03d", i)})
	}

	result := h.Process(context.Background(), []models.FetchJob{
		{AppToken: "appTok", TableID: "tbl2", Records: refs},
	})

	// First chunk of 100 skipped, second chunk of 50 synced
	require.Len(t, result.Results, 1)
	assert.Empty(t, result.Results[0].Error)
	assert.Equal(t, 50, result.Results[0].ProcessedRecords)
	assert.Len(t, rows.tables["public.orders"], 50)
}

func TestInboundMappingMissDropsJobMessages(t *testing.T) {
	resolver := &fakeResolver{byRemote: map[string]*models.TableMapping{}}
	rem := &fakeRemote{getFn: func(ids []string) ([]models.RemoteRecordResult, error) {
		return remoteRecords(ids...), nil
	}}
	q := &fakeQueue{}
	rows := newFakeRows()
	h := newInbound(resolver, rem, rows, q)

	result := h.Process(context.Background(), []models.FetchJob{
		{AppToken: "appTok", TableID: "ghost", Records: []models.RecordRef{{RecordID: "rec1"}},
			MessageID: 55, QueueName: "remote_to_db"},
	})

	assert.Equal(t, []string{"remote_to_db/55"}, q.deleted, "unconfigured pairs can never succeed, drop the message")
	assert.Empty(t, rows.tables)
	require.Len(t, result.Results, 1)
	assert.NotEmpty(t, result.Results[0].Error)
	assert.False(t, result.Results[0].Retry, "a configuration gap never resolves by retrying")
	assert.True(t, result.Success, "per-group failure does not fail the call")
}

func TestInboundUpsertFailureKeepsMessages(t *testing.T) {
	resolver := &fakeResolver{byRemote: map[string]*models.TableMapping{"appTok:tbl2": ordersMapping()}}
	rem := &fakeRemote{getFn: func(ids []string) ([]models.RemoteRecordResult, error) {
		return remoteRecords(ids...), nil
	}}
	rows := newFakeRows()
	rows.upsertErr = fmt.Errorf("connection reset")
	q := &fakeQueue{}
	h := newInbound(resolver, rem, rows, q)

	result := h.Process(context.Background(), []models.FetchJob{
		{AppToken: "appTok", TableID: "tbl2", Records: []models.RecordRef{{RecordID: "rec1"}},
			MessageID: 77, QueueName: "remote_to_db"},
	})

	assert.Empty(t, q.deleted, "deletion is conditioned on upsert success")
	require.Len(t, result.Results, 1)
	assert.Equal(t, "connection reset", result.Results[0].Error)
	assert.Equal(t, 0, result.Results[0].ProcessedRecords)
	assert.True(t, result.Results[0].Retry, "kept messages need the delivery requeued")
	assert.True(t, result.Success)
}

func TestInboundHandleRequeuesOnTransientFailure(t *testing.T) {
	resolver := &fakeResolver{byRemote: map[string]*models.TableMapping{"appTok:tbl2": ordersMapping()}}
	rem := &fakeRemote{getFn: func(ids []string) ([]models.RemoteRecordResult, error) {
		return remoteRecords(ids...), nil
	}}
	rows := newFakeRows()
	rows.upsertErr = fmt.Errorf("connection reset")
	q := &fakeQueue{}
	h := newInbound(resolver, rem, rows, q)

	body := []byte(`{"app_token":"appTok","table_id":"tbl2","records":[{"record_id":"rec1"}],"message_id":91,"queue_name":"remote_to_db"}`)

	err := h.Handle(context.Background(), body)
	require.Error(t, err, "a swallowed failure would ack the delivery and lose the job")
	assert.NotContains(t, err.Error(), "FATAL:", "transient failures requeue, they are not poison")
	assert.Contains(t, err.Error(), "requeueing")
	assert.Empty(t, q.deleted)
}

func TestInboundHandleAcksPermanentDrops(t *testing.T) {
	resolver := &fakeResolver{byRemote: map[string]*models.TableMapping{}}
	rem := &fakeRemote{getFn: func(ids []string) ([]models.RemoteRecordResult, error) {
		return remoteRecords(ids...), nil
	}}
	q := &fakeQueue{}
	h := newInbound(resolver, rem, newFakeRows(), q)

	body := []byte(`{"app_token":"appTok","table_id":"ghost","records":[{"record_id":"rec1"}],"message_id":92,"queue_name":"remote_to_db"}`)

	err := h.Handle(context.Background(), body)
	require.NoError(t, err, "an unmapped pair is dropped, not requeued")
	assert.Equal(t, []string{"remote_to_db/92"}, q.deleted)
}

func TestInboundBuildsRowsFromMappings(t *testing.T) {
	resolver := &fakeResolver{byRemote: map[string]*models.TableMapping{"appTok:tbl2": ordersMapping()}}
	rem := &fakeRemote{getFn: func(ids []string) ([]models.RemoteRecordResult, error) {
		return []models.RemoteRecordResult{{
			RecordID: "rec9",
			Fields: map[string]any{
				"RowID":    float64(9),
				"Customer": []any{map[string]any{"text": "Acme "}, map[string]any{"text": "Corp"}},
				// Amount absent from the fetched record
			},
		}}, nil
	}}
	rows := newFakeRows()
	h := newInbound(resolver, rem, rows, &fakeQueue{})

	h.Process(context.Background(), []models.FetchJob{
		{AppToken: "appTok", TableID: "tbl2", Records: []models.RecordRef{{RecordID: "rec9"}}},
	})

	row := rows.tables["public.orders"]["rec9"]
	require.NotNil(t, row)
	assert.Equal(t, "Acme Corp", row["customer"], "text runs flattened")
	assert.Nil(t, row["amount"], "absent remote field nulls the column")
	assert.NotContains(t, row, "id", "reserved primary key column is never written")
	assert.Equal(t, "rec9", row[models.RecordIDColumn])
}

func TestInboundDropsInvalidJobs(t *testing.T) {
	rem := &fakeRemote{}
	h := newInbound(&fakeResolver{}, rem, newFakeRows(), &fakeQueue{})

	result := h.Process(context.Background(), []models.FetchJob{
		{AppToken: "", TableID: "tbl2", Records: []models.RecordRef{{RecordID: "rec1"}}},
		{AppToken: "appTok", TableID: "", Records: []models.RecordRef{{RecordID: "rec1"}}},
		{AppToken: "appTok", TableID: "tbl2", Records: nil},
	})

	assert.Empty(t, rem.calls)
	assert.Equal(t, 0, result.TotalGroups)
	assert.True(t, result.Success)
}

func TestInboundHandlePoisonBody(t *testing.T) {
	h := newInbound(&fakeResolver{}, &fakeRemote{}, newFakeRows(), &fakeQueue{})

	err := h.Handle(context.Background(), []byte("not json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FATAL:")
}
