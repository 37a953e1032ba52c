package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridsync/gridsync/internal/models"
	"github.com/gridsync/gridsync/internal/queue"
)

type fakeQueueReader struct {
	messages []queue.Message
	readErr  error
	deleted  []int64
	backlog  int64
}

func (f *fakeQueueReader) ReadBatch(_ context.Context, _ string, _ time.Duration, qty int) ([]queue.Message, error) {
	if f.readErr != nil {
		return nil, f.readErr
	}
	if qty > len(f.messages) {
		qty = len(f.messages)
	}
	return f.messages[:qty], nil
}

func (f *fakeQueueReader) Delete(_ context.Context, _ string, msgID int64) error {
	f.deleted = append(f.deleted, msgID)
	return nil
}

func (f *fakeQueueReader) Backlog(_ context.Context, _ string) (int64, error) {
	return f.backlog, nil
}

type fakeBroker struct {
	published []any
	err       error
}

func (f *fakeBroker) Publish(_ context.Context, _ string, payload any) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, payload)
	return nil
}

func queueMessage(t *testing.T, msgID int64, event models.ChangeEvent) queue.Message {
	t.Helper()
	body, err := json.Marshal(event)
	require.NoError(t, err)
	return queue.Message{MsgID: msgID, Body: body}
}

func newRelay(q QueueReader, b BrokerClient) *RelayService {
	return NewRelayService(q, b, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRelayStampsQueueIdentity(t *testing.T) {
	q := &fakeQueueReader{messages: []queue.Message{
		queueMessage(t, 101, models.ChangeEvent{Schema: "public", Table: "products", Type: models.OpInsert}),
		queueMessage(t, 102, models.ChangeEvent{Schema: "public", Table: "orders", Type: models.OpUpdate}),
	}}
	b := &fakeBroker{}

	n, err := newRelay(q, b).ProcessNextBatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.Len(t, b.published, 1, "the whole batch goes out as one delivery")
	events, ok := b.published[0].([]models.ChangeEvent)
	require.True(t, ok)
	require.Len(t, events, 2)
	assert.Equal(t, int64(101), events[0].MessageID)
	assert.Equal(t, int64(102), events[1].MessageID)
	assert.Equal(t, queue.QueueDBToRemote, events[0].QueueName)

	assert.Empty(t, q.deleted, "the relay never deletes deliverable messages")
}

func TestRelayDeletesPoisonMessages(t *testing.T) {
	q := &fakeQueueReader{messages: []queue.Message{
		{MsgID: 201, Body: []byte("{malformed")},
		queueMessage(t, 202, models.ChangeEvent{Schema: "public", Table: "products", Type: models.OpInsert}),
	}}
	b := &fakeBroker{}

	n, err := newRelay(q, b).ProcessNextBatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, []int64{201}, q.deleted)
	events := b.published[0].([]models.ChangeEvent)
	require.Len(t, events, 1)
	assert.Equal(t, int64(202), events[0].MessageID)
}

func TestRelayPublishFailureLeavesMessages(t *testing.T) {
	q := &fakeQueueReader{messages: []queue.Message{
		queueMessage(t, 301, models.ChangeEvent{Schema: "public", Table: "products", Type: models.OpInsert}),
	}}
	b := &fakeBroker{err: fmt.Errorf("channel closed")}

	n, err := newRelay(q, b).ProcessNextBatch(context.Background(), 10)
	assert.Error(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, q.deleted, "undelivered messages must reappear after the visibility timeout")
}

func TestRelayEmptyQueue(t *testing.T) {
	b := &fakeBroker{}

	n, err := newRelay(&fakeQueueReader{}, b).ProcessNextBatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, b.published)
}

func TestRelayReadFailure(t *testing.T) {
	q := &fakeQueueReader{readErr: fmt.Errorf("connection refused")}

	_, err := newRelay(q, &fakeBroker{}).ProcessNextBatch(context.Background(), 10)
	assert.ErrorContains(t, err, "queue read failure")
}

func fetchJobMessage(t *testing.T, msgID int64, job models.FetchJob) queue.Message {
	t.Helper()
	body, err := json.Marshal(job)
	require.NoError(t, err)
	return queue.Message{MsgID: msgID, Body: body}
}

func TestRelayForwardsFetchJobsWithQueueIdentity(t *testing.T) {
	q := &fakeQueueReader{messages: []queue.Message{
		fetchJobMessage(t, 77, models.FetchJob{
			AppToken: "appTok", TableID: "tbl1",
			Records: []models.RecordRef{{RecordID: "r1"}},
		}),
	}}
	b := &fakeBroker{}

	n, err := newRelay(q, b).ProcessNextFetchBatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Len(t, b.published, 1)
	jobs, ok := b.published[0].([]models.FetchJob)
	require.True(t, ok)
	require.Len(t, jobs, 1)
	assert.Equal(t, int64(77), jobs[0].MessageID)
	assert.Equal(t, queue.QueueRemoteToDB, jobs[0].QueueName)

	assert.Empty(t, q.deleted, "deletion belongs to the inbound handler, after the upsert")
}

func TestRelayFetchBatchDeletesPoison(t *testing.T) {
	q := &fakeQueueReader{messages: []queue.Message{
		{MsgID: 88, Body: []byte("{malformed")},
	}}
	b := &fakeBroker{}

	n, err := newRelay(q, b).ProcessNextFetchBatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, []int64{88}, q.deleted)
	assert.Empty(t, b.published)
}

func TestRelayFetchBatchPublishFailureLeavesMessages(t *testing.T) {
	q := &fakeQueueReader{messages: []queue.Message{
		fetchJobMessage(t, 99, models.FetchJob{
			AppToken: "appTok", TableID: "tbl1",
			Records: []models.RecordRef{{RecordID: "r1"}},
		}),
	}}
	b := &fakeBroker{err: fmt.Errorf("channel closed")}

	_, err := newRelay(q, b).ProcessNextFetchBatch(context.Background(), 10)
	assert.Error(t, err)
	assert.Empty(t, q.deleted, "jobs must reappear after the visibility timeout")
}
