package webhook

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/gridsync/gridsync/internal/models"
	"github.com/gridsync/gridsync/pkg/metrics"
)

// Request headers carrying the signature material.
const (
	HeaderTimestamp = "X-Lark-Request-Timestamp"
	HeaderNonce     = "X-Lark-Request-Nonce"
	HeaderSignature = "X-Lark-Signature"
)

// RoutingKeyFetchJobs is where webhook-origin batch-fetch jobs are published.
const RoutingKeyFetchJobs = "sync.remote_to_db"

const maxBodyBytes = 1 << 20

// Record actions carried by a table change event.
const (
	actionRecordAdded   = "record_added"
	actionRecordEdited  = "record_edited"
	actionRecordDeleted = "record_deleted"
)

// Publisher is the broker surface the ingress enqueues fetch jobs through.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, payload any) error
}

// eventEnvelope is the decrypted webhook payload. The handshake carries only
// a challenge; normal events carry header + event.
type eventEnvelope struct {
	Challenge string `json:"challenge,omitempty"`
	Token     string `json:"token,omitempty"`
	Schema    string `json:"schema,omitempty"`
	Header    struct {
		EventID   string `json:"event_id"`
		EventType string `json:"event_type"`
		Token     string `json:"token"`
	} `json:"header"`
	Event recordChangeEvent `json:"event"`
}

type recordChangeEvent struct {
	AppToken   string         `json:"app_token"`
	TableID    string         `json:"table_id"`
	ActionList []recordAction `json:"action_list"`
}

type recordAction struct {
	RecordID string `json:"record_id"`
	Action   string `json:"action"`
}

// Handler answers the remote service's webhook: verification handshake,
// signature check, envelope decryption, and record-action dispatch. The
// response is always synchronous; adds/edits are enqueued as fetch jobs and
// deletes handed to the supervised worker before the response is written.
type Handler struct {
	encryptKey        string
	verificationToken string
	publisher         Publisher
	deletes           *DeleteWorker
	logger            *slog.Logger
}

func NewHandler(encryptKey, verificationToken string, publisher Publisher, deletes *DeleteWorker, logger *slog.Logger) *Handler {
	return &Handler{
		encryptKey:        encryptKey,
		verificationToken: verificationToken,
		publisher:         publisher,
		deletes:           deletes,
		logger:            logger,
	}
}

// ServeHTTP handles POSTs to the webhook endpoint.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.reject(w, http.StatusBadRequest, "unreadable body")
		return
	}

	var outer struct {
		Encrypt   string `json:"encrypt"`
		Challenge string `json:"challenge"`
		Token     string `json:"token"`
	}
	if err := json.Unmarshal(body, &outer); err != nil {
		h.reject(w, http.StatusBadRequest, "malformed payload")
		return
	}

	// Plaintext verification handshake (service not configured for encryption)
	if outer.Challenge != "" {
		metrics.WebhookEvents.WithLabelValues("challenge", "ok").Inc()
		writeJSON(w, http.StatusOK, map[string]string{"challenge": outer.Challenge})
		return
	}

	if outer.Encrypt == "" {
		h.reject(w, http.StatusBadRequest, "missing encrypted envelope")
		return
	}

	timestamp := r.Header.Get(HeaderTimestamp)
	nonce := r.Header.Get(HeaderNonce)
	signature := r.Header.Get(HeaderSignature)
	if timestamp == "" || nonce == "" || signature == "" {
		h.reject(w, http.StatusBadRequest, "missing signature headers")
		return
	}

	if !VerifySignature(timestamp, nonce, h.encryptKey, body, signature) {
		metrics.WebhookEvents.WithLabelValues("event", "bad_signature").Inc()
		h.reject(w, http.StatusUnauthorized, "signature mismatch")
		return
	}

	plain, err := Decrypt(h.encryptKey, outer.Encrypt)
	if err != nil {
		metrics.WebhookEvents.WithLabelValues("event", "bad_envelope").Inc()
		h.reject(w, http.StatusBadRequest, "undecryptable envelope")
		return
	}

	var envelope eventEnvelope
	if err := json.Unmarshal(plain, &envelope); err != nil {
		h.reject(w, http.StatusBadRequest, "malformed event payload")
		return
	}

	// Encrypted verification handshake
	if envelope.Challenge != "" {
		metrics.WebhookEvents.WithLabelValues("challenge", "ok").Inc()
		writeJSON(w, http.StatusOK, map[string]string{"challenge": envelope.Challenge})
		return
	}

	if h.verificationToken != "" && envelope.Header.Token != h.verificationToken {
		metrics.WebhookEvents.WithLabelValues("event", "bad_token").Inc()
		h.reject(w, http.StatusUnauthorized, "verification token mismatch")
		return
	}

	h.dispatch(r.Context(), envelope)

	metrics.WebhookEvents.WithLabelValues("event", "ok").Inc()
	writeJSON(w, http.StatusOK, map[string]string{"event_id": envelope.Header.EventID})
}

// dispatch splits the action list: adds and edits become one batch-fetch job,
// deletes go to the worker. The response does not wait for either.
func (h *Handler) dispatch(ctx context.Context, envelope eventEnvelope) {
	event := envelope.Event
	l := h.logger.With("event_id", envelope.Header.EventID,
		"app_token", event.AppToken, "table_id", event.TableID)

	var fetchRefs []models.RecordRef
	for _, action := range event.ActionList {
		switch action.Action {
		case actionRecordAdded, actionRecordEdited:
			fetchRefs = append(fetchRefs, models.RecordRef{RecordID: action.RecordID})
		case actionRecordDeleted:
			h.deletes.Enqueue(DeleteTask{
				TaskID:   uuid.NewString(),
				AppToken: event.AppToken,
				TableID:  event.TableID,
				RecordID: action.RecordID,
			})
		default:
			l.Warn("Unknown record action, skipping", "action", action.Action, "record_id", action.RecordID)
		}
	}

	if len(fetchRefs) == 0 {
		return
	}

	job := models.FetchJob{
		EventID:  envelope.Header.EventID,
		AppToken: event.AppToken,
		TableID:  event.TableID,
		Records:  fetchRefs,
	}
	if job.EventID == "" {
		job.EventID = uuid.NewString()
	}

	if err := h.publisher.Publish(ctx, RoutingKeyFetchJobs, job); err != nil {
		// The response contract still acks the event; the loss is logged
		l.Error("Failed to enqueue fetch job", "records", len(fetchRefs), "error", err)
	}
}

func (h *Handler) reject(w http.ResponseWriter, status int, msg string) {
	h.logger.Warn("Rejecting webhook request", "status", status, "reason", msg)
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
