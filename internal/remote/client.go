// Package remote is the HTTP client for the remote table service's batch
// record APIs. One authenticated client is shared per process; the tenant
// token is refreshed lazily behind a mutex.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gridsync/gridsync/internal/models"
)

// codePermissionDenied is returned by the service when the app lacks access
// to a table. Treated as a partial-sync condition, not a hard failure.
const codePermissionDenied = 1254302

// tokenSafetyWindow forces a refresh slightly before the reported expiry.
const tokenSafetyWindow = 5 * time.Minute

// APIError is a non-zero response code from the remote service.
type APIError struct {
	Code int
	Msg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("remote api error %d: %s", e.Code, e.Msg)
}

// IsPermissionDenied reports whether err is the service's permission error.
func IsPermissionDenied(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == codePermissionDenied
}

// Client talks to the remote table service. Safe for concurrent use.
type Client struct {
	baseURL   string
	appID     string
	appSecret string
	http      *http.Client
	logger    *slog.Logger

	mu       sync.Mutex
	token    string
	tokenExp time.Time
}

func NewClient(baseURL, appID, appSecret string, logger *slog.Logger) *Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Client{
		baseURL:   baseURL,
		appID:     appID,
		appSecret: appSecret,
		http:      &http.Client{Transport: transport, Timeout: 30 * time.Second},
		logger:    logger,
	}
}

// BatchCreate inserts records (no identifiers) and returns the raw response,
// whose records carry the newly assigned record ids plus echoed fields.
func (c *Client) BatchCreate(ctx context.Context, appToken, tableID string, records []models.RemoteRecord) (*models.APIResponse, error) {
	path := fmt.Sprintf("/bitable/v1/apps/%s/tables/%s/records/batch_create", appToken, tableID)
	return c.call(ctx, path, map[string]any{"records": records})
}

// BatchUpdate updates records identified by record id.
func (c *Client) BatchUpdate(ctx context.Context, appToken, tableID string, records []models.RemoteRecord) (*models.APIResponse, error) {
	path := fmt.Sprintf("/bitable/v1/apps/%s/tables/%s/records/batch_update", appToken, tableID)
	return c.call(ctx, path, map[string]any{"records": records})
}

// BatchDelete removes records by identifier.
func (c *Client) BatchDelete(ctx context.Context, appToken, tableID string, recordIDs []string) (*models.APIResponse, error) {
	path := fmt.Sprintf("/bitable/v1/apps/%s/tables/%s/records/batch_delete", appToken, tableID)
	return c.call(ctx, path, map[string]any{"records": recordIDs})
}

// BatchGet fetches full records by identifier.
func (c *Client) BatchGet(ctx context.Context, appToken, tableID string, recordIDs []string) ([]models.RemoteRecordResult, error) {
	path := fmt.Sprintf("/bitable/v1/apps/%s/tables/%s/records/batch_get", appToken, tableID)
	resp, err := c.call(ctx, path, map[string]any{"record_ids": recordIDs})
	if err != nil {
		return nil, err
	}
	return resp.Data.Records, nil
}

func (c *Client) call(ctx context.Context, path string, payload any) (*models.APIResponse, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize remote payload: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build remote request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	httpResp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("remote request failed: %w", err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read remote response: %w", err)
	}

	var resp models.APIResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("invalid remote response (status %d): %v", httpResp.StatusCode, err)
	}
	if resp.Code != 0 {
		return nil, &APIError{Code: resp.Code, Msg: resp.Msg}
	}
	return &resp, nil
}

// accessToken returns a valid tenant token, fetching a fresh one when the
// cached token is absent or near expiry.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExp.Add(-tokenSafetyWindow)) {
		return c.token, nil
	}

	body, _ := json.Marshal(map[string]string{
		"app_id":     c.appID,
		"app_secret": c.appSecret,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/auth/v3/tenant_access_token/internal", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build token request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer httpResp.Body.Close()

	var resp struct {
		Code   int    `json:"code"`
		Msg    string `json:"msg"`
		Token  string `json:"tenant_access_token"`
		Expire int64  `json:"expire"`
	}
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return "", fmt.Errorf("invalid token response: %v", err)
	}
	if resp.Code != 0 {
		return "", &APIError{Code: resp.Code, Msg: resp.Msg}
	}

	c.token = resp.Token
	c.tokenExp = time.Now().Add(time.Duration(resp.Expire) * time.Second)
	c.logger.Debug("Refreshed tenant access token", "expires_in", resp.Expire)

	return c.token, nil
}
