package synapse

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// RetryConfig controls retries of calls that fail with a network error or a 5xx
// other than 503. A 503 is never retried here; the exporter restarts the run.
type RetryConfig struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
}

// DefaultRetryConfig is used when HTTPClientConfig.Retry is zero
var DefaultRetryConfig = RetryConfig{
	MaxAttempts:       3,
	InitialDelay:      time.Second,
	MaxDelay:          30 * time.Second,
	BackoffMultiplier: 2.0,
}

// HTTPClientConfig configures HTTPClient
type HTTPClientConfig struct {
	BaseURL         string
	APIKey          string
	RequestTimeout  time.Duration
	PollInterval    time.Duration
	AsyncJobTimeout time.Duration
	Retry           RetryConfig
}

// HTTPClient implements Client against the service's REST API
type HTTPClient struct {
	cfg    HTTPClientConfig
	http   *http.Client
	logger *slog.Logger
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a REST client
func NewHTTPClient(cfg HTTPClientConfig, logger *slog.Logger) *HTTPClient {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.AsyncJobTimeout == 0 {
		cfg.AsyncJobTimeout = 10 * time.Minute
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryConfig
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &HTTPClient{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.RequestTimeout},
		logger: logger,
	}
}

type columnList struct {
	List []ColumnModel `json:"list"`
}

// CreateColumns creates column models in one batch call
func (c *HTTPClient) CreateColumns(ctx context.Context, columns []ColumnModel) ([]ColumnModel, error) {
	var out columnList
	if err := c.doJSON(ctx, "createColumns", http.MethodPost, "/column/batch", columnList{List: columns}, &out); err != nil {
		return nil, err
	}
	if len(out.List) != len(columns) {
		return nil, fmt.Errorf("synapse createColumns: asked for %d columns, got %d", len(columns), len(out.List))
	}
	return out.List, nil
}

type aclRequest struct {
	ID             string     `json:"id"`
	ResourceAccess []ACLEntry `json:"resourceAccess"`
}

// CreateTableWithACL creates the table entity, then replaces its ACL
func (c *HTTPClient) CreateTableWithACL(ctx context.Context, table TableEntity, acl []ACLEntry) (string, error) {
	var created TableEntity
	if err := c.doJSON(ctx, "createTable", http.MethodPost, "/entity", table, &created); err != nil {
		return "", err
	}
	if created.ID == "" {
		return "", errors.New("synapse createTable: response has no table id")
	}
	path := "/entity/" + url.PathEscape(created.ID) + "/acl"
	if err := c.doJSON(ctx, "createACL", http.MethodPost, path, aclRequest{ID: created.ID, ResourceAccess: acl}, nil); err != nil {
		return created.ID, err
	}
	return created.ID, nil
}

// GetTable fetches the table entity
func (c *HTTPClient) GetTable(ctx context.Context, tableID string) (*TableEntity, error) {
	var out TableEntity
	if err := c.doJSON(ctx, "getTable", http.MethodGet, "/entity/"+url.PathEscape(tableID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetColumnModelsForTable fetches the live columns of a table in table order
func (c *HTTPClient) GetColumnModelsForTable(ctx context.Context, tableID string) ([]ColumnModel, error) {
	var out struct {
		Results []ColumnModel `json:"results"`
	}
	path := "/entity/" + url.PathEscape(tableID) + "/column"
	if err := c.doJSON(ctx, "getColumns", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

type schemaChangeRequest struct {
	EntityID         string         `json:"entityId"`
	Changes          []ColumnChange `json:"changes"`
	OrderedColumnIDs []string       `json:"orderedColumnIds"`
}

// UpdateTableColumns runs one table transaction holding a single schema change
func (c *HTTPClient) UpdateTableColumns(ctx context.Context, tableID string, changes []ColumnChange, orderedColumnIDs []string) error {
	body := struct {
		Changes []schemaChangeRequest `json:"changes"`
	}{Changes: []schemaChangeRequest{{EntityID: tableID, Changes: changes, OrderedColumnIDs: orderedColumnIDs}}}
	path := "/entity/" + url.PathEscape(tableID) + "/table/transaction/async"
	_, err := c.runAsyncJob(ctx, "updateTableColumns", path, body)
	return err
}

// UploadTSVToTable streams the file to the table upload job and returns its processed row count
func (c *HTTPClient) UploadTSVToTable(ctx context.Context, projectID, tableID, filePath string) (int64, error) {
	content, err := os.ReadFile(filePath)
	if err != nil {
		return 0, fmt.Errorf("read tsv %s: %w", filePath, err)
	}
	q := url.Values{}
	q.Set("projectId", projectID)
	q.Set("separator", "\t")
	q.Set("firstLineIsHeader", "true")
	startPath := "/entity/" + url.PathEscape(tableID) + "/table/upload/async/start?" + q.Encode()

	var token asyncToken
	if err := c.do(ctx, "uploadTsv", http.MethodPost, startPath, "text/tab-separated-values", content, &token); err != nil {
		return 0, err
	}
	raw, err := c.pollAsyncJob(ctx, "uploadTsv", "/entity/"+url.PathEscape(tableID)+"/table/upload/async/get/"+url.PathEscape(token.Token))
	if err != nil {
		return 0, err
	}
	var result struct {
		RowsProcessed int64 `json:"rowsProcessed"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return 0, fmt.Errorf("synapse uploadTsv: decode result: %w", err)
	}
	return result.RowsProcessed, nil
}

// AppendRows appends rows to the table
func (c *HTTPClient) AppendRows(ctx context.Context, tableID string, rows [][]string) error {
	type row struct {
		Values []string `json:"values"`
	}
	body := struct {
		TableID string `json:"tableId"`
		Rows    []row  `json:"rows"`
	}{TableID: tableID}
	for _, r := range rows {
		body.Rows = append(body.Rows, row{Values: r})
	}
	path := "/entity/" + url.PathEscape(tableID) + "/table/append/async"
	_, err := c.runAsyncJob(ctx, "appendRows", path, body)
	return err
}

// UploadFileHandle uploads content as a new file handle
func (c *HTTPClient) UploadFileHandle(ctx context.Context, projectID, fileName string, content []byte) (string, error) {
	q := url.Values{}
	q.Set("projectId", projectID)
	q.Set("fileName", fileName)
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, "uploadFileHandle", http.MethodPost, "/file?"+q.Encode(), "application/octet-stream", content, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

type asyncToken struct {
	Token string `json:"token"`
}

func (c *HTTPClient) runAsyncJob(ctx context.Context, op, basePath string, body any) (json.RawMessage, error) {
	var token asyncToken
	if err := c.doJSON(ctx, op, http.MethodPost, basePath+"/start", body, &token); err != nil {
		return nil, err
	}
	return c.pollAsyncJob(ctx, op, basePath+"/get/"+url.PathEscape(token.Token))
}

// pollAsyncJob polls until the job answers 200. 202 means still running.
func (c *HTTPClient) pollAsyncJob(ctx context.Context, op, getPath string) (json.RawMessage, error) {
	deadline := time.Now().Add(c.cfg.AsyncJobTimeout)
	for {
		status, body, err := c.send(ctx, http.MethodGet, getPath, "", nil)
		if err != nil {
			return nil, fmt.Errorf("synapse %s: %w", op, err)
		}
		switch {
		case status == http.StatusOK:
			return body, nil
		case status == http.StatusAccepted:
		default:
			return nil, &ServiceError{StatusCode: status, Op: op, Message: string(body)}
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("synapse %s: async job timed out after %v", op, c.cfg.AsyncJobTimeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.cfg.PollInterval):
		}
	}
}

func (c *HTTPClient) doJSON(ctx context.Context, op, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("synapse %s: encode request: %w", op, err)
		}
		payload = b
	}
	return c.do(ctx, op, method, path, "application/json", payload, out)
}

// do sends the request with retries and decodes a 2xx body into out
func (c *HTTPClient) do(ctx context.Context, op, method, path, contentType string, payload []byte, out any) error {
	retry := c.cfg.Retry
	var lastErr error
	for attempt := 1; attempt <= retry.MaxAttempts; attempt++ {
		status, body, err := c.send(ctx, method, path, contentType, payload)
		switch {
		case err != nil:
			lastErr = fmt.Errorf("synapse %s: %w", op, err)
		case status >= 200 && status < 300:
			if out == nil || len(body) == 0 {
				return nil
			}
			if err := json.Unmarshal(body, out); err != nil {
				return fmt.Errorf("synapse %s: decode response: %w", op, err)
			}
			return nil
		default:
			svcErr := &ServiceError{StatusCode: status, Op: op, Message: strings.TrimSpace(string(body))}
			if status < 500 || status == http.StatusServiceUnavailable {
				return svcErr
			}
			lastErr = svcErr
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt < retry.MaxAttempts {
			delay := backoff(retry, attempt)
			c.logger.Warn("synapse call failed, retrying",
				"op", op, "attempt", attempt, "delay", delay, "error", lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return lastErr
}

func (c *HTTPClient) send(ctx context.Context, method, path, contentType string, payload []byte) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return 0, nil, err
	}
	if contentType != "" && payload != nil {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, respBody, nil
}

// backoff returns the exponential delay before the next attempt, capped at MaxDelay
func backoff(cfg RetryConfig, attempt int) time.Duration {
	delay := time.Duration(float64(cfg.InitialDelay) * math.Pow(cfg.BackoffMultiplier, float64(attempt-1)))
	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	return delay
}
