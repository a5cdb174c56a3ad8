package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"petsync/internal/config"
	"petsync/internal/store"
)

// HTTPClient talks JSON over HTTP to the remote store and opens its
// change feed over a websocket.
type HTTPClient struct {
	cfg    config.RemoteConfig
	client *http.Client
}

func NewHTTPClient(cfg config.RemoteConfig) *HTTPClient {
	return &HTTPClient{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.GetTimeout(),
		},
	}
}

type pushRequest struct {
	ID        string          `json:"id"`
	Type      store.OpType    `json:"type"`
	Key       string          `json:"key"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

func (c *HTTPClient) Push(ctx context.Context, table string, op *store.QueuedOperation) (*Ack, error) {
	body, err := json.Marshal(pushRequest{
		ID:        op.ID,
		Type:      op.Type,
		Key:       op.Key,
		Data:      op.Data,
		Timestamp: op.Timestamp.UnixNano(),
	})
	if err != nil {
		return nil, &PermanentError{Op: "push", Err: fmt.Errorf("encode operation: %w", err)}
	}

	url := fmt.Sprintf("%s/tables/%s/ops", c.cfg.BaseURL, table)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &PermanentError{Op: "push", Err: err}
	}
	c.setHeaders(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, classifyDial("push", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, classifyHTTP("push", resp.StatusCode, readError(resp.Body))
	}

	var ack Ack
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return nil, &TransientError{Op: "push", Err: fmt.Errorf("decode ack: %w", err)}
	}

	return &ack, nil
}

func (c *HTTPClient) Fetch(ctx context.Context, table, key string) (map[string]any, error) {
	url := fmt.Sprintf("%s/tables/%s/items/%s", c.cfg.BaseURL, table, key)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &PermanentError{Op: "fetch", Err: err}
	}
	c.setHeaders(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, classifyDial("fetch", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, classifyHTTP("fetch", resp.StatusCode, readError(resp.Body))
	}

	var value map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&value); err != nil {
		return nil, &TransientError{Op: "fetch", Err: fmt.Errorf("decode value: %w", err)}
	}

	return value, nil
}

func (c *HTTPClient) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.AuthToken)
	}
}

func readError(r io.Reader) error {
	body, _ := io.ReadAll(io.LimitReader(r, 4096))
	if len(body) == 0 {
		return fmt.Errorf("remote rejected request")
	}
	return fmt.Errorf("remote rejected request: %s", string(body))
}
