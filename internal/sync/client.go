package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/brightpath-health/portal-realtime/internal/auth"
	"github.com/brightpath-health/portal-realtime/internal/queue"
	"github.com/brightpath-health/portal-realtime/pkg/logging"
)

const defaultClientTimeout = 10 * time.Second

// ClientConfig controls the sync endpoint client.
type ClientConfig struct {
	BaseURL    string
	Tokens     auth.TokenProvider
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *logging.Logger
}

// Client talks to the portal sync endpoints. It is the single Poster used for
// both action replay and conflict resolution; a version-precondition failure
// (HTTP 409) is reported as data, not as an error.
type Client struct {
	baseURL    string
	tokens     auth.TokenProvider
	httpClient *http.Client
	logger     *logging.Logger
}

func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("sync: base URL is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultClientTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Client{
		baseURL:    baseURL,
		tokens:     cfg.Tokens,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

type actionRequest struct {
	ID              string          `json:"id"`
	Type            string          `json:"type"`
	EntityType      string          `json:"entityType"`
	EntityID        string          `json:"entityId"`
	Payload         json.RawMessage `json:"payload"`
	ExpectedVersion string          `json:"expectedVersion"`
}

type versionResponse struct {
	Version string `json:"version"`
}

type conflictResponse struct {
	Local  json.RawMessage `json:"local"`
	Remote json.RawMessage `json:"remote"`
}

// PostAction submits one action with its optimistic-concurrency precondition.
// A 409 means the expected version is stale; the response body carries both
// sides so the conflict can be surfaced for resolution.
func (c *Client) PostAction(ctx context.Context, a queue.Action) (queue.PostResult, error) {
	body, err := json.Marshal(actionRequest{
		ID:              a.ID,
		Type:            a.Type,
		EntityType:      a.EntityType,
		EntityID:        a.EntityID,
		Payload:         a.Payload,
		ExpectedVersion: a.ExpectedVersion,
	})
	if err != nil {
		return queue.PostResult{}, fmt.Errorf("sync: marshal action: %w", err)
	}

	status, data, err := c.post(ctx, "/sync", body)
	if err != nil {
		return queue.PostResult{}, err
	}

	switch {
	case status == http.StatusConflict:
		var cr conflictResponse
		if err := json.Unmarshal(data, &cr); err != nil {
			return queue.PostResult{}, fmt.Errorf("sync: decode conflict response: %w", err)
		}
		if cr.Local == nil {
			cr.Local = a.Payload
		}
		return queue.PostResult{Conflict: &queue.ConflictData{Local: cr.Local, Remote: cr.Remote}}, nil
	case status >= 200 && status < 300:
		var vr versionResponse
		if err := json.Unmarshal(data, &vr); err != nil {
			return queue.PostResult{}, fmt.Errorf("sync: decode sync response: %w", err)
		}
		return queue.PostResult{Version: vr.Version}, nil
	default:
		return queue.PostResult{}, httpStatusError("/sync", status, data)
	}
}

type resolutionRequest struct {
	ConflictID string          `json:"conflictId"`
	Strategy   string          `json:"strategy"`
	Data       json.RawMessage `json:"data"`
}

// PostResolution submits the winning data for a conflict and returns the
// server's new version token.
func (c *Client) PostResolution(ctx context.Context, conflictID, strategy string, data json.RawMessage) (string, error) {
	body, err := json.Marshal(resolutionRequest{ConflictID: conflictID, Strategy: strategy, Data: data})
	if err != nil {
		return "", fmt.Errorf("sync: marshal resolution: %w", err)
	}

	status, respData, err := c.post(ctx, "/conflicts/resolve", body)
	if err != nil {
		return "", err
	}
	if status < 200 || status >= 300 {
		return "", httpStatusError("/conflicts/resolve", status, respData)
	}
	var vr versionResponse
	if err := json.Unmarshal(respData, &vr); err != nil {
		return "", fmt.Errorf("sync: decode resolution response: %w", err)
	}
	return vr.Version, nil
}

func (c *Client) post(ctx context.Context, path string, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("sync: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return 0, nil, fmt.Errorf("sync: token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, ctx.Err()
		}
		return 0, nil, fmt.Errorf("sync: http error: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("sync: read response: %w", err)
	}
	return resp.StatusCode, data, nil
}

func httpStatusError(path string, status int, body []byte) error {
	detail := strings.TrimSpace(string(body))
	if len(detail) > 200 {
		detail = detail[:200]
	}
	if detail == "" {
		return fmt.Errorf("sync: %s returned status %d", path, status)
	}
	return fmt.Errorf("sync: %s returned status %d: %s", path, status, detail)
}
