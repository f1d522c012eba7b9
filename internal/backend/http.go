package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/quidsync/quid/internal/privacy"
	"github.com/quidsync/quid/internal/record"
	"github.com/quidsync/quid/internal/syncerr"
)

// HTTPClient implements Client against the sync service's REST API, with
// bearer-token auth and a websocket change feed.
type HTTPClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewHTTPClient creates a client for the service at baseURL. The token is
// sent as a bearer credential on every request.
func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// CurrentUser resolves the authenticated identity.
func (c *HTTPClient) CurrentUser(ctx context.Context) (User, error) {
	if c.token == "" {
		return User{}, syncerr.New(syncerr.KindAuth, fmt.Errorf("no session token"))
	}

	var user User
	if err := c.doJSON(ctx, http.MethodGet, "/v1/me", nil, &user); err != nil {
		return User{}, err
	}
	if user.ID == "" {
		return User{}, syncerr.New(syncerr.KindAuth, fmt.Errorf("no authenticated user"))
	}
	return user, nil
}

// UpsertBatch writes sanitized payloads by primary key in one request.
func (c *HTTPClient) UpsertBatch(ctx context.Context, payloads []privacy.Payload) error {
	if len(payloads) == 0 {
		return nil
	}
	return c.doJSON(ctx, http.MethodPost, "/v1/records/batch", payloads, nil)
}

// FetchSince returns rows updated on the server strictly after since,
// oldest first. A zero since fetches everything.
func (c *HTTPClient) FetchSince(ctx context.Context, since time.Time) ([]record.Remote, error) {
	path := "/v1/records"
	if !since.IsZero() {
		path += "?since=" + url.QueryEscape(since.UTC().Format(time.RFC3339Nano))
	}

	var rows []record.Remote
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// DialEvents opens the owner-scoped websocket change feed.
func (c *HTTPClient) DialEvents(ctx context.Context) (EventStream, error) {
	wsURL := strings.Replace(c.baseURL, "http", "ws", 1) + "/v1/records/events"
	return dialStream(ctx, wsURL, c.token)
}

// doJSON performs one request, classifying failures into the sync error
// taxonomy.
func (c *HTTPClient) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return syncerr.New(syncerr.KindNetwork, fmt.Errorf("%s %s: %w", method, path, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return syncerr.New(syncerr.KindAuth, fmt.Errorf("%s %s: %s", method, path, resp.Status))
	}
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return syncerr.New(syncerr.KindServer,
			fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(msg))))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return syncerr.New(syncerr.KindServer, fmt.Errorf("%s %s: malformed response: %w", method, path, err))
		}
	}
	return nil
}
