package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"

	"github.com/snapshelf/backend/internal/auth"
	"github.com/snapshelf/backend/internal/models"
	"github.com/snapshelf/backend/internal/search"
)

// APIError is a non-2xx response. It matches the search error sentinels through
// errors.Is by status code.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

// Is maps response codes onto the errors the server produced them from.
func (e *APIError) Is(target error) bool {
	switch target {
	case search.ErrInvalidQuery:
		return e.StatusCode == http.StatusBadRequest
	case search.ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case search.ErrEmbeddingUnavailable:
		return e.StatusCode == http.StatusServiceUnavailable
	case auth.ErrSessionExpired:
		return e.StatusCode == http.StatusUnauthorized
	}
	return false
}

// Client issues authenticated API calls through a TokenGuard.
type Client struct {
	baseURL string
	guard   auth.Doer
}

// New returns a client for baseURL. guard is normally an *auth.TokenGuard.
func New(baseURL string, guard auth.Doer) *Client {
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), guard: guard}
}

// User is the /api/auth/me payload.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Me returns the account behind the current credentials.
func (c *Client) Me(ctx context.Context) (User, error) {
	var user User
	err := c.call(ctx, http.MethodGet, "/api/auth/me", nil, "", &user)
	return user, err
}

// Search runs a semantic search.
func (c *Client) Search(ctx context.Context, query models.SearchQuery) (models.SearchResponse, error) {
	body, err := json.Marshal(query)
	if err != nil {
		return models.SearchResponse{}, fmt.Errorf("encode search: %w", err)
	}
	var resp models.SearchResponse
	err = c.call(ctx, http.MethodPost, "/api/search", bytes.NewReader(body), "application/json", &resp)
	return resp, err
}

// Suggestions completes partial input.
func (c *Client) Suggestions(ctx context.Context, partial string) ([]string, error) {
	var out []string
	err := c.call(ctx, http.MethodGet, "/api/search/suggestions?q="+url.QueryEscape(partial), nil, "", &out)
	return out, err
}

// Similar returns items like itemID. A zero limit uses the server default.
func (c *Client) Similar(ctx context.Context, itemID string, limit int) ([]models.SearchResult, error) {
	path := "/api/search/similar/" + url.PathEscape(itemID)
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []models.SearchResult
	err := c.call(ctx, http.MethodGet, path, nil, "", &out)
	return out, err
}

// Stats returns per-status counts.
func (c *Client) Stats(ctx context.Context) (models.MediaStats, error) {
	var out models.MediaStats
	err := c.call(ctx, http.MethodGet, "/api/search/stats", nil, "", &out)
	return out, err
}

// ListOptions filters ListUploads.
type ListOptions struct {
	Status   models.MediaStatus
	FileType models.FileType
	Limit    int
	Offset   int
}

// ListUploads returns the user's items, newest first.
func (c *Client) ListUploads(ctx context.Context, opts ListOptions) ([]models.MediaItem, error) {
	q := url.Values{}
	if opts.Status != "" {
		q.Set("status", string(opts.Status))
	}
	if opts.FileType != "" {
		q.Set("file_type", string(opts.FileType))
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}
	path := "/api/uploads"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []models.MediaItem
	err := c.call(ctx, http.MethodGet, path, nil, "", &out)
	return out, err
}

// Upload sends one file. The returned item is pending; ingestion runs afterwards.
func (c *Client) Upload(ctx context.Context, filename, contentType string, r io.Reader) (models.MediaItem, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	header.Set("Content-Type", contentType)
	part, err := mw.CreatePart(header)
	if err != nil {
		return models.MediaItem{}, fmt.Errorf("create upload part: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return models.MediaItem{}, fmt.Errorf("copy upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return models.MediaItem{}, fmt.Errorf("finish upload body: %w", err)
	}

	var item models.MediaItem
	err = c.call(ctx, http.MethodPost, "/api/uploads", &buf, mw.FormDataContentType(), &item)
	return item, err
}

// Reprocess resets a failed item to pending.
func (c *Client) Reprocess(ctx context.Context, itemID string) (models.MediaItem, error) {
	var item models.MediaItem
	err := c.call(ctx, http.MethodPost, "/api/uploads/"+url.PathEscape(itemID)+"/reprocess", nil, "", &item)
	return item, err
}

// Delete removes an item.
func (c *Client) Delete(ctx context.Context, itemID string) error {
	return c.call(ctx, http.MethodDelete, "/api/uploads/"+url.PathEscape(itemID), nil, "", nil)
}

func (c *Client) call(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.guard.Do(req)
	if err != nil {
		return err
	}
	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out any) error {
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var payload struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		if err := json.Unmarshal(data, &payload); err != nil || payload.Error == "" {
			payload.Error = strings.TrimSpace(string(data))
		}
		return &APIError{StatusCode: resp.StatusCode, Message: payload.Error}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
