package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/nkkko/pincer/pkg/model"
)

// Client is an HTTP client for the Pincer API
type Client struct {
	baseURL    string
	httpClient *http.Client
	headers    http.Header
}

// ClientOption is a function that configures a Client
type ClientOption func(*Client)

// WithTimeout sets the request timeout
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithHeaders sets additional HTTP headers
func WithHeaders(headers map[string]string) ClientOption {
	return func(c *Client) {
		for k, v := range headers {
			c.headers.Set(k, v)
		}
	}
}

// New creates a new Pincer API client
func New(baseURL string, options ...ClientOption) *Client {
	headers := http.Header{}
	headers.Set("Content-Type", "application/json")

	client := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		headers:    headers,
	}
	for _, option := range options {
		option(client)
	}
	return client
}

// Error is returned for every non-2xx response
type Error struct {
	StatusCode int
	Type       string `json:"type"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	RequestID  string `json:"request_id"`
}

func (e *Error) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("API error (%d)", e.StatusCode)
	}
	return fmt.Sprintf("API error (%d) %s: %s", e.StatusCode, e.Code, e.Message)
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *Error          `json:"error"`
}

// CreatePage creates a page together with its default category
func (c *Client) CreatePage(ctx context.Context, name string, externalIDs ...string) (*Page, error) {
	var page Page
	body := map[string]any{"name": name, "external_ids": externalIDs}
	if err := c.call(ctx, http.MethodPost, "/pages", body, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// CreateCategory adds a named category to a page
func (c *Client) CreateCategory(ctx context.Context, pageID, name string) (*Category, error) {
	var category Category
	path := "/pages/" + url.PathEscape(pageID) + "/categories"
	if err := c.call(ctx, http.MethodPost, path, map[string]string{"name": name}, &category); err != nil {
		return nil, err
	}
	return &category, nil
}

// ContentCategories lists the categories whose content a page shows
func (c *Client) ContentCategories(ctx context.Context, pageID string) ([]string, error) {
	var list struct {
		CategoryIDs []string `json:"category_ids"`
	}
	path := "/pages/" + url.PathEscape(pageID) + "/content-categories"
	if err := c.call(ctx, http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}
	return list.CategoryIDs, nil
}

func inclusionPath(categoryID, targetID string) string {
	return "/categories/" + url.PathEscape(categoryID) + "/includes/" + url.PathEscape(targetID)
}

// Include makes categoryID show the content of targetID
func (c *Client) Include(ctx context.Context, categoryID, targetID string) error {
	return c.call(ctx, http.MethodPut, inclusionPath(categoryID, targetID), nil, nil)
}

// Exclude removes an inclusion
func (c *Client) Exclude(ctx context.Context, categoryID, targetID string) error {
	return c.call(ctx, http.MethodDelete, inclusionPath(categoryID, targetID), nil, nil)
}

// CreateUser registers a user
func (c *Client) CreateUser(ctx context.Context, email string) (*User, error) {
	var user User
	if err := c.call(ctx, http.MethodPost, "/users", map[string]string{"email": email}, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// AddPushSubscription registers a push endpoint for a user
func (c *Client) AddPushSubscription(ctx context.Context, userID, endpoint, p256dh, auth string) (*PushSubscription, error) {
	body := map[string]any{
		"endpoint": endpoint,
		"keys":     map[string]string{"p256dh": p256dh, "auth": auth},
	}
	var sub PushSubscription
	path := "/users/" + url.PathEscape(userID) + "/push-subscriptions"
	if err := c.call(ctx, http.MethodPost, path, body, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

func interestsPath(userID string) string {
	return "/users/" + url.PathEscape(userID) + "/interests"
}

// Subscribe binds an interest of the user to a category or an event
func (c *Client) Subscribe(ctx context.Context, userID string, kind model.InterestKind, target model.InterestTarget) (*Interest, error) {
	var interest Interest
	body := map[string]any{"kind": kind, "target": target}
	if err := c.call(ctx, http.MethodPut, interestsPath(userID), body, &interest); err != nil {
		return nil, err
	}
	return &interest, nil
}

// Unsubscribe removes an interest of the user
func (c *Client) Unsubscribe(ctx context.Context, userID string, kind model.InterestKind, target model.InterestTarget) error {
	body := map[string]any{"kind": kind, "target": target}
	return c.call(ctx, http.MethodDelete, interestsPath(userID), body, nil)
}

// Interests lists the interests of a user
func (c *Client) Interests(ctx context.Context, userID string) ([]Interest, error) {
	var interests []Interest
	if err := c.call(ctx, http.MethodGet, interestsPath(userID), nil, &interests); err != nil {
		return nil, err
	}
	return interests, nil
}

// SelectCategories replaces the categories the user follows with kind. The
// returned ids are the ones kept after redundant categories were dropped.
func (c *Client) SelectCategories(ctx context.Context, userID string, kind model.InterestKind, categoryIDs []string) ([]string, error) {
	var sel struct {
		CategoryIDs []string `json:"category_ids"`
	}
	body := map[string]any{"kind": kind, "category_ids": categoryIDs}
	path := "/users/" + url.PathEscape(userID) + "/selection"
	if err := c.call(ctx, http.MethodPut, path, body, &sel); err != nil {
		return nil, err
	}
	return sel.CategoryIDs, nil
}

// PublishEvent creates an event and notifies its subscribers
func (c *Client) PublishEvent(ctx context.Context, pageID, title string, categoryIDs []string) (*Publication, error) {
	var pub Publication
	body := map[string]any{"page_id": pageID, "title": title, "category_ids": categoryIDs}
	if err := c.call(ctx, http.MethodPost, "/events", body, &pub); err != nil {
		return nil, err
	}
	return &pub, nil
}

// PublishPost creates a post and notifies its subscribers
func (c *Client) PublishPost(ctx context.Context, post Post) (*Publication, error) {
	var pub Publication
	if err := c.call(ctx, http.MethodPost, "/posts", post, &pub); err != nil {
		return nil, err
	}
	return &pub, nil
}

// ScheduleOpening creates a sale window whose subscribers are notified once
// it starts
func (c *Client) ScheduleOpening(ctx context.Context, title string, categoryIDs []string, startsAt time.Time) (*Opening, error) {
	var opening Opening
	body := map[string]any{"title": title, "category_ids": categoryIDs, "starts_at": startsAt}
	if err := c.call(ctx, http.MethodPost, "/openings", body, &opening); err != nil {
		return nil, err
	}
	return &opening, nil
}

// Ready reports whether the server can reach its store
func (c *Client) Ready(ctx context.Context) error {
	return c.call(ctx, http.MethodGet, "/readyz", nil, nil)
}

// call sends body as JSON and decodes the data of the response into out
func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range c.headers {
		req.Header[k] = v
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		if resp.StatusCode >= 400 {
			return &Error{StatusCode: resp.StatusCode}
		}
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := env.Error
		if apiErr == nil {
			apiErr = &Error{}
		}
		apiErr.StatusCode = resp.StatusCode
		return apiErr
	}

	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("failed to decode response data: %w", err)
	}
	return nil
}
