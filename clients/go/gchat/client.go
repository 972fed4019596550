// Package gchat is the client core for the gchat pull-based chat protocol.
package gchat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// Message is a message as stored in the server log.
type Message struct {
	ID        int64     `json:"id"`
	Author    string    `json:"author"`
	Text      string    `json:"text"`
	ClientID  string    `json:"client_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Page is one readSince batch.
type Page struct {
	Messages []Message `json:"messages"`
	Cursor   int64     `json:"cursor"`
	HasMore  bool      `json:"has_more"`
}

// Endpoint is the server log as seen by a client.
type Endpoint interface {
	Append(ctx context.Context, text, clientID string) (*Message, error)
	ReadSince(ctx context.Context, cursor int64, limit int) (*Page, error)
}

// Identity reports the signed-in user, if any.
type Identity interface {
	CurrentIdentity() (string, bool)
}

// Client is a gchat API client.
type Client struct {
	BaseURL    string
	ConfigDir  string
	HTTPClient *http.Client

	mu       sync.RWMutex
	username string
	token    string
}

// Config is the persisted login session.
type Config struct {
	Username string `json:"username"`
	Token    string `json:"token"`
}

// NewClient creates a new gchat client and loads a saved session if present.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}

	configDir := os.Getenv("GCHAT_CONFIG")
	if configDir == "" {
		home, _ := os.UserHomeDir()
		configDir = filepath.Join(home, ".gchat")
	}

	c := &Client{
		BaseURL:    baseURL,
		ConfigDir:  configDir,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}

	_ = c.LoadConfig()
	return c
}

// LoadConfig loads the saved session from disk.
func (c *Client) LoadConfig() error {
	data, err := os.ReadFile(filepath.Join(c.ConfigDir, "session.json"))
	if err != nil {
		return err
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return err
	}

	c.setSession(config.Username, config.Token)
	return nil
}

// SaveConfig writes the current session to disk.
func (c *Client) SaveConfig() error {
	if err := os.MkdirAll(c.ConfigDir, 0700); err != nil {
		return err
	}

	c.mu.RLock()
	config := Config{Username: c.username, Token: c.token}
	c.mu.RUnlock()

	data, _ := json.MarshalIndent(config, "", "  ")
	return os.WriteFile(filepath.Join(c.ConfigDir, "session.json"), data, 0600)
}

func (c *Client) clearConfig() error {
	err := os.Remove(filepath.Join(c.ConfigDir, "session.json"))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (c *Client) setSession(username, token string) {
	c.mu.Lock()
	c.username = username
	c.token = token
	c.mu.Unlock()
}

// CurrentIdentity returns the locally known username.
func (c *Client) CurrentIdentity() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.username, c.token != ""
}

// doRequest performs an HTTP request and maps failures onto the error taxonomy.
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, authed bool) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if authed {
		c.mu.RLock()
		token := c.token
		c.mu.RUnlock()
		if token == "" {
			return nil, ErrAuth
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, transportError(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(err)
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		json.Unmarshal(respBody, &errResp)
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Message:    errResp.Error,
			Kind:       statusKind(resp),
		}
	}

	return respBody, nil
}

func transportError(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrNetwork, err)
}

func statusKind(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return ErrValidation
	case http.StatusUnauthorized:
		return ErrAuth
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	case http.StatusTooManyRequests:
		seconds, _ := strconv.Atoi(resp.Header.Get("Retry-After"))
		return &ThrottledError{Remaining: time.Duration(seconds) * time.Second}
	default:
		return ErrNetwork
	}
}

// CredentialsRequest is the request body for register and login.
type CredentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// SessionResponse is returned by register and login.
type SessionResponse struct {
	Username  string    `json:"username"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Register creates an account and signs in as it.
func (c *Client) Register(ctx context.Context, username, password string) (*SessionResponse, error) {
	return c.authenticate(ctx, "/register", username, password)
}

// Login signs in with existing credentials.
func (c *Client) Login(ctx context.Context, username, password string) (*SessionResponse, error) {
	return c.authenticate(ctx, "/login", username, password)
}

func (c *Client) authenticate(ctx context.Context, path, username, password string) (*SessionResponse, error) {
	respBody, err := c.doRequest(ctx, http.MethodPost, path, CredentialsRequest{Username: username, Password: password}, false)
	if err != nil {
		return nil, err
	}

	var resp SessionResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}

	c.setSession(resp.Username, resp.Token)
	if err := c.SaveConfig(); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Logout ends the server session and forgets the local one.
// The local session is cleared even when the server call fails.
func (c *Client) Logout(ctx context.Context) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/logout", nil, true)

	c.setSession("", "")
	if cerr := c.clearConfig(); cerr != nil && err == nil {
		err = cerr
	}
	if errors.Is(err, ErrAuth) {
		return nil
	}
	return err
}

// Whoami asks the server which user the session belongs to.
func (c *Client) Whoami(ctx context.Context) (string, error) {
	respBody, err := c.doRequest(ctx, http.MethodGet, "/session", nil, true)
	if err != nil {
		return "", err
	}

	var resp struct {
		Username string `json:"username"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", err
	}
	return resp.Username, nil
}

// UsernameExists reports whether an account with username exists.
func (c *Client) UsernameExists(ctx context.Context, username string) (bool, error) {
	respBody, err := c.doRequest(ctx, http.MethodGet, "/users/"+url.PathEscape(username), nil, false)
	if err != nil {
		return false, err
	}

	var resp struct {
		Exists bool `json:"exists"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return false, err
	}
	return resp.Exists, nil
}

type postMessageRequest struct {
	Text     string `json:"text"`
	ClientID string `json:"client_id,omitempty"`
}

// Append posts a message. clientID makes retries idempotent.
func (c *Client) Append(ctx context.Context, text, clientID string) (*Message, error) {
	respBody, err := c.doRequest(ctx, http.MethodPost, "/messages", postMessageRequest{Text: text, ClientID: clientID}, true)
	if err != nil {
		return nil, err
	}

	var msg Message
	if err := json.Unmarshal(respBody, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// ReadSince returns messages with id greater than cursor, oldest first.
func (c *Client) ReadSince(ctx context.Context, cursor int64, limit int) (*Page, error) {
	path := fmt.Sprintf("/messages?after=%d", cursor)
	if limit > 0 {
		path += fmt.Sprintf("&limit=%d", limit)
	}

	respBody, err := c.doRequest(ctx, http.MethodGet, path, nil, true)
	if err != nil {
		return nil, err
	}

	var page Page
	if err := json.Unmarshal(respBody, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// HealthResponse is the response from the health endpoint.
type HealthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Instance  string                 `json:"instance,omitempty"`
	Checks    map[string]interface{} `json:"checks"`
	Timestamp string                 `json:"timestamp"`
}

// Health checks server health.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	respBody, err := c.doRequest(ctx, http.MethodGet, "/health", nil, false)
	if err != nil {
		return nil, err
	}

	var resp HealthResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
