package greetersdk

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
)

// Client is a minimal Greeter HTTP API client.
type Client struct {
	BaseURL    string
	BasePath   string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  15 * time.Second,
	}
}

// Member is a node registered in the cluster.
type Member struct {
	ID        string `json:"id"`
	Addr      string `json:"addr"`
	StartedAt string `json:"started_at"`
	LastSeen  string `json:"last_seen"`
	Live      bool   `json:"live"`
}

// Lease is the singleton lease as seen by the answering node.
type Lease struct {
	Name       string `json:"name"`
	HolderID   string `json:"holder_id"`
	HolderAddr string `json:"holder_addr"`
	Epoch      int64  `json:"epoch"`
	ExpiresAt  string `json:"expires_at"`
	Valid      bool   `json:"valid"`
}

// SupervisorStatus describes the local instance lifecycle (partial).
type SupervisorStatus struct {
	InstanceID string `json:"instance_id"`
	State      string `json:"state"`
	Restarts   int    `json:"restarts"`
	Attempts   int    `json:"attempts"`
	LastError  string `json:"last_error"`
	NextDelay  string `json:"next_delay"`
}

// ClusterStatus is the answer of GET /cluster.
type ClusterStatus struct {
	NodeID  string   `json:"node_id"`
	Leader  *Member  `json:"leader"`
	Lease   Lease    `json:"lease"`
	Members []Member `json:"members"`
	Local   struct {
		Leading    bool              `json:"leading"`
		Supervisor *SupervisorStatus `json:"supervisor"`
	} `json:"local"`
}

// Event represents a lifecycle journal entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	NodeID     string         `json:"node_id"`
	InstanceID string         `json:"instance_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Hello returns the greeting for id. organization may be empty.
func (c *Client) Hello(ctx context.Context, id, organization string) (string, error) {
	endpoint := fmt.Sprintf("hello/%s", url.PathEscape(id))
	if organization != "" {
		endpoint += "?organization=" + url.QueryEscape(organization)
	}
	var resp struct {
		Message string `json:"message"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Message, err
}

// UseGreeting sets the greeting message for id.
func (c *Client) UseGreeting(ctx context.Context, id, message string) error {
	body := map[string]any{"message": message}
	var resp struct {
		Done bool `json:"done"`
	}
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("hello/%s", url.PathEscape(id)), body, &resp); err != nil {
		return err
	}
	if !resp.Done {
		return fmt.Errorf("greeting for %s not acknowledged", id)
	}
	return nil
}

// Cluster returns the answering node's view of the singleton.
func (c *Client) Cluster(ctx context.Context) (ClusterStatus, error) {
	var resp ClusterStatus
	err := c.do(ctx, http.MethodGet, "cluster", nil, &resp)
	return resp, err
}

// Events returns the latest lifecycle events, newest first.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "cluster/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?n=%d", endpoint, limit)
	}
	var resp struct {
		Items []Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Health reports whether the node answers.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "health", nil, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	basePath := c.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(basePath, "/")
}
