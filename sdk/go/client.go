package breaklinesdk

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

// Client is a minimal Breakline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

type Account struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	Role      string `json:"role"`
	CreatedAt int64  `json:"createdAt,omitempty"`
}

type Technician struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type Report struct {
	ID                 string      `json:"id"`
	ReporterUID        string      `json:"reporterUid"`
	ReporterName       string      `json:"reporterName"`
	ReporterEmail      string      `json:"reporterEmail"`
	Message            string      `json:"message"`
	Status             string      `json:"status"`
	AssignedTechnician *Technician `json:"assignedTechnician"`
	FixDetails         *string     `json:"fixDetails"`
	Timestamps         struct {
		Created int64 `json:"created"`
		Updated int64 `json:"updated"`
	} `json:"timestamps"`
}

type Stats struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Assigned   int `json:"assigned"`
	InProgress int `json:"inProgress"`
	Resolved   int `json:"resolved"`
}

// Projection is one dashboard view of the reports.
type Projection struct {
	View  string   `json:"view"`
	Items []Report `json:"items"`
	Stats Stats    `json:"stats"`
}

type Session struct {
	Token     string    `json:"token"`
	SessionID string    `json:"sessionId"`
	ExpiresAt time.Time `json:"expiresAt"`
	Account   Account   `json:"account"`
	Route     string    `json:"route"`
}

type Me struct {
	Account     Account   `json:"account"`
	Route       string    `json:"route"`
	Permissions []string  `json:"permissions"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Event represents a change-log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
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
		return fmt.Sprintf("%s (%d): %s", e.Code, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Register signs up a reporter and keeps the returned token.
func (c *Client) Register(ctx context.Context, name, email, password string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodPost, "auth/register", map[string]any{
		"name": name, "email": email, "password": password,
	}, &resp)
	if err == nil {
		c.BearerToken = resp.Token
	}
	return resp, err
}

// Login signs in through entry ("reporter" or "staff") and keeps the
// returned token.
func (c *Client) Login(ctx context.Context, entry, email, password string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodPost, "auth/login", map[string]any{
		"entry": entry, "email": email, "password": password,
	}, &resp)
	if err == nil {
		c.BearerToken = resp.Token
	}
	return resp, err
}

func (c *Client) Logout(ctx context.Context) error {
	if err := c.do(ctx, http.MethodPost, "auth/logout", nil, nil); err != nil {
		return err
	}
	c.BearerToken = ""
	return nil
}

func (c *Client) Me(ctx context.Context) (Me, error) {
	var resp Me
	err := c.do(ctx, http.MethodGet, "me", nil, &resp)
	return resp, err
}

// CreateReport files a breakdown report.
func (c *Client) CreateReport(ctx context.Context, message string) (Report, error) {
	var resp Report
	err := c.do(ctx, http.MethodPost, "reports", map[string]any{"message": message}, &resp)
	return resp, err
}

func (c *Client) GetReport(ctx context.Context, id string) (Report, error) {
	var resp Report
	err := c.do(ctx, http.MethodGet, reportPath(id, ""), nil, &resp)
	return resp, err
}

func (c *Client) EditReport(ctx context.Context, id, message string) (Report, error) {
	var resp Report
	err := c.do(ctx, http.MethodPatch, reportPath(id, ""), map[string]any{"message": message}, &resp)
	return resp, err
}

// AssignReport assigns a pending report to the technician account techID.
func (c *Client) AssignReport(ctx context.Context, id, techID string) (Report, error) {
	var resp Report
	err := c.do(ctx, http.MethodPost, reportPath(id, "assign"), map[string]any{"technicianId": techID}, &resp)
	return resp, err
}

func (c *Client) StartReport(ctx context.Context, id string) (Report, error) {
	var resp Report
	err := c.do(ctx, http.MethodPost, reportPath(id, "start"), nil, &resp)
	return resp, err
}

func (c *Client) ResolveReport(ctx context.Context, id, fixDetails string) (Report, error) {
	var resp Report
	err := c.do(ctx, http.MethodPost, reportPath(id, "resolve"), map[string]any{"fixDetails": fixDetails}, &resp)
	return resp, err
}

func (c *Client) DeleteReport(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, reportPath(id, ""), nil, nil)
}

// View returns the current projection of a dashboard view.
func (c *Client) View(ctx context.Context, view, status string) (Projection, error) {
	endpoint := "views/" + url.PathEscape(view)
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp Projection
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) Users(ctx context.Context) ([]Account, error) {
	var resp struct {
		Items []Account `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "users", nil, &resp)
	return resp.Items, err
}

func (c *Client) Technicians(ctx context.Context) ([]Account, error) {
	var resp struct {
		Items []Account `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "users/technicians", nil, &resp)
	return resp.Items, err
}

// ProvisionUser creates a technician or manager account.
func (c *Client) ProvisionUser(ctx context.Context, name, email, password, role string) (Account, error) {
	var resp Account
	err := c.do(ctx, http.MethodPost, "users", map[string]any{
		"name": name, "email": email, "password": password, "role": role,
	}, &resp)
	return resp, err
}

func (c *Client) DeprovisionUser(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "users/"+url.PathEscape(id), nil, nil)
}

// EventsPage returns a paginated event listing, newest first.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ErrSignedOut is returned by Watch when the server ends the stream because
// the session signed out.
var ErrSignedOut = errors.New("session signed out")

// Watch streams projections of view to fn until ctx is done or the server
// closes the stream.
func (c *Client) Watch(ctx context.Context, view, status string, fn func(Projection)) error {
	u, err := url.Parse(c.base())
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = c.apiPath("watch")
	q := url.Values{"view": {view}}
	if status != "" {
		q.Set("status", status)
	}
	u.RawQuery = q.Encode()

	header := http.Header{}
	if c.BearerToken != "" {
		header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return apiError(resp)
		}
		return err
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	for {
		var p Projection
		if err := conn.ReadJSON(&p); err != nil {
			switch {
			case ctx.Err() != nil:
				return nil
			case websocket.IsCloseError(err, websocket.ClosePolicyViolation):
				return ErrSignedOut
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				return nil
			}
			return err
		}
		fn(p)
	}
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + c.apiPath(endpoint)
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
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return apiError(resp)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func apiError(resp *http.Response) error {
	b, _ := io.ReadAll(resp.Body)
	out := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	var env struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(b, &env) == nil {
		out.Code = env.Error.Code
		out.Message = env.Error.Message
	}
	return out
}

func reportPath(id, action string) string {
	p := "reports/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) apiPath(p string) string {
	bp := strings.TrimRight(c.BasePath, "/")
	if bp != "" && !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	return bp + "/" + strings.TrimLeft(p, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
