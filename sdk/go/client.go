package bountylinesdk

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

// Client is a minimal Bountyline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Bounty represents the API bounty model (partial).
type Bounty struct {
	ID          int64    `json:"id"`
	Owner       string   `json:"owner"`
	Token       *string  `json:"token,omitempty"`
	Amount      int64    `json:"amount"`
	Title       string   `json:"title"`
	Category    string   `json:"category"`
	Tags        []string `json:"tags"`
	MaxDeadline int64    `json:"max_deadline"`
	Postpaid    bool     `json:"postpaid"`
	Status      string   `json:"status"`
	CreatedAt   string   `json:"created_at"`
}

// Claim represents the API claim model (partial).
type Claim struct {
	ID                int64   `json:"id"`
	BountyID          int64   `json:"bounty_id"`
	Account           string  `json:"account"`
	Status            string  `json:"status"`
	Slot              *int    `json:"slot,omitempty"`
	Bond              *int64  `json:"bond,omitempty"`
	SettlementPending bool    `json:"settlement_pending"`
	DeadlineAt        *string `json:"deadline_at,omitempty"`
	CreatedAt         string  `json:"created_at"`
}

// Action represents a staged settlement operation.
type Action struct {
	ID         int64  `json:"id"`
	Kind       string `json:"kind"`
	BountyID   int64  `json:"bounty_id"`
	ClaimID    *int64 `json:"claim_id,omitempty"`
	Token      string `json:"token,omitempty"`
	Amount     int64  `json:"amount"`
	Recipient  string `json:"recipient,omitempty"`
	Status     string `json:"status"`
	ExternalID *int64 `json:"external_id,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID       int64          `json:"id"`
	TS       string         `json:"ts"`
	Type     string         `json:"type"`
	BountyID int64          `json:"bounty_id,omitempty"`
	ActorID  string         `json:"actor_id,omitempty"`
	Payload  map[string]any `json:"payload"`
}

// Identity is the authenticated caller as the server sees it.
type Identity struct {
	Account string `json:"account"`
	Source  string `json:"source"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedBounties wraps bounty listings with cursors.
type PaginatedBounties struct {
	Items      []Bounty `json:"items"`
	NextCursor string   `json:"next_cursor"`
}

// PaginatedEvents wraps event listings with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateBounty creates a bounty. The body follows the create-bounty request
// schema; pass mode, whitelist and policy fields as needed.
func (c *Client) CreateBounty(ctx context.Context, body map[string]any) (Bounty, error) {
	var resp Bounty
	err := c.do(ctx, http.MethodPost, "v0/bounties", body, &resp)
	return resp, err
}

// GetBounty fetches a bounty by id.
func (c *Client) GetBounty(ctx context.Context, id int64) (Bounty, error) {
	var resp Bounty
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/bounties/%d", id), nil, &resp)
	return resp, err
}

// BountiesPage returns a paginated bounty listing.
func (c *Client) BountiesPage(ctx context.Context, limit int, cursor string) (PaginatedBounties, error) {
	var resp PaginatedBounties
	err := c.do(ctx, http.MethodGet, paged("v0/bounties", limit, cursor), nil, &resp)
	return resp, err
}

// CancelBounty cancels a bounty and stages the escrow refund.
func (c *Client) CancelBounty(ctx context.Context, id int64) (Bounty, error) {
	var resp Bounty
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/bounties/%d/cancel", id), nil, &resp)
	return resp, err
}

// SubmitClaim stakes a claim on a bounty for the authenticated account.
func (c *Client) SubmitClaim(ctx context.Context, bountyID int64, description string, slot *int) (Claim, error) {
	body := map[string]any{}
	if description != "" {
		body["description"] = description
	}
	if slot != nil {
		body["slot"] = *slot
	}
	var resp Claim
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/bounties/%d/claims", bountyID), body, &resp)
	return resp, err
}

// GetClaim fetches a claim by id.
func (c *Client) GetClaim(ctx context.Context, id int64) (Claim, error) {
	var resp Claim
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/claims/%d", id), nil, &resp)
	return resp, err
}

// ClaimsForBounty lists the claims on a bounty.
func (c *Client) ClaimsForBounty(ctx context.Context, bountyID int64) ([]Claim, error) {
	var resp []Claim
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/bounties/%d/claims", bountyID), nil, &resp)
	return resp, err
}

// MarkDone reports a claim's work as finished.
func (c *Client) MarkDone(ctx context.Context, claimID int64, description string) (Claim, error) {
	body := map[string]any{}
	if description != "" {
		body["description"] = description
	}
	var resp Claim
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/claims/%d/done", claimID), body, &resp)
	return resp, err
}

// Decide approves or rejects completed work.
func (c *Client) Decide(ctx context.Context, claimID int64, approve bool) (Claim, error) {
	var resp Claim
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/claims/%d/decide", claimID), map[string]any{"approve": approve}, &resp)
	return resp, err
}

// GiveUp walks away from a claim.
func (c *Client) GiveUp(ctx context.Context, claimID int64) (Claim, error) {
	var resp Claim
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/claims/%d/give-up", claimID), nil, &resp)
	return resp, err
}

// Actions lists the settlement actions of a bounty.
func (c *Client) Actions(ctx context.Context, bountyID int64) ([]Action, error) {
	var resp []Action
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/bounties/%d/actions", bountyID), nil, &resp)
	return resp, err
}

// ResolveAction reports the external outcome of a pending action. Requires
// the governance account.
func (c *Client) ResolveAction(ctx context.Context, actionID int64, ok bool, externalID *int64) (Action, error) {
	body := map[string]any{"ok": ok}
	if externalID != nil {
		body["external_id"] = *externalID
	}
	var resp Action
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/actions/%d/resolve", actionID), body, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, paged("v0/events", limit, cursor), nil, &resp)
	return resp, err
}

// Me returns the authenticated identity.
func (c *Client) Me(ctx context.Context) (Identity, error) {
	var resp Identity
	err := c.do(ctx, http.MethodGet, "v0/me", nil, &resp)
	return resp, err
}

// DevLogin mints a development bearer token for an account and stores it on
// the client.
func (c *Client) DevLogin(ctx context.Context, account string) error {
	var resp struct {
		Token string `json:"token"`
	}
	err := c.do(ctx, http.MethodPost, "v0/auth/dev/login", map[string]any{"account": account}, &resp)
	if err != nil {
		return err
	}
	c.BearerToken = resp.Token
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
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
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func paged(endpoint string, limit int, cursor string) string {
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	return endpoint
}
