// Package kittymarket is a Go client for the KittyMarket node HTTP API.
package kittymarket

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with a KittyMarket node.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
	signer      string
}

// Token is an issued access token.
type Token struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
	Account     string `json:"account"`
}

// SalePrice is the last settled price of a kitty.
type SalePrice struct {
	Amount string `json:"amount"`
	USD    string `json:"usd_equivalent,omitempty"`
	Block  uint64 `json:"block"`
}

// Bid is the current highest bid of a listing.
type Bid struct {
	Bidder string `json:"bidder"`
	Amount string `json:"amount"`
}

// Listing is an open auction.
type Listing struct {
	Kitty        uint32 `json:"kitty_id"`
	Seller       string `json:"seller"`
	ExpiryBlock  uint64 `json:"expiry_block"`
	ReservePrice string `json:"reserve_price"`
	Bid          *Bid   `json:"bid,omitempty"`
}

// PendingSettlement is a sale whose fund movement failed and awaits retry.
type PendingSettlement struct {
	Kitty     uint32 `json:"kitty_id"`
	Seller    string `json:"seller"`
	Bidder    string `json:"bidder"`
	Amount    string `json:"amount"`
	FailedAt  uint64 `json:"failed_at"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"last_error"`
}

// Kitty describes a kitty and its market state.
type Kitty struct {
	ID            uint32             `json:"id"`
	DNA           string             `json:"dna"`
	Owner         string             `json:"owner"`
	Stake         string             `json:"stake"`
	LastSalePrice *SalePrice         `json:"last_sale_price,omitempty"`
	Listing       *Listing           `json:"listing,omitempty"`
	Pending       *PendingSettlement `json:"pending_settlement,omitempty"`
}

// Account holds balances and owned kitties.
type Account struct {
	Account  string   `json:"account"`
	Free     string   `json:"free"`
	Reserved string   `json:"reserved"`
	Kitties  []uint32 `json:"kitties"`
}

// Prices describes the price feed.
type Prices struct {
	AverageCents   *uint32  `json:"average_cents,omitempty"`
	AverageUSD     string   `json:"average_usd,omitempty"`
	Prices         []uint32 `json:"prices"`
	NextUnsignedAt uint64   `json:"next_unsigned_at"`
}

// Head is the chain head.
type Head struct {
	Number uint64 `json:"number"`
	Hash   string `json:"hash"`
}

// Event is a stored chain event.
type Event struct {
	ID        string          `json:"id,omitempty"`
	Block     uint64          `json:"block"`
	Index     int             `json:"index"`
	Name      string          `json:"name"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt int64           `json:"created_at,omitempty"`
}

// EventFilter narrows an event query.
type EventFilter struct {
	FromBlock uint64
	Name      string
	Limit     int
}

// Receipt is the outcome of one extrinsic in a block.
type Receipt struct {
	ExtrinsicID string  `json:"extrinsic_id"`
	Method      string  `json:"method"`
	Index       int     `json:"index"`
	Success     bool    `json:"success"`
	ErrorCode   string  `json:"error_code,omitempty"`
	Error       string  `json:"error,omitempty"`
	Kitty       *uint32 `json:"kitty_id,omitempty"`
	Events      []Event `json:"events,omitempty"`
}

// Block is a produced block as streamed by the node.
type Block struct {
	Number     uint64    `json:"number"`
	Hash       string    `json:"hash"`
	ParentHash string    `json:"parent_hash"`
	Timestamp  time.Time `json:"timestamp"`
	Receipts   []Receipt `json:"receipts"`
	Events     []Event   `json:"events"`
}

// Call is a dispatchable call. Amounts are decimal strings.
type Call struct {
	Method  string `json:"method"`
	Kitty   uint32 `json:"kitty_id,omitempty"`
	ParentA uint32 `json:"parent_a,omitempty"`
	ParentB uint32 `json:"parent_b,omitempty"`
	To      string `json:"to,omitempty"`
	Expiry  uint64 `json:"expiry_block,omitempty"`
	Amount  string `json:"amount,omitempty"`
	Price   uint32 `json:"price,omitempty"`
	Block   uint64 `json:"block,omitempty"`
}

// Submission is the result of submitting an extrinsic to the pool.
type Submission struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("kittymarket api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("kittymarket api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client. When httpClient is nil, a default client
// with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// Authenticate exchanges a name and password for a JWT and stores it.
func (c *Client) Authenticate(ctx context.Context, name, password string) (Token, error) {
	var token Token
	req := map[string]string{"grant_type": "password", "name": name, "password": password}
	if err := c.post(ctx, "/api/v1/auth/token", req, &token); err != nil {
		return Token{}, err
	}
	c.SetAccessToken(token.AccessToken)
	return token, nil
}

// AccessToken returns the currently stored token string.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SetAccessToken overrides the stored access token.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// SetSigner sets the signer sent with signed calls. Only nodes running
// without authentication honour it.
func (c *Client) SetSigner(account string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.signer = account
}

// Kitty fetches a kitty by id.
func (c *Client) Kitty(ctx context.Context, id uint32) (Kitty, error) {
	var out Kitty
	err := c.get(ctx, "/api/v1/kitties/"+strconv.FormatUint(uint64(id), 10), nil, &out)
	return out, err
}

// Account fetches balances and kitties of an account.
func (c *Client) Account(ctx context.Context, account string) (Account, error) {
	var out Account
	err := c.get(ctx, "/api/v1/accounts/"+url.PathEscape(account), nil, &out)
	return out, err
}

// Listings returns open auctions, optionally filtered by seller.
func (c *Client) Listings(ctx context.Context, seller string) ([]Listing, error) {
	var out []Listing
	query := url.Values{}
	if seller != "" {
		query.Set("seller", seller)
	}
	err := c.get(ctx, "/api/v1/listings", query, &out)
	return out, err
}

// PendingSettlements returns sales waiting for recovery.
func (c *Client) PendingSettlements(ctx context.Context) ([]PendingSettlement, error) {
	var out []PendingSettlement
	err := c.get(ctx, "/api/v1/settlements/pending", nil, &out)
	return out, err
}

// Prices returns the price feed.
func (c *Client) Prices(ctx context.Context) (Prices, error) {
	var out Prices
	err := c.get(ctx, "/api/v1/prices", nil, &out)
	return out, err
}

// Head returns the chain head.
func (c *Client) Head(ctx context.Context) (Head, error) {
	var out Head
	err := c.get(ctx, "/api/v1/blocks/head", nil, &out)
	return out, err
}

// Events queries the stored event history.
func (c *Client) Events(ctx context.Context, filter EventFilter) ([]Event, error) {
	query := url.Values{}
	if filter.FromBlock > 0 {
		query.Set("from", strconv.FormatUint(filter.FromBlock, 10))
	}
	if filter.Name != "" {
		query.Set("name", filter.Name)
	}
	if filter.Limit > 0 {
		query.Set("limit", strconv.Itoa(filter.Limit))
	}
	var out []Event
	err := c.get(ctx, "/api/v1/events", query, &out)
	return out, err
}

// Submit places a call into the transaction pool.
func (c *Client) Submit(ctx context.Context, call Call) (Submission, error) {
	payload := struct {
		Signer string `json:"signer,omitempty"`
		Call   Call   `json:"call"`
	}{Call: call}
	if call.Method != "submit_price_unsigned" {
		c.mu.RLock()
		payload.Signer = c.signer
		c.mu.RUnlock()
	}
	var out Submission
	err := c.post(ctx, "/api/v1/extrinsics", payload, &out)
	return out, err
}

// Create mints a kitty for the caller.
func (c *Client) Create(ctx context.Context) (Submission, error) {
	return c.Submit(ctx, Call{Method: "create"})
}

// Breed mints a child of two owned kitties.
func (c *Client) Breed(ctx context.Context, parentA, parentB uint32) (Submission, error) {
	return c.Submit(ctx, Call{Method: "breed", ParentA: parentA, ParentB: parentB})
}

// Transfer moves a kitty to another account.
func (c *Client) Transfer(ctx context.Context, to string, kitty uint32) (Submission, error) {
	return c.Submit(ctx, Call{Method: "transfer", To: to, Kitty: kitty})
}

// ListForSale opens an auction ending at expiry.
func (c *Client) ListForSale(ctx context.Context, kitty uint32, expiry uint64, reserve string) (Submission, error) {
	return c.Submit(ctx, Call{Method: "list_for_sale", Kitty: kitty, Expiry: expiry, Amount: reserve})
}

// Bid places a bid on a listed kitty.
func (c *Client) Bid(ctx context.Context, kitty uint32, amount string) (Submission, error) {
	return c.Submit(ctx, Call{Method: "bid", Kitty: kitty, Amount: amount})
}

// SubmitPrice records a signed price in cents.
func (c *Client) SubmitPrice(ctx context.Context, cents uint32) (Submission, error) {
	return c.Submit(ctx, Call{Method: "submit_price", Price: cents})
}

// SubmitPriceUnsigned records an unsigned price observed at block.
func (c *Client) SubmitPriceUnsigned(ctx context.Context, block uint64, cents uint32) (Submission, error) {
	return c.Submit(ctx, Call{Method: "submit_price_unsigned", Block: block, Price: cents})
}

// ReleasePendingSettlement refunds a stuck sale. Requires the operator account.
func (c *Client) ReleasePendingSettlement(ctx context.Context, kitty uint32) (Submission, error) {
	return c.Submit(ctx, Call{Method: "release_pending_settlement", Kitty: kitty})
}

// Stream subscribes to produced blocks. The channel closes when ctx is done
// or the connection drops.
func (c *Client) Stream(ctx context.Context) (<-chan Block, error) {
	u := c.resolve("/api/v1/events/stream", nil)
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	header := http.Header{}
	if token := c.AccessToken(); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("dial stream: %w", err)
	}

	out := make(chan Block, 16)
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	go func() {
		defer close(out)
		defer conn.Close()
		for {
			var block Block
			if err := conn.ReadJSON(&block); err != nil {
				return
			}
			select {
			case out <- block:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (c *Client) resolve(endpoint string, query url.Values) *url.URL {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, c.resolve(endpoint, nil), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, c.resolve(endpoint, query), nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method string, u *url.URL, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if token := c.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}
