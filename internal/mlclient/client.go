// Package mlclient is the Mercado Livre / Mercado Pago HTTP client: per-seller
// OAuth2 token refresh, payments search/detail, order/shipment lookups, and
// the account release report download (spec.md §4.1, §4.8, §6).
package mlclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vinescrow/mlca-reconciler/internal/domain"
	"github.com/vinescrow/mlca-reconciler/internal/ratelimit"
)

// Config holds the ML application credentials and per-endpoint timeouts.
type Config struct {
	BaseURL            string
	AuthURL            string
	ClientID           string
	ClientSecret       string
	DetailTimeout      time.Duration // GETs on payments/orders/shipments (spec.md §6: 30s)
	ReportTimeout      time.Duration // release_report/file download (spec.md §6: default 300s)
	MaxGETRetries      int           // spec.md §4.8: GETs retry up to 3 times on 5xx/transport
}

// Client is the ML HTTP client, shared across all sellers.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *ratelimit.Limiter
	log     zerolog.Logger

	mu     sync.Mutex
	tokens map[int32]domain.MLTokens
	sellers domain.SellerRepository
}

func New(cfg Config, sellers domain.SellerRepository, limiter *ratelimit.Limiter, log zerolog.Logger) *Client {
	if cfg.DetailTimeout <= 0 {
		cfg.DetailTimeout = 30 * time.Second
	}
	if cfg.ReportTimeout <= 0 {
		cfg.ReportTimeout = 300 * time.Second
	}
	if cfg.MaxGETRetries <= 0 {
		cfg.MaxGETRetries = 3
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{},
		limiter: limiter,
		log:     log.With().Str("component", "ml_client").Logger(),
		tokens:  make(map[int32]domain.MLTokens),
		sellers: sellers,
	}
}

func (c *Client) refreshToken(ctx context.Context, refreshToken string) (domain.MLTokens, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)
	form.Set("refresh_token", refreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.AuthURL+"/oauth/token", nil)
	if err != nil {
		return domain.MLTokens{}, err
	}
	req.URL.RawQuery = form.Encode()

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.MLTokens{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return domain.MLTokens{}, fmt.Errorf("ml oauth refresh failed: %d %s", resp.StatusCode, string(body))
	}

	var out struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return domain.MLTokens{}, err
	}
	return domain.MLTokens{
		AccessToken:  out.AccessToken,
		RefreshToken: out.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(out.ExpiresIn) * time.Second),
	}, nil
}

func (c *Client) tokenFor(ctx context.Context, seller *domain.Seller) (string, error) {
	c.mu.Lock()
	tok, ok := c.tokens[seller.ID]
	if !ok {
		tok = seller.ML
	}
	c.mu.Unlock()

	if tok.Valid(time.Now()) {
		return tok.AccessToken, nil
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = seller.ML.RefreshToken
	}
	if tok.RefreshToken == "" {
		return "", fmt.Errorf("ml tokens: seller %d has no refresh token", seller.ID)
	}

	newTok, err := c.refreshToken(ctx, tok.RefreshToken)
	if err != nil {
		return "", fmt.Errorf("ml token refresh: %w", err)
	}
	if err := c.sellers.UpdateMLTokens(ctx, seller.ID, newTok); err != nil {
		return "", fmt.Errorf("persist rotated ml token: %w", err)
	}
	c.mu.Lock()
	c.tokens[seller.ID] = newTok
	c.mu.Unlock()
	c.log.Info().Int32("seller_id", seller.ID).Msg("ml token refreshed")
	return newTok.AccessToken, nil
}

// get performs one authenticated ML GET, retrying up to MaxGETRetries times
// on 5xx or transport failure (spec.md §4.8: "GETs retry; POSTs never retry
// inside one call").
func (c *Client) get(ctx context.Context, seller *domain.Seller, path string, timeout time.Duration) (int, []byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxGETRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * time.Second):
			case <-ctx.Done():
				return 0, nil, ctx.Err()
			}
		}

		status, body, err := c.doOnce(ctx, seller, http.MethodGet, path, nil, timeout)
		if err != nil {
			lastErr = err
			continue
		}
		if status >= 500 {
			lastErr = fmt.Errorf("ml %s returned %d", path, status)
			continue
		}
		return status, body, nil
	}
	return 0, nil, lastErr
}

func (c *Client) doOnce(ctx context.Context, seller *domain.Seller, method, path string, body io.Reader, timeout time.Duration) (int, []byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, nil, err
	}
	token, err := c.tokenFor(ctx, seller)
	if err != nil {
		return 0, nil, err
	}

	reqCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(reqCtx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, respBody, nil
}

// PaymentsSearchResult is one page of /v1/payments/search.
type PaymentsSearchResult struct {
	Results []domain.RawPayment `json:"results"`
	Paging  struct {
		Total  int `json:"total"`
		Offset int `json:"offset"`
		Limit  int `json:"limit"`
	} `json:"paging"`
}

// RangeField selects which ML date field bounds the search window
// (spec.md §4.3 "dual date-field enumeration").
type RangeField string

const (
	RangeDateApproved     RangeField = "date_approved"
	RangeDateLastUpdated  RangeField = "date_last_updated"
	RangeMoneyReleaseDate RangeField = "money_release_date"
)

// SearchPayments pages through /v1/payments/search for one seller and
// range field (spec.md §4.1 "Enumerate").
func (c *Client) SearchPayments(ctx context.Context, seller *domain.Seller, field RangeField, begin, end time.Time, offset, limit int) (*PaymentsSearchResult, error) {
	q := url.Values{}
	q.Set("range", string(field))
	q.Set("begin_date", begin.Format(time.RFC3339))
	q.Set("end_date", end.Format(time.RFC3339))
	q.Set("offset", strconv.Itoa(offset))
	q.Set("limit", strconv.Itoa(limit))
	q.Set("sort", string(field))
	q.Set("criteria", "asc")

	status, body, err := c.get(ctx, seller, "/v1/payments/search?"+q.Encode(), c.cfg.DetailTimeout)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("payments search returned %d: %s", status, string(body))
	}
	var out PaymentsSearchResult
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("payments search decode: %w", err)
	}
	return &out, nil
}

// GetPayment fetches a single payment by id.
func (c *Client) GetPayment(ctx context.Context, seller *domain.Seller, paymentID int64) (*domain.RawPayment, error) {
	status, body, err := c.get(ctx, seller, "/v1/payments/"+strconv.FormatInt(paymentID, 10), c.cfg.DetailTimeout)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("get payment %d returned %d: %s", paymentID, status, string(body))
	}
	var out domain.RawPayment
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("payment decode: %w", err)
	}
	return &out, nil
}

// Order is the subset of /orders/{id} the classifier needs.
type Order struct {
	ID    int64  `json:"id"`
	Title string `json:"-"`
	Items []struct {
		Item struct {
			Title string `json:"title"`
		} `json:"item"`
	} `json:"order_items"`
}

// GetOrder fetches order metadata, falling back to an empty title on 404
// rather than failing the whole sweep (spec.md §4.1 "order lookup 404
// fallback").
func (c *Client) GetOrder(ctx context.Context, seller *domain.Seller, orderID int64) (*Order, error) {
	status, body, err := c.get(ctx, seller, "/orders/"+strconv.FormatInt(orderID, 10), c.cfg.DetailTimeout)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return &Order{ID: orderID}, nil
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("get order %d returned %d: %s", orderID, status, string(body))
	}
	var out Order
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("order decode: %w", err)
	}
	if len(out.Items) > 0 {
		out.Title = out.Items[0].Item.Title
	}
	return &out, nil
}

// ShipmentCosts is the subset of /shipments/{id}/costs used to attribute
// buyer-paid vs seller-paid shipping.
type ShipmentCosts struct {
	SenderCost   decimal64 `json:"sender"`
	ReceiverCost decimal64 `json:"receiver"`
}

type decimal64 struct {
	Cost float64 `json:"cost"`
}

func (c *Client) GetShipmentCosts(ctx context.Context, seller *domain.Seller, shipmentID int64) (*ShipmentCosts, error) {
	status, body, err := c.get(ctx, seller, "/shipments/"+strconv.FormatInt(shipmentID, 10)+"/costs", c.cfg.DetailTimeout)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("get shipment costs %d returned %d: %s", shipmentID, status, string(body))
	}
	var out ShipmentCosts
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("shipment costs decode: %w", err)
	}
	return &out, nil
}

// UserMe validates the seller's ML token and returns their ML user id,
// used during onboarding identity checks.
func (c *Client) UserMe(ctx context.Context, seller *domain.Seller) (int64, error) {
	status, body, err := c.get(ctx, seller, "/users/me", c.cfg.DetailTimeout)
	if err != nil {
		return 0, err
	}
	if status != http.StatusOK {
		return 0, fmt.Errorf("users/me returned %d: %s", status, string(body))
	}
	var out struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return 0, err
	}
	return out.ID, nil
}

// ReleaseReportList lists available release reports for a seller's bank
// account (spec.md §6 "/v1/account/release_report").
func (c *Client) ReleaseReportList(ctx context.Context, seller *domain.Seller) ([]byte, error) {
	status, body, err := c.get(ctx, seller, "/v1/account/release_report/list", c.cfg.DetailTimeout)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("release_report list returned %d: %s", status, string(body))
	}
	return body, nil
}

// ReleaseReportFile downloads a generated release report file (statement
// CSV for the Extrato Ingester, spec.md §4.6).
func (c *Client) ReleaseReportFile(ctx context.Context, seller *domain.Seller, reportID string) ([]byte, error) {
	status, body, err := c.get(ctx, seller, "/v1/account/release_report/"+reportID+"/file", c.cfg.ReportTimeout)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("release_report file returned %d: %s", status, string(body))
	}
	return body, nil
}
