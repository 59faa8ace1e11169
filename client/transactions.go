package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"
)

// Status is the server-side lifecycle status of a transaction.
type Status string

const (
	StatusRequested Status = "REQUESTED"
	StatusApproved  Status = "APPROVED"
	StatusRejected  Status = "REJECTED"
	StatusPaid      Status = "PAID"
	StatusConfirmed Status = "CONFIRMED"
)

// DeliveryService selects how the item changes hands.
type DeliveryService string

const (
	DirectTrade     DeliveryService = "DIRECT_TRADE"
	DeliveryCourier DeliveryService = "DELIVERY_SERVICE"
)

// PaymentMethod selects how the buyer pays.
type PaymentMethod string

const (
	PaymentCard PaymentMethod = "CARD"
	PaymentCash PaymentMethod = "CASH"
)

// Transaction is the server's view of a purchase transaction. The client
// holds only the identifier between calls; everything else is re-fetched.
type Transaction struct {
	TransactionID   int64           `json:"transactionId"`
	ProductID       int64           `json:"productId"`
	Status          Status          `json:"status"`
	DeliveryService DeliveryService `json:"deliveryService"`
	PaymentMethod   PaymentMethod   `json:"paymentMethod"`
}

// APIError is any failure response from the transaction API that is not a
// login redirect.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Body)
}

// AuthRequiredError indicates the server redirected the request to the login
// page. The caller must halt the flow; retrying without a session is useless.
type AuthRequiredError struct {
	Location string
}

func (e *AuthRequiredError) Error() string {
	return fmt.Sprintf("authentication required (redirected to %s)", e.Location)
}

// IsAuthRequired reports whether err is (or wraps) an AuthRequiredError.
func IsAuthRequired(err error) bool {
	var authErr *AuthRequiredError
	return errors.As(err, &authErr)
}

// Client is the HTTP client for the marketplace transaction API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPClient returns the HTTP client the gateway expects: a cookie jar so
// session credentials survive across calls, with redirects disabled so login
// redirects surface as AuthRequiredError instead of an HTML login page.
func NewHTTPClient(timeout time.Duration) *http.Client {
	jar, _ := cookiejar.New(nil)
	return &http.Client{
		Timeout: timeout,
		Jar:     jar,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// NewClient creates a transaction API client. A nil httpClient gets a
// NewHTTPClient default with a 30 second timeout.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = NewHTTPClient(30 * time.Second)
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}
}

// Create opens a new purchase transaction for a product and returns its id.
func (c *Client) Create(ctx context.Context, productID int64) (int64, error) {
	var resp struct {
		TransactionID int64 `json:"transactionId"`
	}
	body := map[string]int64{"productId": productID}
	if err := c.do(ctx, http.MethodPost, "/api/transactions", body, &resp); err != nil {
		return 0, err
	}
	c.logger.Debug("transaction created", "transaction_id", resp.TransactionID, "product_id", productID)
	return resp.TransactionID, nil
}

// SetApproval records the seller's decision on a purchase request.
func (c *Client) SetApproval(ctx context.Context, transactionID int64, status Status) error {
	if status != StatusApproved && status != StatusRejected {
		return fmt.Errorf("invalid approval status %q", status)
	}
	body := map[string]Status{"status": status}
	path := fmt.Sprintf("/api/transactions/%d/approval", transactionID)
	if err := c.do(ctx, http.MethodPatch, path, body, nil); err != nil {
		return err
	}
	c.logger.Debug("approval recorded", "transaction_id", transactionID, "status", status)
	return nil
}

// SetType records the delivery service and payment method for a transaction.
// Both fields are write-once server-side; re-sending the same pair is safe.
func (c *Client) SetType(ctx context.Context, transactionID int64, delivery DeliveryService, payment PaymentMethod) error {
	body := map[string]string{
		"deliveryService": string(delivery),
		"paymentMethod":   string(payment),
	}
	path := fmt.Sprintf("/api/transactions/%d/type", transactionID)
	if err := c.do(ctx, http.MethodPatch, path, body, nil); err != nil {
		return err
	}
	c.logger.Debug("transaction type recorded",
		"transaction_id", transactionID,
		"delivery_service", delivery,
		"payment_method", payment,
	)
	return nil
}

// Get fetches the current server state of a transaction.
func (c *Client) Get(ctx context.Context, transactionID int64) (*Transaction, error) {
	var txn Transaction
	path := fmt.Sprintf("/api/transactions/%d", transactionID)
	if err := c.do(ctx, http.MethodGet, path, nil, &txn); err != nil {
		return nil, err
	}
	return &txn, nil
}

// RegisterShipment posts courier and tracking details for a shipped item.
func (c *Client) RegisterShipment(ctx context.Context, transactionID int64, courier, trackingNumber string) error {
	body := map[string]string{
		"courier":        courier,
		"trackingNumber": trackingNumber,
	}
	path := fmt.Sprintf("/api/transactions/%d/shipment", transactionID)
	if err := c.do(ctx, http.MethodPost, path, body, nil); err != nil {
		return err
	}
	c.logger.Debug("shipment registered", "transaction_id", transactionID, "courier", courier)
	return nil
}

// Confirm finalizes the transaction on the buyer's behalf.
func (c *Client) Confirm(ctx context.Context, transactionID int64) error {
	path := fmt.Sprintf("/api/transactions/%d/confirm", transactionID)
	if err := c.do(ctx, http.MethodPost, path, nil, nil); err != nil {
		return err
	}
	c.logger.Debug("transaction confirmed", "transaction_id", transactionID)
	return nil
}

// do issues a single credentialed JSON request. It performs no retries;
// retry policy belongs to the caller per step.
func (c *Client) do(ctx context.Context, method, path string, reqBody, out any) error {
	var bodyReader io.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	// Only actual redirects mean the session bounced to the login page;
	// 304 and friends are failures, not auth problems.
	switch resp.StatusCode {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return &AuthRequiredError{Location: resp.Header.Get("Location")}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	if out == nil {
		return nil
	}
	if !strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		// 2xx with no JSON body; nothing to decode.
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
