// Package playapi is a thin client for the Google Play Android Publisher
// purchases.subscriptionsv2 surface: get, cancel, and revoke by purchase
// token. It authenticates with a service-account key and maps Google error
// payloads onto the engine's error model.
package playapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"golang.org/x/oauth2/google"

	"github.com/rshade/subsweep/internal/engine"
)

// Scope is the OAuth scope required for subscription management. The
// service account additionally needs the Manage Orders permission in the
// Play Console.
const Scope = "https://www.googleapis.com/auth/androidpublisher"

const (
	defaultBaseURL = "https://androidpublisher.googleapis.com/androidpublisher/v3"
	requestTimeout = 30 * time.Second
)

// cancelBody requests a developer-initiated stop of future payments.
var cancelBody = []byte(`{"cancellationContext":{"cancellationType":"DEVELOPER_REQUESTED_STOP_PAYMENTS"}}`)

// revokeBody requests immediate termination with a prorated refund.
var revokeBody = []byte(`{"revocationContext":{"proratedRefund":{}}}`)

// Client calls the Android Publisher API. It implements engine.API.
type Client struct {
	hc      *http.Client
	baseURL string
}

// New creates a client authenticated with the service-account key at
// keyPath (JWT two-legged flow, androidpublisher scope).
func New(ctx context.Context, keyPath string) (*Client, error) {
	data, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("reading service account key: %w", err)
	}
	cfg, err := google.JWTConfigFromJSON(data, Scope)
	if err != nil {
		return nil, fmt.Errorf("parsing service account key: %w", err)
	}

	hc := cfg.Client(ctx)
	hc.Timeout = requestTimeout
	return &Client{hc: hc, baseURL: defaultBaseURL}, nil
}

// NewWithClient creates a client over an explicit HTTP client and base URL.
// Used by tests against a local server.
func NewWithClient(hc *http.Client, baseURL string) *Client {
	return &Client{hc: hc, baseURL: baseURL}
}

// GetSubscription reads the current state of a subscription purchase.
func (c *Client) GetSubscription(ctx context.Context, pkg, token string) (*engine.Subscription, error) {
	body, err := c.do(ctx, http.MethodGet, c.tokenURL(pkg, token), nil)
	if err != nil {
		return nil, err
	}
	return parseSubscription(body)
}

// CancelSubscription stops future renewals for a subscription purchase.
func (c *Client) CancelSubscription(ctx context.Context, pkg, token string) error {
	_, err := c.do(ctx, http.MethodPost, c.tokenURL(pkg, token)+":cancel", cancelBody)
	return err
}

// RevokeSubscription terminates a subscription purchase immediately and
// issues a prorated refund.
func (c *Client) RevokeSubscription(ctx context.Context, pkg, token string) error {
	_, err := c.do(ctx, http.MethodPost, c.tokenURL(pkg, token)+":revoke", revokeBody)
	return err
}

// tokenURL builds the subscriptionsv2 resource URL for one purchase token.
func (c *Client) tokenURL(pkg, token string) string {
	return fmt.Sprintf("%s/applications/%s/purchases/subscriptionsv2/tokens/%s",
		c.baseURL, url.PathEscape(pkg), url.PathEscape(token))
}

// do performs one request and returns the response body. Failures below
// the HTTP layer come back as network errors (transient); HTTP errors are
// parsed into status, message, and a classification tag.
func (c *Client) do(ctx context.Context, method, u string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, &engine.RemoteError{
			Network:   true,
			ErrorType: "exception",
			Message:   err.Error(),
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, &engine.RemoteError{
			Network:   true,
			ErrorType: "exception",
			Message:   err.Error(),
		}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &engine.RemoteError{
			Network:   true,
			ErrorType: "exception",
			Message:   err.Error(),
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := parseErrorMessage(data, resp.Status)
		return nil, &engine.RemoteError{
			HTTPStatus: resp.StatusCode,
			ErrorType:  ClassifyMessage(msg),
			Message:    msg,
		}
	}

	return data, nil
}

// Wire shape of a subscriptionsv2 get response, reduced to the fields the
// audit trail and eligibility rule consume.
type subscriptionResponse struct {
	SubscriptionState string     `json:"subscriptionState"`
	LatestOrderID     string     `json:"latestOrderId"`
	LineItems         []lineItem `json:"lineItems"`
}

type lineItem struct {
	ExpiryTime              string            `json:"expiryTime"`
	AutoRenewingPlan        *autoRenewingPlan `json:"autoRenewingPlan"`
	LatestSuccessfulOrderID string            `json:"latestSuccessfulOrderId"`
}

type autoRenewingPlan struct {
	AutoRenewEnabled *bool `json:"autoRenewEnabled"`
}

// parseSubscription maps the response body onto engine.Subscription,
// reading expiry and renewal data from the first line item.
func parseSubscription(body []byte) (*engine.Subscription, error) {
	var payload subscriptionResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, &engine.RemoteError{
			Network:   true,
			ErrorType: "exception",
			Message:   fmt.Sprintf("decoding subscription response: %v", err),
		}
	}

	sub := &engine.Subscription{
		State:         payload.SubscriptionState,
		LatestOrderID: payload.LatestOrderID,
		Raw:           json.RawMessage(body),
	}
	if len(payload.LineItems) > 0 {
		item := payload.LineItems[0]
		sub.ExpiryTime = item.ExpiryTime
		if item.AutoRenewingPlan != nil {
			sub.AutoRenewEnabled = item.AutoRenewingPlan.AutoRenewEnabled
		}
		if item.LatestSuccessfulOrderID != "" {
			sub.LatestOrderID = item.LatestSuccessfulOrderID
		}
	}
	return sub, nil
}

// googleError is the standard error envelope Google APIs return.
type googleError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// parseErrorMessage extracts the error message from a Google error payload,
// falling back to the HTTP status line on anything unparseable.
func parseErrorMessage(body []byte, fallback string) string {
	var payload googleError
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error.Message != "" {
		return payload.Error.Message
	}
	return fallback
}
