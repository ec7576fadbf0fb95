package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/text/currency"

	"gatecast/internal/models"
	"gatecast/internal/upstream"
)

const checkoutSessionsPath = "/v1/checkout/sessions"

// CheckoutRequest describes a single-item hosted checkout.
type CheckoutRequest struct {
	HostID      string
	ViewerID    string
	ProductName string
	Amount      models.Money
	Currency    string
	SuccessURL  string
	CancelURL   string
	// IdempotencyKey is generated when empty. The same key is sent on every
	// retry so the gateway never opens two sessions for one request.
	IdempotencyKey string
}

// CheckoutSession is the gateway's answer to a checkout request.
type CheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// CheckoutGateway opens hosted checkout sessions.
type CheckoutGateway interface {
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (CheckoutSession, error)
}

// GatewayConfig configures a GatewayClient.
type GatewayConfig struct {
	BaseURL    string
	SecretKey  string
	HTTPClient *http.Client
	Policy     upstream.Policy
	Logger     *slog.Logger
}

// GatewayClient talks to a Stripe-compatible checkout API.
type GatewayClient struct {
	baseURL   string
	secretKey string
	client    *http.Client
	policy    upstream.Policy
	logger    *slog.Logger
}

var _ CheckoutGateway = (*GatewayClient)(nil)

func NewGatewayClient(cfg GatewayConfig) (*GatewayClient, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("payment gateway base URL is required")
	}
	if strings.TrimSpace(cfg.SecretKey) == "" {
		return nil, errors.New("payment gateway secret key is required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &GatewayClient{
		baseURL:   baseURL,
		secretKey: strings.TrimSpace(cfg.SecretKey),
		client:    client,
		policy:    cfg.Policy,
		logger:    logger,
	}, nil
}

// CreateCheckoutSession opens a payment-mode session for one unit of the
// product. Gateway failures wrap models.ErrUpstreamProvider.
func (c *GatewayClient) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (CheckoutSession, error) {
	form, err := checkoutForm(req)
	if err != nil {
		return CheckoutSession{}, err
	}
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		key = uuid.NewString()
	}
	header := http.Header{}
	header.Set("Idempotency-Key", key)

	data, err := upstream.Do(ctx, c.client, upstream.Request{
		Method:      http.MethodPost,
		URL:         c.baseURL + checkoutSessionsPath,
		Body:        []byte(form.Encode()),
		ContentType: "application/x-www-form-urlencoded",
		Header:      header,
		Authorize: func(r *http.Request) error {
			r.Header.Set("Authorization", "Bearer "+c.secretKey)
			return nil
		},
	}, c.policy, c.logger)
	if err != nil {
		return CheckoutSession{}, fmt.Errorf("%w: create checkout session: %w", models.ErrUpstreamProvider, err)
	}
	var session CheckoutSession
	if err := json.Unmarshal(data, &session); err != nil {
		return CheckoutSession{}, fmt.Errorf("%w: decode checkout session: %w", models.ErrUpstreamProvider, err)
	}
	if session.URL == "" {
		return CheckoutSession{}, fmt.Errorf("%w: checkout session %q has no redirect url", models.ErrUpstreamProvider, session.ID)
	}
	return session, nil
}

func checkoutForm(req CheckoutRequest) (url.Values, error) {
	if strings.TrimSpace(req.HostID) == "" || strings.TrimSpace(req.ViewerID) == "" {
		return nil, fmt.Errorf("%w: host and viewer are required", models.ErrInvalidArgument)
	}
	amount, code, err := MinorUnits(req.Amount, req.Currency)
	if err != nil {
		return nil, err
	}
	if amount <= 0 {
		return nil, fmt.Errorf("%w: checkout amount must be positive", models.ErrInvalidArgument)
	}
	name := strings.TrimSpace(req.ProductName)
	if name == "" {
		name = "Live session"
	}

	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("payment_method_types[0]", "card")
	form.Set("success_url", req.SuccessURL)
	form.Set("cancel_url", req.CancelURL)
	form.Set("client_reference_id", req.ViewerID)
	form.Set("line_items[0][quantity]", "1")
	form.Set("line_items[0][price_data][currency]", strings.ToLower(code))
	form.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(amount, 10))
	form.Set("line_items[0][price_data][product_data][name]", name)
	form.Set("metadata["+MetadataHostID+"]", req.HostID)
	form.Set("metadata["+MetadataViewerID+"]", req.ViewerID)
	return form, nil
}

// MinorUnits converts amount to the smallest unit of the ISO 4217 currency
// code (paise for INR, yen for JPY) and returns the canonical code.
func MinorUnits(amount models.Money, code string) (int64, string, error) {
	unit, err := currency.ParseISO(strings.ToUpper(strings.TrimSpace(code)))
	if err != nil {
		return 0, "", fmt.Errorf("%w: currency %q: %v", models.ErrInvalidArgument, code, err)
	}
	scale, _ := currency.Standard.Rounding(unit)
	units, err := amount.ScaledTo(scale)
	if err != nil {
		return 0, "", fmt.Errorf("%w: %v", models.ErrInvalidArgument, err)
	}
	return units, unit.String(), nil
}
