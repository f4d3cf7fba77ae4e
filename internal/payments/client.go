package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const DefaultBaseURL = "https://api.stripe.com"

// PaymentProvider is the narrow capability the settlement engine depends on.
type PaymentProvider interface {
	CreateIntent(ctx context.Context, params CreateIntentParams) (*Intent, error)
	ConfirmIntent(ctx context.Context, id string) (*Intent, error)
}

type Intent struct {
	ID           string `json:"id"`
	ClientSecret string `json:"client_secret"`
	Status       string `json:"status"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
}

// Terminal reports whether the provider will not move the intent further
// without another instruction.
func (i *Intent) Terminal() bool {
	return i.Status == "succeeded" || i.Status == "canceled"
}

type CreateIntentParams struct {
	AmountMinor   int64
	Currency      string
	PaymentMethod string
	Confirm       bool
	ReturnURL     string
	Metadata      map[string]string
}

// ProviderError carries the provider-supplied error envelope. The client never
// retries; retry policy belongs to the caller.
type ProviderError struct {
	HTTPStatus int
	Code       string
	Type       string
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error (%s/%s): %s", e.Type, e.Code, e.Message)
}

type Client struct {
	secretKey  string
	baseURL    string
	httpClient *http.Client
	sandbox    bool
}

type ClientOption func(*Client)

func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = baseURL
	}
}

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithSandbox makes the client fabricate intents locally instead of calling
// the provider, so the full booking flow works without network access.
func WithSandbox() ClientOption {
	return func(c *Client) {
		c.sandbox = true
	}
}

func NewClient(secretKey string, opts ...ClientOption) *Client {
	client := &Client{
		secretKey:  secretKey,
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

func (c *Client) CreateIntent(ctx context.Context, params CreateIntentParams) (*Intent, error) {
	if c.sandbox {
		return c.sandboxIntent(params), nil
	}

	form := url.Values{}
	form.Set("amount", strconv.FormatInt(params.AmountMinor, 10))
	form.Set("currency", params.Currency)
	if params.PaymentMethod != "" {
		form.Set("payment_method", params.PaymentMethod)
	}
	if params.Confirm {
		form.Set("confirm", "true")
		if params.ReturnURL != "" {
			form.Set("return_url", params.ReturnURL)
		}
	} else {
		form.Set("payment_method_types[]", "card")
	}
	for k, v := range params.Metadata {
		form.Set(fmt.Sprintf("metadata[%s]", k), v)
	}

	return c.do(ctx, "/v1/payment_intents", form)
}

func (c *Client) ConfirmIntent(ctx context.Context, id string) (*Intent, error) {
	if c.sandbox {
		return &Intent{ID: id, Status: "succeeded"}, nil
	}
	return c.do(ctx, "/v1/payment_intents/"+id+"/confirm", url.Values{})
}

func (c *Client) do(ctx context.Context, path string, form url.Values) (*Intent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build provider request: %w", err)
	}
	req.SetBasicAuth(c.secretKey, "")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Idempotency-Key", uuid.NewString())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &ProviderError{Type: "api_connection_error", Message: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ProviderError{Type: "api_connection_error", Message: err.Error()}
	}

	if resp.StatusCode >= 400 {
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Type    string `json:"type"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal(body, &envelope); err != nil {
			return nil, &ProviderError{HTTPStatus: resp.StatusCode, Type: "api_error", Message: string(body)}
		}
		return nil, &ProviderError{
			HTTPStatus: resp.StatusCode,
			Code:       envelope.Error.Code,
			Type:       envelope.Error.Type,
			Message:    envelope.Error.Message,
		}
	}

	var intent Intent
	if err := json.Unmarshal(body, &intent); err != nil {
		return nil, fmt.Errorf("decode provider response: %w", err)
	}
	return &intent, nil
}

func (c *Client) sandboxIntent(params CreateIntentParams) *Intent {
	id := "pi_sandbox_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	status := "requires_payment_method"
	if params.Confirm {
		status = "succeeded"
	}
	return &Intent{
		ID:           id,
		ClientSecret: id + "_secret_" + uuid.NewString()[:8],
		Status:       status,
		Amount:       params.AmountMinor,
		Currency:     params.Currency,
	}
}

var _ PaymentProvider = (*Client)(nil)
