package payments

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClient_CreateIntent_Success(t *testing.T) {
	var gotReq *http.Request
	var gotForm map[string][]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		gotReq = r
		gotForm = r.PostForm
		w.Write([]byte(`{"id":"pi_123","client_secret":"pi_123_secret","status":"succeeded","amount":90000,"currency":"gbp"}`))
	}))
	defer server.Close()

	client := NewClient("sk_test_abc", WithBaseURL(server.URL))
	intent, err := client.CreateIntent(context.Background(), CreateIntentParams{
		AmountMinor:   90000,
		Currency:      "gbp",
		PaymentMethod: "pm_1",
		Confirm:       true,
		ReturnURL:     "https://example.com/done",
		Metadata:      map[string]string{"email": "asha@example.com"},
	})

	assert.NoError(t, err)
	assert.Equal(t, "pi_123", intent.ID)
	assert.True(t, intent.Terminal())

	assert.Equal(t, "/v1/payment_intents", gotReq.URL.Path)
	user, _, ok := gotReq.BasicAuth()
	assert.True(t, ok)
	assert.Equal(t, "sk_test_abc", user)
	assert.NotEmpty(t, gotReq.Header.Get("Idempotency-Key"))

	assert.Equal(t, []string{"90000"}, gotForm["amount"])
	assert.Equal(t, []string{"gbp"}, gotForm["currency"])
	assert.Equal(t, []string{"true"}, gotForm["confirm"])
	assert.Equal(t, []string{"https://example.com/done"}, gotForm["return_url"])
	assert.Equal(t, []string{"asha@example.com"}, gotForm["metadata[email]"])
}

func TestClient_CreateIntent_DeferredSendsCardMethodType(t *testing.T) {
	var gotForm map[string][]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		gotForm = r.PostForm
		w.Write([]byte(`{"id":"pi_def","client_secret":"pi_def_secret","status":"requires_payment_method"}`))
	}))
	defer server.Close()

	client := NewClient("sk_test_abc", WithBaseURL(server.URL))
	intent, err := client.CreateIntent(context.Background(), CreateIntentParams{AmountMinor: 110000, Currency: "gbp"})

	assert.NoError(t, err)
	assert.False(t, intent.Terminal())
	assert.Equal(t, []string{"card"}, gotForm["payment_method_types[]"])
	assert.NotContains(t, gotForm, "confirm")
}

func TestClient_CreateIntent_ErrorEnvelope(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		w.Write([]byte(`{"error":{"code":"card_declined","type":"card_error","message":"Your card was declined."}}`))
	}))
	defer server.Close()

	client := NewClient("sk_test_abc", WithBaseURL(server.URL))
	intent, err := client.CreateIntent(context.Background(), CreateIntentParams{AmountMinor: 100, Currency: "gbp"})

	assert.Nil(t, intent)
	var providerErr *ProviderError
	assert.ErrorAs(t, err, &providerErr)
	assert.Equal(t, http.StatusPaymentRequired, providerErr.HTTPStatus)
	assert.Equal(t, "card_declined", providerErr.Code)
	assert.Equal(t, "card_error", providerErr.Type)
	assert.Contains(t, providerErr.Error(), "declined")
}

func TestClient_CreateIntent_NonJSONError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream gone"))
	}))
	defer server.Close()

	client := NewClient("sk_test_abc", WithBaseURL(server.URL))
	_, err := client.CreateIntent(context.Background(), CreateIntentParams{AmountMinor: 100, Currency: "gbp"})

	var providerErr *ProviderError
	assert.ErrorAs(t, err, &providerErr)
	assert.Equal(t, "api_error", providerErr.Type)
	assert.Equal(t, "upstream gone", providerErr.Message)
}

func TestClient_ConfirmIntent_Path(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte(`{"id":"pi_123","status":"succeeded"}`))
	}))
	defer server.Close()

	client := NewClient("sk_test_abc", WithBaseURL(server.URL))
	intent, err := client.ConfirmIntent(context.Background(), "pi_123")

	assert.NoError(t, err)
	assert.Equal(t, "succeeded", intent.Status)
	assert.Equal(t, "/v1/payment_intents/pi_123/confirm", gotPath)
}

func TestClient_Sandbox(t *testing.T) {
	client := NewClient("", WithSandbox())

	confirmed, err := client.CreateIntent(context.Background(), CreateIntentParams{AmountMinor: 90000, Currency: "gbp", Confirm: true})
	assert.NoError(t, err)
	assert.True(t, strings.HasPrefix(confirmed.ID, "pi_sandbox_"))
	assert.Equal(t, "succeeded", confirmed.Status)
	assert.Equal(t, int64(90000), confirmed.Amount)

	deferred, err := client.CreateIntent(context.Background(), CreateIntentParams{AmountMinor: 110000, Currency: "gbp"})
	assert.NoError(t, err)
	assert.Equal(t, "requires_payment_method", deferred.Status)
	assert.NotEmpty(t, deferred.ClientSecret)

	intent, err := client.ConfirmIntent(context.Background(), deferred.ID)
	assert.NoError(t, err)
	assert.Equal(t, "succeeded", intent.Status)
}
