package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/brightcart/api/internal/domain"
	"github.com/brightcart/api/internal/platform/textutil"
)

var (
	// ErrUnsupportedProvider is returned when the manager cannot locate a provider.
	ErrUnsupportedProvider = errors.New("payments: unsupported provider")
	// ErrProviderUnavailable indicates a transport or upstream failure while
	// talking to the PSP. Callers treat it as retryable.
	ErrProviderUnavailable = errors.New("payments: provider unavailable")
	// ErrInvalidSignature indicates webhook signature verification failed.
	ErrInvalidSignature = errors.New("payments: invalid signature")
	// ErrMalformedPayload indicates a delivery that passed signature
	// verification but whose body cannot be decoded. Callers acknowledge it;
	// redelivering the same bytes can never succeed.
	ErrMalformedPayload = errors.New("payments: malformed payload")
	// ErrWebhookUnsupported is returned by providers that deliver outcomes via
	// redirect callbacks instead of signed webhooks.
	ErrWebhookUnsupported = errors.New("payments: webhook delivery not supported")
	// ErrCallbackUnsupported is returned by providers that deliver outcomes via
	// signed webhooks instead of redirect callbacks.
	ErrCallbackUnsupported = errors.New("payments: redirect callback not supported")
)

// Logger is the structured logging callback provider implementations emit
// events through.
type Logger func(ctx context.Context, event string, fields map[string]any)

// IntentRequest captures the payload required to open a payment with a PSP.
type IntentRequest struct {
	OrderID        string
	OrderNumber    string
	Amount         int64
	Currency       string
	CustomerEmail  string
	ReturnURL      string
	CancelURL      string
	Metadata       map[string]string
	IdempotencyKey string
}

// Intent represents the PSP-side payment artefact returned to the client so it
// can complete the payment (client secret for card flows, redirect URL for
// wallet flows).
type Intent struct {
	Provider     string
	IntentID     string
	ClientSecret string
	RedirectURL  string
	ExpiresAt    time.Time
}

// WebhookRequest carries the untouched webhook delivery. Payload must be the
// raw request body exactly as received; signature schemes cover those bytes.
type WebhookRequest struct {
	Headers http.Header
	Payload []byte
}

// CallbackRequest carries the query parameters of a redirect callback. The
// parameters identify the payment only; any status they claim is untrusted.
type CallbackRequest struct {
	Params url.Values
}

// RefundRequest defines a PSP refund attempt.
type RefundRequest struct {
	ChargeID       string
	IntentID       string
	Amount         *int64
	Reason         string
	IdempotencyKey string
}

// Refund describes the PSP-side refund record.
type Refund struct {
	RefundID string
	ChargeID string
	Amount   int64
}

// Provider defines the contract for PSP adapters to implement.
//
// VerifyWebhook and VerifyCallback return a nil outcome with a nil error when
// the delivery is authentic but carries an event kind the engine does not act
// on; callers acknowledge and log such deliveries.
type Provider interface {
	Name() string
	CreateIntent(ctx context.Context, req IntentRequest) (Intent, error)
	VerifyWebhook(ctx context.Context, req WebhookRequest) (*domain.PaymentOutcome, error)
	VerifyCallback(ctx context.Context, req CallbackRequest) (*domain.PaymentOutcome, error)
	Refund(ctx context.Context, req RefundRequest) (Refund, error)
}

// Manager coordinates provider selection and exposes the aggregated interface.
type Manager struct {
	providers map[string]Provider
}

// NewManager constructs a Manager over the supplied providers.
func NewManager(providers map[string]Provider) (*Manager, error) {
	if len(providers) == 0 {
		return nil, errors.New("payments: at least one provider is required")
	}
	copyMap := make(map[string]Provider, len(providers))
	for k, v := range providers {
		key := strings.TrimSpace(strings.ToLower(k))
		if key == "" || v == nil {
			return nil, fmt.Errorf("payments: invalid provider registration for key %q", k)
		}
		copyMap[key] = v
	}
	return &Manager{providers: copyMap}, nil
}

// Names returns the registered provider keys.
func (m *Manager) Names() []string {
	if m == nil {
		return nil
	}
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	return names
}

// Provider resolves a registered provider by name.
func (m *Manager) Provider(name string) (Provider, error) {
	if m == nil || len(m.providers) == 0 {
		return nil, errors.New("payments: no providers registered")
	}
	key := strings.TrimSpace(strings.ToLower(name))
	if key == "" {
		return nil, ErrUnsupportedProvider
	}
	provider, ok := m.providers[key]
	if !ok {
		return nil, ErrUnsupportedProvider
	}
	return provider, nil
}

// CreateIntent delegates to the named provider. Metadata keys and values are
// trimmed before they reach the PSP; entries with empty keys are dropped.
func (m *Manager) CreateIntent(ctx context.Context, name string, req IntentRequest) (Intent, error) {
	provider, err := m.Provider(name)
	if err != nil {
		return Intent{}, err
	}
	req.Metadata = textutil.NormalizeStringMap(req.Metadata)
	intent, err := provider.CreateIntent(ctx, req)
	if err != nil {
		return Intent{}, err
	}
	if intent.Provider == "" {
		intent.Provider = provider.Name()
	}
	return intent, nil
}

// VerifyWebhook delegates to the named provider.
func (m *Manager) VerifyWebhook(ctx context.Context, name string, req WebhookRequest) (*domain.PaymentOutcome, error) {
	provider, err := m.Provider(name)
	if err != nil {
		return nil, err
	}
	return provider.VerifyWebhook(ctx, req)
}

// VerifyCallback delegates to the named provider.
func (m *Manager) VerifyCallback(ctx context.Context, name string, req CallbackRequest) (*domain.PaymentOutcome, error) {
	provider, err := m.Provider(name)
	if err != nil {
		return nil, err
	}
	return provider.VerifyCallback(ctx, req)
}

// Refund delegates to the named provider.
func (m *Manager) Refund(ctx context.Context, name string, req RefundRequest) (Refund, error) {
	provider, err := m.Provider(name)
	if err != nil {
		return Refund{}, err
	}
	return provider.Refund(ctx, req)
}
