package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"log"
	"strings"
	"sync"
	"time"
)

var (
	// ErrSignatureMissing indicates the request carried no signature value.
	ErrSignatureMissing = errors.New("auth: signature missing")
	// ErrSignatureInvalid indicates the signature could not be decoded.
	ErrSignatureInvalid = errors.New("auth: signature encoding invalid")
	// ErrSignatureMismatch indicates the recomputed digest did not match.
	ErrSignatureMismatch = errors.New("auth: signature mismatch")
)

// SecretProvider resolves shared secrets used for HMAC validation.
type SecretProvider interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// SecretProviderFunc adapts a function to the SecretProvider interface.
type SecretProviderFunc func(context.Context, string) (string, error)

// GetSecret implements SecretProvider.
func (f SecretProviderFunc) GetSecret(ctx context.Context, name string) (string, error) {
	if f == nil {
		return "", errors.New("auth: secret provider not configured")
	}
	return f(ctx, name)
}

// WebhookVerifier recomputes provider HMAC-SHA256 signatures over raw webhook
// payloads. Verification fails closed: any decode or digest mismatch rejects
// the payload before it is parsed.
type WebhookVerifier struct {
	provider SecretProvider

	logger  Logger
	metrics MetricsRecorder
	now     func() time.Time

	secretCache sync.Map
}

// WebhookVerifierOption customises the verifier.
type WebhookVerifierOption func(*WebhookVerifier)

// NewWebhookVerifier builds a verifier using the given secret provider.
func NewWebhookVerifier(provider SecretProvider, opts ...WebhookVerifierOption) *WebhookVerifier {
	verifier := &WebhookVerifier{
		provider: provider,
		logger:   log.Default(),
		now:      time.Now,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(verifier)
		}
	}

	return verifier
}

// WithWebhookLogger overrides the verifier logger.
func WithWebhookLogger(logger Logger) WebhookVerifierOption {
	return func(v *WebhookVerifier) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithWebhookMetrics sets the metrics recorder.
func WithWebhookMetrics(metrics MetricsRecorder) WebhookVerifierOption {
	return func(v *WebhookVerifier) {
		v.metrics = metrics
	}
}

// WithWebhookClock injects a custom clock, primarily for tests.
func WithWebhookClock(now func() time.Time) WebhookVerifierOption {
	return func(v *WebhookVerifier) {
		if now != nil {
			v.now = now
		}
	}
}

// Verify checks the signature over the raw payload using the named shared
// secret. The signature value may be hex or base64 encoded.
func (v *WebhookVerifier) Verify(ctx context.Context, secretName string, payload []byte, signatureValue string) error {
	start := v.now()

	secretName = strings.TrimSpace(secretName)
	if secretName == "" {
		v.record(ctx, false, "secret_not_configured", start)
		return errors.New("auth: webhook secret not configured")
	}

	signatureValue = strings.TrimSpace(signatureValue)
	if signatureValue == "" {
		v.record(ctx, false, "signature_missing", start)
		return ErrSignatureMissing
	}

	secret, err := v.loadSecret(ctx, secretName)
	if err != nil {
		if v.logger != nil {
			v.logger.Printf("auth: webhook secret lookup failed: %v", err)
		}
		v.record(ctx, false, "secret_unavailable", start)
		return err
	}

	signature, err := decodeSignature(signatureValue)
	if err != nil {
		v.record(ctx, false, "signature_invalid", start)
		return ErrSignatureInvalid
	}

	expected := computeHMAC(secret, payload)
	if !hmac.Equal(signature, expected) {
		v.record(ctx, false, "signature_mismatch", start)
		return ErrSignatureMismatch
	}

	v.record(ctx, true, "ok", start)
	return nil
}

func (v *WebhookVerifier) record(ctx context.Context, success bool, reason string, start time.Time) {
	if v == nil || v.metrics == nil {
		return
	}
	duration := v.now().Sub(start)
	v.metrics.RecordVerification(ctx, "webhook_hmac", success, reason, duration)
}

func (v *WebhookVerifier) loadSecret(ctx context.Context, name string) ([]byte, error) {
	if v == nil || v.provider == nil {
		return nil, errors.New("auth: secret provider not configured")
	}

	if cached, ok := v.secretCache.Load(name); ok {
		if secret, ok := cached.([]byte); ok && len(secret) > 0 {
			return secret, nil
		}
	}

	raw, err := v.provider.GetSecret(ctx, name)
	if err != nil {
		return nil, err
	}

	secret := []byte(raw)
	if len(secret) == 0 {
		return nil, errors.New("auth: secret is empty")
	}

	v.secretCache.Store(name, secret)
	return secret, nil
}

func decodeSignature(value string) ([]byte, error) {
	if value == "" {
		return nil, errors.New("auth: empty signature")
	}
	if decoded, err := hex.DecodeString(value); err == nil {
		return decoded, nil
	}
	if decoded, err := base64.StdEncoding.DecodeString(value); err == nil {
		return decoded, nil
	}
	return nil, errors.New("auth: signature must be hex or base64 encoded")
}

func computeHMAC(secret []byte, message []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(message)
	return mac.Sum(nil)
}
