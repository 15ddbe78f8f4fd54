package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"testing"
	"time"
)

type mapSecretProvider map[string]string

func (m mapSecretProvider) GetSecret(_ context.Context, name string) (string, error) {
	if secret, ok := m[name]; ok {
		return secret, nil
	}
	return "", errors.New("secret not found")
}

func signPayload(secret string, payload []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return mac.Sum(nil)
}

func TestWebhookVerifierAcceptsHexSignature(t *testing.T) {
	payload := []byte(`{"event":"payment.captured","amount":4999}`)
	verifier := NewWebhookVerifier(mapSecretProvider{"pocketpay": "wh-secret"},
		WithWebhookLogger(noopLogger{}),
	)

	signature := hex.EncodeToString(signPayload("wh-secret", payload))
	if err := verifier.Verify(context.Background(), "pocketpay", payload, signature); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestWebhookVerifierAcceptsBase64Signature(t *testing.T) {
	payload := []byte(`{"event":"payment.captured"}`)
	verifier := NewWebhookVerifier(mapSecretProvider{"pocketpay": "wh-secret"})

	signature := base64.StdEncoding.EncodeToString(signPayload("wh-secret", payload))
	if err := verifier.Verify(context.Background(), "pocketpay", payload, signature); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestWebhookVerifierRejectsTamperedPayload(t *testing.T) {
	payload := []byte(`{"event":"payment.captured","amount":4999}`)
	verifier := NewWebhookVerifier(mapSecretProvider{"pocketpay": "wh-secret"})

	signature := hex.EncodeToString(signPayload("wh-secret", payload))
	tampered := []byte(`{"event":"payment.captured","amount":1}`)
	if err := verifier.Verify(context.Background(), "pocketpay", tampered, signature); !errors.Is(err, ErrSignatureMismatch) {
		t.Fatalf("expected ErrSignatureMismatch got %v", err)
	}
}

func TestWebhookVerifierRejectsMissingSignature(t *testing.T) {
	verifier := NewWebhookVerifier(mapSecretProvider{"pocketpay": "wh-secret"})
	if err := verifier.Verify(context.Background(), "pocketpay", []byte("{}"), ""); !errors.Is(err, ErrSignatureMissing) {
		t.Fatalf("expected ErrSignatureMissing got %v", err)
	}
}

func TestWebhookVerifierRejectsUndecodableSignature(t *testing.T) {
	verifier := NewWebhookVerifier(mapSecretProvider{"pocketpay": "wh-secret"})
	if err := verifier.Verify(context.Background(), "pocketpay", []byte("{}"), "!!not-a-signature!!"); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid got %v", err)
	}
}

func TestWebhookVerifierCachesSecret(t *testing.T) {
	lookups := 0
	provider := SecretProviderFunc(func(context.Context, string) (string, error) {
		lookups++
		return "wh-secret", nil
	})
	verifier := NewWebhookVerifier(provider)

	payload := []byte(`{"event":"payment.captured"}`)
	signature := hex.EncodeToString(signPayload("wh-secret", payload))
	for i := 0; i < 3; i++ {
		if err := verifier.Verify(context.Background(), "pocketpay", payload, signature); err != nil {
			t.Fatalf("Verify attempt %d: %v", i, err)
		}
	}
	if lookups != 1 {
		t.Fatalf("expected a single secret lookup got %d", lookups)
	}
}

func TestWebhookVerifierRecordsMetrics(t *testing.T) {
	metrics := &recordingMetrics{}
	verifier := NewWebhookVerifier(mapSecretProvider{"pocketpay": "wh-secret"},
		WithWebhookMetrics(metrics),
		WithWebhookClock(func() time.Time { return time.Unix(1_700_000_000, 0) }),
	)

	payload := []byte(`{"event":"payment.captured"}`)
	signature := hex.EncodeToString(signPayload("wh-secret", payload))
	if err := verifier.Verify(context.Background(), "pocketpay", payload, signature); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	_ = verifier.Verify(context.Background(), "pocketpay", payload, "deadbeef")

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	if len(metrics.records) != 2 {
		t.Fatalf("expected 2 verification records got %d", len(metrics.records))
	}
	if !metrics.records[0].success || metrics.records[0].reason != "ok" {
		t.Fatalf("expected first record ok got %+v", metrics.records[0])
	}
	if metrics.records[1].success || metrics.records[1].reason != "signature_mismatch" {
		t.Fatalf("expected mismatch record got %+v", metrics.records[1])
	}
}
