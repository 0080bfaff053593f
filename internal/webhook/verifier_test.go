package webhook_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"creditflow/internal/domain"
	"creditflow/internal/webhook"
	"creditflow/internal/webhook/webhooktest"
	"creditflow/pkg/logger"
)

const (
	testWebhookID = "WH-ID-123"
	testCertURL   = "https://api.sandbox.paypal.com/v1/notifications/certs/CERT-1"
)

var body = []byte(`{"id":"WH-1","event_type":"PAYMENT.CAPTURE.COMPLETED","resource":{"id":"CAP-1"}}`)

func newVerifier(t *testing.T, cfg webhook.VerifierConfig) (*webhook.PayPalVerifier, *webhooktest.Signer, *webhooktest.StaticCertificateSource) {
	t.Helper()
	signer, err := webhooktest.Shared()
	require.NoError(t, err)
	certs := &webhooktest.StaticCertificateSource{Cert: signer.Leaf}
	return webhook.NewPayPalVerifier(cfg, certs, logger.NewNop()), signer, certs
}

func TestPayPalVerifier_AcceptsValidSignature(t *testing.T) {
	v, signer, certs := newVerifier(t, webhook.VerifierConfig{WebhookID: testWebhookID})
	h := signer.Headers(testWebhookID, testCertURL, body, time.Now())

	require.NoError(t, v.Verify(context.Background(), h, body))
	assert.Equal(t, 1, certs.Calls())
}

func TestPayPalVerifier_Rejects(t *testing.T) {
	signer, err := webhooktest.Shared()
	require.NoError(t, err)
	valid := signer.Headers(testWebhookID, testCertURL, body, time.Now())

	tests := []struct {
		name   string
		cfg    webhook.VerifierConfig
		mutate func(h *webhook.Headers)
		body   []byte
	}{
		{
			name: "tampered body",
			cfg:  webhook.VerifierConfig{WebhookID: testWebhookID},
			body: []byte(`{"id":"WH-1","event_type":"PAYMENT.CAPTURE.COMPLETED","resource":{"id":"CAP-2"}}`),
		},
		{
			name: "signed for another webhook id",
			cfg:  webhook.VerifierConfig{WebhookID: "WH-OTHER"},
		},
		{
			name: "webhook id not configured",
			cfg:  webhook.VerifierConfig{},
		},
		{
			name:   "missing transmission id",
			cfg:    webhook.VerifierConfig{WebhookID: testWebhookID},
			mutate: func(h *webhook.Headers) { h.TransmissionID = "" },
		},
		{
			name:   "missing signature",
			cfg:    webhook.VerifierConfig{WebhookID: testWebhookID},
			mutate: func(h *webhook.Headers) { h.TransmissionSig = "" },
		},
		{
			name:   "missing cert url",
			cfg:    webhook.VerifierConfig{WebhookID: testWebhookID},
			mutate: func(h *webhook.Headers) { h.CertURL = "" },
		},
		{
			name:   "unsupported algorithm",
			cfg:    webhook.VerifierConfig{WebhookID: testWebhookID},
			mutate: func(h *webhook.Headers) { h.AuthAlgo = "SHA1withRSA" },
		},
		{
			name:   "signature not base64",
			cfg:    webhook.VerifierConfig{WebhookID: testWebhookID},
			mutate: func(h *webhook.Headers) { h.TransmissionSig = "%%%" },
		},
		{
			name:   "replayed transmission id",
			cfg:    webhook.VerifierConfig{WebhookID: testWebhookID},
			mutate: func(h *webhook.Headers) { h.TransmissionID = "tx-other" },
		},
		{
			name:   "bypass ignored outside development",
			cfg:    webhook.VerifierConfig{WebhookID: testWebhookID, BypassVerification: true},
			mutate: func(h *webhook.Headers) { h.TransmissionSig = "AAAA" },
		},
		{
			name:   "bypass ignored outside development without webhook id",
			cfg:    webhook.VerifierConfig{BypassVerification: true},
			mutate: func(h *webhook.Headers) { h.TransmissionSig = "AAAA" },
		},
		{
			name:   "bypass still requires headers",
			cfg:    webhook.VerifierConfig{BypassVerification: true, Development: true},
			mutate: func(h *webhook.Headers) { h.AuthAlgo = "" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := webhook.NewPayPalVerifier(tt.cfg, &webhooktest.StaticCertificateSource{Cert: signer.Leaf}, logger.NewNop())
			h := valid
			if tt.mutate != nil {
				tt.mutate(&h)
			}
			b := body
			if tt.body != nil {
				b = tt.body
			}
			err := v.Verify(context.Background(), h, b)
			assert.ErrorIs(t, err, domain.ErrInvalidSignature)
		})
	}
}

func TestPayPalVerifier_CertificateFailureFailsClosed(t *testing.T) {
	signer, err := webhooktest.Shared()
	require.NoError(t, err)
	certs := &webhooktest.StaticCertificateSource{Err: errors.New("provider unreachable")}
	v := webhook.NewPayPalVerifier(webhook.VerifierConfig{WebhookID: testWebhookID}, certs, logger.NewNop())

	err = v.Verify(context.Background(), signer.Headers(testWebhookID, testCertURL, body, time.Now()), body)
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)
}

func TestPayPalVerifier_BypassInDevelopment(t *testing.T) {
	v, _, certs := newVerifier(t, webhook.VerifierConfig{BypassVerification: true, Development: true})
	h := webhook.Headers{
		TransmissionID:   "tx-1",
		TransmissionTime: time.Now().UTC().Format(time.RFC3339),
		CertURL:          testCertURL,
		AuthAlgo:         webhook.AuthAlgoSHA256WithRSA,
		TransmissionSig:  "not-a-signature",
	}

	require.NoError(t, v.Verify(context.Background(), h, body))
	assert.Zero(t, certs.Calls(), "bypass must not fetch certificates")
}

func TestPayPalVerifier_ClockSkewWindow(t *testing.T) {
	cfg := webhook.VerifierConfig{WebhookID: testWebhookID, MaxClockSkew: 5 * time.Minute}
	v, signer, _ := newVerifier(t, cfg)

	fresh := signer.Headers(testWebhookID, testCertURL, body, time.Now().Add(-time.Minute))
	require.NoError(t, v.Verify(context.Background(), fresh, body))

	stale := signer.Headers(testWebhookID, testCertURL, body, time.Now().Add(-time.Hour))
	assert.ErrorIs(t, v.Verify(context.Background(), stale, body), domain.ErrInvalidSignature)

	garbled := fresh
	garbled.TransmissionTime = "yesterday"
	assert.ErrorIs(t, v.Verify(context.Background(), garbled, body), domain.ErrInvalidSignature)
}
