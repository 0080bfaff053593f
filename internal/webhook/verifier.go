package webhook

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"hash/crc32"
	"net/http"
	"strings"
	"time"

	"creditflow/internal/domain"
	"creditflow/pkg/logger"
	"creditflow/pkg/metrics"
)

const (
	HeaderTransmissionID   = "PAYPAL-TRANSMISSION-ID"
	HeaderTransmissionTime = "PAYPAL-TRANSMISSION-TIME"
	HeaderCertURL          = "PAYPAL-CERT-URL"
	HeaderAuthAlgo         = "PAYPAL-AUTH-ALGO"
	HeaderTransmissionSig  = "PAYPAL-TRANSMISSION-SIG"

	AuthAlgoSHA256WithRSA = "SHA256withRSA"
)

// Headers are the provider-supplied transmission headers of one webhook.
type Headers struct {
	TransmissionID   string
	TransmissionTime string
	CertURL          string
	AuthAlgo         string
	TransmissionSig  string
}

func HeadersFromRequest(h http.Header) Headers {
	return Headers{
		TransmissionID:   strings.TrimSpace(h.Get(HeaderTransmissionID)),
		TransmissionTime: strings.TrimSpace(h.Get(HeaderTransmissionTime)),
		CertURL:          strings.TrimSpace(h.Get(HeaderCertURL)),
		AuthAlgo:         strings.TrimSpace(h.Get(HeaderAuthAlgo)),
		TransmissionSig:  strings.TrimSpace(h.Get(HeaderTransmissionSig)),
	}
}

func (h Headers) missing() []string {
	var out []string
	for _, f := range [...]struct{ name, value string }{
		{HeaderTransmissionID, h.TransmissionID},
		{HeaderTransmissionTime, h.TransmissionTime},
		{HeaderCertURL, h.CertURL},
		{HeaderAuthAlgo, h.AuthAlgo},
		{HeaderTransmissionSig, h.TransmissionSig},
	} {
		if f.value == "" {
			out = append(out, f.name)
		}
	}
	return out
}

type Verifier interface {
	Verify(ctx context.Context, h Headers, body []byte) error
}

type VerifierConfig struct {
	WebhookID          string
	// BypassVerification is honoured only when Development is also set.
	BypassVerification bool
	Development        bool
	// MaxClockSkew rejects transmissions whose timestamp is further than this
	// from now. Zero disables the check.
	MaxClockSkew time.Duration
}

type PayPalVerifier struct {
	cfg    VerifierConfig
	certs  CertificateSource
	logger logger.Logger
	now    func() time.Time
}

func NewPayPalVerifier(cfg VerifierConfig, certs CertificateSource, logger logger.Logger) *PayPalVerifier {
	return &PayPalVerifier{
		cfg:    cfg,
		certs:  certs,
		logger: logger,
		now:    time.Now,
	}
}

// Verify returns nil only for an authentic notification. Every failure wraps
// domain.ErrInvalidSignature.
func (v *PayPalVerifier) Verify(ctx context.Context, h Headers, body []byte) error {
	err := v.verify(ctx, h, body)
	if err != nil {
		metrics.RecordSignatureVerification("invalid")
		return fmt.Errorf("%w: %v", domain.ErrInvalidSignature, err)
	}
	return nil
}

func (v *PayPalVerifier) verify(ctx context.Context, h Headers, body []byte) error {
	if missing := h.missing(); len(missing) > 0 {
		return fmt.Errorf("missing headers %s", strings.Join(missing, ", "))
	}

	if v.cfg.BypassVerification {
		if !v.cfg.Development {
			v.logger.ErrorContext(ctx, "signature bypass requested outside development; ignoring it", map[string]interface{}{
				"transmission_id": h.TransmissionID,
			})
		} else {
			v.logger.WarnContext(ctx, "SECURITY DOWNGRADE: webhook signature verification bypassed", map[string]interface{}{
				"security_downgrade": true,
				"transmission_id":    h.TransmissionID,
			})
			metrics.RecordSignatureVerification("bypassed")
			return nil
		}
	}

	if v.cfg.WebhookID == "" {
		return fmt.Errorf("webhook id is not configured")
	}

	if h.AuthAlgo != AuthAlgoSHA256WithRSA {
		return fmt.Errorf("unsupported auth algorithm %q", h.AuthAlgo)
	}

	if v.cfg.MaxClockSkew > 0 {
		sent, err := time.Parse(time.RFC3339Nano, h.TransmissionTime)
		if err != nil {
			return fmt.Errorf("transmission time %q: %w", h.TransmissionTime, err)
		}
		if skew := v.now().Sub(sent).Abs(); skew > v.cfg.MaxClockSkew {
			return fmt.Errorf("transmission time %s is outside the accepted window", h.TransmissionTime)
		}
	}

	sig, err := base64.StdEncoding.DecodeString(h.TransmissionSig)
	if err != nil {
		return fmt.Errorf("signature encoding: %w", err)
	}

	cert, err := v.certs.Certificate(ctx, h.CertURL)
	if err != nil {
		return err
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("certificate key is %T, want RSA", cert.PublicKey)
	}

	digest := sha256.Sum256([]byte(SignedMessage(h, v.cfg.WebhookID, body)))
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
		return fmt.Errorf("signature mismatch: %w", err)
	}

	metrics.RecordSignatureVerification("valid")
	return nil
}

// SignedMessage is the string PayPal signs:
// transmission id|transmission time|webhook id|crc32 of the raw body.
func SignedMessage(h Headers, webhookID string, body []byte) string {
	return fmt.Sprintf("%s|%s|%s|%d", h.TransmissionID, h.TransmissionTime, webhookID, crc32.ChecksumIEEE(body))
}
