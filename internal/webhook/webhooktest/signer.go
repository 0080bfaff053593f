// Package webhooktest signs webhook notifications the way the provider does,
// with a throwaway certificate authority, for use in tests.
package webhooktest

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"creditflow/internal/webhook"
)

const DefaultSubject = "messageverificationcerts.sandbox.paypal.com"

type Signer struct {
	Roots    *x509.CertPool
	Leaf     *x509.Certificate
	ChainPEM []byte

	key *rsa.PrivateKey
}

// NewSigner creates a root CA and a leaf signing certificate for subject.
func NewSigner(subject string) (*Signer, error) {
	now := time.Now()

	caKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	caTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "creditflow test root"},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTmpl, caTmpl, &caKey.PublicKey, caKey)
	if err != nil {
		return nil, fmt.Errorf("create root: %w", err)
	}
	ca, err := x509.ParseCertificate(caDER)
	if err != nil {
		return nil, err
	}

	leafKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	leafTmpl := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: subject},
		DNSNames:     []string{subject},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(12 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageCodeSigning},
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTmpl, ca, &leafKey.PublicKey, caKey)
	if err != nil {
		return nil, fmt.Errorf("create leaf: %w", err)
	}
	leaf, err := x509.ParseCertificate(leafDER)
	if err != nil {
		return nil, err
	}

	roots := x509.NewCertPool()
	roots.AddCert(ca)

	chain := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: leafDER})
	chain = append(chain, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: caDER})...)

	return &Signer{Roots: roots, Leaf: leaf, ChainPEM: chain, key: leafKey}, nil
}

var (
	sharedOnce   sync.Once
	sharedSigner *Signer
	sharedErr    error
)

// Shared returns a process-wide signer for DefaultSubject. Key generation is
// slow enough to be worth sharing across tests.
func Shared() (*Signer, error) {
	sharedOnce.Do(func() {
		sharedSigner, sharedErr = NewSigner(DefaultSubject)
	})
	return sharedSigner, sharedErr
}

func (s *Signer) Sign(h webhook.Headers, webhookID string, body []byte) string {
	digest := sha256.Sum256([]byte(webhook.SignedMessage(h, webhookID, body)))
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, digest[:])
	if err != nil {
		panic(err)
	}
	return base64.StdEncoding.EncodeToString(sig)
}

// Headers returns a complete, correctly signed header set.
func (s *Signer) Headers(webhookID, certURL string, body []byte, at time.Time) webhook.Headers {
	h := webhook.Headers{
		TransmissionID:   fmt.Sprintf("tx-%d", at.UnixNano()),
		TransmissionTime: at.UTC().Format(time.RFC3339),
		CertURL:          certURL,
		AuthAlgo:         webhook.AuthAlgoSHA256WithRSA,
	}
	h.TransmissionSig = s.Sign(h, webhookID, body)
	return h
}

func Apply(r *http.Request, h webhook.Headers) {
	r.Header.Set(webhook.HeaderTransmissionID, h.TransmissionID)
	r.Header.Set(webhook.HeaderTransmissionTime, h.TransmissionTime)
	r.Header.Set(webhook.HeaderCertURL, h.CertURL)
	r.Header.Set(webhook.HeaderAuthAlgo, h.AuthAlgo)
	r.Header.Set(webhook.HeaderTransmissionSig, h.TransmissionSig)
}

// StaticCertificateSource hands out a fixed certificate.
type StaticCertificateSource struct {
	Cert *x509.Certificate
	Err  error

	mu    sync.Mutex
	calls int
}

func (s *StaticCertificateSource) Certificate(context.Context, string) (*x509.Certificate, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	return s.Cert, nil
}

func (s *StaticCertificateSource) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
