package webhook

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"creditflow/pkg/circuitbreaker"
	"creditflow/pkg/logger"
	"creditflow/pkg/metrics"
)

const (
	maxCertificateBytes     = 64 << 10
	maxCertificateRedirects = 3
)

// DefaultCertificateSubjects are the names PayPal signs webhooks under.
var DefaultCertificateSubjects = []string{
	"messageverificationcerts.paypal.com",
	"messageverificationcerts.sandbox.paypal.com",
}

type CertificateSource interface {
	Certificate(ctx context.Context, certURL string) (*x509.Certificate, error)
}

type CertSourceConfig struct {
	AllowedHosts     []string
	ExpectedSubjects []string
	CacheTTL         time.Duration
	// Roots defaults to the system pool when nil.
	Roots      *x509.CertPool
	HTTPClient *http.Client
	Now        func() time.Time
}

type cachedCert struct {
	cert    *x509.Certificate
	expires time.Time
}

// HTTPCertificateSource downloads the signing certificate named by the
// webhook, checks it chains to a trusted root and belongs to the provider,
// and caches it per URL.
type HTTPCertificateSource struct {
	client   *http.Client
	hosts    map[string]struct{}
	subjects map[string]struct{}
	roots    *x509.CertPool
	ttl      time.Duration
	now      func() time.Time
	breaker  *circuitbreaker.CircuitBreaker
	logger   logger.Logger

	mu    sync.Mutex
	cache map[string]cachedCert
}

func NewHTTPCertificateSource(cfg CertSourceConfig, logger logger.Logger) *HTTPCertificateSource {
	s := &HTTPCertificateSource{
		client:   cfg.HTTPClient,
		hosts:    make(map[string]struct{}, len(cfg.AllowedHosts)),
		subjects: make(map[string]struct{}),
		roots:    cfg.Roots,
		ttl:      cfg.CacheTTL,
		now:      cfg.Now,
		logger:   logger,
		cache:    make(map[string]cachedCert),
	}
	if s.client == nil {
		s.client = &http.Client{Timeout: 5 * time.Second}
	}
	// Every redirect hop has to pass the same URL checks as the first request.
	client := *s.client
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxCertificateRedirects {
			return fmt.Errorf("certificate download: stopped after %d redirects", len(via))
		}
		_, err := s.checkURL(req.URL.String())
		return err
	}
	s.client = &client
	if s.ttl <= 0 {
		s.ttl = time.Hour
	}
	if s.now == nil {
		s.now = time.Now
	}
	for _, h := range cfg.AllowedHosts {
		s.hosts[strings.ToLower(h)] = struct{}{}
	}
	subjects := cfg.ExpectedSubjects
	if len(subjects) == 0 {
		subjects = DefaultCertificateSubjects
	}
	for _, sub := range subjects {
		s.subjects[strings.ToLower(sub)] = struct{}{}
	}

	s.breaker = circuitbreaker.New(circuitbreaker.Settings{
		Name:             "paypal-certificates",
		HalfOpenRequests: 1,
		OpenTimeout:      30 * time.Second,
		ReadyToTrip: func(c circuitbreaker.Counts) bool {
			return c.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to circuitbreaker.State) {
			logger.Warn("circuit breaker state changed", map[string]interface{}{
				"name": name,
				"from": from.String(),
				"to":   to.String(),
			})
		},
		Now: s.now,
	})
	return s
}

func (s *HTTPCertificateSource) Certificate(ctx context.Context, certURL string) (*x509.Certificate, error) {
	u, err := s.checkURL(certURL)
	if err != nil {
		return nil, err
	}
	key := u.String()

	now := s.now()
	s.mu.Lock()
	if c, ok := s.cache[key]; ok && now.Before(c.expires) {
		s.mu.Unlock()
		metrics.RecordCertificateFetch("cache")
		return c.cert, nil
	}
	s.mu.Unlock()

	chain, err := circuitbreaker.Do(ctx, s.breaker, func(ctx context.Context) ([]*x509.Certificate, error) {
		return s.fetch(ctx, key)
	})
	if err != nil {
		metrics.RecordCertificateFetch("error")
		return nil, fmt.Errorf("fetch certificate: %w", err)
	}
	metrics.RecordCertificateFetch("network")

	leaf, err := s.verifyChain(chain, now)
	if err != nil {
		s.logger.WarnContext(ctx, "provider certificate rejected", map[string]interface{}{
			"cert_url": key,
			"error":    err.Error(),
		})
		return nil, err
	}

	expires := now.Add(s.ttl)
	if leaf.NotAfter.Before(expires) {
		expires = leaf.NotAfter
	}
	s.mu.Lock()
	s.cache[key] = cachedCert{cert: leaf, expires: expires}
	s.mu.Unlock()

	return leaf, nil
}

func (s *HTTPCertificateSource) checkURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("certificate url: %w", err)
	}
	if u.Scheme != "https" {
		return nil, fmt.Errorf("certificate url %q: scheme must be https", raw)
	}
	if u.User != nil {
		return nil, fmt.Errorf("certificate url %q: credentials not allowed", raw)
	}
	if _, ok := s.hosts[strings.ToLower(u.Hostname())]; !ok {
		return nil, fmt.Errorf("certificate url %q: host %q is not allowed", raw, u.Hostname())
	}
	return u, nil
}

func (s *HTTPCertificateSource) fetch(ctx context.Context, certURL string) ([]*x509.Certificate, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, certURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("certificate download: unexpected status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxCertificateBytes))
	if err != nil {
		return nil, err
	}
	return parsePEMChain(raw)
}

func parsePEMChain(raw []byte) ([]*x509.Certificate, error) {
	var chain []*x509.Certificate
	for {
		var block *pem.Block
		block, raw = pem.Decode(raw)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse certificate: %w", err)
		}
		chain = append(chain, cert)
	}
	if len(chain) == 0 {
		return nil, errors.New("no certificate in response")
	}
	return chain, nil
}

func (s *HTTPCertificateSource) verifyChain(chain []*x509.Certificate, now time.Time) (*x509.Certificate, error) {
	leaf := chain[0]
	intermediates := x509.NewCertPool()
	for _, c := range chain[1:] {
		intermediates.AddCert(c)
	}

	opts := x509.VerifyOptions{
		Roots:         s.roots,
		Intermediates: intermediates,
		CurrentTime:   now,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}
	if _, err := leaf.Verify(opts); err != nil {
		return nil, fmt.Errorf("certificate chain: %w", err)
	}

	if _, ok := s.subjects[strings.ToLower(leaf.Subject.CommonName)]; ok {
		return leaf, nil
	}
	for _, name := range leaf.DNSNames {
		if _, ok := s.subjects[strings.ToLower(name)]; ok {
			return leaf, nil
		}
	}
	return nil, fmt.Errorf("certificate subject %q is not a provider signing certificate", leaf.Subject.CommonName)
}
