// Package api is the harness's client for the controller's REST API.
package api

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	back "github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/determined-ai/determined/harness/internal/prom"
)

const (
	// DefaultMaxRetries bounds the number of retries of one request.
	DefaultMaxRetries = 5
	defaultInterval   = 500 * time.Millisecond
	defaultMaxWait    = 10 * time.Second
	maxErrorBody      = 4096
)

// Session is an authenticated handle to the controller. A Session is immutable once built and is
// safe to share between the goroutines of a worker process.
type Session struct {
	base       *url.URL
	token      string
	client     *http.Client
	maxRetries uint64
	interval   time.Duration
	maxWait    time.Duration
	log        *log.Entry
}

// Option configures a Session.
type Option func(*Session) error

// WithMaxRetries sets how many times a failed request is retried.
func WithMaxRetries(n uint64) Option {
	return func(s *Session) error {
		s.maxRetries = n
		return nil
	}
}

// WithBackoff sets the initial and maximum wait between retries.
func WithBackoff(initial, max time.Duration) Option {
	return func(s *Session) error {
		if initial <= 0 || max < initial {
			return errors.Errorf("invalid backoff bounds %s..%s", initial, max)
		}
		s.interval, s.maxWait = initial, max
		return nil
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Session) error {
		s.client = c
		return nil
	}
}

// WithCert trusts the PEM bundle at certFile for TLS connections to the controller, optionally
// verifying against serverName instead of the host in the URL.
func WithCert(certFile, serverName string) Option {
	return func(s *Session) error {
		pem, err := os.ReadFile(certFile) // #nosec G304
		if err != nil {
			return errors.Wrap(err, "reading master certificate")
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return errors.Errorf("no certificates found in %s", certFile)
		}
		transport := cleanhttp.DefaultPooledTransport()
		transport.TLSClientConfig = &tls.Config{
			RootCAs:    pool,
			ServerName: serverName,
			MinVersion: tls.VersionTLS12,
		}
		s.client = &http.Client{Transport: transport}
		return nil
	}
}

// NewSession builds a Session for the controller at masterURL, authenticating with token.
func NewSession(masterURL, token string, opts ...Option) (*Session, error) {
	base, err := url.Parse(masterURL)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing master url %q", masterURL)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, errors.Errorf("master url %q must include a scheme and a host", masterURL)
	}
	s := &Session{
		base:       base,
		token:      token,
		client:     cleanhttp.DefaultPooledClient(),
		maxRetries: DefaultMaxRetries,
		interval:   defaultInterval,
		maxWait:    defaultMaxWait,
		log:        log.WithField("component", "session"),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// MasterURL returns the base URL of the controller.
func (s *Session) MasterURL() string {
	return s.base.String()
}

// Get issues a GET request and decodes the JSON response into out, if out is non-nil.
func (s *Session) Get(ctx context.Context, path string, query url.Values, out interface{}) error {
	return s.Do(ctx, http.MethodGet, path, query, nil, out)
}

// Post issues a POST request with in encoded as JSON and decodes the response into out.
func (s *Session) Post(ctx context.Context, path string, in, out interface{}) error {
	return s.Do(ctx, http.MethodPost, path, nil, in, out)
}

func (s *Session) backoff(ctx context.Context) back.BackOff {
	bf := back.NewExponentialBackOff()
	bf.InitialInterval = s.interval
	bf.MaxInterval = s.maxWait
	bf.MaxElapsedTime = 0
	return back.WithContext(back.WithMaxRetries(bf, s.maxRetries), ctx)
}

// Do issues a request, retrying transient failures with exponential backoff. Connection errors
// and 5xx/429 responses are retried; other 4xx responses fail immediately with an *APIError. Once
// retries are exhausted a *FatalConnectivityError is returned.
func (s *Session) Do(
	ctx context.Context, method, path string, query url.Values, in, out interface{},
) error {
	var body []byte
	if in != nil {
		bs, err := json.Marshal(in)
		if err != nil {
			return errors.Wrapf(err, "encoding %s %s", method, path)
		}
		body = bs
	}

	target := s.base.JoinPath(path)
	target.RawQuery = query.Encode()

	attempts := 0
	op := func() error {
		attempts++
		err := s.attempt(ctx, method, path, target.String(), body, out, attempts)
		outcome := "ok"
		var transient *TransientNetworkError
		switch {
		case errors.As(err, &transient):
			outcome = "transient"
		case err != nil:
			outcome = "error"
		}
		prom.APIRequests.WithLabelValues(method, outcome).Inc()
		return err
	}
	notify := func(err error, wait time.Duration) {
		s.log.WithError(err).Debugf("retrying %s %s in %s", method, path, wait)
	}

	err := back.RetryNotify(op, s.backoff(ctx), notify)
	var transient *TransientNetworkError
	if errors.As(err, &transient) {
		return &FatalConnectivityError{Attempts: attempts, Err: transient}
	}
	return err
}

func (s *Session) attempt(
	ctx context.Context, method, path, target string, body []byte, out interface{}, attempt int,
) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return back.Permanent(errors.Wrap(err, "building request"))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return back.Permanent(ctx.Err())
		}
		return &TransientNetworkError{Method: method, Path: path, Attempt: attempt, Err: err}
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			s.log.WithError(err).Warn("failed to close response body")
		}
	}()

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return &TransientNetworkError{
			Method: method, Path: path, Attempt: attempt, StatusCode: resp.StatusCode,
			Err: fmt.Errorf("request returned %v", resp.StatusCode),
		}
	case resp.StatusCode >= 400:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return back.Permanent(&APIError{
			Method: method, Path: path, StatusCode: resp.StatusCode,
			Message: strings.TrimSpace(string(msg)),
		})
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return back.Permanent(errors.Wrapf(err, "decoding response of %s %s", method, path))
	}
	return nil
}
