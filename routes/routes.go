// Package routes is the agent's HTTPS client for the CA's REST API.
package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/jmcleod/trustline/ssl"
)

// Prefix is the path under which the CA API is mounted.
const Prefix = "/puppet-ca/v1"

// maxBody bounds how much of a response is read.
const maxBody = 16 << 20

// ResponseError is returned for any non-2xx response.
type ResponseError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *ResponseError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return e.Message
}

func (e *ResponseError) Unwrap() error { return e.Err }

// IsStatus reports whether err is a ResponseError with the given status.
func IsStatus(err error, code int) bool {
	var re *ResponseError
	return errors.As(err, &re) && re.StatusCode == code
}

// Options configures a Client.
type Options struct {
	Server         string
	Port           int
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	// MaxRetries bounds retries of GET requests that fail before a response
	// is received.
	MaxRetries uint64
	Logger     *slog.Logger
}

// Client talks to https://<server>:<port>/puppet-ca/v1.
type Client struct {
	base           *url.URL
	host           string
	connectTimeout time.Duration
	readTimeout    time.Duration
	maxRetries     uint64
	logger         *slog.Logger
}

func New(opts Options) (*Client, error) {
	if opts.Server == "" {
		return nil, errors.New("routes: server is required")
	}
	port := opts.Port
	if port == 0 {
		port = 8140
	}
	base, err := url.Parse("https://" + net.JoinHostPort(opts.Server, strconv.Itoa(port)) + Prefix + "/")
	if err != nil {
		return nil, fmt.Errorf("routes: invalid server %q: %w", opts.Server, err)
	}
	c := &Client{
		base:           base,
		host:           opts.Server,
		connectTimeout: opts.ConnectTimeout,
		readTimeout:    opts.ReadTimeout,
		maxRetries:     opts.MaxRetries,
		logger:         opts.Logger,
	}
	if c.connectTimeout == 0 {
		c.connectTimeout = 2 * time.Minute
	}
	if c.readTimeout == 0 {
		c.readTimeout = 10 * time.Minute
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "routes")
	return c, nil
}

// BaseURL returns the API root, ending in a slash.
func (c *Client) BaseURL() string { return c.base.String() }

func (c *Client) httpClient(sslctx *ssl.Context) *http.Client {
	dialer := &net.Dialer{Timeout: c.connectTimeout}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSClientConfig:       sslctx.TLSConfig(c.host),
		TLSHandshakeTimeout:   c.connectTimeout,
		ResponseHeaderTimeout: c.readTimeout,
	}
	return &http.Client{Transport: otelhttp.NewTransport(transport)}
}

// url joins an already escaped path onto the API root.
func (c *Client) url(path string) string {
	return c.base.String() + path
}

// GetCertificate downloads name's certificate. "ca" returns the CA bundle.
func (c *Client) GetCertificate(ctx context.Context, name string, sslctx *ssl.Context, ifModifiedSince time.Time) ([]byte, error) {
	return c.get(ctx, "certificate/"+url.PathEscape(name), sslctx, ifModifiedSince)
}

// GetCRL downloads the CA's CRL bundle.
func (c *Client) GetCRL(ctx context.Context, sslctx *ssl.Context, ifModifiedSince time.Time) ([]byte, error) {
	return c.get(ctx, "certificate_revocation_list/ca", sslctx, ifModifiedSince)
}

// PutCertificateRequest submits a PEM CSR for name.
func (c *Client) PutCertificateRequest(ctx context.Context, name string, csrPEM []byte, sslctx *ssl.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.url("certificate_request/"+url.PathEscape(name)), bytes.NewReader(csrPEM))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("Accept", "text/plain")
	client := c.httpClient(sslctx)
	defer client.CloseIdleConnections()
	_, err = c.do(client, req)
	return err
}

// PostCertificateRenewal asks the CA to re-sign the client certificate in
// sslctx and returns the new certificate.
func (c *Client) PostCertificateRenewal(ctx context.Context, sslctx *ssl.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("certificate_renewal"), http.NoBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/plain")
	client := c.httpClient(sslctx)
	defer client.CloseIdleConnections()
	return c.do(client, req)
}

func (c *Client) get(ctx context.Context, path string, sslctx *ssl.Context, ifModifiedSince time.Time) ([]byte, error) {
	client := c.httpClient(sslctx)
	defer client.CloseIdleConnections()

	var body []byte
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(path), nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Accept", "text/plain")
		if !ifModifiedSince.IsZero() {
			req.Header.Set("If-Modified-Since", ifModifiedSince.UTC().Format(http.TimeFormat))
		}
		body, err = c.do(client, req)
		var re *ResponseError
		if errors.As(err, &re) {
			return backoff.Permanent(err)
		}
		return err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.maxRetries), ctx)
	notify := func(err error, d time.Duration) {
		c.logger.DebugContext(ctx, "Retrying request", "path", path, "delay", d, "error", err)
	}
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return nil, err
	}
	return body, nil
}

func (c *Client) do(client *http.Client, req *http.Request) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %q: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &ResponseError{StatusCode: resp.StatusCode, Message: errorMessage(resp, body)}
	}
	return body, nil
}

func errorMessage(resp *http.Response, body []byte) string {
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var payload struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
			return payload.Error
		}
	}
	if msg := strings.TrimSpace(string(body)); msg != "" {
		return msg
	}
	return resp.Status
}
