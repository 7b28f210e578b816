package relay

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
)

// Transport performs one delivery attempt of an encoded envelope. A nil
// error means the collector acknowledged the envelope.
type Transport interface {
	Deliver(ctx context.Context, body []byte) error
	Close() error
}

// StatusError is returned when the relay answered outside the 2xx range.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("bad status: %d", e.Code)
}

type HTTPOptions struct {
	Endpoint           string
	Token              string
	InsecureSkipVerify bool
}

// HTTPTransport posts envelopes as JSON to the relay endpoint.
type HTTPTransport struct {
	endpoint string
	client   *http.Client
	token    string
}

func NewHTTPTransport(o HTTPOptions) *HTTPTransport {
	tlsCfg := &tls.Config{
		InsecureSkipVerify: o.InsecureSkipVerify,
	}
	return &HTTPTransport{
		endpoint: o.Endpoint,
		token:    o.Token,
		client: &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: tlsCfg,
				Proxy:           http.ProxyFromEnvironment,
			},
		},
	}
}

func (t *HTTPTransport) Deliver(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}
	req.Header.Set("X-Correlation-ID", uuid.NewString())

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", t.endpoint, err)
	}
	// drain so the connection can be reused
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}

func (t *HTTPTransport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}
