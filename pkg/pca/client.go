package pca

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Endpoint is a Privacy CA operation.
type Endpoint string

const (
	// EndpointEnroll certifies an identity key.
	EndpointEnroll Endpoint = "enroll"
	// EndpointSign certifies a key created under an identity.
	EndpointSign Endpoint = "sign"
)

// ContentType is the media type of every protocol record.
const ContentType = "application/cbor"

const maxResponseSize = 1 << 20

// ErrResponseTooLarge is returned when an authority sends more than
// maxResponseSize bytes.
var ErrResponseTooLarge = errors.New("pca response too large")

// Transport delivers an encoded request to an authority and returns the
// encoded response.
type Transport interface {
	RoundTrip(ctx context.Context, authority Authority, endpoint Endpoint, request []byte) ([]byte, error)
}

// HTTPTransport posts requests to <authority.URL>/<endpoint>.
type HTTPTransport struct {
	httpClient *http.Client
}

// NewHTTPTransport creates a transport. A nil client gets a default client
// with a one minute timeout.
func NewHTTPTransport(httpClient *http.Client) *HTTPTransport {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: time.Minute}
	}
	return &HTTPTransport{httpClient: httpClient}
}

// RoundTrip posts request and returns the response body.
func (t *HTTPTransport) RoundTrip(ctx context.Context, authority Authority, endpoint Endpoint, request []byte) ([]byte, error) {
	path, err := url.JoinPath(authority.URL, string(endpoint))
	if err != nil {
		return nil, fmt.Errorf("create %s URL: %w", endpoint, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, path, bytes.NewReader(request))
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", endpoint, err)
	}
	req.Header.Set("Content-Type", ContentType)
	req.Header.Set("Accept", ContentType)
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send %s request: %w", endpoint, err)
	}
	defer resp.Body.Close() //nolint:errcheck // ignore error

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("non-200 response from pca %s: %d", authority.Type, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response body: %w", endpoint, err)
	}
	if len(body) > maxResponseSize {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrResponseTooLarge, endpoint, maxResponseSize)
	}
	return body, nil
}
