// Package client calls the local attestation API.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/DIMO-Network/tpm-attestation/internal/app"
	"github.com/DIMO-Network/tpm-attestation/pkg/attestation"
)

// NewHTTPClient returns the client used to reach the daemon. insecure skips
// certificate verification of a TLS endpoint with a self-signed certificate.
func NewHTTPClient(insecure bool) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}
	return &http.Client{Transport: transport, Timeout: 2 * time.Minute}
}

// APIError is a non-2xx response of the API.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("attestation api error %d: %s", e.Code, e.Message)
}

// Client is an attestation API client.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// New creates a client for the API at baseURL. A nil httpClient uses
// NewHTTPClient(false).
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = NewHTTPClient(false)
	}
	return &Client{httpClient: httpClient, baseURL: baseURL}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	target, err := url.JoinPath(c.baseURL, path)
	if err != nil {
		return fmt.Errorf("create api URL: %w", err)
	}
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	var body io.Reader
	if in != nil {
		reqBytes, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(reqBytes)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // ignore error

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Code: resp.StatusCode}
		if json.Unmarshal(bodyBytes, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	if out == nil || len(bodyBytes) == 0 {
		return nil
	}
	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

func userQuery(username string) url.Values {
	if username == "" {
		return nil
	}
	return url.Values{"user": {username}}
}

func pcaQuery(pca string) url.Values {
	if pca == "" {
		return nil
	}
	return url.Values{"pca": {pca}}
}

// Status returns the attestation status.
func (c *Client) Status(ctx context.Context, extended bool) (*attestation.Status, error) {
	var status attestation.Status
	query := url.Values{"extended": {strconv.FormatBool(extended)}}
	if err := c.do(ctx, http.MethodGet, "/v1/status", query, nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Prepare creates the enrollment identity.
func (c *Client) Prepare(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/enrollment/prepare", nil, nil, nil)
}

// StartEnrollment starts a background enrollment with pca.
func (c *Client) StartEnrollment(ctx context.Context, pca string) (*app.TaskResponse, error) {
	var task app.TaskResponse
	if err := c.do(ctx, http.MethodPost, "/v1/enrollment", pcaQuery(pca), nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// Task returns the latest background task.
func (c *Client) Task(ctx context.Context) (*app.TaskResponse, error) {
	var task app.TaskResponse
	if err := c.do(ctx, http.MethodGet, "/v1/enrollment/task", nil, nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// WaitTask polls the latest task every interval until it is done.
func (c *Client) WaitTask(ctx context.Context, interval time.Duration) (*app.TaskResponse, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		task, err := c.Task(ctx)
		if err != nil {
			return nil, err
		}
		if task.Done {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// CreateEnrollRequest returns an encoded enrollment request for pca.
func (c *Client) CreateEnrollRequest(ctx context.Context, pca string) ([]byte, error) {
	var resp app.EncodedResponse
	if err := c.do(ctx, http.MethodPost, "/v1/enrollment/request", pcaQuery(pca), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Request, nil
}

// FinishEnroll consumes an encoded enrollment response from pca.
func (c *Client) FinishEnroll(ctx context.Context, pca string, response []byte) error {
	return c.do(ctx, http.MethodPost, "/v1/enrollment/response", nil, app.EnrollRequest{PCA: pca, Response: response}, nil)
}

// EnrollmentID returns the enterprise enrollment id.
func (c *Client) EnrollmentID(ctx context.Context, ignoreCache bool) ([]byte, error) {
	var resp app.EnrollmentIDResponse
	query := url.Values{"ignoreCache": {strconv.FormatBool(ignoreCache)}}
	if err := c.do(ctx, http.MethodGet, "/v1/enrollment/id", query, nil, &resp); err != nil {
		return nil, err
	}
	return resp.EnrollmentID, nil
}

// Certificate returns the PEM chain of a certified key, obtaining it when
// needed.
func (c *Client) Certificate(ctx context.Context, req app.CertificateRequest) (string, error) {
	var resp app.CertificateResponse
	if err := c.do(ctx, http.MethodPost, "/v1/certificates", nil, req, &resp); err != nil {
		return "", err
	}
	return resp.CertificateChain, nil
}

// CreateCertRequest returns an encoded certificate request.
func (c *Client) CreateCertRequest(ctx context.Context, req app.CertificateRequest) ([]byte, error) {
	var resp app.EncodedResponse
	if err := c.do(ctx, http.MethodPost, "/v1/certificates/request", nil, req, &resp); err != nil {
		return nil, err
	}
	return resp.Request, nil
}

// FinishCertRequest consumes an encoded certificate response.
func (c *Client) FinishCertRequest(ctx context.Context, req app.FinishCertificateRequest) (string, error) {
	var resp app.CertificateResponse
	if err := c.do(ctx, http.MethodPost, "/v1/certificates/response", nil, req, &resp); err != nil {
		return "", err
	}
	return resp.CertificateChain, nil
}

// KeyInfo describes a key.
func (c *Client) KeyInfo(ctx context.Context, username, keyName string) (*attestation.KeyInfo, error) {
	var info attestation.KeyInfo
	if err := c.do(ctx, http.MethodGet, "/v1/keys/"+url.PathEscape(keyName), userQuery(username), nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// SetKeyPayload attaches payload to a key.
func (c *Client) SetKeyPayload(ctx context.Context, username, keyName string, payload []byte) error {
	return c.do(ctx, http.MethodPut, "/v1/keys/"+url.PathEscape(keyName)+"/payload", userQuery(username), app.PayloadRequest{Payload: payload}, nil)
}

// DeleteKey removes a key.
func (c *Client) DeleteKey(ctx context.Context, username, keyName string) error {
	return c.do(ctx, http.MethodDelete, "/v1/keys/"+url.PathEscape(keyName), userQuery(username), nil, nil)
}

// DeleteKeys removes every key whose name starts with prefix.
func (c *Client) DeleteKeys(ctx context.Context, username, prefix string) error {
	query := url.Values{"prefix": {prefix}}
	if username != "" {
		query.Set("user", username)
	}
	return c.do(ctx, http.MethodDelete, "/v1/keys", query, nil, nil)
}

// RegisterKey hands a user key to the user's token.
func (c *Client) RegisterKey(ctx context.Context, username, keyName string) error {
	return c.do(ctx, http.MethodPost, "/v1/keys/"+url.PathEscape(keyName)+"/register", userQuery(username), nil, nil)
}

// SignSimpleChallenge signs challenge with a key.
func (c *Client) SignSimpleChallenge(ctx context.Context, username, keyName string, challenge []byte) ([]byte, error) {
	var resp app.SignedResponse
	path := "/v1/keys/" + url.PathEscape(keyName) + "/challenges/simple"
	if err := c.do(ctx, http.MethodPost, path, userQuery(username), app.SimpleChallengeRequest{Challenge: challenge}, &resp); err != nil {
		return nil, err
	}
	return resp.Response, nil
}

// SignEnterpriseChallenge answers an enterprise challenge with a key.
func (c *Client) SignEnterpriseChallenge(ctx context.Context, username, keyName string, req app.EnterpriseChallengeRequest) ([]byte, error) {
	var resp app.SignedResponse
	path := "/v1/keys/" + url.PathEscape(keyName) + "/challenges/enterprise"
	if err := c.do(ctx, http.MethodPost, path, userQuery(username), req, &resp); err != nil {
		return nil, err
	}
	return resp.Response, nil
}

// EndorsementInfo returns the endorsement key and certificate.
func (c *Client) EndorsementInfo(ctx context.Context) (*attestation.EndorsementInfo, error) {
	var info attestation.EndorsementInfo
	if err := c.do(ctx, http.MethodGet, "/v1/endorsement", nil, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// AttestationKeyInfo describes the identity key enrolled with pca.
func (c *Client) AttestationKeyInfo(ctx context.Context, pca string) (*attestation.AttestationKeyInfo, error) {
	var info attestation.AttestationKeyInfo
	if err := c.do(ctx, http.MethodGet, "/v1/identity", pcaQuery(pca), nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Verify runs the verification checks.
func (c *Client) Verify(ctx context.Context, ekOnly, crosCore bool) (bool, error) {
	var resp app.VerifyResponse
	if err := c.do(ctx, http.MethodPost, "/v1/verify", nil, app.VerifyRequest{EKOnly: ekOnly, CrosCore: crosCore}, &resp); err != nil {
		return false, err
	}
	return resp.Verified, nil
}
