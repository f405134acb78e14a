package license

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"isxlicense/pkg/contracts"
	"isxlicense/pkg/contracts/domain"
)

// Remote is the license server as the client sees it.
type Remote interface {
	Activate(ctx context.Context, req domain.ActivationRequest) (*domain.ActivationResponse, error)
	Validate(ctx context.Context, req domain.ValidationRequest) (*domain.ValidationResponse, error)
	Deactivate(ctx context.Context, req domain.DeactivateRequest) (*domain.DeactivateResponse, error)
	FetchCRL(ctx context.Context) (*domain.CRLResponse, error)
}

// RemoteClient talks JSON over HTTP to the license server.
type RemoteClient struct {
	baseURL string
	client  *http.Client
}

// NewRemoteClient returns a client for the server at baseURL. timeout
// bounds every request.
func NewRemoteClient(baseURL string, timeout time.Duration) *RemoteClient {
	return &RemoteClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// Activate calls POST /api/license/activate.
func (c *RemoteClient) Activate(ctx context.Context, req domain.ActivationRequest) (*domain.ActivationResponse, error) {
	var resp domain.ActivationResponse
	if err := c.do(ctx, http.MethodPost, "/api/license/activate", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Validate calls POST /api/license/validate.
func (c *RemoteClient) Validate(ctx context.Context, req domain.ValidationRequest) (*domain.ValidationResponse, error) {
	var resp domain.ValidationResponse
	if err := c.do(ctx, http.MethodPost, "/api/license/validate", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Deactivate calls POST /api/license/deactivate.
func (c *RemoteClient) Deactivate(ctx context.Context, req domain.DeactivateRequest) (*domain.DeactivateResponse, error) {
	var resp domain.DeactivateResponse
	if err := c.do(ctx, http.MethodPost, "/api/license/deactivate", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// FetchCRL calls GET /api/license/crl.
func (c *RemoteClient) FetchCRL(ctx context.Context) (*domain.CRLResponse, error) {
	var resp domain.CRLResponse
	if err := c.do(ctx, http.MethodGet, "/api/license/crl", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

type problem struct {
	Title     string `json:"title"`
	Detail    string `json:"detail"`
	ErrorCode string `json:"error_code"`
}

func (c *RemoteClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "isx-license-agent/"+contracts.Version)
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrServerUnreachable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrServerUnreachable, err)
	}

	if resp.StatusCode >= 400 {
		var p problem
		_ = json.Unmarshal(data, &p)
		remoteErr := &RemoteError{StatusCode: resp.StatusCode, Code: p.ErrorCode, Detail: p.Detail}
		if remoteErr.Detail == "" {
			remoteErr.Detail = p.Title
		}
		// Overload and outages are transient, like a dropped connection.
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("%w: %w", ErrServerUnreachable, remoteErr)
		}
		return remoteErr
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrServerUnreachable, err)
	}
	return nil
}
