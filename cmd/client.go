package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mcp-router/gateway/internal/apperr"
)

// apiClient is the CLI's HTTP collaborator against a running `mcpr serve`
// instance — the CLI never talks to any internal package directly, matching
// spec §6's "thin external collaborator" framing.
type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newAPIClient() *apiClient {
	return &apiClient{
		baseURL: fmt.Sprintf("http://%s:%d", flagHost, flagPort),
		token:   flagToken,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// do sends method/path with an optional JSON body and decodes a JSON
// response into out (if non-nil). Non-2xx responses are translated into an
// apperr carrying the server's reported kind, via the status code the same
// statusForKind table in internal/httpapi maps to, inverted.
func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return apperr.Internalf("encode request body: %v", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return apperr.Internalf("build request: %v", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return apperr.Transportf("router unreachable at %s: %v", c.baseURL, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperr.Transportf("read response: %v", err)
	}

	if resp.StatusCode >= 300 {
		return apperr.Wrap(kindForStatus(resp.StatusCode), fmt.Errorf("%s", raw), fmt.Sprintf("router returned %d", resp.StatusCode))
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return apperr.Internalf("decode response: %v", err)
	}
	return nil
}

// kindForStatus inverts internal/httpapi's statusForKind, for a CLI error to
// carry the same apperr.Kind the serving process assigned it.
func kindForStatus(status int) apperr.Kind {
	switch status {
	case http.StatusBadRequest:
		return apperr.Validation
	case http.StatusUnauthorized:
		return apperr.Unauthenticated
	case http.StatusForbidden:
		return apperr.Forbidden
	case http.StatusNotFound:
		return apperr.NotFound
	case http.StatusConflict:
		return apperr.Conflict
	case http.StatusServiceUnavailable:
		return apperr.Capacity
	case http.StatusGatewayTimeout:
		return apperr.Timeout
	case http.StatusBadGateway:
		return apperr.Transport
	default:
		return apperr.Internal
	}
}
