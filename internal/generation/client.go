package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Image is one generated image.
type Image struct {
	URL string `json:"url"`
}

// Output is what the AI service returns for a successful generation.
type Output struct {
	Images []Image `json:"images"`
	Model  string  `json:"model,omitempty"`
}

// Client calls the external image generation service over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient returns a client for baseURL. Deadlines come from the per-call context.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 120 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), httpClient: httpClient}
}

type generateBody struct {
	Prompt     string   `json:"prompt"`
	Tier       string   `json:"tier"`
	Resolution string   `json:"resolution"`
	AddOns     []string `json:"add_ons,omitempty"`
	N          int      `json:"n"`
}

func (c *Client) Generate(ctx context.Context, secret string, req Request) (*Output, error) {
	n := req.Count
	if n == 0 {
		n = 1
	}
	payload, err := json.Marshal(generateBody{
		Prompt: req.Prompt, Tier: req.Tier, Resolution: req.Resolution, AddOns: req.AddOns, N: n,
	})
	if err != nil {
		return nil, fmt.Errorf("encode generation request: %w", err)
	}
	body, err := c.do(ctx, http.MethodPost, "/v1/images/generations", secret, payload)
	if err != nil {
		return nil, err
	}
	var out Output
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, &ExternalServiceError{Kind: KindUnknown, Err: fmt.Errorf("invalid response JSON: %w", err)}
	}
	if len(out.Images) == 0 {
		return nil, &ExternalServiceError{Kind: KindUnknown, Err: errors.New("response contained no images")}
	}
	return &out, nil
}

// Ping makes the cheapest authenticated call the service offers.
func (c *Client) Ping(ctx context.Context, secret string) error {
	_, err := c.do(ctx, http.MethodGet, "/v1/models", secret, nil)
	return err
}

func (c *Client) do(ctx context.Context, method, path, secret string, payload []byte) ([]byte, error) {
	var rd io.Reader
	if payload != nil {
		rd = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+secret)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}
	if err := classifyStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}

func classifyTransportError(ctx context.Context, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return &ExternalServiceError{Kind: KindCancelled, Err: err}
	case errors.Is(ctx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return &ExternalServiceError{Kind: KindTimeout, Err: err}
	default:
		return &ExternalServiceError{Kind: KindTransient, Err: err}
	}
}

var safetyCodes = map[string]bool{
	"content_policy_violation": true,
	"safety_rejected":          true,
	"moderation_blocked":       true,
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func classifyStatus(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	var eb errorBody
	_ = json.Unmarshal(body, &eb)
	detail := fmt.Errorf("status %d: %s", status, eb.Error.Message)
	if eb.Error.Code != "" {
		detail = fmt.Errorf("status %d (%s): %s", status, eb.Error.Code, eb.Error.Message)
	}
	switch {
	case status == http.StatusBadRequest && safetyCodes[eb.Error.Code]:
		return &ExternalServiceError{Kind: KindSafetyRejected, Err: detail}
	case status == http.StatusTooManyRequests:
		return &ExternalServiceError{Kind: KindQuotaExceeded, Err: detail}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &ExternalServiceError{Kind: KindUnauthorized, Err: detail}
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return &ExternalServiceError{Kind: KindTimeout, Err: detail}
	case status >= 500:
		return &ExternalServiceError{Kind: KindTransient, Err: detail}
	default:
		return &ExternalServiceError{Kind: KindUnknown, Err: detail}
	}
}
