package bitrix

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

	"golang.org/x/time/rate"
)

var ErrEmptyMethod = errors.New("bitrix: method is empty")

// Caller is the single CRM round trip every fetch goes through.
type Caller interface {
	Call(ctx context.Context, method string, params map[string]any) (*Response, error)
}

// Response is the CRM envelope. Result is either a flat array, an object with
// "items", or a single record depending on the method.
type Response struct {
	Result           json.RawMessage `json:"result"`
	Next             *int            `json:"next,omitempty"`
	Total            *int            `json:"total,omitempty"`
	Error            string          `json:"error,omitempty"`
	ErrorDescription string          `json:"error_description,omitempty"`
}

type APIError struct {
	Method      string
	StatusCode  int
	Code        string
	Description string
}

func (e *APIError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("bitrix %s: %s (%s)", e.Method, e.Code, e.Description)
	}
	return fmt.Sprintf("bitrix %s: %s", e.Method, e.Code)
}

// Client talks to an inbound webhook URL such as https://portal.bitrix24.ru/rest/1/<token>.
type Client struct {
	webhookURL string
	http       *http.Client
	limiter    *rate.Limiter
}

func NewClient(webhookURL string, ratePerSecond float64) (*Client, error) {
	webhookURL = strings.TrimRight(strings.TrimSpace(webhookURL), "/")
	if webhookURL == "" {
		return nil, errors.New("bitrix webhook url is empty")
	}
	if ratePerSecond <= 0 {
		ratePerSecond = 2
	}
	burst := int(ratePerSecond)
	if burst < 1 {
		burst = 1
	}
	return &Client{
		webhookURL: webhookURL,
		http:       &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(ratePerSecond), burst),
	}, nil
}

func (c *Client) Call(ctx context.Context, method string, params map[string]any) (*Response, error) {
	method = strings.TrimSpace(method)
	if method == "" {
		return nil, ErrEmptyMethod
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	if params == nil {
		params = map[string]any{}
	}
	payload, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("bitrix %s: encode params: %w", method, err)
	}

	endpoint := fmt.Sprintf("%s/%s.json", c.webhookURL, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bitrix %s: %w", method, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	var parsed Response
	if err := json.Unmarshal(body, &parsed); err != nil {
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, &APIError{Method: method, StatusCode: resp.StatusCode, Code: http.StatusText(resp.StatusCode), Description: strings.TrimSpace(string(body))}
		}
		return nil, fmt.Errorf("bitrix %s: decode response: %w", method, err)
	}
	if parsed.Error != "" {
		return nil, &APIError{Method: method, StatusCode: resp.StatusCode, Code: parsed.Error, Description: parsed.ErrorDescription}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{Method: method, StatusCode: resp.StatusCode, Code: http.StatusText(resp.StatusCode)}
	}
	return &parsed, nil
}
