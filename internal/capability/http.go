package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/itchyny/gojq"
)

// HTTPCapability posts the Input as JSON to a remote endpoint and decodes the
// JSON response, optionally narrowed by a jq expression.
type HTTPCapability struct {
	url     string
	method  string
	headers map[string]string
	query   *gojq.Code
	client  *http.Client
}

// NewHTTP creates an HTTP capability. ResultQuery is compiled once here.
func NewHTTP(cfg Config) (*HTTPCapability, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("http capability needs a url")
	}
	method := cfg.Method
	if method == "" {
		method = http.MethodPost
	}

	c := &HTTPCapability{
		url:     cfg.URL,
		method:  method,
		headers: cfg.Headers,
		client:  &http.Client{},
	}

	if cfg.ResultQuery != "" {
		q, err := gojq.Parse(cfg.ResultQuery)
		if err != nil {
			return nil, fmt.Errorf("failed to parse result query %q: %w", cfg.ResultQuery, err)
		}
		code, err := gojq.Compile(q)
		if err != nil {
			return nil, fmt.Errorf("failed to compile result query %q: %w", cfg.ResultQuery, err)
		}
		c.query = code
	}

	return c, nil
}

// Evaluate performs one request. The request is bound to ctx.
func (c *HTTPCapability) Evaluate(ctx context.Context, in Input) (Output, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return Output{}, fmt.Errorf("failed to encode input: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, c.method, c.url, bytes.NewReader(payload))
	if err != nil {
		return Output{}, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Output{}, fmt.Errorf("request to %s failed: %w", c.url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Output{}, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Output{}, fmt.Errorf("%s returned %d: %s", c.url, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return Output{Text: strings.TrimSpace(string(body))}, nil
	}

	if c.query == nil {
		return outputFrom(doc), nil
	}

	iter := c.query.RunWithContext(ctx, doc)
	v, ok := iter.Next()
	if !ok {
		return Output{}, fmt.Errorf("result query produced no value")
	}
	if err, isErr := v.(error); isErr {
		return Output{}, fmt.Errorf("result query failed: %w", err)
	}
	return outputFrom(v), nil
}
