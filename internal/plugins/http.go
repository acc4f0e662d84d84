package plugins

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/chainrun/pkg/schema"
)

// HTTPConfig configures the http plugin.
type HTTPConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
	defaultMaxRedirects    = 10
)

var httpSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "method": {"type": "string"},
    "url": {"type": "string"},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "body": {},
    "body_encoding": {"type": "string", "enum": ["json", "form", "text", "raw"]},
    "auth": {
      "type": "object",
      "properties": {
        "type": {"type": "string", "enum": ["bearer", "basic", "api_key"]},
        "token": {"type": "string"},
        "username": {"type": "string"},
        "password": {"type": "string"},
        "header_name": {"type": "string"},
        "header_value": {"type": "string"}
      },
      "required": ["type"]
    },
    "timeout": {"type": "string"},
    "follow_redirects": {"type": "boolean"},
    "max_redirects": {"type": "integer", "minimum": 0},
    "tls_skip_verify": {"type": "boolean"},
    "fail_on_error_status": {"type": "boolean"}
  },
  "required": ["url"]
}`)

// httpPlugin performs HTTP requests. Operation "get" and "post" fix the method;
// "request" and "execute" take it from the method kwarg (default GET).
type httpPlugin struct {
	config HTTPConfig
}

// NewHTTPPlugin creates the http plugin.
func NewHTTPPlugin(cfg HTTPConfig) Plugin {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	return &httpPlugin{config: cfg}
}

func (p *httpPlugin) Name() string { return "http" }

func (p *httpPlugin) Schema() Schema {
	return Schema{
		Description: "Execute an HTTP request with control over method, headers, body, auth and redirects",
		Operations:  []string{schema.DefaultOperation, "request", "get", "post"},
		InputSchema: httpSchema,
	}
}

func (p *httpPlugin) Invoke(ctx context.Context, req Request) (any, error) {
	kw := req.Kwargs
	if kw == nil {
		kw = map[string]any{}
	}

	var method string
	switch req.Operation {
	case "", schema.DefaultOperation, "request":
		method = strings.ToUpper(stringParam(kw, "method", http.MethodGet))
	case "get":
		method = http.MethodGet
	case "post":
		method = http.MethodPost
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "http: unknown operation %q", req.Operation)
	}

	rawURL := stringParam(kw, "url", "")
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "http: invalid url %q", rawURL)
	}

	timeout := p.config.DefaultTimeout
	if ts := stringParam(kw, "timeout", ""); ts != "" {
		d, err := time.ParseDuration(ts)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "http: invalid timeout %q", ts).WithCause(err)
		}
		timeout = d
	}

	body, contentType, err := encodeBody(kw)
	if err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, method, rawURL, body)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "http: failed to create request").WithCause(err)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if hm, ok := kw["headers"].(map[string]any); ok {
		for k, v := range hm {
			httpReq.Header.Set(k, fmt.Sprintf("%v", v))
		}
	}
	if auth, ok := kw["auth"].(map[string]any); ok {
		applyAuth(httpReq, auth)
	}

	start := time.Now()
	resp, err := p.client(kw).Do(httpReq)
	durationMs := time.Since(start).Milliseconds()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "http: request failed: %v", err).WithCause(err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, p.config.MaxResponseBody))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "http: failed to read response body").WithCause(err)
	}

	respContentType := resp.Header.Get("Content-Type")
	respHeaders := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}
	result := map[string]any{
		"status_code":  resp.StatusCode,
		"status":       resp.Status,
		"headers":      respHeaders,
		"body":         decodeResponseBody(bodyBytes, respContentType),
		"content_type": respContentType,
		"duration_ms":  durationMs,
	}

	if boolParam(kw, "fail_on_error_status", false) && resp.StatusCode >= 400 {
		// 4xx will not improve on retry; 5xx may.
		code := schema.ErrCodeValidation
		if resp.StatusCode >= 500 {
			code = schema.ErrCodeExecution
		}
		return nil, schema.NewErrorf(code, "http: server returned %d", resp.StatusCode).WithDetails(result)
	}
	return result, nil
}

// client builds a fresh client per request so redirect and TLS settings never
// leak between steps.
func (p *httpPlugin) client(kw map[string]any) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if boolParam(kw, "tls_skip_verify", false) {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	client := &http.Client{Transport: transport}

	if !boolParam(kw, "follow_redirects", true) {
		client.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
		return client
	}
	limit := intParam(kw, "max_redirects", defaultMaxRedirects)
	client.CheckRedirect = func(_ *http.Request, via []*http.Request) error {
		if len(via) >= limit {
			return fmt.Errorf("stopped after %d redirects", limit)
		}
		return nil
	}
	return client
}

func encodeBody(kw map[string]any) (io.Reader, string, error) {
	raw, ok := kw["body"]
	if !ok || raw == nil {
		return nil, "", nil
	}
	switch stringParam(kw, "body_encoding", "json") {
	case "form":
		form, ok := raw.(map[string]any)
		if !ok {
			return nil, "", schema.NewError(schema.ErrCodeValidation, "http: form body must be an object")
		}
		vals := url.Values{}
		for k, v := range form {
			vals.Set(k, fmt.Sprintf("%v", v))
		}
		return strings.NewReader(vals.Encode()), "application/x-www-form-urlencoded", nil
	case "text":
		return strings.NewReader(fmt.Sprintf("%v", raw)), "text/plain", nil
	case "raw":
		return strings.NewReader(fmt.Sprintf("%v", raw)), "", nil
	default:
		b, err := json.Marshal(raw)
		if err != nil {
			return nil, "", schema.NewError(schema.ErrCodeValidation, "http: body is not JSON encodable").WithCause(err)
		}
		return bytes.NewReader(b), "application/json", nil
	}
}

func applyAuth(req *http.Request, auth map[string]any) {
	switch stringParam(auth, "type", "") {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+stringParam(auth, "token", ""))
	case "basic":
		req.SetBasicAuth(stringParam(auth, "username", ""), stringParam(auth, "password", ""))
	case "api_key":
		if name := stringParam(auth, "header_name", ""); name != "" {
			req.Header.Set(name, stringParam(auth, "header_value", ""))
		}
	}
}

// decodeResponseBody parses JSON bodies and returns everything else as text.
func decodeResponseBody(data []byte, contentType string) any {
	if len(data) == 0 {
		return nil
	}
	if strings.Contains(contentType, "application/json") {
		var v any
		if err := json.Unmarshal(data, &v); err == nil {
			return v
		}
	}
	return string(data)
}

func stringParam(m map[string]any, key, defaultVal string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return defaultVal
}

func boolParam(m map[string]any, key string, defaultVal bool) bool {
	if b, ok := m[key].(bool); ok {
		return b
	}
	return defaultVal
}

func intParam(m map[string]any, key string, defaultVal int) int {
	switch n := m[key].(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i)
		}
	}
	return defaultVal
}
