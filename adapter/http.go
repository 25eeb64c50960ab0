package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/loomworks/loom/errs"
	"github.com/loomworks/loom/registry"
	"github.com/loomworks/loom/secrets"
)

// httpClient traces outbound tool calls.
var httpClient = &http.Client{
	Timeout:   30 * time.Second,
	Transport: otelhttp.NewTransport(http.DefaultTransport),
}

// HTTPAdapter executes a tool described by a registry entry: endpoint,
// method, headers, and a JSON-Schema-ish parameters block with defaults.
type HTTPAdapter struct {
	entry   *registry.Entry
	secrets secrets.Provider
}

var _ Adapter = (*HTTPAdapter)(nil)

// NewHTTPAdapter wraps a registry tool entry.
func NewHTTPAdapter(entry *registry.Entry, secretsProvider secrets.Provider) *HTTPAdapter {
	return &HTTPAdapter{entry: entry, secrets: secretsProvider}
}

func (a *HTTPAdapter) ID() string                { return a.entry.Name }
func (a *HTTPAdapter) Manifest() *registry.Entry { return a.entry }

func (a *HTTPAdapter) Execute(ctx context.Context, tool string, args map[string]any) (map[string]any, error) {
	if a.entry.Endpoint == "" {
		return nil, errs.Adapter("tool %q has no endpoint", a.entry.Name)
	}

	// Work on a copy: path-parameter substitution consumes args.
	inputs := make(map[string]any, len(args))
	for k, v := range args {
		inputs[k] = v
	}
	injectDefaults(a.entry.Parameters, inputs)

	endpoint, err := a.fillPathParams(inputs)
	if err != nil {
		return nil, err
	}

	method := strings.ToUpper(a.entry.Method)
	if method == "" {
		method = http.MethodPost
	}

	var req *http.Request
	switch method {
	case http.MethodGet, http.MethodDelete:
		u, err := url.Parse(endpoint)
		if err != nil {
			return nil, errs.Wrap(errs.KindAdapter, err, "tool %q: invalid endpoint", a.entry.Name)
		}
		q := u.Query()
		for k, v := range inputs {
			q.Set(k, queryValue(v))
		}
		u.RawQuery = q.Encode()
		req, err = http.NewRequestWithContext(ctx, method, u.String(), nil)
		if err != nil {
			return nil, errs.Wrap(errs.KindAdapter, err, "tool %q: building request", a.entry.Name)
		}
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		body, err := json.Marshal(inputs)
		if err != nil {
			return nil, errs.Wrap(errs.KindAdapter, err, "tool %q: encoding body", a.entry.Name)
		}
		req, err = http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, errs.Wrap(errs.KindAdapter, err, "tool %q: building request", a.entry.Name)
		}
		req.Header.Set("Content-Type", "application/json")
	default:
		return nil, errs.Adapter("tool %q: unsupported method %q", a.entry.Name, method)
	}

	for k, v := range a.entry.Headers {
		req.Header.Set(k, secrets.Expand(v, a.secrets))
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		// Transport failures have no status; leave them retryable.
		return nil, errs.Wrap(errs.KindAdapter, err, "tool %q: request failed", a.entry.Name).MarkRetryable()
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Wrap(errs.KindAdapter, err, "tool %q: reading response", a.entry.Name).MarkRetryable()
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errs.Adapter("tool %q: status %d", a.entry.Name, resp.StatusCode).
			WithStatus(resp.StatusCode, string(data))
	}

	// Only JSON responses are decoded; everything else comes back verbatim
	// so a text/plain "123" stays a string.
	if !strings.Contains(resp.Header.Get("Content-Type"), "json") {
		return map[string]any{"body": string(data)}, nil
	}
	var parsed any
	if err := json.Unmarshal(data, &parsed); err != nil {
		return map[string]any{"body": string(data)}, nil
	}
	if obj, ok := parsed.(map[string]any); ok {
		return obj, nil
	}
	return map[string]any{"body": parsed}, nil
}

// fillPathParams substitutes {key} placeholders in the endpoint from inputs,
// removing consumed keys so they don't also land in the query or body. The
// endpoint is $env:-expanded first so registries can template hosts.
func (a *HTTPAdapter) fillPathParams(inputs map[string]any) (string, error) {
	endpoint := secrets.Expand(a.entry.Endpoint, a.secrets)
	for {
		open := strings.Index(endpoint, "{")
		if open < 0 {
			return endpoint, nil
		}
		closing := strings.Index(endpoint[open:], "}")
		if closing < 0 {
			return "", errs.Adapter("tool %q: unbalanced placeholder in endpoint %q", a.entry.Name, a.entry.Endpoint)
		}
		key := endpoint[open+1 : open+closing]
		val, ok := inputs[key]
		if !ok {
			return "", errs.Adapter("tool %q: missing value for endpoint parameter %q", a.entry.Name, key)
		}
		delete(inputs, key)
		endpoint = endpoint[:open] + queryValue(val) + endpoint[open+closing+1:]
	}
}

// injectDefaults merges parameter-schema defaults into inputs for absent keys.
func injectDefaults(params map[string]any, inputs map[string]any) {
	props, ok := params["properties"].(map[string]any)
	if !ok {
		return
	}
	for k, v := range props {
		prop, ok := v.(map[string]any)
		if !ok {
			continue
		}
		if _, present := inputs[k]; !present {
			if def, hasDefault := prop["default"]; hasDefault {
				inputs[k] = def
			}
		}
	}
}

func queryValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		if x == float64(int64(x)) {
			return fmt.Sprintf("%d", int64(x))
		}
		return fmt.Sprintf("%v", x)
	default:
		return fmt.Sprintf("%v", x)
	}
}
