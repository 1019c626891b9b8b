package tools

import (
	"context"
	"net/http"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/toolgate/toolgate/internal/gateway/httpclient"
)

var fetchGetSchema = mustSchema("http-fetch-get.json", `{
	"type": "object",
	"properties": {
		"url": {"type": "string", "format": "uri", "pattern": "^https?://"}
	},
	"required": ["url"],
	"additionalProperties": false
}`)

// FetchAdapter retrieves arbitrary HTTP resources on behalf of agents.
// Destination control lives in policy guards plus the client's allowlist;
// the adapter itself never forwards agent headers upstream.
type FetchAdapter struct {
	client *httpclient.Client
}

// NewFetchAdapter creates the live fetch adapter.
func NewFetchAdapter(client *httpclient.Client) *FetchAdapter {
	return &FetchAdapter{client: client}
}

func (a *FetchAdapter) Name() string          { return "http_fetch" }
func (a *FetchAdapter) Actions() []string     { return []string{"get"} }
func (a *FetchAdapter) NeedsCredential() bool { return false }

func (a *FetchAdapter) Schema(action string) *jsonschema.Schema {
	if action == "get" {
		return fetchGetSchema
	}
	return nil
}

// Call implements Adapter.
func (a *FetchAdapter) Call(ctx context.Context, action string, params map[string]any, _ *Credential) (map[string]any, error) {
	target, _ := params["url"].(string)

	resp, err := a.client.Do(ctx, httpclient.Request{Method: http.MethodGet, URL: target})
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"status":       resp.Status,
		"content_type": resp.ContentType,
		"length":       len(resp.Body),
		"body":         string(resp.Body),
	}, nil
}
