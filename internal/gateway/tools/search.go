package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/toolgate/toolgate/internal/gateway/fault"
	"github.com/toolgate/toolgate/internal/gateway/httpclient"
)

var searchQuerySchema = mustSchema("search-query.json", `{
	"type": "object",
	"properties": {
		"query":       {"type": "string", "minLength": 1, "maxLength": 512},
		"max_results": {"type": "integer", "minimum": 1, "maximum": 50}
	},
	"required": ["query"],
	"additionalProperties": false
}`)

// SearchAdapter proxies web-search queries to the configured provider.
type SearchAdapter struct {
	client  *httpclient.Client
	baseURL string
}

// NewSearchAdapter creates the live search adapter.
func NewSearchAdapter(client *httpclient.Client, baseURL string) *SearchAdapter {
	return &SearchAdapter{client: client, baseURL: baseURL}
}

func (a *SearchAdapter) Name() string           { return "search" }
func (a *SearchAdapter) Actions() []string      { return []string{"query"} }
func (a *SearchAdapter) NeedsCredential() bool  { return true }

func (a *SearchAdapter) Schema(action string) *jsonschema.Schema {
	if action == "query" {
		return searchQuerySchema
	}
	return nil
}

// Call implements Adapter.
func (a *SearchAdapter) Call(ctx context.Context, action string, params map[string]any, cred *Credential) (map[string]any, error) {
	q, _ := params["query"].(string)
	max := 10
	if n, ok := params["max_results"].(float64); ok {
		max = int(n)
	}

	u, err := url.Parse(a.baseURL)
	if err != nil {
		return nil, fault.Wrap(fault.KindConfig, "search base url", err)
	}
	vals := u.Query()
	vals.Set("q", q)
	vals.Set("count", strconv.Itoa(max))
	vals.Set("key", cred.APIKey)
	u.RawQuery = vals.Encode()

	resp, err := a.client.GetJSON(ctx, u.String())
	if err != nil {
		return nil, err
	}
	if resp.Status != http.StatusOK {
		return nil, fault.Upstream(resp.Status, "search provider error")
	}

	var body map[string]any
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return nil, fault.Wrap(fault.KindUpstream, "search provider returned non-JSON", err)
	}
	return map[string]any{
		"query":   q,
		"results": body["results"],
	}, nil
}
