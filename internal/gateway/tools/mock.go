package tools

import (
	"context"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// MockAdapter serves canned responses for demos and tests.  It reuses the
// live adapters' schemas so parameter validation behaves identically in
// both upstream modes.
type MockAdapter struct {
	name    string
	actions []string
	schemas map[string]*jsonschema.Schema
	respond func(action string, params map[string]any) map[string]any
}

func (a *MockAdapter) Name() string          { return a.name }
func (a *MockAdapter) Actions() []string     { return a.actions }
func (a *MockAdapter) NeedsCredential() bool { return false }

func (a *MockAdapter) Schema(action string) *jsonschema.Schema {
	return a.schemas[action]
}

// Call implements Adapter.
func (a *MockAdapter) Call(ctx context.Context, action string, params map[string]any, _ *Credential) (map[string]any, error) {
	return a.respond(action, params), nil
}

// MockSet returns mock adapters mirroring the live tool surface.
func MockSet() []Adapter {
	return []Adapter{
		&MockAdapter{
			name:    "search",
			actions: []string{"query"},
			schemas: map[string]*jsonschema.Schema{"query": searchQuerySchema},
			respond: func(action string, params map[string]any) map[string]any {
				q, _ := params["query"].(string)
				return map[string]any{
					"query": q,
					"results": []any{
						map[string]any{"title": "Result one for " + q, "url": "https://example.com/1"},
						map[string]any{"title": "Result two for " + q, "url": "https://example.com/2"},
					},
				}
			},
		},
		&MockAdapter{
			name:    "http_fetch",
			actions: []string{"get"},
			schemas: map[string]*jsonschema.Schema{"get": fetchGetSchema},
			respond: func(action string, params map[string]any) map[string]any {
				target, _ := params["url"].(string)
				return map[string]any{
					"status":       200,
					"content_type": "text/html",
					"length":       42,
					"body":         fmt.Sprintf("<html>mock response for %s</html>", target),
				}
			},
		},
		&MockAdapter{
			name:    "chat",
			actions: []string{"send"},
			schemas: map[string]*jsonschema.Schema{"send": chatSendSchema},
			respond: func(action string, params map[string]any) map[string]any {
				return map[string]any{
					"delivered": true,
					"channel":   params["channel"],
					"ts":        "mock-0001",
				}
			},
		},
		&MockAdapter{
			name:    "send_mail",
			actions: []string{"send"},
			schemas: map[string]*jsonschema.Schema{"send": mailSendSchema},
			respond: func(action string, params map[string]any) map[string]any {
				return map[string]any{
					"accepted":   true,
					"to":         params["to"],
					"message_id": "mock-msg-0001",
				}
			},
		},
	}
}
