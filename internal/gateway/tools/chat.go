package tools

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/toolgate/toolgate/internal/gateway/fault"
	"github.com/toolgate/toolgate/internal/gateway/httpclient"
)

var chatSendSchema = mustSchema("chat-send.json", `{
	"type": "object",
	"properties": {
		"channel": {"type": "string", "minLength": 1, "maxLength": 128},
		"message": {"type": "string", "minLength": 1, "maxLength": 4000}
	},
	"required": ["channel", "message"],
	"additionalProperties": false
}`)

// ChatAdapter posts messages to the configured chat provider.
type ChatAdapter struct {
	client  *httpclient.Client
	baseURL string
}

// NewChatAdapter creates the live chat adapter.
func NewChatAdapter(client *httpclient.Client, baseURL string) *ChatAdapter {
	return &ChatAdapter{client: client, baseURL: baseURL}
}

func (a *ChatAdapter) Name() string          { return "chat" }
func (a *ChatAdapter) Actions() []string     { return []string{"send"} }
func (a *ChatAdapter) NeedsCredential() bool { return true }

func (a *ChatAdapter) Schema(action string) *jsonschema.Schema {
	if action == "send" {
		return chatSendSchema
	}
	return nil
}

// Call implements Adapter.
func (a *ChatAdapter) Call(ctx context.Context, action string, params map[string]any, cred *Credential) (map[string]any, error) {
	payload, err := json.Marshal(map[string]any{
		"channel": params["channel"],
		"text":    params["message"],
		"token":   cred.APIKey,
	})
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "encoding chat payload", err)
	}

	resp, err := a.client.Do(ctx, httpclient.Request{
		Method:      http.MethodPost,
		URL:         a.baseURL + "/messages",
		Body:        payload,
		ContentType: "application/json",
	})
	if err != nil {
		return nil, err
	}
	if resp.Status < 200 || resp.Status > 299 {
		return nil, fault.Upstream(resp.Status, "chat provider error")
	}

	var body map[string]any
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		// Some providers reply with an empty body on success.
		body = map[string]any{}
	}
	body["delivered"] = true
	return body, nil
}
