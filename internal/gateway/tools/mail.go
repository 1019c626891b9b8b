package tools

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/toolgate/toolgate/internal/gateway/fault"
	"github.com/toolgate/toolgate/internal/gateway/httpclient"
)

var mailSendSchema = mustSchema("send-mail-send.json", `{
	"type": "object",
	"properties": {
		"to":      {"type": "string", "format": "email"},
		"subject": {"type": "string", "minLength": 1, "maxLength": 256},
		"body":    {"type": "string", "maxLength": 65536}
	},
	"required": ["to", "subject", "body"],
	"additionalProperties": false
}`)

// MailAdapter sends mail through the configured transactional provider.
type MailAdapter struct {
	client  *httpclient.Client
	baseURL string
	from    string
}

// NewMailAdapter creates the live mail adapter.  from is the fixed sender
// address; agents cannot choose it.
func NewMailAdapter(client *httpclient.Client, baseURL, from string) *MailAdapter {
	return &MailAdapter{client: client, baseURL: baseURL, from: from}
}

func (a *MailAdapter) Name() string          { return "send_mail" }
func (a *MailAdapter) Actions() []string     { return []string{"send"} }
func (a *MailAdapter) NeedsCredential() bool { return true }

func (a *MailAdapter) Schema(action string) *jsonschema.Schema {
	if action == "send" {
		return mailSendSchema
	}
	return nil
}

// Call implements Adapter.
func (a *MailAdapter) Call(ctx context.Context, action string, params map[string]any, cred *Credential) (map[string]any, error) {
	payload, err := json.Marshal(map[string]any{
		"from":    a.from,
		"to":      params["to"],
		"subject": params["subject"],
		"body":    params["body"],
		"api_key": cred.APIKey,
	})
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "encoding mail payload", err)
	}

	resp, err := a.client.Do(ctx, httpclient.Request{
		Method:      http.MethodPost,
		URL:         a.baseURL + "/send",
		Body:        payload,
		ContentType: "application/json",
	})
	if err != nil {
		return nil, err
	}
	if resp.Status < 200 || resp.Status > 299 {
		return nil, fault.Upstream(resp.Status, "mail provider error")
	}

	var body map[string]any
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		body = map[string]any{}
	}
	body["accepted"] = true
	return body, nil
}
