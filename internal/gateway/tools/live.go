package tools

import "github.com/toolgate/toolgate/internal/gateway/httpclient"

// LiveConfig points the live adapters at their providers.
type LiveConfig struct {
	SearchBaseURL string
	ChatBaseURL   string
	MailBaseURL   string
	MailFrom      string
	// FetchClient, when set, replaces the shared client for the fetch
	// adapter only. It carries the hard domain-suffix allowlist; the
	// provider-bound adapters never need one.
	FetchClient *httpclient.Client
}

// LiveSet returns the production adapter set. The provider adapters share
// one hardened outbound client; fetch gets its allowlisted one.
func LiveSet(client *httpclient.Client, cfg LiveConfig) []Adapter {
	fetchClient := cfg.FetchClient
	if fetchClient == nil {
		fetchClient = client
	}
	return []Adapter{
		NewSearchAdapter(client, cfg.SearchBaseURL),
		NewFetchAdapter(fetchClient),
		NewChatAdapter(client, cfg.ChatBaseURL),
		NewMailAdapter(client, cfg.MailBaseURL, cfg.MailFrom),
	}
}
