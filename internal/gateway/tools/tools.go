// Package tools hosts the upstream adapters the gateway proxies to and the
// dispatcher that routes validated calls to them.
//
// Each adapter declares its actions and a JSON schema per action; the
// dispatcher validates parameters, unseals the tool's credential on demand,
// and invokes the adapter.  Plaintext credentials exist only for the
// duration of one call.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/toolgate/toolgate/common/crypto"
	"github.com/toolgate/toolgate/internal/gateway/fault"
	"github.com/toolgate/toolgate/internal/gateway/registry"
)

// Upstream modes.
const (
	ModeLive = "live"
	ModeMock = "mock"
)

// Credential is the plaintext upstream secret recovered from the sealed
// envelope for one call.
type Credential struct {
	APIKey string            `json:"api_key"`
	Extra  map[string]string `json:"extra,omitempty"`
}

// Adapter is one upstream tool.
type Adapter interface {
	// Name is the tool identifier agents address ("search", "http_fetch").
	Name() string
	// Actions lists the supported action names.
	Actions() []string
	// Schema returns the compiled parameter schema for an action, nil when
	// the action takes no parameters.
	Schema(action string) *jsonschema.Schema
	// NeedsCredential reports whether Call requires an unsealed credential.
	NeedsCredential() bool
	// Call performs the upstream operation.
	Call(ctx context.Context, action string, params map[string]any, cred *Credential) (map[string]any, error)
}

// CredentialSource is the registry slice the dispatcher reads.
type CredentialSource interface {
	ActiveCredential(ctx context.Context, tool string) (*registry.Credential, error)
}

// Dispatcher routes calls to adapters.
type Dispatcher struct {
	adapters map[string]Adapter
	creds    CredentialSource
	kek      []byte
	log      *slog.Logger
}

// NewDispatcher builds the routing table.  Duplicate adapter names are a
// programming error and panic at startup.
func NewDispatcher(creds CredentialSource, kek []byte, log *slog.Logger, adapters ...Adapter) *Dispatcher {
	d := &Dispatcher{
		adapters: make(map[string]Adapter, len(adapters)),
		creds:    creds,
		kek:      kek,
		log:      log,
	}
	for _, a := range adapters {
		if _, dup := d.adapters[a.Name()]; dup {
			panic("tools: duplicate adapter " + a.Name())
		}
		d.adapters[a.Name()] = a
	}
	return d
}

// Tools lists registered tool names, sorted.
func (d *Dispatcher) Tools() []string {
	out := make([]string, 0, len(d.adapters))
	for name := range d.adapters {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Actions returns the action list for a tool, or nil when unknown.
func (d *Dispatcher) Actions(tool string) []string {
	a, ok := d.adapters[tool]
	if !ok {
		return nil
	}
	return a.Actions()
}

// IsConfigured reports whether the tool can serve calls: registered, and
// holding an active credential when one is needed.
func (d *Dispatcher) IsConfigured(ctx context.Context, tool string) bool {
	a, ok := d.adapters[tool]
	if !ok {
		return false
	}
	if !a.NeedsCredential() {
		return true
	}
	_, err := d.creds.ActiveCredential(ctx, tool)
	return err == nil
}

// Call validates and executes one tool call.
func (d *Dispatcher) Call(ctx context.Context, tool, action string, params map[string]any) (map[string]any, error) {
	a, ok := d.adapters[tool]
	if !ok {
		return nil, fault.New(fault.KindValidation, "unknown tool "+tool)
	}
	if !actionKnown(a, action) {
		return nil, fault.New(fault.KindValidation, fmt.Sprintf("tool %s has no action %s", tool, action))
	}

	if sch := a.Schema(action); sch != nil {
		if err := validateParams(sch, params); err != nil {
			return nil, err
		}
	}

	var cred *Credential
	if a.NeedsCredential() {
		c, err := d.unseal(ctx, tool)
		if err != nil {
			return nil, err
		}
		cred = c
	}

	return a.Call(ctx, action, params, cred)
}

func actionKnown(a Adapter, action string) bool {
	for _, act := range a.Actions() {
		if act == action {
			return true
		}
	}
	return false
}

// validateParams runs the compiled schema over the decoded parameter map.
func validateParams(sch *jsonschema.Schema, params map[string]any) error {
	// The schema library expects the shapes encoding/json produces.
	var doc any = map[string]any(params)
	if params == nil {
		doc = map[string]any{}
	}
	if err := sch.Validate(doc); err != nil {
		return fault.Wrap(fault.KindValidation, "invalid parameters", err)
	}
	return nil
}

// unseal recovers the tool's plaintext credential for one call.
func (d *Dispatcher) unseal(ctx context.Context, tool string) (*Credential, error) {
	row, err := d.creds.ActiveCredential(ctx, tool)
	if errors.Is(err, registry.ErrNotFound) {
		return nil, fault.New(fault.KindUnconfigured, "tool "+tool+" has no credential")
	}
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "loading credential", err)
	}

	env, err := crypto.UnmarshalEnvelope([]byte(row.EnvelopeJSON))
	if err != nil {
		return nil, fault.Wrap(fault.KindIntegrity, "credential envelope corrupt", err)
	}
	plain, err := crypto.Open(env, d.kek)
	if err != nil {
		// Tampered or sealed under a different KEK; surface loudly.
		d.log.Error("credential unseal failed", "tool", tool, "error", err)
		return nil, fault.Wrap(fault.KindIntegrity, "credential unseal failed", err)
	}

	var cred Credential
	if err := json.Unmarshal(plain, &cred); err != nil {
		return nil, fault.Wrap(fault.KindIntegrity, "credential payload corrupt", err)
	}
	return &cred, nil
}

// SealCredential is the write-side counterpart used by the admin surface and
// CLI: it seals the credential under the KEK and returns the envelope JSON
// for registry storage.
func SealCredential(cred Credential, kek []byte) (string, error) {
	plain, err := json.Marshal(cred)
	if err != nil {
		return "", fmt.Errorf("tools: marshal credential: %w", err)
	}
	env, err := crypto.Seal(plain, kek)
	if err != nil {
		return "", fmt.Errorf("tools: seal credential: %w", err)
	}
	raw, err := env.Marshal()
	if err != nil {
		return "", fmt.Errorf("tools: marshal envelope: %w", err)
	}
	return string(raw), nil
}

// mustSchema compiles an adapter's schema literal at init time.
func mustSchema(name, schema string) *jsonschema.Schema {
	return jsonschema.MustCompileString(name, schema)
}
