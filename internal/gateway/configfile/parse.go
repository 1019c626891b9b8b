package configfile

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/toolgate/toolgate/common/crypto"
)

// RequiredKeys must be present and valid in every config file, in canonical
// serialization order.
var RequiredKeys = []string{
	"PORT",
	"DATABASE_URL",
	"REDIS_URL",
	"TOKEN_HMAC_SECRET",
	"SECRETS_BACKEND",
	"HTTP_TIMEOUT_MS",
	"DEFAULT_TIMEZONE",
	"KEK_BASE64",
}

// FlagKeys are the optional feature switches, serialized after the required
// block.
var FlagKeys = []string{
	"CHAOS_ENABLED",
	"DEMO_MODE",
	"UPSTREAM_MODE",
	"CACHE_TTL_MS",
	"RETRY_MAX_ATTEMPTS",
}

// Parse reads the KEY=VALUE format: blank lines and #-comments are skipped,
// values may be single- or double-quoted, whitespace around the separator
// is tolerated.  Later duplicates win.
func Parse(data []byte) (map[string]string, error) {
	out := make(map[string]string)
	for n, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("configfile: line %d: missing '='", n+1)
		}
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, fmt.Errorf("configfile: line %d: empty key", n+1)
		}
		value = strings.TrimSpace(value)
		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') ||
				(value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}
		out[key] = value
	}
	return out, nil
}

// Serialize renders the map deterministically: required keys in canonical
// order, then flags, then everything else sorted.  Values containing spaces
// or '#' are quoted.
func Serialize(cfg map[string]string) []byte {
	var b strings.Builder
	written := make(map[string]bool, len(cfg))

	b.WriteString("# gateway configuration\n")
	for _, k := range RequiredKeys {
		if v, ok := cfg[k]; ok {
			writePair(&b, k, v)
			written[k] = true
		}
	}

	flagged := false
	for _, k := range FlagKeys {
		if v, ok := cfg[k]; ok {
			if !flagged {
				b.WriteString("\n# feature flags\n")
				flagged = true
			}
			writePair(&b, k, v)
			written[k] = true
		}
	}

	var extras []string
	for k := range cfg {
		if !written[k] {
			extras = append(extras, k)
		}
	}
	sort.Strings(extras)
	if len(extras) > 0 {
		b.WriteString("\n# extras\n")
		for _, k := range extras {
			writePair(&b, k, cfg[k])
		}
	}
	return []byte(b.String())
}

func writePair(b *strings.Builder, key, value string) {
	if strings.ContainsAny(value, " #\t") {
		value = `"` + value + `"`
	}
	fmt.Fprintf(b, "%s=%s\n", key, value)
}

// Validate enforces the required keys and their value shapes.
func Validate(cfg map[string]string) error {
	for _, k := range RequiredKeys {
		if cfg[k] == "" {
			return fmt.Errorf("configfile: required key %s missing", k)
		}
	}

	port, err := strconv.Atoi(cfg["PORT"])
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("configfile: PORT %q is not a valid port", cfg["PORT"])
	}
	if ms, err := strconv.Atoi(cfg["HTTP_TIMEOUT_MS"]); err != nil || ms <= 0 {
		return fmt.Errorf("configfile: HTTP_TIMEOUT_MS %q must be a positive integer", cfg["HTTP_TIMEOUT_MS"])
	}
	if _, err := crypto.ParseKEK(cfg["KEK_BASE64"]); err != nil {
		return fmt.Errorf("configfile: KEK_BASE64: %w", err)
	}
	if _, err := time.LoadLocation(cfg["DEFAULT_TIMEZONE"]); err != nil {
		return fmt.Errorf("configfile: DEFAULT_TIMEZONE %q: %w", cfg["DEFAULT_TIMEZONE"], err)
	}

	for _, k := range []string{"CHAOS_ENABLED", "DEMO_MODE"} {
		if v, ok := cfg[k]; ok && v != "" {
			if _, err := strconv.ParseBool(v); err != nil {
				return fmt.Errorf("configfile: %s %q is not a boolean", k, v)
			}
		}
	}
	if v, ok := cfg["UPSTREAM_MODE"]; ok && v != "" && v != "live" && v != "mock" {
		return fmt.Errorf("configfile: UPSTREAM_MODE %q must be live or mock", v)
	}
	for _, k := range []string{"CACHE_TTL_MS", "RETRY_MAX_ATTEMPTS"} {
		if v, ok := cfg[k]; ok && v != "" {
			if n, err := strconv.Atoi(v); err != nil || n <= 0 {
				return fmt.Errorf("configfile: %s %q must be a positive integer", k, v)
			}
		}
	}
	return nil
}
