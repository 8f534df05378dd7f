// Package secret resolves ${env:NAME} and ${keyring:name} references in
// configuration values. The keyring side is backed by the OS keychain under
// the "mcp-funnel" service, so client secrets and bearer tokens never have to
// live in config files on disk.
package secret

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

const (
	// SourceEnv resolves against the process environment.
	SourceEnv = "env"
	// SourceKeyring resolves against the OS keychain.
	SourceKeyring = "keyring"
)

// Ref is one parsed ${source:name} reference.
type Ref struct {
	Source   string
	Name     string
	Original string
}

var refPattern = regexp.MustCompile(`\$\{([^:}]+):([^}]+)\}`)

// IsRef reports whether the value is exactly one secret reference.
func IsRef(value string) bool {
	m := refPattern.FindString(value)
	return m == value && m != ""
}

// ParseRef parses a value that is exactly one secret reference.
func ParseRef(value string) (Ref, error) {
	if !IsRef(value) {
		return Ref{}, fmt.Errorf("not a secret reference: %s", value)
	}
	groups := refPattern.FindStringSubmatch(value)
	return Ref{Source: groups[1], Name: groups[2], Original: groups[0]}, nil
}

// FindRefs returns every secret reference embedded in the value, in order.
func FindRefs(value string) []Ref {
	var refs []Ref
	for _, groups := range refPattern.FindAllStringSubmatch(value, -1) {
		refs = append(refs, Ref{Source: groups[1], Name: groups[2], Original: groups[0]})
	}
	return refs
}

// Expand replaces every secret reference in the value with its resolved
// secret. Values without references pass through unchanged. Resolution
// failures abort the whole expansion so a half-resolved credential never
// reaches an upstream.
func Expand(value string, store *KeyringStore) (string, error) {
	refs := FindRefs(value)
	if len(refs) == 0 {
		return value, nil
	}
	out := value
	for _, ref := range refs {
		resolved, err := resolveRef(ref, store)
		if err != nil {
			return "", err
		}
		out = strings.Replace(out, ref.Original, resolved, 1)
	}
	return out, nil
}

// ExpandMap expands every value of the map, returning a new map. A nil map
// stays nil.
func ExpandMap(values map[string]string, store *KeyringStore) (map[string]string, error) {
	if values == nil {
		return nil, nil
	}
	out := make(map[string]string, len(values))
	for k, v := range values {
		expanded, err := Expand(v, store)
		if err != nil {
			return nil, fmt.Errorf("expand %s: %w", k, err)
		}
		out[k] = expanded
	}
	return out, nil
}

func resolveRef(ref Ref, store *KeyringStore) (string, error) {
	switch ref.Source {
	case SourceEnv:
		value := os.Getenv(ref.Name)
		if value == "" {
			return "", fmt.Errorf("environment variable %s is not set", ref.Name)
		}
		return value, nil
	case SourceKeyring:
		if store == nil {
			return "", fmt.Errorf("no keyring store configured for %s", ref.Original)
		}
		return store.Get(ref.Name)
	default:
		return "", fmt.Errorf("unknown secret source %q in %s", ref.Source, ref.Original)
	}
}
