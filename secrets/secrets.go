// Package secrets resolves secret values for flows and expands $env:NAME
// tokens in registry-supplied strings.
//
// Expansion happens at dispatch time, not at parse time, so flow files stay
// portable across machines with different environments.
package secrets

import (
	"os"
	"strings"
	"sync"

	"github.com/joho/godotenv"
)

// Provider resolves named secrets. The env provider is the default; the
// interface leaves room for vault-style backends.
type Provider interface {
	Get(key string) (string, bool)
	All() map[string]string
}

// EnvProvider reads secrets from the process environment, merged with a .env
// file loaded once at construction (process environment wins).
type EnvProvider struct {
	mu     sync.RWMutex
	values map[string]string
}

var _ Provider = (*EnvProvider)(nil)

// NewEnvProvider builds a provider from the process environment plus an
// optional .env file. A missing or unreadable dotenv file is not an error.
func NewEnvProvider(dotenvPath string) *EnvProvider {
	values := map[string]string{}
	if dotenvPath != "" {
		if fromFile, err := godotenv.Read(dotenvPath); err == nil {
			for k, v := range fromFile {
				values[k] = v
			}
		}
	}
	for _, kv := range os.Environ() {
		if eq := strings.Index(kv, "="); eq > 0 {
			values[kv[:eq]] = kv[eq+1:]
		}
	}
	return &EnvProvider{values: values}
}

func (p *EnvProvider) Get(key string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.values[key]
	return v, ok
}

func (p *EnvProvider) All() map[string]string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]string, len(p.values))
	for k, v := range p.values {
		out[k] = v
	}
	return out
}

// Set overrides a secret value. Intended for tests.
func (p *EnvProvider) Set(key, value string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values[key] = value
}

func isNameByte(c byte, first bool) bool {
	if c == '_' || (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') {
		return true
	}
	return !first && c >= '0' && c <= '9'
}

// Expand replaces every $env:NAME token in text with the provider's value for
// NAME. NAME matches [A-Za-z_][A-Za-z0-9_]*. Unknown names are preserved
// byte-exact so partially configured environments fail loudly downstream
// rather than silently substituting an empty string.
func Expand(text string, p Provider) string {
	const marker = "$env:"
	if !strings.Contains(text, marker) {
		return text
	}
	var b strings.Builder
	rest := text
	for {
		i := strings.Index(rest, marker)
		if i < 0 {
			b.WriteString(rest)
			return b.String()
		}
		b.WriteString(rest[:i])
		name := rest[i+len(marker):]
		end := 0
		for end < len(name) && isNameByte(name[end], end == 0) {
			end++
		}
		if end == 0 {
			b.WriteString(marker)
			rest = name
			continue
		}
		if v, ok := p.Get(name[:end]); ok {
			b.WriteString(v)
		} else {
			b.WriteString(marker)
			b.WriteString(name[:end])
		}
		rest = name[end:]
	}
}
