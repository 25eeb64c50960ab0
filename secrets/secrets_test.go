package secrets

import (
	"os"
	"path/filepath"
	"testing"
)

func testProvider(values map[string]string) *EnvProvider {
	p := &EnvProvider{values: map[string]string{}}
	for k, v := range values {
		p.values[k] = v
	}
	return p
}

func TestExpand(t *testing.T) {
	p := testProvider(map[string]string{
		"API_KEY": "sk-123",
		"HOST":    "api.example.com",
	})
	cases := []struct {
		in, want string
	}{
		{"Bearer $env:API_KEY", "Bearer sk-123"},
		{"https://$env:HOST/v1", "https://api.example.com/v1"},
		{"$env:API_KEY$env:HOST", "sk-123api.example.com"},
		{"no tokens here", "no tokens here"},
		{"$env:MISSING stays", "$env:MISSING stays"},
		{"$env:", "$env:"},
		{"$env:1BAD", "$env:1BAD"},
	}
	for _, c := range cases {
		if got := Expand(c.in, p); got != c.want {
			t.Errorf("Expand(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestExpandUnknownPreservedByteExact(t *testing.T) {
	p := testProvider(nil)
	in := "x $env:NOT_SET_ANYWHERE y"
	if got := Expand(in, p); got != in {
		t.Errorf("unknown token must be preserved: got %q", got)
	}
}

func TestEnvProviderDotenv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("FROM_DOTENV=hello\nSHADOWED=file\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SHADOWED", "process")

	p := NewEnvProvider(path)
	if v, ok := p.Get("FROM_DOTENV"); !ok || v != "hello" {
		t.Errorf("dotenv value missing: %q %v", v, ok)
	}
	// Process environment wins over the .env file.
	if v, _ := p.Get("SHADOWED"); v != "process" {
		t.Errorf("expected process env to win, got %q", v)
	}
}

func TestEnvProviderMissingFile(t *testing.T) {
	p := NewEnvProvider(filepath.Join(t.TempDir(), "nope.env"))
	if p == nil {
		t.Fatal("provider should tolerate a missing dotenv file")
	}
}
