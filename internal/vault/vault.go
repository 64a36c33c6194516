// Package vault resolves secret references for credentials injected into
// subprocess environments. Failures surface as errors to the user; they are
// never retried here.
package vault

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Vault resolves a secret reference to its value.
type Vault interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// Env resolves references from environment variables.
type Env struct{}

func NewEnv() *Env {
	return &Env{}
}

func (e *Env) Resolve(_ context.Context, ref string) (string, error) {
	value := os.Getenv(ref)
	if value == "" {
		return "", fmt.Errorf("vault: %s not set", ref)
	}
	return strings.TrimSpace(value), nil
}

// Dir resolves references from files under a base directory, one secret per
// file.
type Dir struct {
	base string
}

func NewDir(base string) *Dir {
	return &Dir{base: base}
}

func (d *Dir) Resolve(_ context.Context, ref string) (string, error) {
	if strings.Contains(ref, "..") {
		return "", fmt.Errorf("vault: invalid reference %q", ref)
	}
	data, err := os.ReadFile(filepath.Join(d.base, ref))
	if err != nil {
		return "", fmt.Errorf("vault: read %s: %w", ref, err)
	}
	value := strings.TrimSpace(string(data))
	if value == "" {
		return "", fmt.Errorf("vault: %s is empty", ref)
	}
	return value, nil
}

var (
	_ Vault = (*Env)(nil)
	_ Vault = (*Dir)(nil)
)
