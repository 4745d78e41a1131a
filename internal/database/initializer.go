package database

import (
	"context"
	"fmt"
	"os"
	"path"

	"github.com/kebairia/bacli/internal/backup"
	"github.com/kebairia/bacli/internal/vault"
)

// SecretReader is the part of the Vault client credential resolution uses.
type SecretReader interface {
	GetDynamicCredentials(ctx context.Context, role string) (vault.Credentials, error)
	GetStaticCredentials(ctx context.Context, path string) (vault.Credentials, error)
}

// CredentialOption overrides defaults on a CredentialResolver.
type CredentialOption func(*CredentialResolver)

// CredentialResolver turns a target's CredentialRef into a usable
// Connection. Sources are tried in order: Vault dynamic role, Vault KV,
// environment variable, inline password.
type CredentialResolver struct {
	vault    SecretReader
	roleBase string
	getenv   func(string) string
}

// NewCredentialResolver returns a resolver. secrets may be nil when no
// target references Vault.
func NewCredentialResolver(secrets SecretReader, opts ...CredentialOption) *CredentialResolver {
	r := &CredentialResolver{vault: secrets, getenv: os.Getenv}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// WithRoleBase prefixes relative role names, e.g. "database/creds".
func WithRoleBase(base string) CredentialOption {
	return func(r *CredentialResolver) { r.roleBase = base }
}

// WithGetenv swaps the environment lookup.
func WithGetenv(fn func(string) string) CredentialOption {
	return func(r *CredentialResolver) {
		if fn != nil {
			r.getenv = fn
		}
	}
}

// Resolve returns t.Connection with username and password filled in.
func (r *CredentialResolver) Resolve(ctx context.Context, t backup.Target) (backup.Connection, error) {
	conn := t.Connection
	ref := t.Credentials

	switch {
	case ref.VaultRole != "":
		if r.vault == nil {
			return conn, fmt.Errorf("%w: target %s: vault_role set but vault is not configured", ErrCredentials, t.ID)
		}
		role := ref.VaultRole
		if r.roleBase != "" && !path.IsAbs(role) {
			role = path.Join(r.roleBase, role)
		}
		creds, err := r.vault.GetDynamicCredentials(ctx, role)
		if err != nil {
			return conn, fmt.Errorf("%w: target %s: %w", ErrCredentials, t.ID, err)
		}
		return conn.Merge(backup.Connection{Username: creds.Username, Password: creds.Password}), nil

	case ref.VaultKV != "":
		if r.vault == nil {
			return conn, fmt.Errorf("%w: target %s: vault_kv set but vault is not configured", ErrCredentials, t.ID)
		}
		creds, err := r.vault.GetStaticCredentials(ctx, ref.VaultKV)
		if err != nil {
			return conn, fmt.Errorf("%w: target %s: %w", ErrCredentials, t.ID, err)
		}
		return conn.Merge(backup.Connection{Username: creds.Username, Password: creds.Password}), nil

	case ref.PasswordEnv != "":
		pass := r.getenv(ref.PasswordEnv)
		if pass == "" {
			return conn, fmt.Errorf("%w: target %s: environment variable %s is empty", ErrCredentials, t.ID, ref.PasswordEnv)
		}
		conn.Password = pass
		return conn, nil
	}

	return conn, nil
}
