package database

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kebairia/bacli/internal/backup"
	"github.com/kebairia/bacli/internal/vault"
)

func TestParseMajorVersion(t *testing.T) {
	tests := []struct {
		raw     string
		want    string
		wantErr bool
	}{
		{"PostgreSQL 14.5 (Debian 14.5-1.pgdg110+1) on x86_64-pc-linux-gnu", "14", false},
		{"PostgreSQL 16.2 on aarch64-apple-darwin", "16", false},
		{"PostgreSQL 9.6.24 on x86_64", "9", false},
		{"PostgreSQL 17beta1", "17", false},
		{"PostgreSQL", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := ParseMajorVersion(tt.raw)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseMajorVersion(%q) err = %v, wantErr %v", tt.raw, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseMajorVersion(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func countingQuery(version string, err error) (VersionQuery, *atomic.Int32) {
	var calls atomic.Int32
	return func(context.Context, backup.Connection) (string, error) {
		calls.Add(1)
		return version, err
	}, &calls
}

func TestVersionProbe_CacheHitWithinTTL(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	query, calls := countingQuery("PostgreSQL 15.3 on x86_64", nil)
	p := NewVersionProbe(
		WithVersionCache(NewVersionCache(24*time.Hour, clock.Now)),
		WithVersionQuery(query),
	)
	target := backup.Target{ID: "orders", VersionHint: backup.VersionLatest}

	if got := p.Resolve(context.Background(), target, target.Connection); got != "15" {
		t.Fatalf("first Resolve = %q, want 15", got)
	}
	clock.now = clock.now.Add(23 * time.Hour)
	if got := p.Resolve(context.Background(), target, target.Connection); got != "15" {
		t.Fatalf("cached Resolve = %q, want 15", got)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("probes = %d, want 1", n)
	}
}

func TestVersionProbe_ExpiredEntryProbesOnce(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	query, calls := countingQuery("PostgreSQL 13.1", nil)
	p := NewVersionProbe(
		WithVersionCache(NewVersionCache(24*time.Hour, clock.Now)),
		WithVersionQuery(query),
	)
	target := backup.Target{ID: "orders"}

	p.Resolve(context.Background(), target, target.Connection)
	clock.now = clock.now.Add(24 * time.Hour)
	p.Resolve(context.Background(), target, target.Connection)
	if n := calls.Load(); n != 2 {
		t.Errorf("probes = %d, want 2", n)
	}
	p.Resolve(context.Background(), target, target.Connection)
	if n := calls.Load(); n != 2 {
		t.Errorf("probes after refresh = %d, want 2", n)
	}
}

func TestVersionProbe_FailureYieldsLatest(t *testing.T) {
	query, _ := countingQuery("", errors.New("connection refused"))
	p := NewVersionProbe(WithVersionQuery(query))
	target := backup.Target{ID: "orders"}
	if got := p.Resolve(context.Background(), target, target.Connection); got != backup.VersionLatest {
		t.Errorf("Resolve = %q, want latest", got)
	}

	// Failures are not cached.
	good, calls := countingQuery("PostgreSQL 16.0", nil)
	p.query = good
	if got := p.Resolve(context.Background(), target, target.Connection); got != "16" || calls.Load() != 1 {
		t.Errorf("Resolve after failure = %q (%d probes)", got, calls.Load())
	}
}

func TestVersionProbe_MalformedYieldsLatest(t *testing.T) {
	query, _ := countingQuery("garbage", nil)
	p := NewVersionProbe(WithVersionQuery(query))
	if got := p.Resolve(context.Background(), backup.Target{ID: "x"}, backup.Connection{}); got != backup.VersionLatest {
		t.Errorf("Resolve = %q, want latest", got)
	}
}

func TestVersionProbe_HintBypassesProbe(t *testing.T) {
	query, calls := countingQuery("PostgreSQL 16.0", nil)
	p := NewVersionProbe(WithVersionQuery(query))
	got := p.Resolve(context.Background(), backup.Target{ID: "orders", VersionHint: "12"}, backup.Connection{})
	if got != "12" || calls.Load() != 0 {
		t.Errorf("Resolve = %q with %d probes, want 12 with none", got, calls.Load())
	}
}

func TestPostgres_Args(t *testing.T) {
	p := NewPostgres(
		backup.Connection{Host: "db", Port: "5432", Username: "app", Password: "hunter2", Database: "orders"},
		WithPostgresFormat(backup.FormatCustom, 9),
	)
	dump := p.DumpArgs()
	for _, want := range []string{"--format=custom", "--compress=9", "--no-password"} {
		if !slices.Contains(dump, want) {
			t.Errorf("DumpArgs = %v, missing %s", dump, want)
		}
	}
	for _, args := range [][]string{dump, p.RestoreArgs(), p.PsqlArgs()} {
		if strings.Contains(strings.Join(args, " "), "hunter2") {
			t.Fatalf("password leaked into args: %v", args)
		}
	}
	if p.Env()["PGPASSWORD"] != "hunter2" {
		t.Errorf("Env = %v", p.Env())
	}
	if !slices.Contains(p.PsqlArgs(), "ON_ERROR_STOP=1") {
		t.Errorf("PsqlArgs = %v", p.PsqlArgs())
	}

	plain := NewPostgres(backup.Connection{Database: "orders"}, WithPostgresHost("staging"))
	if args := plain.DumpArgs(); slices.Contains(args, "-p") || !slices.Contains(args, "staging") {
		t.Errorf("plain DumpArgs = %v", args)
	}
	if len(plain.Env()) != 0 {
		t.Errorf("Env without password = %v", plain.Env())
	}
}

type fakeSecrets struct {
	dynamic, static vault.Credentials
	lastRole        string
}

func (f *fakeSecrets) GetDynamicCredentials(_ context.Context, role string) (vault.Credentials, error) {
	f.lastRole = role
	return f.dynamic, nil
}

func (f *fakeSecrets) GetStaticCredentials(context.Context, string) (vault.Credentials, error) {
	return f.static, nil
}

func TestCredentialResolver_Order(t *testing.T) {
	secrets := &fakeSecrets{
		dynamic: vault.Credentials{Username: "v-role", Password: "dyn"},
		static:  vault.Credentials{Username: "kv-user", Password: "kv"},
	}
	env := func(k string) string {
		if k == "ORDERS_PW" {
			return "from-env"
		}
		return ""
	}
	r := NewCredentialResolver(secrets, WithRoleBase("database/creds"), WithGetenv(env))
	base := backup.Target{ID: "orders", Connection: backup.Connection{Username: "app", Password: "inline"}}

	tests := []struct {
		name     string
		ref      backup.CredentialRef
		wantUser string
		wantPass string
	}{
		{"vault role wins", backup.CredentialRef{VaultRole: "orders", VaultKV: "secret/x", PasswordEnv: "ORDERS_PW"}, "v-role", "dyn"},
		{"vault kv", backup.CredentialRef{VaultKV: "secret/x", PasswordEnv: "ORDERS_PW"}, "kv-user", "kv"},
		{"env", backup.CredentialRef{PasswordEnv: "ORDERS_PW"}, "app", "from-env"},
		{"inline", backup.CredentialRef{}, "app", "inline"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := base
			target.Credentials = tt.ref
			conn, err := r.Resolve(context.Background(), target)
			if err != nil {
				t.Fatal(err)
			}
			if conn.Username != tt.wantUser || conn.Password != tt.wantPass {
				t.Errorf("conn = %s/%s, want %s/%s", conn.Username, conn.Password, tt.wantUser, tt.wantPass)
			}
		})
	}
	if secrets.lastRole != "database/creds/orders" {
		t.Errorf("role path = %q", secrets.lastRole)
	}
}

func TestCredentialResolver_Failures(t *testing.T) {
	r := NewCredentialResolver(nil, WithGetenv(func(string) string { return "" }))
	for _, ref := range []backup.CredentialRef{{VaultRole: "x"}, {VaultKV: "secret/x"}, {PasswordEnv: "MISSING"}} {
		_, err := r.Resolve(context.Background(), backup.Target{ID: "t", Credentials: ref})
		if !errors.Is(err, ErrCredentials) {
			t.Errorf("Resolve(%+v) err = %v, want ErrCredentials", ref, err)
		}
	}
}
