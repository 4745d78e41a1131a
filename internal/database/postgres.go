package database

import (
	"strconv"

	"github.com/kebairia/bacli/internal/backup"
)

// PostgresOption lets you override default settings on a Postgres.
type PostgresOption func(*Postgres)

// Postgres builds pg_dump, pg_restore and psql invocations for one
// connection. The password only ever leaves through Env.
type Postgres struct {
	Host        string
	Port        string
	Username    string
	Password    string
	Database    string
	Format      backup.Format
	Compression int
}

// NewPostgres returns a Postgres for conn plus any overrides.
func NewPostgres(conn backup.Connection, opts ...PostgresOption) *Postgres {
	p := &Postgres{
		Host:     conn.Host,
		Port:     conn.Port,
		Username: conn.Username,
		Password: conn.Password,
		Database: conn.Database,
		Format:   backup.FormatPlain,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WithPostgresHost overrides the host.
func WithPostgresHost(host string) PostgresOption {
	return func(p *Postgres) {
		if host != "" {
			p.Host = host
		}
	}
}

// WithPostgresPort overrides the port.
func WithPostgresPort(port string) PostgresOption {
	return func(p *Postgres) {
		if port != "" {
			p.Port = port
		}
	}
}

// WithPostgresCredentials sets username and password.
func WithPostgresCredentials(user, pass string) PostgresOption {
	return func(p *Postgres) {
		if user != "" {
			p.Username = user
		}
		if pass != "" {
			p.Password = pass
		}
	}
}

// WithPostgresDatabase overrides the database name.
func WithPostgresDatabase(db string) PostgresOption {
	return func(p *Postgres) {
		if db != "" {
			p.Database = db
		}
	}
}

// WithPostgresFormat sets the dump format and compression level.
func WithPostgresFormat(format backup.Format, compression int) PostgresOption {
	return func(p *Postgres) {
		if format != "" {
			p.Format = format
		}
		p.Compression = compression
	}
}

func (p *Postgres) connArgs() []string {
	var args []string
	if p.Host != "" {
		args = append(args, "-h", p.Host)
	}
	if p.Port != "" {
		args = append(args, "-p", p.Port)
	}
	if p.Username != "" {
		args = append(args, "-U", p.Username)
	}
	if p.Database != "" {
		args = append(args, "-d", p.Database)
	}
	return append(args, "--no-password")
}

// DumpArgs returns pg_dump arguments writing the dump to stdout.
// A plain dump with a compression level is gzip compressed by pg_dump.
func (p *Postgres) DumpArgs() []string {
	args := p.connArgs()
	args = append(args, "--format="+string(p.Format))
	if p.Compression > 0 {
		args = append(args, "--compress="+strconv.Itoa(p.Compression))
	}
	return args
}

// RestoreArgs returns pg_restore arguments reading a custom archive from stdin.
func (p *Postgres) RestoreArgs() []string {
	args := p.connArgs()
	return append(args,
		"--format=custom",
		"--clean",
		"--if-exists",
		"--no-owner",
		"--exit-on-error",
	)
}

// PsqlArgs returns psql arguments replaying a plain SQL script from stdin.
func (p *Postgres) PsqlArgs() []string {
	args := p.connArgs()
	return append(args,
		"-X",
		"-q",
		"-v", "ON_ERROR_STOP=1",
	)
}

// Env returns the variables scoped to one subprocess.
func (p *Postgres) Env() map[string]string {
	env := map[string]string{}
	if p.Password != "" {
		env["PGPASSWORD"] = p.Password
	}
	return env
}
