package tooling

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/kebairia/bacli/internal/backup"
	"github.com/kebairia/bacli/internal/logger"
)

// Tool names the resolver knows how to find.
const (
	PgDump    = "pg_dump"
	PgRestore = "pg_restore"
	Psql      = "psql"
)

// ErrToolNotInstalled is the one hard stop of the pipeline: neither a
// version-specific install nor PATH provides the binary.
var ErrToolNotInstalled = errors.New("tool not installed")

// PathTemplate builds a candidate path for tool at a major version.
type PathTemplate func(tool, majorVersion string) string

// DefaultTemplates are the version-specific install roots tried in order.
var DefaultTemplates = []PathTemplate{
	// Debian / Ubuntu (postgresql-common)
	func(tool, v string) string { return "/usr/lib/postgresql/" + v + "/bin/" + tool },
	// RHEL / Fedora (PGDG rpm)
	func(tool, v string) string { return "/usr/pgsql-" + v + "/bin/" + tool },
	// Alpine / source builds
	func(tool, v string) string { return "/usr/local/pgsql-" + v + "/bin/" + tool },
	// Homebrew on Apple silicon
	func(tool, v string) string { return "/opt/homebrew/opt/postgresql@" + v + "/bin/" + tool },
	// Homebrew on Intel
	func(tool, v string) string { return "/usr/local/opt/postgresql@" + v + "/bin/" + tool },
	// Postgres.app
	func(tool, v string) string { return "/Applications/Postgres.app/Contents/Versions/" + v + "/bin/" + tool },
}

// TemplateFromPattern turns "/opt/pg/{version}/bin/{tool}" into a PathTemplate.
func TemplateFromPattern(pattern string) PathTemplate {
	return func(tool, v string) string {
		return strings.NewReplacer("{version}", v, "{tool}", tool).Replace(pattern)
	}
}

// Filesystem is the existence/executability check candidates go through.
type Filesystem interface {
	IsExecutable(path string) bool
}

// OSFilesystem checks the real filesystem.
type OSFilesystem struct{}

// IsExecutable reports whether path is a regular file with any exec bit set.
func (OSFilesystem) IsExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular() && info.Mode().Perm()&0o111 != 0
}

// ResolverOption overrides defaults on a Resolver.
type ResolverOption func(*Resolver)

// Resolver finds dump/restore binaries for a major version.
type Resolver struct {
	templates []PathTemplate
	fs        Filesystem
	lookPath  func(string) (string, error)
	log       logger.Logger
}

// NewResolver returns a Resolver over DefaultTemplates, the OS filesystem
// and exec.LookPath.
func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{
		templates: DefaultTemplates,
		fs:        OSFilesystem{},
		lookPath:  exec.LookPath,
		log:       logger.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// WithTemplates replaces the candidate list.
func WithTemplates(templates ...PathTemplate) ResolverOption {
	return func(r *Resolver) {
		r.templates = templates
	}
}

// WithExtraPatterns puts configured patterns ahead of the current list.
func WithExtraPatterns(patterns ...string) ResolverOption {
	return func(r *Resolver) {
		extra := make([]PathTemplate, 0, len(patterns)+len(r.templates))
		for _, p := range patterns {
			if strings.TrimSpace(p) != "" {
				extra = append(extra, TemplateFromPattern(p))
			}
		}
		r.templates = append(extra, r.templates...)
	}
}

// WithFilesystem swaps the existence check.
func WithFilesystem(fsys Filesystem) ResolverOption {
	return func(r *Resolver) {
		if fsys != nil {
			r.fs = fsys
		}
	}
}

// WithLookPath swaps the PATH lookup.
func WithLookPath(fn func(string) (string, error)) ResolverOption {
	return func(r *Resolver) {
		if fn != nil {
			r.lookPath = fn
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log logger.Logger) ResolverOption {
	return func(r *Resolver) {
		if log != nil {
			r.log = log
		}
	}
}

// Resolve returns the first existing executable for tool at majorVersion,
// falling back to PATH. "latest" skips the version-specific candidates.
func (r *Resolver) Resolve(tool, majorVersion string) (string, error) {
	if majorVersion != "" && majorVersion != backup.VersionLatest {
		for _, tmpl := range r.templates {
			candidate := tmpl(tool, majorVersion)
			if r.fs.IsExecutable(candidate) {
				r.log.Debug("tool resolved",
					"tool", tool,
					"major_version", majorVersion,
					"path", candidate,
				)
				return candidate, nil
			}
		}
	}

	path, err := r.lookPath(tool)
	if err != nil {
		return "", fmt.Errorf("%w: %s (major version %s): %v", ErrToolNotInstalled, tool, majorVersion, err)
	}
	r.log.Debug("tool resolved from PATH",
		"tool", tool,
		"major_version", majorVersion,
		"path", path,
	)
	return path, nil
}
