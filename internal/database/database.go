package database

import "errors"

// EnginePostgres is the only engine the dump pipeline drives.
const EnginePostgres = "postgres"

var (
	// ErrMalformedVersion is returned when a version string has no numeric token.
	ErrMalformedVersion = errors.New("malformed version string")
	// ErrCredentials wraps every failure to produce a target password.
	ErrCredentials = errors.New("credential resolution failed")
)
