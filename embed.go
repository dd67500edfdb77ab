package coachline

import _ "embed"

// SchemaSQL is the full database schema applied to a fresh database.
//
//go:embed schema.sql
var SchemaSQL []byte
