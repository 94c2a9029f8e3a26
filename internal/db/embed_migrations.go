package db

import "embed"

// MigrationFS holds the schema: users, sessions, oauth_connections, oauth_states,
// violations and ticket_links. Applied by internal/db/migrate (cmd/migrate).
//
//go:embed migrations/*.sql
var MigrationFS embed.FS
