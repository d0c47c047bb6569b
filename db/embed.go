package db

import "embed"

// MigrationFS holds the SQL migrations applied by repository.RunMigrations.
//
//go:embed migrations/*.sql
var MigrationFS embed.FS
