package postgres

import "embed"

// Migrations holds the schema and seed migrations in golang-migrate layout.
//
//go:embed migrations/*.sql
var Migrations embed.FS

const MigrationsDir = "migrations"
