package mecho

import "embed"

// Migrations for the per-mode primary store (mecho.db) and the archival
// store (archival.db). Embedded so mode directories can be created at
// runtime without shipping SQL files.
//
//go:embed migrations/store/*.sql
var storeMigrationFS embed.FS

//go:embed migrations/archival/*.sql
var archivalMigrationFS embed.FS
