// Package database opens the bridge's SQLite file and applies migrations.
//
// The file holds the sealed session token, the audit log and the migration
// ledger. It is opened with one connection, WAL journaling when configured,
// and mode 0600. Migrations are forward-only SQL files embedded by the
// migrations package:
//
//	db, err := database.Open(ctx, cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
package database
