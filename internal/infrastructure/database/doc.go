// Package database provides the SQLite store behind the IR bridge's
// device event history.
//
// The database runs with WAL mode and a busy timeout, a single pooled
// connection, and 0600 file permissions. Schema changes are versioned
// migration files supplied as an fs.FS (see the migrations package):
//
//	db, err := database.Open(cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// Migrations are additive: new columns are nullable or defaulted, and
// every .up.sql has a matching .down.sql.
package database
