// Package database opens the SQLite file behind the key-value store and
// applies its schema migrations.
//
// Either the cgo driver (mattn/go-sqlite3) or the pure-Go driver
// (modernc.org/sqlite) can be selected. WAL mode and a busy timeout let
// several processes share one file.
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
package database
