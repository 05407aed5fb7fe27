package db

import (
	"embed"
	"fmt"
	"io/fs"

	"github.com/livinlefevreloca/histsyncer/tools/migrator"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// Migrate brings the schema up to date. An empty dir selects the migrations
// compiled into the binary.
func (db *DB) Migrate(dir string) (int, error) {
	var err error
	if dir == "" {
		var sub fs.FS
		sub, err = fs.Sub(embeddedMigrations, "migrations")
		if err != nil {
			return 0, err
		}
		err = migrator.RunMigrations(db.DB, db.driver, sub)
	} else {
		err = migrator.RunMigrationsDir(db.DB, db.driver, dir)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to run migrations: %w", err)
	}

	return migrator.GetCurrentVersion(db.DB)
}
