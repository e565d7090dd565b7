package store

import (
	"database/sql"

	assets "github.com/haatos/simple-cd"
	"github.com/pressly/goose/v3"
)

func RunMigrations(db *sql.DB, dialect string) error {
	goose.SetBaseFS(assets.MigrationsFS)
	if err := goose.SetDialect(dialect); err != nil {
		return err
	}
	return goose.Up(db, "migrations")
}
