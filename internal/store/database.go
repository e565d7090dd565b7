package store

import (
	"database/sql"
	"errors"
	"fmt"
	"runtime"

	"github.com/georgysavva/scany/v2/sqlscan"
	"github.com/haatos/simple-cd/internal/fault"
	"github.com/haatos/simple-cd/internal/settings"
	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func InitDatabase(s *settings.AppSettings, readonly bool) (*sql.DB, error) {
	db, err := sql.Open(s.SQLDriverName(), s.DatabaseString(readonly))
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", s.DBDriver, err)
	}

	if s.DBDriver == settings.DriverPostgres {
		db.SetMaxOpenConns(max(4, runtime.NumCPU()))
		return db, nil
	}

	if readonly {
		db.SetMaxOpenConns(max(4, runtime.NumCPU()))
	} else {
		if _, err := db.Exec("PRAGMA temp_store=memory"); err != nil {
			return nil, err
		}
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			return nil, err
		}
		db.SetMaxOpenConns(1)
	}

	return db, nil
}

func notFound(err error, what, id string) error {
	if err == nil {
		return nil
	}
	if sqlscan.NotFound(err) || errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", what, id, errors.Join(fault.ErrNotFound, err))
	}
	return err
}

// affected reports a not found error when a write touched no rows.
func affected(res sql.Result, err error, what, id string) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound(sql.ErrNoRows, what, id)
	}
	return nil
}

// conflict maps unique constraint violations of either driver to
// fault.ErrAlreadyExists.
func conflict(err error, what, id string) error {
	if err == nil {
		return nil
	}
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) &&
		(sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
			sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY) {
		return fmt.Errorf("%s %s: %w", what, id, errors.Join(fault.ErrAlreadyExists, err))
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%s %s: %w", what, id, errors.Join(fault.ErrAlreadyExists, err))
	}
	return err
}
