package db

import (
	"database/sql"
	"embed"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/driftline/metasync/errors"
)

//go:embed sqlite/queue/*.sql
var queueMigrations embed.FS

//go:embed sqlite/dlq/*.sql
var dlqMigrations embed.FS

// MigrateQueue applies queue-database migrations.
func MigrateQueue(db *sql.DB, logger *zap.SugaredLogger) error {
	return migrate(db, queueMigrations, "sqlite/queue", logger)
}

// MigrateDLQ applies dead-letter-database migrations.
func MigrateDLQ(db *sql.DB, logger *zap.SugaredLogger) error {
	return migrate(db, dlqMigrations, "sqlite/dlq", logger)
}

// migrate runs all pending migrations from an embedded directory.
// Migration 000 creates the schema_migrations table, then records itself.
func migrate(db *sql.DB, fsys embed.FS, dir string, logger *zap.SugaredLogger) error {
	entries, err := fsys.ReadDir(dir)
	if err != nil {
		return errors.Wrap(err, "read migrations")
	}

	var migrationFiles []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			migrationFiles = append(migrationFiles, entry.Name())
		}
	}
	sort.Strings(migrationFiles)

	for _, filename := range migrationFiles {
		version := strings.Split(filename, "_")[0]

		var exists bool
		err := db.QueryRow("SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = ?)", version).Scan(&exists)
		if err != nil {
			// Table doesn't exist yet - this must be migration 000
			if version != "000" {
				return errors.Newf("schema_migrations table missing, but migration is not 000: %s", filename)
			}
		} else if exists {
			if logger != nil {
				logger.Debugw("Skipping migration (already applied)",
					"migration", filename,
					"version", version,
				)
			}
			continue
		}

		sqlBytes, err := fsys.ReadFile(filepath.Join(dir, filename))
		if err != nil {
			return errors.Wrapf(err, "read %s", filename)
		}

		if logger != nil {
			logger.Debugw("Applying migration", "migration", filename, "version", version)
		}

		tx, err := db.Begin()
		if err != nil {
			return errors.Wrapf(err, "begin tx for %s", filename)
		}

		if _, err := tx.Exec(string(sqlBytes)); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "execute %s", filename)
		}

		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "record %s", filename)
		}

		if err := tx.Commit(); err != nil {
			return errors.Wrapf(err, "commit %s", filename)
		}
	}

	return nil
}
