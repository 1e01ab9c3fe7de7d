package commands

import (
	"database/sql"

	"github.com/quillwiki/quill/config"
	"github.com/quillwiki/quill/db"
	"github.com/quillwiki/quill/errors"
	"github.com/quillwiki/quill/logger"
)

// openDatabase opens and migrates the job database. An empty dbPath falls
// back to the configured path, then to ~/.quill/quill.db.
func openDatabase(dbPath string) (*sql.DB, error) {
	if dbPath == "" {
		path, err := config.GetDatabasePath()
		if err != nil {
			return nil, errors.Wrap(err, "failed to get database path")
		}
		if path == "" {
			dbPath = config.DefaultDatabasePath()
		} else {
			dbPath = path
		}
	}

	database, err := db.Open(dbPath, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", dbPath)
	}

	if err := db.Migrate(database, logger.Logger); err != nil {
		database.Close()
		return nil, errors.Wrapf(err, "failed to run migrations on %s", dbPath)
	}

	return database, nil
}
