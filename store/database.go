// database.go - Kern-Datenbank-Funktionen fuer den Graph-Cache
// Enthaelt: database struct, newDatabase, Close, init, Migrationen

package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3" // SQLite-Treiber registrieren
)

// currentSchemaVersion definiert die aktuelle Datenbank-Schema-Version.
// Wird bei Schema-Aenderungen erhoeht, die Migrationen erfordern.
const currentSchemaVersion = 2

// database umhuellt die SQLite-Verbindung. SQLite serialisiert Schreiber
// selbst, im WAL-Modus blockieren Leser keine Schreiber.
type database struct {
	conn *sql.DB
}

// newDatabase erstellt eine neue Datenbankverbindung
func newDatabase(dbPath string) (*database, error) {
	conn, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	db := &database{conn: conn}

	if err := db.init(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("initialize database: %w", err)
	}

	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	return db, nil
}

// Close schliesst die Datenbankverbindung
func (db *database) Close() error {
	_, _ = db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE);")
	return db.conn.Close()
}

// init legt das Schema an, falls die Datenbank neu ist
func (db *database) init() error {
	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS meta (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		schema_version INTEGER NOT NULL DEFAULT %d
	);

	INSERT OR IGNORE INTO meta (id) VALUES (1);

	CREATE TABLE IF NOT EXISTS graphs (
		id TEXT NOT NULL UNIQUE,
		model TEXT NOT NULL,
		signature TEXT NOT NULL,
		options TEXT NOT NULL DEFAULT '',
		source_checksum TEXT NOT NULL,
		checksum TEXT NOT NULL,
		version TEXT NOT NULL,
		data BLOB NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		last_used_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		hits INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (model, signature, options)
	);

	CREATE INDEX IF NOT EXISTS idx_graphs_model ON graphs(model);
	`, currentSchemaVersion)

	if _, err := db.conn.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// getSchemaVersion liest die gespeicherte Schema-Version
func (db *database) getSchemaVersion() (int, error) {
	var version int
	if err := db.conn.QueryRow("SELECT schema_version FROM meta WHERE id = 1").Scan(&version); err != nil {
		return 0, err
	}
	return version, nil
}

// migrate fuehrt Datenbank-Schema-Migrationen durch
func (db *database) migrate() error {
	version, err := db.getSchemaVersion()
	if err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	for version < currentSchemaVersion {
		switch version {
		case 1:
			// Nutzungsstatistik pro Eintrag
			if err := db.migrateV1ToV2(); err != nil {
				return fmt.Errorf("migrate v1 to v2: %w", err)
			}
			version = 2
		default:
			return fmt.Errorf("unknown schema version %d", version)
		}
	}

	return nil
}

// migrateV1ToV2 fuegt last_used_at und hits zur graphs Tabelle hinzu
func (db *database) migrateV1ToV2() error {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`ALTER TABLE graphs ADD COLUMN last_used_at TIMESTAMP NOT NULL DEFAULT '1970-01-01 00:00:00'`,
		`ALTER TABLE graphs ADD COLUMN hits INTEGER NOT NULL DEFAULT 0`,
		`UPDATE meta SET schema_version = 2`,
	} {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("%s: %w", stmt, err)
		}
	}

	return tx.Commit()
}
