package infra

import (
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sqlcipher "github.com/mutecomm/go-sqlcipher/v4"

	"github.com/appfence/appfence/internal/domain"
)

// Ensure sqlcipher driver is registered.
var _ = sqlcipher.ErrBusy

const journalDBName = "journal.db"

// JournalImpl implements domain.MutationJournal using a SQLCipher encrypted
// SQLite database. Rule mutations are recorded here for the history command;
// journal failures never fail the firewall operation that triggered them.
type JournalImpl struct {
	db     *sql.DB
	dbPath string
}

// NewJournal opens (or creates) the encrypted journal database.
// The key is used as the SQLCipher passphrase via PRAGMA key.
func NewJournal(dataDir string, key []byte) (*JournalImpl, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, journalDBName)
	keyHex := hex.EncodeToString(key)

	// Open with SQLCipher key as DSN parameter
	dsn := fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096", dbPath, keyHex)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open encrypted journal: %w", err)
	}

	// Verify encryption works by running a query
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to encrypted journal: %w", err)
	}

	j := &JournalImpl{db: db, dbPath: dbPath}
	if err := j.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return j, nil
}

// createTables creates the schema if it doesn't exist.
func (j *JournalImpl) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS rule_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		at INTEGER NOT NULL,
		action TEXT NOT NULL,
		path TEXT NOT NULL,
		outcome TEXT NOT NULL,
		detail TEXT DEFAULT ''
	);
	`
	_, err := j.db.Exec(schema)
	return err
}

// Record appends one mutation entry.
func (j *JournalImpl) Record(entry domain.JournalEntry) error {
	at := entry.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := j.db.Exec(`
		INSERT INTO rule_events (at, action, path, outcome, detail)
		VALUES (?, ?, ?, ?, ?)`,
		at.Unix(), entry.Action, entry.Path, entry.Outcome, entry.Detail,
	)
	return err
}

// Recent returns up to limit entries, newest first.
func (j *JournalImpl) Recent(limit int) ([]domain.JournalEntry, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := j.db.Query(`
		SELECT at, action, path, outcome, detail
		FROM rule_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.JournalEntry
	for rows.Next() {
		var at int64
		var e domain.JournalEntry
		if err := rows.Scan(&at, &e.Action, &e.Path, &e.Outcome, &e.Detail); err != nil {
			return nil, err
		}
		e.At = time.Unix(at, 0)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close releases the database connection.
func (j *JournalImpl) Close() error {
	if j.db != nil {
		return j.db.Close()
	}
	return nil
}

// Path returns the journal database file path (for tests).
func (j *JournalImpl) Path() string {
	return j.dbPath
}

// Ensure JournalImpl implements domain.MutationJournal.
var _ domain.MutationJournal = (*JournalImpl)(nil)
