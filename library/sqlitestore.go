package library

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// SQLiteStore is an embedded-database implementation of Store. It keeps the
// same snapshot overwrite semantics as FileStore: each Save* replaces the
// whole collection inside one transaction.
type SQLiteStore struct {
	db   *sql.DB
	path string
	log  zerolog.Logger
}

const sqliteSchemaVersion = 1

// NewSQLiteStore opens (or creates) the database at dbPath and applies schema
// migrations.
func NewSQLiteStore(dbPath string, log zerolog.Logger) (*SQLiteStore, error) {
	// Ensure directory exists so first-run succeeds.
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, &StorageError{Op: "mkdir", Path: dir, Err: err}
		}
	}

	// Enable busy_timeout and foreign keys.
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=1", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, &StorageError{Op: "open", Path: dbPath, Err: err}
	}

	if err := applySQLiteMigrations(db); err != nil {
		db.Close()
		return nil, &StorageError{Op: "migrate", Path: dbPath, Err: err}
	}

	return &SQLiteStore{db: db, path: dbPath, log: log}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func applySQLiteMigrations(db *sql.DB) error {
	// WAL improves write concurrency.
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return fmt.Errorf("enable WAL: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS meta (key TEXT PRIMARY KEY, value TEXT);`); err != nil {
		return err
	}

	var current int
	_ = db.QueryRow(`SELECT value FROM meta WHERE key='schema_version';`).Scan(&current)
	if current >= sqliteSchemaVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS books (
            title TEXT NOT NULL,
            author TEXT NOT NULL,
            category TEXT NOT NULL DEFAULT 'General',
            available BOOLEAN NOT NULL DEFAULT 1,
            borrowed_by TEXT,
            due_date DATETIME
        );`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_books_key ON books(lower(title), lower(author));`,
		`CREATE TABLE IF NOT EXISTS members (
            id TEXT PRIMARY KEY,
            name TEXT NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS loans (
            member_id TEXT NOT NULL REFERENCES members(id) ON DELETE CASCADE,
            title TEXT NOT NULL,
            author TEXT NOT NULL,
            due_date DATETIME NOT NULL,
            position INTEGER NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS ledger (
            id TEXT PRIMARY KEY,
            at DATETIME NOT NULL,
            event TEXT NOT NULL,
            title TEXT NOT NULL,
            author TEXT NOT NULL,
            member_id TEXT NOT NULL,
            due_date DATETIME
        );`,
	}

	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("apply migration: %w", err)
		}
	}

	if _, err := tx.Exec(`INSERT INTO meta(key,value) VALUES('schema_version',?)
            ON CONFLICT(key) DO UPDATE SET value=excluded.value;`, sqliteSchemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}

	return tx.Commit()
}

// LoadBooks reads the whole catalog. Rows that violate the entity invariants
// surface as a *CorruptionError, same as the file-backed store.
func (s *SQLiteStore) LoadBooks() (map[BookKey]*Book, error) {
	rows, err := s.db.Query(`SELECT title, author, category, available, borrowed_by, due_date FROM books`)
	if err != nil {
		return nil, &StorageError{Op: "read", Path: s.path, Err: err}
	}
	defer rows.Close()

	books := make(map[BookKey]*Book)
	for rows.Next() {
		var (
			b        Book
			borrower sql.NullString
			due      sql.NullTime
		)
		if err := rows.Scan(&b.Title, &b.Author, &b.Category, &b.Available, &borrower, &due); err != nil {
			return nil, &StorageError{Op: "scan", Path: s.path, Err: err}
		}
		if borrower.Valid {
			b.BorrowedBy = borrower.String
		}
		if due.Valid {
			t := due.Time
			b.DueDate = &t
		}
		if err := validateBookRecord(&b); err != nil {
			return nil, &CorruptionError{Path: s.path, Err: err}
		}
		books[b.Key()] = &b
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "read", Path: s.path, Err: err}
	}
	return books, nil
}

// SaveBooks replaces the catalog in one transaction.
func (s *SQLiteStore) SaveBooks(books map[BookKey]*Book) error {
	tx, err := s.db.Begin()
	if err != nil {
		return &StorageError{Op: "begin", Path: s.path, Err: err}
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM books`); err != nil {
		return &StorageError{Op: "write", Path: s.path, Err: err}
	}
	stmt, err := tx.Prepare(`INSERT INTO books(title, author, category, available, borrowed_by, due_date) VALUES(?,?,?,?,?,?)`)
	if err != nil {
		return &StorageError{Op: "write", Path: s.path, Err: err}
	}
	defer stmt.Close()

	for _, b := range books {
		var (
			borrower sql.NullString
			due      sql.NullTime
		)
		if b.BorrowedBy != "" {
			borrower = sql.NullString{String: b.BorrowedBy, Valid: true}
		}
		if b.DueDate != nil {
			due = sql.NullTime{Time: *b.DueDate, Valid: true}
		}
		if _, err := stmt.Exec(b.Title, b.Author, b.Category, b.Available, borrower, due); err != nil {
			return &StorageError{Op: "write", Path: s.path, Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &StorageError{Op: "commit", Path: s.path, Err: err}
	}
	return nil
}

// LoadMembers reads the roster with each member's loans in borrow order.
func (s *SQLiteStore) LoadMembers() (map[string]*Member, error) {
	rows, err := s.db.Query(`SELECT id, name FROM members ORDER BY id`)
	if err != nil {
		return nil, &StorageError{Op: "read", Path: s.path, Err: err}
	}
	defer rows.Close()

	members := make(map[string]*Member)
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.ID, &m.Name); err != nil {
			return nil, &StorageError{Op: "scan", Path: s.path, Err: err}
		}
		members[m.ID] = &m
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "read", Path: s.path, Err: err}
	}

	loanRows, err := s.db.Query(`SELECT member_id, title, author, due_date FROM loans ORDER BY member_id, position`)
	if err != nil {
		return nil, &StorageError{Op: "read", Path: s.path, Err: err}
	}
	defer loanRows.Close()

	for loanRows.Next() {
		var (
			memberID string
			ln       Loan
		)
		if err := loanRows.Scan(&memberID, &ln.Title, &ln.Author, &ln.DueDate); err != nil {
			return nil, &StorageError{Op: "scan", Path: s.path, Err: err}
		}
		m, ok := members[memberID]
		if !ok {
			return nil, &CorruptionError{Path: s.path, Err: fmt.Errorf("loan references unknown member %q", memberID)}
		}
		m.Loans = append(m.Loans, ln)
	}
	if err := loanRows.Err(); err != nil {
		return nil, &StorageError{Op: "read", Path: s.path, Err: err}
	}

	for _, m := range members {
		if err := validateMemberRecord(m); err != nil {
			return nil, &CorruptionError{Path: s.path, Err: err}
		}
	}
	return members, nil
}

// SaveMembers replaces the roster and loans in one transaction.
func (s *SQLiteStore) SaveMembers(members map[string]*Member) error {
	tx, err := s.db.Begin()
	if err != nil {
		return &StorageError{Op: "begin", Path: s.path, Err: err}
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM loans`); err != nil {
		return &StorageError{Op: "write", Path: s.path, Err: err}
	}
	if _, err := tx.Exec(`DELETE FROM members`); err != nil {
		return &StorageError{Op: "write", Path: s.path, Err: err}
	}

	memberStmt, err := tx.Prepare(`INSERT INTO members(id, name) VALUES(?,?)`)
	if err != nil {
		return &StorageError{Op: "write", Path: s.path, Err: err}
	}
	defer memberStmt.Close()
	loanStmt, err := tx.Prepare(`INSERT INTO loans(member_id, title, author, due_date, position) VALUES(?,?,?,?,?)`)
	if err != nil {
		return &StorageError{Op: "write", Path: s.path, Err: err}
	}
	defer loanStmt.Close()

	for _, m := range members {
		if _, err := memberStmt.Exec(m.ID, m.Name); err != nil {
			return &StorageError{Op: "write", Path: s.path, Err: err}
		}
		for i, ln := range m.Loans {
			if _, err := loanStmt.Exec(m.ID, ln.Title, ln.Author, ln.DueDate, i); err != nil {
				return &StorageError{Op: "write", Path: s.path, Err: err}
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return &StorageError{Op: "commit", Path: s.path, Err: err}
	}
	return nil
}

// AppendLedger inserts one event row; ledger rows are never updated.
func (s *SQLiteStore) AppendLedger(entry LedgerEntry) error {
	var due sql.NullTime
	if entry.DueDate != nil {
		due = sql.NullTime{Time: *entry.DueDate, Valid: true}
	}
	_, err := s.db.Exec(
		`INSERT INTO ledger(id, at, event, title, author, member_id, due_date) VALUES(?,?,?,?,?,?,?)`,
		entry.ID, entry.Time, entry.Event, entry.Title, entry.Author, entry.MemberID, due,
	)
	if err != nil {
		return &StorageError{Op: "append", Path: s.path, Err: err}
	}
	return nil
}

// ReadLedger returns the most recent limit entries in chronological order, or
// all entries when limit <= 0.
func (s *SQLiteStore) ReadLedger(limit int) ([]LedgerEntry, error) {
	query := `SELECT id, at, event, title, author, member_id, due_date FROM ledger ORDER BY at, rowid`
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, &StorageError{Op: "read", Path: s.path, Err: err}
	}
	defer rows.Close()

	var entries []LedgerEntry
	for rows.Next() {
		var (
			e   LedgerEntry
			due sql.NullTime
		)
		if err := rows.Scan(&e.ID, &e.Time, &e.Event, &e.Title, &e.Author, &e.MemberID, &due); err != nil {
			return nil, &StorageError{Op: "scan", Path: s.path, Err: err}
		}
		if due.Valid {
			t := due.Time
			e.DueDate = &t
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "read", Path: s.path, Err: err}
	}

	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}
