package library

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
)

// On-disk layout inside the data directory.
const (
	CatalogFile = "catalog.json"
	MembersFile = "members.json"
	LedgerFile  = "ledger.jsonl"

	backupSubdir = "backups"
)

var (
	fileCodec   = jsoniter.ConfigCompatibleWithStandardLibrary
	ledgerCodec = jsoniter.ConfigFastest
)

// FileStore persists the catalog and roster as JSON documents and the ledger
// as append-only JSON lines. Saves write to a temp file in the same directory
// and rename over the target, so a crash mid-write never leaves a truncated
// file behind.
type FileStore struct {
	dir         string
	booksPath   string
	membersPath string
	ledgerPath  string

	backups    bool
	backupKeep int

	log zerolog.Logger
}

// NewFileStore creates (or reuses) the data directory at dir. Backups are
// enabled by default, keeping the five most recent copies per file.
func NewFileStore(dir string, log zerolog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &StorageError{Op: "mkdir", Path: dir, Err: err}
	}
	return &FileStore{
		dir:         dir,
		booksPath:   filepath.Join(dir, CatalogFile),
		membersPath: filepath.Join(dir, MembersFile),
		ledgerPath:  filepath.Join(dir, LedgerFile),
		backups:     true,
		backupKeep:  5,
		log:         log,
	}, nil
}

// SetBackups toggles the pre-save backup hook and how many backups per file
// to retain.
func (s *FileStore) SetBackups(enabled bool, keep int) {
	s.backups = enabled
	if keep > 0 {
		s.backupKeep = keep
	}
}

// Close implements Store. The file store holds no open handles between calls.
func (s *FileStore) Close() error { return nil }

// LoadBooks parses the catalog file into a map keyed by natural key. A
// missing file yields an empty catalog; malformed content yields a
// *CorruptionError rather than a partially-parsed collection.
func (s *FileStore) LoadBooks() (map[BookKey]*Book, error) {
	data, err := os.ReadFile(s.booksPath)
	if os.IsNotExist(err) {
		return map[BookKey]*Book{}, nil
	}
	if err != nil {
		return nil, &StorageError{Op: "read", Path: s.booksPath, Err: err}
	}

	var records []Book
	if err := fileCodec.Unmarshal(data, &records); err != nil {
		return nil, &CorruptionError{Path: s.booksPath, Err: err}
	}

	books := make(map[BookKey]*Book, len(records))
	for i := range records {
		b := records[i]
		if err := validateBookRecord(&b); err != nil {
			return nil, &CorruptionError{Path: s.booksPath, Err: err}
		}
		key := b.Key()
		if _, dup := books[key]; dup {
			return nil, &CorruptionError{
				Path: s.booksPath,
				Err:  fmt.Errorf("duplicate book record %q by %q", b.Title, b.Author),
			}
		}
		books[key] = &b
	}
	return books, nil
}

// SaveBooks atomically overwrites the catalog file with a deterministic
// (key-sorted) snapshot of the collection.
func (s *FileStore) SaveBooks(books map[BookKey]*Book) error {
	records := make([]Book, 0, len(books))
	for _, b := range books {
		records = append(records, *b)
	}
	sort.Slice(records, func(i, j int) bool {
		ki, kj := records[i].Key(), records[j].Key()
		if ki.Title != kj.Title {
			return ki.Title < kj.Title
		}
		return ki.Author < kj.Author
	})

	data, err := fileCodec.MarshalIndent(records, "", "  ")
	if err != nil {
		return &StorageError{Op: "encode", Path: s.booksPath, Err: err}
	}
	return s.writeAtomic(s.booksPath, data)
}

// LoadMembers parses the roster file into a map keyed by member ID.
func (s *FileStore) LoadMembers() (map[string]*Member, error) {
	data, err := os.ReadFile(s.membersPath)
	if os.IsNotExist(err) {
		return map[string]*Member{}, nil
	}
	if err != nil {
		return nil, &StorageError{Op: "read", Path: s.membersPath, Err: err}
	}

	var records []Member
	if err := fileCodec.Unmarshal(data, &records); err != nil {
		return nil, &CorruptionError{Path: s.membersPath, Err: err}
	}

	members := make(map[string]*Member, len(records))
	for i := range records {
		m := records[i]
		if err := validateMemberRecord(&m); err != nil {
			return nil, &CorruptionError{Path: s.membersPath, Err: err}
		}
		if _, dup := members[m.ID]; dup {
			return nil, &CorruptionError{
				Path: s.membersPath,
				Err:  fmt.Errorf("duplicate member id %q", m.ID),
			}
		}
		members[m.ID] = &m
	}
	return members, nil
}

// SaveMembers atomically overwrites the roster file, sorted by member ID.
func (s *FileStore) SaveMembers(members map[string]*Member) error {
	records := make([]Member, 0, len(members))
	for _, m := range members {
		records = append(records, *m)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })

	data, err := fileCodec.MarshalIndent(records, "", "  ")
	if err != nil {
		return &StorageError{Op: "encode", Path: s.membersPath, Err: err}
	}
	return s.writeAtomic(s.membersPath, data)
}

// AppendLedger writes one JSON line to the ledger. Prior entries are never
// rewritten.
func (s *FileStore) AppendLedger(entry LedgerEntry) error {
	line, err := ledgerCodec.Marshal(entry)
	if err != nil {
		return &StorageError{Op: "encode", Path: s.ledgerPath, Err: err}
	}

	f, err := os.OpenFile(s.ledgerPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return &StorageError{Op: "open", Path: s.ledgerPath, Err: err}
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return &StorageError{Op: "append", Path: s.ledgerPath, Err: err}
	}
	return nil
}

// ReadLedger returns the most recent limit entries in chronological order, or
// all entries when limit <= 0. Unparsable lines are skipped with a warning;
// the ledger is audit data and one bad line must not hide the rest.
func (s *FileStore) ReadLedger(limit int) ([]LedgerEntry, error) {
	f, err := os.Open(s.ledgerPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, &StorageError{Op: "open", Path: s.ledgerPath, Err: err}
	}
	defer f.Close()

	var entries []LedgerEntry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var e LedgerEntry
		if err := ledgerCodec.Unmarshal([]byte(line), &e); err != nil {
			s.log.Warn().Str("path", s.ledgerPath).Err(err).Msg("skipping malformed ledger line")
			continue
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, &StorageError{Op: "read", Path: s.ledgerPath, Err: err}
	}

	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}

// RestoreBooksBackup replaces the catalog file with its most recent backup.
func (s *FileStore) RestoreBooksBackup() error { return s.restoreLatest(s.booksPath) }

// RestoreMembersBackup replaces the roster file with its most recent backup.
func (s *FileStore) RestoreMembersBackup() error { return s.restoreLatest(s.membersPath) }

// Backups lists backup file names for the given live file name, newest first.
func (s *FileStore) Backups(name string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, backupSubdir))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, &StorageError{Op: "read", Path: filepath.Join(s.dir, backupSubdir), Err: err}
	}

	var names []string
	prefix := name + "."
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), prefix) {
			names = append(names, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	return names, nil
}

func (s *FileStore) restoreLatest(livePath string) error {
	base := filepath.Base(livePath)
	backups, err := s.Backups(base)
	if err != nil {
		return err
	}
	if len(backups) == 0 {
		return &StorageError{Op: "restore", Path: livePath, Err: fmt.Errorf("no backups of %s", base)}
	}

	src := filepath.Join(s.dir, backupSubdir, backups[0])
	data, err := os.ReadFile(src)
	if err != nil {
		return &StorageError{Op: "restore", Path: src, Err: err}
	}
	if err := s.writeAtomicNoBackup(livePath, data); err != nil {
		return err
	}
	s.log.Info().Str("file", base).Str("backup", backups[0]).Msg("restored from backup")
	return nil
}

func (s *FileStore) writeAtomic(path string, data []byte) error {
	if s.backups {
		if err := s.backupBefore(path); err != nil {
			// A failed backup must not block the save itself.
			s.log.Warn().Str("path", path).Err(err).Msg("pre-save backup failed")
		}
	}
	return s.writeAtomicNoBackup(path, data)
}

func (s *FileStore) writeAtomicNoBackup(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-")
	if err != nil {
		return &StorageError{Op: "write", Path: path, Err: err}
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return &StorageError{Op: "write", Path: path, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return &StorageError{Op: "sync", Path: path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return &StorageError{Op: "close", Path: path, Err: err}
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return &StorageError{Op: "rename", Path: path, Err: err}
	}
	return nil
}

func (s *FileStore) backupBefore(path string) error {
	src, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer src.Close()

	backupDir := filepath.Join(s.dir, backupSubdir)
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return err
	}

	base := filepath.Base(path)
	stamp := time.Now().UTC().Format("20060102T150405.000000000")
	dst, err := os.Create(filepath.Join(backupDir, base+"."+stamp))
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}

	s.pruneBackups(base)
	return nil
}

func (s *FileStore) pruneBackups(base string) {
	backups, err := s.Backups(base)
	if err != nil || len(backups) <= s.backupKeep {
		return
	}
	for _, old := range backups[s.backupKeep:] {
		if err := os.Remove(filepath.Join(s.dir, backupSubdir, old)); err != nil {
			s.log.Warn().Str("backup", old).Err(err).Msg("could not prune backup")
		}
	}
}

// validateBookRecord rejects records that violate the entity invariants, so
// malformed data becomes a typed corruption failure at load time instead of
// propagating as ill-formed state.
func validateBookRecord(b *Book) error {
	if strings.TrimSpace(b.Title) == "" || strings.TrimSpace(b.Author) == "" {
		return fmt.Errorf("book record missing title or author")
	}
	if strings.TrimSpace(b.Category) == "" {
		b.Category = DefaultCategory
	}
	if b.Available {
		if b.BorrowedBy != "" || b.DueDate != nil {
			return fmt.Errorf("available book %q carries borrower state", b.Title)
		}
	} else {
		if b.BorrowedBy == "" || b.DueDate == nil {
			return fmt.Errorf("issued book %q missing borrower or due date", b.Title)
		}
	}
	return nil
}

func validateMemberRecord(m *Member) error {
	if strings.TrimSpace(m.ID) == "" {
		return fmt.Errorf("member record missing id")
	}
	if strings.TrimSpace(m.Name) == "" {
		return fmt.Errorf("member record %s missing name", m.ID)
	}
	for _, ln := range m.Loans {
		if strings.TrimSpace(ln.Title) == "" || strings.TrimSpace(ln.Author) == "" {
			return fmt.Errorf("member %s has a loan without title or author", m.ID)
		}
	}
	return nil
}
