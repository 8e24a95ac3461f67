package library

// Store is the durable persistence contract the circulation engine is built
// against. Implementations own the on-disk representation exclusively; the
// engine owns the in-memory collections.
//
// Load methods return empty collections when nothing has been persisted yet
// and a *CorruptionError when persisted data cannot be parsed. Save methods
// overwrite the whole collection atomically and return a *StorageError on
// I/O failure. AppendLedger never rewrites prior entries.
type Store interface {
	LoadBooks() (map[BookKey]*Book, error)
	SaveBooks(books map[BookKey]*Book) error

	LoadMembers() (map[string]*Member, error)
	SaveMembers(members map[string]*Member) error

	AppendLedger(entry LedgerEntry) error
	ReadLedger(limit int) ([]LedgerEntry, error)

	Close() error
}
