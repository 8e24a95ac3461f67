package library

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultLoanPeriod is the fixed interval from issue to due date.
const DefaultLoanPeriod = 14 * 24 * time.Hour

// SearchMode selects which fields a catalog search matches against.
type SearchMode string

const (
	SearchTitle  SearchMode = "title"
	SearchAuthor SearchMode = "author"
	SearchBoth   SearchMode = "both"
)

// Library is the circulation engine. It owns the authoritative in-memory
// catalog and roster for the lifetime of a process, loading them once at
// startup and flushing on every mutation.
//
// One lock guards all state: mutations are serialized so the
// check-then-mutate-then-persist sequence of issue/return is atomic with
// respect to other circulation operations, and read-only queries observe a
// consistent snapshot under the read lock.
type Library struct {
	mu    sync.RWMutex
	store Store

	books        map[BookKey]*Book
	members      map[string]*Member
	nextMemberID int

	loanPeriod time.Duration
	now        func() time.Time
	log        zerolog.Logger
}

// NewLibrary constructs an engine over store. Call Load before first use.
func NewLibrary(store Store, log zerolog.Logger) *Library {
	return &Library{
		store:        store,
		books:        map[BookKey]*Book{},
		members:      map[string]*Member{},
		nextMemberID: 1,
		loanPeriod:   DefaultLoanPeriod,
		now:          time.Now,
		log:          log,
	}
}

// SetLoanPeriod overrides the default 14-day loan period.
func (l *Library) SetLoanPeriod(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if d > 0 {
		l.loanPeriod = d
	}
}

// Load reads both collections from the store. Corruption in either file is
// returned as-is so the caller can decide between backup restore and
// reinitialization; nothing is silently dropped.
func (l *Library) Load() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	books, err := l.store.LoadBooks()
	if err != nil {
		return err
	}
	members, err := l.store.LoadMembers()
	if err != nil {
		return err
	}

	l.books = books
	l.members = members
	l.nextMemberID = nextMemberNumber(members)
	l.reconcile()
	return nil
}

// Save flushes both collections, for shutdown paths.
func (l *Library) Save() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.saveBoth()
}

// Close flushes nothing (mutations persist eagerly) and releases the store.
func (l *Library) Close() error { return l.store.Close() }

// nextMemberNumber derives the counter from the highest persisted ID, so IDs
// stay monotonic across restarts without storing the counter separately.
func nextMemberNumber(members map[string]*Member) int {
	next := 1
	for id := range members {
		if n, err := strconv.Atoi(strings.TrimPrefix(id, "M")); err == nil && n >= next {
			next = n + 1
		}
	}
	return next
}

// reconcile repairs cross-collection drift that a partial save can leave
// behind: every issued book must appear exactly once in its borrower's loans.
// Drift is repaired from the catalog, which is authoritative for book state.
func (l *Library) reconcile() {
	for key, b := range l.books {
		if b.Available {
			continue
		}
		m, ok := l.members[b.BorrowedBy]
		if !ok {
			l.log.Warn().Str("title", b.Title).Str("member", b.BorrowedBy).
				Msg("issued book references unknown member; marking available")
			b.Available = true
			b.BorrowedBy = ""
			b.DueDate = nil
			continue
		}
		if !m.HasLoan(key) {
			l.log.Warn().Str("title", b.Title).Str("member", m.ID).
				Msg("issued book missing from member loans; repairing")
			m.addLoan(b, *b.DueDate)
		}
	}
	for _, m := range l.members {
		kept := m.Loans[:0]
		for _, ln := range m.Loans {
			key := NewBookKey(ln.Title, ln.Author)
			if b, ok := l.books[key]; ok && !b.Available && b.BorrowedBy == m.ID {
				kept = append(kept, ln)
				continue
			}
			l.log.Warn().Str("title", ln.Title).Str("member", m.ID).
				Msg("dropping dangling loan entry")
		}
		m.Loans = kept
	}
}

// ------------------ Catalog mutations ------------------

// AddBook inserts a new available book. Exact duplicate title+author pairs
// are rejected; the catalog tracks one record per work, not per copy.
func (l *Library) AddBook(title, author, category string) (*Book, error) {
	b, err := NewBook(title, author, category)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := b.Key()
	if _, exists := l.books[key]; exists {
		return nil, fmt.Errorf("%q by %q: %w", b.Title, b.Author, ErrDuplicate)
	}

	l.books[key] = b
	if err := l.saveBooksWithRetry(); err != nil {
		delete(l.books, key)
		return nil, err
	}

	out := *b
	return &out, nil
}

// RemoveBook deletes an available book from the catalog. Issued books cannot
// be removed until returned.
func (l *Library) RemoveBook(title, author string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := NewBookKey(title, author)
	b, ok := l.books[key]
	if !ok {
		return fmt.Errorf("%q by %q: %w", title, author, ErrBookNotFound)
	}
	if !b.Available {
		return fmt.Errorf("%q is issued to %s: %w", b.Title, b.BorrowedBy, ErrNotAvailable)
	}

	delete(l.books, key)
	if err := l.saveBooksWithRetry(); err != nil {
		l.books[key] = b
		return err
	}
	return nil
}

// AddMember registers a borrower and allocates the next member ID.
func (l *Library) AddMember(name string) (*Member, error) {
	m, err := NewMember(name)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	m.ID = fmt.Sprintf("M%04d", l.nextMemberID)
	l.members[m.ID] = m
	l.nextMemberID++

	if err := l.saveMembersWithRetry(); err != nil {
		delete(l.members, m.ID)
		l.nextMemberID--
		return nil, err
	}

	out := *m
	out.Loans = append([]Loan(nil), m.Loans...)
	return &out, nil
}

// ------------------ Circulation ------------------

// IssueBook lends a book to a member and returns the due date. The member may
// be referenced by ID or by (unique) name. All preconditions are validated
// before any state changes; on a persistence failure the in-memory mutation
// is rolled back and the operation reports not-committed.
func (l *Library) IssueBook(title, author, memberRef string) (time.Time, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := NewBookKey(title, author)
	b, ok := l.books[key]
	if !ok {
		return time.Time{}, fmt.Errorf("%q by %q: %w", title, author, ErrBookNotFound)
	}
	m, err := l.findMember(memberRef)
	if err != nil {
		return time.Time{}, err
	}
	if !b.Available {
		return time.Time{}, fmt.Errorf("%q is already issued to %s: %w", b.Title, b.BorrowedBy, ErrNotAvailable)
	}

	due := l.now().Add(l.loanPeriod)
	prev := *b
	b.Available = false
	b.BorrowedBy = m.ID
	b.DueDate = &due
	m.addLoan(b, due)

	if err := l.saveBothWithRetry(); err != nil {
		*b = prev
		m.removeLoan(key)
		return time.Time{}, err
	}

	l.appendLedger(LedgerEntry{
		ID:       uuid.NewString(),
		Time:     l.now(),
		Event:    EventIssue,
		Title:    b.Title,
		Author:   b.Author,
		MemberID: m.ID,
		DueDate:  &due,
	})
	return due, nil
}

// ReturnBook takes a book back from the member it is issued to. Returns
// require the matching borrower; returning someone else's loan fails with
// ErrBorrowerMismatch.
func (l *Library) ReturnBook(title, author, memberRef string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := NewBookKey(title, author)
	b, ok := l.books[key]
	if !ok {
		return fmt.Errorf("%q by %q: %w", title, author, ErrBookNotFound)
	}
	m, err := l.findMember(memberRef)
	if err != nil {
		return err
	}
	if b.Available {
		return fmt.Errorf("%q by %q: %w", b.Title, b.Author, ErrNotIssued)
	}
	if b.BorrowedBy != m.ID {
		return fmt.Errorf("%q is issued to %s, not %s: %w", b.Title, b.BorrowedBy, m.ID, ErrBorrowerMismatch)
	}

	prev := *b
	prevLoans := append([]Loan(nil), m.Loans...)
	b.Available = true
	b.BorrowedBy = ""
	b.DueDate = nil
	m.removeLoan(key)

	if err := l.saveBothWithRetry(); err != nil {
		*b = prev
		m.Loans = prevLoans
		return err
	}

	l.appendLedger(LedgerEntry{
		ID:       uuid.NewString(),
		Time:     l.now(),
		Event:    EventReturn,
		Title:    b.Title,
		Author:   b.Author,
		MemberID: m.ID,
	})
	return nil
}

// findMember resolves a member reference: exact ID match first, then a
// case-insensitive name match, which must be unique. Caller holds the lock.
func (l *Library) findMember(ref string) (*Member, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, fmt.Errorf("empty member reference: %w", ErrMemberNotFound)
	}
	if m, ok := l.members[ref]; ok {
		return m, nil
	}

	var found *Member
	lower := strings.ToLower(ref)
	for _, m := range l.members {
		if strings.ToLower(m.Name) == lower {
			if found != nil {
				return nil, fmt.Errorf("member name %q is ambiguous, use the member id: %w", ref, ErrValidation)
			}
			found = m
		}
	}
	if found == nil {
		return nil, fmt.Errorf("member %q: %w", ref, ErrMemberNotFound)
	}
	return found, nil
}

// ------------------ Queries ------------------

// SearchBooks matches the query as a case-insensitive substring of the title,
// the author, or both. A blank query matches nothing.
func (l *Library) SearchBooks(query string, mode SearchMode) []Book {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nil
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	var results []Book
	for _, b := range l.books {
		title := strings.Contains(strings.ToLower(b.Title), query)
		author := strings.Contains(strings.ToLower(b.Author), query)

		var hit bool
		switch mode {
		case SearchTitle:
			hit = title
		case SearchAuthor:
			hit = author
		default:
			hit = title || author
		}
		if hit {
			results = append(results, *b)
		}
	}
	sortBooks(results)
	return results
}

// BooksByCategory matches the category case-insensitively and exactly. An
// unknown category yields an empty result, not an error.
func (l *Library) BooksByCategory(category string) []Book {
	want := strings.ToLower(strings.TrimSpace(category))

	l.mu.RLock()
	defer l.mu.RUnlock()

	var results []Book
	for _, b := range l.books {
		if strings.ToLower(b.Category) == want {
			results = append(results, *b)
		}
	}
	sortBooks(results)
	return results
}

// Categories lists the distinct catalog categories, sorted, keeping the
// casing of the first record seen per category.
func (l *Library) Categories() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	seen := map[string]string{}
	for _, b := range l.books {
		lower := strings.ToLower(b.Category)
		if _, ok := seen[lower]; !ok {
			seen[lower] = b.Category
		}
	}
	out := make([]string, 0, len(seen))
	for _, c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// OverdueBooks lists every issued book whose due date has passed as of asOf,
// with whole days overdue (one second past due counts as day one). Overdue
// status is always computed on demand; nothing fires when a due date passes.
func (l *Library) OverdueBooks(asOf time.Time) []OverdueBook {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var results []OverdueBook
	for _, b := range l.books {
		if b.Available || b.DueDate == nil || !b.DueDate.Before(asOf) {
			continue
		}
		days := int(math.Ceil(asOf.Sub(*b.DueDate).Hours() / 24))
		if days < 1 {
			days = 1
		}
		results = append(results, OverdueBook{Book: *b, MemberID: b.BorrowedBy, DaysOverdue: days})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].DaysOverdue != results[j].DaysOverdue {
			return results[i].DaysOverdue > results[j].DaysOverdue
		}
		return results[i].Book.Title < results[j].Book.Title
	})
	return results
}

// Books returns a sorted snapshot of the whole catalog.
func (l *Library) Books() []Book {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Book, 0, len(l.books))
	for _, b := range l.books {
		out = append(out, *b)
	}
	sortBooks(out)
	return out
}

// AvailableBooks returns the catalog subset that can be issued right now.
func (l *Library) AvailableBooks() []Book {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Book
	for _, b := range l.books {
		if b.Available {
			out = append(out, *b)
		}
	}
	sortBooks(out)
	return out
}

// Members returns a snapshot of the roster sorted by ID.
func (l *Library) Members() []Member {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Member, 0, len(l.members))
	for _, m := range l.members {
		cp := *m
		cp.Loans = append([]Loan(nil), m.Loans...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// MemberBooks lists the member's current loans in borrow order.
func (l *Library) MemberBooks(memberRef string) ([]Loan, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	m, err := l.findMember(memberRef)
	if err != nil {
		return nil, err
	}
	return append([]Loan(nil), m.Loans...), nil
}

// Statistics computes counts from the current in-memory state.
func (l *Library) Statistics() Statistics {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := Statistics{
		TotalBooks:   len(l.books),
		TotalMembers: len(l.members),
	}
	categories := map[string]struct{}{}
	for _, b := range l.books {
		if b.Available {
			stats.Available++
		} else {
			stats.Issued++
		}
		categories[strings.ToLower(b.Category)] = struct{}{}
	}
	stats.Categories = len(categories)
	return stats
}

// History returns the most recent limit ledger entries (all when limit <= 0).
func (l *Library) History(limit int) ([]LedgerEntry, error) {
	return l.store.ReadLedger(limit)
}

// ------------------ Persistence helpers ------------------

// appendLedger is best-effort audit: a failed append is reported but does not
// roll back the circulation mutation already persisted.
func (l *Library) appendLedger(entry LedgerEntry) {
	if err := l.store.AppendLedger(entry); err != nil {
		l.log.Error().Err(err).Str("event", entry.Event).Str("title", entry.Title).
			Msg("ledger append failed; circulation state is already committed")
	}
}

// saveBothWithRetry persists catalog and roster as one logical unit. Any
// failure is retried once as a full re-save of both; a second failure is
// reported to the caller and the triggering mutation must be rolled back.
func (l *Library) saveBothWithRetry() error {
	if err := l.saveBoth(); err != nil {
		l.log.Warn().Err(err).Msg("save failed, retrying both collections")
		if err := l.saveBoth(); err != nil {
			return err
		}
	}
	return nil
}

func (l *Library) saveBoth() error {
	if err := l.store.SaveBooks(l.books); err != nil {
		return err
	}
	return l.store.SaveMembers(l.members)
}

func (l *Library) saveBooksWithRetry() error {
	if err := l.store.SaveBooks(l.books); err != nil {
		l.log.Warn().Err(err).Msg("catalog save failed, retrying")
		return l.store.SaveBooks(l.books)
	}
	return nil
}

func (l *Library) saveMembersWithRetry() error {
	if err := l.store.SaveMembers(l.members); err != nil {
		l.log.Warn().Err(err).Msg("roster save failed, retrying")
		return l.store.SaveMembers(l.members)
	}
	return nil
}

func sortBooks(books []Book) {
	sort.Slice(books, func(i, j int) bool {
		if books[i].Title != books[j].Title {
			return books[i].Title < books[j].Title
		}
		return books[i].Author < books[j].Author
	})
}
